package logger

import (
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// settings collects what Init needs; callers fill it through Options.
type settings struct {
	level      string
	format     string
	file       string
	version    string
	component  string
	maxSize    int
	maxBackups int
	maxAge     int
}

type Option func(*settings)

func WithLevel(lvl string) Option      { return func(s *settings) { s.level = lvl } }
func WithFormat(format string) Option  { return func(s *settings) { s.format = format } }
func WithFile(path string) Option      { return func(s *settings) { s.file = path } }
func WithVersion(v string) Option      { return func(s *settings) { s.version = v } }
func WithComponent(comp string) Option { return func(s *settings) { s.component = comp } }

// WithRotation sets lumberjack limits: megabytes per file, files kept, days kept.
func WithRotation(size, backups, age int) Option {
	return func(s *settings) { s.maxSize, s.maxBackups, s.maxAge = size, backups, age }
}

// sink is one built core plus the level that can be changed while it runs.
type sink struct {
	log   *zap.Logger
	level zap.AtomicLevel
}

var root atomic.Pointer[sink]

// Init builds the process logger. A second call replaces the first after
// flushing it.
func Init(opts ...Option) error {
	s := settings{
		level:      "info",
		format:     "console",
		component:  "agent",
		maxSize:    50,
		maxBackups: 3,
		maxAge:     14,
	}
	for _, apply := range opts {
		apply(&s)
	}

	level, err := zap.ParseAtomicLevel(s.level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	enc, err := encoderFor(s.format)
	if err != nil {
		return err
	}
	out, err := writerFor(s)
	if err != nil {
		return err
	}

	next := &sink{
		level: level,
		log: zap.New(zapcore.NewCore(enc, out, level),
			zap.AddStacktrace(zapcore.ErrorLevel),
			zap.Fields(zap.String("version", s.version), zap.String("component", s.component)),
		),
	}
	if prev := root.Swap(next); prev != nil {
		_ = prev.log.Sync()
	}
	return nil
}

// Shutdown flushes buffered entries and detaches the logger.
func Shutdown() error {
	prev := root.Swap(nil)
	if prev == nil {
		return fmt.Errorf("logger not initialized")
	}
	// stderr cannot be synced on most terminals
	var pathErr *os.PathError
	if err := prev.log.Sync(); err != nil && !stderrors.As(err, &pathErr) {
		return err
	}
	return nil
}

// UpdateLevel changes the level of the running logger.
func UpdateLevel(lvl string) error {
	cur := root.Load()
	if cur == nil {
		return fmt.Errorf("logger not initialized")
	}
	level, err := zapcore.ParseLevel(lvl)
	if err != nil {
		return err
	}
	cur.level.SetLevel(level)
	return nil
}

func encoderFor(format string) (zapcore.Encoder, error) {
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), nil
	case "console", "":
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	}
	return nil, fmt.Errorf("unknown log format %q", format)
}

func writerFor(s settings) (zapcore.WriteSyncer, error) {
	if s.file == "" {
		return zapcore.Lock(os.Stderr), nil
	}
	if err := os.MkdirAll(filepath.Dir(s.file), 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   s.file,
		MaxSize:    s.maxSize,
		MaxBackups: s.maxBackups,
		MaxAge:     s.maxAge,
		Compress:   true,
	}), nil
}

func base() *zap.Logger {
	if cur := root.Load(); cur != nil {
		return cur.log
	}
	return zap.NewNop()
}

// New returns a component logger. Before Init it discards everything.
func New(component string) *zap.Logger {
	return base().With(zap.String("component", component))
}

// ForServer scopes the connection manager logger to one push server.
func ForServer(serverKey string) *zap.Logger {
	return New("server").With(zap.String("server", serverKey))
}

// ForLink scopes the websocket link logger to one relay.
func ForLink(relayURL string) *zap.Logger {
	return New("link").With(zap.String("relay", relayURL))
}

func Debug(msg string, fields ...zap.Field) { base().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { base().Info(msg, fields...) }
func Error(msg string, fields ...zap.Field) { base().Error(msg, fields...) }
