package relay

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/constants"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const outboxSize = 256

var (
	errNotConnected = stderrors.New("link is not connected")
	errOutboxFull   = stderrors.New("outbound queue is full")
)

// WsLink is a client websocket session to one relay. A link is single use:
// once it reaches Error or is closed, its owner builds a new one.
type WsLink struct {
	url     string
	cfg     config.LinksConfig
	observe domain.LinkObserver
	dialer  *websocket.Dialer
	limiter *rate.Limiter
	log     *zap.Logger

	mu     sync.Mutex
	state  domain.LinkState
	ws     *websocket.Conn
	cancel context.CancelFunc
	opened bool
	closed bool

	outbox    chan []byte
	done      chan struct{}
	writeMu   sync.Mutex
	closeOnce sync.Once
}

var _ domain.Link = (*WsLink)(nil)

// NewWsLink builds a link for url. Nothing is dialed until Open.
func NewWsLink(url string, cfg config.LinksConfig, observe domain.LinkObserver) *WsLink {
	return &WsLink{
		url:     url,
		cfg:     cfg,
		observe: observe,
		dialer: &websocket.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: true,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSecond), cfg.Burst),
		log:     logger.ForLink(url),
		state:   domain.LinkDisconnected,
		outbox:  make(chan []byte, outboxSize),
		done:    make(chan struct{}),
	}
}

// Factory returns a LinkFactory that builds WsLinks with cfg.
func Factory(cfg config.LinksConfig) domain.LinkFactory {
	return func(url string, observe domain.LinkObserver) domain.Link {
		return NewWsLink(url, cfg, observe)
	}
}

func (l *WsLink) URL() string { return l.url }

func (l *WsLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Open starts the dial in the background.
func (l *WsLink) Open(ctx context.Context) {
	l.mu.Lock()
	if l.opened || l.closed {
		l.mu.Unlock()
		return
	}
	l.opened = true
	ctx, l.cancel = context.WithCancel(ctx)
	l.setStateLocked(domain.LinkConnecting, nil)
	l.mu.Unlock()

	go l.run(ctx)
}

// Send queues one frame for the writer. It never blocks.
func (l *WsLink) Send(frame []byte) error {
	if l.State() != domain.LinkConnected {
		return errors.TransportError(l.url, "send", errNotConnected)
	}
	select {
	case l.outbox <- frame:
		return nil
	default:
		return errors.TransportError(l.url, "send", errOutboxFull)
	}
}

// Close ends the session. A connected link hands the socket to its writer,
// which sends every queued frame before the close handshake.
func (l *WsLink) Close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		connected := l.ws != nil
		l.ws = nil
		if !connected && l.cancel != nil {
			l.cancel()
		}
		l.state = domain.LinkDisconnected
		l.observe(domain.LinkEvent{URL: l.url, State: domain.LinkDisconnected})
		l.mu.Unlock()

		close(l.done)
	})
}

func (l *WsLink) run(ctx context.Context) {
	header := http.Header{}
	header.Set("User-Agent", constants.AgentUserAgent)

	ws, resp, err := l.dialer.DialContext(ctx, l.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		l.fail("dial", err)
		return
	}

	ws.SetReadLimit(l.cfg.ReadLimitBytes)
	_ = ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)) // nolint:errcheck // deadline is non-critical
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
	})

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		_ = ws.Close()
		return
	}
	l.ws = ws
	l.setStateLocked(domain.LinkConnected, nil)
	l.mu.Unlock()

	l.log.Debug("Relay link connected")

	go l.writeLoop(ctx, ws)
	l.readLoop(ws)
}

func (l *WsLink) readLoop(ws *websocket.Conn) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			l.fail("read", err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout)) // nolint:errcheck // deadline is non-critical

		in, err := ParseInbound(raw)
		if err != nil {
			l.log.Debug("Skipping malformed relay frame", zap.Error(err), zap.Int("size", len(raw)))
			continue
		}
		metrics.IncrementFramesReceived(in.Type, len(raw))

		l.mu.Lock()
		if !l.closed {
			l.observe(domain.LinkEvent{URL: l.url, State: l.state, Inbound: in})
		}
		l.mu.Unlock()
	}
}

func (l *WsLink) writeLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close()
			return

		case <-l.done:
			l.shutdown(ws)
			return

		case <-ticker.C:
			l.writeMu.Lock()
			err := ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(l.cfg.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.fail("ping", err)
				return
			}

		case frame := <-l.outbox:
			if err := l.limiter.Wait(ctx); err != nil {
				_ = ws.Close()
				return
			}
			l.writeMu.Lock()
			_ = ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) // nolint:errcheck // deadline is non-critical
			err := ws.WriteMessage(websocket.TextMessage, frame)
			l.writeMu.Unlock()
			if err != nil {
				l.fail("write", err)
				return
			}
			metrics.IncrementFramesSent(FrameLabel(frame))
		}
	}
}

// shutdown writes what is still queued, then closes politely. Runs on the
// writer so no popped frame is lost.
func (l *WsLink) shutdown(ws *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	l.writeMu.Lock()
	l.flushLocked(ws)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	l.writeMu.Unlock()
	_ = ws.Close()

	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Unlock()
	l.log.Debug("Relay link closed")
}

// flushLocked writes frames still queued at close time, such as the CLOSE
// frames sent just before a disconnect. The limiter is bypassed. writeMu
// must be held.
func (l *WsLink) flushLocked(ws *websocket.Conn) {
	for {
		select {
		case frame := <-l.outbox:
			_ = ws.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) // nolint:errcheck // deadline is non-critical
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			metrics.IncrementFramesSent(FrameLabel(frame))
		default:
			return
		}
	}
}

// fail moves the link to Error once; failures after Close are not reported.
func (l *WsLink) fail(op string, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.state == domain.LinkError {
		return
	}

	appErr := errors.TransportError(l.url, op, cause)
	l.log.Debug("Relay link failed", zap.String("op", op), zap.Error(cause))

	if l.ws != nil {
		_ = l.ws.Close()
		l.ws = nil
	}
	if l.cancel != nil {
		l.cancel()
	}
	l.setStateLocked(domain.LinkError, appErr)
}

func (l *WsLink) setStateLocked(state domain.LinkState, err error) {
	l.state = state
	l.observe(domain.LinkEvent{URL: l.url, State: state, Err: err})
}
