package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/nopu-sh/agent/internal/health"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the status HTTP surface: /health, /status and /metrics.
type Server struct {
	handler http.Handler
	log     *zap.Logger
}

// NewServer wires the status routes.
func NewServer(status *Handler, checker *health.HealthChecker) *Server {
	log := logger.New("web")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", checker.HandleHealth)
	mux.HandleFunc("/status", status.HandleStatus)
	mux.Handle("/metrics", promhttp.Handler())

	var h http.Handler = mux
	h = SecurityMiddleware(APISecurityHeaders())(h)
	h = LoggingMiddleware(log)(h)

	return &Server{handler: h, log: log}
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	httpSrv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Status server shutdown", zap.Error(err))
		}
	}()

	s.log.Info("Status server listening", zap.String("address", ln.Addr().String()))
	err := httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		return nil
	}
	return err
}
