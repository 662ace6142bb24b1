package application

import (
	"context"
	"fmt"
	"time"

	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/health"
	"github.com/nopu-sh/agent/internal/keystore"
	"github.com/nopu-sh/agent/internal/registry"
	"github.com/nopu-sh/agent/internal/router"
	"github.com/nopu-sh/agent/internal/server"
	"github.com/nopu-sh/agent/internal/web"
	"github.com/nopu-sh/agent/internal/workers"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Agent ties together the components needed to keep push subscriptions alive.
type Agent struct {
	ctx    context.Context
	cancel context.CancelFunc

	config   *config.Config
	log      *zap.Logger
	keys     *keystore.Store
	pool     *workers.WorkerPool
	router   *router.Router
	registry *registry.Registry
	checker  *health.HealthChecker
	web      *web.Server
}

// New creates and configures an Agent using the AgentBuilder.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Agent, error) {
	builder := NewAgentBuilder(ctx, cfg, opts...)

	if err := builder.BuildIdentity(); err != nil {
		return nil, err
	}
	builder.BuildRouter()
	builder.BuildRegistry()
	builder.BuildSurface()

	agent, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build agent: %w", err)
	}
	return agent, nil
}

// Registry exposes the connection registry.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// Router exposes the event router, e.g. to swap the sink.
func (a *Agent) Router() *router.Router { return a.router }

// Health exposes the health checker.
func (a *Agent) Health() *health.HealthChecker { return a.checker }

// PublicKey returns the signing identity's public key, or "".
func (a *Agent) PublicKey() string { return a.keys.PublicKey() }

// Start boots every configured push server and serves the status surface
// until ctx or the agent is canceled. A bootstrap failure stops the agent.
func (a *Agent) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.bootstrap()
	})

	if a.config.Metrics.Enabled && a.web != nil {
		g.Go(func() error {
			srvCtx, cancel := context.WithCancel(gctx)
			defer cancel()
			go func() {
				select {
				case <-a.ctx.Done():
					cancel()
				case <-srvCtx.Done():
				}
			}()
			if err := a.web.ListenAndServe(srvCtx, a.config.Metrics.Addr, a.config.General.ShutdownTimeout); err != nil {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

// bootstrap creates, subscribes and connects every configured push server.
// Failures are collected so one bad server is reported with all the others.
func (a *Agent) bootstrap() error {
	var errs error
	for _, srv := range a.config.Push.Servers {
		if err := a.bootServer(srv); err != nil {
			errors.Log(a.log, err, zap.String("server", srv.Key))
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return errs
	}
	a.log.Info("Push servers started",
		zap.Int("servers", a.registry.TotalServers()),
		zap.String("pubkey", a.keys.PublicKey()))
	return nil
}

func (a *Agent) bootServer(srv config.ServerConfig) error {
	conn, err := a.registry.GetOrCreate(srv.Key, a.config.Push.EndpointsFor(srv))
	if err != nil {
		return err
	}
	conn.OnStateChange(func(st server.Status) {
		a.log.Info("Push server state",
			zap.String("server", st.ServerKey),
			zap.Stringer("state", st.State),
			zap.Int("connected_relays", st.ConnectedRelays),
			zap.Int("relays", len(st.Relays)))
	})

	var errs error
	for _, sub := range srv.Subscriptions {
		id, filter := subscriptionFromConfig(sub)
		if _, err := conn.Subscribe(id, filter); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	conn.Connect()
	return errs
}

// Shutdown disposes every connection, drains the delivery pool within the
// configured timeout and returns everything that went wrong.
func (a *Agent) Shutdown() error {
	a.log.Info("Initiating graceful shutdown...")
	timeout := a.config.General.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	var errs error

	a.registry.Close()
	a.router.SetSink(nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.pool.Stop()
		a.pool.Wait()
	}()
	select {
	case <-done:
		a.log.Debug("Delivery pool drained")
	case <-time.After(timeout):
		errs = multierr.Append(errs, fmt.Errorf("delivery pool drain timed out after %v", timeout))
	}

	a.cancel()

	if errs != nil {
		a.log.Warn("Agent shutdown completed with errors", zap.Errors("errors", multierr.Errors(errs)))
	} else {
		a.log.Info("Agent shutdown completed")
	}
	return errs
}
