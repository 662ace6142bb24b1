package application

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/health"
	"github.com/nopu-sh/agent/internal/keystore"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/registry"
	"github.com/nopu-sh/agent/internal/relay"
	"github.com/nopu-sh/agent/internal/relay/nips"
	"github.com/nopu-sh/agent/internal/router"
	"github.com/nopu-sh/agent/internal/web"
	"github.com/nopu-sh/agent/internal/workers"
	"go.uber.org/zap"
)

// Option overrides a collaborator the builder would otherwise create from config.
type Option func(*AgentBuilder)

// WithLinkFactory replaces the websocket link factory.
func WithLinkFactory(f domain.LinkFactory) Option {
	return func(b *AgentBuilder) { b.links = f }
}

// WithSink replaces the default logging sink.
func WithSink(s domain.Sink) Option {
	return func(b *AgentBuilder) { b.sink = s }
}

// WithKeyStore replaces the configured key store.
func WithKeyStore(s *keystore.Store) Option {
	return func(b *AgentBuilder) { b.keys = s }
}

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(c clock.Clock) Option {
	return func(b *AgentBuilder) { b.clock = c }
}

// AgentBuilder is used to incrementally construct an Agent instance.
type AgentBuilder struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *config.Config
	log    *zap.Logger

	keys     *keystore.Store
	auth     *nips.AuthResponder
	pool     *workers.WorkerPool
	router   *router.Router
	sink     domain.Sink
	links    domain.LinkFactory
	clock    clock.Clock
	registry *registry.Registry
	checker  *health.HealthChecker
	web      *web.Server
}

// NewAgentBuilder creates a new AgentBuilder with its own cancelable context.
func NewAgentBuilder(ctx context.Context, cfg *config.Config, opts ...Option) *AgentBuilder {
	c, cancel := context.WithCancel(ctx)
	b := &AgentBuilder{
		ctx:    c,
		cancel: cancel,
		config: cfg,
		log:    logger.New("agent"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BuildIdentity loads the signing key and the NIP-42 responder that uses it.
func (b *AgentBuilder) BuildIdentity() error {
	if b.keys == nil {
		keys, err := keystore.Load(b.config.Identity)
		if err != nil {
			b.cancel()
			return fmt.Errorf("failed to load identity: %w", err)
		}
		b.keys = keys
	}
	b.auth = nips.NewAuthResponder(b.keys, b.config.Push.DefaultEndpoints, b.config.Push.DefaultRelayAlias)
	return nil
}

// BuildRouter creates the delivery pool and the event router feeding the sink.
func (b *AgentBuilder) BuildRouter() {
	b.pool = workers.NewWorkerPool(b.config.Router.Workers, b.config.Router.QueueSize)
	b.router = router.New(b.config.Router, b.pool)
	if b.sink == nil {
		b.sink = logSink(b.log)
	}
	b.router.SetSink(b.sink)
}

// BuildRegistry creates the connection registry over real or injected links.
func (b *AgentBuilder) BuildRegistry() {
	if b.links == nil {
		b.links = relay.Factory(b.config.Links)
	}
	if b.clock == nil {
		b.clock = clock.New()
	}
	b.registry = registry.New(registry.Options{
		DefaultEndpoints: b.config.Push.DefaultEndpoints,
		Links:            b.links,
		Auth:             b.auth,
		Events:           b.router,
		Clock:            b.clock,
		ReconnectDelay:   b.config.Push.ReconnectDelay,
	})
}

// BuildSurface creates the health checker and the status HTTP server.
func (b *AgentBuilder) BuildSurface() {
	b.checker = health.NewHealthChecker(b.registry, b.pool, b.config.Router.QueueSize, b.log, config.Version)
	status := web.NewHandler(b.config.General.Name, config.Version, b.registry, b.keys.PublicKey, b.log)
	b.web = web.NewServer(status, b.checker)
}

// Build assembles the Agent.
func (b *AgentBuilder) Build() (*Agent, error) {
	if b.registry == nil || b.router == nil || b.auth == nil {
		b.cancel()
		return nil, fmt.Errorf("agent builder: identity, router and registry must be built first")
	}
	return &Agent{
		ctx:      b.ctx,
		cancel:   b.cancel,
		config:   b.config,
		log:      b.log,
		keys:     b.keys,
		pool:     b.pool,
		router:   b.router,
		registry: b.registry,
		checker:  b.checker,
		web:      b.web,
	}, nil
}
