package registry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/nopu-sh/agent/internal/server"
	"go.uber.org/zap"
)

// Options holds what every server connection is built with.
type Options struct {
	DefaultEndpoints []string
	Links            domain.LinkFactory
	Auth             server.Authenticator
	Events           server.EventHandler
	Clock            clock.Clock
	ReconnectDelay   time.Duration
}

// Registry maps server keys to their connections, creating them on demand.
type Registry struct {
	opts Options
	log  *zap.Logger

	mu     sync.RWMutex
	conns  map[string]*server.Connection
	closed bool

	total     atomic.Int64
	connected atomic.Int64
}

func New(opts Options) *Registry {
	return &Registry{
		opts:  opts,
		log:   logger.New("registry"),
		conns: make(map[string]*server.Connection),
	}
}

// GetOrCreate returns the connection for serverKey, building it from
// endpoints on first use. The default server falls back to the configured
// default endpoints. Concurrent callers for the same new key all receive the
// first instance.
func (r *Registry) GetOrCreate(serverKey string, endpoints []string) (*server.Connection, error) {
	r.mu.RLock()
	c, ok := r.conns[serverKey]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.conns[serverKey]; ok {
		return c, nil
	}
	if r.closed {
		return nil, errors.NotInitializedError("create server "+serverKey, "registry is closed")
	}

	if len(endpoints) == 0 && serverKey == config.DefaultServerKey {
		endpoints = r.opts.DefaultEndpoints
	}
	if len(endpoints) == 0 {
		return nil, errors.ConfigurationError(serverKey, "no relay endpoints")
	}

	c, err := server.New(server.Options{
		ServerKey:      serverKey,
		Endpoints:      endpoints,
		Links:          r.opts.Links,
		Auth:           r.opts.Auth,
		Events:         r.opts.Events,
		Clock:          r.opts.Clock,
		ReconnectDelay: r.opts.ReconnectDelay,
	})
	if err != nil {
		return nil, err
	}
	c.OnStateChange(func(server.Status) { r.recount() })
	r.conns[serverKey] = c

	r.total.Store(int64(len(r.conns)))
	metrics.ServersTotal.Set(float64(len(r.conns)))
	r.log.Info("Push server registered",
		zap.String("server", serverKey),
		zap.Strings("endpoints", c.Endpoints()))
	return c, nil
}

// Get returns an existing connection.
func (r *Registry) Get(serverKey string) (*server.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[serverKey]
	return c, ok
}

func (r *Registry) lookup(op, serverKey string) (*server.Connection, error) {
	c, ok := r.Get(serverKey)
	if !ok {
		return nil, errors.NotInitializedError(op, "unknown push server "+serverKey).WithServer(serverKey)
	}
	return c, nil
}

func (r *Registry) Connect(serverKey string) error {
	c, err := r.lookup("connect", serverKey)
	if err != nil {
		return err
	}
	c.Connect()
	return nil
}

func (r *Registry) Disconnect(serverKey string) error {
	c, err := r.lookup("disconnect", serverKey)
	if err != nil {
		return err
	}
	c.Disconnect()
	return nil
}

func (r *Registry) ConnectAll() {
	for _, c := range r.all() {
		c.Connect()
	}
}

func (r *Registry) DisconnectAll() {
	for _, c := range r.all() {
		c.Disconnect()
	}
}

// Subscribe records filter under id on serverKey's connection.
func (r *Registry) Subscribe(serverKey, id string, filter domain.Filter) (string, error) {
	c, err := r.lookup("subscribe", serverKey)
	if err != nil {
		return "", err
	}
	return c.Subscribe(id, filter)
}

func (r *Registry) Unsubscribe(serverKey, id string) error {
	c, err := r.lookup("unsubscribe", serverKey)
	if err != nil {
		return err
	}
	c.Unsubscribe(id)
	return nil
}

// TotalServers is the number of registered push servers.
func (r *Registry) TotalServers() int { return int(r.total.Load()) }

// ConnectedServers is the number of push servers in the Connected state.
func (r *Registry) ConnectedServers() int { return int(r.connected.Load()) }

// ServerKeys returns the registered keys in sorted order.
func (r *Registry) ServerKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.conns))
	for k := range r.conns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot returns the status of every server, sorted by key.
func (r *Registry) Snapshot() []server.Status {
	conns := r.all()
	out := make([]server.Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	return out
}

// Close disposes every connection. The registry refuses new servers afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*server.Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *server.Connection) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
	r.recount()
}

func (r *Registry) all() []*server.Connection {
	keys := r.ServerKeys()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*server.Connection, 0, len(keys))
	for _, k := range keys {
		if c, ok := r.conns[k]; ok {
			out = append(out, c)
		}
	}
	return out
}

// recount runs on connection actor goroutines whenever a state changes.
func (r *Registry) recount() {
	r.mu.RLock()
	total := len(r.conns)
	connected := 0
	for _, c := range r.conns {
		if c.State() == server.Connected {
			connected++
		}
	}
	r.mu.RUnlock()

	r.total.Store(int64(total))
	r.connected.Store(int64(connected))
	metrics.ServersTotal.Set(float64(total))
	metrics.ServersConnected.Set(float64(connected))
}
