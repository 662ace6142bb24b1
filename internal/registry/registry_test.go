package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLink connects as soon as it is opened when autoConnect is set.
type stubLink struct {
	url         string
	observe     domain.LinkObserver
	autoConnect bool

	mu    sync.Mutex
	state domain.LinkState
}

func (l *stubLink) URL() string { return l.url }

func (l *stubLink) Open(context.Context) {
	next := domain.LinkConnecting
	if l.autoConnect {
		next = domain.LinkConnected
	}
	l.mu.Lock()
	l.state = next
	l.mu.Unlock()
	l.observe(domain.LinkEvent{URL: l.url, State: next})
}

func (l *stubLink) Close() {
	l.mu.Lock()
	l.state = domain.LinkDisconnected
	l.mu.Unlock()
	l.observe(domain.LinkEvent{URL: l.url, State: domain.LinkDisconnected})
}

func (l *stubLink) Send([]byte) error { return nil }

func (l *stubLink) State() domain.LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func newRegistry(t *testing.T, autoConnect bool) *Registry {
	t.Helper()
	r := New(Options{
		DefaultEndpoints: []string{"wss://relay.nopu.sh"},
		Links: func(url string, observe domain.LinkObserver) domain.Link {
			return &stubLink{url: url, observe: observe, autoConnect: autoConnect}
		},
		Clock:          clock.NewMock(),
		ReconnectDelay: 5 * time.Second,
	})
	t.Cleanup(r.Close)
	return r
}

func TestGetOrCreateReturnsSameInstance(t *testing.T) {
	r := newRegistry(t, false)

	first, err := r.GetOrCreate("s1", []string{"wss://a.example.com"})
	require.NoError(t, err)
	second, err := r.GetOrCreate("s1", []string{"wss://other.example.com"})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, []string{"wss://a.example.com"}, second.Endpoints())
	assert.Equal(t, 1, r.TotalServers())
}

func TestGetOrCreateConcurrentCallersShareInstance(t *testing.T) {
	r := newRegistry(t, false)

	const callers = 32
	results := make([]*server.Connection, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := r.GetOrCreate("s1", []string{"wss://a.example.com"})
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	wg.Wait()

	for _, c := range results {
		assert.Same(t, results[0], c)
	}
	assert.Equal(t, 1, r.TotalServers())
}

func TestDefaultServerUsesDefaultEndpoints(t *testing.T) {
	r := newRegistry(t, false)

	c, err := r.GetOrCreate("default", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"wss://relay.nopu.sh"}, c.Endpoints())
}

func TestServerWithoutEndpointsIsConfigurationError(t *testing.T) {
	r := newRegistry(t, false)

	_, err := r.GetOrCreate("s2", nil)
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.Equal(t, 0, r.TotalServers())
}

func TestUnknownServerIsNotInitialized(t *testing.T) {
	r := newRegistry(t, false)

	assert.True(t, errors.IsNotInitialized(r.Connect("nope")))
	assert.True(t, errors.IsNotInitialized(r.Disconnect("nope")))
	assert.True(t, errors.IsNotInitialized(r.Unsubscribe("nope", "a")))
	_, err := r.Subscribe("nope", "a", domain.Filter{Kinds: []int{9}})
	assert.True(t, errors.IsNotInitialized(err))
}

func TestConnectedCounterFollowsStateChanges(t *testing.T) {
	r := newRegistry(t, true)

	_, err := r.GetOrCreate("s1", []string{"wss://a.example.com"})
	require.NoError(t, err)
	_, err = r.GetOrCreate("s2", []string{"wss://b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, 2, r.TotalServers())
	assert.Equal(t, 0, r.ConnectedServers())

	r.ConnectAll()
	require.Eventually(t, func() bool { return r.ConnectedServers() == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Disconnect("s1"))
	require.Eventually(t, func() bool { return r.ConnectedServers() == 1 }, 2*time.Second, 5*time.Millisecond)

	r.DisconnectAll()
	require.Eventually(t, func() bool { return r.ConnectedServers() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeDelegatesToServer(t *testing.T) {
	r := newRegistry(t, true)

	c, err := r.GetOrCreate("s1", []string{"wss://a.example.com"})
	require.NoError(t, err)

	id, err := r.Subscribe("s1", "group-feed", domain.Filter{Kinds: []int{9}})
	require.NoError(t, err)
	assert.Equal(t, "group-feed", id)
	assert.Equal(t, []string{"group-feed"}, c.ActiveSubscriptionIDs())
	require.Eventually(t, func() bool { return c.State() == server.Connected }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, r.Unsubscribe("s1", "group-feed"))
	assert.Empty(t, c.ActiveSubscriptionIDs())
	require.Eventually(t, func() bool { return c.State() == server.Disconnected }, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotIsSortedByKey(t *testing.T) {
	r := newRegistry(t, false)

	_, err := r.GetOrCreate("zeta", []string{"wss://z.example.com"})
	require.NoError(t, err)
	_, err = r.GetOrCreate("alpha", []string{"wss://a.example.com"})
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].ServerKey)
	assert.Equal(t, "zeta", snap[1].ServerKey)
	assert.Equal(t, []string{"alpha", "zeta"}, r.ServerKeys())
}

func TestClosedRegistryRefusesNewServers(t *testing.T) {
	r := newRegistry(t, false)
	r.Close()

	_, err := r.GetOrCreate("s1", []string{"wss://a.example.com"})
	assert.True(t, errors.IsNotInitialized(err))
}
