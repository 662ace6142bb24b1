package server

import (
	"encoding/json"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	relayA = "wss://a.example.com"
	relayB = "wss://b.example.com"
)

type harness struct {
	conn    *Connection
	links   *fakeFactory
	clock   *clock.Mock
	auth    *fakeAuth
	handler *recordingHandler
}

func newHarness(t *testing.T, withAuth bool, endpoints ...string) *harness {
	t.Helper()
	h := &harness{
		links:   newFakeFactory(),
		clock:   clock.NewMock(),
		handler: &recordingHandler{},
	}
	opts := Options{
		ServerKey:      "s1",
		Endpoints:      endpoints,
		Links:          h.links.build,
		Events:         h.handler,
		Clock:          h.clock,
		ReconnectDelay: 5 * time.Second,
	}
	if withAuth {
		h.auth = &fakeAuth{eventID: "auth-event-1"}
		opts.Auth = h.auth
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	h.conn = c
	return h
}

func kinds(k ...int) domain.Filter { return domain.Filter{Kinds: k} }

func reqFilter(t *testing.T, frame []json.RawMessage) nostr.Filter {
	t.Helper()
	require.Len(t, frame, 3)
	var f nostr.Filter
	require.NoError(t, json.Unmarshal(frame[2], &f))
	return f
}

func TestNewRequiresEndpoints(t *testing.T) {
	_, err := New(Options{ServerKey: "s1", Links: newFakeFactory().build})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))

	_, err = New(Options{ServerKey: "s1", Endpoints: []string{"https://not-a-relay"}, Links: newFakeFactory().build})
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
}

func TestSubscribeWhileDisconnectedConnectsAndExecutesOnce(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	id, err := c.Subscribe("A", kinds(9))
	require.NoError(t, err)
	assert.Equal(t, "A", id)
	flush(t, c)

	link := h.links.latest(t, relayA)
	assert.True(t, link.isOpened())
	assert.Equal(t, Connecting, c.State())
	assert.Equal(t, 1, c.PendingCount())

	link.connect()
	flush(t, c)

	assert.Equal(t, Connected, c.State())
	assert.Equal(t, 0, c.PendingCount())
	assert.Equal(t, []string{"A"}, link.subIDs("REQ"))

	// A second connected notification must not replay the same subscription.
	link.connect()
	flush(t, c)
	assert.Equal(t, []string{"A"}, link.subIDs("REQ"))
}

func TestSubscribeGeneratesIDWhenEmpty(t *testing.T) {
	h := newHarness(t, false, relayA)

	id, err := h.conn.Subscribe("", kinds(9))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, []string{id}, h.conn.ActiveSubscriptionIDs())
}

func TestFilterSetMatchesSubscribeUnsubscribeHistory(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn
	rng := rand.New(rand.NewSource(42))
	ids := []string{"a", "b", "c", "d", "e"}
	model := map[string]bool{}

	for i := 0; i < 300; i++ {
		id := ids[rng.Intn(len(ids))]
		switch rng.Intn(5) {
		case 0, 1:
			_, err := c.Subscribe(id, kinds(rng.Intn(20)))
			require.NoError(t, err)
			model[id] = true
		case 2, 3:
			c.Unsubscribe(id)
			delete(model, id)
		case 4:
			if h.links.count(relayA) > 0 {
				link := h.links.latest(t, relayA)
				if rng.Intn(2) == 0 {
					link.connect()
				} else {
					link.fail("flaky")
				}
			}
		}

		want := make([]string, 0, len(model))
		for k := range model {
			want = append(want, k)
		}
		got := c.ActiveSubscriptionIDs()
		sort.Strings(want)
		sort.Strings(got)
		require.Equal(t, want, got, "step %d", i)
	}
}

func TestAutoReconnectReplaysEachFilterExactlyOnce(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	_, _ = c.Subscribe("B", kinds(11, 12))
	flush(t, c)
	first := h.links.latest(t, relayA)
	first.connect()
	flush(t, c)
	require.Equal(t, []string{"A", "B"}, first.subIDs("REQ"))

	first.fail("connection reset")
	flush(t, c)
	require.Equal(t, Disconnected, c.State())
	require.True(t, errors.IsTransport(c.LastError()))

	h.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return h.links.count(relayA) == 2 }, 2*time.Second, 5*time.Millisecond)
	flush(t, c)

	second := h.links.latest(t, relayA)
	assert.True(t, second.isOpened())
	assert.Equal(t, Connecting, c.State())

	second.connect()
	flush(t, c)
	require.Equal(t, Connected, c.State())

	reqs := second.frames("REQ")
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"A", "B"}, second.subIDs("REQ"))
	assert.Equal(t, []int{9}, reqFilter(t, reqs[0]).Kinds)
	assert.Equal(t, []int{11, 12}, reqFilter(t, reqs[1]).Kinds)
}

func TestReconnectAfterFailedConnectAttempt(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	c.Connect()
	flush(t, c)
	h.links.latest(t, relayA).fail("refused")
	flush(t, c)
	require.Equal(t, Disconnected, c.State())

	h.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return h.links.count(relayA) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectCancelsScheduledReconnect(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	h.links.latest(t, relayA).fail("refused")
	flush(t, c)

	c.Disconnect()
	flush(t, c)

	h.clock.Add(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	flush(t, c)

	assert.Equal(t, 1, h.links.count(relayA))
	assert.Equal(t, Disconnected, c.State())
	assert.False(t, c.Status().AutoReconnect)
}

func TestUnsubscribingLastSubscriptionReleasesLinks(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)
	require.Equal(t, Connected, c.State())

	c.Unsubscribe("A")
	flush(t, c)

	assert.Equal(t, Disconnected, c.State())
	assert.True(t, link.isClosed())
	assert.Equal(t, []string{"A"}, link.subIDs("CLOSE"))
	assert.Empty(t, c.ActiveSubscriptionIDs())
}

func TestUnsubscribeKeepsLinksWhileOthersRemain(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	_, _ = c.Subscribe("B", kinds(10))
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	c.Unsubscribe("A")
	flush(t, c)

	assert.Equal(t, Connected, c.State())
	assert.False(t, link.isClosed())
	assert.Equal(t, []string{"B"}, c.ActiveSubscriptionIDs())
}

func TestUnsubscribeRemovesPendingEntry(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	_, _ = c.Subscribe("B", kinds(10))
	c.Unsubscribe("A")
	flush(t, c)
	assert.Equal(t, 1, c.PendingCount())

	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)
	assert.Equal(t, []string{"B"}, link.subIDs("REQ"))
}

func TestOneConnectedOneFailedIsConnected(t *testing.T) {
	h := newHarness(t, false, relayA, relayB)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	h.links.latest(t, relayA).connect()
	h.links.latest(t, relayB).fail("dial tcp: connection refused")
	flush(t, c)

	st := c.Status()
	assert.Equal(t, Connected, st.State)
	assert.Equal(t, 1, st.ConnectedRelays)
	assert.Equal(t, 1, st.DisconnectedRelays)
	require.Len(t, st.Relays, 2)
	assert.Equal(t, domain.LinkConnected, st.Relays[0].State)
	assert.Equal(t, domain.LinkError, st.Relays[1].State)
	assert.NotEmpty(t, st.Relays[1].Reason)
	assert.True(t, errors.IsTransport(c.LastError()))
}

func TestLinkConnectingLateReceivesLiveSubscriptions(t *testing.T) {
	h := newHarness(t, false, relayA, relayB)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	a, b := h.links.latest(t, relayA), h.links.latest(t, relayB)

	a.connect()
	flush(t, c)
	assert.Equal(t, []string{"A"}, a.subIDs("REQ"))
	assert.Empty(t, b.subIDs("REQ"))

	b.connect()
	flush(t, c)
	assert.Equal(t, []string{"A"}, a.subIDs("REQ"))
	assert.Equal(t, []string{"A"}, b.subIDs("REQ"))
}

func TestDuplicatePendingSubscribeSendsLatestFilterOnce(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	_, _ = c.Subscribe("A", kinds(11))
	flush(t, c)
	assert.Equal(t, 1, c.PendingCount())

	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	reqs := link.frames("REQ")
	require.Len(t, reqs, 1)
	assert.Equal(t, []int{11}, reqFilter(t, reqs[0]).Kinds)
}

func TestInvalidFilterOnlyAbortsThatSubscription(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, err := c.Subscribe("bad", domain.Filter{Authors: []string{"not-hex"}})
	require.Error(t, err)
	assert.True(t, errors.IsInvalidFilter(err))
	_, err = c.Subscribe("good", kinds(9))
	require.NoError(t, err)
	flush(t, c)

	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	assert.Equal(t, []string{"good"}, link.subIDs("REQ"))
	assert.True(t, errors.IsInvalidFilter(c.LastError()))
	assert.ElementsMatch(t, []string{"bad", "good"}, c.ActiveSubscriptionIDs())
}

func TestLinksReleasedWhenNoQueuedSubscriptionCanExecute(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, err := c.Subscribe("bad", domain.Filter{Authors: []string{"not-hex"}})
	require.True(t, errors.IsInvalidFilter(err))
	flush(t, c)

	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)
	flush(t, c) // reclamation is posted behind the Connected transition

	assert.Equal(t, Disconnected, c.State())
	assert.True(t, link.isClosed())
	assert.Empty(t, link.subIDs("REQ"))
	assert.Zero(t, c.PendingCount())
	assert.Equal(t, []string{"bad"}, c.ActiveSubscriptionIDs())

	h.clock.Add(time.Hour)
	flush(t, c)
	assert.Equal(t, Disconnected, c.State())
	assert.Equal(t, 1, h.links.count(relayA))
}

func TestFailedSubscribeWhileConnectedReleasesIdleLinks(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	c.Connect()
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)
	require.Equal(t, Connected, c.State())

	_, err := c.Subscribe("bad", domain.Filter{Authors: []string{"not-hex"}})
	require.Error(t, err)
	flush(t, c)

	assert.Equal(t, Disconnected, c.State())
	assert.True(t, link.isClosed())
	assert.Equal(t, []string{"bad"}, c.ActiveSubscriptionIDs())
}

func TestFailedResubscribeKeepsPreviousHandle(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("feed", kinds(9))
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	_, err := c.Subscribe("feed", domain.Filter{Authors: []string{"not-hex"}})
	require.Error(t, err)
	flush(t, c)
	flush(t, c)

	assert.Equal(t, Connected, c.State())
	assert.False(t, link.isClosed())
	assert.Empty(t, link.subIDs("CLOSE"))
}

func TestSubscribeOnClosedConnectionRecordsNothing(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn
	c.Close()

	_, err := c.Subscribe("late", kinds(9))
	require.Error(t, err)
	assert.True(t, errors.IsNotInitialized(err))
	assert.Empty(t, c.ActiveSubscriptionIDs())
}

func TestSubscribeRejectsUnsafeIDs(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	for _, id := range []string{strings.Repeat("x", 65), `say"hi`} {
		_, err := c.Subscribe(id, kinds(9))
		require.Error(t, err)
		assert.True(t, errors.IsInvalidFilter(err))
	}
	flush(t, c)
	assert.Empty(t, c.ActiveSubscriptionIDs())
	assert.Equal(t, Disconnected, c.State())
}

func TestDisconnectKeepsFiltersAndConnectRestoresThem(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	first := h.links.latest(t, relayA)
	first.connect()
	flush(t, c)

	c.Disconnect()
	flush(t, c)
	assert.Equal(t, Disconnected, c.State())
	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"A"}, first.subIDs("CLOSE"))
	assert.Equal(t, []string{"A"}, c.ActiveSubscriptionIDs())

	c.Connect()
	flush(t, c)
	second := h.links.latest(t, relayA)
	require.NotSame(t, first, second)
	second.connect()
	flush(t, c)
	assert.Equal(t, []string{"A"}, second.subIDs("REQ"))
}

func TestEventsFromStaleLinksAreIgnored(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	first := h.links.latest(t, relayA)
	first.fail("reset")
	flush(t, c)

	h.clock.Add(5 * time.Second)
	require.Eventually(t, func() bool { return h.links.count(relayA) == 2 }, 2*time.Second, 5*time.Millisecond)
	flush(t, c)

	first.connect()
	flush(t, c)
	assert.Equal(t, Connecting, c.State())
}

func TestInboundEventsRoutedForLiveSubscriptions(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	link.deliver(&domain.Inbound{Type: "EVENT", SubscriptionID: "A", Event: &nostr.Event{Kind: 9, Content: "hi"}})
	link.deliver(&domain.Inbound{Type: "EVENT", SubscriptionID: "unknown", Event: &nostr.Event{Kind: 9}})
	flush(t, c)

	require.Equal(t, 1, h.handler.count())
	env := h.handler.envs[0]
	assert.Equal(t, "s1", env.ServerKey)
	assert.Equal(t, relayA, env.RelayURL)
	assert.Equal(t, "A", env.SubscriptionID)
	assert.Equal(t, "hi", env.Event.Content)
}

func TestAuthChallengeIsAnsweredAndBlockedSubscriptionsResent(t *testing.T) {
	h := newHarness(t, true, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)
	require.Len(t, link.frames("REQ"), 1)

	link.deliver(&domain.Inbound{Type: "AUTH", Challenge: "abc123"})
	require.Eventually(t, func() bool { return len(link.frames("AUTH")) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, relayA, h.auth.requests[0].RelayURL)
	assert.Equal(t, "abc123", h.auth.requests[0].Challenge)

	link.deliver(&domain.Inbound{Type: "CLOSED", SubscriptionID: "A", Message: "auth-required: members only"})
	link.deliver(&domain.Inbound{Type: "OK", EventID: "auth-event-1", OK: true})
	flush(t, c)

	assert.Equal(t, []string{"A", "A"}, link.subIDs("REQ"))
}

func TestAuthChallengeWithoutIdentityRecordsError(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	c.Connect()
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	link.deliver(&domain.Inbound{Type: "AUTH", Challenge: "abc123"})
	flush(t, c)

	assert.True(t, errors.IsAuth(c.LastError()))
	assert.Empty(t, link.frames("AUTH"))
	assert.Equal(t, Connected, c.State())
}

func TestAuthAnswerDroppedWhenLinkIsGone(t *testing.T) {
	h := newHarness(t, true, relayA)
	c := h.conn

	c.Connect()
	flush(t, c)
	link := h.links.latest(t, relayA)
	link.connect()
	flush(t, c)

	// The answer is posted back after the link dropped.
	c.box.post(func() {
		c.answerChallenge(relayA, c.links[relayA], "abc123")
		c.links[relayA].state = domain.LinkError
	})
	flush(t, c)
	time.Sleep(20 * time.Millisecond)
	flush(t, c)

	assert.Empty(t, link.frames("AUTH"))
}

func TestStateObserversSeeTransitions(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	seen := make(chan ConnectionState, 8)
	c.OnStateChange(func(st Status) { seen <- st.State })

	c.Connect()
	flush(t, c)
	h.links.latest(t, relayA).connect()
	flush(t, c)

	assert.Equal(t, Connecting, <-seen)
	assert.Equal(t, Connected, <-seen)
}

func TestCloseDisposesLinks(t *testing.T) {
	h := newHarness(t, false, relayA)
	c := h.conn

	_, _ = c.Subscribe("A", kinds(9))
	flush(t, c)
	link := h.links.latest(t, relayA)

	c.Close()
	assert.True(t, link.isClosed())
	assert.Equal(t, Disconnected, c.State())

	_, err := c.Subscribe("B", kinds(9))
	assert.True(t, errors.IsNotInitialized(err))
}
