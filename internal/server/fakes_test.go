package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	url     string
	observe domain.LinkObserver

	mu     sync.Mutex
	state  domain.LinkState
	sent   [][]byte
	opened bool
	closed bool
}

func (f *fakeLink) URL() string { return f.url }

func (f *fakeLink) Open(context.Context) {
	f.mu.Lock()
	f.opened = true
	f.state = domain.LinkConnecting
	f.mu.Unlock()
	f.observe(domain.LinkEvent{URL: f.url, State: domain.LinkConnecting})
}

func (f *fakeLink) State() domain.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != domain.LinkConnected {
		return errors.TransportError(f.url, "send", stderrors.New("not connected"))
	}
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func (f *fakeLink) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.state = domain.LinkDisconnected
	f.mu.Unlock()
	f.observe(domain.LinkEvent{URL: f.url, State: domain.LinkDisconnected})
}

func (f *fakeLink) setState(state domain.LinkState, err error) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.observe(domain.LinkEvent{URL: f.url, State: state, Err: err})
}

func (f *fakeLink) connect()           { f.setState(domain.LinkConnected, nil) }
func (f *fakeLink) fail(reason string) { f.setState(domain.LinkError, stderrors.New(reason)) }

func (f *fakeLink) deliver(in *domain.Inbound) {
	f.observe(domain.LinkEvent{URL: f.url, State: f.State(), Inbound: in})
}

func (f *fakeLink) isOpened() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

func (f *fakeLink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// frames returns the decoded outbound frames with the given label.
func (f *fakeLink) frames(label string) [][]json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]json.RawMessage
	for _, raw := range f.sent {
		var arr []json.RawMessage
		if json.Unmarshal(raw, &arr) != nil || len(arr) == 0 {
			continue
		}
		var l string
		_ = json.Unmarshal(arr[0], &l)
		if l == label {
			out = append(out, arr)
		}
	}
	return out
}

// subIDs returns the subscription ids of the REQ or CLOSE frames sent.
func (f *fakeLink) subIDs(label string) []string {
	var ids []string
	for _, arr := range f.frames(label) {
		var id string
		_ = json.Unmarshal(arr[1], &id)
		ids = append(ids, id)
	}
	return ids
}

type fakeFactory struct {
	mu    sync.Mutex
	links map[string][]*fakeLink
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{links: make(map[string][]*fakeLink)}
}

func (ff *fakeFactory) build(url string, observe domain.LinkObserver) domain.Link {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	l := &fakeLink{url: url, observe: observe, state: domain.LinkDisconnected}
	ff.links[url] = append(ff.links[url], l)
	return l
}

func (ff *fakeFactory) count(url string) int {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return len(ff.links[url])
}

func (ff *fakeFactory) latest(t *testing.T, url string) *fakeLink {
	t.Helper()
	ff.mu.Lock()
	defer ff.mu.Unlock()
	ls := ff.links[url]
	require.NotEmpty(t, ls, "no link built for %s", url)
	return ls[len(ls)-1]
}

// flush waits until every task posted so far has run.
func flush(t *testing.T, c *Connection) {
	t.Helper()
	done := make(chan struct{})
	if !c.box.post(func() { close(done) }) {
		return
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection actor did not drain its mailbox")
	}
}

type fakeAuth struct {
	mu       sync.Mutex
	eventID  string
	err      error
	requests []domain.AuthChallenge
}

func (a *fakeAuth) Respond(ch domain.AuthChallenge) ([]byte, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requests = append(a.requests, ch)
	if a.err != nil {
		return nil, "", a.err
	}
	frame, _ := json.Marshal([]interface{}{"AUTH", map[string]string{"id": a.eventID, "challenge": ch.Challenge}})
	return frame, a.eventID, nil
}

type recordingHandler struct {
	mu   sync.Mutex
	envs []domain.EventEnvelope
}

func (h *recordingHandler) Route(env domain.EventEnvelope) {
	h.mu.Lock()
	h.envs = append(h.envs, env)
	h.mu.Unlock()
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.envs)
}
