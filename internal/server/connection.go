package server

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/constants"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/nopu-sh/agent/internal/relay"
	"github.com/nopu-sh/agent/internal/relay/nips"
	"go.uber.org/zap"
)

// Authenticator answers NIP-42 challenges.
type Authenticator interface {
	Respond(ch domain.AuthChallenge) (frame []byte, eventID string, err error)
}

// EventHandler receives EVENT frames of live subscriptions.
type EventHandler interface {
	Route(env domain.EventEnvelope)
}

// Options configures a Connection.
type Options struct {
	ServerKey      string
	Endpoints      []string
	Links          domain.LinkFactory
	Auth           Authenticator
	Events         EventHandler
	Clock          clock.Clock
	ReconnectDelay time.Duration
}

type linkSlot struct {
	link   domain.Link
	gen    uint64
	state  domain.LinkState
	reason string

	authEventID   string
	authenticated bool
	authBlocked   map[string]struct{}
}

// handle is the relay-side side of an active subscription: the REQ frame and
// the relays that accepted it.
type handle struct {
	req    []byte
	relays map[string]struct{}
}

type pendingSub struct {
	id     string
	filter domain.Filter
}

type recordedFilter struct {
	filter domain.Filter
	seq    uint64
}

// Connection keeps the subscriptions of one push server alive across its
// relay links. Every state change runs on a single actor goroutine; public
// methods only post to its mailbox and never block.
type Connection struct {
	key            string
	endpoints      []string
	newLink        domain.LinkFactory
	auth           Authenticator
	events         EventHandler
	clock          clock.Clock
	reconnectDelay time.Duration
	log            *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	box       *mailbox
	done      chan struct{}
	closeOnce sync.Once

	// The recorded filter set is written by callers so that it is exact at
	// return time, independent of transport state.
	filtersMu sync.RWMutex
	filters   map[string]recordedFilter
	filterSeq uint64

	// Owned by the actor goroutine.
	links         map[string]*linkSlot
	state         ConnectionState
	autoReconnect bool
	handles       map[string]*handle
	pending       []pendingSub
	nextGen       uint64
	timer         *clock.Timer
	timerSeq      uint64
	observers     []func(Status)

	snapMu    sync.RWMutex
	snap      Status
	lastError error
}

// New validates the endpoint set and starts the connection's actor. No link
// is opened until Connect or Subscribe.
func New(opts Options) (*Connection, error) {
	endpoints := make([]string, 0, len(opts.Endpoints))
	seen := make(map[string]struct{}, len(opts.Endpoints))
	for _, u := range opts.Endpoints {
		if !config.IsRelayURL(u) {
			return nil, errors.ConfigurationError(opts.ServerKey, "invalid relay endpoint "+u)
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		endpoints = append(endpoints, u)
	}
	if len(endpoints) == 0 {
		return nil, errors.ConfigurationError(opts.ServerKey, "no relay endpoints")
	}
	if opts.Links == nil {
		return nil, errors.ConfigurationError(opts.ServerKey, "no link factory")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = constants.DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		key:            opts.ServerKey,
		endpoints:      endpoints,
		newLink:        opts.Links,
		auth:           opts.Auth,
		events:         opts.Events,
		clock:          opts.Clock,
		reconnectDelay: opts.ReconnectDelay,
		log:            logger.ForServer(opts.ServerKey),
		ctx:            ctx,
		cancel:         cancel,
		box:            newMailbox(),
		done:           make(chan struct{}),
		filters:        make(map[string]recordedFilter),
		handles:        make(map[string]*handle),
		state:          Disconnected,
	}
	c.publish()

	go c.run()
	return c, nil
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

func (c *Connection) ServerKey() string { return c.key }

// Endpoints returns the relay URLs captured at construction.
func (c *Connection) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Connect enables auto-reconnect and opens every link if the server is Disconnected.
func (c *Connection) Connect() {
	c.box.post(c.connect)
}

// Disconnect closes every subscription and link and disables auto-reconnect.
// The recorded filters are kept.
func (c *Connection) Disconnect() {
	c.box.post(c.disconnect)
}

// Subscribe records filter under id and executes it now or on the next
// Connected transition. An empty id is replaced by a generated one. The
// returned error reports a filter that can never be executed; the id is
// recorded regardless. A closed connection records nothing.
func (c *Connection) Subscribe(id string, filter domain.Filter) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := relay.ValidateSubscriptionID(id); err != nil {
		c.setLastError(err)
		return id, err
	}
	if c.box.isClosed() {
		return id, errors.NotInitializedError("subscribe", "server connection is closed").WithServer(c.key)
	}

	c.filtersMu.Lock()
	entry, exists := c.filters[id]
	if !exists {
		c.filterSeq++
		entry.seq = c.filterSeq
	}
	entry.filter = filter
	c.filters[id] = entry
	c.filtersMu.Unlock()

	_, convErr := relay.ToNostrFilter(id, filter)

	if !c.box.post(func() { c.subscribe(id, filter) }) {
		return id, errors.NotInitializedError("subscribe", "server connection is closed").WithServer(c.key)
	}
	return id, convErr
}

// Unsubscribe forgets id, closes its relay-side handle and reclaims the
// links when nothing is left to keep open.
func (c *Connection) Unsubscribe(id string) {
	c.filtersMu.Lock()
	delete(c.filters, id)
	c.filtersMu.Unlock()

	c.box.post(func() { c.unsubscribe(id) })
}

// OnStateChange registers fn to be called on every aggregate state
// transition. fn runs on the actor goroutine and must not block or call Close.
func (c *Connection) OnStateChange(fn func(Status)) {
	c.box.post(func() { c.observers = append(c.observers, fn) })
}

func (c *Connection) State() ConnectionState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.State
}

func (c *Connection) RelayStatuses() []RelayStatus {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return append([]RelayStatus(nil), c.snap.Relays...)
}

// LastError returns the most recent failure recorded on this server, or nil.
func (c *Connection) LastError() error {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.lastError
}

// ActiveSubscriptionIDs returns the recorded subscription ids in subscribe order.
func (c *Connection) ActiveSubscriptionIDs() []string {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	return c.orderedFilterIDsLocked()
}

// Filter returns the recorded filter for id.
func (c *Connection) Filter(id string) (domain.Filter, bool) {
	c.filtersMu.RLock()
	defer c.filtersMu.RUnlock()
	entry, ok := c.filters[id]
	return entry.filter, ok
}

func (c *Connection) PendingCount() int {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap.PendingSubscriptions
}

// Status returns a copy of the latest published report.
func (c *Connection) Status() Status {
	return c.snapshot()
}

// Close disposes the connection: pending timers and auth answers are
// invalidated and every link is closed. Later calls are ignored.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done
	})
}

/* ------------------------------------------------------------------ *
|  Actor                                                              |
* -------------------------------------------------------------------*/

func (c *Connection) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			c.box.close()
			c.shutdown()
			return
		case <-c.box.signal:
		}

		for {
			tasks := c.box.take()
			if len(tasks) == 0 {
				break
			}
			for _, task := range tasks {
				task()
				c.publish()
			}
		}
	}
}

func (c *Connection) shutdown() {
	c.autoReconnect = false
	c.stopTimer()
	c.releaseLinks()
	c.handles = make(map[string]*handle)
	c.pending = nil
	c.state = Disconnected
	metrics.ServerState.WithLabelValues(c.key).Set(float64(Disconnected))
	c.publish()
	c.log.Debug("Server connection disposed")
}

func (c *Connection) connect() {
	c.autoReconnect = true
	if c.state != Disconnected {
		return
	}
	c.stopTimer()
	c.startCycle()

	for _, slot := range c.links {
		slot.state = domain.LinkConnecting
	}
	c.transition(Connecting)
	for _, url := range c.endpoints {
		if slot, ok := c.links[url]; ok {
			slot.link.Open(c.ctx)
		}
	}
}

// startCycle discards the previous links and handles, builds fresh links from
// the original endpoints and queues every recorded filter that is not queued yet.
func (c *Connection) startCycle() {
	c.handles = make(map[string]*handle)
	c.releaseLinks()

	c.links = make(map[string]*linkSlot, len(c.endpoints))
	for _, url := range c.endpoints {
		c.nextGen++
		gen := c.nextGen
		c.links[url] = &linkSlot{
			link:        c.newLink(url, c.observer(gen)),
			gen:         gen,
			state:       domain.LinkDisconnected,
			authBlocked: make(map[string]struct{}),
		}
	}

	c.filtersMu.RLock()
	ids := c.orderedFilterIDsLocked()
	recorded := make([]domain.Filter, len(ids))
	for i, id := range ids {
		recorded[i] = c.filters[id].filter
	}
	c.filtersMu.RUnlock()

	for i, id := range ids {
		if !c.isPending(id) {
			c.enqueue(id, recorded[i])
		}
	}
}

func (c *Connection) disconnect() {
	c.autoReconnect = false
	c.stopTimer()

	for id, h := range c.handles {
		c.sendClose(id, h)
	}
	c.handles = make(map[string]*handle)
	c.pending = nil
	c.releaseLinks()
	c.transition(Disconnected)
}

func (c *Connection) subscribe(id string, filter domain.Filter) {
	if c.state == Connected {
		c.removePending(id)
		c.execute(id, filter)
		c.reclaimIfIdle()
		return
	}
	c.enqueue(id, filter)
	if c.state == Disconnected {
		c.connect()
	}
}

func (c *Connection) unsubscribe(id string) {
	if h, ok := c.handles[id]; ok {
		c.sendClose(id, h)
		delete(c.handles, id)
	}
	c.removePending(id)

	if c.idle() {
		c.log.Debug("No subscriptions left, releasing relay links")
		c.disconnect()
	}
}

func (c *Connection) idle() bool {
	return len(c.handles) == 0 && len(c.pending) == 0
}

// reclaimIfIdle releases the links when every subscription that was meant
// to run on them failed to execute.
func (c *Connection) reclaimIfIdle() {
	if c.state == Disconnected || !c.idle() {
		return
	}
	c.log.Debug("No subscription could be executed, releasing relay links")
	c.disconnect()
}

// execute converts and sends one subscription to every connected link.
func (c *Connection) execute(id string, filter domain.Filter) {
	wire, err := relay.ToNostrFilter(id, filter)
	if err != nil {
		c.recordError(err)
		return
	}
	if len(c.links) == 0 {
		c.recordError(errors.NotInitializedError("subscribe "+id, "relay links do not exist").WithServer(c.key))
		return
	}
	req, err := relay.EncodeReq(id, wire)
	if err != nil {
		c.recordError(errors.InvalidFilterError(id, err.Error()))
		return
	}

	if prev, ok := c.handles[id]; ok {
		c.sendClose(id, prev)
	}

	h := &handle{req: req, relays: make(map[string]struct{})}
	for _, url := range c.endpoints {
		slot, ok := c.links[url]
		if !ok || slot.state != domain.LinkConnected {
			continue
		}
		if err := slot.link.Send(req); err != nil {
			c.recordError(err)
			continue
		}
		h.relays[url] = struct{}{}
	}
	c.handles[id] = h

	c.log.Debug("Subscription executed", zap.String("sub_id", id), zap.Int("relays", len(h.relays)))
}

func (c *Connection) drain() {
	queue := c.pending
	c.pending = nil
	for _, p := range queue {
		c.execute(p.id, p.filter)
	}
	// Runs after the Connected transition has been published.
	if len(queue) > 0 && c.idle() {
		c.box.post(c.reclaimIfIdle)
	}
}

// replayTo sends every live subscription the link does not carry yet. This
// covers links that connect after the server is already Connected.
func (c *Connection) replayTo(url string, slot *linkSlot) {
	ids := make([]string, 0, len(c.handles))
	for id, h := range c.handles {
		if _, ok := h.relays[url]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		h := c.handles[id]
		if err := slot.link.Send(h.req); err != nil {
			c.recordError(err)
			continue
		}
		h.relays[url] = struct{}{}
	}
}

func (c *Connection) sendClose(id string, h *handle) {
	frame, err := relay.EncodeClose(id)
	if err != nil {
		return
	}
	for url := range h.relays {
		slot, ok := c.links[url]
		if !ok || slot.state != domain.LinkConnected {
			continue
		}
		if err := slot.link.Send(frame); err != nil {
			c.log.Debug("CLOSE not sent", zap.String("relay", url), zap.Error(err))
		}
	}
}

func (c *Connection) enqueue(id string, filter domain.Filter) {
	for i := range c.pending {
		if c.pending[i].id == id {
			c.pending[i].filter = filter
			return
		}
	}
	c.pending = append(c.pending, pendingSub{id: id, filter: filter})
}

func (c *Connection) isPending(id string) bool {
	for _, p := range c.pending {
		if p.id == id {
			return true
		}
	}
	return false
}

func (c *Connection) removePending(id string) {
	for i, p := range c.pending {
		if p.id == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

func (c *Connection) releaseLinks() {
	for url, slot := range c.links {
		slot.link.Close()
		metrics.RelayLinkState.WithLabelValues(c.key, url).Set(metrics.LinkStateDisconnected)
	}
	c.links = nil
}

/* ------------------------------------------------------------------ *
|  Link events                                                        |
* -------------------------------------------------------------------*/

func (c *Connection) observer(gen uint64) domain.LinkObserver {
	return func(ev domain.LinkEvent) {
		c.box.post(func() { c.onLinkEvent(gen, ev) })
	}
}

func (c *Connection) onLinkEvent(gen uint64, ev domain.LinkEvent) {
	slot, ok := c.links[ev.URL]
	if !ok || slot.gen != gen {
		return
	}
	if ev.Inbound != nil {
		c.onInbound(ev.URL, slot, ev.Inbound)
		return
	}

	prev := slot.state
	slot.state = ev.State
	slot.reason = ""
	if ev.Err != nil {
		slot.reason = ev.Err.Error()
		err := ev.Err
		if appErr, ok := errors.As(err); ok {
			appErr.WithServer(c.key)
		} else {
			err = errors.TransportError(ev.URL, "link", err).WithServer(c.key)
		}
		c.recordError(err)
	}
	metrics.RelayLinkState.WithLabelValues(c.key, ev.URL).Set(linkStateGauge(ev.State))

	if ev.State != domain.LinkConnected {
		for _, h := range c.handles {
			delete(h.relays, ev.URL)
		}
		slot.authEventID = ""
		slot.authenticated = false
		slot.authBlocked = make(map[string]struct{})
	}

	c.recompute()
	if ev.State == domain.LinkConnected && prev != domain.LinkConnected {
		c.replayTo(ev.URL, slot)
	}
}

func (c *Connection) onInbound(url string, slot *linkSlot, in *domain.Inbound) {
	switch in.Type {
	case constants.FrameEvent:
		if _, ok := c.handles[in.SubscriptionID]; !ok {
			metrics.EventsDropped.WithLabelValues("unknown_subscription").Inc()
			return
		}
		if c.events != nil && in.Event != nil {
			c.events.Route(domain.EventEnvelope{
				ServerKey:      c.key,
				RelayURL:       url,
				SubscriptionID: in.SubscriptionID,
				Event:          *in.Event,
			})
		}

	case constants.FrameEOSE:
		c.log.Debug("End of stored events", zap.String("relay", url), zap.String("sub_id", in.SubscriptionID))

	case constants.FrameOK:
		if in.EventID == "" || in.EventID != slot.authEventID {
			return
		}
		if !in.OK {
			metrics.AuthResponses.WithLabelValues("rejected").Inc()
			c.recordError(errors.AuthError(url, "relay rejected AUTH: "+in.Message, nil).WithServer(c.key))
			return
		}
		metrics.AuthResponses.WithLabelValues("accepted").Inc()
		slot.authenticated = true
		c.resendBlocked(url, slot)

	case constants.FrameClosed:
		h, ok := c.handles[in.SubscriptionID]
		if !ok {
			return
		}
		delete(h.relays, url)
		if nips.IsAuthRequired(in.Message) && !slot.authenticated {
			slot.authBlocked[in.SubscriptionID] = struct{}{}
			c.log.Debug("Subscription waits for AUTH", zap.String("relay", url), zap.String("sub_id", in.SubscriptionID))
			return
		}
		c.log.Warn("Relay closed subscription",
			zap.String("relay", url),
			zap.String("sub_id", in.SubscriptionID),
			zap.String("reason", in.Message))

	case constants.FrameNotice:
		c.log.Info("Relay notice", zap.String("relay", url), zap.String("message", in.Message))

	case constants.FrameCount:
		c.log.Debug("Relay count", zap.String("relay", url), zap.String("sub_id", in.SubscriptionID), zap.Int64("count", in.Count))

	case constants.FrameAuth:
		c.answerChallenge(url, slot, in.Challenge)
	}
}

// answerChallenge signs off the actor goroutine and posts the result back;
// the frame is only sent if the same link is still connected.
func (c *Connection) answerChallenge(url string, slot *linkSlot, challenge string) {
	if c.auth == nil {
		c.recordError(errors.NoIdentityError(url).WithServer(c.key))
		return
	}
	gen := slot.gen
	ch := domain.AuthChallenge{RelayURL: url, Challenge: challenge}
	ctx := c.ctx

	go func() {
		frame, eventID, err := c.auth.Respond(ch)
		if ctx.Err() != nil {
			return
		}
		c.box.post(func() { c.sendAuth(gen, url, frame, eventID, err) })
	}()
}

func (c *Connection) sendAuth(gen uint64, url string, frame []byte, eventID string, err error) {
	if err != nil {
		c.recordError(err)
		return
	}
	slot, ok := c.links[url]
	if !ok || slot.gen != gen || slot.state != domain.LinkConnected {
		metrics.AuthResponses.WithLabelValues("link_gone").Inc()
		c.log.Debug("Dropping AUTH answer for a link that is gone", zap.String("relay", url))
		return
	}
	if err := slot.link.Send(frame); err != nil {
		c.recordError(err)
		return
	}
	slot.authEventID = eventID
	metrics.AuthResponses.WithLabelValues("sent").Inc()
}

func (c *Connection) resendBlocked(url string, slot *linkSlot) {
	for id := range slot.authBlocked {
		h, ok := c.handles[id]
		if !ok {
			continue
		}
		if err := slot.link.Send(h.req); err != nil {
			c.recordError(err)
			continue
		}
		h.relays[url] = struct{}{}
	}
	slot.authBlocked = make(map[string]struct{})
}

/* ------------------------------------------------------------------ *
|  State machine                                                      |
* -------------------------------------------------------------------*/

func (c *Connection) recompute() {
	states := make([]domain.LinkState, 0, len(c.links))
	for _, slot := range c.links {
		states = append(states, slot.state)
	}
	c.transition(aggregate(states))
}

func (c *Connection) transition(next ConnectionState) {
	prev := c.state
	if prev == next {
		return
	}
	c.state = next
	metrics.ServerState.WithLabelValues(c.key).Set(float64(next))
	c.log.Info("Push server state changed",
		zap.Stringer("from", prev),
		zap.Stringer("to", next))

	if next == Connected {
		c.drain()
	}
	if next == Disconnected && c.autoReconnect && (prev == Connecting || c.anyLinkError()) {
		c.scheduleReconnect()
	}

	c.publish()
	status := c.snapshot()
	for _, fn := range c.observers {
		fn(status)
	}
}

func (c *Connection) anyLinkError() bool {
	for _, slot := range c.links {
		if slot.state == domain.LinkError {
			return true
		}
	}
	return false
}

func (c *Connection) scheduleReconnect() {
	c.stopTimer()
	c.timerSeq++
	seq := c.timerSeq
	c.timer = c.clock.AfterFunc(c.reconnectDelay, func() {
		c.box.post(func() { c.onReconnectTimer(seq) })
	})
	c.log.Info("Reconnect scheduled", zap.Duration("delay", c.reconnectDelay))
}

func (c *Connection) onReconnectTimer(seq uint64) {
	if seq != c.timerSeq {
		return
	}
	c.timer = nil
	if c.state != Disconnected || !c.autoReconnect {
		return
	}
	metrics.IncrementReconnects(c.key)
	c.log.Info("Reconnecting push server")
	c.connect()
}

func (c *Connection) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

/* ------------------------------------------------------------------ *
|  Status                                                             |
* -------------------------------------------------------------------*/

func (c *Connection) recordError(err error) {
	errors.Log(c.log, err)
	c.setLastError(err)
}

func (c *Connection) setLastError(err error) {
	c.snapMu.Lock()
	c.lastError = err
	c.snap.LastError = err.Error()
	c.snapMu.Unlock()
}

// publish refreshes the snapshot read by the public accessors.
func (c *Connection) publish() {
	relays := make([]RelayStatus, 0, len(c.endpoints))
	connected := 0
	for _, url := range c.endpoints {
		rs := RelayStatus{URL: url, State: domain.LinkDisconnected}
		if slot, ok := c.links[url]; ok {
			rs.State = slot.state
			rs.Reason = slot.reason
		}
		rs.Status = rs.State.String()
		if rs.State == domain.LinkConnected {
			connected++
		}
		relays = append(relays, rs)
	}

	metrics.SubscriptionsActive.WithLabelValues(c.key).Set(float64(len(c.handles)))
	metrics.SubscriptionsPending.WithLabelValues(c.key).Set(float64(len(c.pending)))

	c.snapMu.Lock()
	c.snap.ServerKey = c.key
	c.snap.State = c.state
	c.snap.AutoReconnect = c.autoReconnect
	c.snap.Relays = relays
	c.snap.ConnectedRelays = connected
	c.snap.DisconnectedRelays = len(relays) - connected
	c.snap.PendingSubscriptions = len(c.pending)
	c.snapMu.Unlock()
}

func (c *Connection) snapshot() Status {
	c.snapMu.RLock()
	snap := c.snap
	c.snapMu.RUnlock()
	snap.Relays = append([]RelayStatus(nil), snap.Relays...)
	snap.ActiveSubscriptions = c.ActiveSubscriptionIDs()
	return snap
}

func (c *Connection) orderedFilterIDsLocked() []string {
	ids := make([]string, 0, len(c.filters))
	for id := range c.filters {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return c.filters[ids[i]].seq < c.filters[ids[j]].seq })
	return ids
}
