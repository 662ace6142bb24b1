package router

import (
	"sync"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/config"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/nopu-sh/agent/internal/relay"
	"github.com/nopu-sh/agent/internal/relay/nips"
	"github.com/nopu-sh/agent/internal/workers"
	"github.com/willf/bloom"
	"go.uber.org/zap"
)

const dedupeFalsePositiveRate = 0.0001

// Router forwards recognized group-notification events to the sink off the
// link goroutines. An event is forwarded once per server and subscription,
// however many relays deliver it.
type Router struct {
	kinds  nips.KindSet
	verify bool
	pool   *workers.WorkerPool
	log    *zap.Logger

	seenMu   sync.Mutex
	seen     *bloom.BloomFilter
	inserted uint
	capacity uint

	sinkMu sync.RWMutex
	sink   domain.Sink
}

// New builds a router that delivers through pool.
func New(cfg config.RouterConfig, pool *workers.WorkerPool) *Router {
	capacity := cfg.DedupeCapacity
	if capacity == 0 {
		capacity = 100_000
	}
	return &Router{
		kinds:    nips.NewKindSet(cfg.Kinds),
		verify:   cfg.VerifySignatures,
		pool:     pool,
		log:      logger.New("router"),
		seen:     bloom.NewWithEstimates(capacity, dedupeFalsePositiveRate),
		capacity: capacity,
	}
}

// SetSink registers the single receiver of recognized event frames; nil unregisters it.
func (r *Router) SetSink(sink domain.Sink) {
	r.sinkMu.Lock()
	r.sink = sink
	r.sinkMu.Unlock()
}

func (r *Router) currentSink() domain.Sink {
	r.sinkMu.RLock()
	defer r.sinkMu.RUnlock()
	return r.sink
}

// Route handles one EVENT frame from a live subscription.
func (r *Router) Route(env domain.EventEnvelope) {
	evt := env.Event
	if !r.kinds.Contains(evt.Kind) {
		metrics.EventsDropped.WithLabelValues("kind").Inc()
		return
	}

	if r.verify {
		if evt.GetID() != evt.ID {
			metrics.EventsDropped.WithLabelValues("bad_signature").Inc()
			r.log.Debug("Dropping event with mismatched id", zap.String("event_id", evt.ID), zap.String("relay", env.RelayURL))
			return
		}
		if ok, err := evt.CheckSignature(); !ok {
			metrics.EventsDropped.WithLabelValues("bad_signature").Inc()
			r.log.Debug("Dropping event with invalid signature", zap.String("event_id", evt.ID), zap.Error(err))
			return
		}
	}

	sink := r.currentSink()
	if sink == nil {
		metrics.EventsDropped.WithLabelValues("no_sink").Inc()
		return
	}

	if r.seenBefore(env.ServerKey, env.SubscriptionID, evt) {
		metrics.EventsDropped.WithLabelValues("duplicate").Inc()
		return
	}

	frame, err := Canonical(env.SubscriptionID, evt)
	if err != nil {
		r.log.Warn("Failed to serialize event", zap.String("event_id", evt.ID), zap.Error(err))
		return
	}

	kind := evt.Kind
	if !r.pool.AddJob(func() {
		sink(frame)
		metrics.IncrementEventsRouted(kind)
	}) {
		metrics.EventsDropped.WithLabelValues("queue_full").Inc()
		r.log.Warn("Notification queue full, event dropped",
			zap.String("event_id", evt.ID),
			zap.String("server", env.ServerKey))
		return
	}

	r.log.Debug("Event routed",
		zap.String("server", env.ServerKey),
		zap.String("relay", env.RelayURL),
		zap.String("event_id", evt.ID),
		zap.Int("kind", kind),
		zap.String("group", nips.GroupID(&evt)))
}

// seenBefore records the (server, subscription, event) triple and reports
// whether it was already recorded. The filter is cleared after capacity
// insertions to bound its error rate.
func (r *Router) seenBefore(serverKey, subID string, evt nostr.Event) bool {
	id := evt.ID
	if id == "" {
		id = evt.GetID()
	}
	key := make([]byte, 0, len(serverKey)+len(subID)+len(id)+2)
	key = append(key, serverKey...)
	key = append(key, 0)
	key = append(key, subID...)
	key = append(key, 0)
	key = append(key, id...)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	if r.seen.TestAndAdd(key) {
		return true
	}
	r.inserted++
	if r.inserted >= r.capacity {
		r.seen.ClearAll()
		r.inserted = 0
	}
	return false
}

// Canonical rebuilds the event from its typed fields and serializes it as
// ["EVENT", subID, event].
func Canonical(subID string, evt nostr.Event) (string, error) {
	tags := make(nostr.Tags, 0, len(evt.Tags))
	for _, tag := range evt.Tags {
		tags = append(tags, append(nostr.Tag(nil), tag...))
	}
	canonical := nostr.Event{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: evt.CreatedAt,
		Kind:      evt.Kind,
		Tags:      tags,
		Content:   evt.Content,
		Sig:       evt.Sig,
	}
	frame, err := relay.EncodeEvent(subID, &canonical)
	if err != nil {
		return "", err
	}
	return string(frame), nil
}
