package metrics

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Link states as exported on the relay_link_state gauge.
const (
	LinkStateDisconnected = 0
	LinkStateConnecting   = 1
	LinkStateConnected    = 2
	LinkStateError        = 3
)

// Local counters for the status surface (prometheus metrics can't be read directly)
var (
	framesReceivedCount int64
	framesSentCount     int64
	eventsRoutedCount   int64
	reconnectsCount     int64
	errorCount          int64
)

// Metrics for tracking push server connectivity
var (
	// Fleet metrics
	ServersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nopu_servers_total",
		Help: "The number of push servers known to the registry",
	})

	ServersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "nopu_servers_connected",
		Help: "The number of push servers with at least one connected relay",
	})

	ServerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nopu_server_state",
		Help: "Aggregate connection state per push server (0 disconnected, 1 connecting, 2 connected)",
	}, []string{"server"})

	// Link metrics
	RelayLinkState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nopu_relay_link_state",
		Help: "Relay link state (0 disconnected, 1 connecting, 2 connected, 3 error)",
	}, []string{"server", "relay"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_frames_received_total",
		Help: "The total number of relay frames received by type",
	}, []string{"type"}) // "EVENT", "EOSE", "OK", "CLOSED", "NOTICE", "COUNT", "AUTH"

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_frames_sent_total",
		Help: "The total number of frames sent to relays by type",
	}, []string{"type"}) // "REQ", "CLOSE", "AUTH", "EVENT"

	FrameSizeBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nopu_frame_size_bytes",
		Help:    "Size of received relay frames in bytes",
		Buckets: prometheus.ExponentialBuckets(10, 10, 6), // 10, 100, 1000, ..., 1000000
	})

	// Subscription metrics
	SubscriptionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nopu_subscriptions_active",
		Help: "Subscriptions with a live relay-side handle per push server",
	}, []string{"server"})

	SubscriptionsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nopu_subscriptions_pending",
		Help: "Subscriptions queued for the next connect per push server",
	}, []string{"server"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_reconnects_total",
		Help: "Reconnect cycles executed per push server",
	}, []string{"server"})

	// Auth metrics
	AuthResponses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_auth_responses_total",
		Help: "NIP-42 challenges handled by result",
	}, []string{"result"}) // "sent", "accepted", "rejected", "no_identity", "sign_failed", "link_gone"

	// Routing metrics
	EventsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_events_routed_total",
		Help: "Events forwarded to the notification sink by kind",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_events_dropped_total",
		Help: "Events not forwarded by reason",
	}, []string{"reason"}) // "kind", "bad_signature", "duplicate", "no_sink", "queue_full", "unknown_subscription"

	// Error metrics
	ErrorsCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "nopu_errors_total",
		Help: "The total number of errors by type",
	}, []string{"type"})
)

// RegisterMetrics pre-registers label values so dashboards show zeroes.
func RegisterMetrics() {
	for _, t := range []string{"EVENT", "EOSE", "OK", "CLOSED", "NOTICE", "COUNT", "AUTH"} {
		FramesReceived.WithLabelValues(t)
	}
	for _, t := range []string{"REQ", "CLOSE", "AUTH", "EVENT"} {
		FramesSent.WithLabelValues(t)
	}
	for _, r := range []string{"sent", "accepted", "rejected", "no_identity", "sign_failed", "link_gone"} {
		AuthResponses.WithLabelValues(r)
	}
	for _, r := range []string{"kind", "bad_signature", "duplicate", "no_sink", "queue_full", "unknown_subscription"} {
		EventsDropped.WithLabelValues(r)
	}
	for _, t := range []string{"configuration", "invalid_filter", "not_initialized", "auth", "transport"} {
		ErrorsCount.WithLabelValues(t)
	}
}

// IncrementFramesReceived counts one inbound relay frame.
func IncrementFramesReceived(frameType string, size int) {
	FramesReceived.WithLabelValues(frameType).Inc()
	FrameSizeBytes.Observe(float64(size))
	atomic.AddInt64(&framesReceivedCount, 1)
}

// IncrementFramesSent counts one outbound frame.
func IncrementFramesSent(frameType string) {
	FramesSent.WithLabelValues(frameType).Inc()
	atomic.AddInt64(&framesSentCount, 1)
}

// IncrementEventsRouted counts an event delivered to the sink.
func IncrementEventsRouted(kind int) {
	EventsRouted.WithLabelValues(strconv.Itoa(kind)).Inc()
	atomic.AddInt64(&eventsRoutedCount, 1)
}

// IncrementReconnects counts one executed reconnect cycle.
func IncrementReconnects(server string) {
	Reconnects.WithLabelValues(server).Inc()
	atomic.AddInt64(&reconnectsCount, 1)
}

// IncrementErrorCount counts an error by taxonomy type.
func IncrementErrorCount(errType string) {
	if errType == "" {
		errType = "other"
	}
	ErrorsCount.WithLabelValues(errType).Inc()
	atomic.AddInt64(&errorCount, 1)
}

// Snapshot is a point-in-time copy of the local counters.
type Snapshot struct {
	FramesReceived int64 `json:"frames_received"`
	FramesSent     int64 `json:"frames_sent"`
	EventsRouted   int64 `json:"events_routed"`
	Reconnects     int64 `json:"reconnects"`
	Errors         int64 `json:"errors"`
}

// GetSnapshot returns the local counters.
func GetSnapshot() Snapshot {
	return Snapshot{
		FramesReceived: atomic.LoadInt64(&framesReceivedCount),
		FramesSent:     atomic.LoadInt64(&framesSentCount),
		EventsRouted:   atomic.LoadInt64(&eventsRoutedCount),
		Reconnects:     atomic.LoadInt64(&reconnectsCount),
		Errors:         atomic.LoadInt64(&errorCount),
	}
}
