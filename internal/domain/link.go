package domain

import (
	"context"

	nostr "github.com/nbd-wtf/go-nostr"
)

// LinkState is the live state of one relay link.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkError
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkError:
		return "error"
	default:
		return "unknown"
	}
}

// Inbound is one decoded relay→client frame. Only the fields of its Type are set.
type Inbound struct {
	Type           string // EVENT, EOSE, OK, CLOSED, NOTICE, COUNT, AUTH
	SubscriptionID string
	Event          *nostr.Event
	EventID        string
	OK             bool
	Message        string
	Count          int64
	Challenge      string
}

// LinkEvent is what a link reports to its owner: either a state transition
// (Inbound == nil) or an inbound frame.
type LinkEvent struct {
	URL     string
	State   LinkState
	Err     error
	Inbound *Inbound
}

// LinkObserver receives link events. It is called from the link's own
// goroutines and must not block.
type LinkObserver func(LinkEvent)

// Link owns one transport session to one relay URL.
type Link interface {
	URL() string
	// Open starts dialing and returns immediately; progress is reported
	// through the observer.
	Open(ctx context.Context)
	// Close tears the session down; it is safe to call more than once.
	Close()
	// Send writes one raw frame; it fails with a transport error when the
	// link is not connected.
	Send(frame []byte) error
	State() LinkState
}

// LinkFactory builds a link for url that reports to observe.
type LinkFactory func(url string, observe LinkObserver) Link
