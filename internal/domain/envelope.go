package domain

import nostr "github.com/nbd-wtf/go-nostr"

// EventEnvelope is an EVENT frame as received on a subscription.
type EventEnvelope struct {
	ServerKey      string
	RelayURL       string
	SubscriptionID string
	Event          nostr.Event
}
