package domain

import nostr "github.com/nbd-wtf/go-nostr"

// Identity signs events on behalf of the user.
type Identity interface {
	PublicKey() string
	Sign(evt *nostr.Event) error
}

// KeyStore hands out the signing identity, if one is available.
type KeyStore interface {
	SigningIdentity() (Identity, bool)
}

// Sink receives serialized ["EVENT", subId, event] frames for recognized events.
type Sink func(rawFrame string)

// AuthChallenge is a NIP-42 challenge received from one relay.
type AuthChallenge struct {
	RelayURL  string
	Challenge string
}
