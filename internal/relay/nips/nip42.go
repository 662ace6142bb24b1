package nips

import (
	"strings"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip42"
	"github.com/nopu-sh/agent/internal/constants"
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/errors"
	"github.com/nopu-sh/agent/internal/logger"
	"github.com/nopu-sh/agent/internal/metrics"
	"github.com/nopu-sh/agent/internal/relay"
	"go.uber.org/zap"
)

// AuthResponder answers NIP-42 challenges with a signed kind 22242 event.
type AuthResponder struct {
	keys          domain.KeyStore
	defaultRelays map[string]struct{}
	alias         string
	log           *zap.Logger
}

// NewAuthResponder builds a responder. Challenges from any of defaultEndpoints
// are answered for alias instead, since that is the URL the relay knows itself by.
func NewAuthResponder(keys domain.KeyStore, defaultEndpoints []string, alias string) *AuthResponder {
	defaults := make(map[string]struct{}, len(defaultEndpoints))
	for _, u := range defaultEndpoints {
		defaults[normalize(u)] = struct{}{}
	}
	return &AuthResponder{
		keys:          keys,
		defaultRelays: defaults,
		alias:         alias,
		log:           logger.New("auth"),
	}
}

// CanonicalRelay returns the relay URL to put in the AUTH event's relay tag.
func (a *AuthResponder) CanonicalRelay(relayURL string) string {
	if a.alias == "" {
		return relayURL
	}
	if _, ok := a.defaultRelays[normalize(relayURL)]; ok {
		return a.alias
	}
	return relayURL
}

// BuildAuthEvent creates and signs the response to ch.
func (a *AuthResponder) BuildAuthEvent(ch domain.AuthChallenge) (*nostr.Event, error) {
	if a.keys == nil {
		metrics.AuthResponses.WithLabelValues("no_identity").Inc()
		return nil, errors.NoIdentityError(ch.RelayURL)
	}
	id, ok := a.keys.SigningIdentity()
	if !ok || id == nil {
		metrics.AuthResponses.WithLabelValues("no_identity").Inc()
		return nil, errors.NoIdentityError(ch.RelayURL)
	}

	evt := nip42.CreateUnsignedAuthEvent(ch.Challenge, id.PublicKey(), a.CanonicalRelay(ch.RelayURL))
	if err := id.Sign(&evt); err != nil {
		metrics.AuthResponses.WithLabelValues("sign_failed").Inc()
		return nil, errors.AuthError(ch.RelayURL, "signing failed", err)
	}
	return &evt, nil
}

// Respond returns the ["AUTH", event] frame for ch and the signed event id.
func (a *AuthResponder) Respond(ch domain.AuthChallenge) ([]byte, string, error) {
	evt, err := a.BuildAuthEvent(ch)
	if err != nil {
		return nil, "", err
	}
	frame, err := relay.EncodeAuth(evt)
	if err != nil {
		return nil, "", errors.AuthError(ch.RelayURL, "encode failed", err)
	}

	a.log.Debug("NIP-42: answering challenge",
		zap.String("relay", ch.RelayURL),
		zap.String("event_id", evt.ID),
		zap.String("pubkey", evt.PubKey))
	return frame, evt.ID, nil
}

// ValidateAuthEvent checks a NIP-42 AUTH event against challenge and relayURL.
// Returns the authenticated pubkey on success.
func ValidateAuthEvent(event *nostr.Event, challenge string, relayURL string) (string, bool) {
	pubkey, ok := nip42.ValidateAuthEvent(event, challenge, relayURL)
	if !ok {
		logger.Debug("NIP-42: AUTH validation failed",
			zap.String("event_id", event.ID),
			zap.String("pubkey", event.PubKey),
			zap.String("challenge", challenge))
		return "", false
	}
	return pubkey, true
}

// IsAuthEvent returns true if the event is a NIP-42 auth event (kind 22242).
func IsAuthEvent(evt *nostr.Event) bool {
	return evt.Kind == nostr.KindClientAuthentication
}

// IsAuthRequired reports whether a CLOSED or OK reason asks for authentication.
func IsAuthRequired(reason string) bool {
	return strings.HasPrefix(reason, constants.AuthRequiredPrefix)
}

func normalize(u string) string {
	return strings.TrimSuffix(nostr.NormalizeURL(u), "/")
}
