package relay

import (
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/domain"
)

// ParseInbound decodes one relay→client frame. Client frames such as REQ
// and CLOSE are rejected.
func ParseInbound(raw []byte) (*domain.Inbound, error) {
	env, err := nostr.NewMessageParser().ParseMessage(string(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	in := &domain.Inbound{Type: env.Label()}
	switch v := env.(type) {
	case *nostr.EventEnvelope:
		if v.SubscriptionID == nil {
			return nil, fmt.Errorf("EVENT frame has no subscription id")
		}
		in.SubscriptionID = *v.SubscriptionID
		evt := v.Event
		in.Event = &evt

	case *nostr.EOSEEnvelope:
		in.SubscriptionID = string(*v)

	case *nostr.OKEnvelope:
		in.EventID = v.EventID
		in.OK = v.OK
		in.Message = v.Reason

	case *nostr.ClosedEnvelope:
		in.SubscriptionID = v.SubscriptionID
		in.Message = v.Reason

	case *nostr.NoticeEnvelope:
		in.Message = string(*v)

	case *nostr.CountEnvelope:
		if v.Count == nil {
			return nil, fmt.Errorf("COUNT frame has no count")
		}
		in.SubscriptionID = v.SubscriptionID
		in.Count = *v.Count

	case *nostr.AuthEnvelope:
		if v.Challenge == nil {
			return nil, fmt.Errorf("AUTH frame from a relay must carry a challenge")
		}
		in.Challenge = *v.Challenge

	default:
		return nil, fmt.Errorf("unexpected %s frame from relay", env.Label())
	}
	return in, nil
}
