package relay

import (
	"bytes"

	nostr "github.com/nbd-wtf/go-nostr"
)

// EncodeReq builds ["REQ", subID, filter].
func EncodeReq(subID string, filter nostr.Filter) ([]byte, error) {
	if err := ValidateSubscriptionID(subID); err != nil {
		return nil, err
	}
	return nostr.ReqEnvelope{SubscriptionID: subID, Filters: nostr.Filters{filter}}.MarshalJSON()
}

// EncodeClose builds ["CLOSE", subID].
func EncodeClose(subID string) ([]byte, error) {
	return nostr.CloseEnvelope(subID).MarshalJSON()
}

// EncodeAuth builds ["AUTH", event].
func EncodeAuth(evt *nostr.Event) ([]byte, error) {
	return nostr.AuthEnvelope{Event: *evt}.MarshalJSON()
}

// EncodeEvent builds ["EVENT", subID, event] in the canonical field order.
func EncodeEvent(subID string, evt *nostr.Event) ([]byte, error) {
	if err := ValidateSubscriptionID(subID); err != nil {
		return nil, err
	}
	return nostr.EventEnvelope{SubscriptionID: &subID, Event: *evt}.MarshalJSON()
}

// FrameLabel returns the label of an outbound frame for metrics, or "" if unreadable.
func FrameLabel(frame []byte) string {
	frame = bytes.TrimLeft(frame, " \t\r\n")
	if len(frame) < 2 || frame[0] != '[' || frame[1] != '"' {
		return ""
	}
	end := bytes.IndexByte(frame[2:], '"')
	if end < 0 {
		return ""
	}
	return string(frame[2 : 2+end])
}
