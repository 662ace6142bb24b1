package nips

import (
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/nopu-sh/agent/internal/constants"
)

// NIP-29: relay-based groups. The agent only needs to recognize which kinds
// are group activity worth a notification and which group they belong to.

// KindSet is a set of event kinds.
type KindSet map[int]struct{}

// NewKindSet builds a set from kinds, falling back to the NIP-29 group
// notification kinds when kinds is empty.
func NewKindSet(kinds []int) KindSet {
	if len(kinds) == 0 {
		kinds = constants.DefaultGroupNotificationKinds
	}
	set := make(KindSet, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return set
}

func (s KindSet) Contains(kind int) bool {
	_, ok := s[kind]
	return ok
}

// IsGroupNotificationKind reports whether kind is one of the default NIP-29 notification kinds.
func IsGroupNotificationKind(kind int) bool {
	for _, k := range constants.DefaultGroupNotificationKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// GroupID returns the value of the event's "h" tag, or "" when absent.
func GroupID(evt *nostr.Event) string {
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "h" {
			return tag[1]
		}
	}
	return ""
}
