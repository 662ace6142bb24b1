package server

import (
	"github.com/nopu-sh/agent/internal/domain"
	"github.com/nopu-sh/agent/internal/metrics"
)

// ConnectionState is the aggregate state of one push server.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// RelayStatus is the live state of one relay endpoint.
type RelayStatus struct {
	URL    string           `json:"url"`
	State  domain.LinkState `json:"-"`
	Status string           `json:"state"`
	Reason string           `json:"reason,omitempty"`
}

// Status is a point-in-time report of one push server.
type Status struct {
	ServerKey            string          `json:"server"`
	State                ConnectionState `json:"state"`
	AutoReconnect        bool            `json:"auto_reconnect"`
	Relays               []RelayStatus   `json:"relays"`
	ConnectedRelays      int             `json:"connected_relays"`
	DisconnectedRelays   int             `json:"disconnected_relays"`
	ActiveSubscriptions  []string        `json:"active_subscriptions"`
	PendingSubscriptions int             `json:"pending_subscriptions"`
	LastError            string          `json:"last_error,omitempty"`
}

// aggregate applies the any-of rule: one Connected link makes the server
// Connected, all links Disconnected or Error make it Disconnected.
func aggregate(states []domain.LinkState) ConnectionState {
	connecting := false
	for _, s := range states {
		switch s {
		case domain.LinkConnected:
			return Connected
		case domain.LinkConnecting:
			connecting = true
		}
	}
	if connecting {
		return Connecting
	}
	return Disconnected
}

func linkStateGauge(s domain.LinkState) float64 {
	switch s {
	case domain.LinkConnecting:
		return metrics.LinkStateConnecting
	case domain.LinkConnected:
		return metrics.LinkStateConnected
	case domain.LinkError:
		return metrics.LinkStateError
	default:
		return metrics.LinkStateDisconnected
	}
}
