package config

import "time"

// DefaultServerKey names the push server that has no explicit URL.
const DefaultServerKey = "default"

// PushConfig describes the push servers the agent keeps subscriptions on.
type PushConfig struct {
	DefaultEndpoints  []string       `mapstructure:"DEFAULT_ENDPOINTS"   json:"default_endpoints"   validate:"required,min=1,dive,wsurl"`
	DefaultRelayAlias string         `mapstructure:"DEFAULT_RELAY_ALIAS" json:"default_relay_alias" validate:"required,wsurl"`
	ReconnectDelay    time.Duration  `mapstructure:"RECONNECT_DELAY"     json:"reconnect_delay"     validate:"required,reasonable_duration"`
	Servers           []ServerConfig `mapstructure:"SERVERS"             json:"servers"             validate:"dive"`
}

// ServerConfig is one push server and the subscriptions started on it at boot.
type ServerConfig struct {
	Key           string               `mapstructure:"KEY"           json:"key"           validate:"required,max=128"`
	Endpoints     []string             `mapstructure:"ENDPOINTS"     json:"endpoints"     validate:"omitempty,dive,wsurl"`
	Subscriptions []SubscriptionConfig `mapstructure:"SUBSCRIPTIONS" json:"subscriptions" validate:"dive"`
}

// SubscriptionConfig is the file form of a subscription filter.
type SubscriptionConfig struct {
	ID      string              `mapstructure:"ID"      json:"id"      validate:"omitempty,max=64"`
	IDs     []string            `mapstructure:"IDS"     json:"ids"`
	Authors []string            `mapstructure:"AUTHORS" json:"authors"`
	Kinds   []int               `mapstructure:"KINDS"   json:"kinds"`
	Tags    map[string][]string `mapstructure:"TAGS"    json:"tags"`
	Since   int64               `mapstructure:"SINCE"   json:"since"   validate:"min=0"`
	Until   int64               `mapstructure:"UNTIL"   json:"until"   validate:"min=0"`
	Limit   int                 `mapstructure:"LIMIT"   json:"limit"   validate:"min=0"`
}

// EndpointsFor resolves the relay list of a push server; the default server
// falls back to the configured default endpoints.
func (p PushConfig) EndpointsFor(srv ServerConfig) []string {
	if len(srv.Endpoints) > 0 {
		return srv.Endpoints
	}
	if srv.Key == DefaultServerKey {
		return p.DefaultEndpoints
	}
	return nil
}
