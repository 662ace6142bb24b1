package config

import "time"

// LinksConfig tunes every relay websocket link.
type LinksConfig struct {
	HandshakeTimeout     time.Duration `mapstructure:"HANDSHAKE_TIMEOUT"        json:"handshake_timeout"        validate:"required,timeout_duration"`
	WriteTimeout         time.Duration `mapstructure:"WRITE_TIMEOUT"            json:"write_timeout"            validate:"required,timeout_duration"`
	ReadTimeout          time.Duration `mapstructure:"READ_TIMEOUT"             json:"read_timeout"             validate:"required,timeout_duration"`
	PingInterval         time.Duration `mapstructure:"PING_INTERVAL"            json:"ping_interval"            validate:"required,timeout_duration"`
	MaxMessagesPerSecond int           `mapstructure:"MAX_MESSAGES_PER_SECOND"  json:"max_messages_per_second"  validate:"required,min=1,max=10000"`
	Burst                int           `mapstructure:"BURST"                    json:"burst"                    validate:"required,min=1,max=1000"`
	ReadLimitBytes       int64         `mapstructure:"READ_LIMIT_BYTES"         json:"read_limit_bytes"         validate:"required,min=1024,max=33554432"`
}
