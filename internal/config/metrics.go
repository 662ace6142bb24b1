package config

// MetricsConfig holds the status HTTP surface settings (/metrics, /health, /status).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Addr    string `mapstructure:"ADDR"    json:"addr"    validate:"required,listenaddr"`
}
