package config

// RouterConfig controls which inbound events reach the notification sink.
type RouterConfig struct {
	Kinds          []int `mapstructure:"KINDS"           json:"kinds"           validate:"required,min=1,dive,min=0,max=65535"`
	DedupeCapacity uint  `mapstructure:"DEDUPE_CAPACITY" json:"dedupe_capacity" validate:"required,min=100,max=10000000"`
	Workers        int   `mapstructure:"WORKERS"         json:"workers"         validate:"required,min=1,max=64"`
	QueueSize      int   `mapstructure:"QUEUE_SIZE"      json:"queue_size"      validate:"required,min=1,max=100000"`
	// VerifySignatures drops events whose id or signature does not check out.
	VerifySignatures bool `mapstructure:"VERIFY_SIGNATURES" json:"verify_signatures"`
}
