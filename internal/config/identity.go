package config

// IdentityConfig tells the key store where the signing key lives.
type IdentityConfig struct {
	PrivateKey       string `mapstructure:"PRIVATE_KEY"        json:"-"                  validate:"omitempty,hexkey"`
	KeyFile          string `mapstructure:"KEY_FILE"           json:"key_file"           validate:"omitempty"`
	GenerateIfAbsent bool   `mapstructure:"GENERATE_IF_ABSENT" json:"generate_if_absent"`
}
