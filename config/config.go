// Package config loads and validates the TOML configuration file.
// Secrets can be supplied through the environment instead of the file:
// SEALDOC_VAULT_SECRET overrides vault.secret and SEALDOC_SEAL_P12 (base64,
// with SEALDOC_SEAL_P12_PASSPHRASE) supplies a system seal credential.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/asaskevich/govalidator"
)

func init() {
	govalidator.SetFieldsRequiredByDefault(true)
}

// ErrInvalid wraps all configuration validation failures. They are fatal:
// the process refuses to start on a bad config.
var ErrInvalid = errors.New("config: invalid configuration")

// EnvVaultSecret overrides [vault].secret when set.
const EnvVaultSecret = "SEALDOC_VAULT_SECRET"

// Duration decodes "30s"-style TOML strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// Config is the root of the configuration file.
type Config struct {
	Storage StorageConfig `toml:"storage" valid:"-"`
	Vault   VaultConfig   `toml:"vault" valid:"-"`
	CA      CAConfig      `toml:"ca" valid:"-"`
	Seal    SealConfig    `toml:"seal" valid:"-"`
	TSA     TSAConfig     `toml:"tsa" valid:"-"`
}

// StorageConfig selects the metadata/blob backend.
type StorageConfig struct {
	Backend string `toml:"backend" valid:"in(memory|bbolt|sqlite),required"`
	Path    string `toml:"path" valid:"-"`
}

type VaultConfig struct {
	Secret string `toml:"secret" valid:"-"`
}

// CAConfig configures the SCEP enrollment client.
type CAConfig struct {
	Enabled         bool     `toml:"enabled" valid:"-"`
	URL             string   `toml:"url" valid:"requri,optional"`
	AdminURL        string   `toml:"admin_url" valid:"requri,optional"`
	ChallengeSecret string   `toml:"challenge_secret" valid:"-"`
	Profile         string   `toml:"profile" valid:"-"`
	Organization    string   `toml:"organization" valid:"-"`
	Timeout         Duration `toml:"timeout" valid:"-"`
	PollInterval    Duration `toml:"poll_interval" valid:"-"`
	MaxPolls        int      `toml:"max_polls" valid:"-"`
}

// SealConfig configures the system seal credential chain.
type SealConfig struct {
	Organization  string `toml:"organization" valid:"-"`
	P12File       string `toml:"p12_file" valid:"-"`
	P12Passphrase string `toml:"p12_passphrase" valid:"-"`
}

// TSAConfig configures the optional RFC 3161 timestamp authority.
type TSAConfig struct {
	URL      string `toml:"url" valid:"requri,optional"`
	Username string `toml:"username" valid:"-"`
	Password string `toml:"password" valid:"-"`
}

// Load reads, applies environment overrides and validates the configuration.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if secret := os.Getenv(EnvVaultSecret); secret != "" {
		c.Vault.Secret = secret
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field formats and cross-field requirements.
func (c *Config) Validate() error {
	if _, err := govalidator.ValidateStruct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	if c.Vault.Secret == "" {
		return fmt.Errorf("%w: vault secret missing (set [vault].secret or %s)", ErrInvalid, EnvVaultSecret)
	}
	if c.Storage.Backend != "memory" && c.Storage.Path == "" {
		return fmt.Errorf("%w: storage backend %q requires a path", ErrInvalid, c.Storage.Backend)
	}
	if c.CA.Enabled {
		if c.CA.URL == "" {
			return fmt.Errorf("%w: ca enabled without url", ErrInvalid)
		}
		if c.CA.ChallengeSecret == "" {
			return fmt.Errorf("%w: ca enabled without challenge_secret", ErrInvalid)
		}
	}
	return nil
}
