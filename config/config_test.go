package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sealdoc/sealdoc/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sealdoc.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
[storage]
backend = "bbolt"
path = "/tmp/sealdoc.db"

[vault]
secret = "super-secret"

[ca]
enabled = true
url = "https://ca.example.com/scep"
admin_url = "https://ca.example.com/admin"
challenge_secret = "challenge"
profile = "signing"
organization = "Example Org"
timeout = "30s"
poll_interval = "5s"
max_polls = 10

[seal]
organization = "Example Org"
`)

	c, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bbolt", c.Storage.Backend)
	assert.Equal(t, "super-secret", c.Vault.Secret)
	assert.True(t, c.CA.Enabled)
	assert.Equal(t, 30*time.Second, c.CA.Timeout.Duration)
	assert.Equal(t, 5*time.Second, c.CA.PollInterval.Duration)
	assert.Equal(t, 10, c.CA.MaxPolls)
}

func TestLoadVaultSecretFromEnv(t *testing.T) {
	t.Setenv(config.EnvVaultSecret, "env-secret")

	c, err := config.Load(writeConfig(t, `
[storage]
backend = "memory"
`))
	require.NoError(t, err)
	assert.Equal(t, "env-secret", c.Vault.Secret)
}

func TestLoadRejectsMissingVaultSecret(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
[storage]
backend = "memory"
`))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
[storage]
backend = "etcd"

[vault]
secret = "s"
`))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadRejectsPathlessDiskBackend(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
[storage]
backend = "sqlite"

[vault]
secret = "s"
`))
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestLoadRejectsCAWithoutURL(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
[storage]
backend = "memory"

[vault]
secret = "s"

[ca]
enabled = true
challenge_secret = "c"
`))
	assert.ErrorIs(t, err, config.ErrInvalid)
}
