package proxy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Minimal(t *testing.T) {
	path := writeConfigFile(t, `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 5432
  region: "us-east-1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:15432", cfg.ListenAddress)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, "us-east-1", cfg.Database.Region)
	// Defaults survive partial files.
	assert.Equal(t, TLSRequired, cfg.TLS.Mode)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout())
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout())
	// Without an explicit backend the proxy dials the database itself.
	assert.Equal(t, "db.internal:5432", cfg.BackendAddr())
}

func TestLoadConfig_TunnelEndpoint(t *testing.T) {
	path := writeConfigFile(t, `
listen_address: "127.0.0.1:15432"
backend_address: "127.0.0.1:2222"
database:
  host: "db.internal"
  port: 5432
  region: "us-east-1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:2222", cfg.BackendAddr())
	// Token signing still targets the real database endpoint.
	assert.Equal(t, "db.internal:5432", cfg.Database.Addr())
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing host", `
listen_address: "127.0.0.1:15432"
database:
  port: 5432
  region: "us-east-1"
`},
		{"missing region", `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 5432
`},
		{"bad port", `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 99999
  region: "us-east-1"
`},
		{"bad tls mode", `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 5432
  region: "us-east-1"
tls:
  mode: "verify-full"
`},
		{"authorization without paths", `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 5432
  region: "us-east-1"
authorization:
  enabled: true
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfigFile(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("PGTOKENPROXY_REGION", "eu-west-1")
	t.Setenv("PGTOKENPROXY_USERNAME_OVERRIDE", "svc_account")
	t.Setenv("PGTOKENPROXY_TLS_MODE", "disabled")

	path := writeConfigFile(t, `
listen_address: "127.0.0.1:15432"
database:
  host: "db.internal"
  port: 5432
  region: "us-east-1"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", cfg.Database.Region)
	assert.Equal(t, "svc_account", cfg.UsernameOverride)
	assert.Equal(t, TLSDisabled, cfg.TLS.Mode)
}

func TestConfig_TokenCacheTTL(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Duration(0), cfg.TokenCacheTTL())

	cfg.TokenCacheTTLSeconds = 120
	assert.Equal(t, 2*time.Minute, cfg.TokenCacheTTL())
}
