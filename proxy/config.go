package proxy

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// TLSMode controls the backend leg of the proxy.
type TLSMode string

const (
	TLSDisabled       TLSMode = "disabled"
	TLSRequired       TLSMode = "required"
	TLSRequireVerifCA TLSMode = "required-verify-ca"
)

// DatabaseEndpoint identifies the real database instance. Tokens are signed
// against this endpoint even when the TCP connection goes through a tunnel.
type DatabaseEndpoint struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Region string `yaml:"region"`
}

// Addr returns the host:port form of the endpoint.
func (e DatabaseEndpoint) Addr() string {
	return net.JoinHostPort(e.Host, cast.ToString(e.Port))
}

// TLSConfigValues holds the backend TLS settings.
type TLSConfigValues struct {
	Mode   TLSMode `yaml:"mode"`
	CAFile string  `yaml:"ca_file,omitempty"`
}

// TimeoutConfigValues bounds the blocking stages of a session. The relay
// phase is deliberately unbounded; idle sessions are expected.
type TimeoutConfigValues struct {
	ConnectSeconds    int `yaml:"connect_seconds"`
	HandshakeSeconds  int `yaml:"handshake_seconds"`
	TokenFetchSeconds int `yaml:"token_fetch_seconds"`
}

// MetricsConfigValues controls Prometheus metrics exposure.
type MetricsConfigValues struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"`
	Endpoint      string `yaml:"endpoint"`
}

// AuthorizationConfigValues controls optional connect-time authorization.
type AuthorizationConfigValues struct {
	Enabled    bool   `yaml:"enabled"`
	ModelPath  string `yaml:"model_path"`
	PolicyPath string `yaml:"policy_path"`
}

// Config is the process-wide proxy configuration. It is immutable once the
// supervisor starts accepting connections.
type Config struct {
	// ListenAddress is the client-facing TCP address.
	ListenAddress string `yaml:"listen_address"`
	// BackendAddress is the address the proxy dials. It may be a tunnel
	// endpoint distinct from the database endpoint; when empty it defaults
	// to Database.Addr().
	BackendAddress string `yaml:"backend_address,omitempty"`
	// Database identifies the instance used for token signing and for the
	// TLS server name.
	Database DatabaseEndpoint `yaml:"database"`
	// UsernameOverride, when set, replaces the username from every client
	// handshake.
	UsernameOverride string `yaml:"username_override,omitempty"`

	TLS           TLSConfigValues           `yaml:"tls"`
	Timeouts      TimeoutConfigValues       `yaml:"timeouts"`
	Metrics       MetricsConfigValues       `yaml:"metrics"`
	Authorization AuthorizationConfigValues `yaml:"authorization"`

	// TokenCacheTTLSeconds enables the short-TTL token cache when positive.
	TokenCacheTTLSeconds int `yaml:"token_cache_ttl_seconds"`
	// ShutdownGraceSeconds is how long in-flight sessions may drain after a
	// shutdown signal before their sockets are forced closed.
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

// DefaultConfig returns the default proxy configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress: "127.0.0.1:5432",
		Database: DatabaseEndpoint{
			Port: 5432,
		},
		TLS: TLSConfigValues{
			Mode: TLSRequired,
		},
		Timeouts: TimeoutConfigValues{
			ConnectSeconds:    10,
			HandshakeSeconds:  30,
			TokenFetchSeconds: 10,
		},
		Metrics: MetricsConfigValues{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9187",
			Endpoint:      "/metrics",
		},
		ShutdownGraceSeconds: 30,
	}
}

// LoadConfig reads the YAML config file, applies environment overrides, and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override the file without
// editing it.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("PGTOKENPROXY_LISTEN_ADDRESS"); v != "" {
		c.ListenAddress = v
	}
	if v := os.Getenv("PGTOKENPROXY_BACKEND_ADDRESS"); v != "" {
		c.BackendAddress = v
	}
	if v := os.Getenv("PGTOKENPROXY_REGION"); v != "" {
		c.Database.Region = v
	}
	if v := os.Getenv("PGTOKENPROXY_USERNAME_OVERRIDE"); v != "" {
		c.UsernameOverride = v
	}
	if v := os.Getenv("PGTOKENPROXY_TLS_MODE"); v != "" {
		c.TLS.Mode = TLSMode(v)
	}
	if v := os.Getenv("PGTOKENPROXY_TOKEN_CACHE_TTL_SECONDS"); v != "" {
		c.TokenCacheTTLSeconds = cast.ToInt(v)
	}
}

// Validate checks the configuration for fatal startup errors.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Port <= 0 || c.Database.Port > 65535 {
		return fmt.Errorf("database.port %d is out of range", c.Database.Port)
	}
	if c.Database.Region == "" {
		return fmt.Errorf("database.region is required")
	}
	switch c.TLS.Mode {
	case TLSDisabled, TLSRequired, TLSRequireVerifCA:
	default:
		return fmt.Errorf("unknown tls.mode %q", c.TLS.Mode)
	}
	if c.TLS.Mode == TLSRequireVerifCA && c.TLS.CAFile != "" {
		if _, err := os.Stat(c.TLS.CAFile); err != nil {
			return fmt.Errorf("tls.ca_file: %w", err)
		}
	}
	if c.Authorization.Enabled {
		if c.Authorization.ModelPath == "" || c.Authorization.PolicyPath == "" {
			return fmt.Errorf("authorization requires model_path and policy_path")
		}
	}
	if c.Timeouts.ConnectSeconds <= 0 || c.Timeouts.HandshakeSeconds <= 0 || c.Timeouts.TokenFetchSeconds <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

// BackendAddr returns the address the connector dials.
func (c *Config) BackendAddr() string {
	if c.BackendAddress != "" {
		return c.BackendAddress
	}
	return c.Database.Addr()
}

// ConnectTimeout returns the backend dial timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectSeconds) * time.Second
}

// HandshakeTimeout bounds the client and backend handshake phases.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.Timeouts.HandshakeSeconds) * time.Second
}

// TokenFetchTimeout bounds a single token provider call.
func (c *Config) TokenFetchTimeout() time.Duration {
	return time.Duration(c.Timeouts.TokenFetchSeconds) * time.Second
}

// ShutdownGrace returns the drain deadline applied after a shutdown signal.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// TokenCacheTTL returns the token cache TTL; zero disables caching.
func (c *Config) TokenCacheTTL() time.Duration {
	return time.Duration(c.TokenCacheTTLSeconds) * time.Second
}
