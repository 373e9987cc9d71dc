// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"go.yaml.in/yaml/v3"

	gateway "github.com/eugener/elrond/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Providers ProvidersConfig  `yaml:"providers"`
	RateLimits []RateLimitRule `yaml:"rate_limits"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBytes int64         `yaml:"max_request_bytes"`
	IdleTimeout     time.Duration `yaml:"ws_idle_timeout"` // WebSocket idle cutoff
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds identity and credential-encryption settings.
type AuthConfig struct {
	// TokenSecret signs identity tokens. Required.
	TokenSecret string `yaml:"token_secret"`
	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration `yaml:"token_ttl"`
	// EncryptionKey is the hex-encoded 32-byte key that encrypts stored
	// provider API keys. It must be stable across restarts. Required.
	EncryptionKey string `yaml:"encryption_key"`
}

// ProvidersConfig holds per-provider defaults and process-wide fallback keys.
type ProvidersConfig struct {
	// DefaultKeys maps provider name to a process-wide API key used when a
	// request carries no inline key and the user has none stored.
	DefaultKeys map[string]string `yaml:"default_keys"`
	// BaseURLs overrides upstream endpoints, mainly for tests and proxies.
	BaseURLs map[string]string `yaml:"base_urls"`
	// CallTimeout is the hard upper bound on one provider streaming call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// RateLimitRule overrides one row of the default rate-limit policy table.
type RateLimitRule struct {
	Class  string        `yaml:"class"`
	Window time.Duration `yaml:"window"`
	Limit  int64         `yaml:"limit"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads a .env file if present, then parses the YAML config file,
// expanding ${VAR} references against the resulting environment.
func Load(path string) (*Config, error) {
	// Missing .env is fine; explicit env vars win over file values.
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    180 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBytes: 1 << 20, // 1 MiB
			IdleTimeout:     5 * time.Minute,
		},
		Database: DatabaseConfig{
			DSN: "elrond.db",
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Providers: ProvidersConfig{
			CallTimeout: 120 * time.Second,
		},
	}
}

// Validate checks required settings. Errors name the offending config key so
// operators can fix the file without reading source.
func (c *Config) Validate() error {
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("%w: auth.token_secret is required (set ELROND_TOKEN_SECRET and reference it as ${ELROND_TOKEN_SECRET})", gateway.ErrBadRequest)
	}
	if c.Auth.EncryptionKey == "" {
		return fmt.Errorf("%w: auth.encryption_key is required; stored provider keys are unreadable without it. Generate once with `openssl rand -hex 32` and keep it stable across restarts", gateway.ErrBadRequest)
	}
	key, err := hex.DecodeString(c.Auth.EncryptionKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("%w: auth.encryption_key must be 64 hex characters (32 bytes)", gateway.ErrBadRequest)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("%w: database.dsn is required", gateway.ErrBadRequest)
	}
	for _, r := range c.RateLimits {
		switch r.Class {
		case gateway.ClassAuth, gateway.ClassChat, gateway.ClassFile, gateway.ClassGeneral:
		default:
			return fmt.Errorf("%w: rate_limits: unknown class %q", gateway.ErrBadRequest, r.Class)
		}
		if r.Window <= 0 || r.Limit <= 0 {
			return fmt.Errorf("%w: rate_limits: class %q needs positive window and limit", gateway.ErrBadRequest, r.Class)
		}
	}
	return nil
}

// EncryptionKeyBytes returns the decoded credential encryption key.
// Validate must have succeeded first.
func (c *Config) EncryptionKeyBytes() []byte {
	key, _ := hex.DecodeString(c.Auth.EncryptionKey)
	return key
}
