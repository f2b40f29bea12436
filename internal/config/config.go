// Package config loads and validates relay config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server listens on (e.g. :8787).
	ListenAddr string `mapstructure:"LISTEN_ADDR"`
	// AllowedOrigins is a comma-separated list of origins permitted to open a
	// WebSocket; empty disables the origin check entirely.
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`
	// DeviceJWTSecret is the shared HS256 secret for device-issued tokens.
	// Empty disables token verification at connect time.
	DeviceJWTSecret string `mapstructure:"DEVICE_JWT_SECRET"`
	// DeviceJWTIssuer is the expected iss claim; empty skips the issuer check.
	DeviceJWTIssuer string `mapstructure:"DEVICE_JWT_ISSUER"`
	// DeviceJWTAudience is the expected aud claim; empty skips the audience check.
	DeviceJWTAudience string `mapstructure:"DEVICE_JWT_AUDIENCE"`
	// APIKey is an optional shared key asserted during client_identification;
	// a mismatch closes the connection as an auth failure.
	APIKey string `mapstructure:"API_KEY"`
	// APIBearerToken optionally guards the user-scoped REST routes.
	APIBearerToken string `mapstructure:"API_BEARER_TOKEN"`
	// PageSize is the number of records per historical replay page.
	PageSize int `mapstructure:"PAGE_SIZE"`
	// HeartbeatInterval is the ping sweep period (e.g. "30s").
	HeartbeatInterval string `mapstructure:"HEARTBEAT_INTERVAL"`
	// OTLPEndpoint is the OTLP gRPC metrics endpoint; empty disables metrics export.
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", ":8787")
	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("DEVICE_JWT_SECRET", "")
	v.SetDefault("DEVICE_JWT_ISSUER", "health-app")
	v.SetDefault("DEVICE_JWT_AUDIENCE", "ws-device")
	v.SetDefault("API_KEY", "")
	v.SetDefault("API_BEARER_TOKEN", "")
	v.SetDefault("PAGE_SIZE", 25)
	v.SetDefault("HEARTBEAT_INTERVAL", "30s")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ListenAddr == "" {
		return nil, errors.New("config: LISTEN_ADDR must be set")
	}
	if cfg.PageSize <= 0 {
		return nil, errors.New("config: PAGE_SIZE must be positive")
	}
	if cfg.Env == "production" && cfg.DeviceJWTSecret == "" {
		return nil, errors.New("config: DEVICE_JWT_SECRET must be set when APP_ENV=production")
	}

	return &cfg, nil
}

// AllowedOriginsList returns the origin allow-list from the comma-separated config.
// An empty list means the origin check is disabled.
func (c *Config) AllowedOriginsList() []string {
	if c == nil || c.AllowedOrigins == "" {
		return nil
	}
	parts := strings.Split(c.AllowedOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Heartbeat parses HeartbeatInterval as a time.Duration. Returns 30s if unset or invalid.
func (c *Config) Heartbeat() time.Duration {
	d, err := time.ParseDuration(c.HeartbeatInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}
