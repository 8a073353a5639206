// Package config loads and validates the gateway configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the CGW_ prefix (e.g., CGW_REDIS_URL
// overrides redis.url in the YAML). This layering allows the same binary to
// run with a config.yaml in local development and with pure environment
// variables in containerized deployments without recompilation.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration. It is computed once at
// process start and passed to every component; nothing mutates it after
// Load returns.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Media     MediaConfig     `mapstructure:"media"`
	TikTok    TikTokConfig    `mapstructure:"tiktok"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Sweeper   SweeperConfig   `mapstructure:"sweeper"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	PublicURL    string        `mapstructure:"public_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetPublicURL returns the public-facing URL used for the OAuth redirect
// URI. When server.public_url is set it is returned as-is; otherwise it
// falls back to server.base_url. The distinction matters in
// reverse-proxied deployments where the internal listen address differs
// from the URL registered with the OAuth provider.
func (s *ServerConfig) GetPublicURL() string {
	if s.PublicURL != "" {
		return s.PublicURL
	}
	return s.BaseURL
}

// GetAddress returns the server address in host:port format
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RedisConfig holds the shared store connection configuration. An empty
// URL selects the in-process memory store (single-instance development
// only; records are lost on restart and rate limits are per-process).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// MediaConfig holds the clip bucket and URL-signing configuration.
type MediaConfig struct {
	// Host is the bucket-bound public host presigned URLs are served
	// from, e.g. media.example.com.
	Host string `mapstructure:"host"`
	// LegacyHosts are additional hosts accepted when resolving an object
	// key out of a caller-supplied URL.
	LegacyHosts []string `mapstructure:"legacy_hosts"`
	Bucket      string   `mapstructure:"bucket"`
	// Endpoint is the S3 API endpoint of the storage account, used for
	// existence checks and listings (not for signing).
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"`
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
	// VerifyExists gates publishes on a HeadObject check against the
	// bucket, rejecting references to objects that do not exist.
	VerifyExists bool `mapstructure:"verify_exists"`
}

// TikTokConfig holds the registered application's OAuth credentials.
type TikTokConfig struct {
	ClientKey    string   `mapstructure:"client_key"`
	ClientSecret string   `mapstructure:"client_secret"`
	Scopes       []string `mapstructure:"scopes"`
	// AuthBase and APIBase override the production endpoints; used in
	// integration tests and sandbox environments.
	AuthBase string `mapstructure:"auth_base"`
	APIBase  string `mapstructure:"api_base"`
}

// DispatchConfig tunes the webhook dispatch pipeline.
type DispatchConfig struct {
	// RateLimit / RateWindow bound publishes per API key.
	RateLimit  int           `mapstructure:"rate_limit"`
	RateWindow time.Duration `mapstructure:"rate_window"`
	// DraftPrivacy and PublishPrivacy override the privacy levels applied
	// to draft and direct-post publishes.
	DraftPrivacy   string `mapstructure:"draft_privacy"`
	PublishPrivacy string `mapstructure:"publish_privacy"`
}

// SweeperConfig tunes the API key retention sweeper.
type SweeperConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Interval      time.Duration `mapstructure:"interval"`
	MaxPendingAge time.Duration `mapstructure:"max_pending_age"`
	DryRun        bool          `mapstructure:"dry_run"`
}

// SecurityConfig holds edge protection configuration.
type SecurityConfig struct {
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
	// TokenEncryptionKey enables AES-256-GCM encryption of stored OAuth
	// tokens. Either a base64-encoded 32-byte key or a passphrase the key
	// is derived from. Empty disables encryption at rest.
	TokenEncryptionKey string `mapstructure:"token_encryption_key"`
}

// RateLimitingConfig throttles the unauthenticated endpoints (key
// issuance and the connect flow) per client IP. Requires Redis; ignored
// with the memory store.
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds metrics configuration
type TelemetryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds the Prometheus side-channel server configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with
// zero keys; since every key here is a non-empty hardcoded string, any
// error indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.base_url",
		"server.public_url",
		"server.read_timeout",
		"server.write_timeout",

		// Redis
		"redis.url",

		// Media storage and signing
		"media.host",
		"media.legacy_hosts",
		"media.bucket",
		"media.endpoint",
		"media.region",
		"media.access_key_id",
		"media.secret_access_key",
		"media.url_expiry",
		"media.verify_exists",

		// TikTok application
		"tiktok.client_key",
		"tiktok.client_secret",
		"tiktok.scopes",
		"tiktok.auth_base",
		"tiktok.api_base",

		// Dispatch
		"dispatch.rate_limit",
		"dispatch.rate_window",
		"dispatch.draft_privacy",
		"dispatch.publish_privacy",

		// Sweeper
		"sweeper.enabled",
		"sweeper.interval",
		"sweeper.max_pending_age",
		"sweeper.dry_run",

		// Security
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.token_encryption_key",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.enabled",
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config.yaml in common locations
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/clipgate")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment variables
	}

	v.SetEnvPrefix("CGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Expand ${VAR} references in sensitive fields so secrets can live
	// in infrastructure-managed variables with any name.
	cfg.Media.SecretAccessKey = os.ExpandEnv(cfg.Media.SecretAccessKey)
	cfg.TikTok.ClientSecret = os.ExpandEnv(cfg.TikTok.ClientSecret)
	cfg.Security.TokenEncryptionKey = os.ExpandEnv(cfg.Security.TokenEncryptionKey)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.base_url", "http://localhost:8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")

	// Redis defaults: empty URL selects the in-process memory store
	v.SetDefault("redis.url", "")

	// Media defaults
	v.SetDefault("media.region", "auto")
	v.SetDefault("media.url_expiry", "1h")
	v.SetDefault("media.verify_exists", false)

	// Dispatch defaults
	v.SetDefault("dispatch.rate_limit", 30)
	v.SetDefault("dispatch.rate_window", "60s")

	// Sweeper defaults
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", "1h")
	v.SetDefault("sweeper.max_pending_age", "24h")
	v.SetDefault("sweeper.dry_run", false)

	// Security defaults
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry defaults
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Media.Host == "" {
		return fmt.Errorf("media.host is required")
	}
	if strings.Contains(c.Media.Host, "/") {
		return fmt.Errorf("media.host must be a bare host name, not a URL: %s", c.Media.Host)
	}
	if c.Media.Bucket == "" {
		return fmt.Errorf("media.bucket is required")
	}
	if c.Media.AccessKeyID == "" || c.Media.SecretAccessKey == "" {
		return fmt.Errorf("media.access_key_id and media.secret_access_key are required for URL signing")
	}
	if c.Media.URLExpiry <= 0 || c.Media.URLExpiry > 604800*time.Second {
		return fmt.Errorf("media.url_expiry must be between 1s and 604800s, got %s", c.Media.URLExpiry)
	}
	if c.Media.VerifyExists && c.Media.Endpoint == "" {
		return fmt.Errorf("media.endpoint is required when media.verify_exists is enabled")
	}

	if c.TikTok.ClientKey == "" {
		return fmt.Errorf("tiktok.client_key is required")
	}
	if c.TikTok.ClientSecret == "" {
		return fmt.Errorf("tiktok.client_secret is required")
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil {
			return fmt.Errorf("invalid redis.url: %w", err)
		}
	}

	if c.Dispatch.RateLimit < 1 {
		return fmt.Errorf("dispatch.rate_limit must be positive, got %d", c.Dispatch.RateLimit)
	}
	if c.Dispatch.RateWindow < time.Second {
		return fmt.Errorf("dispatch.rate_window must be at least 1s, got %s", c.Dispatch.RateWindow)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// RedirectURI returns the OAuth callback URL registered with the
// authorization server, derived from the public URL.
func (c *Config) RedirectURI() string {
	return strings.TrimRight(c.Server.GetPublicURL(), "/") + "/v1/connect/callback"
}
