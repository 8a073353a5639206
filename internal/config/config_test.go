package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a configuration that passes Validate; tests mutate
// single fields to probe individual rules.
func validConfig() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080, BaseURL: "http://localhost:8080"},
		Media: MediaConfig{
			Host:            "media.example.com",
			Bucket:          "clips",
			AccessKeyID:     "key",
			SecretAccessKey: "secret",
			URLExpiry:       time.Hour,
		},
		TikTok:   TikTokConfig{ClientKey: "ck", ClientSecret: "cs"},
		Dispatch: DispatchConfig{RateLimit: 30, RateWindow: time.Minute},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server port"},
		{"missing base url", func(c *Config) { c.Server.BaseURL = "" }, "base_url"},
		{"missing media host", func(c *Config) { c.Media.Host = "" }, "media.host"},
		{"media host is a URL", func(c *Config) { c.Media.Host = "https://media.example.com" }, "bare host"},
		{"missing bucket", func(c *Config) { c.Media.Bucket = "" }, "media.bucket"},
		{"missing signing keys", func(c *Config) { c.Media.SecretAccessKey = "" }, "secret_access_key"},
		{"expiry over signing ceiling", func(c *Config) { c.Media.URLExpiry = 604801 * time.Second }, "url_expiry"},
		{"verify without endpoint", func(c *Config) { c.Media.VerifyExists = true }, "media.endpoint"},
		{"missing client key", func(c *Config) { c.TikTok.ClientKey = "" }, "client_key"},
		{"missing client secret", func(c *Config) { c.TikTok.ClientSecret = "" }, "client_secret"},
		{"zero dispatch limit", func(c *Config) { c.Dispatch.RateLimit = 0 }, "rate_limit"},
		{"sub-second window", func(c *Config) { c.Dispatch.RateWindow = 500 * time.Millisecond }, "rate_window"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadDefaultsAndEnvOverride(t *testing.T) {
	t.Setenv("CGW_MEDIA_HOST", "media.example.com")
	t.Setenv("CGW_MEDIA_BUCKET", "clips")
	t.Setenv("CGW_MEDIA_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("CGW_MEDIA_SECRET_ACCESS_KEY", "shhh")
	t.Setenv("CGW_TIKTOK_CLIENT_KEY", "ck")
	t.Setenv("CGW_TIKTOK_CLIENT_SECRET", "cs")
	t.Setenv("CGW_SERVER_PORT", "9999")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port, "env override not applied")
	assert.Equal(t, "media.example.com", cfg.Media.Host)

	// Defaults fill in everything not overridden.
	assert.Equal(t, 30, cfg.Dispatch.RateLimit)
	assert.Equal(t, time.Minute, cfg.Dispatch.RateWindow)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.Equal(t, time.Hour, cfg.Sweeper.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Sweeper.MaxPendingAge)
	assert.Equal(t, 9090, cfg.Telemetry.Metrics.PrometheusPort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, time.Hour, cfg.Media.URLExpiry)
}

func TestLoadExpandsSecretReferences(t *testing.T) {
	t.Setenv("CGW_MEDIA_HOST", "media.example.com")
	t.Setenv("CGW_MEDIA_BUCKET", "clips")
	t.Setenv("CGW_MEDIA_ACCESS_KEY_ID", "AKIDEXAMPLE")
	t.Setenv("CGW_MEDIA_SECRET_ACCESS_KEY", "${VAULT_MEDIA_SECRET}")
	t.Setenv("VAULT_MEDIA_SECRET", "resolved-secret")
	t.Setenv("CGW_TIKTOK_CLIENT_KEY", "ck")
	t.Setenv("CGW_TIKTOK_CLIENT_SECRET", "cs")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "resolved-secret", cfg.Media.SecretAccessKey, "${VAR} reference not expanded")
}

func TestGetPublicURL(t *testing.T) {
	s := ServerConfig{BaseURL: "http://internal:8080"}
	assert.Equal(t, "http://internal:8080", s.GetPublicURL(), "want base URL fallback")

	s.PublicURL = "https://gateway.example.com"
	assert.Equal(t, "https://gateway.example.com", s.GetPublicURL())
}

func TestRedirectURI(t *testing.T) {
	cfg := validConfig()
	cfg.Server.PublicURL = "https://gateway.example.com/"
	assert.Equal(t, "https://gateway.example.com/v1/connect/callback", cfg.RedirectURI())
}
