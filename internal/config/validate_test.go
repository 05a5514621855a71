package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"base url scheme", func(c *Config) { c.Service.BaseURL = "ftp://vps.example" }, "scheme must be http or https"},
		{"base url host", func(c *Config) { c.Service.BaseURL = "https://" }, "missing host"},
		{"request timeout parse", func(c *Config) { c.Service.RequestTimeout = "soon" }, "request_timeout: invalid duration"},
		{"request timeout small", func(c *Config) { c.Service.RequestTimeout = "10ms" }, "request_timeout: must be at least"},
		{"connect timeout small", func(c *Config) { c.Service.ConnectTimeout = "0s" }, "connect_timeout"},
		{"margin zero", func(c *Config) { c.Auth.SafetyMargin = "0s" }, "safety_margin: must be positive"},
		{"margin large", func(c *Config) { c.Auth.SafetyMargin = "1h" }, "safety_margin"},
		{"margin parse", func(c *Config) { c.Auth.SafetyMargin = "x" }, "safety_margin: invalid duration"},
		{"refresh timeout", func(c *Config) { c.Auth.RefreshTimeout = "100ms" }, "refresh_timeout"},
		{"mode", func(c *Config) { c.Progress.Mode = "push" }, "mode: must be one of"},
		{"poll interval", func(c *Config) { c.Progress.PollInterval = "1ms" }, "poll_interval"},
		{"max below interval", func(c *Config) {
			c.Progress.PollInterval = "10s"
			c.Progress.PollMaxInterval = "5s"
		}, "poll_max_interval: must be at least poll_interval"},
		{"factor low", func(c *Config) { c.Progress.PollBackoffFactor = 0.5 }, "poll_backoff_factor"},
		{"factor high", func(c *Config) { c.Progress.PollBackoffFactor = 11 }, "poll_backoff_factor"},
		{"max errors", func(c *Config) { c.Progress.MaxConsecutiveErrors = 0 }, "max_consecutive_errors"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "verbose" }, "log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "log_format"},
		{"listen", func(c *Config) { c.Gateway.Listen = "8088" }, "listen: must be host:port"},
		{"origin", func(c *Config) { c.Gateway.AllowedOrigins = []string{"app.example.com"} }, "allowed_origins"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Progress.Mode = "push"
	cfg.Logging.LogLevel = "loud"
	cfg.Auth.SafetyMargin = "never"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mode")
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "safety_margin")
}

func TestValidate_WildcardOriginAllowed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Gateway.AllowedOrigins = []string{"*", "http://localhost:3000"}

	assert.NoError(t, Validate(cfg))
}

func TestValidateResolved(t *testing.T) {
	assert.NoError(t, ValidateResolved(&Resolved{BaseURL: "http://127.0.0.1:8080", Listen: "127.0.0.1:0"}))

	err := ValidateResolved(&Resolved{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_url: required")

	err = ValidateResolved(&Resolved{BaseURL: "vps.example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheme")

	err = ValidateResolved(&Resolved{BaseURL: "https://vps.example.com", Listen: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}
