package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)

	return path
}

func TestDefaultConfig_AllFieldsPopulated(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.Service.BaseURL)
	assert.Equal(t, "30s", cfg.Service.RequestTimeout)
	assert.Equal(t, "10s", cfg.Service.ConnectTimeout)
	assert.Equal(t, "30s", cfg.Auth.SafetyMargin)
	assert.Equal(t, "15s", cfg.Auth.RefreshTimeout)
	assert.Equal(t, "auto", cfg.Progress.Mode)
	assert.Equal(t, "1s", cfg.Progress.PollInterval)
	assert.Equal(t, "15s", cfg.Progress.PollMaxInterval)
	assert.InDelta(t, 1.5, cfg.Progress.PollBackoffFactor, 0.0001)
	assert.Equal(t, 5, cfg.Progress.MaxConsecutiveErrors)
	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)
	assert.Equal(t, "127.0.0.1:8088", cfg.Gateway.Listen)
	assert.True(t, cfg.Ledger.Enabled)
	assert.Empty(t, cfg.Ledger.Path)
}

func TestDefaultConfig_PassesValidation(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestLoad_ValidFullConfig(t *testing.T) {
	path := writeTestConfig(t, `
[service]
base_url = "https://vps.example.com/api"
api_key_file = "/run/secrets/vps-key"
force_http_11 = true
request_timeout = "45s"
connect_timeout = "5s"
user_agent = "vps-go-test/1.0"

[auth]
safety_margin = "1m"
refresh_timeout = "20s"

[progress]
mode = "stream"
poll_interval = "2s"
poll_max_interval = "30s"
poll_backoff_factor = 2.0
max_consecutive_errors = 8

[logging]
log_level = "debug"
log_format = "json"

[gateway]
listen = "0.0.0.0:9000"
allowed_origins = ["https://app.example.com"]

[ledger]
path = "/var/lib/vps-go/jobs.db"
enabled = false
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://vps.example.com/api", cfg.Service.BaseURL)
	assert.Equal(t, "/run/secrets/vps-key", cfg.Service.APIKeyFile)
	assert.True(t, cfg.Service.ForceHTTP11)
	assert.Equal(t, "45s", cfg.Service.RequestTimeout)
	assert.Equal(t, "vps-go-test/1.0", cfg.Service.UserAgent)
	assert.Equal(t, "1m", cfg.Auth.SafetyMargin)
	assert.Equal(t, "stream", cfg.Progress.Mode)
	assert.InDelta(t, 2.0, cfg.Progress.PollBackoffFactor, 0.0001)
	assert.Equal(t, 8, cfg.Progress.MaxConsecutiveErrors)
	assert.Equal(t, "json", cfg.Logging.LogFormat)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Gateway.AllowedOrigins)
	assert.False(t, cfg.Ledger.Enabled)
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[progress]
mode = "poll"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "poll", cfg.Progress.Mode)
	assert.Equal(t, "1s", cfg.Progress.PollInterval)
	assert.Equal(t, "30s", cfg.Service.RequestTimeout)
	assert.True(t, cfg.Ledger.Enabled)
}

func TestLoad_InvalidTOML(t *testing.T) {
	path := writeTestConfig(t, "[service\nbase_url = ")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config file")
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeTestConfig(t, `
[progress]
mode = "sometimes"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation failed")
	assert.Contains(t, err.Error(), "mode")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestLoadOrDefault_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOrDefault_EmptyPath(t *testing.T) {
	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadOrDefault_ExistingFile(t *testing.T) {
	path := writeTestConfig(t, "[logging]\nlog_level = \"warn\"\n")

	cfg, err := LoadOrDefault(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.LogLevel)
}
