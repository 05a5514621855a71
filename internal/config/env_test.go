package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/tmp/vps.toml")
	t.Setenv(EnvBaseURL, "https://vps.example.com")
	t.Setenv(EnvAPIKey, "k")
	t.Setenv(EnvAPIKeyFile, "/tmp/key")

	assert.Equal(t, EnvOverrides{
		ConfigPath: "/tmp/vps.toml",
		BaseURL:    "https://vps.example.com",
		APIKey:     "k",
		APIKeyFile: "/tmp/key",
	}, ReadEnvOverrides())
}

func TestReadEnvOverrides_Empty(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvBaseURL, "")
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPIKeyFile, "")

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}
