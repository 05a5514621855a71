package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig     = "VPS_GO_CONFIG"
	EnvBaseURL    = "VPS_BASE_URL"
	EnvAPIKey     = "VPS_API_KEY"
	EnvAPIKeyFile = "VPS_API_KEY_FILE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // VPS_GO_CONFIG: override config file path
	BaseURL    string // VPS_BASE_URL: service base URL
	APIKey     string // VPS_API_KEY: API key, never written anywhere
	APIKeyFile string // VPS_API_KEY_FILE: file holding the API key
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		BaseURL:    os.Getenv(EnvBaseURL),
		APIKey:     os.Getenv(EnvAPIKey),
		APIKeyFile: os.Getenv(EnvAPIKeyFile),
	}
}
