// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for vps-go. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Service  ServiceConfig  `toml:"service"`
	Auth     AuthConfig     `toml:"auth"`
	Progress ProgressConfig `toml:"progress"`
	Logging  LoggingConfig  `toml:"logging"`
	Gateway  GatewayConfig  `toml:"gateway"`
	Ledger   LedgerConfig   `toml:"ledger"`
}

// ServiceConfig locates the VPS and controls how it is reached. The API
// key itself never lives in the config file: it comes from VPS_API_KEY or
// from api_key_file.
type ServiceConfig struct {
	BaseURL            string `toml:"base_url"`
	APIKeyFile         string `toml:"api_key_file"`
	CAFile             string `toml:"ca_file"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	ForceHTTP11        bool   `toml:"force_http_11"`
	RequestTimeout     string `toml:"request_timeout"`
	ConnectTimeout     string `toml:"connect_timeout"`
	UserAgent          string `toml:"user_agent"`
}

// AuthConfig controls bearer credential caching.
type AuthConfig struct {
	SafetyMargin   string `toml:"safety_margin"`
	RefreshTimeout string `toml:"refresh_timeout"`
}

// ProgressConfig controls how progress subscriptions observe jobs.
type ProgressConfig struct {
	Mode                 string  `toml:"mode"`
	PollInterval         string  `toml:"poll_interval"`
	PollMaxInterval      string  `toml:"poll_max_interval"`
	PollBackoffFactor    float64 `toml:"poll_backoff_factor"`
	MaxConsecutiveErrors int     `toml:"max_consecutive_errors"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// GatewayConfig controls the `serve` HTTP gateway.
type GatewayConfig struct {
	Listen         string   `toml:"listen"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LedgerConfig controls the local job history database.
type LedgerConfig struct {
	Path    string `toml:"path"`
	Enabled bool   `toml:"enabled"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Empty strings mean "not specified".
type CLIOverrides struct {
	ConfigPath string // --config flag (empty = use default)
	BaseURL    string // --base-url flag
	Listen     string // serve --listen flag
}
