package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Resolved is the effective configuration after the override chain, with
// durations parsed and paths expanded.
type Resolved struct {
	ConfigPath string

	BaseURL            string
	APIKey             string // from VPS_API_KEY only
	APIKeyFile         string
	CAFile             string
	InsecureSkipVerify bool
	ForceHTTP11        bool
	RequestTimeout     time.Duration
	ConnectTimeout     time.Duration
	UserAgent          string

	SafetyMargin   time.Duration
	RefreshTimeout time.Duration

	ProgressMode         string
	PollInterval         time.Duration
	PollMaxInterval      time.Duration
	PollBackoffFactor    float64
	MaxConsecutiveErrors int

	LogLevel  string
	LogFormat string

	Listen         string
	AllowedOrigins []string

	LedgerPath    string
	LedgerEnabled bool
}

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal, with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values, so the CLI works with only
// environment variables set.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the four-layer override chain:
// defaults -> config file -> environment variables -> CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	// 3. Apply env overrides
	if env.BaseURL != "" {
		cfg.Service.BaseURL = env.BaseURL
	}

	if env.APIKeyFile != "" {
		cfg.Service.APIKeyFile = env.APIKeyFile
	}

	// 4. Apply CLI overrides
	if cli.BaseURL != "" {
		cfg.Service.BaseURL = cli.BaseURL
	}

	if cli.Listen != "" {
		cfg.Gateway.Listen = cli.Listen
	}

	r, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = cfgPath
	r.APIKey = env.APIKey

	// 5. Validate the final result
	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// resolveConfig converts a validated Config into its Resolved form.
// Durations were checked by Validate, so parse failures here mean cfg
// skipped validation.
func resolveConfig(cfg *Config) (*Resolved, error) {
	var errs []error

	dur := func(field, value string) time.Duration {
		d, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", field, value))
		}

		return d
	}

	r := &Resolved{
		BaseURL:            cfg.Service.BaseURL,
		APIKeyFile:         expandTilde(cfg.Service.APIKeyFile),
		CAFile:             expandTilde(cfg.Service.CAFile),
		InsecureSkipVerify: cfg.Service.InsecureSkipVerify,
		ForceHTTP11:        cfg.Service.ForceHTTP11,
		RequestTimeout:     dur("request_timeout", cfg.Service.RequestTimeout),
		ConnectTimeout:     dur("connect_timeout", cfg.Service.ConnectTimeout),
		UserAgent:          cfg.Service.UserAgent,

		SafetyMargin:   dur("safety_margin", cfg.Auth.SafetyMargin),
		RefreshTimeout: dur("refresh_timeout", cfg.Auth.RefreshTimeout),

		ProgressMode:         cfg.Progress.Mode,
		PollInterval:         dur("poll_interval", cfg.Progress.PollInterval),
		PollMaxInterval:      dur("poll_max_interval", cfg.Progress.PollMaxInterval),
		PollBackoffFactor:    cfg.Progress.PollBackoffFactor,
		MaxConsecutiveErrors: cfg.Progress.MaxConsecutiveErrors,

		LogLevel:  cfg.Logging.LogLevel,
		LogFormat: cfg.Logging.LogFormat,

		Listen:         cfg.Gateway.Listen,
		AllowedOrigins: cfg.Gateway.AllowedOrigins,

		LedgerPath:    expandTilde(cfg.Ledger.Path),
		LedgerEnabled: cfg.Ledger.Enabled,
	}

	if r.LedgerPath == "" {
		r.LedgerPath = DefaultLedgerPath()
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}
