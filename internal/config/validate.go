package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"slices"
	"time"
)

// Validation range constants.
const (
	minRequestTimeout    = 1 * time.Second
	minConnectTimeout    = 1 * time.Second
	maxSafetyMargin      = 10 * time.Minute
	minRefreshTimeout    = 1 * time.Second
	minPollInterval      = 100 * time.Millisecond
	minBackoffFactor     = 1.0
	maxBackoffFactor     = 10.0
	minConsecutiveErrors = 1
	maxConsecutiveErrors = 100
)

var (
	validProgressModes = []string{"poll", "stream", "auto"}
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validLogFormats    = []string{"auto", "text", "json"}
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateService(&cfg.Service)...)
	errs = append(errs, validateAuth(&cfg.Auth)...)
	errs = append(errs, validateProgress(&cfg.Progress)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateGateway(&cfg.Gateway)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only make sense on the final
// merged result, after the override chain has been applied.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.BaseURL == "" {
		errs = append(errs, fmt.Errorf("base_url: required (set [service] base_url, %s, or --base-url)", EnvBaseURL))
	} else if err := checkBaseURL(r.BaseURL); err != nil {
		errs = append(errs, err)
	}

	if r.Listen != "" {
		if _, _, err := net.SplitHostPort(r.Listen); err != nil {
			errs = append(errs, fmt.Errorf("listen: must be host:port, got %q", r.Listen))
		}
	}

	return errors.Join(errs...)
}

func validateService(s *ServiceConfig) []error {
	var errs []error

	if s.BaseURL != "" {
		if err := checkBaseURL(s.BaseURL); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, checkMinDuration("request_timeout", s.RequestTimeout, minRequestTimeout)...)
	errs = append(errs, checkMinDuration("connect_timeout", s.ConnectTimeout, minConnectTimeout)...)

	return errs
}

func checkBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("base_url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("base_url: scheme must be http or https, got %q", raw)
	}

	if u.Host == "" {
		return fmt.Errorf("base_url: missing host in %q", raw)
	}

	return nil
}

func validateAuth(a *AuthConfig) []error {
	var errs []error

	margin, err := time.ParseDuration(a.SafetyMargin)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("safety_margin: invalid duration %q", a.SafetyMargin))
	case margin <= 0 || margin > maxSafetyMargin:
		errs = append(errs, fmt.Errorf("safety_margin: must be positive and at most %s, got %s", maxSafetyMargin, margin))
	}

	errs = append(errs, checkMinDuration("refresh_timeout", a.RefreshTimeout, minRefreshTimeout)...)

	return errs
}

func validateProgress(p *ProgressConfig) []error {
	var errs []error

	if !slices.Contains(validProgressModes, p.Mode) {
		errs = append(errs, fmt.Errorf("mode: must be one of %v, got %q", validProgressModes, p.Mode))
	}

	errs = append(errs, checkMinDuration("poll_interval", p.PollInterval, minPollInterval)...)
	errs = append(errs, checkMinDuration("poll_max_interval", p.PollMaxInterval, minPollInterval)...)

	interval, errI := time.ParseDuration(p.PollInterval)
	maxInterval, errM := time.ParseDuration(p.PollMaxInterval)

	if errI == nil && errM == nil && maxInterval < interval {
		errs = append(errs, fmt.Errorf("poll_max_interval: must be at least poll_interval (%s), got %s", interval, maxInterval))
	}

	if p.PollBackoffFactor < minBackoffFactor || p.PollBackoffFactor > maxBackoffFactor {
		errs = append(errs, fmt.Errorf("poll_backoff_factor: must be between %.0f and %.0f, got %g",
			minBackoffFactor, maxBackoffFactor, p.PollBackoffFactor))
	}

	if p.MaxConsecutiveErrors < minConsecutiveErrors || p.MaxConsecutiveErrors > maxConsecutiveErrors {
		errs = append(errs, fmt.Errorf("max_consecutive_errors: must be between %d and %d, got %d",
			minConsecutiveErrors, maxConsecutiveErrors, p.MaxConsecutiveErrors))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !slices.Contains(validLogLevels, l.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level: must be one of %v, got %q", validLogLevels, l.LogLevel))
	}

	if !slices.Contains(validLogFormats, l.LogFormat) {
		errs = append(errs, fmt.Errorf("log_format: must be one of %v, got %q", validLogFormats, l.LogFormat))
	}

	return errs
}

func validateGateway(g *GatewayConfig) []error {
	var errs []error

	if _, _, err := net.SplitHostPort(g.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen: must be host:port, got %q", g.Listen))
	}

	for _, o := range g.AllowedOrigins {
		if o == "*" {
			continue
		}

		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("allowed_origins: %q is not an origin", o))
		}
	}

	return errs
}

func checkMinDuration(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q", field, value)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be at least %s, got %s", field, minimum, d)}
	}

	return nil
}
