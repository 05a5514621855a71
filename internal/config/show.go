package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command, giving
// users visibility into the effective values after all four override layers
// (defaults -> file -> env -> CLI) have been applied. The API key is never
// printed.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %q)\n\n", r.ConfigPath)

	renderServiceSection(ew, r)
	renderAuthSection(ew, r)
	renderProgressSection(ew, r)
	renderLoggingSection(ew, r)
	renderGatewaySection(ew, r)
	renderLedgerSection(ew, r)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderServiceSection(ew *errWriter, r *Resolved) {
	ew.printf("[service]\n")
	ew.printf("  base_url             = %q\n", r.BaseURL)

	switch {
	case r.APIKey != "":
		ew.printf("  api_key              = (set from %s)\n", EnvAPIKey)
	case r.APIKeyFile != "":
		ew.printf("  api_key_file         = %q\n", r.APIKeyFile)
	default:
		ew.printf("  api_key              = (not set)\n")
	}

	if r.CAFile != "" {
		ew.printf("  ca_file              = %q\n", r.CAFile)
	}

	ew.printf("  insecure_skip_verify = %t\n", r.InsecureSkipVerify)
	ew.printf("  force_http_11        = %t\n", r.ForceHTTP11)
	ew.printf("  request_timeout      = %q\n", r.RequestTimeout)
	ew.printf("  connect_timeout      = %q\n", r.ConnectTimeout)

	if r.UserAgent != "" {
		ew.printf("  user_agent           = %q\n", r.UserAgent)
	}

	ew.printf("\n")
}

func renderAuthSection(ew *errWriter, r *Resolved) {
	ew.printf("[auth]\n")
	ew.printf("  safety_margin   = %q\n", r.SafetyMargin)
	ew.printf("  refresh_timeout = %q\n", r.RefreshTimeout)
	ew.printf("\n")
}

func renderProgressSection(ew *errWriter, r *Resolved) {
	ew.printf("[progress]\n")
	ew.printf("  mode                   = %q\n", r.ProgressMode)
	ew.printf("  poll_interval          = %q\n", r.PollInterval)
	ew.printf("  poll_max_interval      = %q\n", r.PollMaxInterval)
	ew.printf("  poll_backoff_factor    = %g\n", r.PollBackoffFactor)
	ew.printf("  max_consecutive_errors = %d\n", r.MaxConsecutiveErrors)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, r *Resolved) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", r.LogLevel)
	ew.printf("  log_format = %q\n", r.LogFormat)
	ew.printf("\n")
}

func renderGatewaySection(ew *errWriter, r *Resolved) {
	ew.printf("[gateway]\n")
	ew.printf("  listen = %q\n", r.Listen)

	if len(r.AllowedOrigins) > 0 {
		ew.printf("  allowed_origins = [%s]\n", joinQuoted(r.AllowedOrigins))
	}

	ew.printf("\n")
}

func renderLedgerSection(ew *errWriter, r *Resolved) {
	ew.printf("[ledger]\n")
	ew.printf("  enabled = %t\n", r.LedgerEnabled)
	ew.printf("  path    = %q\n", r.LedgerPath)
}

// joinQuoted formats a string slice as comma-separated quoted values.
func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = fmt.Sprintf("%q", item)
	}

	return strings.Join(quoted, ", ")
}
