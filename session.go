package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tonimelisma/vps-go/internal/config"
	"github.com/tonimelisma/vps-go/internal/credential"
	"github.com/tonimelisma/vps-go/internal/ledger"
	"github.com/tonimelisma/vps-go/pkg/vps"
)

// errNoAPIKey is returned when a command needs credentials and neither
// VPS_API_KEY nor api_key_file is configured.
var errNoAPIKey = errors.New("no API key configured: set " + config.EnvAPIKey + " or [service] api_key_file")

// clientOptions maps the resolved configuration onto vps.Options. The API
// key is filled in separately by resolveAPIKey.
func clientOptions(cfg *config.Resolved, logger *slog.Logger) vps.Options {
	return vps.Options{
		BaseURL:            cfg.BaseURL,
		UserAgent:          cfg.UserAgent,
		RequestTimeout:     cfg.RequestTimeout,
		ConnectTimeout:     cfg.ConnectTimeout,
		CAFile:             cfg.CAFile,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		ForceHTTP11:        cfg.ForceHTTP11,
		SafetyMargin:       cfg.SafetyMargin,
		RefreshTimeout:     cfg.RefreshTimeout,
		ProgressMode:       vps.ProgressMode(cfg.ProgressMode),
		Poll: vps.PollPolicy{
			Interval:             cfg.PollInterval,
			MaxInterval:          cfg.PollMaxInterval,
			BackoffFactor:        cfg.PollBackoffFactor,
			MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		},
		Logger: logger,
	}
}

// resolveAPIKey returns the API key from the environment, falling back to
// api_key_file. An empty result with a nil error means no key is
// configured.
func resolveAPIKey(cfg *config.Resolved) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}

	if cfg.APIKeyFile == "" {
		return "", nil
	}

	return credential.ReadKeyFile(cfg.APIKeyFile)
}

// newServiceClient builds a vps.Client for cc. needKey rejects a missing
// API key up front instead of failing on the first authenticated call.
func newServiceClient(cc *CLIContext, needKey bool) (*vps.Client, error) {
	key, err := resolveAPIKey(cc.Cfg)
	if err != nil {
		return nil, err
	}

	if key == "" && needKey {
		return nil, errNoAPIKey
	}

	opts := clientOptions(cc.Cfg, cc.Logger)
	opts.APIKey = key

	client, err := vps.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating VPS client: %w", err)
	}

	cc.Logger.Debug("VPS client ready",
		slog.String("base_url", client.BaseURL()),
		slog.String("progress_mode", cc.Cfg.ProgressMode),
	)

	return client, nil
}

// openLedger opens the job ledger, or returns nil when it is disabled.
func openLedger(ctx context.Context, cc *CLIContext) (*ledger.Store, error) {
	if !cc.Cfg.LedgerEnabled {
		return nil, nil
	}

	store, err := ledger.Open(ctx, cc.Cfg.LedgerPath, cc.Logger)
	if err != nil {
		return nil, fmt.Errorf("opening job ledger: %w", err)
	}

	return store, nil
}

// ledgerRecorder writes submissions and observed progress to the ledger.
// Ledger failures are logged and never fail the job operation itself. A
// nil store records nothing.
type ledgerRecorder struct {
	store   *ledger.Store
	baseURL string
	logger  *slog.Logger
}

func newLedgerRecorder(store *ledger.Store, baseURL string, logger *slog.Logger) *ledgerRecorder {
	return &ledgerRecorder{store: store, baseURL: baseURL, logger: logger}
}

// Submitted records a newly accepted job.
func (r *ledgerRecorder) Submitted(ctx context.Context, h vps.Handle, processingType string) {
	if r.store == nil {
		return
	}

	if err := r.store.Record(ctx, h, processingType, r.baseURL); err != nil {
		r.logger.Warn("recording job in ledger failed",
			slog.String("job_id", h.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// Observed records a status change.
func (r *ledgerRecorder) Observed(ctx context.Context, ev vps.ProgressEvent) {
	if r.store == nil {
		return
	}

	if err := r.store.Observe(ctx, ev); err != nil {
		r.logger.Warn("updating job in ledger failed",
			slog.String("job_id", ev.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// Close closes the underlying store.
func (r *ledgerRecorder) Close() error {
	if r.store == nil {
		return nil
	}

	return r.store.Close()
}

// openRecorder opens the ledger and wraps it in a recorder. The recorder is
// usable (and records nothing) when the ledger is disabled.
func openRecorder(ctx context.Context, cc *CLIContext) (*ledgerRecorder, error) {
	store, err := openLedger(ctx, cc)
	if err != nil {
		return nil, err
	}

	return newLedgerRecorder(store, cc.Cfg.BaseURL, cc.Logger), nil
}
