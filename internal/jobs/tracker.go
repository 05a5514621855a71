package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/tonimelisma/vps-go/internal/apierr"
)

// Tracker produces a sequence of observations of one job. Run calls
// observe sequentially, never concurrently, and returns when observe
// returns false, a terminal status has been observed, ctx ends, or a
// non-recoverable error occurs.
type Tracker interface {
	Run(ctx context.Context, jobID string, observe func(Handle) bool) error
}

// StatusReader performs one point-in-time status read.
type StatusReader func(ctx context.Context, jobID string) (Handle, error)

// StreamOpener opens a server-push stream for one job.
type StreamOpener func(ctx context.Context, jobID string) (Stream, error)

// Stream yields status snapshots pushed by the service. Next returns io.EOF
// when the server closes the stream normally.
type Stream interface {
	Next(ctx context.Context) (Handle, error)
	Close() error
}

// Polling defaults.
const (
	DefaultPollInterval         = 1 * time.Second
	DefaultPollMaxInterval      = 15 * time.Second
	DefaultPollBackoffFactor    = 1.5
	DefaultMaxConsecutiveErrors = 5

	jitterFraction = 0.25
)

// PollPolicy bounds how often a PollTracker reads status. The interval
// grows by BackoffFactor after every read that shows no change, up to
// MaxInterval, and snaps back to Interval on change.
type PollPolicy struct {
	Interval             time.Duration
	MaxInterval          time.Duration
	BackoffFactor        float64
	MaxConsecutiveErrors int
}

func (p PollPolicy) withDefaults() PollPolicy {
	if p.Interval <= 0 {
		p.Interval = DefaultPollInterval
	}

	if p.MaxInterval <= 0 {
		p.MaxInterval = DefaultPollMaxInterval
	}

	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}

	if p.BackoffFactor < 1 {
		p.BackoffFactor = DefaultPollBackoffFactor
	}

	if p.MaxConsecutiveErrors <= 0 {
		p.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}

	return p
}

// next returns the wait after a successful read.
func (p PollPolicy) next(cur time.Duration, changed bool) time.Duration {
	if changed {
		return p.Interval
	}

	grown := time.Duration(float64(cur) * p.BackoffFactor)

	return min(grown, p.MaxInterval)
}

// errorBackoff returns the wait after the n-th consecutive failed read:
// exponential from Interval, capped at MaxInterval, with ±25% jitter.
func (p PollPolicy) errorBackoff(n int) time.Duration {
	backoff := float64(p.Interval) * math.Pow(2, float64(n-1))
	if backoff > float64(p.MaxInterval) {
		backoff = float64(p.MaxInterval)
	}

	jitter := backoff * jitterFraction * (rand.Float64()*2 - 1) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff + jitter)
}

// PollTracker observes a job by repeated status reads, one at a time.
type PollTracker struct {
	read   StatusReader
	policy PollPolicy
	logger *slog.Logger

	// sleepFunc waits between reads. Tests replace it to avoid real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewPollTracker creates a PollTracker reading through read.
func NewPollTracker(read StatusReader, policy PollPolicy, logger *slog.Logger) *PollTracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &PollTracker{
		read:      read,
		policy:    policy.withDefaults(),
		logger:    logger,
		sleepFunc: timeSleep,
	}
}

// Run implements Tracker.
func (t *PollTracker) Run(ctx context.Context, jobID string, observe func(Handle) bool) error {
	wait := t.policy.Interval
	failures := 0

	var last ProgressEvent

	seen := false

	for {
		h, err := t.read(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if !apierr.IsTransient(err) {
				return err
			}

			failures++
			if failures > t.policy.MaxConsecutiveErrors {
				return fmt.Errorf("jobs: polling %s: giving up after %d consecutive failures: %w", jobID, failures, err)
			}

			backoff := t.policy.errorBackoff(failures)
			t.logger.Warn("status read failed, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", failures),
				slog.Duration("backoff", backoff),
				slog.String("error", err.Error()),
			)

			if err := t.sleepFunc(ctx, backoff); err != nil {
				return err
			}

			continue
		}

		failures = 0

		if !observe(h) || h.Status.Terminal() {
			return nil
		}

		ev := h.Event()
		changed := !seen || !ev.sameAs(last)
		last, seen = ev, true

		wait = t.policy.next(wait, changed)

		if err := t.sleepFunc(ctx, wait); err != nil {
			return err
		}
	}
}

// StreamTracker observes a job through the server-push stream and falls
// back to its PollTracker when the stream is unavailable or drops before a
// terminal status.
type StreamTracker struct {
	open     StreamOpener
	fallback *PollTracker
	logger   *slog.Logger

	// remember, when set, makes the first ErrStreamUnsupported stick so
	// later subscriptions go straight to polling.
	remember    bool
	unsupported atomic.Bool
}

// NewStreamTracker creates a StreamTracker. With remember set, a service
// that once reports the stream as unsupported is polled from then on.
func NewStreamTracker(open StreamOpener, fallback *PollTracker, remember bool, logger *slog.Logger) *StreamTracker {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamTracker{open: open, fallback: fallback, remember: remember, logger: logger}
}

// StreamSupported reports whether the tracker still attempts streaming.
func (t *StreamTracker) StreamSupported() bool {
	return !t.unsupported.Load()
}

// Run implements Tracker.
func (t *StreamTracker) Run(ctx context.Context, jobID string, observe func(Handle) bool) error {
	if t.unsupported.Load() {
		return t.fallback.Run(ctx, jobID, observe)
	}

	stream, err := t.open(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, ErrStreamUnsupported) {
			t.logger.Info("progress stream unavailable, polling instead",
				slog.String("job_id", jobID),
				slog.String("reason", err.Error()),
			)

			if !t.remember {
				return t.fallback.Run(ctx, jobID, observe)
			}

			if !errors.Is(err, ErrStreamNotFound) {
				t.unsupported.Store(true)
				return t.fallback.Run(ctx, jobID, observe)
			}

			return t.confirmMissingStream(ctx, jobID, observe)
		}

		if apierr.IsTransient(err) {
			t.logger.Warn("progress stream failed to open, polling instead",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)

			return t.fallback.Run(ctx, jobID, observe)
		}

		return err
	}
	defer stream.Close()

	for {
		h, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			if errors.Is(err, apierr.ErrProtocol) {
				return err
			}

			t.logger.Warn("progress stream ended before a terminal status, polling instead",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)

			return t.fallback.Run(ctx, jobID, observe)
		}

		if !observe(h) || h.Status.Terminal() {
			return nil
		}
	}
}

// confirmMissingStream handles a job-scoped "no stream" answer. The stream
// is only remembered as unsupported once a status read shows the job
// exists; an unknown job ends the subscription with that read's error.
func (t *StreamTracker) confirmMissingStream(ctx context.Context, jobID string, observe func(Handle) bool) error {
	h, err := t.fallback.read(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if apierr.IsTransient(err) {
			return t.fallback.Run(ctx, jobID, observe)
		}

		return err
	}

	t.unsupported.Store(true)

	if !observe(h) || h.Status.Terminal() {
		return nil
	}

	return t.fallback.Run(ctx, jobID, observe)
}

// wsStream adapts a websocket carrying one JSON status object per message.
type wsStream struct {
	conn  *websocket.Conn
	jobID string
}

// Next implements Stream.
func (s *wsStream) Next(ctx context.Context) (Handle, error) {
	var raw json.RawMessage
	if err := wsjson.Read(ctx, s.conn, &raw); err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return Handle{}, io.EOF
		}

		return Handle{}, apierr.New(opStream, apierr.ErrNetwork, err)
	}

	h, err := decodeHandle(opStream, raw)
	if err != nil {
		return Handle{}, err
	}

	if h.JobID != s.jobID {
		return Handle{}, apierr.Newf(opStream, apierr.ErrProtocol, "stream for job %q carried job %q", s.jobID, h.JobID)
	}

	return h, nil
}

// Close implements Stream.
func (s *wsStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// timeSleep waits for d or until ctx is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
