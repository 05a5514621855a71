// Package vps is a client for a remote job-processing service (the VPS).
//
// A Client submits jobs, reads their status and follows their progress
// until they finish. Bearer credentials are obtained with the configured
// API key, cached, and refreshed on demand; concurrent callers share a
// single refresh. Any call the service rejects as unauthenticated is
// retried exactly once with a fresh credential.
//
//	c, err := vps.New(vps.Options{BaseURL: "https://vps.example.com", APIKey: key})
//	h, err := c.SubmitJob(ctx, "ocr", map[string]string{"url": u})
//	sub, err := c.TrackProgress(ctx, h.JobID, func(ev vps.ProgressEvent) { ... })
//	err = sub.Wait(ctx)
package vps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/vps-go/internal/apierr"
	"github.com/tonimelisma/vps-go/internal/credential"
	"github.com/tonimelisma/vps-go/internal/jobs"
	"github.com/tonimelisma/vps-go/internal/transport"
)

// Error kinds, matched with errors.Is. Kind reports the primary one.
var (
	ErrValidation     = apierr.ErrValidation
	ErrAuthentication = apierr.ErrAuthentication
	ErrNotFound       = apierr.ErrNotFound
	ErrTimeout        = apierr.ErrTimeout
	ErrNetwork        = apierr.ErrNetwork
	ErrProtocol       = apierr.ErrProtocol
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("vps: client is closed")

// Error carries the failed operation, the HTTP context and the cause.
type Error = apierr.Error

// Kind returns the taxonomy kind of err, or nil if it has none.
func Kind(err error) error {
	return apierr.Kind(err)
}

// Re-exported job types.
type (
	Status        = jobs.Status
	Submission    = jobs.Submission
	Handle        = jobs.Handle
	ProgressEvent = jobs.ProgressEvent
	Subscription  = jobs.Subscription
	Credential    = credential.Credential
)

// Job statuses.
const (
	StatusQueued    = jobs.StatusQueued
	StatusRunning   = jobs.StatusRunning
	StatusCompleted = jobs.StatusCompleted
	StatusFailed    = jobs.StatusFailed
)

// NewSubmission builds an immutable job request. See Client.Submit.
func NewSubmission(processingType string, data any) (Submission, error) {
	return jobs.NewSubmission(processingType, data)
}

// ProgressMode selects how subscriptions observe a job.
type ProgressMode string

// Progress modes.
const (
	// ProgressPoll reads status repeatedly.
	ProgressPoll ProgressMode = "poll"
	// ProgressStream uses the server-push stream and polls when it is
	// unavailable or drops.
	ProgressStream ProgressMode = "stream"
	// ProgressAuto behaves like ProgressStream until the service reports
	// the stream unsupported once, then polls for the life of the Client.
	ProgressAuto ProgressMode = "auto"
)

// PollPolicy controls polling cadence. Zero fields take defaults.
type PollPolicy struct {
	Interval             time.Duration
	MaxInterval          time.Duration
	BackoffFactor        float64
	MaxConsecutiveErrors int
}

// Options configures a Client. BaseURL is required; APIKey may be set later
// with SetAPIKey or WatchKeyFile.
type Options struct {
	BaseURL   string
	APIKey    string
	UserAgent string

	RequestTimeout time.Duration // per-request default, 30s when zero
	ConnectTimeout time.Duration

	// Certificate trust for this Client only.
	CAFile             string
	InsecureSkipVerify bool
	ForceHTTP11        bool

	SafetyMargin   time.Duration // credentials expiring sooner are refreshed
	RefreshTimeout time.Duration

	ProgressMode ProgressMode
	Poll         PollPolicy

	// HTTPClient overrides the client built from the TLS options.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client is safe for concurrent use. One Client shares one connection pool
// and one credential cache across all callers.
type Client struct {
	transport *transport.Transport
	creds     *credential.Manager
	jobs      *jobs.Client
	tracker   jobs.Tracker
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
	subs   map[*Subscription]struct{}
}

// New creates a Client from opts.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := transport.New(transport.Options{
		BaseURL:            opts.BaseURL,
		UserAgent:          opts.UserAgent,
		Timeout:            opts.RequestTimeout,
		ConnectTimeout:     opts.ConnectTimeout,
		CAFile:             opts.CAFile,
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ForceHTTP11:        opts.ForceHTTP11,
		HTTPClient:         opts.HTTPClient,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("vps: %w", err)
	}

	creds := credential.NewManager(tr, credential.Options{
		APIKey:         opts.APIKey,
		SafetyMargin:   opts.SafetyMargin,
		RefreshTimeout: opts.RefreshTimeout,
		Logger:         logger,
	})

	c := &Client{
		transport: tr,
		creds:     creds,
		jobs:      jobs.NewClient(tr, creds, logger),
		logger:    logger,
		subs:      make(map[*Subscription]struct{}),
	}

	tracker, err := c.newTracker(opts.ProgressMode, opts.Poll)
	if err != nil {
		return nil, err
	}

	c.tracker = tracker

	return c, nil
}

func (c *Client) newTracker(mode ProgressMode, p PollPolicy) (jobs.Tracker, error) {
	poll := jobs.NewPollTracker(c.readStatus, jobs.PollPolicy{
		Interval:             p.Interval,
		MaxInterval:          p.MaxInterval,
		BackoffFactor:        p.BackoffFactor,
		MaxConsecutiveErrors: p.MaxConsecutiveErrors,
	}, c.logger)

	switch mode {
	case ProgressPoll:
		return poll, nil
	case ProgressStream:
		return jobs.NewStreamTracker(c.openStream, poll, false, c.logger), nil
	case ProgressAuto, "":
		return jobs.NewStreamTracker(c.openStream, poll, true, c.logger), nil
	default:
		return nil, fmt.Errorf("vps: unknown progress mode %q", mode)
	}
}

// SubmitJob validates and submits a job. data is encoded to JSON at call
// time; invalid input fails with ErrValidation before any network call.
func (c *Client) SubmitJob(ctx context.Context, processingType string, data any) (Handle, error) {
	sub, err := jobs.NewSubmission(processingType, data)
	if err != nil {
		return Handle{}, err
	}

	return c.Submit(ctx, sub)
}

// Submit sends a prepared Submission.
func (c *Client) Submit(ctx context.Context, sub Submission) (Handle, error) {
	if err := c.checkOpen(); err != nil {
		return Handle{}, err
	}

	if err := sub.Validate(); err != nil {
		return Handle{}, err
	}

	return withAuthRetry(ctx, c, "submit", func(ctx context.Context) (Handle, error) {
		return c.jobs.Submit(ctx, sub)
	})
}

// GetJobStatus reads the current state of jobID once.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (Handle, error) {
	if err := c.checkOpen(); err != nil {
		return Handle{}, err
	}

	return c.readStatus(ctx, jobID)
}

// TrackProgress follows jobID until it reaches a terminal status, calling
// onEvent on every observed change. onEvent runs on the subscription's
// goroutine; it may call Cancel.
func (c *Client) TrackProgress(ctx context.Context, jobID string, onEvent func(ProgressEvent)) (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	sub, err := c.jobs.Track(ctx, jobID, c.tracker, onEvent)
	if err != nil {
		return nil, err
	}

	c.subs[sub] = struct{}{}

	go func() {
		<-sub.Done()

		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
	}()

	return sub, nil
}

// GetAuthToken returns a bearer credential valid for at least the safety
// margin, fetching one if needed.
func (c *Client) GetAuthToken(ctx context.Context) (Credential, error) {
	if err := c.checkOpen(); err != nil {
		return Credential{}, err
	}

	return c.creds.Acquire(ctx)
}

// TokenSource exposes the credential cache as an oauth2.TokenSource, for
// use with oauth2.NewClient against other VPS endpoints.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.creds.TokenSource(ctx)
}

// Invalidate drops the cached credential. The next call fetches a new one.
func (c *Client) Invalidate() {
	c.creds.Invalidate()
}

// SetAPIKey replaces the API key and drops the cached credential.
func (c *Client) SetAPIKey(key string) {
	c.creds.SetAPIKey(key)
}

// WatchKeyFile loads the API key from path and reloads it whenever the file
// changes, until ctx is done.
func (c *Client) WatchKeyFile(ctx context.Context, path string) error {
	return c.creds.WatchKeyFile(ctx, path)
}

// Health probes GET /health.
func (c *Client) Health(ctx context.Context) error {
	if err := c.checkOpen(); err != nil {
		return err
	}

	return c.transport.Health(ctx)
}

// BaseURL returns the service base URL.
func (c *Client) BaseURL() string {
	return c.transport.BaseURL()
}

// Close cancels every live subscription and releases idle connections.
// Later calls fail with ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	subs := make([]*Subscription, 0, len(c.subs))

	for s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}

	c.transport.CloseIdleConnections()
	c.logger.Debug("client closed", slog.Int("subscriptions_canceled", len(subs)))

	return nil
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	return nil
}

func (c *Client) readStatus(ctx context.Context, jobID string) (Handle, error) {
	return withAuthRetry(ctx, c, "status", func(ctx context.Context) (Handle, error) {
		return c.jobs.Status(ctx, jobID)
	})
}

func (c *Client) openStream(ctx context.Context, jobID string) (jobs.Stream, error) {
	return withAuthRetry(ctx, c, "stream", func(ctx context.Context) (jobs.Stream, error) {
		return c.jobs.OpenStream(ctx, jobID)
	})
}

// withAuthRetry runs call, and if it fails with ErrAuthentication, drops
// the cached credential and runs it exactly once more. Other failures and
// the second authentication failure are returned unchanged.
func withAuthRetry[T any](ctx context.Context, c *Client, op string, call func(context.Context) (T, error)) (T, error) {
	v, err := call(ctx)
	if err == nil || !errors.Is(err, apierr.ErrAuthentication) || ctx.Err() != nil {
		return v, err
	}

	c.logger.Info("request rejected as unauthenticated, retrying with a fresh credential",
		slog.String("op", op),
	)

	c.creds.Invalidate()

	return call(ctx)
}
