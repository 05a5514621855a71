// Package credential obtains, caches and refreshes the bearer credential
// used for every VPS call. At most one token request is outstanding at any
// time no matter how many goroutines call Acquire concurrently.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/vps-go/internal/apierr"
	"github.com/tonimelisma/vps-go/internal/transport"
)

// Defaults for Options fields left zero.
const (
	DefaultSafetyMargin   = 30 * time.Second
	DefaultRefreshTimeout = 15 * time.Second
)

const (
	tokenPath    = "/auth/token"
	headerAPIKey = "X-API-Key"
	opAcquire    = "acquire"
)

// Credential is a bearer token and the instant it stops being accepted.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// ValidAt reports whether the credential is still usable at now with at
// least margin to spare.
func (c Credential) ValidAt(now time.Time, margin time.Duration) bool {
	return c.Token != "" && c.ExpiresAt.After(now.Add(margin))
}

// AuthorizationValue is the value for the Authorization header.
func (c Credential) AuthorizationValue() string {
	return "Bearer " + c.Token
}

// SetAuthHeader sets the Authorization header on r.
func (c Credential) SetAuthHeader(r *http.Request) {
	r.Header.Set("Authorization", c.AuthorizationValue())
}

// Sender is the subset of *transport.Transport the manager needs.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Options configures a Manager.
type Options struct {
	APIKey         string
	SafetyMargin   time.Duration
	RefreshTimeout time.Duration
	Logger         *slog.Logger
}

// Manager caches one Credential and coalesces concurrent refreshes.
type Manager struct {
	sender         Sender
	logger         *slog.Logger
	margin         time.Duration
	refreshTimeout time.Duration

	// now is overridden by tests to move the clock.
	now func() time.Time

	// mu guards apiKey, cached and gen. It is never held across I/O.
	mu     sync.RWMutex
	apiKey string
	cached *Credential
	gen    uint64 // bumped by Invalidate; refreshes from older gens are discarded

	group    singleflight.Group
	requests atomic.Int64
}

// NewManager creates a Manager that fetches tokens through sender.
func NewManager(sender Sender, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		sender:         sender,
		logger:         logger,
		margin:         opts.SafetyMargin,
		refreshTimeout: opts.RefreshTimeout,
		now:            time.Now,
		apiKey:         opts.APIKey,
	}

	if m.margin <= 0 {
		m.margin = DefaultSafetyMargin
	}

	if m.refreshTimeout <= 0 {
		m.refreshTimeout = DefaultRefreshTimeout
	}

	return m
}

// Acquire returns a credential valid for at least the safety margin.
//
// A valid cached credential is returned without I/O. Otherwise the caller
// joins the refresh already in flight, or starts one. A caller whose ctx
// ends stops waiting; the shared refresh keeps running under its own
// timeout so other waiters are unaffected.
func (m *Manager) Acquire(ctx context.Context) (Credential, error) {
	m.mu.RLock()
	cached, gen, key := m.cached, m.gen, m.apiKey
	m.mu.RUnlock()

	if cached != nil && cached.ValidAt(m.now(), m.margin) {
		return *cached, nil
	}

	if key == "" {
		return Credential{}, apierr.Newf(opAcquire, apierr.ErrAuthentication, "no API key configured")
	}

	ch := m.group.DoChan(flightKey(gen), func() (any, error) {
		return m.refresh(gen, key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Credential{}, res.Err
		}

		cred, ok := res.Val.(Credential)
		if !ok {
			return Credential{}, apierr.Newf(opAcquire, apierr.ErrAuthentication, "unexpected refresh result %T", res.Val)
		}

		return cred, nil
	case <-ctx.Done():
		return Credential{}, fmt.Errorf("credential: acquire canceled: %w", ctx.Err())
	}
}

// Invalidate drops the cached credential and detaches any refresh in
// flight, so the next Acquire always issues a new request.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	old := m.gen
	m.cached = nil
	m.gen++
	m.mu.Unlock()

	m.group.Forget(flightKey(old))
	m.logger.Debug("credential invalidated")
}

// SetAPIKey swaps the API key. The cached credential belongs to the old key
// and is invalidated.
func (m *Manager) SetAPIKey(key string) {
	m.mu.Lock()
	if m.apiKey == key {
		m.mu.Unlock()
		return
	}

	m.apiKey = key
	m.mu.Unlock()

	m.logger.Info("API key changed, invalidating credential")
	m.Invalidate()
}

// Requests returns how many token requests the manager has issued.
func (m *Manager) Requests() int64 {
	return m.requests.Load()
}

func flightKey(gen uint64) string {
	return strconv.FormatUint(gen, 10)
}

// tokenResponse is the body of POST /auth/token.
type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
}

// refresh performs the single network request for generation gen. It runs
// detached from any caller's context, bounded by refreshTimeout.
func (m *Manager) refresh(gen uint64, key string) (Credential, error) {
	m.requests.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	m.logger.Debug("requesting bearer credential")

	header := http.Header{}
	header.Set(headerAPIKey, key)

	resp, err := m.sender.Send(ctx, transport.Request{
		Method:  http.MethodPost,
		Path:    tokenPath,
		Header:  header,
		Timeout: m.refreshTimeout,
	})
	if err != nil {
		m.logger.Warn("credential request failed", slog.String("error", err.Error()))

		var se *transport.StatusError
		if errors.As(err, &se) {
			return Credential{}, transport.Classify(opAcquire, err, apierr.ErrAuthentication)
		}

		return Credential{}, apierr.New(opAcquire, apierr.ErrAuthentication, err)
	}

	cred, err := m.parse(resp)
	if err != nil {
		return Credential{}, apierr.New(opAcquire, apierr.ErrAuthentication, err)
	}

	if !cred.ValidAt(m.now(), m.margin) {
		return Credential{}, apierr.Newf(opAcquire, apierr.ErrAuthentication,
			"issued credential expires at %s, inside the %s safety margin", cred.ExpiresAt.Format(time.RFC3339), m.margin)
	}

	m.mu.Lock()
	stored := m.gen == gen
	if stored {
		m.cached = &cred
	}
	m.mu.Unlock()

	m.logger.Info("bearer credential acquired",
		slog.Time("expires_at", cred.ExpiresAt),
		slog.Bool("cached", stored),
	)

	return cred, nil
}

// parse decodes the token response. A missing expiresAt is recovered from
// the token's own exp claim when the token is a JWT.
func (m *Manager) parse(resp *transport.Response) (Credential, error) {
	var body tokenResponse
	if err := resp.Decode(opAcquire, &body); err != nil {
		return Credential{}, err
	}

	if body.Token == "" {
		return Credential{}, apierr.Newf(opAcquire, apierr.ErrProtocol, "token response has no token")
	}

	if body.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339Nano, body.ExpiresAt)
		if err != nil {
			return Credential{}, &apierr.Error{Op: opAcquire, Kind: apierr.ErrProtocol, Message: "expiresAt is not ISO-8601", Err: err}
		}

		return Credential{Token: body.Token, ExpiresAt: exp}, nil
	}

	exp, err := jwtExpiry(body.Token)
	if err != nil {
		return Credential{}, &apierr.Error{Op: opAcquire, Kind: apierr.ErrProtocol, Message: "token response has no expiresAt", Err: err}
	}

	return Credential{Token: body.Token, ExpiresAt: exp}, nil
}

// jwtExpiry reads the exp claim without verifying the signature. The
// server is the authority on validity; this only tells us when to refresh.
func jwtExpiry(token string) (time.Time, error) {
	claims := &jwt.RegisteredClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("credential: token is not a JWT: %w", err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("credential: JWT has no exp claim")
	}

	return claims.ExpiresAt.Time, nil
}

// TokenSource adapts the manager to oauth2.TokenSource. ctx bounds each
// Token call and must outlive the returned source.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, m: m}
}

type tokenSource struct {
	ctx context.Context //nolint:containedctx // oauth2.TokenSource has no ctx parameter
	m   *Manager
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	cred, err := s.m.Acquire(s.ctx)
	if err != nil {
		return nil, err
	}

	return &oauth2.Token{
		AccessToken: cred.Token,
		TokenType:   "Bearer",
		Expiry:      cred.ExpiresAt,
	}, nil
}
