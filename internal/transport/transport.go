// Package transport is the thin HTTP executor underneath the VPS client. It
// builds requests, attaches headers, applies timeouts and surfaces raw
// failures. It does not interpret status codes and holds no state between
// calls beyond its configuration.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tonimelisma/vps-go/internal/apierr"
)

// Defaults applied when Options leaves a field zero.
const (
	DefaultTimeout        = 30 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultUserAgent      = "vps-go/0.1"

	// maxErrorBody caps how much of a non-2xx body is kept for diagnostics.
	maxErrorBody = 4096
)

// Header names used on every request.
const (
	HeaderRequestID = "X-Request-ID"
	headerUserAgent = "User-Agent"
	headerCT        = "Content-Type"
	contentTypeJSON = "application/json"
)

// Options configures a Transport. Certificate trust is configured here, per
// instance, and never through process-wide state.
type Options struct {
	BaseURL            string
	UserAgent          string
	Timeout            time.Duration // default per-request timeout
	ConnectTimeout     time.Duration
	CAFile             string // extra PEM roots appended to the system pool
	InsecureSkipVerify bool
	ForceHTTP11        bool

	// HTTPClient replaces the client built from the TLS options. Tests use
	// it to talk to httptest servers. Its Timeout must be zero; deadlines
	// come from the request context.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Transport executes single HTTP requests against the VPS base URL.
type Transport struct {
	baseURL    string
	userAgent  string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Transport from opts.
func New(opts Options) (*Transport, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("transport: base URL is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	hc := opts.HTTPClient
	if hc == nil {
		built, err := buildHTTPClient(opts)
		if err != nil {
			return nil, err
		}

		hc = built
	}

	t := &Transport{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		userAgent:  opts.UserAgent,
		timeout:    opts.Timeout,
		httpClient: hc,
		logger:     logger,
	}

	if t.userAgent == "" {
		t.userAgent = DefaultUserAgent
	}

	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}

	return t, nil
}

// BaseURL returns the base URL every path is resolved against.
func (t *Transport) BaseURL() string {
	return t.baseURL
}

// CloseIdleConnections releases pooled keep-alive connections.
func (t *Transport) CloseIdleConnections() {
	t.httpClient.CloseIdleConnections()
}

// buildHTTPClient creates a dedicated *http.Client whose TLS settings apply
// to this Transport only.
func buildHTTPClient(opts Options) (*http.Client, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // opt-in for self-signed dev servers
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("transport: reading CA file %s: %w", opts.CAFile, err)
		}

		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}

		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: CA file %s contains no certificates", opts.CAFile)
		}

		tlsCfg.RootCAs = pool
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("transport: default transport is not *http.Transport")
	}

	rt := base.Clone()
	rt.TLSClientConfig = tlsCfg
	rt.DialContext = (&net.Dialer{Timeout: connectTimeout}).DialContext
	rt.TLSHandshakeTimeout = connectTimeout

	if opts.ForceHTTP11 {
		rt.ForceAttemptHTTP2 = false
		rt.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return &http.Client{Transport: rt}, nil
}

// Request describes one call. Body, when non-nil, is encoded as JSON.
// A zero Timeout uses the Transport default.
type Request struct {
	Method  string
	Path    string
	Body    any
	Header  http.Header
	Timeout time.Duration
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	RequestID  string
}

// Decode unmarshals a JSON body into v. A body whose declared content type
// is not JSON, or that does not parse, is a protocol error.
func (r *Response) Decode(op string, v any) error {
	ct := r.Header.Get(headerCT)
	if ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != contentTypeJSON && !strings.HasSuffix(mt, "+json")) {
			return apierr.Newf(op, apierr.ErrProtocol, "unexpected content type %q", ct)
		}
	}

	if len(bytes.TrimSpace(r.Body)) == 0 {
		return apierr.Newf(op, apierr.ErrProtocol, "empty response body")
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return &apierr.Error{Op: op, Kind: apierr.ErrProtocol, StatusCode: r.StatusCode, RequestID: r.RequestID, Err: err}
	}

	return nil
}

// StatusError is returned by Send for any non-2xx response. Callers map it
// onto the taxonomy themselves.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	RequestID  string
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("transport: %s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, strings.TrimSpace(string(e.Body)))
}

// Classify converts a StatusError into a taxonomy error for op using kind.
// It returns err unchanged when err is not a *StatusError.
func Classify(op string, err error, kind error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}

	return &apierr.Error{
		Op:         op,
		Kind:       kind,
		StatusCode: se.StatusCode,
		RequestID:  se.RequestID,
		Message:    strings.TrimSpace(string(se.Body)),
		Err:        se,
	}
}

// ClassifyStatus is Classify with the kind chosen by apierr.KindForStatus.
func ClassifyStatus(op string, err error) error {
	var se *StatusError
	if !errors.As(err, &se) {
		return err
	}

	return Classify(op, err, apierr.KindForStatus(se.StatusCode))
}

// Send executes req once. It fails with a timeout error when the deadline
// expires, a network error on any other transport failure, and a
// *StatusError for non-2xx responses.
func (t *Transport) Send(ctx context.Context, req Request) (*Response, error) {
	op := req.Method + " " + req.Path

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.timeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := t.newRequest(reqCtx, req)
	if err != nil {
		return nil, err
	}

	reqID := httpReq.Header.Get(HeaderRequestID)
	start := time.Now()

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, t.failure(ctx, reqCtx, op, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, t.failure(ctx, reqCtx, op, timeout, err)
	}

	if serverID := resp.Header.Get(HeaderRequestID); serverID != "" {
		reqID = serverID
	}

	t.logger.Debug("vps request finished",
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", reqID),
		slog.Duration("elapsed", time.Since(start)),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}

		return nil, &StatusError{
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			RequestID:  reqID,
			Body:       body,
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		RequestID:  reqID,
	}, nil
}

func (t *Transport) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var body io.Reader

	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("transport: encoding request body: %w", err)
		}

		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, t.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("transport: creating request: %w", err)
	}

	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpReq.Header.Set(headerUserAgent, t.userAgent)
	httpReq.Header.Set("Accept", contentTypeJSON)

	if httpReq.Header.Get(HeaderRequestID) == "" {
		httpReq.Header.Set(HeaderRequestID, uuid.NewString())
	}

	if req.Body != nil {
		httpReq.Header.Set(headerCT, contentTypeJSON)
	}

	return httpReq, nil
}

// failure classifies a failed round trip. Caller cancellation is passed
// through wrapped; our own deadline becomes a timeout error.
func (t *Transport) failure(parent, reqCtx context.Context, op string, timeout time.Duration, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("transport: %s canceled: %w", op, parent.Err())
	}

	var netErr net.Error
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		t.logger.Warn("vps request timed out",
			slog.String("op", op),
			slog.Duration("timeout", timeout),
		)

		return &apierr.Error{
			Op:      op,
			Kind:    apierr.ErrTimeout,
			Message: fmt.Sprintf("no response within %s", timeout),
			Err:     err,
		}
	}

	t.logger.Warn("vps request failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)

	return apierr.New(op, apierr.ErrNetwork, err)
}

// Dial opens a websocket to path. Non-101 answers come back as
// *StatusError so callers can tell "stream not supported" from a dead
// network. The handshake is bounded by the default timeout; the returned
// connection lives until ctx is done or it is closed.
func (t *Transport) Dial(ctx context.Context, path string, header http.Header) (*websocket.Conn, error) {
	op := "DIAL " + path

	hc := *t.httpClient
	hc.Timeout = 0

	h := header.Clone()
	if h == nil {
		h = http.Header{}
	}

	h.Set(headerUserAgent, t.userAgent)

	if h.Get(HeaderRequestID) == "" {
		h.Set(HeaderRequestID, uuid.NewString())
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, t.baseURL+path, &websocket.DialOptions{
		HTTPClient: &hc,
		HTTPHeader: h,
	})
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &StatusError{
				Method:     http.MethodGet,
				Path:       path,
				StatusCode: resp.StatusCode,
				RequestID:  resp.Header.Get(HeaderRequestID),
			}
		}

		return nil, t.failure(ctx, dialCtx, op, t.timeout, err)
	}

	t.logger.Debug("vps stream opened", slog.String("path", path))

	return conn, nil
}

// Health probes GET /health. A 2xx answer means the service is live.
func (t *Transport) Health(ctx context.Context) error {
	_, err := t.Send(ctx, Request{Method: http.MethodGet, Path: "/health"})
	if err != nil {
		return ClassifyStatus("health", err)
	}

	return nil
}
