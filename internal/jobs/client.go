package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"

	"github.com/tonimelisma/vps-go/internal/apierr"
	"github.com/tonimelisma/vps-go/internal/credential"
	"github.com/tonimelisma/vps-go/internal/transport"
)

// Operation names used in errors.
const (
	opSubmit = "submit"
	opStatus = "status"
	opStream = "stream"
)

// ErrStreamUnsupported means the service has no progress stream for this
// job or at all. Stream trackers fall back to polling on it.
var ErrStreamUnsupported = errors.New("jobs: progress stream not supported")

// ErrStreamNotFound is the job-scoped form of ErrStreamUnsupported: the
// stream endpoint answered 400 or 404, which a streaming service also
// returns for an unknown job id. It matches ErrStreamUnsupported.
var ErrStreamNotFound = fmt.Errorf("%w for this job", ErrStreamUnsupported)

// Remote is the subset of *transport.Transport the job client needs.
type Remote interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
	Dial(ctx context.Context, path string, header http.Header) (*websocket.Conn, error)
}

// CredentialSource hands out bearer credentials. *credential.Manager
// implements it.
type CredentialSource interface {
	Acquire(ctx context.Context) (credential.Credential, error)
}

// Client talks to the /jobs endpoints.
type Client struct {
	remote Remote
	creds  CredentialSource
	logger *slog.Logger
}

// NewClient creates a job client.
func NewClient(remote Remote, creds CredentialSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		remote: remote,
		creds:  creds,
		logger: logger,
	}
}

func (c *Client) authHeader(ctx context.Context) (http.Header, error) {
	cred, err := c.creds.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return http.Header{"Authorization": []string{cred.AuthorizationValue()}}, nil
}

// Submit validates sub locally and posts it. The service must answer with
// {jobId, status}; any other shape is a protocol error.
func (c *Client) Submit(ctx context.Context, sub Submission) (Handle, error) {
	if err := sub.Validate(); err != nil {
		return Handle{}, err
	}

	header, err := c.authHeader(ctx)
	if err != nil {
		return Handle{}, err
	}

	resp, err := c.remote.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "/jobs",
		Body:   sub,
		Header: header,
	})
	if err != nil {
		return Handle{}, transport.ClassifyStatus(opSubmit, err)
	}

	h, err := decodeResponse(opSubmit, resp)
	if err != nil {
		return Handle{}, err
	}

	c.logger.Info("job submitted",
		slog.String("job_id", h.JobID),
		slog.String("processing_type", sub.ProcessingType()),
		slog.String("status", string(h.Status)),
	)

	return h, nil
}

// Status reads the current state of jobID once.
func (c *Client) Status(ctx context.Context, jobID string) (Handle, error) {
	if jobID == "" {
		return Handle{}, apierr.Newf(opStatus, apierr.ErrValidation, "job id is required")
	}

	header, err := c.authHeader(ctx)
	if err != nil {
		return Handle{}, err
	}

	resp, err := c.remote.Send(ctx, transport.Request{
		Method: http.MethodGet,
		Path:   jobPath(jobID),
		Header: header,
	})
	if err != nil {
		return Handle{}, transport.ClassifyStatus(opStatus, err)
	}

	h, err := decodeResponse(opStatus, resp)
	if err != nil {
		return Handle{}, err
	}

	if h.JobID != jobID {
		return Handle{}, apierr.Newf(opStatus, apierr.ErrProtocol, "asked for job %q, got %q", jobID, h.JobID)
	}

	c.logger.Debug("job status read",
		slog.String("job_id", jobID),
		slog.String("status", string(h.Status)),
	)

	return h, nil
}

// OpenStream opens the server-push progress stream for jobID. Answers that
// mean "no stream here" are reported as ErrStreamUnsupported.
func (c *Client) OpenStream(ctx context.Context, jobID string) (Stream, error) {
	if jobID == "" {
		return nil, apierr.Newf(opStream, apierr.ErrValidation, "job id is required")
	}

	header, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	conn, err := c.remote.Dial(ctx, jobPath(jobID)+"/progress", header)
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) {
			switch se.StatusCode {
			case http.StatusBadRequest, http.StatusNotFound:
				return nil, fmt.Errorf("%w: HTTP %d", ErrStreamNotFound, se.StatusCode)
			case http.StatusMethodNotAllowed, http.StatusUpgradeRequired, http.StatusNotImplemented:
				return nil, fmt.Errorf("%w: HTTP %d", ErrStreamUnsupported, se.StatusCode)
			}
		}

		return nil, transport.ClassifyStatus(opStream, err)
	}

	return &wsStream{conn: conn, jobID: jobID}, nil
}

// Track starts a subscription for jobID using tracker and this client's
// logger. See Watch.
func (c *Client) Track(ctx context.Context, jobID string, tracker Tracker, onEvent func(ProgressEvent)) (*Subscription, error) {
	return Watch(ctx, jobID, tracker, onEvent, c.logger)
}

func jobPath(jobID string) string {
	return "/jobs/" + url.PathEscape(jobID)
}

func decodeResponse(op string, resp *transport.Response) (Handle, error) {
	var raw json.RawMessage
	if err := resp.Decode(op, &raw); err != nil {
		return Handle{}, err
	}

	h, err := decodeHandle(op, raw)
	if err != nil {
		var apiErr *apierr.Error
		if errors.As(err, &apiErr) {
			apiErr.StatusCode = resp.StatusCode
			apiErr.RequestID = resp.RequestID
		}

		return Handle{}, err
	}

	return h, nil
}
