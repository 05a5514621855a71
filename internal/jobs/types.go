// Package jobs submits processing jobs to the VPS, reads their status and
// runs progress subscriptions on top of polling or a server-push stream.
package jobs

import (
	"bytes"
	"encoding/json"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/tonimelisma/vps-go/internal/apierr"
)

// Status is the lifecycle state of a remote job.
type Status string

// Lifecycle states, in order. COMPLETED and FAILED are both terminal and
// rank equally.
const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// ParseStatus accepts the wire spelling of a status, case-insensitively.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if st.rank() < 0 {
		return "", false
	}

	return st, true
}

// Terminal reports whether no further transitions can follow s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	case StatusCompleted, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Before reports whether s comes strictly earlier in the lifecycle than o.
func (s Status) Before(o Status) bool {
	return s.rank() < o.rank()
}

// Submission is an immutable job request. Build it with NewSubmission.
type Submission struct {
	processingType string
	data           json.RawMessage
}

// NewSubmission captures processingType and data. processingType is
// trimmed and NFC-normalized; data is encoded to JSON immediately so later
// changes to the caller's value are not observed. Validation happens on
// Validate and again when the submission is sent.
func NewSubmission(processingType string, data any) (Submission, error) {
	sub := Submission{processingType: norm.NFC.String(strings.TrimSpace(processingType))}

	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		sub.data = bytes.Clone(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return Submission{}, &apierr.Error{Op: opSubmit, Kind: apierr.ErrValidation, Message: "data is not JSON-encodable", Err: err}
		}

		sub.data = raw
	}

	return sub, nil
}

// ProcessingType returns the normalized processing type.
func (s Submission) ProcessingType() string {
	return s.processingType
}

// Data returns a copy of the encoded payload.
func (s Submission) Data() json.RawMessage {
	return bytes.Clone(s.data)
}

// Validate checks the submission locally, without any network call.
func (s Submission) Validate() error {
	if s.processingType == "" {
		return apierr.Newf(opSubmit, apierr.ErrValidation, "processingType is required")
	}

	trimmed := bytes.TrimSpace(s.data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return apierr.Newf(opSubmit, apierr.ErrValidation, "data is required")
	}

	if !json.Valid(trimmed) {
		return apierr.Newf(opSubmit, apierr.ErrValidation, "data is not valid JSON")
	}

	return nil
}

// MarshalJSON encodes the wire body of POST /jobs.
func (s Submission) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ProcessingType string          `json:"processingType"`
		Data           json.RawMessage `json:"data"`
	}{s.processingType, s.data})
}

// Handle is a point-in-time view of a job, built only from fresh reads.
type Handle struct {
	JobID   string
	Status  Status
	Percent *float64
	Message string

	// Fields holds any additional keys the service returned.
	Fields map[string]json.RawMessage
}

// ProgressEvent is one observed change delivered to a subscriber.
type ProgressEvent struct {
	JobID   string   `json:"jobId"`
	Status  Status   `json:"status"`
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Event projects h onto a ProgressEvent.
func (h Handle) Event() ProgressEvent {
	return ProgressEvent{JobID: h.JobID, Status: h.Status, Percent: h.Percent, Message: h.Message}
}

func (e ProgressEvent) sameAs(o ProgressEvent) bool {
	if e.Status != o.Status || e.Message != o.Message {
		return false
	}

	switch {
	case e.Percent == nil && o.Percent == nil:
		return true
	case e.Percent == nil || o.Percent == nil:
		return false
	default:
		return *e.Percent == *o.Percent
	}
}

// Keys of the status shape that decodeHandle lifts into Handle fields.
const (
	keyJobID   = "jobId"
	keyStatus  = "status"
	keyPercent = "percent"
	keyMessage = "message"
)

// decodeHandle parses the {jobId, status, ...fields} shape. A missing
// jobId, an unknown status or a non-numeric percent is a protocol error.
func decodeHandle(op string, raw []byte) (Handle, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Handle{}, &apierr.Error{Op: op, Kind: apierr.ErrProtocol, Message: "status is not a JSON object", Err: err}
	}

	var h Handle

	if err := stringField(fields, keyJobID, &h.JobID); err != nil || h.JobID == "" {
		return Handle{}, apierr.Newf(op, apierr.ErrProtocol, "response has no jobId")
	}

	var status string
	if err := stringField(fields, keyStatus, &status); err != nil {
		return Handle{}, apierr.Newf(op, apierr.ErrProtocol, "response has no status")
	}

	st, ok := ParseStatus(status)
	if !ok {
		return Handle{}, apierr.Newf(op, apierr.ErrProtocol, "unknown job status %q", status)
	}

	h.Status = st

	if p, ok := fields[keyPercent]; ok && !bytes.Equal(p, []byte("null")) {
		var pct float64
		if err := json.Unmarshal(p, &pct); err != nil {
			return Handle{}, apierr.Newf(op, apierr.ErrProtocol, "percent is not a number")
		}

		pct = min(max(pct, 0), 100)
		h.Percent = &pct
	}

	if m, ok := fields[keyMessage]; ok && !bytes.Equal(m, []byte("null")) {
		if err := json.Unmarshal(m, &h.Message); err != nil {
			return Handle{}, apierr.Newf(op, apierr.ErrProtocol, "message is not a string")
		}
	}

	for _, k := range []string{keyJobID, keyStatus, keyPercent, keyMessage} {
		delete(fields, k)
	}

	if len(fields) > 0 {
		h.Fields = fields
	}

	return h, nil
}

func stringField(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return apierr.Newf("decode", apierr.ErrProtocol, "missing %s", key)
	}

	return json.Unmarshal(raw, dst)
}
