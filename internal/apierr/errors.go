// Package apierr defines the error taxonomy shared by every layer of the VPS
// client: transport, credential manager, job client and facade.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds. Use errors.Is(err, apierr.ErrNotFound) to check.
var (
	ErrValidation     = errors.New("vps: validation failed")
	ErrAuthentication = errors.New("vps: authentication failed")
	ErrNotFound       = errors.New("vps: not found")
	ErrTimeout        = errors.New("vps: timed out")
	ErrNetwork        = errors.New("vps: network error")
	ErrProtocol       = errors.New("vps: protocol violation")
)

// Error wraps a sentinel kind with the operation that failed, the HTTP
// context (when there was a response) and the underlying cause.
type Error struct {
	Op         string // e.g. "submit", "status", "acquire"
	Kind       error  // one of the sentinels above
	StatusCode int    // 0 when no response was received
	RequestID  string
	Message    string
	Err        error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}

	switch {
	case e.StatusCode != 0 && e.RequestID != "":
		return fmt.Sprintf("%s: %s: HTTP %d (request-id: %s): %s", e.Kind, e.Op, e.StatusCode, e.RequestID, msg)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: %s: HTTP %d: %s", e.Kind, e.Op, e.StatusCode, msg)
	case msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

// Unwrap exposes both the kind and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}

	return []error{e.Kind, e.Err}
}

// New builds an *Error with no HTTP context.
func New(op string, kind error, cause error) *Error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// Newf builds an *Error whose message is formatted from args.
func Newf(op string, kind error, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindForStatus maps a non-2xx HTTP status code to a taxonomy kind.
func KindForStatus(code int) error {
	switch code {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuthentication
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrTimeout
	default:
		if code >= http.StatusInternalServerError {
			return ErrNetwork
		}

		return ErrProtocol
	}
}

// Kind returns the taxonomy sentinel carried by err, or nil if err does not
// belong to the taxonomy.
func Kind(err error) error {
	for _, k := range []error{ErrValidation, ErrAuthentication, ErrNotFound, ErrTimeout, ErrNetwork, ErrProtocol} {
		if errors.Is(err, k) {
			return k
		}
	}

	return nil
}

// IsTransient reports whether err is worth retrying after a delay by a
// caller that owns a retry loop (progress subscriptions). Authentication
// failures are not transient here; the facade handles them separately.
func IsTransient(err error) bool {
	if errors.Is(err, ErrAuthentication) {
		return false
	}

	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrTimeout)
}
