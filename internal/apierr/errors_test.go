package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   error
	}{
		{"bad request", http.StatusBadRequest, ErrValidation},
		{"unprocessable", http.StatusUnprocessableEntity, ErrValidation},
		{"unauthorized", http.StatusUnauthorized, ErrAuthentication},
		{"forbidden", http.StatusForbidden, ErrAuthentication},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"request timeout", http.StatusRequestTimeout, ErrTimeout},
		{"gateway timeout", http.StatusGatewayTimeout, ErrTimeout},
		{"server error", http.StatusInternalServerError, ErrNetwork},
		{"bad gateway", http.StatusBadGateway, ErrNetwork},
		{"conflict", http.StatusConflict, ErrProtocol},
		{"teapot", http.StatusTeapot, ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindForStatus(tt.status))
		})
	}
}

func TestError_UnwrapMatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("status", ErrNetwork, cause)

	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrTimeout)

	wrapped := fmt.Errorf("outer: %w", err)

	var apiErr *Error
	require.ErrorAs(t, wrapped, &apiErr)
	assert.Equal(t, "status", apiErr.Op)
	assert.Equal(t, ErrNetwork, Kind(wrapped))
}

func TestError_Message(t *testing.T) {
	err := &Error{Op: "submit", Kind: ErrValidation, StatusCode: 400, RequestID: "r-1", Message: "bad payload"}
	assert.Equal(t, "vps: validation failed: submit: HTTP 400 (request-id: r-1): bad payload", err.Error())

	err = Newf("submit", ErrValidation, "processingType is %s", "empty")
	assert.Equal(t, "vps: validation failed: submit: processingType is empty", err.Error())

	err = &Error{Op: "acquire", Kind: ErrAuthentication}
	assert.Equal(t, "vps: authentication failed: acquire", err.Error())
}

func TestKind_Foreign(t *testing.T) {
	assert.Nil(t, Kind(errors.New("something else")))
	assert.Nil(t, Kind(nil))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(New("x", ErrNetwork, nil)))
	assert.True(t, IsTransient(New("x", ErrTimeout, nil)))
	assert.False(t, IsTransient(New("x", ErrAuthentication, nil)))
	assert.False(t, IsTransient(New("x", ErrProtocol, nil)))

	// A refresh that failed on the network is still an authentication failure.
	assert.False(t, IsTransient(New("acquire", ErrAuthentication, New("POST /auth/token", ErrNetwork, nil))))
}
