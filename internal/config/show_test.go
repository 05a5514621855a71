package config

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testResolved() *Resolved {
	return &Resolved{
		ConfigPath:           "/home/user/.config/vps-go/config.toml",
		BaseURL:              "https://vps.example.com",
		RequestTimeout:       30 * time.Second,
		ConnectTimeout:       10 * time.Second,
		SafetyMargin:         30 * time.Second,
		RefreshTimeout:       15 * time.Second,
		ProgressMode:         "auto",
		PollInterval:         time.Second,
		PollMaxInterval:      15 * time.Second,
		PollBackoffFactor:    1.5,
		MaxConsecutiveErrors: 5,
		LogLevel:             "info",
		LogFormat:            "auto",
		Listen:               "127.0.0.1:8088",
		LedgerPath:           "/home/user/.local/share/vps-go/jobs.db",
		LedgerEnabled:        true,
	}
}

func TestRenderEffective_Sections(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderEffective(testResolved(), &buf))

	output := buf.String()
	for _, section := range []string{"[service]", "[auth]", "[progress]", "[logging]", "[gateway]", "[ledger]"} {
		assert.Contains(t, output, section)
	}

	assert.Contains(t, output, `"https://vps.example.com"`)
	assert.Contains(t, output, `request_timeout      = "30s"`)
	assert.Contains(t, output, `poll_backoff_factor    = 1.5`)
	assert.Contains(t, output, "api_key              = (not set)")
	assert.NotContains(t, output, "allowed_origins")
}

func TestRenderEffective_APIKeyNeverPrinted(t *testing.T) {
	r := testResolved()
	r.APIKey = "super-secret-value"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	assert.NotContains(t, buf.String(), "super-secret-value")
	assert.Contains(t, buf.String(), "(set from VPS_API_KEY)")
}

func TestRenderEffective_OptionalFieldsShown(t *testing.T) {
	r := testResolved()
	r.APIKeyFile = "/run/secrets/vps"
	r.CAFile = "/etc/ssl/vps-ca.pem"
	r.UserAgent = "vps-go-test"
	r.AllowedOrigins = []string{"https://app.example.com"}

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	output := buf.String()
	assert.Contains(t, output, "api_key_file")
	assert.Contains(t, output, "ca_file")
	assert.Contains(t, output, "user_agent")
	assert.Contains(t, output, `allowed_origins = ["https://app.example.com"]`)
}

// failWriter is a writer that always fails, used to exercise error paths
// in the errWriter pattern.
type failWriter struct{}

var errWriteFailed = errors.New("write failed")

func (failWriter) Write([]byte) (int, error) {
	return 0, errWriteFailed
}

func TestRenderEffective_WriteError(t *testing.T) {
	err := RenderEffective(testResolved(), failWriter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errWriteFailed)
}

func TestJoinQuoted(t *testing.T) {
	assert.Equal(t, `"a", "b", "c"`, joinQuoted([]string{"a", "b", "c"}))
	assert.Equal(t, `"single"`, joinQuoted([]string{"single"}))
	assert.Equal(t, "", joinQuoted(nil))
}
