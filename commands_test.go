package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/vps-go/internal/config"
	"github.com/tonimelisma/vps-go/testutil"
)

const testAPIKey = "cli-test-key"

// cliEnv is an isolated environment for running commands end to end
// against a fake VPS.
type cliEnv struct {
	fake       *testutil.FakeServer
	configPath string
	ledgerPath string
}

// newCLIEnv starts a fake VPS, writes a config file pointing at it and
// sets the API key in the environment. Tests using it cannot be parallel.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	fake := testutil.NewFakeServer(t, testAPIKey)
	ledgerPath := filepath.Join(dir, "jobs.db")

	configPath := testutil.WriteFile(t, dir, "config.toml", `
[service]
base_url = "`+fake.URL+`"

[progress]
poll_interval = "100ms"
poll_max_interval = "200ms"

[logging]
log_level = "error"

[ledger]
path = "`+ledgerPath+`"
`)

	t.Setenv(config.EnvAPIKey, testAPIKey)
	t.Setenv(config.EnvAPIKeyFile, "")
	t.Setenv(config.EnvBaseURL, "")
	t.Setenv(config.EnvConfig, "")
	t.Setenv("XDG_DATA_HOME", dir)

	return &cliEnv{fake: fake, configPath: configPath, ledgerPath: ledgerPath}
}

// run executes the CLI with args and returns what it wrote to stdout.
func (e *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	return runCLI(t, append([]string{"--config", e.configPath, "--quiet"}, args...)...)
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(""))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func TestSubmit_PrintsHandle(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--json", "submit", "resize", "--data", `{"width":100}`)
	require.NoError(t, err)

	var h handleView
	require.NoError(t, json.Unmarshal([]byte(out), &h))
	assert.NotEmpty(t, h.JobID)
	assert.Equal(t, "QUEUED", string(h.Status))

	typ, data, ok := env.fake.Submitted(h.JobID)
	require.True(t, ok)
	assert.Equal(t, "resize", typ)
	assert.JSONEq(t, `{"width":100}`, string(data))
}

func TestSubmit_WaitFollowsToCompletion(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "submit", "resize", "--data", `{"width":100}`, "--wait")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "COMPLETED")
	assert.Contains(t, lines[len(lines)-1], "100%")
	assert.Contains(t, lines[len(lines)-1], "done")
}

func TestSubmit_WaitFailedJobReturnsErrJobFailed(t *testing.T) {
	env := newCLIEnv(t)
	env.fake.SetScript([]testutil.JobState{
		{Status: "QUEUED"},
		{Status: "FAILED", Message: "out of memory"},
	})

	out, err := env.run(t, "submit", "resize", "--data", `{}`, "--wait")
	require.ErrorIs(t, err, errJobFailed)
	assert.Contains(t, out, "out of memory")
}

func TestSubmit_DataFromStdinAndFile(t *testing.T) {
	env := newCLIEnv(t)

	path := testutil.WriteFile(t, t.TempDir(), "payload.json", `{"from":"file"}`)

	out, err := env.run(t, "--json", "submit", "ocr", "--data-file", path)
	require.NoError(t, err)

	var h handleView
	require.NoError(t, json.Unmarshal([]byte(out), &h))

	_, data, ok := env.fake.Submitted(h.JobID)
	require.True(t, ok)
	assert.JSONEq(t, `{"from":"file"}`, string(data))
}

func TestSubmit_ValidationIsLocal(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing data", []string{"submit", "resize"}, "data is required"},
		{"invalid JSON", []string{"submit", "resize", "--data", "{nope"}, "not valid JSON"},
		{"blank type", []string{"submit", "   ", "--data", "{}"}, "processingType is required"},
		{"both sources", []string{"submit", "resize", "--data", "{}", "--data-file", "x.json"}, "none of the others can be"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.Zero(t, env.fake.SubmitRequests())
	assert.Zero(t, env.fake.TokenRequests())
}

func TestSubmit_NoAPIKey(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv(config.EnvAPIKey, "")

	_, err := env.run(t, "submit", "resize", "--data", "{}")
	require.ErrorIs(t, err, errNoAPIKey)
}

func TestSubmit_APIKeyFromFile(t *testing.T) {
	keyPath := testutil.WriteFile(t, t.TempDir(), "key", testAPIKey+"\n")
	env := newCLIEnv(t)
	t.Setenv(config.EnvAPIKey, "")
	t.Setenv(config.EnvAPIKeyFile, keyPath)

	_, err := env.run(t, "submit", "resize", "--data", "{}")
	require.NoError(t, err)
	assert.Equal(t, 1, env.fake.SubmitRequests())
}

func TestStatusAndJobs_UseLedger(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "--json", "submit", "resize", "--data", "{}")
	require.NoError(t, err)

	var h handleView
	require.NoError(t, json.Unmarshal([]byte(out), &h))

	// The fake reports the current state, then advances: QUEUED, then RUNNING.
	_, err = env.run(t, "status", h.JobID)
	require.NoError(t, err)

	out, err = env.run(t, "status", h.JobID)
	require.NoError(t, err)
	assert.Contains(t, out, h.JobID)
	assert.Contains(t, out, "RUNNING")

	out, err = env.run(t, "--json", "jobs")
	require.NoError(t, err)

	var views []jobView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, h.JobID, views[0].JobID)
	assert.Equal(t, "resize", views[0].ProcessingType)
	assert.Equal(t, "RUNNING", views[0].Status)
	assert.Equal(t, env.fake.URL, views[0].BaseURL)

	out, err = env.run(t, "jobs")
	require.NoError(t, err)
	assert.Contains(t, out, "JOB ID")
	assert.Contains(t, out, h.JobID)

	out, err = env.run(t, "jobs", "--active")
	require.NoError(t, err)
	assert.Contains(t, out, h.JobID)

	// Nothing is old enough to prune.
	_, err = env.run(t, "jobs", "prune", "--older-than", "1h")
	require.NoError(t, err)

	out, err = env.run(t, "--json", "jobs")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.Len(t, views, 1)
}

func TestStatus_NotFound(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "status", "no-such-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-job")
}

func TestWatch_StreamsEvents(t *testing.T) {
	env := newCLIEnv(t)
	env.fake.AddJob("job-1", testutil.DefaultScript)

	out, err := env.run(t, "--json", "watch", "job-1")
	require.NoError(t, err)

	var statuses []string

	dec := json.NewDecoder(strings.NewReader(out))
	for dec.More() {
		var ev struct {
			JobID  string `json:"jobId"`
			Status string `json:"status"`
		}

		require.NoError(t, dec.Decode(&ev))
		assert.Equal(t, "job-1", ev.JobID)

		statuses = append(statuses, ev.Status)
	}

	require.NotEmpty(t, statuses)
	assert.Equal(t, "COMPLETED", statuses[len(statuses)-1])
}

func TestWatch_PollModeFromConfig(t *testing.T) {
	env := newCLIEnv(t)
	env.fake.AddJob("job-2", testutil.DefaultScript)

	pollConfig := testutil.WriteFile(t, t.TempDir(), "poll.toml", `
[service]
base_url = "`+env.fake.URL+`"

[progress]
mode = "poll"
poll_interval = "100ms"
poll_max_interval = "100ms"

[ledger]
enabled = false
`)

	out, err := runCLI(t, "--config", pollConfig, "--quiet", "watch", "job-2")
	require.NoError(t, err)
	assert.Contains(t, out, "COMPLETED")
	assert.Zero(t, env.fake.StreamRequests())
}

func TestJobs_LedgerDisabled(t *testing.T) {
	env := newCLIEnv(t)

	cfg := testutil.WriteFile(t, t.TempDir(), "off.toml", `
[service]
base_url = "`+env.fake.URL+`"

[ledger]
enabled = false
`)

	_, err := runCLI(t, "--config", cfg, "jobs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestJobsPrune_RejectsNonPositiveAge(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "jobs", "prune", "--older-than", "0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")
}

func TestToken(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "token")
	require.NoError(t, err)
	assert.Contains(t, out, "Token valid until")

	out, err = env.run(t, "token", "--show")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "tok-"))

	out, err = env.run(t, "--json", "token")
	require.NoError(t, err)

	var v tokenView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Empty(t, v.Token)
	assert.False(t, v.ExpiresAt.IsZero())
}

func TestToken_BadKey(t *testing.T) {
	env := newCLIEnv(t)
	t.Setenv(config.EnvAPIKey, "wrong-key")

	_, err := env.run(t, "token")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acquiring token")
}

func TestHealth(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")

	env.fake.SetHealthy(false)

	out, err = env.run(t, "--json", "health")
	require.Error(t, err)

	var v healthView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "unavailable", v.Status)
	assert.NotEmpty(t, v.Error)
}

func TestBaseURLFlagOverridesConfig(t *testing.T) {
	env := newCLIEnv(t)
	other := testutil.NewFakeServer(t, testAPIKey)

	_, err := env.run(t, "--base-url", other.URL, "submit", "resize", "--data", "{}")
	require.NoError(t, err)

	assert.Equal(t, 1, other.SubmitRequests())
	assert.Zero(t, env.fake.SubmitRequests())
}

func TestConfigShow_MasksAPIKey(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run(t, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "[service]")
	assert.Contains(t, out, env.fake.URL)
	assert.NotContains(t, out, testAPIKey)
}

func TestConfigShow_InvalidConfig(t *testing.T) {
	path := testutil.WriteFile(t, t.TempDir(), "bad.toml", "[progres]\nmode = \"poll\"\n")

	_, err := runCLI(t, "--config", path, "config", "show")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "progress"`)
}

func TestConfigPath(t *testing.T) {
	out, err := runCLI(t, "--config", "/tmp/custom.toml", "config", "path")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.toml\n", out)
}

func TestReload_NoGateway(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	_, err := runCLI(t, "reload")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running gateway")
}

func TestReloadAPIKey(t *testing.T) {
	env := newCLIEnv(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolved, err := config.Resolve(config.ReadEnvOverrides(), config.CLIOverrides{ConfigPath: env.configPath})
	require.NoError(t, err)

	cc := &CLIContext{Cfg: resolved, Logger: logger, Out: io.Discard}

	client, err := newServiceClient(cc, true)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.GetAuthToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, env.fake.TokenRequests())

	// No key file: the cached token is discarded.
	reloadAPIKey(client, "", logger)
	_, err = client.GetAuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, env.fake.TokenRequests())

	// Unreadable key file: the current key and token are kept.
	reloadAPIKey(client, filepath.Join(t.TempDir(), "missing"), logger)
	_, err = client.GetAuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, env.fake.TokenRequests())

	// Readable key file holding the same key: the token is still renewed.
	keyPath := testutil.WriteFile(t, t.TempDir(), "key", testAPIKey)
	reloadAPIKey(client, keyPath, logger)
	_, err = client.GetAuthToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, env.fake.TokenRequests())
}
