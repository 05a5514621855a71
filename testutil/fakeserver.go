package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

// JobState is one step of a fake job's lifecycle.
type JobState struct {
	Status  string   `json:"status"`
	Percent *float64 `json:"percent,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Pct returns a pointer to p, for JobState literals.
func Pct(p float64) *float64 {
	return &p
}

// DefaultScript is the lifecycle every new job follows unless SetScript
// replaced it.
var DefaultScript = []JobState{
	{Status: "QUEUED"},
	{Status: "RUNNING", Percent: Pct(0)},
	{Status: "RUNNING", Percent: Pct(50), Message: "halfway"},
	{Status: "COMPLETED", Percent: Pct(100), Message: "done"},
}

type fakeJob struct {
	processingType string
	data           json.RawMessage
	script         []JobState
	pos            int
}

func (j *fakeJob) current() JobState {
	return j.script[j.pos]
}

// advance moves to the next step, staying on the last one.
func (j *fakeJob) advance() {
	if j.pos < len(j.script)-1 {
		j.pos++
	}
}

// FakeServer is an in-process VPS. Every status read and every stream
// frame advances a job one step through its script.
type FakeServer struct {
	URL string

	srv *httptest.Server

	mu             sync.Mutex
	apiKey         string
	tokenTTL       time.Duration
	tokens         map[string]time.Time
	rejectAll      bool
	jobs           map[string]*fakeJob
	script         []JobState
	statusFailures []int
	healthy        bool

	streamDisabled atomic.Bool
	streamInterval atomic.Int64

	tokenRequests  atomic.Int32
	submitRequests atomic.Int32
	statusRequests atomic.Int32
	streamRequests atomic.Int32
	unauthorized   atomic.Int32
}

// NewFakeServer starts a fake VPS accepting apiKey. It is closed when the
// test ends.
func NewFakeServer(t interface {
	Helper()
	Cleanup(func())
}, apiKey string,
) *FakeServer {
	t.Helper()

	f := &FakeServer{
		apiKey:   apiKey,
		tokenTTL: time.Hour,
		tokens:   make(map[string]time.Time),
		jobs:     make(map[string]*fakeJob),
		script:   DefaultScript,
		healthy:  true,
	}
	f.streamInterval.Store(int64(5 * time.Millisecond))

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/token", f.handleToken)
	mux.HandleFunc("POST /jobs", f.handleSubmit)
	mux.HandleFunc("GET /jobs/{id}", f.handleStatus)
	mux.HandleFunc("GET /jobs/{id}/progress", f.handleProgress)
	mux.HandleFunc("GET /health", f.handleHealth)

	f.srv = httptest.NewServer(mux)
	f.URL = f.srv.URL
	t.Cleanup(f.srv.Close)

	return f
}

// Close shuts the server down. Later requests fail at the network level.
func (f *FakeServer) Close() {
	f.srv.CloseClientConnections()
	f.srv.Close()
}

// SetTokenTTL sets the lifetime of newly issued tokens.
func (f *FakeServer) SetTokenTTL(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tokenTTL = d
}

// SetScript sets the lifecycle for jobs submitted from now on.
func (f *FakeServer) SetScript(script []JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.script = append([]JobState(nil), script...)
}

// AddJob registers a job directly, bypassing submission.
func (f *FakeServer) AddJob(id string, script []JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.jobs[id] = &fakeJob{script: append([]JobState(nil), script...)}
}

// RevokeTokens invalidates every token issued so far.
func (f *FakeServer) RevokeTokens() {
	f.mu.Lock()
	defer f.mu.Unlock()

	clear(f.tokens)
}

// RejectAllBearer makes every bearer-protected endpoint answer 401.
func (f *FakeServer) RejectAllBearer(reject bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.rejectAll = reject
}

// FailStatusReads makes the next status reads answer with the given codes,
// one per read, before normal behavior resumes.
func (f *FakeServer) FailStatusReads(codes ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statusFailures = append(f.statusFailures, codes...)
}

// DisableStream makes the progress stream endpoint answer 404.
func (f *FakeServer) DisableStream(disabled bool) {
	f.streamDisabled.Store(disabled)
}

// SetStreamInterval sets the delay between stream frames.
func (f *FakeServer) SetStreamInterval(d time.Duration) {
	f.streamInterval.Store(int64(d))
}

// SetHealthy controls the /health answer.
func (f *FakeServer) SetHealthy(ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.healthy = ok
}

// Submitted returns the processing type and data of a submitted job.
func (f *FakeServer) Submitted(id string) (string, json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	j, ok := f.jobs[id]
	if !ok {
		return "", nil, false
	}

	return j.processingType, j.data, true
}

// TokenRequests counts POST /auth/token calls.
func (f *FakeServer) TokenRequests() int { return int(f.tokenRequests.Load()) }

// SubmitRequests counts POST /jobs calls.
func (f *FakeServer) SubmitRequests() int { return int(f.submitRequests.Load()) }

// StatusRequests counts GET /jobs/{id} calls.
func (f *FakeServer) StatusRequests() int { return int(f.statusRequests.Load()) }

// StreamRequests counts progress stream attempts.
func (f *FakeServer) StreamRequests() int { return int(f.streamRequests.Load()) }

// Unauthorized counts requests rejected with 401.
func (f *FakeServer) Unauthorized() int { return int(f.unauthorized.Load()) }

func (f *FakeServer) handleToken(w http.ResponseWriter, r *http.Request) {
	f.tokenRequests.Add(1)

	if r.Header.Get("X-API-Key") != f.apiKey || f.apiKey == "" {
		writeError(w, http.StatusUnauthorized, "invalid api key")
		return
	}

	f.mu.Lock()
	token := "tok-" + uuid.NewString()
	expires := time.Now().Add(f.tokenTTL).UTC()
	f.tokens[token] = expires
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"token":     token,
		"expiresAt": expires.Format(time.RFC3339Nano),
	})
}

func (f *FakeServer) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectAll {
		return false
	}

	exp, ok := f.tokens[token]

	return ok && time.Now().Before(exp)
}

func (f *FakeServer) reject(w http.ResponseWriter) {
	f.unauthorized.Add(1)
	writeError(w, http.StatusUnauthorized, "invalid or expired token")
}

func (f *FakeServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	f.submitRequests.Add(1)

	if !f.authorized(r) {
		f.reject(w)
		return
	}

	var body struct {
		ProcessingType string          `json:"processingType"`
		Data           json.RawMessage `json:"data"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ProcessingType == "" || len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "processingType and data are required")
		return
	}

	id := uuid.NewString()

	f.mu.Lock()
	job := &fakeJob{
		processingType: body.ProcessingType,
		data:           body.Data,
		script:         append([]JobState(nil), f.script...),
	}
	f.jobs[id] = job
	state := job.current()
	f.mu.Unlock()

	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id, "status": state.Status})
}

func (f *FakeServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	f.statusRequests.Add(1)

	if !f.authorized(r) {
		f.reject(w)
		return
	}

	id := r.PathValue("id")

	f.mu.Lock()
	if len(f.statusFailures) > 0 {
		code := f.statusFailures[0]
		f.statusFailures = f.statusFailures[1:]
		f.mu.Unlock()
		writeError(w, code, "injected failure")

		return
	}

	job, ok := f.jobs[id]
	if !ok {
		f.mu.Unlock()
		writeError(w, http.StatusNotFound, "no such job")

		return
	}

	state := job.current()
	job.advance()
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, statusBody(id, state))
}

func (f *FakeServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	f.streamRequests.Add(1)

	if f.streamDisabled.Load() {
		writeError(w, http.StatusNotFound, "stream not supported")
		return
	}

	if !f.authorized(r) {
		f.reject(w)
		return
	}

	id := r.PathValue("id")

	f.mu.Lock()
	job, ok := f.jobs[id]
	f.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "no such job")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())

	for {
		f.mu.Lock()
		state := job.current()
		job.advance()
		f.mu.Unlock()

		if err := wsjson.Write(ctx, conn, statusBody(id, state)); err != nil {
			return
		}

		if state.Status == "COMPLETED" || state.Status == "FAILED" {
			_ = conn.Close(websocket.StatusNormalClosure, "terminal")
			return
		}

		if !sleepCtx(ctx, time.Duration(f.streamInterval.Load())) {
			return
		}
	}
}

func (f *FakeServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	ok := f.healthy
	f.mu.Unlock()

	if !ok {
		writeError(w, http.StatusServiceUnavailable, "unhealthy")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusBody(id string, s JobState) map[string]any {
	body := map[string]any{"jobId": id, "status": s.Status}
	if s.Percent != nil {
		body["percent"] = *s.Percent
	}

	if s.Message != "" {
		body["message"] = s.Message
	}

	return body
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
