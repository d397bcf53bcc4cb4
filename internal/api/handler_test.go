package api

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"batchbridge/internal/durable"
	"batchbridge/internal/health"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeEngine records calls made by the handlers.
type fakeEngine struct {
	mu        sync.Mutex
	started   []string
	inputs    []any
	callbacks []*durable.Callback
	events    map[string]json.RawMessage
	statuses  map[string]*durable.Status
	raiseErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		events:   make(map[string]json.RawMessage),
		statuses: make(map[string]*durable.Status),
	}
}

func (f *fakeEngine) StartNew(ctx context.Context, name string, input any, opts ...durable.StartOption) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if name == "" {
		return "", apperrors.Validation("name", "orchestrator name is required")
	}
	id := "instance-1"
	f.started = append(f.started, name)
	f.inputs = append(f.inputs, input)
	if len(opts) > 0 {
		f.callbacks = append(f.callbacks, &durable.Callback{})
	}
	return id, nil
}

func (f *fakeEngine) RaiseEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.raiseErr != nil {
		return f.raiseErr
	}
	if _, ok := f.statuses[instanceID]; !ok {
		return apperrors.NotFound("instance", instanceID)
	}
	f.events[instanceID+"/"+eventName] = payload
	return nil
}

func (f *fakeEngine) Status(instanceID string) (*durable.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[instanceID]
	if !ok {
		return nil, apperrors.NotFound("instance", instanceID)
	}
	return s, nil
}

// fakeAdmin serves batch admin calls from fixed data.
type fakeAdmin struct {
	jobs    map[string]*batch.JobInfo
	stdout  map[string]string
	deleted []string
}

func (f *fakeAdmin) GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error) {
	info, ok := f.jobs[jobID]
	if !ok {
		return nil, batch.NewError(batch.CodeJobNotFound, "job %s not found", jobID)
	}
	return info, nil
}

func (f *fakeAdmin) GetStdOut(ctx context.Context, jobID, taskID string) (string, error) {
	out, ok := f.stdout[jobID+"/"+taskID]
	if !ok {
		return "", batch.NewError(batch.CodeTaskNotFound, "task %s not found", taskID)
	}
	return out, nil
}

func (f *fakeAdmin) DeletePool(ctx context.Context, poolID string) error {
	if poolID == "missing" {
		return batch.NewError(batch.CodePoolNotFound, "pool %s not found", poolID)
	}
	f.deleted = append(f.deleted, poolID)
	return nil
}

type fakeResults map[string][]string

func (f fakeResults) Results(ctx context.Context, instanceID string) ([]string, error) {
	values, ok := f[instanceID]
	if !ok {
		return nil, apperrors.NotFound("results", instanceID)
	}
	return values, nil
}

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

func newTestRouter(engine *fakeEngine, admin *fakeAdmin, apiKey, callbackKey string) http.Handler {
	return NewRouter(RouterConfig{
		Engine:        engine,
		BatchAdmin:    admin,
		Results:       fakeResults{"done": {"Hello Tokio", "Hello Seattle"}},
		HealthChecker: health.NewChecker(readyFunc(func(ctx context.Context) error { return nil })),
		Triggers: map[string]string{
			"multipleJobs":  "MultipleJobOrchestrator",
			"multipleTasks": "MultipleTaskOrchestrator",
		},
		APIKey:      apiKey,
		CallbackKey: callbackKey,
	})
}

func TestHandler_Livez(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()

	handler.Livez(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusHealthy {
		t.Errorf("Expected status healthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_NoBatchBackend(t *testing.T) {
	t.Parallel()
	handler := &Handler{
		health: health.NewChecker(nil),
	}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	// Should return 503 because no batch backend is configured
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status %d, got %d", http.StatusServiceUnavailable, w.Code)
	}

	var response health.Response
	json.NewDecoder(w.Body).Decode(&response)

	if response.Status != health.StatusUnhealthy {
		t.Errorf("Expected status unhealthy, got %s", response.Status)
	}
}

func TestHandler_Readyz_DegradedStillServes(t *testing.T) {
	t.Parallel()
	checker := health.NewChecker(readyFunc(func(ctx context.Context) error { return nil }))
	checker.Register("results", readyFunc(func(ctx context.Context) error { return errors.New("database is down") }))
	handler := &Handler{health: checker}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	handler.Readyz(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

func TestRouter_StartTrigger(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	router := newTestRouter(engine, &fakeAdmin{}, "", "")

	req := httptest.NewRequest(http.MethodPost, "http://bridge.example.com/api/tasks/multipleJobs", nil)
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}

	var resp CheckStatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ID != "instance-1" {
		t.Errorf("Expected id instance-1, got %s", resp.ID)
	}
	wantStatus := "http://bridge.example.com/runtime/webhooks/durabletask/instances/instance-1"
	if resp.StatusQueryGetURI != wantStatus {
		t.Errorf("Expected statusQueryGetUri %s, got %s", wantStatus, resp.StatusQueryGetURI)
	}
	if resp.SendEventPostURI != wantStatus+"/raiseEvent/{eventName}" {
		t.Errorf("Unexpected sendEventPostUri %s", resp.SendEventPostURI)
	}
	if w.Header().Get("Location") != wantStatus {
		t.Errorf("Expected Location header %s, got %s", wantStatus, w.Header().Get("Location"))
	}
	if len(engine.started) != 1 || engine.started[0] != "MultipleJobOrchestrator" {
		t.Errorf("Expected MultipleJobOrchestrator to start, got %v", engine.started)
	}
	if engine.inputs[0] != nil {
		t.Errorf("Expected no input without a body, got %v", engine.inputs[0])
	}
}

func TestRouter_StartTrigger_WithCitiesAndCallback(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	router := newTestRouter(engine, &fakeAdmin{}, "", "secret")

	body := `{"cities":["Oslo","Lima"],"callback":{"url":"https://hooks.example.com/done"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/multipleTasks", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	var resp CheckStatusResponse
	json.NewDecoder(w.Body).Decode(&resp)
	if !strings.HasPrefix(resp.StatusQueryGetURI, "https://") || !strings.HasSuffix(resp.StatusQueryGetURI, "?code=secret") {
		t.Errorf("Unexpected statusQueryGetUri %s", resp.StatusQueryGetURI)
	}
	cities, ok := engine.inputs[0].([]string)
	if !ok || len(cities) != 2 || cities[0] != "Oslo" {
		t.Errorf("Expected cities input, got %v", engine.inputs[0])
	}
	if len(engine.callbacks) != 1 {
		t.Error("Expected callback option to be passed")
	}
}

func TestRouter_StartTrigger_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		path   string
		body   string
		status int
	}{
		{"unknown trigger", "/api/tasks/nope", "", http.StatusNotFound},
		{"malformed body", "/api/tasks/multipleJobs", `{"cities":`, http.StatusBadRequest},
		{"relative callback", "/api/tasks/multipleJobs", `{"callback":{"url":"/done"}}`, http.StatusBadRequest},
		{"ftp callback", "/api/tasks/multipleJobs", `{"callback":{"url":"ftp://example.com"}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			engine := newFakeEngine()
			router := newTestRouter(engine, &fakeAdmin{}, "", "")

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, w.Code)
			}
			if len(engine.started) != 0 {
				t.Error("No orchestration should start on a rejected request")
			}
		})
	}
}

func TestRouter_StartTrigger_RequiresAuth(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newFakeEngine(), &fakeAdmin{}, "api-key", "")

	req := httptest.NewRequest(http.MethodPost, "/api/tasks/multipleJobs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/tasks/multipleJobs", nil)
	req.Header.Set("Authorization", "Bearer api-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Errorf("Expected status %d, got %d", http.StatusAccepted, w.Code)
	}
}

func TestRouter_RaiseEvent(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.statuses["abc"] = &durable.Status{InstanceID: "abc", RuntimeStatus: durable.StatusRunning}
	router := newTestRouter(engine, &fakeAdmin{}, "api-key", "")

	// Signal tasks post JSON without a bearer token.
	req := httptest.NewRequest(http.MethodPost, "/runtime/webhooks/durabletask/instances/abc/raiseEvent/job-1", nil)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusAccepted, w.Code, w.Body.String())
	}
	if _, ok := engine.events["abc/job-1"]; !ok {
		t.Errorf("Expected event job-1 to be raised, got %v", engine.events)
	}
}

func TestRouter_RaiseEvent_Errors(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.statuses["abc"] = &durable.Status{InstanceID: "abc", RuntimeStatus: durable.StatusRunning}
	router := newTestRouter(engine, &fakeAdmin{}, "", "")

	req := httptest.NewRequest(http.MethodPost, "/runtime/webhooks/durabletask/instances/unknown/raiseEvent/job-1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for unknown instance, got %d", http.StatusNotFound, w.Code)
	}

	engine.mu.Lock()
	engine.raiseErr = apperrors.Conflict("instance", "abc", "instance abc is not running")
	engine.mu.Unlock()
	req = httptest.NewRequest(http.MethodPost, "/runtime/webhooks/durabletask/instances/abc/raiseEvent/job-1", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d for finished instance, got %d", http.StatusConflict, w.Code)
	}
	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["code"] != "conflict" {
		t.Errorf("Expected error code conflict, got %q", body["code"])
	}
}

func TestRouter_RaiseEvent_CallbackKey(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.statuses["abc"] = &durable.Status{InstanceID: "abc", RuntimeStatus: durable.StatusRunning}
	router := newTestRouter(engine, &fakeAdmin{}, "", "secret")

	tests := []struct {
		query  string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"?code=wrong", http.StatusUnauthorized},
		{"?code=secret", http.StatusAccepted},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodPost, "/runtime/webhooks/durabletask/instances/abc/raiseEvent/job-1"+tt.query, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("query %q: expected status %d, got %d", tt.query, tt.status, w.Code)
		}
	}
}

func TestRouter_GetInstance(t *testing.T) {
	t.Parallel()
	engine := newFakeEngine()
	engine.statuses["running"] = &durable.Status{InstanceID: "running", RuntimeStatus: durable.StatusRunning}
	engine.statuses["done"] = &durable.Status{
		InstanceID:    "done",
		RuntimeStatus: durable.StatusCompleted,
		Output:        json.RawMessage(`["Hello Tokio"]`),
	}
	router := newTestRouter(engine, &fakeAdmin{}, "", "")

	tests := []struct {
		id     string
		status int
	}{
		{"running", http.StatusAccepted},
		{"done", http.StatusOK},
		{"missing", http.StatusNotFound},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/runtime/webhooks/durabletask/instances/"+tt.id, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%s: expected status %d, got %d", tt.id, tt.status, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/runtime/webhooks/durabletask/instances/done", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	var status durable.Status
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.RuntimeStatus != durable.StatusCompleted || string(status.Output) != `["Hello Tokio"]` {
		t.Errorf("Unexpected status %+v", status)
	}
}

func TestRouter_BatchAdmin(t *testing.T) {
	t.Parallel()
	admin := &fakeAdmin{
		jobs:   map[string]*batch.JobInfo{"job-1": {ID: "job-1", PoolID: "pool", State: batch.JobCompleted}},
		stdout: map[string]string{"job-1/Tokio": "Saying hello to Tokio.\n"},
	}
	router := newTestRouter(newFakeEngine(), admin, "api-key", "")

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer api-key")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/v1/batch/jobs/job-1")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var info batch.JobInfo
	json.NewDecoder(w.Body).Decode(&info)
	if info.State != batch.JobCompleted {
		t.Errorf("Expected completed job, got %s", info.State)
	}

	if w := do(http.MethodGet, "/v1/batch/jobs/nope"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for unknown job, got %d", http.StatusNotFound, w.Code)
	}

	w = do(http.MethodGet, "/v1/batch/jobs/job-1/tasks/Tokio/stdout")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var out map[string]string
	json.NewDecoder(w.Body).Decode(&out)
	if out["stdout"] != "Saying hello to Tokio.\n" {
		t.Errorf("Unexpected stdout %q", out["stdout"])
	}

	if w := do(http.MethodDelete, "/v1/batch/pools/pool"); w.Code != http.StatusNoContent {
		t.Errorf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	if len(admin.deleted) != 1 || admin.deleted[0] != "pool" {
		t.Errorf("Expected pool to be deleted, got %v", admin.deleted)
	}
	if w := do(http.MethodDelete, "/v1/batch/pools/missing"); w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d for unknown pool, got %d", http.StatusNotFound, w.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/batch/pools/pool", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected admin endpoints to require auth, got %d", w.Code)
	}
}

func TestRouter_GetResults(t *testing.T) {
	t.Parallel()
	router := newTestRouter(newFakeEngine(), &fakeAdmin{}, "", "")

	req := httptest.NewRequest(http.MethodGet, "/v1/results/done", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var resp struct {
		InstanceID string   `json:"instanceId"`
		Results    []string `json:"results"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if len(resp.Results) != 2 || resp.Results[1] != "Hello Seattle" {
		t.Errorf("Unexpected results %v", resp.Results)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/results/unknown", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestMiddleware_Logging(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := LoggingMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler was not called")
	}
}

func TestMiddleware_Recovery(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	handler := RecoveryMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	// Should not panic
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}
}

func TestMiddleware_ContentType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		contentType string
		allowed     bool
	}{
		{"text/plain", false},
		{"application/json", true},
		{"application/json; charset=utf-8", true},
		{"application/jsonx", false},
		{";;", false},
	}

	for _, tt := range tests {
		called := false
		inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		})
		handler := ContentTypeMiddleware()(inner)

		req := httptest.NewRequest(http.MethodPost, "/test", bytes.NewBufferString("{}"))
		req.Header.Set("Content-Type", tt.contentType)
		w := httptest.NewRecorder()

		handler.ServeHTTP(w, req)

		if called != tt.allowed {
			t.Errorf("%q: expected allowed=%v, got %v", tt.contentType, tt.allowed, called)
		}
		if !tt.allowed && w.Code != http.StatusUnsupportedMediaType {
			t.Errorf("%q: expected status %d, got %d", tt.contentType, http.StatusUnsupportedMediaType, w.Code)
		}
	}
}

func TestMiddleware_ContentType_EmptyBodyAllowed(t *testing.T) {
	t.Parallel()
	called := false
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	handler := ContentTypeMiddleware()(inner)

	// GET requests don't need content-type
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("Inner handler should be called for GET requests")
	}
}

func TestMiddleware_CORS(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	handler := CORSMiddleware()(inner)

	// Test OPTIONS preflight
	req := httptest.NewRequest(http.MethodOptions, "/test", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("Expected CORS header")
	}
}

func TestMiddleware_Auth(t *testing.T) {
	t.Parallel()
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := AuthMiddleware("api-key")(inner)

	tests := []struct {
		header string
		status int
	}{
		{"", http.StatusUnauthorized},
		{"Basic api-key", http.StatusUnauthorized},
		{"Bearer wrong", http.StatusUnauthorized},
		{"bearer api-key", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != tt.status {
			t.Errorf("%q: expected status %d, got %d", tt.header, tt.status, w.Code)
		}
	}
}

func TestMiddleware_RequestID(t *testing.T) {
	t.Parallel()
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	})
	handler := RequestIDMiddleware()(inner)

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen != "req-42" || w.Header().Get(RequestIDHeader) != "req-42" {
		t.Errorf("Expected caller request id to be kept, got %q / %q", seen, w.Header().Get(RequestIDHeader))
	}

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if seen == "" || seen == "req-42" {
		t.Errorf("Expected a generated request id, got %q", seen)
	}
	if w.Header().Get(RequestIDHeader) != seen {
		t.Errorf("Expected response header %q, got %q", seen, w.Header().Get(RequestIDHeader))
	}
}
