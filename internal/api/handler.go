// Package api provides the HTTP API handlers and routing for the bridge service.
package api

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"batchbridge/internal/durable"
	"batchbridge/internal/health"
	"batchbridge/internal/notify"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Engine starts orchestrations and delivers events to them.
type Engine interface {
	StartNew(ctx context.Context, name string, input any, opts ...durable.StartOption) (string, error)
	RaiseEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error
	Status(instanceID string) (*durable.Status, error)
}

// BatchAdmin inspects and cleans up batch resources.
type BatchAdmin interface {
	GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error)
	GetStdOut(ctx context.Context, jobID, taskID string) (string, error)
	DeletePool(ctx context.Context, poolID string) error
}

// ResultReader reads persisted orchestration results.
type ResultReader interface {
	Results(ctx context.Context, instanceID string) ([]string, error)
}

// TriggerRequest is the optional body of a trigger call.
type TriggerRequest struct {
	Cities   []string          `json:"cities,omitempty"`
	Callback *durable.Callback `json:"callback,omitempty"`
}

// CheckStatusResponse tells the caller where to follow a started orchestration.
type CheckStatusResponse struct {
	ID                string `json:"id"`
	StatusQueryGetURI string `json:"statusQueryGetUri"`
	SendEventPostURI  string `json:"sendEventPostUri"`
}

// Handler contains HTTP handlers for the bridge API
type Handler struct {
	engine      Engine
	admin       BatchAdmin
	results     ResultReader
	health      *health.Checker
	triggers    map[string]string
	callbackKey string
}

// NewHandler creates a new API handler. triggers maps trigger names to
// orchestrator names.
func NewHandler(engine Engine, admin BatchAdmin, results ResultReader, healthChecker *health.Checker, triggers map[string]string, callbackKey string) *Handler {
	return &Handler{
		engine:      engine,
		admin:       admin,
		results:     results,
		health:      healthChecker,
		triggers:    triggers,
		callbackKey: callbackKey,
	}
}

// StartTrigger handles POST /api/tasks/{trigger}
func (h *Handler) StartTrigger(w http.ResponseWriter, r *http.Request) {
	name, ok := h.triggers[r.PathValue("trigger")]
	if !ok {
		h.writeError(w, http.StatusNotFound, "unknown trigger "+r.PathValue("trigger"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	var opts []durable.StartOption
	if req.Callback != nil {
		u, err := url.Parse(req.Callback.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			h.writeError(w, http.StatusBadRequest, "callback.url must be an absolute http(s) URL")
			return
		}
		opts = append(opts, durable.WithCallback(req.Callback))
	}

	var input any
	if len(req.Cities) > 0 {
		input = req.Cities
	}
	id, err := h.engine.StartNew(r.Context(), name, input, opts...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	slog.InfoContext(r.Context(), "Started orchestration", "orchestrator", name, "instanceId", id)
	resp := h.checkStatus(r, id)
	w.Header().Set("Location", resp.StatusQueryGetURI)
	h.writeJSON(w, http.StatusAccepted, resp)
}

// RaiseEvent handles POST /runtime/webhooks/durabletask/instances/{instanceId}/raiseEvent/{eventName}
func (h *Handler) RaiseEvent(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceId")
	eventName := r.PathValue("eventName")
	if instanceID == "" || eventName == "" {
		h.writeError(w, http.StatusBadRequest, "Instance ID and event name are required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := h.engine.RaiseEvent(r.Context(), instanceID, eventName, json.RawMessage(body)); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// GetInstance handles GET /runtime/webhooks/durabletask/instances/{instanceId}.
// Returns 202 while the instance is running and 200 once it finished.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceId")
	if instanceID == "" {
		h.writeError(w, http.StatusBadRequest, "Instance ID is required")
		return
	}

	status, err := h.engine.Status(instanceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	code := http.StatusAccepted
	if status.RuntimeStatus.Terminal() {
		code = http.StatusOK
	}
	h.writeJSON(w, code, status)
}

// GetBatchJob handles GET /v1/batch/jobs/{jobId}
func (h *Handler) GetBatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	info, err := h.admin.GetJob(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, info)
}

// GetTaskStdout handles GET /v1/batch/jobs/{jobId}/tasks/{taskId}/stdout
func (h *Handler) GetTaskStdout(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	taskID := r.PathValue("taskId")
	if jobID == "" || taskID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID and task ID are required")
		return
	}

	out, err := h.admin.GetStdOut(r.Context(), jobID, taskID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"jobId":  jobID,
		"taskId": taskID,
		"stdout": out,
	})
}

// DeletePool handles DELETE /v1/batch/pools/{poolId}
func (h *Handler) DeletePool(w http.ResponseWriter, r *http.Request) {
	poolID := r.PathValue("poolId")
	if poolID == "" {
		h.writeError(w, http.StatusBadRequest, "Pool ID is required")
		return
	}

	if err := h.admin.DeletePool(r.Context(), poolID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetResults handles GET /v1/results/{instanceId}
func (h *Handler) GetResults(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("instanceId")
	if instanceID == "" {
		h.writeError(w, http.StatusBadRequest, "Instance ID is required")
		return
	}

	values, err := h.results.Results(r.Context(), instanceID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"instanceId": instanceID,
		"results":    values,
	})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the batch backend is unreachable. A degraded results store
// keeps the service in rotation.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.Serving() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// requireCode rejects webhook calls without the configured callback key.
func (h *Handler) requireCode(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.callbackKey != "" {
			code := r.URL.Query().Get("code")
			if subtle.ConstantTimeCompare([]byte(code), []byte(h.callbackKey)) != 1 {
				h.writeError(w, http.StatusUnauthorized, "invalid or missing code")
				return
			}
		}
		next(w, r)
	}
}

// checkStatus builds the follow-up URLs from the host the caller used.
func (h *Handler) checkStatus(r *http.Request, instanceID string) CheckStatusResponse {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(proto, ",")[0]))
	}

	instanceURL := scheme + "://" + r.Host + notify.WebhookPathPrefix + url.PathEscape(instanceID)
	query := ""
	if h.callbackKey != "" {
		query = "?" + url.Values{"code": {h.callbackKey}}.Encode()
	}
	return CheckStatusResponse{
		ID:                instanceID,
		StatusQueryGetURI: instanceURL + query,
		SendEventPostURI:  instanceURL + "/raiseEvent/{eventName}" + query,
	}
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error(), "code": apperrors.Code(err)})
}
