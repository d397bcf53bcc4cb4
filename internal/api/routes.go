package api

import (
	"batchbridge/internal/health"
	"batchbridge/internal/notify"
	"batchbridge/internal/observability"
	"net/http"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Engine        Engine
	BatchAdmin    BatchAdmin
	Results       ResultReader // optional
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	// Triggers maps the {trigger} path segment to an orchestrator name.
	Triggers    map[string]string
	APIKey      string
	CallbackKey string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Engine, cfg.BatchAdmin, cfg.Results, cfg.HealthChecker, cfg.Triggers, cfg.CallbackKey)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Engine webhooks - called by signal tasks, protected by the callback key
	mux.HandleFunc("POST "+notify.WebhookPathPrefix+"{instanceId}/raiseEvent/{eventName}", handler.requireCode(handler.RaiseEvent))
	mux.HandleFunc("GET "+notify.WebhookPathPrefix+"{instanceId}", handler.requireCode(handler.GetInstance))

	// Triggers and admin endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /api/tasks/{trigger}", authMiddleware(http.HandlerFunc(handler.StartTrigger)))
	mux.Handle("GET /v1/batch/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetBatchJob)))
	mux.Handle("GET /v1/batch/jobs/{jobId}/tasks/{taskId}/stdout", authMiddleware(http.HandlerFunc(handler.GetTaskStdout)))
	mux.Handle("DELETE /v1/batch/pools/{poolId}", authMiddleware(http.HandlerFunc(handler.DeletePool)))
	if cfg.Results != nil {
		mux.Handle("GET /v1/results/{instanceId}", authMiddleware(http.HandlerFunc(handler.GetResults)))
	}

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)
	h = RequestIDMiddleware()(h)

	return h
}
