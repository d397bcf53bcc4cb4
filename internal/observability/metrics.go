package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests, submissions and orchestrations take
// - Traffic: Request/submission throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (running orchestrations, dispatcher queue)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Batch submission metrics (Latency, Traffic, Errors)
	SubmissionDuration    metric.Float64Histogram
	JobsSubmitted         metric.Int64Counter
	TasksSubmitted        metric.Int64Counter
	IdempotentConflicts   metric.Int64Counter
	SubmissionErrorsTotal metric.Int64Counter
	OutputFetchesTotal    metric.Int64Counter

	// Orchestration metrics (Latency, Traffic, Errors, Saturation)
	OrchestrationDuration metric.Float64Histogram
	OrchestrationsTotal   metric.Int64Counter
	OrchestrationsActive  metric.Int64UpDownCounter
	ExternalEventsRaised  metric.Int64Counter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("batchbridge")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Batch submission metrics
	m.SubmissionDuration, err = meter.Float64Histogram(
		"batch_submission_duration_seconds",
		metric.WithDescription("Time to create job, pool and tasks on the batch service"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"batch_jobs_submitted_total",
		metric.WithDescription("Total number of jobs submitted to the batch service"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter(
		"batch_tasks_submitted_total",
		metric.WithDescription("Total number of tasks submitted, including completion-signal tasks"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.IdempotentConflicts, err = meter.Int64Counter(
		"batch_idempotent_conflicts_total",
		metric.WithDescription("Create calls that found the job or pool already present"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SubmissionErrorsTotal, err = meter.Int64Counter(
		"batch_submission_errors_total",
		metric.WithDescription("Total number of failed submissions"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OutputFetchesTotal, err = meter.Int64Counter(
		"batch_output_fetch_total",
		metric.WithDescription("Total number of task output fetches"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Orchestration metrics
	m.OrchestrationDuration, err = meter.Float64Histogram(
		"orchestration_duration_seconds",
		metric.WithDescription("Orchestration instance duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrchestrationsTotal, err = meter.Int64Counter(
		"orchestrations_total",
		metric.WithDescription("Total number of finished orchestration instances"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.OrchestrationsActive, err = meter.Int64UpDownCounter(
		"orchestrations_active",
		metric.WithDescription("Number of running orchestration instances (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ExternalEventsRaised, err = meter.Int64Counter(
		"external_events_raised_total",
		metric.WithDescription("Total number of external events raised to orchestration instances"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, durationSeconds float64) {
	attrs := metric.WithAttributes(
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job whose tasks were accepted by the batch service.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, poolID string, tasks int, durationSeconds float64) {
	attrs := metric.WithAttributes(poolAttr(poolID))
	m.JobsSubmitted.Add(ctx, 1, attrs)
	m.TasksSubmitted.Add(ctx, int64(tasks), attrs)
	m.SubmissionDuration.Record(ctx, durationSeconds, attrs)
}

// RecordIdempotentConflict records a create call that found the resource already present.
func (m *Metrics) RecordIdempotentConflict(ctx context.Context, resource string) {
	m.IdempotentConflicts.Add(ctx, 1, metric.WithAttributes(resourceAttr(resource)))
}

// RecordSubmissionError records a submission that failed at the given step.
func (m *Metrics) RecordSubmissionError(ctx context.Context, op string) {
	m.SubmissionErrorsTotal.Add(ctx, 1, metric.WithAttributes(opAttr(op)))
}

// RecordOutputFetch records a task output retrieval.
func (m *Metrics) RecordOutputFetch(ctx context.Context, success bool) {
	m.OutputFetchesTotal.Add(ctx, 1, metric.WithAttributes(successAttr(success)))
}

// RecordOrchestrationStarted records a new orchestration instance.
func (m *Metrics) RecordOrchestrationStarted(ctx context.Context, name string) {
	m.OrchestrationsActive.Add(ctx, 1, metric.WithAttributes(orchestrationAttr(name)))
}

// RecordOrchestrationCompleted records an orchestration instance finishing (success or failure).
func (m *Metrics) RecordOrchestrationCompleted(ctx context.Context, name string, success bool, durationSeconds float64) {
	attrs := metric.WithAttributes(orchestrationAttr(name), successAttr(success))
	m.OrchestrationDuration.Record(ctx, durationSeconds, attrs)
	m.OrchestrationsTotal.Add(ctx, 1, attrs)
	m.OrchestrationsActive.Add(ctx, -1, metric.WithAttributes(orchestrationAttr(name)))
}

// RecordExternalEvent records an external event raised to an instance.
func (m *Metrics) RecordExternalEvent(ctx context.Context) {
	m.ExternalEventsRaised.Add(ctx, 1)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
