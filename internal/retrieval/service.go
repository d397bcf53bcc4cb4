// Package retrieval reads results and state of jobs from the batch service.
package retrieval

import (
	"batchbridge/internal/batch"
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error is a failed read from the batch service. It is always returned to the
// caller; a missing output is never reported as an empty string.
type Error struct {
	JobID  string
	TaskID string
	Cause  error
}

func (e *Error) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("retrieve job %s: %v", e.JobID, e.Cause)
	}
	return fmt.Sprintf("retrieve job %s task %s: %v", e.JobID, e.TaskID, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// MetricsRecorder is an optional interface for recording retrieval metrics.
type MetricsRecorder interface {
	RecordOutputFetch(ctx context.Context, success bool)
}

// Service reads task outputs and job state.
type Service struct {
	client  batch.Client
	metrics MetricsRecorder
	tracer  trace.Tracer
}

// NewService creates a retrieval service. metrics may be nil.
func NewService(client batch.Client, metrics MetricsRecorder) *Service {
	return &Service{
		client:  client,
		metrics: metrics,
		tracer:  otel.Tracer("batchbridge/retrieval"),
	}
}

// GetStdOut returns the standard output of a finished task.
func (s *Service) GetStdOut(ctx context.Context, jobID, taskID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.GetStdOut", trace.WithAttributes(
		attribute.String("batch.job.id", jobID),
		attribute.String("batch.task.id", taskID),
	))
	defer span.End()

	out, err := s.client.GetTaskFile(ctx, jobID, taskID, batch.StdoutFile)
	if s.metrics != nil {
		s.metrics.RecordOutputFetch(ctx, err == nil)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get task file")
		slog.Error("Failed to fetch task output", "jobId", jobID, "taskId", taskID, "error", err)
		return "", &Error{JobID: jobID, TaskID: taskID, Cause: err}
	}
	return out, nil
}

// GetJobState returns the state of a job. ok is false when the job does not
// exist; any other failure is an error.
func (s *Service) GetJobState(ctx context.Context, jobID string) (state batch.JobState, ok bool, err error) {
	ctx, span := s.tracer.Start(ctx, "retrieval.GetJobState", trace.WithAttributes(
		attribute.String("batch.job.id", jobID),
	))
	defer span.End()

	info, err := s.client.GetJob(ctx, jobID)
	switch {
	case batch.HasCode(err, batch.CodeJobNotFound):
		return "", false, nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "get job")
		return "", false, &Error{JobID: jobID, Cause: err}
	}
	span.SetAttributes(attribute.String("batch.job.state", string(info.State)))
	return info.State, true, nil
}

// GetJob returns the observed job. A missing job is an *Error wrapping the
// service's not-found error.
func (s *Service) GetJob(ctx context.Context, jobID string) (*batch.JobInfo, error) {
	info, err := s.client.GetJob(ctx, jobID)
	if err != nil {
		return nil, &Error{JobID: jobID, Cause: err}
	}
	return info, nil
}

// DeletePool deletes a pool. Submission never deletes pools; this is the only
// path that does.
func (s *Service) DeletePool(ctx context.Context, poolID string) error {
	if err := s.client.DeletePool(ctx, poolID); err != nil {
		return fmt.Errorf("delete pool %s: %w", poolID, err)
	}
	slog.Info("Pool deleted", "poolId", poolID)
	return nil
}
