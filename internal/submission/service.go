// Package submission creates jobs, pools and tasks on the batch service on
// behalf of orchestrations.
//
// Submission is safe to repeat: a job or pool that already exists is logged
// and reused, so a replayed or concurrently fanned-out activity converges on
// one logical job and one shared pool. Partial failures are not rolled back.
package submission

import (
	"batchbridge/internal/batch"
	"batchbridge/internal/batchjob"
	"batchbridge/internal/notify"
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Submission steps, reported in Error.Op and metrics.
const (
	OpValidate   = "validate"
	OpSignal     = "buildSignalTask"
	OpCreateJob  = "createJob"
	OpCreatePool = "createPool"
	OpAddTasks   = "addTasks"
)

// Error is a fatal submission failure. Resources created before the failing
// step are left in place.
type Error struct {
	Op    string
	JobID string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("submit job %s: %s: %v", e.JobID, e.Op, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// MetricsRecorder is an optional interface for recording submission metrics.
type MetricsRecorder interface {
	RecordJobSubmitted(ctx context.Context, poolID string, tasks int, durationSeconds float64)
	RecordIdempotentConflict(ctx context.Context, resource string)
	RecordSubmissionError(ctx context.Context, op string)
}

// Service submits jobs to the batch service.
type Service struct {
	client   batch.Client
	notifier *notify.Protocol
	defaults batchjob.Defaults
	metrics  MetricsRecorder
	tracer   trace.Tracer
}

// NewService creates a submission service. defaults are the service-wide pool
// settings; metrics may be nil.
func NewService(client batch.Client, notifier *notify.Protocol, defaults batchjob.Defaults, metrics MetricsRecorder) *Service {
	return &Service{
		client:   client,
		notifier: notifier,
		defaults: defaults,
		metrics:  metrics,
		tracer:   otel.Tracer("batchbridge/submission"),
	}
}

// Submit creates the job, its pool and its tasks, returning the effective job id.
func (s *Service) Submit(ctx context.Context, job batchjob.Job) (string, error) {
	return s.SubmitWithBinding(ctx, job, batchjob.Defaults{})
}

// SubmitWithBinding is Submit with job-level defaults that take precedence over
// the service-wide defaults but not over values set on the job itself.
func (s *Service) SubmitWithBinding(ctx context.Context, job batchjob.Job, binding batchjob.Defaults) (string, error) {
	start := time.Now()
	jobID := job.EffectiveID()

	ctx, span := s.tracer.Start(ctx, "submission.Submit", trace.WithAttributes(
		attribute.String("batch.job.id", jobID),
		attribute.String("orchestration.instance.id", job.InstanceID),
		attribute.Int("batch.task.count", len(job.Tasks)),
	))
	defer span.End()

	logger := slog.With("jobId", jobID, "instanceId", job.InstanceID)

	fail := func(op string, err error) (string, error) {
		if s.metrics != nil {
			s.metrics.RecordSubmissionError(ctx, op)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, op)
		logger.Error("Job submission failed", "op", op, "error", err)
		return jobID, &Error{Op: op, JobID: jobID, Cause: err}
	}

	if err := job.Validate(); err != nil {
		return fail(OpValidate, err)
	}

	pool := batchjob.Resolve(job, binding, s.defaults)
	if err := batchjob.ValidatePool(pool); err != nil {
		return fail(OpValidate, err)
	}
	span.SetAttributes(attribute.String("batch.pool.id", pool.ID))

	// Must run before any call to the service: a missing callback endpoint
	// fails the submission with nothing created.
	var signal *batch.TaskSpec
	if job.Linked() {
		if s.notifier == nil {
			return fail(OpSignal, fmt.Errorf("no completion notifier configured"))
		}
		task, err := s.notifier.SignalTask(job.InstanceID, jobID, pool.NodeAgentSKUID, job.TaskIDs())
		if err != nil {
			return fail(OpSignal, err)
		}
		signal = &task
	}

	err := s.client.CreateJob(ctx, batch.JobSpec{
		ID:                   jobID,
		PoolID:               pool.ID,
		UsesTaskDependencies: job.Linked(),
		OnAllTasksComplete:   batch.TerminateJob,
	})
	switch {
	case batch.HasCode(err, batch.CodeJobExists, batch.CodeJobCompleted):
		logger.Warn("Job already exists, continuing", "error", err)
		s.recordConflict(ctx, "job")
	case err != nil:
		return fail(OpCreateJob, err)
	}

	err = s.client.CreatePool(ctx, pool)
	switch {
	case batch.HasCode(err, batch.CodePoolExists):
		logger.Warn("Pool already exists, continuing", "poolId", pool.ID)
		s.recordConflict(ctx, "pool")
	case err != nil:
		return fail(OpCreatePool, err)
	}

	tasks := make([]batch.TaskSpec, 0, len(job.Tasks)+1)
	for _, t := range job.Tasks {
		tasks = append(tasks, batch.TaskSpec{
			ID:                         t.ID,
			CommandLine:                t.CommandLine,
			SatisfyDependentsOnFailure: job.Linked(),
		})
	}
	if signal != nil {
		tasks = append(tasks, *signal)
	}

	if err := s.client.AddTasks(ctx, jobID, tasks); err != nil {
		return fail(OpAddTasks, err)
	}

	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, pool.ID, len(tasks), time.Since(start).Seconds())
	}
	logger.Info("Job submitted", "poolId", pool.ID, "tasks", len(tasks))
	return jobID, nil
}

func (s *Service) recordConflict(ctx context.Context, resource string) {
	if s.metrics != nil {
		s.metrics.RecordIdempotentConflict(ctx, resource)
	}
}
