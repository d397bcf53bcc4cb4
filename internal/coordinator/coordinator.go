// Package coordinator drives batch jobs from inside an orchestration: it
// submits them through activities, waits for their completion events and
// collects their outputs in caller order.
//
// Activity contracts:
//
//   - submit activities receive the caller's input (a job name for FanOutJobs,
//     the task id list for SingleJobTasks) and create the job for the calling
//     instance;
//   - output activities receive the same input and return the job's output
//     (a string per job, or one string per task);
//   - state activities receive an effective job id and return a JobState.
package coordinator

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/batch"
	"batchbridge/internal/batchjob"
	"batchbridge/internal/durable"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ErrCompletionTimeout is returned when a job's completion event did not
// arrive within WaitOptions.Timeout and the job is not finished.
var ErrCompletionTimeout = errors.New("batch job completion event not received")

// JobState is the output of a state activity.
type JobState struct {
	State  batch.JobState `json:"state,omitempty"`
	Exists bool           `json:"exists"`
}

// WaitOptions bounds a completion wait.
type WaitOptions struct {
	// Timeout is how long to wait for the completion event. Zero waits indefinitely.
	Timeout time.Duration
	// StateActivity, when set, is consulted after a timeout: a job the service
	// reports as finished counts as completed even though its event never arrived.
	StateActivity string
}

// FanOutJobsSpec describes one job per input, each created by its own submission.
type FanOutJobsSpec struct {
	Inputs         []string
	SubmitActivity string
	OutputActivity string
	// ResultsActivity, when set, receives the ordered results.
	ResultsActivity string
	Wait            WaitOptions
}

// SingleJobSpec describes one job holding one task per id.
type SingleJobSpec struct {
	TaskIDs         []string
	SubmitActivity  string
	OutputActivity  string
	ResultsActivity string
	Wait            WaitOptions
}

// FanOutJobs submits one job per input, waits for all of them to finish and
// returns their outputs in input order. A failure in any branch fails the
// call after every branch of the same step has returned.
func FanOutJobs(ctx context.Context, oc durable.OrchestrationContext, spec FanOutJobsSpec) ([]string, error) {
	if len(spec.Inputs) == 0 {
		return nil, apperrors.Validation("inputs", "at least one job is required")
	}
	logger := slog.With("instanceId", oc.InstanceID())
	tracker := NewTracker(oc, spec.Inputs...)

	err := forEach(len(spec.Inputs), func(i int) error {
		input := spec.Inputs[i]
		if err := oc.CallActivity(ctx, spec.SubmitActivity, input, nil); err != nil {
			tracker.Fail(input, err)
			return fmt.Errorf("submit job %s: %w", input, err)
		}
		tracker.Advance(input, PhaseAwaitingCompletion)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Jobs submitted, awaiting completion", "jobs", len(spec.Inputs))

	err = forEach(len(spec.Inputs), func(i int) error {
		input := spec.Inputs[i]
		if err := WaitForBatchJob(ctx, oc, input, spec.Wait); err != nil {
			tracker.Fail(input, err)
			return fmt.Errorf("wait for job %s: %w", input, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]string, len(spec.Inputs))
	err = forEach(len(spec.Inputs), func(i int) error {
		input := spec.Inputs[i]
		if err := oc.CallActivity(ctx, spec.OutputActivity, input, &results[i]); err != nil {
			tracker.Fail(input, err)
			return fmt.Errorf("fetch output of job %s: %w", input, err)
		}
		tracker.Advance(input, PhaseCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := writeResults(ctx, oc, spec.ResultsActivity, results); err != nil {
		return nil, err
	}
	return results, nil
}

// SingleJobTasks submits one job carrying every task, waits for its single
// completion event and returns one output per task in submission order.
func SingleJobTasks(ctx context.Context, oc durable.OrchestrationContext, spec SingleJobSpec) ([]string, error) {
	if len(spec.TaskIDs) == 0 {
		return nil, apperrors.Validation("taskIds", "at least one task is required")
	}
	jobID := batchjob.JobID(oc.InstanceID(), "")
	tracker := NewTracker(oc, jobID)

	fail := func(step string, err error) ([]string, error) {
		tracker.Fail(jobID, err)
		return nil, fmt.Errorf("%s job %s: %w", step, jobID, err)
	}

	if err := oc.CallActivity(ctx, spec.SubmitActivity, spec.TaskIDs, nil); err != nil {
		return fail("submit", err)
	}
	tracker.Advance(jobID, PhaseAwaitingCompletion)

	if err := WaitForBatchJob(ctx, oc, "", spec.Wait); err != nil {
		return fail("wait for", err)
	}

	var results []string
	if err := oc.CallActivity(ctx, spec.OutputActivity, spec.TaskIDs, &results); err != nil {
		return fail("fetch output of", err)
	}
	if len(results) != len(spec.TaskIDs) {
		return fail("fetch output of", fmt.Errorf("expected %d outputs, got %d", len(spec.TaskIDs), len(results)))
	}
	tracker.Advance(jobID, PhaseCompleted)

	if err := writeResults(ctx, oc, spec.ResultsActivity, results); err != nil {
		return nil, err
	}
	return results, nil
}

// WaitForBatchJob waits for the completion event of the job the calling
// instance created under userJobID. An empty userJobID refers to the job
// named after the instance itself.
func WaitForBatchJob(ctx context.Context, oc durable.OrchestrationContext, userJobID string, opts WaitOptions) error {
	jobID := batchjob.JobID(oc.InstanceID(), userJobID)
	eventName := batchjob.EventName(jobID)

	if opts.Timeout <= 0 {
		return oc.WaitForExternalEvent(ctx, eventName, nil)
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	err := oc.WaitForExternalEvent(waitCtx, eventName, nil)
	if err == nil || ctx.Err() != nil || !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	logger := slog.With("instanceId", oc.InstanceID(), "jobId", jobID)
	if opts.StateActivity == "" {
		logger.Warn("Completion event timed out", "timeout", opts.Timeout)
		return fmt.Errorf("%w: job %s after %s", ErrCompletionTimeout, jobID, opts.Timeout)
	}

	var state JobState
	if err := oc.CallActivity(ctx, opts.StateActivity, jobID, &state); err != nil {
		return fmt.Errorf("reconcile job %s: %w", jobID, err)
	}
	if state.Exists && state.State.Terminal() {
		logger.Warn("Completion event missing but job finished, continuing", "state", state.State)
		return nil
	}
	logger.Warn("Completion event timed out", "timeout", opts.Timeout, "state", state.State, "exists", state.Exists)
	return fmt.Errorf("%w: job %s is %s after %s", ErrCompletionTimeout, jobID, describe(state), opts.Timeout)
}

func describe(s JobState) string {
	if !s.Exists {
		return "absent"
	}
	return string(s.State)
}

func writeResults(ctx context.Context, oc durable.OrchestrationContext, activity string, results []string) error {
	if activity == "" {
		return nil
	}
	if err := oc.CallActivity(ctx, activity, results, nil); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// forEach runs fn for 0..n-1 concurrently and waits for all of them.
func forEach(n int, fn func(i int) error) error {
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(i); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return result.ErrorOrNil()
}
