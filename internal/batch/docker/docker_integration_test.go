//go:build integration

package docker

import (
	"batchbridge/internal/batch"
	"batchbridge/internal/testutil"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(context.Background(), Config{Image: "alpine:latest"})
	if err != nil {
		t.Fatalf("Failed to create backend: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func createTestPool(t *testing.T, b *Backend) string {
	t.Helper()
	ctx := context.Background()
	poolID := fmt.Sprintf("it-pool-%d", time.Now().UnixNano())
	if err := b.CreatePool(ctx, batch.PoolSpec{ID: poolID, VMSize: "STANDARD_A1_v2"}); err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	t.Cleanup(func() { _ = b.DeletePool(context.Background(), poolID) })
	return poolID
}

func waitForJobState(t *testing.T, b *Backend, jobID string, want batch.JobState) {
	t.Helper()
	testutil.MustWaitFor(t, func() bool {
		info, err := b.GetJob(context.Background(), jobID)
		return err == nil && info.State == want
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(200*time.Millisecond))
}

func TestBackend_PoolExists(t *testing.T) {
	b := newTestBackend(t)
	poolID := createTestPool(t, b)

	err := b.CreatePool(context.Background(), batch.PoolSpec{ID: poolID})
	if !batch.HasCode(err, batch.CodePoolExists) {
		t.Fatalf("Expected PoolExists, got %v", err)
	}
}

func TestBackend_JobWithDependencies(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	poolID := createTestPool(t, b)
	jobID := fmt.Sprintf("it-job-%d", time.Now().UnixNano())

	err := b.CreateJob(ctx, batch.JobSpec{ID: jobID, PoolID: poolID, UsesTaskDependencies: true, OnAllTasksComplete: batch.TerminateJob})
	if err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	if err := b.CreateJob(ctx, batch.JobSpec{ID: jobID, PoolID: poolID}); !batch.HasCode(err, batch.CodeJobExists) {
		t.Fatalf("Expected JobExists, got %v", err)
	}

	err = b.AddTasks(ctx, jobID, []batch.TaskSpec{
		{ID: "Tokio", CommandLine: "echo 'Saying hello to Tokio.'", SatisfyDependentsOnFailure: true},
		{ID: "Broken", CommandLine: "exit 3", SatisfyDependentsOnFailure: true},
		{ID: "last", CommandLine: "echo done", DependsOn: []string{"Tokio", "Broken"}},
	})
	if err != nil {
		t.Fatalf("Failed to add tasks: %v", err)
	}

	waitForJobState(t, b, jobID, batch.JobCompleted)

	out, err := b.GetTaskFile(ctx, jobID, "Tokio", batch.StdoutFile)
	if err != nil {
		t.Fatalf("Failed to read stdout: %v", err)
	}
	if strings.TrimSpace(out) != "Saying hello to Tokio." {
		t.Errorf("Unexpected stdout %q", out)
	}

	if _, err := b.GetTaskFile(ctx, jobID, "missing", batch.StdoutFile); !batch.HasCode(err, batch.CodeTaskNotFound) {
		t.Errorf("Expected TaskNotFound, got %v", err)
	}

	err = b.AddTasks(ctx, jobID, []batch.TaskSpec{{ID: "late", CommandLine: "true"}})
	if !batch.HasCode(err, batch.CodeJobCompleted) {
		t.Errorf("Expected JobCompleted when adding to a completed job, got %v", err)
	}
	if err := b.CreateJob(ctx, batch.JobSpec{ID: jobID, PoolID: poolID}); !batch.HasCode(err, batch.CodeJobCompleted) {
		t.Errorf("Expected JobCompleted on re-create, got %v", err)
	}
}

func TestBackend_ReconcileAfterRestart(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	poolID := createTestPool(t, b)
	jobID := fmt.Sprintf("it-restart-%d", time.Now().UnixNano())

	if err := b.CreateJob(ctx, batch.JobSpec{ID: jobID, PoolID: poolID, UsesTaskDependencies: true, OnAllTasksComplete: batch.TerminateJob}); err != nil {
		t.Fatalf("Failed to create job: %v", err)
	}
	err := b.AddTasks(ctx, jobID, []batch.TaskSpec{
		{ID: "slow", CommandLine: "sleep 3; echo slow"},
		{ID: "after", CommandLine: "echo after", DependsOn: []string{"slow"}},
	})
	if err != nil {
		t.Fatalf("Failed to add tasks: %v", err)
	}
	_ = b.Close()

	restarted := newTestBackend(t)
	waitForJobState(t, restarted, jobID, batch.JobCompleted)

	out, err := restarted.GetTaskFile(ctx, jobID, "after", batch.StdoutFile)
	if err != nil {
		t.Fatalf("Failed to read stdout after restart: %v", err)
	}
	if strings.TrimSpace(out) != "after" {
		t.Errorf("Unexpected stdout %q", out)
	}
}

func TestBackend_CleanupExpiredJobs(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	poolID := createTestPool(t, b)
	jobID := fmt.Sprintf("it-expire-%d", time.Now().UnixNano())

	_ = b.CreateJob(ctx, batch.JobSpec{ID: jobID, PoolID: poolID, OnAllTasksComplete: batch.TerminateJob})
	if err := b.AddTasks(ctx, jobID, []batch.TaskSpec{{ID: "a", CommandLine: "true"}}); err != nil {
		t.Fatalf("Failed to add tasks: %v", err)
	}
	waitForJobState(t, b, jobID, batch.JobCompleted)

	b.cleanupExpiredJobs(ctx, time.Now().Add(b.retentionPeriod+time.Minute))

	if _, err := b.GetJob(ctx, jobID); !batch.HasCode(err, batch.CodeJobNotFound) {
		t.Errorf("Expected expired job to be gone, got %v", err)
	}
}
