package health

import (
	"context"
	"errors"
	"testing"
)

type readyFunc func(ctx context.Context) error

func (f readyFunc) Ready(ctx context.Context) error { return f(ctx) }

func TestChecker_Liveness(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Liveness(context.Background())

	if response.Status != StatusHealthy {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
}

func TestChecker_Readiness_NoBatchBackend(t *testing.T) {
	t.Parallel()
	checker := NewChecker(nil)

	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy status, got %s", response.Status)
	}

	if response.Checks == nil {
		t.Fatal("Expected checks to be present")
	}

	batchCheck, ok := response.Checks["batch"]
	if !ok {
		t.Fatal("Expected batch check to be present")
	}

	if batchCheck.Status != StatusUnhealthy {
		t.Errorf("Expected batch check to be unhealthy, got %s", batchCheck.Status)
	}
}

func TestChecker_Readiness_Healthy(t *testing.T) {
	t.Parallel()
	checker := NewChecker(readyFunc(func(ctx context.Context) error { return nil }))
	checker.Register("results", readyFunc(func(ctx context.Context) error { return nil }))

	response := checker.Readiness(context.Background())

	if !response.IsHealthy() {
		t.Errorf("Expected healthy status, got %s", response.Status)
	}
	if len(response.Checks) != 2 {
		t.Errorf("Expected 2 checks, got %d", len(response.Checks))
	}
}

func TestChecker_Readiness_DegradedDependency(t *testing.T) {
	t.Parallel()
	checker := NewChecker(readyFunc(func(ctx context.Context) error { return nil }))
	checker.Register("results", readyFunc(func(ctx context.Context) error { return errors.New("database is locked") }))

	response := checker.Readiness(context.Background())

	if response.Status != StatusDegraded {
		t.Errorf("Expected degraded status, got %s", response.Status)
	}
	if !response.Serving() {
		t.Error("Expected a degraded service to keep serving")
	}
	if response.Checks["results"].Message != "database is locked" {
		t.Errorf("Unexpected message %q", response.Checks["results"].Message)
	}
}

func TestChecker_Readiness_BatchDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(readyFunc(func(ctx context.Context) error { return errors.New("connection refused") }))

	response := checker.Readiness(context.Background())

	if response.Serving() {
		t.Error("Expected service out of rotation when the batch backend is down")
	}
}

func TestChecker_Readiness_Cached(t *testing.T) {
	t.Parallel()
	calls := 0
	checker := NewChecker(readyFunc(func(ctx context.Context) error {
		calls++
		return nil
	}))

	checker.Readiness(context.Background())
	checker.Readiness(context.Background())

	if calls != 1 {
		t.Errorf("Expected cached readiness, backend checked %d times", calls)
	}
}

func TestChecker_ShuttingDown(t *testing.T) {
	t.Parallel()
	checker := NewChecker(readyFunc(func(ctx context.Context) error { return nil }))
	checker.Readiness(context.Background())

	checker.SetShuttingDown()
	response := checker.Readiness(context.Background())

	if response.Status != StatusUnhealthy {
		t.Errorf("Expected unhealthy after shutdown, got %s", response.Status)
	}
	if _, ok := response.Checks["shutdown"]; !ok {
		t.Error("Expected shutdown check")
	}
}

func TestResponse_IsHealthy(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		status   Status
		expected bool
	}{
		{"healthy", StatusHealthy, true},
		{"unhealthy", StatusUnhealthy, false},
		{"degraded", StatusDegraded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			response := &Response{Status: tt.status}
			if response.IsHealthy() != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", response.IsHealthy(), tt.expected)
			}
		})
	}
}
