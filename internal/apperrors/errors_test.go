package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestValidation(t *testing.T) {
	t.Parallel()
	err := Validation("id", "job id is required")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to match ErrValidation")
	}
	if err.Error() != "job id is required" {
		t.Errorf("expected message 'job id is required', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Field != "id" {
		t.Errorf("expected field 'id', got %q", appErr.Field)
	}
}

func TestNotFound(t *testing.T) {
	t.Parallel()
	err := NotFound("instance", "abc123")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected error to match ErrNotFound")
	}
	if err.Error() != "instance abc123 not found" {
		t.Errorf("expected message 'instance abc123 not found', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "instance" {
		t.Errorf("expected resource 'instance', got %q", appErr.Resource)
	}
}

func TestConflict(t *testing.T) {
	t.Parallel()
	err := Conflict("pool", "abc123", "pool already exists")

	if !errors.Is(err, ErrConflict) {
		t.Error("expected error to match ErrConflict")
	}
	if err.Error() != "pool already exists" {
		t.Errorf("expected message 'pool already exists', got %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Resource != "pool" {
		t.Errorf("expected resource 'pool', got %q", appErr.Resource)
	}
}

func TestInternal(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("batch account unreachable")
	err := Internal("batch.addTasks", cause)

	if !errors.Is(err, ErrInternal) {
		t.Error("expected error to match ErrInternal")
	}
	if err.Error() != "batch.addTasks: batch account unreachable" {
		t.Errorf("unexpected message: %q", err.Error())
	}

	var appErr *Error
	if !errors.As(err, &appErr) {
		t.Fatal("expected error to be *Error")
	}
	if appErr.Op != "batch.addTasks" {
		t.Errorf("expected op 'batch.addTasks', got %q", appErr.Op)
	}
	if appErr.Cause != cause {
		t.Error("expected cause to be preserved")
	}
	if !errors.Is(err, cause) {
		t.Error("expected errors.Is to reach the cause")
	}
}

func TestUnavailable(t *testing.T) {
	t.Parallel()
	cause := fmt.Errorf("connection refused")
	err := Unavailable("batch.ping", cause)

	if !errors.Is(err, ErrUnavailable) {
		t.Error("expected error to match ErrUnavailable")
	}
	if errors.Is(err, ErrInternal) {
		t.Error("unavailable must not classify as internal")
	}
	if err.Error() != "batch.ping: connection refused" {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"validation", Validation("id", "required"), http.StatusBadRequest},
		{"not found", NotFound("instance", "123"), http.StatusNotFound},
		{"conflict", Conflict("pool", "123", "exists"), http.StatusConflict},
		{"internal", Internal("op", fmt.Errorf("fail")), http.StatusInternalServerError},
		{"unavailable", Unavailable("op", fmt.Errorf("down")), http.StatusServiceUnavailable},
		{"sentinel validation", ErrValidation, http.StatusBadRequest},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"sentinel conflict", ErrConflict, http.StatusConflict},
		{"sentinel internal", ErrInternal, http.StatusInternalServerError},
		{"wrapped validation", fmt.Errorf("wrap: %w", Validation("f", "m")), http.StatusBadRequest},
		{"unknown error", fmt.Errorf("unknown"), http.StatusInternalServerError},
		{"nil error", nil, http.StatusInternalServerError},
		{"deadline", fmt.Errorf("get job: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{"unavailable after deadline", Unavailable("op", context.DeadlineExceeded), http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := HTTPStatus(tt.err)
			if got != tt.expected {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err  error
		want string
	}{
		{Validation("id", "required"), "validation"},
		{NotFound("instance", "abc"), "not_found"},
		{Conflict("instance", "abc", "already completed"), "conflict"},
		{Unavailable("batch", errors.New("circuit open")), "unavailable"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("boom"), "internal"},
	}
	for _, tt := range tests {
		if got := Code(tt.err); got != tt.want {
			t.Errorf("Code(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorsIsWithWrapping(t *testing.T) {
	t.Parallel()
	// Ensure errors.Is works through fmt.Errorf wrapping
	original := Validation("id", "required")
	wrapped := fmt.Errorf("service error: %w", original)
	doubleWrapped := fmt.Errorf("handler error: %w", wrapped)

	if !errors.Is(doubleWrapped, ErrValidation) {
		t.Error("expected errors.Is to find ErrValidation through multiple wraps")
	}
}
