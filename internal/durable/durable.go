// Package durable defines the orchestration engine interface the bridge runs
// under and provides a small in-process host implementing it.
//
// Orchestrations are functions that call activities and wait for named
// external events. Every call is a suspension point: the orchestration blocks
// until the activity returns or the event is raised. Inputs, outputs and
// event payloads cross the boundary as JSON.
//
// The host keeps instances in memory. It does not replay orchestrations or
// persist history; a restart loses running instances.
package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// OrchestrationContext is the view an orchestration has of the engine. Its
// methods are safe for concurrent use so an orchestration can fan out.
type OrchestrationContext interface {
	// InstanceID is the id of the running orchestration instance.
	InstanceID() string
	// GetInput decodes the input the instance was started with into v.
	GetInput(v any) error
	// CallActivity runs a registered activity and decodes its output into out.
	// out may be nil. Activity failures are returned as *ActivityError.
	CallActivity(ctx context.Context, name string, input, out any) error
	// WaitForExternalEvent blocks until an event with the given name is raised
	// for this instance and decodes its payload into out. Each raised event
	// resumes exactly one wait. Events raised before the wait are buffered.
	WaitForExternalEvent(ctx context.Context, name string, out any) error
	// SetCustomStatus publishes a JSON-serialisable progress value in the
	// instance status.
	SetCustomStatus(status any)
}

// ActivityContext is the view an activity has of its invocation.
type ActivityContext interface {
	InstanceID() string
	// GetInput decodes the activity input into v.
	GetInput(v any) error
}

// OrchestratorFunc is the body of an orchestration. The returned value
// becomes the instance output.
type OrchestratorFunc func(ctx context.Context, oc OrchestrationContext) (any, error)

// ActivityFunc is the body of an activity.
type ActivityFunc func(ctx context.Context, ac ActivityContext) (any, error)

// ActivityError is a failed activity call as seen by the orchestration.
type ActivityError struct {
	Name       string
	InstanceID string
	Cause      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed: %v", e.Name, e.Cause)
}

func (e *ActivityError) Unwrap() error {
	return e.Cause
}

// RuntimeStatus is the lifecycle state of an orchestration instance.
type RuntimeStatus string

const (
	StatusPending    RuntimeStatus = "Pending"
	StatusRunning    RuntimeStatus = "Running"
	StatusCompleted  RuntimeStatus = "Completed"
	StatusFailed     RuntimeStatus = "Failed"
	StatusTerminated RuntimeStatus = "Terminated"
)

// Terminal reports whether the instance has stopped running.
func (s RuntimeStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTerminated
}

// Status is a snapshot of an orchestration instance.
type Status struct {
	Name            string          `json:"name"`
	InstanceID      string          `json:"instanceId"`
	RuntimeStatus   RuntimeStatus   `json:"runtimeStatus"`
	Input           json.RawMessage `json:"input,omitempty"`
	CustomStatus    json.RawMessage `json:"customStatus,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CreatedTime     time.Time       `json:"createdTime"`
	LastUpdatedTime time.Time       `json:"lastUpdatedTime"`
}

// Callback receives lifecycle events of an instance.
type Callback struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
	Key    string   `json:"key,omitempty"` // HMAC signing key
}
