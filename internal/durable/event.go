package durable

import (
	"batchbridge/pkg/cloudevent"
	"slices"
)

// Event types for orchestration lifecycle callbacks
const (
	EventTypeStarted   = "batchbridge.orchestration.started"
	EventTypeCompleted = "batchbridge.orchestration.completed"
	EventTypeFailed    = "batchbridge.orchestration.failed"
)

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventBuilder builds CloudEvents for orchestration lifecycle events.
type EventBuilder struct {
	source  string
	subject string
	name    string
}

// NewEventBuilder creates a new EventBuilder for one instance.
func NewEventBuilder(instanceID, source, name string) *EventBuilder {
	return &EventBuilder{
		source:  source,
		subject: instanceID,
		name:    name,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.subject, data)
}

// BuildStartedEvent creates an orchestration started event.
func (b *EventBuilder) BuildStartedEvent() *cloudevent.CloudEvent {
	return b.Build(EventTypeStarted, map[string]any{
		"instanceId": b.subject,
		"name":       b.name,
	})
}

// BuildCompletedEvent creates an orchestration completed event carrying the output.
func (b *EventBuilder) BuildCompletedEvent(output any) *cloudevent.CloudEvent {
	data := map[string]any{
		"instanceId": b.subject,
		"name":       b.name,
	}
	if output != nil {
		data["output"] = output
	}
	return b.Build(EventTypeCompleted, data)
}

// BuildFailedEvent creates an orchestration failed event.
func (b *EventBuilder) BuildFailedEvent(err error) *cloudevent.CloudEvent {
	data := map[string]any{
		"instanceId": b.subject,
		"name":       b.name,
	}
	if err != nil {
		data["error"] = err.Error()
	}
	return b.Build(EventTypeFailed, data)
}
