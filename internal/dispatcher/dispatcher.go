// Package dispatcher delivers orchestration lifecycle callbacks asynchronously
// with buffering, retry and a circuit breaker per destination.
package dispatcher

import (
	"batchbridge/pkg/cloudevent"
	"context"
	"errors"
)

// Errors returned by Dispatch.
var (
	ErrBufferFull = errors.New("callback buffer full, event dropped")
	ErrClosed     = errors.New("callback dispatcher is closed")
)

// Dispatcher queues callbacks for delivery.
type Dispatcher interface {
	// Dispatch queues an event without blocking.
	Dispatch(event *Event) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close stops intake and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is one callback: a CloudEvent posted to Destination, signed with
// SigningKey when it is set.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string
	// Requeues counts how often the event waited for an open circuit.
	Requeues int
}

// Stats holds dispatcher counters since start.
type Stats struct {
	QueueDepth    int
	Queued        int64
	Delivered     int64
	Failed        int64 // gave up after retries or a rejecting receiver
	Dropped       int64 // full buffer or too many requeues
	Requeued      int64
	RetriesTotal  int64
	BreakersTotal int // one per destination seen
	BreakersOpen  int
}
