package durable

import (
	"batchbridge/internal/apperrors"
	"batchbridge/internal/dispatcher"
	"batchbridge/pkg/cloudevent"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when starting an instance on a closed host.
var ErrClosed = errors.New("orchestration host is closed")

const defaultSource = "batchbridge"

// MetricsRecorder is an optional interface for recording orchestration metrics.
type MetricsRecorder interface {
	RecordOrchestrationStarted(ctx context.Context, name string)
	RecordOrchestrationCompleted(ctx context.Context, name string, success bool, durationSeconds float64)
	RecordExternalEvent(ctx context.Context)
}

// Config holds host configuration.
type Config struct {
	// Source is the CloudEvent source of lifecycle callbacks (default: "batchbridge").
	Source string
}

// Host runs orchestrations and activities in-process.
type Host struct {
	regMu         sync.RWMutex
	orchestrators map[string]OrchestratorFunc
	activities    map[string]ActivityFunc

	mu        sync.RWMutex
	instances map[string]*instance

	dispatcher dispatcher.Dispatcher
	metrics    MetricsRecorder
	source     string
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

type instance struct {
	id       string
	name     string
	input    json.RawMessage
	callback *Callback
	events   *EventBuilder
	mailbox  *mailbox
	done     chan struct{}

	mu      sync.Mutex
	status  RuntimeStatus
	custom  json.RawMessage
	output  json.RawMessage
	created time.Time
	updated time.Time
}

// NewHost creates a host. d delivers lifecycle callbacks and may be nil, as may metrics.
func NewHost(cfg Config, d dispatcher.Dispatcher, metrics MetricsRecorder) *Host {
	if cfg.Source == "" {
		cfg.Source = defaultSource
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		orchestrators: make(map[string]OrchestratorFunc),
		activities:    make(map[string]ActivityFunc),
		instances:     make(map[string]*instance),
		dispatcher:    d,
		metrics:       metrics,
		source:        cfg.Source,
		logger:        slog.With("component", "durable"),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// RegisterOrchestrator registers an orchestration under name, replacing any previous one.
func (h *Host) RegisterOrchestrator(name string, fn OrchestratorFunc) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.orchestrators[name] = fn
}

// RegisterActivity registers an activity under name, replacing any previous one.
func (h *Host) RegisterActivity(name string, fn ActivityFunc) {
	h.regMu.Lock()
	defer h.regMu.Unlock()
	h.activities[name] = fn
}

type startOptions struct {
	instanceID string
	callback   *Callback
}

// StartOption configures StartNew.
type StartOption func(*startOptions)

// WithInstanceID starts the instance under a caller-chosen id.
func WithInstanceID(id string) StartOption {
	return func(o *startOptions) {
		o.instanceID = id
	}
}

// WithCallback sends lifecycle events of the instance to cb.
func WithCallback(cb *Callback) StartOption {
	return func(o *startOptions) {
		o.callback = cb
	}
}

// StartNew starts an orchestration and returns its instance id without
// waiting for it to run.
func (h *Host) StartNew(ctx context.Context, name string, input any, opts ...StartOption) (string, error) {
	if h.closed.Load() {
		return "", apperrors.Unavailable("durable.StartNew", ErrClosed)
	}

	h.regMu.RLock()
	fn, ok := h.orchestrators[name]
	h.regMu.RUnlock()
	if !ok {
		return "", apperrors.NotFound("orchestrator", name)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return "", apperrors.Validation("input", fmt.Sprintf("input is not JSON-serialisable: %v", err))
	}

	var o startOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.instanceID == "" {
		o.instanceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	now := time.Now().UTC()
	inst := &instance{
		id:       o.instanceID,
		name:     name,
		input:    raw,
		callback: o.callback,
		events:   NewEventBuilder(o.instanceID, h.source, name),
		mailbox:  newMailbox(),
		done:     make(chan struct{}),
		status:   StatusPending,
		created:  now,
		updated:  now,
	}

	h.mu.Lock()
	if existing, ok := h.instances[inst.id]; ok && !existing.snapshot().RuntimeStatus.Terminal() {
		h.mu.Unlock()
		return "", apperrors.Conflict("instance", inst.id, fmt.Sprintf("instance %s is already running", inst.id))
	}
	h.instances[inst.id] = inst
	h.wg.Add(1)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.RecordOrchestrationStarted(ctx, name)
	}
	h.logger.Info("Orchestration started", "instanceId", inst.id, "name", name)
	h.notify(inst, inst.events.BuildStartedEvent())

	go h.run(inst, fn)
	return inst.id, nil
}

func (h *Host) run(inst *instance, fn OrchestratorFunc) {
	defer h.wg.Done()
	defer close(inst.done)

	start := time.Now()
	inst.setStatus(StatusRunning)

	result, err := h.execute(inst, fn)
	var output json.RawMessage
	if err == nil {
		output, err = json.Marshal(result)
	}

	status := StatusCompleted
	logger := h.logger.With("instanceId", inst.id, "name", inst.name)
	switch {
	case err != nil && h.ctx.Err() != nil:
		status = StatusTerminated
		output, _ = json.Marshal(err.Error())
		logger.Warn("Orchestration terminated by shutdown", "error", err)
	case err != nil:
		status = StatusFailed
		output, _ = json.Marshal(err.Error())
		logger.Error("Orchestration failed", "error", err)
	default:
		logger.Info("Orchestration completed", "duration", time.Since(start))
	}
	inst.finish(status, output)

	if h.metrics != nil {
		h.metrics.RecordOrchestrationCompleted(context.Background(), inst.name, status == StatusCompleted, time.Since(start).Seconds())
	}
	if status == StatusCompleted {
		h.notify(inst, inst.events.BuildCompletedEvent(output))
	} else {
		h.notify(inst, inst.events.BuildFailedEvent(err))
	}
}

func (h *Host) execute(inst *instance, fn OrchestratorFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("orchestrator panicked: %v", r)
		}
	}()
	return fn(h.ctx, &orchestrationContext{host: h, inst: inst})
}

// notify dispatches a lifecycle event to the instance callback, if any.
func (h *Host) notify(inst *instance, event *cloudevent.CloudEvent) {
	if inst.callback == nil || inst.callback.URL == "" || h.dispatcher == nil {
		return
	}
	if !FilteredEvents(event.Type, inst.callback.Events) {
		return
	}
	err := h.dispatcher.Dispatch(&dispatcher.Event{
		Payload:     event,
		Destination: inst.callback.URL,
		SigningKey:  inst.callback.Key,
	})
	if err != nil {
		h.logger.Warn("Failed to queue lifecycle callback", "instanceId", inst.id, "type", event.Type, "error", err)
	}
}

// RaiseEvent delivers an external event to a running instance. payload must
// be valid JSON or empty.
func (h *Host) RaiseEvent(ctx context.Context, instanceID, eventName string, payload json.RawMessage) error {
	inst, err := h.get(instanceID)
	if err != nil {
		return err
	}
	if inst.snapshot().RuntimeStatus.Terminal() {
		return apperrors.Conflict("instance", instanceID, fmt.Sprintf("instance %s is not running", instanceID))
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return apperrors.Validation("body", "event payload must be valid JSON")
	}

	inst.mailbox.deliver(eventName, payload)
	if h.metrics != nil {
		h.metrics.RecordExternalEvent(ctx)
	}
	h.logger.Info("External event raised", "instanceId", instanceID, "event", eventName)
	return nil
}

// Status returns a snapshot of an instance.
func (h *Host) Status(instanceID string) (*Status, error) {
	inst, err := h.get(instanceID)
	if err != nil {
		return nil, err
	}
	s := inst.snapshot()
	return &s, nil
}

// WaitForCompletion blocks until the instance stops running and returns its final status.
func (h *Host) WaitForCompletion(ctx context.Context, instanceID string) (*Status, error) {
	inst, err := h.get(instanceID)
	if err != nil {
		return nil, err
	}
	select {
	case <-inst.done:
		s := inst.snapshot()
		return &s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Active returns the number of instances that have not finished.
func (h *Host) Active() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, inst := range h.instances {
		if !inst.snapshot().RuntimeStatus.Terminal() {
			n++
		}
	}
	return n
}

// Close cancels running orchestrations and waits for them to return.
// The context deadline controls how long to wait.
func (h *Host) Close(ctx context.Context) error {
	if h.closed.Swap(true) {
		return nil
	}
	h.logger.Info("Orchestration host shutting down", "active", h.Active())
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		h.logger.Warn("Orchestration host shutdown timed out", "active", h.Active())
		return ctx.Err()
	}
}

func (h *Host) get(instanceID string) (*instance, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	inst, ok := h.instances[instanceID]
	if !ok {
		return nil, apperrors.NotFound("instance", instanceID)
	}
	return inst, nil
}

func (h *Host) activity(name string) (ActivityFunc, bool) {
	h.regMu.RLock()
	defer h.regMu.RUnlock()
	fn, ok := h.activities[name]
	return fn, ok
}

func (i *instance) setStatus(s RuntimeStatus) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
	i.updated = time.Now().UTC()
}

func (i *instance) setCustom(raw json.RawMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.custom = raw
	i.updated = time.Now().UTC()
}

func (i *instance) finish(s RuntimeStatus, output json.RawMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.status = s
	i.output = output
	i.updated = time.Now().UTC()
}

func (i *instance) snapshot() Status {
	i.mu.Lock()
	defer i.mu.Unlock()
	return Status{
		Name:            i.name,
		InstanceID:      i.id,
		RuntimeStatus:   i.status,
		Input:           i.input,
		CustomStatus:    i.custom,
		Output:          i.output,
		CreatedTime:     i.created,
		LastUpdatedTime: i.updated,
	}
}
