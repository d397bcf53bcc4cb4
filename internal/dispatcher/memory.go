package dispatcher

import (
	"batchbridge/internal/apperrors"
	"batchbridge/pkg/backoff"
	"batchbridge/pkg/circuitbreaker"
	"batchbridge/pkg/cloudevent"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryDispatcher delivers orchestration callbacks from a bounded in-memory
// queue with a fixed pool of workers. Callbacks are best effort: a full queue
// drops the event and nothing survives a restart.
type MemoryDispatcher struct {
	queue    chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued       atomic.Int64
	delivered    atomic.Int64
	failed       atomic.Int64
	dropped      atomic.Int64
	requeued     atomic.Int64
	retriesTotal atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	closed   atomic.Bool
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory creates a dispatcher and starts its workers.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	logger := slog.With("component", "dispatcher")
	d := &MemoryDispatcher{
		queue:  make(chan *Event, cfg.BufferSize),
		sender: cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(circuitbreaker.Config{
			Threshold: defaultBreakerThreshold,
			Cooldown:  defaultBreakerCooldown,
			OnStateChange: func(destination string, from, to circuitbreaker.State) {
				logger.Info("Callback circuit changed", "destination", destination, "from", from.String(), "to", to.String())
			},
		}),
		config:   cfg,
		logger:   logger,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}

	d.wg.Add(cfg.Workers)
	for range cfg.Workers {
		go d.worker()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "maxRetries", cfg.MaxRetries)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.shutdown:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.queue)))
		}
	}
}

// Dispatch queues a callback. It never blocks: a full queue drops the event
// and returns ErrBufferFull.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	if event == nil || event.Payload == nil {
		return apperrors.Validation("event", "callback event has no payload")
	}
	if event.Destination == "" {
		return apperrors.Validation("destination", "callback event has no destination")
	}
	if d.closed.Load() {
		return ErrClosed
	}

	select {
	case d.queue <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	breakerStats := d.breakers.Stats()
	return Stats{
		QueueDepth:    len(d.queue),
		Queued:        d.queued.Load(),
		Delivered:     d.delivered.Load(),
		Failed:        d.failed.Load(),
		Dropped:       d.dropped.Load(),
		Requeued:      d.requeued.Load(),
		RetriesTotal:  d.retriesTotal.Load(),
		BreakersTotal: breakerStats.Total,
		BreakersOpen:  breakerStats.Open,
	}
}

// Close stops accepting callbacks and waits, bounded by ctx, for the workers
// to deliver what is already queued. Calling Close again is a no-op.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	if d.closed.Swap(true) {
		return nil
	}

	d.logger.Info("Dispatcher shutting down", "queued", len(d.queue))
	close(d.shutdown)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
			"unreachable", d.breakers.OpenKeys(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.queue))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.shutdown:
			d.drainQueue()
			return
		case event := <-d.queue:
			d.deliver(event)
		}
	}
}

func (d *MemoryDispatcher) drainQueue() {
	for {
		select {
		case event := <-d.queue:
			d.deliver(event)
		default:
			return
		}
	}
}

// deliver sends one callback through the breaker of its destination.
func (d *MemoryDispatcher) deliver(event *Event) {
	key := destinationKey(event.Destination)
	breaker := d.breakers.Get(key)

	if !breaker.Allow() {
		d.requeue(event, key)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	start := time.Now()
	attempts, err := d.sendWithRetry(ctx, event)
	if err == nil {
		breaker.RecordSuccess()
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
		d.logger.Debug("Callback delivered", "destination", key, "type", event.Payload.Type, "instanceId", event.Payload.Subject, "attempts", attempts)
		return
	}

	// A receiver that rejects the callback is still up.
	if cloudevent.Retryable(err) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	d.failed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherFailed(ctx)
	}
	d.logger.Warn("Callback delivery failed",
		"destination", key,
		"type", event.Payload.Type,
		"instanceId", event.Payload.Subject,
		"attempts", attempts,
		"error", err,
	)
}

// requeue retries an event once the open circuit of its destination has
// cooled down, up to defaultMaxRequeues times.
func (d *MemoryDispatcher) requeue(event *Event, key string) {
	if event.Requeues >= defaultMaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	event.Requeues++
	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}
	d.logger.Debug("Callback circuit open, requeueing", "destination", key, "instanceId", event.Payload.Subject, "requeues", event.Requeues)

	go func() {
		timer := time.NewTimer(defaultBreakerCooldown)
		defer timer.Stop()
		select {
		case <-d.shutdown:
			return
		case <-timer.C:
		}

		select {
		case d.queue <- event:
		case <-d.shutdown:
		default:
			d.drop(event, "buffer full on requeue")
		}
	}()
}

// drop counts and logs an event that will never be delivered.
func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped",
		"reason", reason,
		"destination", destinationKey(event.Destination),
		"type", event.Payload.Type,
		"instanceId", event.Payload.Subject,
		"requeues", event.Requeues,
	)
}

// sendWithRetry posts the event until it is accepted, a non-retryable
// response arrives or the retry budget is spent. It returns the number of
// attempts made.
func (d *MemoryDispatcher) sendWithRetry(ctx context.Context, event *Event) (int, error) {
	var lastErr error
	attempts := 0
	for attempt := range d.config.MaxRetries + 1 {
		if attempt > 0 {
			d.retriesTotal.Add(1)
			if err := backoff.Sleep(ctx, attempt, retryBackoff); err != nil {
				return attempts, errors.Join(lastErr, err)
			}
		}

		attempts++
		lastErr = d.sender.Send(ctx, event.Destination, event.Payload, event.SigningKey)
		if !cloudevent.Retryable(lastErr) {
			return attempts, lastErr
		}
	}
	return attempts, lastErr
}

// destinationKey identifies the receiving endpoint of a callback URL for
// circuit breaking: scheme and host, lowercased, without a default port.
// Unparsable URLs are their own key.
func destinationKey(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	scheme := strings.ToLower(parsed.Scheme)
	host := strings.ToLower(parsed.Hostname())
	port := parsed.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
