// Package circuitbreaker stops calls to a failing endpoint for a while.
//
// A breaker counts consecutive failures. At the threshold it opens and
// rejects calls until the cooldown elapses; then a single probe is let
// through. The probe's outcome closes the breaker or opens it again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // One probe in flight
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before a probe is allowed (default: 30s)

	// IsFailure decides which errors returned to Execute count as failures.
	// nil counts every error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the breaker's
	// lock. name is the registry key, empty for breakers created with New.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	failures    int       // consecutive failures
	lastFailure time.Time // when the last failure occurred
	probing     bool      // a half-open probe is in flight
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:   cfg,
		state: Closed,
	}
}

// Allow returns true if a request should be attempted. A true result in the
// half-open state reserves the probe; the caller must report its outcome
// with RecordSuccess or RecordFailure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := true
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) <= b.cfg.Cooldown {
			allowed = false
			break
		}
		b.state = HalfOpen
		b.probing = true
	case HalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
	return allowed
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.probing = false
	b.state = Closed
	b.mu.Unlock()

	b.changed(from, Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = time.Now()
	b.probing = false
	if b.state == HalfOpen || b.failures >= b.cfg.Threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.changed(from, to)
}

// Execute runs fn if the breaker allows it and records the outcome.
// Errors that IsFailure rejects count as successes: the endpoint answered.
func (b *Breaker) Execute(fn func() error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn()
	if err != nil && (b.cfg.IsFailure == nil || b.cfg.IsFailure(err)) {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.changed(from, Closed)
}

func (b *Breaker) changed(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
