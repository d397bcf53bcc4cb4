// Package testutil provides polling helpers for tests that observe
// asynchronous work: dispatcher workers, orchestration instances and batch
// jobs.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

// WaitOptions configures WaitFor behavior.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitOption is a functional option for WaitFor.
type WaitOption func(*WaitOptions)

// WithTimeout sets the maximum wait time (default: 30s).
func WithTimeout(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Timeout = d
	}
}

// WithInterval sets the polling interval (default: 100ms).
func WithInterval(d time.Duration) WaitOption {
	return func(o *WaitOptions) {
		o.Interval = d
	}
}

func defaultOptions() WaitOptions {
	return WaitOptions{
		Timeout:  30 * time.Second,
		Interval: 100 * time.Millisecond,
	}
}

type deadliner interface {
	Deadline() (time.Time, bool)
}

// deadline returns when polling must stop, never later than one second
// before the test binary's own deadline.
func deadline(tb testing.TB, timeout time.Duration) time.Time {
	end := time.Now().Add(timeout)
	if d, ok := tb.(deadliner); ok {
		if testEnd, ok := d.Deadline(); ok && testEnd.Before(end) {
			end = testEnd.Add(-time.Second)
		}
	}
	return end
}

// WaitForValue polls fn until it reports ok and returns the value it produced.
// The second result is false on timeout.
func WaitForValue[T any](tb testing.TB, fn func() (T, bool), opts ...WaitOption) (T, bool) {
	tb.Helper()

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	end := deadline(tb, o.Timeout)
	ticker := time.NewTicker(o.Interval)
	defer ticker.Stop()
	for {
		if v, ok := fn(); ok {
			return v, true
		}
		if time.Now().After(end) {
			var zero T
			return zero, false
		}
		<-ticker.C
	}
}

// WaitFor polls until condition returns true or timeout is reached.
// Returns true if condition was met, false on timeout.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	_, ok := WaitForValue(tb, func() (struct{}, bool) {
		return struct{}{}, condition()
	}, opts...)
	return ok
}

// WaitForCount polls until counter reaches the target value or timeout is reached.
// Returns true if target was reached, false on timeout.
func WaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) bool {
	tb.Helper()
	return WaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}

// MustWaitForValue is WaitForValue that fails the test on timeout.
func MustWaitForValue[T any](tb testing.TB, fn func() (T, bool), opts ...WaitOption) T {
	tb.Helper()
	v, ok := WaitForValue(tb, fn, opts...)
	if !ok {
		tb.Fatal("timed out waiting for value")
	}
	return v
}

// MustWaitFor polls until condition returns true or fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount polls until counter reaches the target value or fails the test on timeout.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...WaitOption) {
	tb.Helper()
	if !WaitForCount(tb, counter, target, opts...) {
		tb.Fatalf("timed out waiting for counter to reach %d (current: %d)", target, counter.Load())
	}
}
