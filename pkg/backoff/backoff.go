// Package backoff computes retry delays for calls to the batch service and
// lifecycle callback endpoints.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	defaultInitial = 100 * time.Millisecond
	defaultMax     = 5 * time.Second
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Max     time.Duration // default: 5s
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d]. It is
	// clamped to [0, 1]; zero keeps delays deterministic.
	Jitter float64
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*2, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial, maxBackoff, jitter := defaultInitial, defaultMax, 0.0
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
		jitter = min(max(cfg.Jitter, 0), 1)
	}

	if attempt < 1 {
		attempt = 1
	}
	d := min(float64(initial)*math.Pow(2.0, float64(attempt-1)), float64(maxBackoff))
	if jitter > 0 {
		d -= d * jitter * rand.Float64()
	}
	return time.Duration(d)
}

// Sleep waits for the backoff of attempt or until ctx is done.
func Sleep(ctx context.Context, attempt int, cfg *Config) error {
	timer := time.NewTimer(Exponential(attempt, cfg))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
