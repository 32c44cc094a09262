// Package retry implements exponential backoff with jitter for idempotent
// external steps and transient database failures.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines retry behavior with exponential backoff.
// MaxAttempts counts the first execution, so MaxAttempts=3 means one initial
// attempt plus up to two retries.
type Policy struct {
	MaxAttempts  int
	Interval     time.Duration
	BackoffRate  float64
	MaxInterval  time.Duration
	JitterFactor float64 // 0.0-1.0, +/- proportional jitter on each wait
}

// DefaultPolicy returns the default policy for external steps:
// 3 attempts starting at 1s, doubling, capped at 30s.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		Interval:     time.Second,
		BackoffRate:  2.0,
		MaxInterval:  30 * time.Second,
		JitterFactor: 0.1,
	}
}

// applyJitter spreads a delay by +/- jitterFactor to avoid thundering herd.
func applyJitter(delay time.Duration, jitterFactor float64) time.Duration {
	if jitterFactor <= 0 {
		return delay
	}
	jitter := float64(delay) * jitterFactor * (rand.Float64()*2 - 1)
	return time.Duration(float64(delay) + jitter)
}

// Do executes fn until it succeeds or the policy's attempts are exhausted.
// Returns nil on success, the last error otherwise. Respects context
// cancellation during wait periods.
func Do(ctx context.Context, p *Policy, fn func() error) error {
	_, err := DoWithResult(ctx, p, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoWithResult executes fn until it succeeds or the policy's attempts are
// exhausted, returning the last result and error.
func DoWithResult[T any](ctx context.Context, p *Policy, fn func() (T, error)) (T, error) {
	if p == nil {
		p = DefaultPolicy()
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var result T
	var lastErr error
	delay := p.Interval

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(applyJitter(delay, p.JitterFactor)):
				delay = time.Duration(float64(delay) * p.BackoffRate)
				if p.MaxInterval > 0 && delay > p.MaxInterval {
					delay = p.MaxInterval
				}
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}

		r, err := fn()
		if err == nil {
			return r, nil
		}
		result = r
		lastErr = err
	}

	return result, lastErr
}
