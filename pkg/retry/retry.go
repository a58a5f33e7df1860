// Package retry runs remote calls under an explicit retry policy with
// exponential backoff.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/harrisonrobin/todocal/pkg/remote"
)

// Policy decides how often and how long a failing call is retried.
type Policy struct {
	// MaxAttempts counts the first call. Default: 5
	MaxAttempts int
	// BaseDelay is the delay before the first retry. Default: 1 second
	BaseDelay time.Duration
	// MaxDelay caps the backoff. Default: 32 seconds
	MaxDelay time.Duration
	// Jitter spreads each delay by +-20%.
	Jitter bool
	// Retryable selects the errors worth another attempt. Default: remote.IsTransient
	Retryable func(error) bool
	// Sleep waits between attempts; tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used when none is configured.
func Default() *Policy {
	return &Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    32 * time.Second,
		Jitter:      true,
	}
}

// Do calls op until it succeeds, fails with a non-retryable error, or the
// attempts are exhausted. The last error is returned.
func (p *Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p *Policy, op func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = Default()
	}
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = remote.IsTransient
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var v T
		v, err = op(ctx)
		if err == nil {
			return v, nil
		}
		if !retryable(err) || attempt == attempts-1 {
			break
		}
		if serr := sleep(ctx, p.Backoff(attempt)); serr != nil {
			return zero, serr
		}
	}
	return zero, err
}

// Backoff returns the delay after the given zero-based attempt.
func (p *Policy) Backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Second
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 32 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if delay > maxDelay || delay <= 0 {
		delay = maxDelay
	}
	if p.Jitter {
		factor := 0.8 + rand.Float64()*0.4
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
