package util

import (
	"context"
	"errors"
	"time"
)

// Backoff describes an exponential delay between attempts.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff starts at 500ms and doubles up to 8s.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Multiplier: 2}

// Delay returns the wait before retry number attempt (starting at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Initial <= 0 || attempt <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if b.Max > 0 && d >= float64(b.Max) {
			return b.Max
		}
	}
	return time.Duration(d)
}

// RetryPolicy controls RetryWithPolicy. Retryable decides whether an error
// is worth another attempt; nil retries every error.
type RetryPolicy struct {
	MaxTries  int
	Backoff   Backoff
	Retryable func(error) bool
}

// Retry calls fn up to maxTries times until it returns a nil error.
// If maxTries <= 0, it defaults to 1. Returns the last error if all attempts fail.
func Retry[T any](maxTries int, fn func() (T, error)) (T, error) {
	return RetryWithPolicy(context.Background(), RetryPolicy{MaxTries: maxTries}, func(context.Context) (T, error) {
		return fn()
	})
}

// RetryWithContext calls fn up to maxTries times without delay, stopping
// early when ctx is done or fn returns a context error.
func RetryWithContext[T any](ctx context.Context, maxTries int, fn func(context.Context) (T, error)) (T, error) {
	return RetryWithPolicy(ctx, RetryPolicy{MaxTries: maxTries}, fn)
}

// RetryErrWithContext is RetryWithPolicy for functions without a result.
func RetryErrWithContext(ctx context.Context, p RetryPolicy, fn func(context.Context) error) error {
	_, err := RetryWithPolicy(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// RetryWithPolicy calls fn until it succeeds, the policy gives up, or ctx
// is done. Without a Retryable func, context errors returned by fn are not
// retried; with one, only a done ctx stops early so per-call timeouts can
// be retried.
func RetryWithPolicy[T any](ctx context.Context, p RetryPolicy, fn func(context.Context) (T, error)) (T, error) {
	maxTries := p.MaxTries
	if maxTries <= 0 {
		maxTries = 1
	}
	var lastErr error
	var zero T
	for i := 0; i < maxTries; i++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if p.Retryable == nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return zero, err
		}
		lastErr = err
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		if i == maxTries-1 {
			break
		}
		if d := p.Backoff.Delay(i + 1); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return zero, lastErr
}
