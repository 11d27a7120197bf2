// Package resilience carries the retry and circuit-breaker primitives
// the scheduler and remote executor are built on.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel/metric"
)

// Retry runs fn with exponential backoff and full jitter, stopping after
// attempts tries or when ctx is cancelled. base is the initial delay; it
// doubles each attempt, capped at 60s.
func Retry[T any](ctx context.Context, attempts int, base time.Duration, counter metric.Int64Counter, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if counter != nil {
			counter.Add(ctx, 1)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	return zero, lastErr
}

// RetryIf is Retry generalized with a shouldRetry predicate: the loop
// stops after the first failure for which shouldRetry returns false,
// instead of consuming the rest of the attempt budget on errors that
// were never going to succeed. The scheduler wires IsTransient in as the
// predicate so a permanent task failure fails immediately.
func RetryIf[T any](ctx context.Context, attempts int, base time.Duration, counter metric.Int64Counter, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := base
	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if counter != nil {
			counter.Add(ctx, 1)
		}
		if err == nil {
			return v, nil
		}
		lastErr = err
		if i == attempts-1 || !shouldRetry(err) {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	return zero, lastErr
}
