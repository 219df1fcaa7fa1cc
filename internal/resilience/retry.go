package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// Retry runs fn with exponential backoff + jitter, used for ambient concerns like a
// worker's registration reconnect loop against the server on startup. The task runtime
// (internal/task) implements the spec's exact retry_delay*retry_backoff^i schedule
// directly instead of calling this helper, since that schedule is a first-class,
// user-configured option rather than an internal resilience knob.
func Retry[T any](ctx context.Context, attempts int, initialDelay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	meter := otel.GetMeterProvider().Meter("flux")
	attemptCounter, _ := meter.Int64Counter("flux_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("flux_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("flux_resilience_retry_fail_total")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.MaxInterval = 60 * time.Second
	bo.MaxElapsedTime = 0 // bounded by attempts, not elapsed wall time
	withCtx := backoff.WithContext(bo, ctx)

	var lastErr error
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		d := withCtx.NextBackOff()
		if d == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(d):
		}
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
