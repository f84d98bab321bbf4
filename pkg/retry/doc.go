// Package retry provides retry loops for transient failures.
//
// Do runs a function until it succeeds, the attempt budget is spent, or the context
// is cancelled. A Config with MaxAttempts of zero never gives up on its own.
//
// # Presets
//
//   - DefaultConfig(): 3 attempts, 100ms-5s exponential delay
//   - Forever(interval): unbounded, fixed interval, no jitter
//
// The bus connection at boot uses Forever:
//
//	cfg := retry.Forever(2 * time.Second)
//	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
//	    logger.Warn("nats connect failed", "attempt", attempt, "error", err, "retry_in", next)
//	}
//	err := retry.Do(ctx, cfg, func() error { return client.Connect(ctx) })
//
// Wrap an error with NonRetryable to end the loop early.
package retry
