package rpc

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/bz888/subql-cosmos/pkg/config"
)

// CalculateBackoff computes the backoff duration before the given attempt, with ±25% jitter.
// The first attempt never waits.
func CalculateBackoff(attempt int, cfg *config.RetryConfig) time.Duration {
	if attempt <= 1 || cfg == nil {
		return 0
	}

	backoff := float64(cfg.InitialBackoff.Duration) * math.Pow(cfg.BackoffMultiplier, float64(attempt-2))

	if backoff > float64(cfg.MaxBackoff.Duration) {
		backoff = float64(cfg.MaxBackoff.Duration)
	}

	jitterRange := backoff * 0.25
	jitter := (rand.Float64() * 2 * jitterRange) - jitterRange
	backoff += jitter

	if backoff < 0 {
		backoff = 0
	}

	return time.Duration(backoff)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RetryWithBackoff executes fn until it succeeds, returns a non transient error, or the
// attempts run out. It serves single endpoint calls such as the status check of an endpoint
// being added; failover across endpoints lives in the connection pool.
func RetryWithBackoff(ctx context.Context, cfg *config.RetryConfig, operation string, fn func() error) error {
	if cfg == nil {
		return fn()
	}

	var lastErr error
	startTime := time.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := Sleep(ctx, CalculateBackoff(attempt, cfg)); err != nil {
			return fmt.Errorf("context cancelled before attempt %d/%d of %s: %w", attempt, cfg.MaxAttempts, operation, err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if kind, _ := Classify(err); kind == KindFatal {
			return fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, cfg.MaxAttempts, err)
		}

		RPCRetryInc(operation)
	}

	return fmt.Errorf("all %d attempts of %s failed after %v (last error: %w)",
		cfg.MaxAttempts, operation, time.Since(startTime), lastErr)
}
