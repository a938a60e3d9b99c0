package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErr "codedock/pkg/errors"
	"codedock/pkg/utils/logger"
)

// ComputeBackoff returns the delay before retry attempt n (0-based),
// doubling from base and saturating at max.
func ComputeBackoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		if max > 0 && delay >= max {
			return max
		}
		if max > 0 && delay > max/2 {
			return max
		}
		delay *= 2
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// retryTransient runs fn up to attempts times, backing off between tries.
// Only errors retryable deems transient are retried; anything else
// surfaces immediately.
func retryTransient(ctx context.Context, op string, attempts int, base, max time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := ComputeBackoff(attempt-1, base, max)
			logger.Warn(ctx, "retrying after transient failure",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// provisionRetryable filters out failures that a retry cannot fix.
func provisionRetryable(err error) bool {
	switch appErr.GetCode(err) {
	case appErr.ImageMissing, appErr.LanguageNotSupported, appErr.InvalidParams:
		return false
	}
	return true
}
