package atperr

import (
	"context"
	"math"
	"math/rand"
	"time"

	"atp/internal/logging"
)

// RetryConfig configures exponential backoff for infrastructure calls.
// The remote cache backend is the main consumer; writes there are retried
// a few times and then logged, never surfaced as request failures.
type RetryConfig struct {
	MaxAttempts  int           // retries after the first attempt (default: 3)
	BaseDelay    time.Duration // base for exponential backoff (default: 100ms)
	MaxDelay     time.Duration // cap between attempts (default: 2s)
	JitterFactor float64       // randomization, 0.25 = ±25%
}

// DefaultRetryConfig returns the defaults used by the cache backends.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
	}
}

// Retry executes fn with exponential backoff until it succeeds, the context
// is cancelled, or attempts run out. The last error is returned as-is so
// callers can keep their own classification.
func Retry(ctx context.Context, config RetryConfig, logger logging.Logger, fn func(ctx context.Context) error) error {
	logger = logging.OrNop(logger)
	if config.MaxAttempts <= 0 {
		config = DefaultRetryConfig()
	}
	var lastErr error
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}
		lastErr = err
		if attempt == config.MaxAttempts {
			break
		}
		delay := backoff(attempt, config)
		logger.Debug("attempt %d failed (%v), retrying in %v", attempt+1, err, delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func backoff(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if max := float64(config.MaxDelay); delay > max {
		delay = max
	}
	if config.JitterFactor > 0 {
		jitter := delay * config.JitterFactor
		delay = delay - jitter + rand.Float64()*2*jitter
	}
	return time.Duration(delay)
}
