package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/fxsage/fxadvisor/internal/errs"
	"github.com/fxsage/fxadvisor/internal/metrics"
)

// retryConfig bounds transport send retries. Attempts counts total
// tries, not retries after the first.
type retryConfig struct {
	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	backoffFactor  float64
}

func newRetryConfig(attempts int) retryConfig {
	if attempts < 1 {
		attempts = 1
	}
	return retryConfig{
		attempts:       attempts,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		backoffFactor:  2.0,
	}
}

// withRetry runs op with exponential backoff. Errors classified as
// permanent abort immediately; only errs.Retryable kinds earn another
// attempt.
func withRetry(ctx context.Context, cfg retryConfig, log zerolog.Logger, op func() error) error {
	var lastErr error
	backoff := cfg.initialBackoff

	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("send cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			if attempt > 1 {
				log.Info().Int("attempt", attempt).Msg("Send succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !errs.Retryable(err) {
			return err
		}
		if attempt == cfg.attempts {
			break
		}

		metrics.DeliveryRetries.Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", cfg.attempts).
			Dur("backoff", backoff).
			Msg("Send failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("send cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.backoffFactor)
		if backoff > cfg.maxBackoff {
			backoff = cfg.maxBackoff
		}
	}

	return fmt.Errorf("send failed after %d attempts: %w", cfg.attempts, lastErr)
}
