package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Retry and backoff constants. ErrorRecord rows are shared across every
// execution of a county batch, so counter writes hit sustained contention;
// the window is wide (10 attempts) but starts cheap (25 ms).
const (
	retryMaxAttempts = 10
	retryBaseDelay   = 25 * time.Millisecond
	retryMaxDelay    = 3 * time.Second
)

// withRetry runs fn until it succeeds, fails with a non-transient error,
// or exhausts the attempt budget. Backoff is exponential with full jitter:
// each wait is uniform over (0, min(cap, base*2^attempt)).
func (s *Store) withRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		// Context cancellation is not retryable.
		if ctx.Err() != nil {
			return fmt.Errorf("store: %s canceled: %w", op, ctx.Err())
		}

		if !isRetryable(err) {
			return err
		}

		if attempt >= retryMaxAttempts-1 {
			return fmt.Errorf("store: %s failed after %d attempts: %w", op, retryMaxAttempts, err)
		}

		backoff := calcBackoff(attempt)
		s.logger.Warn("retrying after transient fault",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := s.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("store: %s canceled: %w", op, sleepErr)
		}

		attempt++
	}
}

// calcBackoff computes the full-jitter backoff for the given attempt.
func calcBackoff(attempt int) time.Duration {
	ceiling := float64(retryBaseDelay) * math.Pow(2, float64(attempt))
	if ceiling > float64(retryMaxDelay) {
		ceiling = float64(retryMaxDelay)
	}

	return time.Duration(rand.Float64() * ceiling) //nolint:gosec // jitter does not need crypto rand
}
