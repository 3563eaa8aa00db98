package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Do runs op with exponential backoff plus jitter until it succeeds, the
// attempt budget is exhausted, or ctx is done. The last error is returned
// when all attempts fail.
func Do(ctx context.Context, op func() error, maxAttempts uint, baseDelay time.Duration) error {
	if maxAttempts == 0 {
		maxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by attempt count, not wall time

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxAttempts-1)), ctx))
}

// Permanent wraps an error so Do stops retrying immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
