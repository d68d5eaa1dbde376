package circulation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryOnConflict runs op up to attempts times, backing off between tries.
// Only Conflict errors are retried; any other error is returned at once.
func RetryOnConflict[T any](ctx context.Context, attempts uint, op func() (T, error)) (T, error) {
	if attempts == 0 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.Reset()

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}
