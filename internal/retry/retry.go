// Package retry wraps cenkalti/backoff with the resilience policies of the
// messaging core: read paths get one retry, background loops reconnect forever.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"plantchat/internal/domain"
)

// ReadRetries is the number of extra attempts a read path gets.
const ReadRetries = 1

// Read runs fn, retrying once with the default exponential backoff. Errors
// that are not worth retrying (validation, forbidden, not found, context
// cancellation) stop immediately. The final error is wrapped in a FetchError.
func Read[T any](ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	b := backoff.WithContext(backoff.WithMaxRetries(readBackOff(), ReadRetries), ctx)
	err := backoff.Retry(func() error {
		v, err := fn(ctx)
		if err != nil {
			if permanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = v
		return nil
	}, b)
	if err != nil {
		if permanent(err) {
			return out, err
		}
		return out, &domain.FetchError{Op: op, Err: err}
	}
	return out, nil
}

func readBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return b
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Forever returns a backoff for reconnect loops: exponential, capped at max,
// never giving up until ctx is done.
func Forever(ctx context.Context, max time.Duration) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}
