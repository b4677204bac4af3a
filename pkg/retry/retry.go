package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/voting-queue-system/pkg/apperr"
)

// Policy is the one retry rule shared by the session write path and the
// subscription layer. Only errors classified as unavailable are retried.
type Policy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
	Notify      func(err error, next time.Duration)
}

// Default retries up to five times with exponential backoff starting at 200ms.
func Default() Policy {
	return Policy{
		MaxAttempts: 5,
		NewBackOff:  Exponential(200*time.Millisecond, 5*time.Second),
	}
}

// Exponential returns a backoff factory with the given initial and max interval.
func Exponential(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.MaxElapsedTime = 0
		return b
	}
}

// Immediate never waits between attempts; used by tests.
func Immediate(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = Exponential(200*time.Millisecond, 5*time.Second)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(attempts-1)), ctx)
	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !apperr.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, p.Notify)
}
