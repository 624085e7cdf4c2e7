package retry

import (
	"context"
	"time"
)

// Policy bounds a retried operation. Attempt n (1-based) that fails waits
// n*Backoff before the next one.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// Do runs fn until it succeeds, the attempts are exhausted or ctx is done.
// onRetry, when set, is called after each failed attempt that will be retried.
// The last error is returned.
func Do(ctx context.Context, p Policy, fn func(attempt int) error, onRetry func(attempt int, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if p.Backoff <= 0 {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			continue
		}
		timer := time.NewTimer(time.Duration(attempt) * p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
