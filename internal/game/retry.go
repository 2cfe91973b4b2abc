package game

import (
	"context"
	"errors"
	"time"
)

const RETRY_BACKOFF = 50 * time.Millisecond

// callUpstream runs fn with a per-attempt timeout, retrying failures that
// are not business rejections. fn must be idempotent.
func callUpstream(ctx context.Context, timeout time.Duration, attempts int, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		var gameErr *Error
		if errors.As(err, &gameErr) && gameErr.Kind != KindUpstream {
			return err
		}
		if attempt < attempts {
			select {
			case <-ctx.Done():
				return ErrUpstream.wrap(ctx.Err())
			case <-time.After(RETRY_BACKOFF * time.Duration(attempt)):
			}
		}
	}

	var gameErr *Error
	if errors.As(err, &gameErr) {
		return err
	}
	return ErrUpstream.wrap(err)
}
