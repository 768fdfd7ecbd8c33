package automation

import (
	"context"
	"fmt"
	"time"
)

// CheckFunc reports whether the awaited condition holds.
type CheckFunc func(ctx context.Context) (done bool, err error)

// PollUntil calls check immediately and then every interval until it reports
// done, timeout elapses, or ctx is cancelled.
//
// Errors returned by check are tolerated and the loop continues, except
// ErrMissingCapability which aborts it.
//
// Precondition: interval > 0; timeout > 0; check must be non-nil.
// Postcondition: Returns nil iff check reported done. A timeout is reported
// as an error wrapping ErrTimeout.
func PollUntil(ctx context.Context, interval, timeout time.Duration, check CheckFunc) error {
	return pollUntil(ctx, interval, timeout, nil, check)
}

// pollUntil is PollUntil with an optional wake channel; a receive on wake
// triggers an early check.
func pollUntil(ctx context.Context, interval, timeout time.Duration, wake <-chan struct{}, check CheckFunc) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		done, err := check(ctx)
		switch {
		case err != nil && isFatalToLoop(err):
			return err
		case err != nil:
			lastErr = err
		case done:
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("%w after %s (last error: %v)", ErrTimeout, timeout, lastErr)
			}
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		case <-wake:
		}
	}
}
