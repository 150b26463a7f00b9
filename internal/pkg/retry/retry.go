// internal/pkg/retry/retry.go
package retry

import (
	"context"
	"fmt"
	"time"
)

// Policy is a bounded fixed-delay retry policy. The zero value is not
// usable; construct one per call site so attempts/delay stay explicit.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
}

// New returns a policy of maxAttempts attempts with a fixed delay between
// them.
func New(maxAttempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: delay}
}

// Do calls fn until it reports done, the attempts are exhausted, or ctx is
// cancelled. The delay timer is cancellable: a caller disconnect never
// leaves a sleeping goroutine behind.
//
// fn returning (true, nil) stops immediately. Otherwise the error from the
// final attempt (which may be nil for a plain "not done") is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) (done bool, err error)) (bool, error) {
	if p.MaxAttempts < 1 {
		return false, fmt.Errorf("retry: max attempts must be at least 1, got %d", p.MaxAttempts)
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return false, ctx.Err()
			case <-timer.C:
			}
		}

		done, err := fn(ctx)
		if done {
			return true, nil
		}
		lastErr = err
	}

	return false, lastErr
}
