// Package poll provides the bounded wait-and-retry loop used wherever ledger
// state only becomes visible some time after a submission.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when every attempt of a Policy has been used up
// without the condition becoming true.
var ErrTimeout = errors.New("poll: attempts exhausted")

// Policy describes a fixed-interval poll: wait Interval, check, repeat up to
// MaxAttempts times.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
}

// Budget is the longest a poll with this policy can wait.
func (p Policy) Budget() time.Duration {
	return p.Interval * time.Duration(p.MaxAttempts)
}

// For waits Interval, then calls fetch, until fetch reports ok or the attempts
// run out. An error from fetch aborts the poll immediately.
func For[T any](ctx context.Context, p Policy, fetch func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	if p.MaxAttempts <= 0 {
		return zero, fmt.Errorf("%w: no attempts allowed", ErrTimeout)
	}

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := Sleep(ctx, p.Interval); err != nil {
			return zero, err
		}

		value, ok, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return value, nil
		}
	}

	return zero, fmt.Errorf("%w after %d attempts (%s)", ErrTimeout, p.MaxAttempts, p.Budget())
}

// Until is For without a value.
func Until(ctx context.Context, p Policy, check func(ctx context.Context) (bool, error)) error {
	_, err := For(ctx, p, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := check(ctx)
		return struct{}{}, ok, err
	})
	return err
}

// Sleep blocks for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
