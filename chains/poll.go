package chains

import (
	"context"
	"time"
)

// Poller runs a check on a fixed schedule: sleep Interval, then check,
// at most Attempts times.
type Poller struct {
	Interval time.Duration
	Attempts int
	// Sleep replaces the real timer in tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Poll returns true as soon as check reports done, and false once every
// attempt is spent. A check error stops polling immediately.
func (p Poller) Poll(ctx context.Context, check func(ctx context.Context, attempt int) (bool, error)) (bool, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := sleep(ctx, p.Interval); err != nil {
			return false, err
		}
		done, err := check(ctx, attempt)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
	}
	return false, nil
}

// Budget is the total wall time a full run of the poller may take.
func (p Poller) Budget() time.Duration {
	return time.Duration(p.Attempts) * p.Interval
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
