package resilience

import (
	"context"
	"time"
)

// Backoff computes exponential retry delays: Base, Base·2, Base·4, …, capped
// at Max. The zero value is unusable; use [NewBackoff].
type Backoff struct {
	base time.Duration
	max  time.Duration
}

// NewBackoff creates a doubling backoff schedule starting at base and capped
// at max. Non-positive arguments fall back to 1s and 30s.
func NewBackoff(base, max time.Duration) Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	return Backoff{base: base, max: max}
}

// Delay returns the delay before retry attempt n (0-based): base·2ⁿ, capped.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= b.max {
			return b.max
		}
	}
	return d
}

// Wait sleeps for the attempt's delay or until ctx is done, whichever comes
// first. It returns ctx.Err() when cancelled so retry loops can stop cleanly.
func (b Backoff) Wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(b.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
