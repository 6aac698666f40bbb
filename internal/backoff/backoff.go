// Package backoff computes capped exponential delays for reconnects and retries.
package backoff

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a capped exponential backoff with jitter.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the randomization factor in [0, 1] added on top of the base delay.
	Jitter float64
}

// Default is used for channel reconnects: 500ms doubling up to 15s with 10% jitter.
func Default() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     15 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Immediate never waits. Tests use it to drive retry loops without timers.
func Immediate() Policy {
	return Policy{}
}

// Delay returns the wait before the given attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delayWithRand(attempt int, randomValue float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*randomValue
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}

// Sleep waits for the delay of attempt or until ctx is done.
func (p Policy) Sleep(ctx context.Context, attempt int) error {
	return SleepWithContext(ctx, p.Delay(attempt))
}

// SleepWithContext sleeps for d, returning ctx.Err() if the context ends first.
func SleepWithContext(ctx context.Context, d time.Duration) error {
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
