package lausophon

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// exponential backoff with jitter. every computed delay is clamped to Max, jitter included.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64 // 0.3 = ±30%
	MaxAttempts int

	random func() float64 // [0, 1). injectable for tests
	sleep  func(ctx context.Context, d time.Duration) error
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:        500 * time.Millisecond,
		Max:         5 * time.Second,
		Jitter:      0.3,
		MaxAttempts: 10,
	}
}

// delay after the given (1-based) failed attempt
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	exp := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if exp > float64(b.Max) {
		exp = float64(b.Max)
	}

	random := b.random
	if random == nil {
		random = rand.Float64
	}

	// maps [0, 1) to [-jitter, +jitter)
	jittered := exp * (1 + b.Jitter*(2*random()-1))

	switch {
	case jittered > float64(b.Max):
		return b.Max
	case jittered < 0:
		return 0
	default:
		return time.Duration(math.Round(jittered))
	}
}

func (b Backoff) wait(ctx context.Context, d time.Duration) error {
	if b.sleep != nil {
		return b.sleep(ctx, d)
	}

	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
