// Package backoff computes how long the retry buffer holds a failed item
// at the head of its queue. Strategies keep no state between calls, so one
// value can be shared by every worker.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy decides how long a failed item sits at the head of the queue
// before a worker may take it again.
type Strategy interface {
	// Delay is the wait after the item's attempt-th failed call.
	// attempt starts at 1.
	Delay(attempt int) time.Duration
}

// Constant waits Interval between every pair of attempts.
type Constant struct {
	Interval time.Duration
}

// NewConstant returns a Constant with the given interval.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential starts at Initial and doubles after each failure, never
// exceeding Max. A zero Max leaves the growth unbounded.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay is Initial<<(attempt-1) limited to Max.
func (e *Exponential) Delay(attempt int) time.Duration {
	return time.Duration(capped(e.Initial, e.Max, attempt))
}

// ExponentialWithJitter picks a uniform delay below the Exponential value
// for the same attempt. Workers retrying items that failed together then
// spread out instead of hitting the handler in lockstep.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter returns a jittered exponential strategy.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	return time.Duration(rand.Float64() * capped(e.Initial, e.Max, attempt)) //nolint:gosec // jitter does not need crypto rand
}

// Default returns the strategy used by the retry buffer when none is set:
// ExponentialWithJitter with 100ms initial and 10s max.
func Default() Strategy {
	return NewExponentialWithJitter(100*time.Millisecond, 10*time.Second)
}

const ceiling = float64(1 << 62)

func capped(initial, maxDelay time.Duration, attempt int) float64 {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if maxDelay > 0 && d > float64(maxDelay) {
		return float64(maxDelay)
	}
	// Without a cap, large attempts would overflow time.Duration.
	if d > ceiling {
		return ceiling
	}
	return d
}
