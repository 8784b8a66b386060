// Package backoff computes retry delays for failed jobs.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"time"

	"github.com/jdziat/priority-jobs/pkg/core"
)

const (
	// DefaultBase is the base delay of the default exponential strategy.
	DefaultBase = 5 * time.Second
	// DefaultFactor is the growth factor of the default exponential strategy.
	DefaultFactor = 2.0
)

// Strategy computes the delay before the next attempt.
type Strategy interface {
	// Delay returns the wait after the n-th failure (n >= 1).
	Delay(n int) time.Duration
}

// Exponential grows the delay geometrically.
// Delay = min(Base * Factor^n, Max).
type Exponential struct {
	Base   time.Duration
	Factor float64
	// Max caps the delay when positive.
	Max time.Duration
}

// NewExponential creates an exponential strategy. A factor below 1 falls back to DefaultFactor.
func NewExponential(base time.Duration, factor float64, maxDelay time.Duration) *Exponential {
	if factor < 1 {
		factor = DefaultFactor
	}
	return &Exponential{Base: base, Factor: factor, Max: maxDelay}
}

// Delay returns Base * Factor^n, capped at Max.
func (e *Exponential) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := float64(e.Base) * math.Pow(e.Factor, float64(n))
	if e.Max > 0 && d > float64(e.Max) {
		return e.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Fixed always returns the same delay.
type Fixed struct {
	Interval time.Duration
}

// NewFixed creates a fixed backoff strategy.
func NewFixed(interval time.Duration) *Fixed {
	return &Fixed{Interval: interval}
}

// Delay returns the fixed interval.
func (f *Fixed) Delay(_ int) time.Duration {
	return f.Interval
}

// Default returns the exponential strategy used when a queue sets no policy.
func Default() Strategy {
	return NewExponential(DefaultBase, DefaultFactor, 0)
}

// ForQueue derives the strategy configured on a queue.
// A queue without a backoff delay uses fallback.
func ForQueue(q *core.Queue, fallback Strategy) Strategy {
	if q == nil || q.BackoffDelay <= 0 {
		return fallback
	}
	if q.BackoffType == core.BackoffFixed {
		return NewFixed(q.BackoffDelay)
	}
	factor := DefaultFactor
	var maxDelay time.Duration
	if e, ok := fallback.(*Exponential); ok {
		factor = e.Factor
		maxDelay = e.Max
	}
	return NewExponential(q.BackoffDelay, factor, maxDelay)
}
