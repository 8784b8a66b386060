package worker

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// RetryConfig controls how a slot retries reporting an outcome to the store.
// It does not affect job retries, which follow the queue's backoff policy.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int
	// InitialBackoff is the wait before the second try.
	InitialBackoff time.Duration
	// MaxBackoff caps any single wait. Zero leaves it uncapped.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the wait after each try.
	BackoffMultiplier float64
	// JitterFraction adds up to this fraction of the wait at random.
	JitterFraction float64
}

// DefaultRetryConfig returns 5 tries starting at 100ms, doubling up to 5s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

func (c RetryConfig) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: c.InitialBackoff,
		Factor:   c.BackoffMultiplier,
		Jitter:   c.JitterFraction,
		Steps:    c.MaxAttempts,
	}
}

// retryWithBackoff calls report until it succeeds, fails permanently, or the
// attempts run out, and returns the last error. Cancelling ctx aborts the
// wait between tries.
func retryWithBackoff(ctx context.Context, config RetryConfig, report func() error) error {
	b := config.backoff()
	for attempt := 1; ; attempt++ {
		err := report()
		if err == nil || !IsRetryableError(err) || attempt >= config.MaxAttempts {
			return err
		}

		delay := b.Step()
		if config.MaxBackoff > 0 && delay > config.MaxBackoff {
			delay = config.MaxBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether a store error may succeed on a later try.
// Lost ownership, invalid state, missing rows, rejected input and context
// errors are permanent. Anything else is treated as a transient store fault.
func IsRetryableError(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, core.ErrJobNotOwned), errors.Is(err, core.ErrInvalidState):
		return false
	case core.IsNotFound(err), core.IsValidation(err):
		return false
	}
	return true
}
