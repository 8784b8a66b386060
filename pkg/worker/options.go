package worker

import (
	"log/slog"
	"time"
)

// Default values.
const (
	DefaultPollInterval      = time.Second
	DefaultSweepInterval     = time.Second
	DefaultSchedulerInterval = time.Second
	DefaultShutdownTimeout   = 30 * time.Second
)

// WorkerOption configures a Pool.
type WorkerOption interface {
	ApplyWorker(*WorkerConfig)
}

type workerOptionFunc func(*WorkerConfig)

func (f workerOptionFunc) ApplyWorker(c *WorkerConfig) { f(c) }

// WorkerConfig holds worker pool configuration.
type WorkerConfig struct {
	// WorkerID prefixes the claim owner of every slot.
	WorkerID string
	// Queues restricts the pool to the named queues. Empty serves every active queue.
	Queues            []string
	PollInterval      time.Duration
	SweepInterval     time.Duration
	SchedulerInterval time.Duration
	ShutdownTimeout   time.Duration
	EnableScheduler   bool
	// StaleJobThreshold enables reclaiming jobs left processing longer than
	// this. Zero leaves abandoned jobs untouched.
	StaleJobThreshold time.Duration
	StorageRetry      *RetryConfig
	Logger            *slog.Logger
}

// WithWorkerID sets the pool's worker identifier.
func WithWorkerID(id string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.WorkerID = id })
}

// WorkerQueue restricts the pool to the given queues. It may be repeated.
func WorkerQueue(names ...string) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.Queues = append(c.Queues, names...)
	})
}

// WithPollInterval sets how often idle slots poll and the pool reconciles.
func WithPollInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.PollInterval = d })
}

// WithSweepInterval sets how often due delayed jobs are promoted across all queues.
func WithSweepInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.SweepInterval = d })
}

// WithScheduler enables the recurring job scheduler in the pool.
func WithScheduler(enabled bool) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		c.EnableScheduler = enabled
	})
}

// WithSchedulerInterval sets how often recurring schedules are checked.
func WithSchedulerInterval(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.SchedulerInterval = d })
}

// WithShutdownTimeout bounds how long Run waits for in-flight jobs.
func WithShutdownTimeout(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.ShutdownTimeout = d })
}

// WithStaleJobThreshold enables reclaiming abandoned processing jobs.
func WithStaleJobThreshold(d time.Duration) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.StaleJobThreshold = d })
}

// WithStorageRetry sets the retry policy for outcome reports.
func WithStorageRetry(cfg RetryConfig) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.StorageRetry = &cfg })
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) { c.Logger = l })
}

// WithRetryAttempts sets how many times an outcome report is attempted,
// keeping the default backoff.
func WithRetryAttempts(n int) WorkerOption {
	return workerOptionFunc(func(c *WorkerConfig) {
		cfg := DefaultRetryConfig()
		if c.StorageRetry != nil {
			cfg = *c.StorageRetry
		}
		cfg.MaxAttempts = n
		c.StorageRetry = &cfg
	})
}

// DisableRetry makes outcome reports single-shot.
func DisableRetry() WorkerOption {
	return WithRetryAttempts(1)
}
