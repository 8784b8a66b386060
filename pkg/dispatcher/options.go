package dispatcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jdziat/priority-jobs/pkg/backoff"
	"github.com/jdziat/priority-jobs/pkg/core"
)

// Default values.
const (
	DefaultAttempts    = 3
	DefaultTimeout     = 300 * time.Second
	DefaultEventBuffer = 256
)

// Config holds dispatcher configuration.
type Config struct {
	DefaultAttempts int
	DefaultTimeout  time.Duration
	Backoff         backoff.Strategy
	// AutoCreateQueues lets AddJob register unknown queues instead of rejecting them.
	AutoCreateQueues bool
	EventBuffer      int
	Clock            func() time.Time
	Logger           *slog.Logger
}

// Option configures a Dispatcher.
type Option interface {
	ApplyDispatcher(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) ApplyDispatcher(c *Config) { f(c) }

// WithDefaultAttempts sets maxAttempts for jobs whose queue has no default.
func WithDefaultAttempts(n int) Option {
	return optionFunc(func(c *Config) { c.DefaultAttempts = n })
}

// WithDefaultTimeout sets the execution timeout for queues without one.
func WithDefaultTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.DefaultTimeout = d })
}

// WithBackoff sets the fallback retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return optionFunc(func(c *Config) { c.Backoff = s })
}

// WithAutoCreateQueues enables implicit queue creation on first reference.
func WithAutoCreateQueues(enabled bool) Option {
	return optionFunc(func(c *Config) { c.AutoCreateQueues = enabled })
}

// WithEventBuffer sets the default per-subscriber buffer size.
func WithEventBuffer(n int) Option {
	return optionFunc(func(c *Config) { c.EventBuffer = n })
}

// WithClock replaces time.Now. Returned times are converted to UTC.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *Config) { c.Clock = now })
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = l })
}

// ──────────────────────────────────────────────────────────────────────────────
// Queue options
// ──────────────────────────────────────────────────────────────────────────────

// QueueOption modifies a queue's configuration.
type QueueOption interface {
	ApplyQueue(*core.Queue)
}

type queueOptionFunc func(*core.Queue)

func (f queueOptionFunc) ApplyQueue(q *core.Queue) { f(q) }

// Description sets a human-readable description.
func Description(text string) QueueOption {
	return queueOptionFunc(func(q *core.Queue) { q.Description = text })
}

// Concurrency sets the number of worker slots polling the queue.
func Concurrency(n int) QueueOption {
	return queueOptionFunc(func(q *core.Queue) { q.Concurrency = n })
}

// RateLimit allows at most limit claims per window. A zero limit removes it.
func RateLimit(limit int, per time.Duration) QueueOption {
	return queueOptionFunc(func(q *core.Queue) {
		q.RateLimitMax = limit
		q.RateLimitDuration = per
	})
}

// DefaultJobAttempts sets maxAttempts for jobs added without Attempts.
func DefaultJobAttempts(n int) QueueOption {
	return queueOptionFunc(func(q *core.Queue) { q.DefaultAttempts = n })
}

// Backoff sets the retry policy. A zero delay uses the dispatcher's strategy.
func Backoff(kind core.BackoffType, delay time.Duration) QueueOption {
	return queueOptionFunc(func(q *core.Queue) {
		q.BackoffType = kind
		q.BackoffDelay = delay
	})
}

// QueueTimeout sets the per-job execution timeout for the queue.
func QueueTimeout(d time.Duration) QueueOption {
	return queueOptionFunc(func(q *core.Queue) { q.Timeout = d })
}

// Paused creates or updates the queue in the paused state.
func Paused() QueueOption {
	return queueOptionFunc(func(q *core.Queue) { q.IsActive = false })
}

// ──────────────────────────────────────────────────────────────────────────────
// Job options
// ──────────────────────────────────────────────────────────────────────────────

// JobOptions holds per-job settings for AddJob.
type JobOptions struct {
	Delay    time.Duration
	Priority core.Priority
	Attempts int // 0 means the queue default
	Metadata []byte
	Timeout  time.Duration
	err      error
}

// JobOption modifies JobOptions.
type JobOption interface {
	ApplyJob(*JobOptions)
}

type jobOptionFunc func(*JobOptions)

func (f jobOptionFunc) ApplyJob(o *JobOptions) { f(o) }

// Delay holds the job as delayed for d before it becomes claimable.
func Delay(d time.Duration) JobOption {
	return jobOptionFunc(func(o *JobOptions) { o.Delay = d })
}

// Priority sets the job priority (higher runs first). It cannot change later.
func Priority(p core.Priority) JobOption {
	return jobOptionFunc(func(o *JobOptions) { o.Priority = p })
}

// Attempts sets maxAttempts: the number of failures before the job is failed.
func Attempts(n int) JobOption {
	return jobOptionFunc(func(o *JobOptions) { o.Attempts = n })
}

// Timeout overrides the queue's execution timeout for this job.
func Timeout(d time.Duration) JobOption {
	return jobOptionFunc(func(o *JobOptions) { o.Timeout = d })
}

// Metadata attaches caller data stored alongside the job. Values other than
// []byte and json.RawMessage are JSON encoded.
func Metadata(v any) JobOption {
	return jobOptionFunc(func(o *JobOptions) {
		b, err := encode(v)
		if err != nil {
			o.err = &core.ValidationError{Field: "metadata", Message: err.Error(), Err: err}
			return
		}
		o.Metadata = b
	})
}

func newJobOptions(opts []JobOption) *JobOptions {
	o := &JobOptions{Priority: core.PriorityNormal}
	for _, opt := range opts {
		opt.ApplyJob(o)
	}
	return o
}

// encode turns a payload into the opaque bytes stored on the job.
func encode(v any) ([]byte, error) {
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	case string:
		return json.Marshal(p)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return b, nil
}
