// Package jobs provides a durable, priority-aware job queue engine.
//
// This is the main package users should import. It re-exports the public
// types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and create the dispatcher
//	store, _ := jobs.OpenStorage("sqlite", "jobs.db")
//	store.Migrate(ctx)
//	d := jobs.New(store)
//	d.CreateQueue(ctx, "emails", jobs.Concurrency(4))
//
//	// Register handler
//	registry := jobs.NewRegistry()
//	registry.Register("send-email", func(ctx context.Context, to string) error {
//	    return sendEmail(to)
//	})
//
//	// Add job
//	d.AddJob(ctx, "emails", "send-email", "user@example.com", jobs.WithPriority(jobs.PriorityHigh))
//
//	// Start workers
//	pool := jobs.NewPool(d, registry)
//	pool.Start(ctx)
package jobs

import (
	"context"
	"time"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/dispatcher"
	"github.com/jdziat/priority-jobs/pkg/handler"
	"github.com/jdziat/priority-jobs/pkg/jobctx"
	"github.com/jdziat/priority-jobs/pkg/schedule"
	"github.com/jdziat/priority-jobs/pkg/storage"
	"github.com/jdziat/priority-jobs/pkg/worker"
)

type (
	// Job represents a unit of deferred work.
	Job = core.Job

	// JobStatus represents the current state of a job.
	JobStatus = core.JobStatus

	// Priority orders pending jobs within a queue; higher runs first.
	Priority = core.Priority

	// Queue is a named, independently configured channel of jobs.
	Queue = core.Queue

	// QueueMetrics counts a queue's jobs by status.
	QueueMetrics = core.QueueMetrics

	// JobFilter narrows job listings.
	JobFilter = core.JobFilter

	// Storage defines the persistence layer for jobs and queues.
	Storage = core.Storage

	// GormStorage implements Storage using GORM.
	GormStorage = storage.GormStorage

	// Event is the interface for all lifecycle events.
	Event = core.Event

	// JobStarted is emitted when a job is claimed by a worker.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a job completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job fails permanently.
	JobFailed = core.JobFailed

	// Dispatcher is the producer and state-machine API.
	Dispatcher = dispatcher.Dispatcher

	// Option configures a Dispatcher.
	Option = dispatcher.Option

	// QueueOption configures a queue.
	QueueOption = dispatcher.QueueOption

	// JobOption configures a job added with AddJob.
	JobOption = dispatcher.JobOption

	// Subscription receives lifecycle events.
	Subscription = dispatcher.Subscription

	// Registry maps job types to handlers.
	Registry = handler.Registry

	// HandlerFunc is a handler working on the raw job.
	HandlerFunc = handler.Func

	// Pool executes claimed jobs.
	Pool = worker.Pool

	// WorkerOption configures a Pool.
	WorkerOption = worker.WorkerOption

	// Schedule defines when a recurring job runs next.
	Schedule = schedule.Schedule

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a delay.
	RetryAfterError = core.RetryAfterError
)

// Status constants
const (
	StatusPending    = core.StatusPending
	StatusDelayed    = core.StatusDelayed
	StatusProcessing = core.StatusProcessing
	StatusCompleted  = core.StatusCompleted
	StatusFailed     = core.StatusFailed
	StatusCancelled  = core.StatusCancelled
)

// Priority constants
const (
	PriorityLow    = core.PriorityLow
	PriorityNormal = core.PriorityNormal
	PriorityHigh   = core.PriorityHigh
	PriorityUrgent = core.PriorityUrgent
)

// Error variables
var (
	ErrJobNotOwned     = core.ErrJobNotOwned
	ErrInvalidState    = core.ErrInvalidState
	ErrUnsupportedType = core.ErrUnsupportedType
	ErrQueueInactive   = core.ErrQueueInactive
)

// New creates a dispatcher over s.
func New(s Storage, opts ...Option) *Dispatcher {
	return dispatcher.New(s, opts...)
}

// OpenStorage opens a GORM-backed store. Callers run Migrate.
func OpenStorage(driver, dsn string) (*GormStorage, error) {
	return storage.OpenStorage(driver, dsn, false)
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return handler.NewRegistry()
}

// NewPool creates a worker pool.
func NewPool(d *Dispatcher, r *Registry, opts ...WorkerOption) *Pool {
	return worker.NewPool(d, r, opts...)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a delay.
func RetryAfter(d time.Duration, err error) error {
	return core.RetryAfter(d, err)
}

// Queue option functions

// Concurrency sets how many jobs of the queue may run at once per pool.
func Concurrency(n int) QueueOption {
	return dispatcher.Concurrency(n)
}

// RateLimit allows at most limit claims per window.
func RateLimit(limit int, per time.Duration) QueueOption {
	return dispatcher.RateLimit(limit, per)
}

// Job option functions

// WithPriority sets the job priority (higher = runs first).
func WithPriority(p Priority) JobOption {
	return dispatcher.Priority(p)
}

// WithDelay defers the first attempt.
func WithDelay(d time.Duration) JobOption {
	return dispatcher.Delay(d)
}

// WithAttempts sets the maximum number of attempts.
func WithAttempts(n int) JobOption {
	return dispatcher.Attempts(n)
}

// WithTimeout sets the per-attempt execution timeout.
func WithTimeout(d time.Duration) JobOption {
	return dispatcher.Timeout(d)
}

// Worker option functions

// WithWorkerID sets the pool's worker identifier.
func WithWorkerID(id string) WorkerOption {
	return worker.WithWorkerID(id)
}

// WorkerQueue restricts the pool to the given queues.
func WorkerQueue(names ...string) WorkerOption {
	return worker.WorkerQueue(names...)
}

// WithScheduler enables the recurring job scheduler in the pool.
func WithScheduler(enabled bool) WorkerOption {
	return worker.WithScheduler(enabled)
}

// WithPollInterval sets how often idle slots poll.
func WithPollInterval(d time.Duration) WorkerOption {
	return worker.WithPollInterval(d)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return schedule.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return schedule.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return schedule.Weekly(day, hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return schedule.Cron(expr)
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
func JobFromContext(ctx context.Context) *Job {
	return jobctx.JobFromContext(ctx)
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	return jobctx.JobIDFromContext(ctx)
}

// ReportProgress records progress (0-100) for the running job.
func ReportProgress(ctx context.Context, progress int) error {
	return jobctx.ReportProgress(ctx, progress)
}
