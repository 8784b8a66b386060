package core

import (
	"context"
	"time"
)

// Starter is the interface for long-running components started by a host process.
type Starter interface {
	Start(ctx context.Context) error
}

// FailureUpdate describes the outcome of a failed attempt.
// A nil RetryAt makes the failure terminal.
type FailureUpdate struct {
	Error   string
	Trace   string
	RetryAt *time.Time
	Now     time.Time
}

// Storage defines the persistence layer for jobs and queues.
// It is the single serialization point for all job and queue mutation.
type Storage interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Queue registry
	CreateQueue(ctx context.Context, q *Queue) (created bool, err error)
	GetQueue(ctx context.Context, name string) (*Queue, error)
	ListQueues(ctx context.Context, activeOnly bool) ([]*Queue, error)
	UpdateQueue(ctx context.Context, q *Queue) error
	SetQueueActive(ctx context.Context, name string, active bool) error
	DeleteQueue(ctx context.Context, name string) error
	RecordQueueOutcome(ctx context.Context, name string, succeeded bool, elapsed time.Duration) error

	// Job lifecycle
	CreateJob(ctx context.Context, job *Job) error
	PromoteDelayed(ctx context.Context, queue string, now time.Time) (int64, error)
	ClaimNext(ctx context.Context, queue string, workerID string, now time.Time) (*Job, error)
	CompleteJob(ctx context.Context, jobID string, workerID string, result []byte, now time.Time) error
	FailJob(ctx context.Context, jobID string, workerID string, update FailureUpdate) error
	RetryJob(ctx context.Context, jobID string, now time.Time) error
	RetryFailed(ctx context.Context, queue, jobType string, now time.Time) ([]*Job, error)
	CancelJob(ctx context.Context, jobID string, now time.Time) error
	DeleteJob(ctx context.Context, jobID string) error
	UpdateProgress(ctx context.Context, jobID string, workerID string, progress int) error
	ReclaimAbandoned(ctx context.Context, cutoff time.Time) (int64, error)

	// Queries
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error)
	CountByStatus(ctx context.Context, queue string) (map[JobStatus]int64, error)
}
