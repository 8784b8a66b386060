package core

import "time"

// EventKind names a lifecycle event on the wire.
type EventKind string

const (
	KindJobAdded     EventKind = "job.added"
	KindJobStarted   EventKind = "job.started"
	KindJobProgress  EventKind = "job.progress"
	KindJobRetried   EventKind = "job.retried"
	KindJobCompleted EventKind = "job.completed"
	KindJobFailed    EventKind = "job.failed"
	KindJobCancelled EventKind = "job.cancelled"
	KindJobRemoved   EventKind = "job.removed"
	KindQueueCreated EventKind = "queue.created"
	KindQueueUpdated EventKind = "queue.updated"
	KindQueueDeleted EventKind = "queue.deleted"
)

// Event is the interface for all lifecycle events.
type Event interface {
	Kind() EventKind
	// QueueName is the queue the event belongs to.
	QueueName() string
	// JobID is empty for queue events.
	JobID() string
	At() time.Time
}

// JobAdded is emitted when a job is persisted.
type JobAdded struct {
	Job       *Job
	Timestamp time.Time
}

func (e *JobAdded) Kind() EventKind   { return KindJobAdded }
func (e *JobAdded) QueueName() string { return e.Job.Queue }
func (e *JobAdded) JobID() string     { return e.Job.ID }
func (e *JobAdded) At() time.Time     { return e.Timestamp }

// JobStarted is emitted when a job is claimed by a worker.
type JobStarted struct {
	Job       *Job
	WorkerID  string
	Timestamp time.Time
}

func (e *JobStarted) Kind() EventKind   { return KindJobStarted }
func (e *JobStarted) QueueName() string { return e.Job.Queue }
func (e *JobStarted) JobID() string     { return e.Job.ID }
func (e *JobStarted) At() time.Time     { return e.Timestamp }

// JobProgress is emitted when a handler reports progress.
type JobProgress struct {
	Job       *Job
	Progress  int
	Timestamp time.Time
}

func (e *JobProgress) Kind() EventKind   { return KindJobProgress }
func (e *JobProgress) QueueName() string { return e.Job.Queue }
func (e *JobProgress) JobID() string     { return e.Job.ID }
func (e *JobProgress) At() time.Time     { return e.Timestamp }

// JobRetried is emitted when a job is scheduled for another attempt,
// or reset by a manual retry (NextRetryAt is zero in that case).
type JobRetried struct {
	Job         *Job
	Attempt     int
	Error       error
	NextRetryAt time.Time
	Manual      bool
	Timestamp   time.Time
}

func (e *JobRetried) Kind() EventKind   { return KindJobRetried }
func (e *JobRetried) QueueName() string { return e.Job.Queue }
func (e *JobRetried) JobID() string     { return e.Job.ID }
func (e *JobRetried) At() time.Time     { return e.Timestamp }

// JobCompleted is emitted when a job completes successfully.
type JobCompleted struct {
	Job       *Job
	Duration  time.Duration
	Timestamp time.Time
}

func (e *JobCompleted) Kind() EventKind   { return KindJobCompleted }
func (e *JobCompleted) QueueName() string { return e.Job.Queue }
func (e *JobCompleted) JobID() string     { return e.Job.ID }
func (e *JobCompleted) At() time.Time     { return e.Timestamp }

// JobFailed is emitted when a job fails permanently.
type JobFailed struct {
	Job       *Job
	Error     error
	Duration  time.Duration
	Timestamp time.Time
}

func (e *JobFailed) Kind() EventKind   { return KindJobFailed }
func (e *JobFailed) QueueName() string { return e.Job.Queue }
func (e *JobFailed) JobID() string     { return e.Job.ID }
func (e *JobFailed) At() time.Time     { return e.Timestamp }

// JobCancelled is emitted when a pending or delayed job is cancelled.
type JobCancelled struct {
	Job       *Job
	Timestamp time.Time
}

func (e *JobCancelled) Kind() EventKind   { return KindJobCancelled }
func (e *JobCancelled) QueueName() string { return e.Job.Queue }
func (e *JobCancelled) JobID() string     { return e.Job.ID }
func (e *JobCancelled) At() time.Time     { return e.Timestamp }

// JobRemoved is emitted after a job record is deleted.
type JobRemoved struct {
	ID        string
	Queue     string
	Timestamp time.Time
}

func (e *JobRemoved) Kind() EventKind   { return KindJobRemoved }
func (e *JobRemoved) QueueName() string { return e.Queue }
func (e *JobRemoved) JobID() string     { return e.ID }
func (e *JobRemoved) At() time.Time     { return e.Timestamp }

// QueueCreated is emitted when a queue is registered for the first time.
type QueueCreated struct {
	Queue     *Queue
	Timestamp time.Time
}

func (e *QueueCreated) Kind() EventKind   { return KindQueueCreated }
func (e *QueueCreated) QueueName() string { return e.Queue.Name }
func (e *QueueCreated) JobID() string     { return "" }
func (e *QueueCreated) At() time.Time     { return e.Timestamp }

// QueueUpdated is emitted when queue configuration changes, including pause and resume.
type QueueUpdated struct {
	Queue     *Queue
	Timestamp time.Time
}

func (e *QueueUpdated) Kind() EventKind   { return KindQueueUpdated }
func (e *QueueUpdated) QueueName() string { return e.Queue.Name }
func (e *QueueUpdated) JobID() string     { return "" }
func (e *QueueUpdated) At() time.Time     { return e.Timestamp }

// QueueDeleted is emitted when a queue record is removed.
type QueueDeleted struct {
	Name      string
	Timestamp time.Time
}

func (e *QueueDeleted) Kind() EventKind   { return KindQueueDeleted }
func (e *QueueDeleted) QueueName() string { return e.Name }
func (e *QueueDeleted) JobID() string     { return "" }
func (e *QueueDeleted) At() time.Time     { return e.Timestamp }
