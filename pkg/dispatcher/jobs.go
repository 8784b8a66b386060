package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jdziat/priority-jobs/pkg/backoff"
	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/security"
)

// AddJob persists a new job on queueName. A positive Delay creates the job
// delayed; otherwise it is immediately claimable.
//
// The queue must exist and be active unless AutoCreateQueues is enabled, in
// which case an unknown queue is created with defaults.
func (d *Dispatcher) AddJob(ctx context.Context, queueName, jobType string, payload any, opts ...JobOption) (*core.Job, error) {
	if err := security.ValidateJobTypeName(jobType); err != nil {
		return nil, err
	}
	if err := security.ValidateQueueName(queueName); err != nil {
		return nil, err
	}

	o := newJobOptions(opts)
	if o.err != nil {
		return nil, o.err
	}
	if err := security.ValidateDelay(o.Delay); err != nil {
		return nil, err
	}
	if o.Attempts < 0 {
		return nil, &core.ValidationError{Field: "attempts", Message: "must not be negative"}
	}
	if o.Timeout < 0 {
		return nil, &core.ValidationError{Field: "timeout", Message: "must not be negative"}
	}

	q, err := d.resolveQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}
	if !q.IsActive {
		return nil, &core.ValidationError{Field: "queue", Message: "queue " + queueName + " is paused", Err: core.ErrQueueInactive}
	}

	body, err := encode(payload)
	if err != nil {
		return nil, &core.ValidationError{Field: "payload", Message: err.Error(), Err: err}
	}
	if err := security.ValidatePayload(body); err != nil {
		return nil, err
	}
	if err := security.ValidateMetadata(o.Metadata); err != nil {
		return nil, err
	}

	attempts := o.Attempts
	if attempts == 0 {
		attempts = q.DefaultAttempts
	}
	if attempts == 0 {
		attempts = d.config.DefaultAttempts
	}
	if err := security.ValidateAttempts(attempts); err != nil {
		return nil, err
	}

	now := d.Now()
	job := &core.Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Type:        jobType,
		Priority:    o.Priority,
		Status:      core.StatusPending,
		MaxAttempts: attempts,
		Payload:     body,
		Metadata:    o.Metadata,
		Timeout:     o.Timeout,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if o.Delay > 0 {
		runAt := now.Add(o.Delay)
		job.Status = core.StatusDelayed
		job.NextRetryAt = &runAt
	}

	if err := d.storage.CreateJob(ctx, job); err != nil {
		return nil, persistErr("create job", err)
	}

	d.logger.Debug("job added", "job_id", job.ID, "queue", queueName, "type", jobType, "priority", int(job.Priority))
	d.broker.Publish(&core.JobAdded{Job: copyJob(job), Timestamp: now})
	return job, nil
}

// resolveQueue reads the queue through to the store so a pause made by
// another process is honoured immediately.
func (d *Dispatcher) resolveQueue(ctx context.Context, name string) (*core.Queue, error) {
	q, err := d.GetQueue(ctx, name)
	if err == nil {
		return q, nil
	}
	if !core.IsNotFound(err) {
		return nil, err
	}
	if !d.config.AutoCreateQueues {
		return nil, &core.ValidationError{Field: "queue", Message: "unknown queue " + name, Err: err}
	}
	return d.CreateQueue(ctx, name)
}

// GetNextJob promotes due delayed jobs of queueName and atomically claims the
// best pending one for workerID. It returns nil, nil when nothing is eligible.
func (d *Dispatcher) GetNextJob(ctx context.Context, queueName, workerID string) (*core.Job, error) {
	now := d.Now()

	promoted, err := d.storage.PromoteDelayed(ctx, queueName, now)
	if err != nil {
		return nil, persistErr("promote delayed", err)
	}
	if promoted > 0 {
		d.logger.Debug("promoted delayed jobs", "queue", queueName, "count", promoted)
	}

	job, err := d.storage.ClaimNext(ctx, queueName, workerID, now)
	if err != nil {
		return nil, persistErr("claim", err)
	}
	if job == nil {
		return nil, nil
	}

	d.broker.Publish(&core.JobStarted{Job: copyJob(job), WorkerID: workerID, Timestamp: now})
	return job, nil
}

// CompleteJob records a successful execution of a job claimed by workerID.
// job is updated in place to reflect the stored state.
func (d *Dispatcher) CompleteJob(ctx context.Context, job *core.Job, workerID string, result []byte) error {
	now := d.Now()
	if err := d.storage.CompleteJob(ctx, job.ID, workerID, result, now); err != nil {
		return persistErr("complete job", err)
	}

	elapsed := processingTime(job, now)
	job.Status = core.StatusCompleted
	job.CompletedAt = &now
	job.Result = result
	job.Progress = 100
	job.ClaimedBy = ""
	job.UpdatedAt = now

	d.recordOutcome(ctx, job.Queue, true, elapsed)
	d.logger.Debug("job completed", "job_id", job.ID, "queue", job.Queue, "duration", elapsed)
	d.broker.Publish(&core.JobCompleted{Job: copyJob(job), Duration: elapsed, Timestamp: now})
	return nil
}

// FailJob records a failed execution of a job claimed by workerID and
// applies the retry decision: while attempts stay below maxAttempts and the
// cause is not a NoRetryError the job is delayed by the queue's backoff
// (or by a RetryAfterError's delay), otherwise it fails terminally.
//
// It returns the scheduled retry time, or nil when the failure was terminal.
func (d *Dispatcher) FailJob(ctx context.Context, job *core.Job, workerID string, cause error) (*time.Time, error) {
	if cause == nil {
		cause = errors.New("unknown error")
	}
	now := d.Now()
	attempt := job.Attempts + 1

	var retryAt *time.Time
	var noRetry *core.NoRetryError
	if attempt < job.MaxAttempts && !errors.As(cause, &noRetry) {
		at := now.Add(d.retryDelay(job.Queue, attempt, cause))
		retryAt = &at
	}

	var trace string
	var execErr *core.ExecutionError
	if errors.As(cause, &execErr) {
		trace = execErr.Trace
	}

	update := core.FailureUpdate{
		Error:   cause.Error(),
		Trace:   trace,
		RetryAt: retryAt,
		Now:     now,
	}
	if err := d.storage.FailJob(ctx, job.ID, workerID, update); err != nil {
		return nil, persistErr("fail job", err)
	}

	elapsed := processingTime(job, now)
	job.Attempts = attempt
	job.Error = security.SanitizeErrorMessage(update.Error)
	job.Trace = security.SanitizeTrace(trace)
	job.FailedAt = &now
	job.ClaimedBy = ""
	job.UpdatedAt = now
	job.NextRetryAt = retryAt

	if retryAt != nil {
		job.Status = core.StatusDelayed
		d.logger.Info("job scheduled for retry",
			"job_id", job.ID, "queue", job.Queue, "attempt", attempt, "retry_at", *retryAt, "error", cause)
		d.broker.Publish(&core.JobRetried{
			Job:         copyJob(job),
			Attempt:     attempt,
			Error:       cause,
			NextRetryAt: *retryAt,
			Timestamp:   now,
		})
		return retryAt, nil
	}

	job.Status = core.StatusFailed
	d.recordOutcome(ctx, job.Queue, false, elapsed)
	d.logger.Warn("job failed", "job_id", job.ID, "queue", job.Queue, "attempts", attempt, "error", cause)
	d.broker.Publish(&core.JobFailed{Job: copyJob(job), Error: cause, Duration: elapsed, Timestamp: now})
	return nil, nil
}

func (d *Dispatcher) retryDelay(queueName string, attempt int, cause error) time.Duration {
	var after *core.RetryAfterError
	if errors.As(cause, &after) && after.Delay > 0 {
		return after.Delay
	}
	q, _ := d.queues.get(queueName)
	return backoff.ForQueue(q, d.config.Backoff).Delay(attempt)
}

func (d *Dispatcher) recordOutcome(ctx context.Context, queueName string, succeeded bool, elapsed time.Duration) {
	if err := d.storage.RecordQueueOutcome(ctx, queueName, succeeded, elapsed); err != nil {
		d.logger.Warn("failed to record queue metrics", "queue", queueName, "error", err)
	}
}

func processingTime(job *core.Job, now time.Time) time.Duration {
	if job.ProcessedAt == nil {
		return 0
	}
	if d := now.Sub(*job.ProcessedAt); d > 0 {
		return d
	}
	return 0
}

// RetryJob manually resets a job to pending with attempts zeroed and the last
// error cleared. Processing jobs are rejected with ErrInvalidState.
func (d *Dispatcher) RetryJob(ctx context.Context, jobID string) (*core.Job, error) {
	now := d.Now()
	if err := d.storage.RetryJob(ctx, jobID, now); err != nil {
		return nil, persistErr("retry job", err)
	}
	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	d.logger.Info("job retried manually", "job_id", jobID, "queue", job.Queue)
	d.broker.Publish(&core.JobRetried{Job: copyJob(job), Manual: true, Timestamp: now})
	return job, nil
}

// RetryFailed resets every failed job of queueName to pending with attempts
// cleared, optionally only jobs of jobType. It emits a manual JobRetried per
// job and returns how many were reset.
func (d *Dispatcher) RetryFailed(ctx context.Context, queueName, jobType string) (int, error) {
	if _, err := d.GetQueue(ctx, queueName); err != nil {
		return 0, err
	}
	if jobType != "" {
		if err := security.ValidateJobTypeName(jobType); err != nil {
			return 0, err
		}
	}

	now := d.Now()
	jobs, err := d.storage.RetryFailed(ctx, queueName, jobType, now)
	if err != nil {
		return 0, persistErr("retry failed jobs", err)
	}
	for _, job := range jobs {
		d.broker.Publish(&core.JobRetried{Job: copyJob(job), Manual: true, Timestamp: now})
	}
	if len(jobs) > 0 {
		d.logger.Info("failed jobs retried", "queue", queueName, "type", jobType, "count", len(jobs))
	}
	return len(jobs), nil
}

// CancelJob cancels a pending or delayed job. A job that is already
// processing or terminal is rejected with ErrInvalidState.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID string) (*core.Job, error) {
	now := d.Now()
	if err := d.storage.CancelJob(ctx, jobID, now); err != nil {
		return nil, persistErr("cancel job", err)
	}
	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	d.logger.Info("job cancelled", "job_id", jobID, "queue", job.Queue)
	d.broker.Publish(&core.JobCancelled{Job: copyJob(job), Timestamp: now})
	return job, nil
}

// RemoveJob deletes the job record regardless of its state.
func (d *Dispatcher) RemoveJob(ctx context.Context, jobID string) error {
	job, err := d.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if err := d.storage.DeleteJob(ctx, jobID); err != nil {
		return persistErr("delete job", err)
	}
	d.broker.Publish(&core.JobRemoved{ID: jobID, Queue: job.Queue, Timestamp: d.Now()})
	return nil
}

// GetJob returns the job or a NotFoundError.
func (d *Dispatcher) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	job, err := d.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, persistErr("get job", err)
	}
	if job == nil {
		return nil, &core.NotFoundError{Kind: "job", ID: jobID}
	}
	return job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (d *Dispatcher) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &core.ValidationError{Field: "status", Message: "unknown status " + string(filter.Status)}
	}
	jobs, err := d.storage.ListJobs(ctx, filter)
	if err != nil {
		return nil, persistErr("list jobs", err)
	}
	return jobs, nil
}

// UpdateProgress stores handler progress (clamped to 0-100) for a processing job.
// Progress is observational and never affects scheduling.
func (d *Dispatcher) UpdateProgress(ctx context.Context, job *core.Job, workerID string, progress int) error {
	progress = security.ClampProgress(progress)
	if err := d.storage.UpdateProgress(ctx, job.ID, workerID, progress); err != nil {
		return persistErr("update progress", err)
	}
	job.Progress = progress
	d.broker.Publish(&core.JobProgress{Job: copyJob(job), Progress: progress, Timestamp: d.Now()})
	return nil
}

// GetQueueMetrics counts the jobs of queueName by status.
func (d *Dispatcher) GetQueueMetrics(ctx context.Context, queueName string) (core.QueueMetrics, error) {
	if _, err := d.GetQueue(ctx, queueName); err != nil {
		return core.QueueMetrics{}, err
	}
	counts, err := d.storage.CountByStatus(ctx, queueName)
	if err != nil {
		return core.QueueMetrics{}, persistErr("count jobs", err)
	}
	return core.MetricsFromCounts(queueName, counts), nil
}

// PromoteDelayed moves every due delayed job, across all queues, back to pending.
func (d *Dispatcher) PromoteDelayed(ctx context.Context) (int64, error) {
	n, err := d.storage.PromoteDelayed(ctx, "", d.Now())
	if err != nil {
		return 0, persistErr("promote delayed", err)
	}
	return n, nil
}

// ReclaimAbandoned returns jobs that have been processing for longer than
// olderThan to pending. Jobs are never reclaimed unless this is called.
func (d *Dispatcher) ReclaimAbandoned(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, &core.ValidationError{Field: "older_than", Message: "must be positive"}
	}
	n, err := d.storage.ReclaimAbandoned(ctx, d.Now().Add(-olderThan))
	if err != nil {
		return 0, persistErr("reclaim abandoned", err)
	}
	if n > 0 {
		d.logger.Warn("reclaimed abandoned jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}
