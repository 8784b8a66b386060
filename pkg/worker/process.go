package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/jobctx"
)

type outcome struct {
	result []byte
	err    error
}

func (p *Pool) process(ctx context.Context, s *slot, job *core.Job) {
	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	timeout := p.dispatcher.ResolveTimeout(job)
	out := p.execute(ctx, s, job, timeout)

	// Outcome reports must land even when the slot is being stopped.
	reportCtx := context.WithoutCancel(ctx)

	if out.err == nil {
		err := retryWithBackoff(reportCtx, *p.config.StorageRetry, func() error {
			return p.dispatcher.CompleteJob(reportCtx, job, s.id, out.result)
		})
		if err != nil {
			p.logger.Error("failed to complete job after retries", "job_id", job.ID, "queue", job.Queue, "error", err)
			return
		}
		p.completed.Add(1)
		return
	}

	p.logger.Debug("job execution failed", "job_id", job.ID, "queue", job.Queue, "error", out.err)

	var retryAt *time.Time
	err := retryWithBackoff(reportCtx, *p.config.StorageRetry, func() error {
		var failErr error
		retryAt, failErr = p.dispatcher.FailJob(reportCtx, job, s.id, out.err)
		return failErr
	})
	if err != nil {
		p.logger.Error("failed to mark job as failed after retries", "job_id", job.ID, "queue", job.Queue, "error", err)
		return
	}
	if retryAt == nil {
		p.failed.Add(1)
	}
}

// execute runs the handler in its own goroutine, bounded by timeout and
// detached from ctx's cancellation. A handler that ignores its context keeps
// running after the timeout fires, but its outcome is discarded.
func (p *Pool) execute(ctx context.Context, s *slot, job *core.Job, timeout time.Duration) outcome {
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	handlerJob := *job
	progressJob := *job
	var progressMu sync.Mutex
	execCtx = jobctx.WithJobContext(execCtx, &jobctx.JobContext{
		Job:      &handlerJob,
		WorkerID: s.id,
		Progress: func(ctx context.Context, progress int) error {
			progressMu.Lock()
			defer progressMu.Unlock()
			return p.dispatcher.UpdateProgress(ctx, &progressJob, s.id, progress)
		},
	})

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &core.ExecutionError{
					JobType: job.Type,
					Err:     fmt.Errorf("panic: %v", r),
					Trace:   string(debug.Stack()),
				}}
			}
		}()
		result, err := p.registry.Execute(execCtx, &handlerJob)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return outcome{err: &core.TimeoutError{JobID: job.ID, Timeout: timeout}}
		}
		return out
	case <-execCtx.Done():
		p.logger.Warn("job execution timed out", "job_id", job.ID, "queue", job.Queue, "timeout", timeout)
		return outcome{err: &core.TimeoutError{JobID: job.ID, Timeout: timeout}}
	}
}
