// Package jobctx provides public access to job context for handlers.
package jobctx

import (
	"context"
	"encoding/json"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// ProgressFunc persists a progress value (0-100) for the running job.
type ProgressFunc func(ctx context.Context, progress int) error

// JobContext holds the current job and the worker running it.
type JobContext struct {
	Job      *core.Job
	WorkerID string
	// Progress stores progress reports. Nil discards them.
	Progress ProgressFunc
}

type jobContextKey struct{}

// WithJobContext adds job context to a context.Context.
func WithJobContext(ctx context.Context, jc *JobContext) context.Context {
	return context.WithValue(ctx, jobContextKey{}, jc)
}

// GetJobContext retrieves the job context from a context.Context.
func GetJobContext(ctx context.Context) *JobContext {
	if jc, ok := ctx.Value(jobContextKey{}).(*JobContext); ok {
		return jc
	}
	return nil
}

// JobFromContext returns the current Job from context, or nil if not in a job handler.
// Use this to get the job ID for logging or progress tracking.
func JobFromContext(ctx context.Context) *core.Job {
	jc := GetJobContext(ctx)
	if jc == nil {
		return nil
	}
	return jc.Job
}

// JobIDFromContext returns the current job ID from context, or empty string if not in a job handler.
func JobIDFromContext(ctx context.Context) string {
	job := JobFromContext(ctx)
	if job == nil {
		return ""
	}
	return job.ID
}

// WorkerIDFromContext returns the ID of the worker running the current job.
func WorkerIDFromContext(ctx context.Context) string {
	jc := GetJobContext(ctx)
	if jc == nil {
		return ""
	}
	return jc.WorkerID
}

// ReportProgress records intermediate progress for the running job.
// Values are clamped to 0-100 by the store. Progress is observational and
// never affects scheduling. Returns nil if not running within a job handler.
func ReportProgress(ctx context.Context, progress int) error {
	jc := GetJobContext(ctx)
	if jc == nil || jc.Job == nil || jc.Progress == nil {
		return nil
	}
	return jc.Progress(ctx, progress)
}

// Metadata decodes the current job's metadata into T.
// Returns (zero, false) if there is no metadata, it does not decode, or the
// caller is not in a job context.
func Metadata[T any](ctx context.Context) (T, bool) {
	var zero T

	job := JobFromContext(ctx)
	if job == nil || len(job.Metadata) == 0 {
		return zero, false
	}

	var out T
	if err := json.Unmarshal(job.Metadata, &out); err != nil {
		return zero, false
	}
	return out, true
}
