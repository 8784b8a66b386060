package dispatcher

import (
	"context"
	"sort"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/schedule"
	"github.com/jdziat/priority-jobs/pkg/security"
)

// ScheduledJob holds configuration for a recurring job.
type ScheduledJob struct {
	Name     string
	Schedule schedule.Schedule
	Queue    string
	Type     string
	Payload  []byte
	Options  []JobOption
}

// Schedule registers a recurring job. The worker pool's scheduler enqueues
// it through AddJob each time the schedule fires. Registering an existing
// name replaces it.
func (d *Dispatcher) Schedule(name string, sched schedule.Schedule, queueName, jobType string, payload any, opts ...JobOption) error {
	if name == "" {
		return &core.ValidationError{Field: "name", Message: "schedule name is required"}
	}
	if sched == nil {
		return &core.ValidationError{Field: "schedule", Message: "schedule is required"}
	}
	if err := security.ValidateQueueName(queueName); err != nil {
		return err
	}
	if err := security.ValidateJobTypeName(jobType); err != nil {
		return err
	}
	body, err := encode(payload)
	if err != nil {
		return &core.ValidationError{Field: "payload", Message: err.Error(), Err: err}
	}

	d.mu.Lock()
	d.scheduled[name] = &ScheduledJob{
		Name:     name,
		Schedule: sched,
		Queue:    queueName,
		Type:     jobType,
		Payload:  body,
		Options:  opts,
	}
	d.mu.Unlock()
	return nil
}

// Unschedule removes a recurring job registration.
func (d *Dispatcher) Unschedule(name string) {
	d.mu.Lock()
	delete(d.scheduled, name)
	d.mu.Unlock()
}

// ScheduledJobs returns the registered recurring jobs ordered by name.
func (d *Dispatcher) ScheduledJobs() []*ScheduledJob {
	d.mu.RLock()
	out := make([]*ScheduledJob, 0, len(d.scheduled))
	for _, sj := range d.scheduled {
		out = append(out, sj)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// EnqueueScheduled adds one occurrence of sj.
func (d *Dispatcher) EnqueueScheduled(ctx context.Context, sj *ScheduledJob) (*core.Job, error) {
	return d.AddJob(ctx, sj.Queue, sj.Type, sj.Payload, sj.Options...)
}
