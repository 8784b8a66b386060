package worker

import (
	"context"
	"time"
)

// scheduler enqueues recurring jobs registered on the dispatcher.
// Its state is only touched from the scheduler loop.
type scheduler struct {
	pool    *Pool
	nextRun map[string]time.Time
}

func (p *Pool) newScheduler() *scheduler {
	return &scheduler{pool: p, nextRun: make(map[string]time.Time)}
}

func (s *scheduler) tick(ctx context.Context) {
	d := s.pool.dispatcher
	now := d.Now()

	seen := make(map[string]bool)
	for _, sj := range d.ScheduledJobs() {
		seen[sj.Name] = true

		next, ok := s.nextRun[sj.Name]
		if !ok {
			// First sighting anchors the schedule at pool start.
			s.nextRun[sj.Name] = sj.Schedule.Next(now)
			continue
		}
		if now.Before(next) {
			continue
		}

		if _, err := d.EnqueueScheduled(ctx, sj); err != nil {
			if ctx.Err() == nil {
				s.pool.logger.Error("failed to enqueue scheduled job", "name", sj.Name, "queue", sj.Queue, "error", err)
			}
			continue
		}
		s.nextRun[sj.Name] = sj.Schedule.Next(now)
	}

	for name := range s.nextRun {
		if !seen[name] {
			delete(s.nextRun, name)
		}
	}
}
