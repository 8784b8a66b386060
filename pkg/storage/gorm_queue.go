package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/priority-jobs/pkg/core"
)

// CreateQueue inserts q unless a queue with the same name exists.
// created reports whether this call inserted the row.
func (s *GormStorage) CreateQueue(ctx context.Context, q *core.Queue) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(q)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetQueue retrieves a queue by name. Returns nil, nil when absent.
func (s *GormStorage) GetQueue(ctx context.Context, name string) (*core.Queue, error) {
	var q core.Queue
	err := s.db.WithContext(ctx).First(&q, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ListQueues returns queues ordered by name.
func (s *GormStorage) ListQueues(ctx context.Context, activeOnly bool) ([]*core.Queue, error) {
	q := s.db.WithContext(ctx).Model(&core.Queue{})
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var queues []*core.Queue
	err := q.Order("name ASC").Find(&queues).Error
	return queues, err
}

// UpdateQueue overwrites the configuration of an existing queue.
// Metric counters and creation time are left untouched.
func (s *GormStorage) UpdateQueue(ctx context.Context, q *core.Queue) error {
	res := s.db.WithContext(ctx).
		Model(&core.Queue{}).
		Where("name = ?", q.Name).
		Select("description", "is_active", "concurrency", "rate_limit_max", "rate_limit_duration",
			"default_attempts", "backoff_type", "backoff_delay", "timeout", "updated_at").
		Updates(q)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &core.NotFoundError{Kind: "queue", ID: q.Name}
	}
	return nil
}

// SetQueueActive pauses or resumes a queue.
func (s *GormStorage) SetQueueActive(ctx context.Context, name string, active bool) error {
	res := s.db.WithContext(ctx).
		Model(&core.Queue{}).
		Where("name = ?", name).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &core.NotFoundError{Kind: "queue", ID: name}
	}
	return nil
}

// DeleteQueue removes the queue record. Its jobs are kept.
func (s *GormStorage) DeleteQueue(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).
		Where("name = ?", name).
		Delete(&core.Queue{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &core.NotFoundError{Kind: "queue", ID: name}
	}
	return nil
}

// RecordQueueOutcome folds a terminal outcome into the queue's counters and
// running average processing time. A missing queue is ignored.
func (s *GormStorage) RecordQueueOutcome(ctx context.Context, name string, succeeded bool, elapsed time.Duration) error {
	ms := float64(elapsed) / float64(time.Millisecond)

	updates := map[string]any{
		"total_jobs":              gorm.Expr("total_jobs + 1"),
		"average_processing_time": gorm.Expr("(average_processing_time * total_jobs + ?) / (total_jobs + 1)", ms),
	}
	if succeeded {
		updates["completed_jobs"] = gorm.Expr("completed_jobs + 1")
	} else {
		updates["failed_jobs"] = gorm.Expr("failed_jobs + 1")
	}

	return s.db.WithContext(ctx).
		Model(&core.Queue{}).
		Where("name = ?", name).
		Updates(updates).Error
}
