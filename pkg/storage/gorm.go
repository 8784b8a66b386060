// Package storage provides storage implementations for the jobs package.
package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/priority-jobs/pkg/core"
	"github.com/jdziat/priority-jobs/pkg/security"
)

// maxClaimAttempts bounds how often ClaimNext re-selects after losing a race.
const maxClaimAttempts = 5

// defaultListLimit applies when a JobFilter has no limit.
const defaultListLimit = 100

// GormStorage implements core.Storage using GORM.
type GormStorage struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ core.Storage = (*GormStorage)(nil)

// NewGormStorage creates a new GORM-backed storage.
func NewGormStorage(db *gorm.DB) *GormStorage {
	return &GormStorage{db: db, logger: slog.Default()}
}

// SetLogger replaces the logger used for storage diagnostics. A nil logger
// restores slog.Default.
func (s *GormStorage) SetLogger(l *slog.Logger) {
	if l == nil {
		l = slog.Default()
	}
	s.logger = l
}

// DB returns the underlying database handle.
func (s *GormStorage) DB() *gorm.DB {
	return s.db
}

// IsSQLite reports whether the storage runs on SQLite.
func (s *GormStorage) IsSQLite() bool {
	return s.db != nil && s.db.Dialector != nil && s.db.Dialector.Name() == "sqlite"
}

// Migrate creates the necessary tables.
func (s *GormStorage) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Queue{}, &core.Job{})
}

// CreateJob persists a new job. Status must be pending or delayed.
func (s *GormStorage) CreateJob(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	if job.Status != core.StatusPending && job.Status != core.StatusDelayed {
		return core.ErrInvalidState
	}
	if (job.Status == core.StatusDelayed) != (job.NextRetryAt != nil) {
		return core.ErrInvalidState
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// PromoteDelayed moves delayed jobs whose retry time has passed back to pending.
// An empty queue sweeps every queue.
func (s *GormStorage) PromoteDelayed(ctx context.Context, queue string, now time.Time) (int64, error) {
	q := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusDelayed).
		Where("next_retry_at <= ?", now)
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	result := q.Updates(map[string]any{
		"status":        core.StatusPending,
		"next_retry_at": nil,
		"updated_at":    now,
	})
	return result.RowsAffected, result.Error
}

// ClaimNext atomically moves the best pending job in queue to processing.
// Candidates are ordered by priority DESC, created_at ASC, id ASC. The
// transition is a conditional update guarded by status = pending, so among
// concurrent callers exactly one wins a given job; losers re-select.
// Returns nil, nil when no job is eligible or every attempt lost its race.
func (s *GormStorage) ClaimNext(ctx context.Context, queue string, workerID string, now time.Time) (*core.Job, error) {
	for i := 0; i < maxClaimAttempts; i++ {
		var ids []string
		err := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("queue = ? AND status = ?", queue, core.StatusPending).
			Order("priority DESC, created_at ASC, id ASC").
			Limit(1).
			Pluck("id", &ids).Error
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		result := s.db.WithContext(ctx).
			Model(&core.Job{}).
			Where("id = ? AND status = ?", ids[0], core.StatusPending).
			Updates(map[string]any{
				"status":       core.StatusProcessing,
				"processed_at": now,
				"claimed_by":   workerID,
				"updated_at":   now,
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Another worker or a cancel won the race.
			continue
		}
		return s.GetJob(ctx, ids[0])
	}
	s.logger.DebugContext(ctx, "claim contention, giving up until next poll",
		"queue", queue, "worker_id", workerID, "attempts", maxClaimAttempts)
	return nil, nil
}

// CompleteJob marks a processing job owned by workerID as completed.
func (s *GormStorage) CompleteJob(ctx context.Context, jobID string, workerID string, result []byte, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, workerID, core.StatusProcessing).
		Updates(map[string]any{
			"status":       core.StatusCompleted,
			"completed_at": now,
			"result":       result,
			"progress":     100,
			"claimed_by":   "",
			"updated_at":   now,
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// FailJob records a failed attempt of a processing job owned by workerID.
// Attempts is incremented; a RetryAt schedules a delayed retry, otherwise the
// job becomes failed. Error messages are sanitized before storage.
func (s *GormStorage) FailJob(ctx context.Context, jobID string, workerID string, update core.FailureUpdate) error {
	updates := map[string]any{
		"attempts":   gorm.Expr("attempts + 1"),
		"error":      security.SanitizeErrorMessage(update.Error),
		"trace":      security.SanitizeTrace(update.Trace),
		"failed_at":  update.Now,
		"claimed_by": "",
		"updated_at": update.Now,
	}

	if update.RetryAt != nil {
		updates["status"] = core.StatusDelayed
		updates["next_retry_at"] = *update.RetryAt
	} else {
		updates["status"] = core.StatusFailed
		updates["next_retry_at"] = nil
	}

	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, workerID, core.StatusProcessing).
		Updates(updates)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// RetryJob resets a job that is not processing back to pending with a clean slate.
func (s *GormStorage) RetryJob(ctx context.Context, jobID string, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status <> ?", jobID, core.StatusProcessing).
		Updates(retryReset(now))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

// RetryFailed resets every failed job of queue back to pending, optionally
// only those of jobType, and returns the reset jobs. Jobs that leave the
// failed state concurrently are skipped.
func (s *GormStorage) RetryFailed(ctx context.Context, queue, jobType string, now time.Time) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sel := tx.Model(&core.Job{}).Where("queue = ? AND status = ?", queue, core.StatusFailed)
		if jobType != "" {
			sel = sel.Where("type = ?", jobType)
		}
		if !s.IsSQLite() {
			sel = sel.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var ids []string
		if err := sel.Order("created_at ASC").Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		err := tx.Model(&core.Job{}).
			Where("id IN ? AND status = ?", ids, core.StatusFailed).
			Updates(retryReset(now)).Error
		if err != nil {
			return err
		}
		return tx.Where("id IN ?", ids).Order("created_at ASC").Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// retryReset gives a job a clean slate for a manual retry.
func retryReset(now time.Time) map[string]any {
	return map[string]any{
		"status":        core.StatusPending,
		"attempts":      0,
		"progress":      0,
		"error":         "",
		"trace":         "",
		"result":        nil,
		"processed_at":  nil,
		"completed_at":  nil,
		"failed_at":     nil,
		"next_retry_at": nil,
		"claimed_by":    "",
		"updated_at":    now,
	}
}

// CancelJob cancels a job that has not been claimed yet.
// The update is guarded by status, so a cancel racing a claim fails for whichever side loses.
func (s *GormStorage) CancelJob(ctx context.Context, jobID string, now time.Time) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status IN ?", jobID, []core.JobStatus{core.StatusPending, core.StatusDelayed}).
		Updates(map[string]any{
			"status":        core.StatusCancelled,
			"next_retry_at": nil,
			"updated_at":    now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missingOrInvalid(ctx, jobID)
	}
	return nil
}

// DeleteJob removes a job record in any state.
func (s *GormStorage) DeleteJob(ctx context.Context, jobID string) error {
	res := s.db.WithContext(ctx).
		Where("id = ?", jobID).
		Delete(&core.Job{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return &core.NotFoundError{Kind: "job", ID: jobID}
	}
	return nil
}

// UpdateProgress stores handler progress while workerID still holds the claim.
// A job claimed by someone else reports ErrJobNotOwned.
func (s *GormStorage) UpdateProgress(ctx context.Context, jobID string, workerID string, progress int) error {
	res := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, workerID, core.StatusProcessing).
		Update("progress", security.ClampProgress(progress))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	job, err := s.GetJob(ctx, jobID)
	switch {
	case err != nil:
		return err
	case job == nil:
		return &core.NotFoundError{Kind: "job", ID: jobID}
	case job.Status == core.StatusProcessing:
		return core.ErrJobNotOwned
	}
	return core.ErrInvalidState
}

// ReclaimAbandoned returns processing jobs claimed before cutoff to pending.
func (s *GormStorage) ReclaimAbandoned(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusProcessing).
		Where("processed_at < ?", cutoff).
		Updates(map[string]any{
			"status":       core.StatusPending,
			"claimed_by":   "",
			"processed_at": nil,
		})
	return result.RowsAffected, result.Error
}

// GetJob retrieves a job by ID. Returns nil, nil when absent.
func (s *GormStorage) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns jobs matching filter, newest first.
func (s *GormStorage) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, error) {
	q := s.db.WithContext(ctx).Model(&core.Job{})
	if filter.Queue != "" {
		q = q.Where("queue = ?", filter.Queue)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Type != "" {
		q = q.Where("type = ?", filter.Type)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var jobList []*core.Job
	err := q.Order("created_at DESC, id DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&jobList).Error
	return jobList, err
}

// CountByStatus counts the jobs of queue grouped by status.
func (s *GormStorage) CountByStatus(ctx context.Context, queue string) (map[core.JobStatus]int64, error) {
	var rows []struct {
		Status core.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Select("status, COUNT(*) AS count").
		Where("queue = ?", queue).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.Count
	}
	return counts, nil
}

// missingOrInvalid explains a conditional update that matched no rows.
func (s *GormStorage) missingOrInvalid(ctx context.Context, jobID string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return &core.NotFoundError{Kind: "job", ID: jobID}
	}
	return core.ErrInvalidState
}
