package core

import "time"

// BackoffType selects how retry delays grow.
type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

// Queue is a named, independently configured channel of jobs.
type Queue struct {
	Name        string `gorm:"primaryKey;size:255" json:"name"`
	Description string `gorm:"type:text" json:"description,omitempty"`
	IsActive    bool   `gorm:"not null" json:"is_active"`
	Concurrency int    `gorm:"not null;default:1" json:"concurrency"`

	// Rate limit: at most RateLimitMax claims per RateLimitDuration. Zero disables it.
	RateLimitMax      int           `gorm:"default:0" json:"rate_limit_max,omitempty"`
	RateLimitDuration time.Duration `gorm:"default:0" json:"rate_limit_duration,omitempty"`

	// Defaults applied to jobs added without explicit options. A zero
	// DefaultAttempts defers to the dispatcher default.
	DefaultAttempts int           `gorm:"not null;default:0" json:"default_attempts"`
	BackoffType     BackoffType   `gorm:"size:20;default:'exponential'" json:"backoff_type"`
	BackoffDelay    time.Duration `gorm:"default:0" json:"backoff_delay,omitempty"`
	Timeout         time.Duration `gorm:"default:0" json:"timeout,omitempty"`

	TotalJobs             int64   `gorm:"default:0" json:"total_jobs"`
	CompletedJobs         int64   `gorm:"default:0" json:"completed_jobs"`
	FailedJobs            int64   `gorm:"default:0" json:"failed_jobs"`
	AverageProcessingTime float64 `gorm:"default:0" json:"average_processing_time_ms"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RateLimited reports whether the queue carries a usable rate limit.
func (q *Queue) RateLimited() bool {
	return q.RateLimitMax > 0 && q.RateLimitDuration > 0
}

// QueueMetrics is a point-in-time count of a queue's jobs by status.
type QueueMetrics struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Delayed   int64  `json:"delayed"`
	Cancelled int64  `json:"cancelled"`
	Total     int64  `json:"total"`
}

// MetricsFromCounts folds per-status counts into QueueMetrics.
func MetricsFromCounts(queue string, counts map[JobStatus]int64) QueueMetrics {
	m := QueueMetrics{
		Queue:     queue,
		Waiting:   counts[StatusPending],
		Active:    counts[StatusProcessing],
		Completed: counts[StatusCompleted],
		Failed:    counts[StatusFailed],
		Delayed:   counts[StatusDelayed],
		Cancelled: counts[StatusCancelled],
	}
	for _, n := range counts {
		m.Total += n
	}
	return m
}
