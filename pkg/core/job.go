// Package core provides the domain models and interfaces for the jobs package.
package core

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusDelayed    JobStatus = "delayed" // Waiting for NextRetryAt
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusDelayed,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// IsTerminal reports whether no further transition can happen without a manual retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, st := range AllStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// Priority orders jobs within a queue. Higher values are claimed first.
type Priority int

const (
	PriorityLow    Priority = -50
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 50
	PriorityUrgent Priority = 100
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return strconv.Itoa(int(p))
}

// ParsePriority accepts a named priority or a plain integer.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent", "critical":
		return PriorityUrgent, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
	}
	return Priority(n), nil
}

// Job represents a unit of deferred work.
type Job struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	Queue       string    `gorm:"size:255;not null;index:idx_jobs_queue_status,priority:1" json:"queue"`
	Type        string    `gorm:"size:255;not null" json:"type"`
	Priority    Priority  `gorm:"index;default:0" json:"priority"`
	Status      JobStatus `gorm:"size:20;not null;default:'pending';index:idx_jobs_queue_status,priority:2;index:idx_jobs_status_retry,priority:1" json:"status"`
	Progress    int       `gorm:"default:0" json:"progress"`
	Attempts    int       `gorm:"default:0" json:"attempts"`
	MaxAttempts int       `gorm:"default:3" json:"max_attempts"`

	Payload  []byte `gorm:"type:bytes" json:"payload,omitempty"`
	Result   []byte `gorm:"type:bytes" json:"result,omitempty"`
	Metadata []byte `gorm:"type:bytes" json:"metadata,omitempty"`
	Error    string `gorm:"type:text" json:"error,omitempty"`
	Trace    string `gorm:"type:text" json:"trace,omitempty"`

	// Timeout overrides the queue's execution timeout when non-zero.
	Timeout   time.Duration `gorm:"default:0" json:"timeout,omitempty"`
	ClaimedBy string        `gorm:"size:255" json:"claimed_by,omitempty"`

	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	NextRetryAt *time.Time `gorm:"index:idx_jobs_status_retry,priority:2" json:"next_retry_at,omitempty"`
}

// JobFilter narrows job listings.
type JobFilter struct {
	Queue  string
	Status JobStatus
	Type   string
	Limit  int
	Offset int
}
