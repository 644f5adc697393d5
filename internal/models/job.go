package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Job is a named unit of background maintenance work. Exactly one row per name;
// the name doubles as the lease key.
type Job struct {
	Name           string         `json:"name"`
	Kind           string         `json:"kind"`
	Description    string         `json:"description,omitempty"`
	Target         string         `json:"target,omitempty"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress_percent"`
	TotalItems     int64          `json:"total_items"`
	ProcessedItems int64          `json:"processed_items"`
	BatchSize      int            `json:"batch_size"`
	BatchPauseMs   int            `json:"batch_pause_ms"`
	DependsOn      []string       `json:"depends_on,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	UpdatedAt      *time.Time     `json:"updated_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// Terminal reports whether the job can never run again without operator action.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	}
	return false
}

// BatchPause is the inter-batch delay hint handed to job bodies.
func (j Job) BatchPause() time.Duration {
	return time.Duration(j.BatchPauseMs) * time.Millisecond
}

// Lease is a time-bounded exclusive claim on one job name. Lease state lives in
// Redis, not Postgres; a lease is live iff ExpiresAt is in the future.
type Lease struct {
	JobName    string    `json:"job_name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ExecutionRecord is one append-only history row per claim-to-outcome cycle.
type ExecutionRecord struct {
	ID             int64          `json:"id"`
	JobName        string         `json:"job_name"`
	StartedAt      time.Time      `json:"started_at"`
	EndedAt        time.Time      `json:"ended_at"`
	Status         string         `json:"status"`
	ItemsProcessed int64          `json:"items_processed"`
	Error          *string        `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Outcome values recorded in execution history.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// DailyStats is a derived, non-authoritative daily rollup of scheduler activity.
type DailyStats struct {
	Date                time.Time `json:"date"`
	TotalJobs           int64     `json:"total_jobs"`
	CompletedJobs       int64     `json:"completed_jobs"`
	FailedJobs          int64     `json:"failed_jobs"`
	TotalItemsProcessed int64     `json:"total_items_processed"`
	TotalExecutionMs    int64     `json:"total_execution_time_ms"`
	AvgItemsPerSecond   *float64  `json:"avg_items_per_second,omitempty"`
	UpdatedAt           time.Time `json:"updated_at"`
}
