package domain

import (
	"time"

	"github.com/google/uuid"
)

// Outcomes recorded in job_metrics_history. "started" rows trace every claim
// (one per attempt); the remaining outcomes are terminal.
const (
	OutcomeStarted    = "started"
	OutcomeCompleted  = "completed"
	OutcomeDeadLetter = "dead_letter"
	OutcomeCancelled  = "cancelled"
)

// JobMetricsRecord is the append-only execution trace. It replaces any
// in-memory history: everything the aggregator derives is reconstructable
// from these rows.
type JobMetricsRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	JobID        uuid.UUID `gorm:"type:uuid;not null;index" json:"job_id"`
	Queue        string    `gorm:"column:queue;not null;index" json:"queue"`
	JobType      string    `gorm:"column:job_type;not null" json:"job_type"`
	Outcome      string    `gorm:"column:outcome;not null;index" json:"outcome"`
	Attempt      int       `gorm:"column:attempt;not null;default:0" json:"attempt"`
	WaitMS       int64     `gorm:"column:wait_ms;not null;default:0" json:"wait_ms"`
	ProcessingMS int64     `gorm:"column:processing_ms;not null;default:0" json:"processing_ms"`
	TotalMS      int64     `gorm:"column:total_ms;not null;default:0" json:"total_ms"`
	RecordedAt   time.Time `gorm:"column:recorded_at;not null;index" json:"recorded_at"`
}

func (JobMetricsRecord) TableName() string { return "job_metrics_history" }

// QueueStatsRow is the periodically refreshed per-queue rollup. Readers
// tolerate one aggregator interval of staleness.
type QueueStatsRow struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Queue           string    `gorm:"column:queue;not null;uniqueIndex" json:"queue"`
	ScheduledCount  int64     `gorm:"column:scheduled_count;not null;default:0" json:"scheduled_count"`
	PendingCount    int64     `gorm:"column:pending_count;not null;default:0" json:"pending_count"`
	ProcessingCount int64     `gorm:"column:processing_count;not null;default:0" json:"processing_count"`
	CompletedCount  int64     `gorm:"column:completed_count;not null;default:0" json:"completed_count"`
	DeadLetterCount int64     `gorm:"column:dead_letter_count;not null;default:0" json:"dead_letter_count"`
	CancelledCount  int64     `gorm:"column:cancelled_count;not null;default:0" json:"cancelled_count"`
	AvgWaitMS       int64     `gorm:"column:avg_wait_ms;not null;default:0" json:"avg_wait_ms"`
	AvgProcessingMS int64     `gorm:"column:avg_processing_ms;not null;default:0" json:"avg_processing_ms"`
	CompletedWindow int64     `gorm:"column:completed_window;not null;default:0" json:"completed_window"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (QueueStatsRow) TableName() string { return "queue_stats" }
