package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Dead-letter reasons stored on the archive row.
const (
	DeadLetterReasonMaxAttempts = "max_attempts_exceeded"
	DeadLetterReasonTimeout     = "timeout"
)

// DeadLetterJob is the archive snapshot of a job whose attempts were
// exhausted. Rows are immutable except for the replay stamp: a replayed entry
// keeps its snapshot and records the id of the fresh job it spawned.
type DeadLetterJob struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobID       uuid.UUID      `gorm:"type:uuid;not null;index" json:"job_id"`
	OwnerUserID uuid.UUID      `gorm:"type:uuid;index" json:"owner_user_id"`
	Queue       string         `gorm:"column:queue;not null;index" json:"queue"`
	JobType     string         `gorm:"column:job_type;not null" json:"job_type"`
	Priority    Priority       `gorm:"column:priority;not null;default:3" json:"priority"`
	Payload     datatypes.JSON `gorm:"column:payload" json:"payload"`
	Tags        datatypes.JSON `gorm:"column:tags" json:"tags"`
	Steps       datatypes.JSON `gorm:"column:steps" json:"steps"`
	StepState   datatypes.JSON `gorm:"column:step_state" json:"step_state"`
	LastError   string         `gorm:"column:last_error" json:"last_error"`
	Reason      string         `gorm:"column:reason;not null" json:"reason"`
	Attempts    int            `gorm:"column:attempts;not null" json:"attempts"`
	MaxAttempts int            `gorm:"column:max_attempts;not null" json:"max_attempts"`
	MovedAt     time.Time      `gorm:"column:moved_at;not null;index" json:"moved_at"`
	ReplayedAt  *time.Time     `gorm:"column:replayed_at" json:"replayed_at,omitempty"`
	ReplayJobID *uuid.UUID     `gorm:"type:uuid;column:replay_job_id" json:"replay_job_id,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (DeadLetterJob) TableName() string { return "dead_letter_jobs" }
