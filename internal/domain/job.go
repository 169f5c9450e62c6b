package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job states. "failed" is part of the public vocabulary but no transition
// parks a job there: retryable failures go back to pending, terminal ones to
// dead_letter.
const (
	JobStateScheduled  = "scheduled"
	JobStatePending    = "pending"
	JobStateProcessing = "processing"
	JobStateCompleted  = "completed"
	JobStateFailed     = "failed"
	JobStateDeadLetter = "dead_letter"
	JobStateCancelled  = "cancelled"
)

// ActiveJobStates are the states that hold an idempotency key. Terminal
// states release the key for reuse.
var ActiveJobStates = []string{JobStateScheduled, JobStatePending, JobStateProcessing}

// Priority orders claims ascending: urgent before high before normal before
// low. It is stored as a small integer and rendered as the word in JSON.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "urgent":
		return PriorityUrgent, nil
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Job struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerUserID    uuid.UUID      `gorm:"type:uuid;index" json:"owner_user_id"`
	Queue          string         `gorm:"column:queue;not null;index" json:"queue"`
	JobType        string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Priority       Priority       `gorm:"column:priority;not null;default:3" json:"priority"`
	State          string         `gorm:"column:state;not null;index" json:"state"`
	IdempotencyKey *string        `gorm:"column:idempotency_key" json:"idempotency_key,omitempty"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	Tags           datatypes.JSON `gorm:"column:tags" json:"tags"`
	Steps          datatypes.JSON `gorm:"column:steps" json:"steps"`
	StepState      datatypes.JSON `gorm:"column:step_state" json:"step_state"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxAttempts    int            `gorm:"column:max_attempts;not null;default:5" json:"max_attempts"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	WorkerID       *string        `gorm:"column:worker_id;index" json:"worker_id,omitempty"`
	ScheduledAt    time.Time      `gorm:"column:scheduled_at;not null;index" json:"scheduled_at"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	TimeoutAt      *time.Time     `gorm:"column:timeout_at;index" json:"timeout_at,omitempty"`
	WaitMS         int64          `gorm:"column:wait_ms;not null;default:0" json:"wait_ms"`
	ProcessingMS   int64          `gorm:"column:processing_ms;not null;default:0" json:"processing_ms"`
	TotalMS        int64          `gorm:"column:total_ms;not null;default:0" json:"total_ms"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

// DecodedTags returns the tag list, never nil.
func (j *Job) DecodedTags() []string {
	if j == nil || len(j.Tags) == 0 {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal(j.Tags, &tags); err != nil {
		return []string{}
	}
	return tags
}

type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is one entry of the job's ordered step plan, persisted as JSON on
// the job row. A re-run overwrites the entry in place; per-attempt starts are
// traced in job_metrics_history instead.
type StepState struct {
	Name        string         `json:"name"`
	Status      StepStatus     `json:"status"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMS  int64          `json:"duration_ms,omitempty"`
	Error       string         `json:"error,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
}

// DefaultStepName seeds jobs enqueued without an explicit plan.
const DefaultStepName = "execute"

func NewStepPlan(names []string) []StepState {
	if len(names) == 0 {
		names = []string{DefaultStepName}
	}
	out := make([]StepState, 0, len(names))
	for _, n := range names {
		out = append(out, StepState{Name: n, Status: StepPending})
	}
	return out
}

func EncodeSteps(steps []StepState) (datatypes.JSON, error) {
	b, err := json.Marshal(steps)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return datatypes.JSON(b), nil
}

func DecodeSteps(raw datatypes.JSON) ([]StepState, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var steps []StepState
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return steps, nil
}
