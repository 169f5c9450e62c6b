package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// ArchiveFilter narrows ListArchive. Zero values mean "any".
type ArchiveFilter struct {
	Queue           string
	OwnerUserID     uuid.UUID
	IncludeReplayed bool
	Limit           int
	Offset          int
}

type ArchiveRepo interface {
	MoveToDeadLetter(dbc dbctx.Context, job *types.Job, reason string, errMsg string, steps datatypes.JSON, stepState datatypes.JSON) (*types.DeadLetterJob, bool, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.DeadLetterJob, error)
	List(dbc dbctx.Context, f ArchiveFilter) ([]*types.DeadLetterJob, int64, error)
	Replay(dbc dbctx.Context, id uuid.UUID, maxAttempts int) (*types.Job, error)
}

type archiveRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewArchiveRepo(db *gorm.DB, baseLog *logger.Logger) ArchiveRepo {
	return &archiveRepo{
		db:  db,
		log: baseLog.With("repo", "ArchiveRepo"),
	}
}

func (r *archiveRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// MoveToDeadLetter performs the terminal-failure transition in one
// transaction: the job row flips from processing to dead_letter with its
// lease cleared, the archive snapshot is inserted, and the terminal metrics
// record is appended. The conditional update on (state, attempts) keeps the
// executor and the stall sweeper from archiving the same job twice; the
// loser sees changed == false.
func (r *archiveRepo) MoveToDeadLetter(dbc dbctx.Context, job *types.Job, reason string, errMsg string, steps datatypes.JSON, stepState datatypes.JSON) (*types.DeadLetterJob, bool, error) {
	if job == nil || job.ID == uuid.Nil {
		return nil, false, nil
	}
	transaction := r.handle(dbc)
	now := time.Now().UTC()

	processingMS := int64(0)
	if job.StartedAt != nil {
		processingMS = now.Sub(*job.StartedAt).Milliseconds()
	}
	totalMS := now.Sub(job.CreatedAt).Milliseconds()

	if steps == nil {
		steps = job.Steps
	}
	if stepState == nil {
		stepState = job.StepState
	}

	entry := &types.DeadLetterJob{
		ID:          uuid.New(),
		JobID:       job.ID,
		OwnerUserID: job.OwnerUserID,
		Queue:       job.Queue,
		JobType:     job.JobType,
		Priority:    job.Priority,
		Payload:     job.Payload,
		Tags:        job.Tags,
		Steps:       steps,
		StepState:   stepState,
		LastError:   errMsg,
		Reason:      reason,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		MovedAt:     now,
		CreatedAt:   now,
	}

	moved := false
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.Job{}).
			Where("id = ? AND state = ? AND attempts = ?", job.ID, types.JobStateProcessing, job.Attempts).
			Updates(map[string]interface{}{
				"state":         types.JobStateDeadLetter,
				"steps":         steps,
				"step_state":    stepState,
				"worker_id":     nil,
				"timeout_at":    nil,
				"completed_at":  now,
				"processing_ms": processingMS,
				"total_ms":      totalMS,
				"last_error":    errMsg,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		moved = true
		if err := txx.Create(entry).Error; err != nil {
			return fmt.Errorf("insert archive entry: %w", err)
		}
		return txx.Create(&types.JobMetricsRecord{
			ID:           uuid.New(),
			JobID:        job.ID,
			Queue:        job.Queue,
			JobType:      job.JobType,
			Outcome:      types.OutcomeDeadLetter,
			Attempt:      job.Attempts,
			WaitMS:       job.WaitMS,
			ProcessingMS: processingMS,
			TotalMS:      totalMS,
			RecordedAt:   now,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	if !moved {
		return nil, false, nil
	}

	job.State = types.JobStateDeadLetter
	job.Steps = steps
	job.StepState = stepState
	job.WorkerID = nil
	job.TimeoutAt = nil
	job.CompletedAt = &now
	job.ProcessingMS = processingMS
	job.TotalMS = totalMS
	job.LastError = errMsg
	job.UpdatedAt = now
	return entry, true, nil
}

func (r *archiveRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.DeadLetterJob, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var entry types.DeadLetterJob
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == uuid.Nil {
		return nil, nil
	}
	return &entry, nil
}

// List returns archive entries newest move first. Replayed entries leave the
// default listing but stay queryable for audit.
func (r *archiveRepo) List(dbc dbctx.Context, f ArchiveFilter) ([]*types.DeadLetterJob, int64, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).Model(&types.DeadLetterJob{})
	if f.Queue != "" {
		q = q.Where("queue = ?", f.Queue)
	}
	if f.OwnerUserID != uuid.Nil {
		q = q.Where("owner_user_id = ?", f.OwnerUserID)
	}
	if !f.IncludeReplayed {
		q = q.Where("replayed_at IS NULL")
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.DeadLetterJob
	err := q.Order("moved_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Replay spawns a fresh job from an archived snapshot: new id, attempts 0,
// step plan reset to pending, runnable immediately. The archive row is
// stamped rather than deleted and the original dead_letter job row is left
// untouched for audit. An already replayed entry conflicts.
func (r *archiveRepo) Replay(dbc dbctx.Context, id uuid.UUID, maxAttempts int) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, apierr.ErrNotFound
	}
	transaction := r.handle(dbc)

	var fresh *types.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var entry types.DeadLetterJob
		if err := txx.Where("id = ?", id).Limit(1).Find(&entry).Error; err != nil {
			return err
		}
		if entry.ID == uuid.Nil {
			return apierr.ErrNotFound
		}
		if entry.ReplayedAt != nil {
			return fmt.Errorf("archive entry already replayed: %w", apierr.ErrConflict)
		}

		now := time.Now().UTC()
		// The snapshot's own budget wins; the caller's default only covers
		// archive rows written without one.
		attempts := entry.MaxAttempts
		if attempts <= 0 {
			attempts = maxAttempts
		}
		steps, err := types.DecodeSteps(entry.Steps)
		if err != nil {
			steps = nil
		}
		names := make([]string, 0, len(steps))
		for _, s := range steps {
			names = append(names, s.Name)
		}
		plan, err := types.EncodeSteps(types.NewStepPlan(names))
		if err != nil {
			return err
		}

		job := &types.Job{
			ID:          uuid.New(),
			OwnerUserID: entry.OwnerUserID,
			Queue:       entry.Queue,
			JobType:     entry.JobType,
			Priority:    entry.Priority,
			State:       types.JobStatePending,
			Payload:     entry.Payload,
			Tags:        entry.Tags,
			Steps:       plan,
			StepState:   datatypes.JSON([]byte(`{}`)),
			MaxAttempts: attempts,
			ScheduledAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := txx.Create(job).Error; err != nil {
			return fmt.Errorf("insert replay job: %w", err)
		}

		res := txx.Model(&types.DeadLetterJob{}).
			Where("id = ? AND replayed_at IS NULL", entry.ID).
			Updates(map[string]interface{}{
				"replayed_at":   now,
				"replay_job_id": job.ID,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("archive entry already replayed: %w", apierr.ErrConflict)
		}
		fresh = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return fresh, nil
}
