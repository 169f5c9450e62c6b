package jobs

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// ListFilter narrows List. Zero values mean "any".
type ListFilter struct {
	Queue       string
	JobType     string
	State       string
	Tag         string
	OwnerUserID uuid.UUID
	Limit       int
	Offset      int
}

type JobRepo interface {
	Create(dbc dbctx.Context, job *types.Job) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	GetActiveByIdempotencyKey(dbc dbctx.Context, key string) (*types.Job, error)
	List(dbc dbctx.Context, f ListFilter) ([]*types.Job, int64, error)
	CountBacklog(dbc dbctx.Context, queue string) (int64, error)
	ClaimNext(dbc dbctx.Context, queues []string, workerID string, leaseFor time.Duration) (*types.Job, error)
	ExtendLease(dbc dbctx.Context, id uuid.UUID, workerID string, until time.Time) (bool, error)
	UpdateProcessing(dbc dbctx.Context, id uuid.UUID, workerID string, updates map[string]interface{}) (bool, error)
	Complete(dbc dbctx.Context, job *types.Job, steps datatypes.JSON, stepState datatypes.JSON) (bool, error)
	RequeueForRetry(dbc dbctx.Context, job *types.Job, runAt time.Time, steps datatypes.JSON, errMsg string) (bool, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, bool, error)
	FindStalled(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Job, error)
	FindLeasedByWorker(dbc dbctx.Context, workerID string) ([]*types.Job, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRepo) skipLocked() bool {
	return r.db != nil && r.db.Dialector != nil && r.db.Dialector.Name() == "postgres"
}

func (r *jobRepo) Create(dbc dbctx.Context, job *types.Job) error {
	if job == nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(job).Error
}

func (r *jobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var job types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) GetActiveByIdempotencyKey(dbc dbctx.Context, key string) (*types.Job, error) {
	if key == "" {
		return nil, nil
	}
	var job types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("idempotency_key = ? AND state IN ?", key, types.ActiveJobStates).
		Limit(1).
		Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == uuid.Nil {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) List(dbc dbctx.Context, f ListFilter) ([]*types.Job, int64, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).Model(&types.Job{})
	if f.Queue != "" {
		q = q.Where("queue = ?", f.Queue)
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	if f.State != "" {
		q = q.Where("state = ?", f.State)
	}
	if f.OwnerUserID != uuid.Nil {
		q = q.Where("owner_user_id = ?", f.OwnerUserID)
	}
	if f.Tag != "" {
		// Tags are a JSON list of short strings; a substring match on the
		// quoted value is portable across both dialects.
		q = q.Where("tags LIKE ?", `%"`+f.Tag+`"%`)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.Job
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(f.Offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *jobRepo) CountBacklog(dbc dbctx.Context, queue string) (int64, error) {
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("queue = ? AND state IN ?", queue, []string{types.JobStatePending, types.JobStateScheduled}).
		Count(&count).Error
	return count, err
}

// ClaimNext atomically promotes the best runnable candidate to processing and
// stamps the lease. Candidates are pending or scheduled jobs whose
// scheduled_at has passed, ordered by priority, then scheduled_at, then id.
// On postgres the select takes FOR UPDATE SKIP LOCKED so concurrent claimers
// never block each other; the conditional update guards the transition either
// way. Returns nil when nothing is runnable.
func (r *jobRepo) ClaimNext(dbc dbctx.Context, queues []string, workerID string, leaseFor time.Duration) (*types.Job, error) {
	transaction := r.handle(dbc)
	now := time.Now().UTC()

	var claimed *types.Job
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.Job
		q := txx.Where("state IN ? AND scheduled_at <= ?",
			[]string{types.JobStatePending, types.JobStateScheduled}, now)
		if len(queues) > 0 {
			q = q.Where("queue IN ?", queues)
		}
		if r.skipLocked() {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.Order("priority ASC, scheduled_at ASC, id ASC").First(&job).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}

		timeoutAt := now.Add(leaseFor)
		updates := map[string]interface{}{
			"state":      types.JobStateProcessing,
			"worker_id":  workerID,
			"attempts":   gorm.Expr("attempts + 1"),
			"started_at": now,
			"timeout_at": timeoutAt,
			"last_error": "",
			"updated_at": now,
		}
		waitMS := now.Sub(job.CreatedAt).Milliseconds()
		if job.Attempts == 0 {
			updates["wait_ms"] = waitMS
		}
		res := txx.Model(&types.Job{}).
			Where("id = ? AND state IN ?", job.ID,
				[]string{types.JobStatePending, types.JobStateScheduled}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race; the next tick tries again.
			return nil
		}

		record := &types.JobMetricsRecord{
			ID:         uuid.New(),
			JobID:      job.ID,
			Queue:      job.Queue,
			JobType:    job.JobType,
			Outcome:    types.OutcomeStarted,
			Attempt:    job.Attempts + 1,
			WaitMS:     waitMS,
			RecordedAt: now,
		}
		if err := txx.Create(record).Error; err != nil {
			return fmt.Errorf("append started record: %w", err)
		}

		job.State = types.JobStateProcessing
		job.WorkerID = &workerID
		job.Attempts++
		job.StartedAt = &now
		job.TimeoutAt = &timeoutAt
		job.LastError = ""
		if job.WaitMS == 0 {
			job.WaitMS = waitMS
		}
		job.UpdatedAt = now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ExtendLease pushes timeout_at forward for a job this worker still holds.
// Used at step boundaries as the heartbeat.
func (r *jobRepo) ExtendLease(dbc dbctx.Context, id uuid.UUID, workerID string, until time.Time) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND state = ? AND worker_id = ?", id, types.JobStateProcessing, workerID).
		Updates(map[string]interface{}{
			"timeout_at": until,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// UpdateProcessing applies updates only while the job is still processing
// under this worker's lease. A zero row count means an external transition
// (cancel, stall requeue) won the race and the caller must stop writing.
func (r *jobRepo) UpdateProcessing(dbc dbctx.Context, id uuid.UUID, workerID string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND state = ? AND worker_id = ?", id, types.JobStateProcessing, workerID).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Complete finalizes a processing job: terminal state, cleared lease, stamped
// durations, final step plan, and the terminal metrics record, in one
// transaction.
func (r *jobRepo) Complete(dbc dbctx.Context, job *types.Job, steps datatypes.JSON, stepState datatypes.JSON) (bool, error) {
	if job == nil || job.ID == uuid.Nil || job.WorkerID == nil {
		return false, nil
	}
	transaction := r.handle(dbc)
	now := time.Now().UTC()

	processingMS := int64(0)
	if job.StartedAt != nil {
		processingMS = now.Sub(*job.StartedAt).Milliseconds()
	}
	totalMS := now.Sub(job.CreatedAt).Milliseconds()

	done := false
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.Job{}).
			Where("id = ? AND state = ? AND worker_id = ?", job.ID, types.JobStateProcessing, *job.WorkerID).
			Updates(map[string]interface{}{
				"state":         types.JobStateCompleted,
				"steps":         steps,
				"step_state":    stepState,
				"worker_id":     nil,
				"timeout_at":    nil,
				"completed_at":  now,
				"processing_ms": processingMS,
				"total_ms":      totalMS,
				"last_error":    "",
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		done = true
		return txx.Create(&types.JobMetricsRecord{
			ID:           uuid.New(),
			JobID:        job.ID,
			Queue:        job.Queue,
			JobType:      job.JobType,
			Outcome:      types.OutcomeCompleted,
			Attempt:      job.Attempts,
			WaitMS:       job.WaitMS,
			ProcessingMS: processingMS,
			TotalMS:      totalMS,
			RecordedAt:   now,
		}).Error
	})
	if err != nil {
		return false, err
	}
	if done {
		job.State = types.JobStateCompleted
		job.Steps = steps
		job.StepState = stepState
		job.WorkerID = nil
		job.TimeoutAt = nil
		job.CompletedAt = &now
		job.ProcessingMS = processingMS
		job.TotalMS = totalMS
		job.UpdatedAt = now
	}
	return done, nil
}

// RequeueForRetry returns a processing job to the runnable set with a future
// scheduled_at. The guard on attempts makes the executor and the stall
// sweeper safe to race: whichever requeues first wins, the other no-ops.
func (r *jobRepo) RequeueForRetry(dbc dbctx.Context, job *types.Job, runAt time.Time, steps datatypes.JSON, errMsg string) (bool, error) {
	if job == nil || job.ID == uuid.Nil {
		return false, nil
	}
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":        types.JobStatePending,
		"scheduled_at": runAt,
		"worker_id":    nil,
		"timeout_at":   nil,
		"started_at":   nil,
		"last_error":   errMsg,
		"updated_at":   now,
	}
	if steps != nil {
		updates["steps"] = steps
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Where("id = ? AND state = ? AND attempts = ?", job.ID, types.JobStateProcessing, job.Attempts).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	job.State = types.JobStatePending
	job.ScheduledAt = runAt
	job.WorkerID = nil
	job.TimeoutAt = nil
	job.StartedAt = nil
	job.LastError = errMsg
	if steps != nil {
		job.Steps = steps
	}
	job.UpdatedAt = now
	return true, nil
}

// Cancel transitions a job to cancelled. Only pending and scheduled jobs can
// be cancelled; for anything else the current row is returned with changed ==
// false so the caller can report the conflict.
func (r *jobRepo) Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, bool, error) {
	if id == uuid.Nil {
		return nil, false, nil
	}
	transaction := r.handle(dbc)

	var out *types.Job
	changed := false
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var job types.Job
		if err := txx.Where("id = ?", id).Limit(1).Find(&job).Error; err != nil {
			return err
		}
		if job.ID == uuid.Nil {
			return nil
		}
		out = &job

		now := time.Now().UTC()
		res := txx.Model(&types.Job{}).
			Where("id = ? AND state IN ?", id,
				[]string{types.JobStatePending, types.JobStateScheduled}).
			Updates(map[string]interface{}{
				"state":        types.JobStateCancelled,
				"completed_at": now,
				"total_ms":     now.Sub(job.CreatedAt).Milliseconds(),
				"updated_at":   now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		changed = true
		job.State = types.JobStateCancelled
		job.CompletedAt = &now
		job.TotalMS = now.Sub(job.CreatedAt).Milliseconds()
		job.UpdatedAt = now
		return txx.Create(&types.JobMetricsRecord{
			ID:         uuid.New(),
			JobID:      job.ID,
			Queue:      job.Queue,
			JobType:    job.JobType,
			Outcome:    types.OutcomeCancelled,
			Attempt:    job.Attempts,
			TotalMS:    job.TotalMS,
			RecordedAt: now,
		}).Error
	})
	if err != nil {
		return nil, false, err
	}
	return out, changed, nil
}

// FindStalled returns processing jobs whose lease expired at or before the
// cutoff, oldest expiry first.
func (r *jobRepo) FindStalled(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND timeout_at IS NOT NULL AND timeout_at <= ?", types.JobStateProcessing, cutoff).
		Order("timeout_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindLeasedByWorker returns every processing job held by the given worker
// id, regardless of lease expiry. Used for startup reclaim after a crash.
func (r *jobRepo) FindLeasedByWorker(dbc dbctx.Context, workerID string) ([]*types.Job, error) {
	if workerID == "" {
		return nil, nil
	}
	var out []*types.Job
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state = ? AND worker_id = ?", types.JobStateProcessing, workerID).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
