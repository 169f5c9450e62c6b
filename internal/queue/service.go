package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// EnqueueRequest is the ingest contract. Payload bytes are opaque to the
// core; tags are operator filters only.
type EnqueueRequest struct {
	OwnerUserID    uuid.UUID
	Queue          string
	JobType        string
	Payload        json.RawMessage
	Tags           []string
	Priority       string
	Delay          time.Duration
	IdempotencyKey string
	Steps          []string
	MaxAttempts    int
}

type Service interface {
	// Enqueue ingests a job. The bool result is the deduplicated flag: true
	// means an active job already held the idempotency key and its id was
	// returned instead of creating a new one.
	Enqueue(dbc dbctx.Context, req EnqueueRequest) (*types.Job, bool, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	List(dbc dbctx.Context, f jobsrepo.ListFilter) ([]*types.Job, int64, error)
	Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
	ListDeadLetter(dbc dbctx.Context, f jobsrepo.ArchiveFilter) ([]*types.DeadLetterJob, int64, error)
	// ReplayDeadLetter spawns a fresh job from an archived entry. The fresh
	// job keeps the archived payload but starts at attempt 0.
	ReplayDeadLetter(dbc dbctx.Context, id uuid.UUID) (*types.Job, error)
}

type service struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     jobsrepo.JobRepo
	archive  jobsrepo.ArchiveRepo
	registry *Registry

	defaultMaxAttempts int
	softLimit          int64
}

// NewService wires the ingest surface. The registry is the same table the
// worker dispatches from, so an unknown job type is rejected before anything
// persists; softLimit <= 0 disables the backlog ceiling.
func NewService(db *gorm.DB, baseLog *logger.Logger, repo jobsrepo.JobRepo, archive jobsrepo.ArchiveRepo, registry *Registry, defaultMaxAttempts int, softLimit int64) Service {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 5
	}
	return &service{
		db:                 db,
		log:                baseLog.With("service", "QueueService"),
		repo:               repo,
		archive:            archive,
		registry:           registry,
		defaultMaxAttempts: defaultMaxAttempts,
		softLimit:          softLimit,
	}
}

func (s *service) Enqueue(dbc dbctx.Context, req EnqueueRequest) (*types.Job, bool, error) {
	req.Queue = strings.TrimSpace(req.Queue)
	req.JobType = strings.TrimSpace(req.JobType)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Queue == "" {
		return nil, false, fmt.Errorf("missing queue: %w", apierr.ErrInvalidArgument)
	}
	if req.JobType == "" {
		return nil, false, fmt.Errorf("missing job type: %w", apierr.ErrInvalidArgument)
	}
	if s.registry != nil && !s.registry.Has(req.JobType) {
		return nil, false, fmt.Errorf("unknown job type %q: %w", req.JobType, apierr.ErrInvalidArgument)
	}
	priority, err := types.ParsePriority(req.Priority)
	if err != nil {
		return nil, false, fmt.Errorf("%v: %w", err, apierr.ErrInvalidArgument)
	}
	if req.Delay < 0 {
		return nil, false, fmt.Errorf("negative delay: %w", apierr.ErrInvalidArgument)
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	if maxAttempts < 1 {
		return nil, false, fmt.Errorf("max_attempts must be >= 1: %w", apierr.ErrInvalidArgument)
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return nil, false, fmt.Errorf("payload is not valid JSON: %w", apierr.ErrInvalidArgument)
	}

	if s.softLimit > 0 {
		backlog, err := s.repo.CountBacklog(dbc, req.Queue)
		if err != nil {
			return nil, false, fmt.Errorf("count backlog: %w", err)
		}
		if backlog >= s.softLimit {
			return nil, false, fmt.Errorf("queue %q backlog at %d: %w", req.Queue, backlog, apierr.ErrQueueFull)
		}
	}

	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetActiveByIdempotencyKey(dbc, req.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return existing, true, nil
		}
	}

	job, err := s.buildJob(req, priority, maxAttempts)
	if err != nil {
		return nil, false, err
	}

	if err := s.repo.Create(dbc, job); err != nil {
		// A concurrent ingest with the same key can win the insert race
		// between our lookup and create; the unique index arbitrates and we
		// resolve to the winner.
		if req.IdempotencyKey != "" && isUniqueViolation(err) {
			existing, lookupErr := s.repo.GetActiveByIdempotencyKey(dbc, req.IdempotencyKey)
			if lookupErr == nil && existing != nil {
				return existing, true, nil
			}
		}
		return nil, false, fmt.Errorf("insert job: %w", err)
	}

	s.log.Info("Job enqueued",
		"job_id", job.ID,
		"queue", job.Queue,
		"job_type", job.JobType,
		"priority", job.Priority.String(),
		"state", job.State,
	)
	return job, false, nil
}

func (s *service) buildJob(req EnqueueRequest, priority types.Priority, maxAttempts int) (*types.Job, error) {
	now := time.Now().UTC()

	payload := datatypes.JSON([]byte(`{}`))
	if len(req.Payload) > 0 {
		payload = datatypes.JSON(req.Payload)
	}

	tags := req.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return nil, fmt.Errorf("encode tags: %w", err)
	}

	steps, err := types.EncodeSteps(types.NewStepPlan(dedupeSteps(req.Steps)))
	if err != nil {
		return nil, err
	}

	state := types.JobStatePending
	scheduledAt := now
	if req.Delay > 0 {
		state = types.JobStateScheduled
		scheduledAt = now.Add(req.Delay)
	}

	job := &types.Job{
		ID:          uuid.New(),
		OwnerUserID: req.OwnerUserID,
		Queue:       req.Queue,
		JobType:     req.JobType,
		Priority:    priority,
		State:       state,
		Payload:     payload,
		Tags:        datatypes.JSON(tagsJSON),
		Steps:       steps,
		StepState:   datatypes.JSON([]byte(`{}`)),
		MaxAttempts: maxAttempts,
		ScheduledAt: scheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}
	return job, nil
}

func (s *service) Get(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.repo.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, apierr.ErrNotFound)
	}
	return job, nil
}

func (s *service) List(dbc dbctx.Context, f jobsrepo.ListFilter) ([]*types.Job, int64, error) {
	return s.repo.List(dbc, f)
}

// Cancel transitions a pending or scheduled job to cancelled. Processing
// jobs cannot be cancelled externally; their handlers observe cooperative
// cancellation or the lease expires.
func (s *service) Cancel(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	job, changed, err := s.repo.Cancel(dbc, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, apierr.ErrNotFound)
	}
	if !changed {
		return job, fmt.Errorf("job %s is %s: %w", id, job.State, apierr.ErrConflict)
	}
	s.log.Info("Job cancelled", "job_id", job.ID, "queue", job.Queue)
	return job, nil
}

func (s *service) ListDeadLetter(dbc dbctx.Context, f jobsrepo.ArchiveFilter) ([]*types.DeadLetterJob, int64, error) {
	return s.archive.List(dbc, f)
}

func (s *service) ReplayDeadLetter(dbc dbctx.Context, id uuid.UUID) (*types.Job, error) {
	job, err := s.archive.Replay(dbc, id, s.defaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	s.log.Info("Dead-letter entry replayed",
		"archive_id", id,
		"job_id", job.ID,
		"queue", job.Queue,
	)
	return job, nil
}

func dedupeSteps(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// isUniqueViolation matches both dialects: pg error 23505 via pgconn, and
// the sqlite driver's flattened message.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
