package queue

import (
	"context"
	"fmt"
	"time"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

const stalledError = "job lease expired: processing timed out"

// Recoverer returns stalled jobs to the runnable set. A job is stalled when
// its lease expired while still marked processing: the worker crashed, hung,
// or lost connectivity. Attempts already counted the claim, so an exhausted
// stalled job goes straight to the archive.
type Recoverer struct {
	log     *logger.Logger
	repo    jobsrepo.JobRepo
	archive jobsrepo.ArchiveRepo
	bus     *events.Bus

	checkInterval time.Duration
	sweepBatch    int
}

func NewRecoverer(baseLog *logger.Logger, repo jobsrepo.JobRepo, archive jobsrepo.ArchiveRepo, bus *events.Bus, checkInterval time.Duration) *Recoverer {
	if checkInterval <= 0 {
		checkInterval = 30 * time.Second
	}
	return &Recoverer{
		log:           baseLog.With("component", "StallRecoverer"),
		repo:          repo,
		archive:       archive,
		bus:           bus,
		checkInterval: checkInterval,
		sweepBatch:    100,
	}
}

// Start runs the sweep on its interval until ctx ends.
func (r *Recoverer) Start(ctx context.Context) {
	r.log.Info("Starting stall recoverer", "check_interval", r.checkInterval)
	go func() {
		ticker := time.NewTicker(r.checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				r.log.Info("Stall recoverer stopped")
				return
			case <-ticker.C:
				if n, err := r.Sweep(ctx); err != nil {
					r.log.Warn("Stall sweep failed", "error", err)
				} else if n > 0 {
					r.log.Info("Stall sweep recovered jobs", "count", n)
				}
			}
		}
	}()
}

// Sweep recovers every job whose lease expired at or before now. Returns the
// number of jobs it transitioned.
func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stalled, err := r.repo.FindStalled(dbctx.Context{Ctx: ctx}, now, r.sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("find stalled: %w", err)
	}
	return r.recoverAll(ctx, stalled), nil
}

// ReclaimWorker recovers every job still leased by the given worker id
// regardless of lease expiry. Called once at process start so a crashed
// worker's jobs re-enter the runnable set immediately instead of waiting
// out their timeout.
func (r *Recoverer) ReclaimWorker(ctx context.Context, workerID string) (int, error) {
	orphans, err := r.repo.FindLeasedByWorker(dbctx.Context{Ctx: ctx}, workerID)
	if err != nil {
		return 0, fmt.Errorf("find leased by worker: %w", err)
	}
	if len(orphans) > 0 {
		r.log.Warn("Reclaiming jobs from previous run", "worker_id", workerID, "count", len(orphans))
	}
	return r.recoverAll(ctx, orphans), nil
}

func (r *Recoverer) recoverAll(ctx context.Context, jobs []*types.Job) int {
	recovered := 0
	for _, job := range jobs {
		ok, err := r.recover(ctx, job)
		if err != nil {
			r.log.Warn("Stall recovery failed", "job_id", job.ID, "error", err)
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered
}

// recover applies the retry decision to one stalled job. Stalls re-run
// immediately rather than with backoff: the delay has already been paid
// waiting out the lease.
func (r *Recoverer) recover(ctx context.Context, job *types.Job) (bool, error) {
	if job.Attempts < job.MaxAttempts {
		ok, err := r.repo.RequeueForRetry(dbctx.Context{Ctx: ctx}, job, time.Now().UTC(), nil, stalledError)
		if err != nil {
			return false, err
		}
		if ok {
			r.log.Info("Stalled job requeued",
				"job_id", job.ID,
				"queue", job.Queue,
				"attempt", job.Attempts,
			)
		}
		return ok, nil
	}

	_, moved, err := r.archive.MoveToDeadLetter(dbctx.Context{Ctx: ctx}, job, types.DeadLetterReasonTimeout, stalledError, nil, nil)
	if err != nil {
		return false, err
	}
	if moved {
		r.log.Warn("Stalled job dead-lettered",
			"job_id", job.ID,
			"queue", job.Queue,
			"attempts", job.Attempts,
		)
		if r.bus != nil {
			r.bus.Emit(ctx, events.RenderFailed{
				UserID:   job.OwnerUserID,
				JobID:    job.ID,
				Queue:    job.Queue,
				JobType:  job.JobType,
				Attempts: job.Attempts,
				Error:    stalledError,
			})
		}
	}
	return moved, nil
}
