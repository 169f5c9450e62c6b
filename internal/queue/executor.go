package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// Executor drives one claimed job through its ordered step plan: skip what a
// previous attempt completed, run the rest in order, route the outcome to
// completion, retry, or the dead-letter archive. One job runs on one worker
// at a time; steps are strictly sequential within a job.
type Executor struct {
	log      *logger.Logger
	repo     jobsrepo.JobRepo
	archive  jobsrepo.ArchiveRepo
	registry *Registry
	bus      *events.Bus

	policy     BackoffPolicy
	jobTimeout time.Duration
}

func NewExecutor(baseLog *logger.Logger, repo jobsrepo.JobRepo, archive jobsrepo.ArchiveRepo, registry *Registry, bus *events.Bus, policy BackoffPolicy, jobTimeout time.Duration) *Executor {
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	return &Executor{
		log:        baseLog.With("component", "StepExecutor"),
		repo:       repo,
		archive:    archive,
		registry:   registry,
		bus:        bus,
		policy:     policy,
		jobTimeout: jobTimeout,
	}
}

// Execute runs a job this worker just claimed. Every write is guarded on the
// lease; when a guard reports zero rows the run aborts silently because an
// external transition (cancel, stall requeue) already owns the row.
func (e *Executor) Execute(ctx context.Context, job *types.Job, workerID string) error {
	if job == nil || e == nil {
		return nil
	}

	steps, err := types.DecodeSteps(job.Steps)
	if err != nil || len(steps) == 0 {
		steps = types.NewStepPlan(nil)
	}

	e.emit(ctx, events.RenderStarted{
		UserID:  job.OwnerUserID,
		JobID:   job.ID,
		Queue:   job.Queue,
		JobType: job.JobType,
		Attempt: job.Attempts,
	})

	handler, ok := e.registry.Get(job.JobType)
	if !ok {
		// Normally caught at ingest; reachable when a handler set shrinks
		// between enqueue and claim.
		return e.routeFailure(ctx, job, steps, job.StepState,
			fmt.Sprintf("no handler registered for job_type=%s", job.JobType),
			types.DeadLetterReasonMaxAttempts)
	}

	bag := job.StepState
	for i := range steps {
		step := &steps[i]
		if step.Status == types.StepCompleted {
			continue
		}

		now := time.Now().UTC()
		step.Status = types.StepRunning
		step.StartedAt = &now
		step.CompletedAt = nil
		step.Error = ""
		if ok, err := e.persistSteps(ctx, job, workerID, steps, nil); err != nil || !ok {
			return err
		}

		jc, runErr := e.runStep(ctx, job, handler, step.Name, workerID)
		if errors.Is(runErr, ErrLeaseLost) {
			e.log.Warn("Lease lost mid-step", "job_id", job.ID, "step", step.Name)
			return nil
		}
		if jc != nil {
			if enc, encErr := jc.encodedBag(); encErr == nil {
				bag = enc
			}
		}

		end := time.Now().UTC()
		step.CompletedAt = &end
		step.DurationMS = end.Sub(now).Milliseconds()

		if runErr != nil {
			step.Status = types.StepFailed
			step.Error = runErr.Error()
			return e.routeFailure(ctx, job, steps, bag, runErr.Error(), types.DeadLetterReasonMaxAttempts)
		}

		step.Status = types.StepCompleted
		if jc != nil && jc.output != nil {
			step.Output = jc.output
		}
		// Step boundary heartbeat: the lease window restarts for every step
		// so long multi-step jobs outlive a single job_timeout.
		lease := end.Add(e.jobTimeout)
		if ok, err := e.repo.ExtendLease(dbctx.Context{Ctx: ctx}, job.ID, workerID, lease); err != nil {
			return fmt.Errorf("extend lease: %w", err)
		} else if !ok {
			e.log.Warn("Lease lost at step boundary", "job_id", job.ID, "step", step.Name)
			return nil
		}
		job.TimeoutAt = &lease
		if ok, err := e.persistSteps(ctx, job, workerID, steps, bag); err != nil || !ok {
			return err
		}
	}

	encoded, err := types.EncodeSteps(steps)
	if err != nil {
		return err
	}
	done, err := e.repo.Complete(dbctx.Context{Ctx: ctx}, job, encoded, bag)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !done {
		e.log.Warn("Completion lost race", "job_id", job.ID)
		return nil
	}

	e.emit(ctx, events.RenderCompleted{
		UserID:       job.OwnerUserID,
		JobID:        job.ID,
		Queue:        job.Queue,
		JobType:      job.JobType,
		Attempts:     job.Attempts,
		ProcessingMS: job.ProcessingMS,
	})
	return nil
}

// runStep invokes the handler with panic recovery and a deadline at the
// lease expiry. Cooperative handlers observe jc.Ctx; rogue ones are left to
// the stall sweeper.
func (e *Executor) runStep(ctx context.Context, job *types.Job, handler Handler, step string, workerID string) (jc *JobContext, err error) {
	stepCtx := ctx
	if job.TimeoutAt != nil {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithDeadline(ctx, *job.TimeoutAt)
		defer cancel()
	}

	jc, err = newJobContext(stepCtx, job, step, workerID, e.repo, e.bus)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("Job handler panic",
				"job_id", job.ID,
				"job_type", job.JobType,
				"step", step,
				"panic", r,
			)
			err = fmt.Errorf("handler panic in step %s", step)
		}
	}()
	return jc, handler.Run(jc)
}

func (e *Executor) persistSteps(ctx context.Context, job *types.Job, workerID string, steps []types.StepState, bag datatypes.JSON) (bool, error) {
	encoded, err := types.EncodeSteps(steps)
	if err != nil {
		return false, err
	}
	updates := map[string]interface{}{"steps": encoded}
	if bag != nil {
		updates["step_state"] = bag
	}
	ok, err := e.repo.UpdateProcessing(dbctx.Context{Ctx: ctx}, job.ID, workerID, updates)
	if err != nil {
		return false, fmt.Errorf("persist steps: %w", err)
	}
	if !ok {
		e.log.Warn("Step persist lost race", "job_id", job.ID)
		return false, nil
	}
	job.Steps = encoded
	if bag != nil {
		job.StepState = bag
	}
	return true, nil
}

// routeFailure applies the retry policy: attempts remaining means pending
// with backoff, exhausted means dead-letter plus the terminal event.
func (e *Executor) routeFailure(ctx context.Context, job *types.Job, steps []types.StepState, bag datatypes.JSON, errMsg string, reason string) error {
	encoded, err := types.EncodeSteps(steps)
	if err != nil {
		return err
	}

	if job.Attempts < job.MaxAttempts {
		runAt := time.Now().UTC().Add(e.policy.Delay(job.Attempts))
		ok, err := e.repo.RequeueForRetry(dbctx.Context{Ctx: ctx}, job, runAt, encoded, errMsg)
		if err != nil {
			return fmt.Errorf("requeue for retry: %w", err)
		}
		if !ok {
			e.log.Warn("Retry requeue lost race", "job_id", job.ID)
			return nil
		}
		e.log.Info("Job requeued for retry",
			"job_id", job.ID,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"run_at", runAt,
		)
		return nil
	}

	_, moved, err := e.archive.MoveToDeadLetter(dbctx.Context{Ctx: ctx}, job, reason, errMsg, encoded, bag)
	if err != nil {
		return fmt.Errorf("move to dead letter: %w", err)
	}
	if !moved {
		e.log.Warn("Dead-letter move lost race", "job_id", job.ID)
		return nil
	}
	e.log.Warn("Job dead-lettered",
		"job_id", job.ID,
		"queue", job.Queue,
		"attempts", job.Attempts,
		"error", errMsg,
	)
	e.emit(ctx, events.RenderFailed{
		UserID:   job.OwnerUserID,
		JobID:    job.ID,
		Queue:    job.Queue,
		JobType:  job.JobType,
		Attempts: job.Attempts,
		Error:    errMsg,
	})
	return nil
}

func (e *Executor) emit(ctx context.Context, ev events.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Emit(ctx, ev)
}
