package queue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// WorkerConfig tunes one worker process. WorkerID is the lease owner stamped
// on claimed jobs; it must be stable across restarts of the same process so
// startup reclaim can find its own orphans.
type WorkerConfig struct {
	WorkerID     string
	Queues       []string
	Concurrency  int64
	BatchSize    int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Worker runs a single poll loop that claims runnable jobs and hands each to
// the executor on its own goroutine, bounded by a semaphore. Jobs never
// share mutable state; the store is the only coordination point.
type Worker struct {
	log      *logger.Logger
	repo     jobsrepo.JobRepo
	executor *Executor
	cfg      WorkerConfig

	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

func NewWorker(baseLog *logger.Logger, repo jobsrepo.JobRepo, executor *Executor, cfg WorkerConfig) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	return &Worker{
		log:      baseLog.With("component", "QueueWorker", "worker_id", cfg.WorkerID),
		repo:     repo,
		executor: executor,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(cfg.Concurrency),
	}
}

// Start launches the poll loop. It returns immediately; Drain waits for
// in-flight jobs on shutdown.
func (w *Worker) Start(ctx context.Context) {
	w.log.Info("Starting queue worker",
		"concurrency", w.cfg.Concurrency,
		"batch_size", w.cfg.BatchSize,
		"poll_interval", w.cfg.PollInterval,
		"queues", w.cfg.Queues,
	)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

func (w *Worker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

// tick claims up to batch_size jobs, stopping early when the queue drains or
// every concurrency slot is busy.
func (w *Worker) tick(ctx context.Context) {
	for i := 0; i < w.cfg.BatchSize; i++ {
		if !w.sem.TryAcquire(1) {
			return
		}

		job, err := w.repo.ClaimNext(dbctx.Context{Ctx: ctx}, w.cfg.Queues, w.cfg.WorkerID, w.cfg.JobTimeout)
		if err != nil {
			w.sem.Release(1)
			w.log.Warn("Claim failed", "error", err)
			return
		}
		if job == nil {
			w.sem.Release(1)
			return
		}

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			if err := w.executor.Execute(ctx, job, w.cfg.WorkerID); err != nil {
				w.log.Error("Job execution error",
					"job_id", job.ID,
					"job_type", job.JobType,
					"error", err,
				)
			}
		}()
	}
}

// Drain blocks until the loop and every in-flight job have finished. Call
// after cancelling the context passed to Start.
func (w *Worker) Drain() {
	w.wg.Wait()
}
