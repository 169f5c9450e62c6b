package stats

import (
	"context"
	"fmt"
	"time"

	statsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/stats"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

// Aggregator refreshes the per-queue rollups on a fixed interval. Everything
// it writes is derived from jobs and job_metrics_history, so a lost rollup
// is rebuilt on the next tick; consumers accept one interval of staleness.
type Aggregator struct {
	log  *logger.Logger
	repo statsrepo.StatsRepo

	interval time.Duration
	window   time.Duration
}

func NewAggregator(baseLog *logger.Logger, repo statsrepo.StatsRepo, interval time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Aggregator{
		log:      baseLog.With("component", "StatsAggregator"),
		repo:     repo,
		interval: interval,
		window:   24 * time.Hour,
	}
}

// Start refreshes once immediately, then on the interval until ctx ends.
func (a *Aggregator) Start(ctx context.Context) {
	a.log.Info("Starting stats aggregator", "interval", a.interval)
	go func() {
		if err := a.RefreshOnce(ctx); err != nil {
			a.log.Warn("Initial stats refresh failed", "error", err)
		}
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				a.log.Info("Stats aggregator stopped")
				return
			case <-ticker.C:
				if err := a.RefreshOnce(ctx); err != nil {
					a.log.Warn("Stats refresh failed", "error", err)
				}
			}
		}
	}()
}

// RefreshOnce recomputes and upserts the rollup row for every known queue.
func (a *Aggregator) RefreshOnce(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	queues, err := a.repo.DistinctQueues(dbc)
	if err != nil {
		return fmt.Errorf("distinct queues: %w", err)
	}

	now := time.Now().UTC()
	since := now.Add(-a.window)
	for _, queue := range queues {
		counts, err := a.repo.CountsByState(dbc, queue)
		if err != nil {
			return fmt.Errorf("counts for %q: %w", queue, err)
		}
		avgWait, avgProcessing, window, err := a.repo.CompletedAverages(dbc, queue, since)
		if err != nil {
			return fmt.Errorf("averages for %q: %w", queue, err)
		}

		row := &types.QueueStatsRow{
			Queue:           queue,
			ScheduledCount:  counts[types.JobStateScheduled],
			PendingCount:    counts[types.JobStatePending],
			ProcessingCount: counts[types.JobStateProcessing],
			CompletedCount:  counts[types.JobStateCompleted],
			DeadLetterCount: counts[types.JobStateDeadLetter],
			CancelledCount:  counts[types.JobStateCancelled],
			AvgWaitMS:       avgWait,
			AvgProcessingMS: avgProcessing,
			CompletedWindow: window,
			UpdatedAt:       now,
		}
		if err := a.repo.Upsert(dbc, row); err != nil {
			return fmt.Errorf("upsert rollup for %q: %w", queue, err)
		}
	}
	return nil
}

// List returns the latest rollups.
func (a *Aggregator) List(ctx context.Context) ([]*types.QueueStatsRow, error) {
	return a.repo.List(dbctx.Context{Ctx: ctx})
}
