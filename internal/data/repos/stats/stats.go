package stats

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

type StatsRepo interface {
	DistinctQueues(dbc dbctx.Context) ([]string, error)
	CountsByState(dbc dbctx.Context, queue string) (map[string]int64, error)
	CompletedAverages(dbc dbctx.Context, queue string, since time.Time) (avgWaitMS, avgProcessingMS int64, window int64, err error)
	Upsert(dbc dbctx.Context, row *types.QueueStatsRow) error
	List(dbc dbctx.Context) ([]*types.QueueStatsRow, error)
}

type statsRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStatsRepo(db *gorm.DB, baseLog *logger.Logger) StatsRepo {
	return &statsRepo{
		db:  db,
		log: baseLog.With("repo", "StatsRepo"),
	}
}

func (r *statsRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// DistinctQueues unions the queue names seen on live jobs, archived jobs,
// and existing rollups, so a queue keeps reporting after it drains.
func (r *statsRepo) DistinctQueues(dbc dbctx.Context) ([]string, error) {
	seen := map[string]bool{}
	out := []string{}

	collect := func(model interface{}) error {
		var queues []string
		if err := r.handle(dbc).WithContext(dbc.Ctx).
			Model(model).
			Distinct("queue").
			Pluck("queue", &queues).Error; err != nil {
			return err
		}
		for _, q := range queues {
			if q != "" && !seen[q] {
				seen[q] = true
				out = append(out, q)
			}
		}
		return nil
	}

	if err := collect(&types.Job{}); err != nil {
		return nil, err
	}
	if err := collect(&types.DeadLetterJob{}); err != nil {
		return nil, err
	}
	if err := collect(&types.QueueStatsRow{}); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *statsRepo) CountsByState(dbc dbctx.Context, queue string) (map[string]int64, error) {
	type row struct {
		State string
		N     int64
	}
	var rows []row
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.Job{}).
		Select("state, COUNT(*) AS n").
		Where("queue = ?", queue).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := map[string]int64{}
	for _, rw := range rows {
		out[rw.State] = rw.N
	}
	return out, nil
}

// CompletedAverages reads the moving averages from the metrics history over
// the sample window, which survives restarts unlike any in-memory rollup.
func (r *statsRepo) CompletedAverages(dbc dbctx.Context, queue string, since time.Time) (int64, int64, int64, error) {
	type row struct {
		AvgWait       float64
		AvgProcessing float64
		N             int64
	}
	var rw row
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.JobMetricsRecord{}).
		Select("COALESCE(AVG(wait_ms), 0) AS avg_wait, COALESCE(AVG(processing_ms), 0) AS avg_processing, COUNT(*) AS n").
		Where("queue = ? AND outcome = ? AND recorded_at >= ?", queue, types.OutcomeCompleted, since).
		Scan(&rw).Error
	if err != nil {
		return 0, 0, 0, err
	}
	return int64(rw.AvgWait), int64(rw.AvgProcessing), rw.N, nil
}

func (r *statsRepo) Upsert(dbc dbctx.Context, row *types.QueueStatsRow) error {
	if row == nil || row.Queue == "" {
		return nil
	}
	if row.ID == uuid.Nil {
		row.ID = uuid.New()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "queue"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"scheduled_count", "pending_count", "processing_count",
				"completed_count", "dead_letter_count", "cancelled_count",
				"avg_wait_ms", "avg_processing_ms", "completed_window",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *statsRepo) List(dbc dbctx.Context) ([]*types.QueueStatsRow, error) {
	var out []*types.QueueStatsRow
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Order("queue ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
