package queue

import (
	"context"
	"testing"
	"time"

	"gorm.io/gorm"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

func newRecoveryEnv(t *testing.T) (*Recoverer, jobsrepo.JobRepo, *gorm.DB, *events.Bus) {
	t.Helper()
	conn := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobsrepo.NewJobRepo(conn, log)
	archive := jobsrepo.NewArchiveRepo(conn, log)
	bus := events.NewBus(log)
	return NewRecoverer(log, repo, archive, bus, time.Minute), repo, conn, bus
}

func expireLease(t *testing.T, conn *gorm.DB, job *types.Job) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	if err := conn.Model(&types.Job{}).Where("id = ?", job.ID).Update("timeout_at", past).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}
	job.TimeoutAt = &past
}

func TestSweepRequeuesExpiredLease(t *testing.T) {
	rec, repo, conn, _ := newRecoveryEnv(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	testutil.SeedJob(t, dbc.Ctx, conn, "renders", types.JobStatePending)
	claimed, err := repo.ClaimNext(dbc, nil, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}
	expireLease(t, conn, claimed)

	n, err := rec.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}

	after, err := repo.GetByID(dbc, claimed.ID)
	if err != nil || after == nil {
		t.Fatalf("reload: %+v, %v", after, err)
	}
	if after.State != types.JobStatePending || after.WorkerID != nil || after.TimeoutAt != nil {
		t.Fatalf("recovered job: %+v", after)
	}
	// The claim already counted the attempt; recovery keeps it.
	if after.Attempts != 1 {
		t.Fatalf("attempts = %d", after.Attempts)
	}
	if after.LastError == "" {
		t.Fatal("stall reason not recorded")
	}
	if after.ScheduledAt.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("stalled job delayed: %v", after.ScheduledAt)
	}
}

func TestSweepLeavesLiveLeasesAlone(t *testing.T) {
	rec, repo, conn, _ := newRecoveryEnv(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	testutil.SeedJob(t, dbc.Ctx, conn, "renders", types.JobStatePending)
	claimed, err := repo.ClaimNext(dbc, nil, "w1", time.Hour)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}

	n, err := rec.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered %d live jobs", n)
	}
}

func TestSweepDeadLettersExhaustedStall(t *testing.T) {
	rec, repo, conn, bus := newRecoveryEnv(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	var failed int
	bus.Subscribe(func(ctx context.Context, e events.Event) { failed++ }, events.RenderFailedName)

	j := testutil.SeedJob(t, dbc.Ctx, conn, "renders", types.JobStatePending)
	conn.Model(j).Update("max_attempts", 1)
	claimed, err := repo.ClaimNext(dbc, nil, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}
	expireLease(t, conn, claimed)

	n, err := rec.Sweep(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}

	after, err := repo.GetByID(dbc, claimed.ID)
	if err != nil || after == nil {
		t.Fatalf("reload: %+v, %v", after, err)
	}
	if after.State != types.JobStateDeadLetter {
		t.Fatalf("state = %s, want dead_letter", after.State)
	}
	if failed != 1 {
		t.Fatalf("render.failed events: %d", failed)
	}
}

func TestReclaimWorkerRecoversOwnLeasesOnly(t *testing.T) {
	rec, repo, conn, _ := newRecoveryEnv(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	testutil.SeedJob(t, dbc.Ctx, conn, "renders", types.JobStatePending)
	testutil.SeedJob(t, dbc.Ctx, conn, "renders", types.JobStatePending)
	mine, err := repo.ClaimNext(dbc, nil, "w1", time.Hour)
	if err != nil || mine == nil {
		t.Fatalf("claim mine: %+v, %v", mine, err)
	}
	other, err := repo.ClaimNext(dbc, nil, "w2", time.Hour)
	if err != nil || other == nil {
		t.Fatalf("claim other: %+v, %v", other, err)
	}

	n, err := rec.ReclaimWorker(context.Background(), "w1")
	if err != nil || n != 1 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}

	reMine, _ := repo.GetByID(dbc, mine.ID)
	if reMine.State != types.JobStatePending {
		t.Fatalf("own job state = %s", reMine.State)
	}
	reOther, _ := repo.GetByID(dbc, other.ID)
	if reOther.State != types.JobStateProcessing {
		t.Fatalf("foreign job state = %s", reOther.State)
	}
}
