package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

func testService(t *testing.T, softLimit int64) (Service, *gorm.DB) {
	t.Helper()
	conn := testutil.DB(t)
	log := testutil.Logger(t)
	repo := jobsrepo.NewJobRepo(conn, log)
	archive := jobsrepo.NewArchiveRepo(conn, log)

	registry := NewRegistry()
	if err := registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error { return nil }}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return NewService(conn, log, repo, archive, registry, 3, softLimit), conn
}

func TestEnqueueDefaults(t *testing.T) {
	svc, _ := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	job, deduplicated, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if deduplicated {
		t.Fatal("fresh enqueue flagged deduplicated")
	}
	if job.State != types.JobStatePending {
		t.Fatalf("state = %s", job.State)
	}
	if job.Priority != types.PriorityNormal {
		t.Fatalf("priority = %v", job.Priority)
	}
	if job.MaxAttempts != 3 {
		t.Fatalf("max attempts = %d", job.MaxAttempts)
	}
	steps, err := types.DecodeSteps(job.Steps)
	if err != nil || len(steps) != 1 || steps[0].Name != types.DefaultStepName {
		t.Fatalf("default plan: %+v, %v", steps, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc, _ := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	cases := []EnqueueRequest{
		{JobType: "render"},                                       // missing queue
		{Queue: "renders"},                                        // missing type
		{Queue: "renders", JobType: "transcode"},                  // unregistered type
		{Queue: "renders", JobType: "render", Priority: "zero"},   // bad priority
		{Queue: "renders", JobType: "render", Delay: -time.Second},
		{Queue: "renders", JobType: "render", MaxAttempts: -1},
		{Queue: "renders", JobType: "render", Payload: json.RawMessage(`{"broken"`)},
	}
	for i, req := range cases {
		if _, _, err := svc.Enqueue(dbc, req); !errors.Is(err, apierr.ErrInvalidArgument) {
			t.Fatalf("case %d: err = %v, want invalid argument", i, err)
		}
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	svc, _ := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	req := EnqueueRequest{Queue: "renders", JobType: "render", IdempotencyKey: "order-1"}
	first, deduplicated, err := svc.Enqueue(dbc, req)
	if err != nil || deduplicated {
		t.Fatalf("first enqueue: dedup=%v err=%v", deduplicated, err)
	}
	second, deduplicated, err := svc.Enqueue(dbc, req)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if !deduplicated || second.ID != first.ID {
		t.Fatalf("expected dedup to first job, got dedup=%v id=%s", deduplicated, second.ID)
	}
}

func TestEnqueueDelayGoesScheduled(t *testing.T) {
	svc, _ := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	job, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render", Delay: time.Minute})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.State != types.JobStateScheduled {
		t.Fatalf("state = %s", job.State)
	}
	if !job.ScheduledAt.After(time.Now().UTC().Add(30 * time.Second)) {
		t.Fatalf("scheduled_at = %v", job.ScheduledAt)
	}
}

func TestEnqueueSoftLimit(t *testing.T) {
	svc, _ := testService(t, 1)
	dbc := dbctx.Context{Ctx: context.Background()}

	if _, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render"}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	_, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render"})
	if !errors.Is(err, apierr.ErrQueueFull) {
		t.Fatalf("err = %v, want queue full", err)
	}

	// Other queues are unaffected by a full one.
	if _, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "exports", JobType: "render"}); err != nil {
		t.Fatalf("other queue: %v", err)
	}
}

func TestCancelConflictOnTerminalJob(t *testing.T) {
	svc, conn := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	job, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Cancel(dbc, job.ID); err != nil {
		t.Fatalf("cancel pending: %v", err)
	}

	done, _, err := svc.Enqueue(dbc, EnqueueRequest{Queue: "renders", JobType: "render"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	conn.Model(&types.Job{}).Where("id = ?", done.ID).Update("state", types.JobStateCompleted)
	if _, err := svc.Cancel(dbc, done.ID); !errors.Is(err, apierr.ErrConflict) {
		t.Fatalf("cancel completed err = %v, want conflict", err)
	}
}

func TestGetUnknownJob(t *testing.T) {
	svc, _ := testService(t, 0)
	dbc := dbctx.Context{Ctx: context.Background()}

	_, err := svc.Get(dbc, uuid.New())
	if !errors.Is(err, apierr.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}
