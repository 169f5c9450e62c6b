package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobsrepo "github.com/vidforge/vidforge-backend/internal/data/repos/jobs"
	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

type execEnv struct {
	conn     *gorm.DB
	repo     jobsrepo.JobRepo
	archive  jobsrepo.ArchiveRepo
	registry *Registry
	bus      *events.Bus
	executor *Executor
}

func newExecEnv(t *testing.T, policy BackoffPolicy) *execEnv {
	t.Helper()
	conn := testutil.DB(t)
	log := testutil.Logger(t)
	env := &execEnv{
		conn:     conn,
		repo:     jobsrepo.NewJobRepo(conn, log),
		archive:  jobsrepo.NewArchiveRepo(conn, log),
		registry: NewRegistry(),
		bus:      events.NewBus(log),
	}
	env.executor = NewExecutor(log, env.repo, env.archive, env.registry, env.bus, policy, time.Minute)
	return env
}

func (env *execEnv) makeJob(t *testing.T, stepNames []string, maxAttempts int) *types.Job {
	t.Helper()
	steps, err := types.EncodeSteps(types.NewStepPlan(stepNames))
	if err != nil {
		t.Fatalf("encode steps: %v", err)
	}
	now := time.Now().UTC()
	j := &types.Job{
		ID:          uuid.New(),
		Queue:       "renders",
		JobType:     "render",
		Priority:    types.PriorityNormal,
		State:       types.JobStatePending,
		Payload:     datatypes.JSON([]byte(`{"video_id":"v1"}`)),
		Tags:        datatypes.JSON([]byte(`[]`)),
		Steps:       steps,
		StepState:   datatypes.JSON([]byte(`{}`)),
		MaxAttempts: maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := env.repo.Create(dbctx.Context{Ctx: context.Background()}, j); err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func (env *execEnv) claim(t *testing.T) *types.Job {
	t.Helper()
	claimed, err := env.repo.ClaimNext(dbctx.Context{Ctx: context.Background()}, nil, "w1", time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %+v, %v", claimed, err)
	}
	return claimed
}

func (env *execEnv) reload(t *testing.T, id uuid.UUID) *types.Job {
	t.Helper()
	j, err := env.repo.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil || j == nil {
		t.Fatalf("reload job: %+v, %v", j, err)
	}
	return j
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{})
	var ran []string
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		ran = append(ran, jc.Step())
		return nil
	}})

	var emitted []events.Name
	env.bus.SubscribeAll(func(ctx context.Context, e events.Event) { emitted = append(emitted, e.EventName()) })

	env.makeJob(t, []string{"prepare", "render", "upload"}, 3)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(ran) != 3 || ran[0] != "prepare" || ran[1] != "render" || ran[2] != "upload" {
		t.Fatalf("step order: %v", ran)
	}

	final := env.reload(t, claimed.ID)
	if final.State != types.JobStateCompleted || final.CompletedAt == nil || final.WorkerID != nil {
		t.Fatalf("final job: %+v", final)
	}
	steps, _ := types.DecodeSteps(final.Steps)
	for _, s := range steps {
		if s.Status != types.StepCompleted {
			t.Fatalf("step %s status %s", s.Name, s.Status)
		}
	}

	if len(emitted) != 2 || emitted[0] != events.RenderStartedName || emitted[1] != events.RenderCompletedName {
		t.Fatalf("events: %v", emitted)
	}
}

func TestExecuteRetriesWithBackoff(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{Strategy: StrategyFixed, BaseDelay: 10 * time.Second, MaxDelay: time.Minute})
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		return errors.New("renderer unavailable")
	}})

	env.makeJob(t, nil, 3)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final := env.reload(t, claimed.ID)
	if final.State != types.JobStatePending {
		t.Fatalf("state = %s, want pending", final.State)
	}
	if final.Attempts != 1 {
		t.Fatalf("attempts = %d", final.Attempts)
	}
	if final.LastError != "renderer unavailable" {
		t.Fatalf("last_error = %q", final.LastError)
	}
	if !final.ScheduledAt.After(time.Now().UTC().Add(9 * time.Second)) {
		t.Fatalf("scheduled_at %v lacks backoff", final.ScheduledAt)
	}
}

func TestExecuteResumeSkipsCompletedSteps(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	attempt := 0
	var ran []string
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		ran = append(ran, fmt.Sprintf("%d:%s", attempt, jc.Step()))
		if attempt == 0 && jc.Step() == "render" {
			return errors.New("flaky")
		}
		return nil
	}})

	env.makeJob(t, []string{"prepare", "render"}, 3)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	// Wait out the tiny backoff, then run the retry attempt.
	time.Sleep(20 * time.Millisecond)
	attempt = 1
	claimed = env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("second execute: %v", err)
	}

	want := []string{"0:prepare", "0:render", "1:render"}
	if len(ran) != len(want) {
		t.Fatalf("invocations: %v", ran)
	}
	for i := range want {
		if ran[i] != want[i] {
			t.Fatalf("invocation %d = %s, want %s (all: %v)", i, ran[i], want[i], ran)
		}
	}
	if final := env.reload(t, claimed.ID); final.State != types.JobStateCompleted {
		t.Fatalf("final state = %s", final.State)
	}
}

func TestExecuteCheckpointSurvivesRetry(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{Strategy: StrategyFixed, BaseDelay: time.Millisecond, MaxDelay: time.Second})
	firstRun := true
	var recovered int64
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		if firstRun {
			if err := jc.SetState("cursor", 42); err != nil {
				return err
			}
			return errors.New("die after checkpoint")
		}
		recovered = jc.StateInt("cursor")
		return nil
	}})

	env.makeJob(t, nil, 3)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	firstRun = false
	claimed = env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if recovered != 42 {
		t.Fatalf("checkpoint lost: cursor = %d", recovered)
	}
}

func TestExecuteDeadLettersWhenExhausted(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{})
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		return errors.New("permanent failure")
	}})

	var failed []events.Event
	env.bus.Subscribe(func(ctx context.Context, e events.Event) { failed = append(failed, e) }, events.RenderFailedName)

	env.makeJob(t, nil, 1)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final := env.reload(t, claimed.ID)
	if final.State != types.JobStateDeadLetter {
		t.Fatalf("state = %s, want dead_letter", final.State)
	}

	entries, total, err := env.archive.List(dbctx.Context{Ctx: context.Background()}, jobsrepo.ArchiveFilter{})
	if err != nil || total != 1 {
		t.Fatalf("archive list: total=%d err=%v", total, err)
	}
	if entries[0].Reason != types.DeadLetterReasonMaxAttempts || entries[0].LastError != "permanent failure" {
		t.Fatalf("archive entry: %+v", entries[0])
	}
	if len(failed) != 1 {
		t.Fatalf("render.failed events: %d", len(failed))
	}
}

func TestExecuteRecoversHandlerPanic(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{})
	env.registry.Register(HandlerFunc{JobType: "render", Fn: func(jc *JobContext) error {
		panic("nil deref in renderer")
	}})

	env.makeJob(t, nil, 1)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("execute: %v", err)
	}

	final := env.reload(t, claimed.ID)
	if final.State != types.JobStateDeadLetter {
		t.Fatalf("state after panic = %s", final.State)
	}
	if final.LastError == "" {
		t.Fatal("panic left no error message")
	}
}

func TestExecuteMissingHandlerFailsJob(t *testing.T) {
	env := newExecEnv(t, BackoffPolicy{})

	env.makeJob(t, nil, 1)
	claimed := env.claim(t)
	if err := env.executor.Execute(context.Background(), claimed, "w1"); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if final := env.reload(t, claimed.ID); final.State != types.JobStateDeadLetter {
		t.Fatalf("state = %s, want dead_letter", final.State)
	}
}
