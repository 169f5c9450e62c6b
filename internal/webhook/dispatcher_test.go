package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	webhooksrepo "github.com/vidforge/vidforge-backend/internal/data/repos/webhooks"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

type dispatchEnv struct {
	conn *gorm.DB
	subs webhooksrepo.SubscriptionRepo
	dels webhooksrepo.DeliveryRepo
	d    *Dispatcher
}

func newDispatchEnv(t *testing.T, cfg DispatcherConfig) *dispatchEnv {
	t.Helper()
	conn := testutil.DB(t)
	log := testutil.Logger(t)
	env := &dispatchEnv{
		conn: conn,
		subs: webhooksrepo.NewSubscriptionRepo(conn, log),
		dels: webhooksrepo.NewDeliveryRepo(conn, log),
	}
	env.d = NewDispatcher(log, env.subs, env.dels, nil, cfg)
	return env
}

func (env *dispatchEnv) deliver(t *testing.T, ctx context.Context) {
	t.Helper()
	env.d.ProcessDue(ctx)
	env.d.Drain()
}

func (env *dispatchEnv) reloadDelivery(t *testing.T, id uuid.UUID) *types.WebhookDelivery {
	t.Helper()
	row, err := env.dels.GetByID(dbctx.Context{Ctx: context.Background()}, id)
	if err != nil || row == nil {
		t.Fatalf("reload delivery: %+v, %v", row, err)
	}
	return row
}

func TestFanOutMatchesSubscriptions(t *testing.T) {
	env := newDispatchEnv(t, DispatcherConfig{})
	ctx := context.Background()
	owner := uuid.New()

	exact := testutil.SeedSubscription(t, ctx, env.conn, owner, "http://a.example/hook", []string{"video.completed"})
	wild := testutil.SeedSubscription(t, ctx, env.conn, owner, "http://b.example/hook", []string{"*"})
	testutil.SeedSubscription(t, ctx, env.conn, owner, "http://c.example/hook", []string{"video.failed"})
	testutil.SeedSubscription(t, ctx, env.conn, uuid.New(), "http://d.example/hook", []string{"*"})

	created, err := env.d.FanOut(ctx, events.VideoCompleted{UserID: owner, VideoID: "v1", URL: "http://cdn/v1.mp4"})
	if err != nil {
		t.Fatalf("fan out: %v", err)
	}
	if len(created) != 2 {
		t.Fatalf("deliveries = %d, want 2 (exact + wildcard)", len(created))
	}
	seen := map[uuid.UUID]bool{}
	for _, del := range created {
		seen[del.SubscriptionID] = true
		if del.State != types.DeliveryPending {
			t.Fatalf("delivery state = %s", del.State)
		}
		var body envelope
		if err := json.Unmarshal(del.Payload, &body); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if body.Event != "video.completed" || body.DeliveryID != del.ID {
			t.Fatalf("envelope: %+v", body)
		}
	}
	if !seen[exact.ID] || !seen[wild.ID] {
		t.Fatalf("wrong subscriptions matched: %v", seen)
	}
}

func TestRelayedEventsAreNotFannedOutAgain(t *testing.T) {
	// Two nodes sharing one store: node A emits locally, node B sees the same
	// event re-emitted through the relay as events.Remote. Only the origin
	// node writes delivery rows; the peer just wakes its delivery loop.
	env := newDispatchEnv(t, DispatcherConfig{})
	log := testutil.Logger(t)
	busA := events.NewBus(log)
	busB := events.NewBus(log)
	busA.SubscribeAll(env.d.onEvent)
	// The peer's only wiring is its busB subscription.
	NewDispatcher(log, env.subs, env.dels, busB, DispatcherConfig{})

	ctx := context.Background()
	owner := uuid.New()
	sub := testutil.SeedSubscription(t, ctx, env.conn, owner, "http://a.example/hook", []string{"*"})

	ev := events.VideoCompleted{UserID: owner, VideoID: "v1"}
	busA.Emit(ctx, ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	busB.Emit(ctx, events.Remote{
		Name:    events.VideoCompletedName,
		OwnerID: owner,
		Payload: payload,
	})

	_, total, err := env.dels.ListBySubscription(dbctx.Context{Ctx: ctx}, sub.ID, 10, 0)
	if err != nil {
		t.Fatalf("list deliveries: %v", err)
	}
	if total != 1 {
		t.Fatalf("one emitted event produced %d delivery rows, want 1", total)
	}
}

func TestDeliverySignedAndRecorded(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	var gotHeader http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = body
		gotHeader = r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newDispatchEnv(t, DispatcherConfig{})
	ctx := context.Background()
	owner := uuid.New()
	sub := testutil.SeedSubscription(t, ctx, env.conn, owner, srv.URL, []string{"*"})
	env.conn.Model(sub).Update("headers", `{"X-Custom":"yes"}`)

	created, err := env.d.FanOut(ctx, events.WebhookTest{UserID: owner, SubscriptionID: sub.ID, SentAt: time.Now().UTC()})
	if err != nil || len(created) != 1 {
		t.Fatalf("fan out: %d, %v", len(created), err)
	}

	env.deliver(t, ctx)

	mu.Lock()
	defer mu.Unlock()
	if !Verify("test-secret", gotBody, gotHeader.Get(HeaderSignature)) {
		t.Fatalf("signature did not verify: %q", gotHeader.Get(HeaderSignature))
	}
	if gotHeader.Get(HeaderEvent) != "webhook.test" {
		t.Fatalf("event header = %q", gotHeader.Get(HeaderEvent))
	}
	if gotHeader.Get(HeaderDelivery) != created[0].ID.String() {
		t.Fatalf("delivery header = %q", gotHeader.Get(HeaderDelivery))
	}
	if gotHeader.Get(HeaderTimestamp) == "" {
		t.Fatal("timestamp header missing")
	}
	if gotHeader.Get("X-Custom") != "yes" {
		t.Fatal("custom header not forwarded")
	}

	row := env.reloadDelivery(t, created[0].ID)
	if row.State != types.DeliveryDelivered || row.Attempts != 1 || row.CompletedAt == nil {
		t.Fatalf("delivery row: %+v", row)
	}

	after, _ := env.subs.GetByID(dbctx.Context{Ctx: ctx}, sub.ID)
	if after.SuccessCount != 1 || after.ConsecutiveFailures != 0 {
		t.Fatalf("subscription counters: %+v", after)
	}
}

func TestDeliveryRetriesThenSucceeds(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	env := newDispatchEnv(t, DispatcherConfig{})
	ctx := context.Background()
	owner := uuid.New()
	testutil.SeedSubscription(t, ctx, env.conn, owner, srv.URL, []string{"*"})

	created, err := env.d.FanOut(ctx, events.VideoFailed{UserID: owner, VideoID: "v1", Error: "boom"})
	if err != nil || len(created) != 1 {
		t.Fatalf("fan out: %d, %v", len(created), err)
	}
	id := created[0].ID

	env.deliver(t, ctx)

	row := env.reloadDelivery(t, id)
	if row.State != types.DeliveryRetrying || row.Attempts != 1 {
		t.Fatalf("after 500: %+v", row)
	}
	if row.NextAttemptAt == nil || !row.NextAttemptAt.After(time.Now().UTC().Add(20*time.Second)) {
		t.Fatalf("retry not backed off: %v", row.NextAttemptAt)
	}

	// Nothing is due before the backoff elapses.
	env.deliver(t, ctx)
	if row = env.reloadDelivery(t, id); row.Attempts != 1 {
		t.Fatalf("premature retry: %+v", row)
	}

	// Collapse the backoff and retry.
	past := time.Now().UTC().Add(-time.Second)
	env.conn.Model(&types.WebhookDelivery{}).Where("id = ?", id).Update("next_attempt_at", past)
	env.deliver(t, ctx)

	row = env.reloadDelivery(t, id)
	if row.State != types.DeliveryDelivered || row.Attempts != 2 {
		t.Fatalf("after retry: %+v", row)
	}
	var log []types.DeliveryAttempt
	if err := json.Unmarshal(row.AttemptLog, &log); err != nil || len(log) != 2 {
		t.Fatalf("attempt log: %v, %v", log, err)
	}
	if log[0].Status != http.StatusInternalServerError || log[1].Status != http.StatusOK {
		t.Fatalf("attempt log statuses: %+v", log)
	}
}

func TestTerminalFailuresDisableSubscription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	env := newDispatchEnv(t, DispatcherConfig{DisableAfter: 2})
	ctx := context.Background()
	owner := uuid.New()
	sub := testutil.SeedSubscription(t, ctx, env.conn, owner, srv.URL, []string{"*"})
	// No retries: the first failed attempt is terminal.
	env.conn.Model(sub).Update("max_retries", 0)

	for i := 0; i < 2; i++ {
		created, err := env.d.FanOut(ctx, events.CreditsLow{UserID: owner, Remaining: int64(i)})
		if err != nil || len(created) != 1 {
			t.Fatalf("fan out %d: %d, %v", i, len(created), err)
		}
		env.deliver(t, ctx)

		row := env.reloadDelivery(t, created[0].ID)
		if row.State != types.DeliveryFailed {
			t.Fatalf("delivery %d state = %s", i, row.State)
		}
	}

	after, _ := env.subs.GetByID(dbctx.Context{Ctx: ctx}, sub.ID)
	if after.Status != types.SubscriptionDisabled {
		t.Fatalf("subscription status = %s, want disabled", after.Status)
	}
	if after.ConsecutiveFailures < 2 {
		t.Fatalf("consecutive failures = %d", after.ConsecutiveFailures)
	}
}

func TestAttemptStopsForInactiveSubscription(t *testing.T) {
	env := newDispatchEnv(t, DispatcherConfig{})
	ctx := context.Background()
	owner := uuid.New()
	sub := testutil.SeedSubscription(t, ctx, env.conn, owner, "http://unreachable.example/hook", []string{"*"})

	created, err := env.d.FanOut(ctx, events.VideoCreated{UserID: owner, VideoID: "v1"})
	if err != nil || len(created) != 1 {
		t.Fatalf("fan out: %d, %v", len(created), err)
	}
	env.conn.Model(sub).Update("status", types.SubscriptionInactive)

	env.deliver(t, ctx)

	row := env.reloadDelivery(t, created[0].ID)
	if row.State != types.DeliveryFailed {
		t.Fatalf("delivery state = %s, want failed", row.State)
	}
	if row.LastError == "" {
		t.Fatal("no terminal reason recorded")
	}

	// No HTTP attempt happened, so the endpoint's failure counters must not
	// move.
	after, err := env.subs.GetByID(dbctx.Context{Ctx: ctx}, sub.ID)
	if err != nil || after == nil {
		t.Fatalf("reload subscription: %+v, %v", after, err)
	}
	if after.FailureCount != 0 || after.ConsecutiveFailures != 0 {
		t.Fatalf("counters advanced without an attempt: %+v", after)
	}
}
