package webhooks

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

func TestActiveForEventFilters(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewSubscriptionRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	owner := uuid.New()

	match := testutil.SeedSubscription(t, dbc.Ctx, conn, owner, "http://a.example", []string{"video.completed", "video.failed"})
	wild := testutil.SeedSubscription(t, dbc.Ctx, conn, owner, "http://b.example", []string{"*"})
	off := testutil.SeedSubscription(t, dbc.Ctx, conn, owner, "http://c.example", []string{"video.completed"})
	conn.Model(off).Update("status", types.SubscriptionDisabled)
	testutil.SeedSubscription(t, dbc.Ctx, conn, owner, "http://d.example", []string{"credits.low"})
	testutil.SeedSubscription(t, dbc.Ctx, conn, uuid.New(), "http://e.example", []string{"*"})

	subs, err := repo.ActiveForEvent(dbc, owner, "video.completed")
	if err != nil {
		t.Fatalf("active for event: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("matched %d subscriptions, want 2", len(subs))
	}
	got := map[uuid.UUID]bool{}
	for _, s := range subs {
		got[s.ID] = true
	}
	if !got[match.ID] || !got[wild.ID] {
		t.Fatalf("wrong matches: %v", got)
	}
}

func TestRecordFailureDisablesAtThreshold(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewSubscriptionRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	sub := testutil.SeedSubscription(t, dbc.Ctx, conn, uuid.New(), "http://a.example", []string{"*"})

	for i := 1; i <= 3; i++ {
		disabled, err := repo.RecordFailure(dbc, sub.ID, 3)
		if err != nil {
			t.Fatalf("record failure %d: %v", i, err)
		}
		if (i == 3) != disabled {
			t.Fatalf("failure %d: disabled=%v", i, disabled)
		}
	}

	after, err := repo.GetByID(dbc, sub.ID)
	if err != nil || after == nil {
		t.Fatalf("reload: %+v, %v", after, err)
	}
	if after.Status != types.SubscriptionDisabled || after.ConsecutiveFailures != 3 || after.FailureCount != 3 {
		t.Fatalf("after failures: %+v", after)
	}
}

func TestRecordSuccessResetsStreak(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewSubscriptionRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	sub := testutil.SeedSubscription(t, dbc.Ctx, conn, uuid.New(), "http://a.example", []string{"*"})
	if _, err := repo.RecordFailure(dbc, sub.ID, 10); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if _, err := repo.RecordFailure(dbc, sub.ID, 10); err != nil {
		t.Fatalf("record failure: %v", err)
	}
	if err := repo.RecordSuccess(dbc, sub.ID); err != nil {
		t.Fatalf("record success: %v", err)
	}

	after, _ := repo.GetByID(dbc, sub.ID)
	if after.ConsecutiveFailures != 0 {
		t.Fatalf("streak not reset: %d", after.ConsecutiveFailures)
	}
	if after.FailureCount != 2 || after.SuccessCount != 1 {
		t.Fatalf("totals: %+v", after)
	}
	if after.LastSuccessAt == nil || after.LastFailureAt == nil {
		t.Fatal("timestamps not stamped")
	}
}

func TestDeleteSubscription(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewSubscriptionRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	sub := testutil.SeedSubscription(t, dbc.Ctx, conn, uuid.New(), "http://a.example", []string{"*"})
	ok, err := repo.Delete(dbc, sub.ID)
	if err != nil || !ok {
		t.Fatalf("delete: ok=%v err=%v", ok, err)
	}
	ok, err = repo.Delete(dbc, sub.ID)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if ok {
		t.Fatal("second delete reported rows")
	}
	if got, _ := repo.GetByID(dbc, sub.ID); got != nil {
		t.Fatalf("row survived delete: %+v", got)
	}
}
