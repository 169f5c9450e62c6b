package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/vidforge/vidforge-backend/internal/data/repos/testutil"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
)

func seedDelivery(t *testing.T, conn *gorm.DB, subID uuid.UUID, dueAt time.Time) *types.WebhookDelivery {
	t.Helper()
	now := time.Now().UTC()
	d := &types.WebhookDelivery{
		ID:             uuid.New(),
		SubscriptionID: subID,
		UserID:         uuid.New(),
		Event:          "video.completed",
		Payload:        datatypes.JSON([]byte(`{}`)),
		State:          types.DeliveryPending,
		MaxRetries:     3,
		NextAttemptAt:  &dueAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := conn.Create(d).Error; err != nil {
		t.Fatalf("seed delivery: %v", err)
	}
	return d
}

func TestClaimDueHoldsRows(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewDeliveryRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	subID := uuid.New()
	now := time.Now().UTC()
	due := seedDelivery(t, conn, subID, now.Add(-time.Second))
	seedDelivery(t, conn, subID, now.Add(time.Hour))

	claimed, err := repo.ClaimDue(dbc, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != due.ID {
		t.Fatalf("claimed: %+v", claimed)
	}

	// The hold keeps the row off a second claimer until it expires.
	again, err := repo.ClaimDue(dbc, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("row claimed twice: %+v", again)
	}

	later, err := repo.ClaimDue(dbc, now.Add(2*time.Minute), time.Minute, 10)
	if err != nil {
		t.Fatalf("claim after hold: %v", err)
	}
	if len(later) != 1 || later[0].ID != due.ID {
		t.Fatalf("hold never expired: %+v", later)
	}
}

func TestClaimDueSkipsTerminalStates(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewDeliveryRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	now := time.Now().UTC()
	done := seedDelivery(t, conn, uuid.New(), now.Add(-time.Second))
	conn.Model(done).Update("state", types.DeliveryDelivered)

	claimed, err := repo.ClaimDue(dbc, now, time.Minute, 10)
	if err != nil {
		t.Fatalf("claim due: %v", err)
	}
	if len(claimed) != 0 {
		t.Fatalf("terminal delivery claimed: %+v", claimed)
	}
}

func TestFinishAndListBySubscription(t *testing.T) {
	conn := testutil.DB(t)
	repo := NewDeliveryRepo(conn, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	subID := uuid.New()
	now := time.Now().UTC()
	d := seedDelivery(t, conn, subID, now)
	seedDelivery(t, conn, uuid.New(), now)

	ok, err := repo.Finish(dbc, d.ID, map[string]interface{}{
		"state":           types.DeliveryDelivered,
		"attempts":        1,
		"response_status": 200,
		"completed_at":    now,
		"next_attempt_at": nil,
	})
	if err != nil || !ok {
		t.Fatalf("finish: ok=%v err=%v", ok, err)
	}

	rows, total, err := repo.ListBySubscription(dbc, subID, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 || len(rows) != 1 {
		t.Fatalf("list: total=%d rows=%d", total, len(rows))
	}
	if rows[0].State != types.DeliveryDelivered || rows[0].NextAttemptAt != nil {
		t.Fatalf("finished row: %+v", rows[0])
	}
}
