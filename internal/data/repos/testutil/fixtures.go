package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/vidforge/vidforge-backend/internal/domain"
)

// SeedJob inserts a runnable job with the default step plan. Callers mutate
// the returned row and save it when a test needs a non-default shape.
func SeedJob(tb testing.TB, ctx context.Context, tx *gorm.DB, queue, state string) *types.Job {
	tb.Helper()

	steps, err := types.EncodeSteps(types.NewStepPlan(nil))
	if err != nil {
		tb.Fatalf("encode steps: %v", err)
	}
	now := time.Now().UTC()
	j := &types.Job{
		ID:          uuid.New(),
		Queue:       queue,
		JobType:     "render",
		Priority:    types.PriorityNormal,
		State:       state,
		Payload:     datatypes.JSON([]byte(`{}`)),
		Tags:        datatypes.JSON([]byte(`[]`)),
		Steps:       steps,
		StepState:   datatypes.JSON([]byte(`{}`)),
		MaxAttempts: 3,
		ScheduledAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.WithContext(ctx).Create(j).Error; err != nil {
		tb.Fatalf("seed job: %v", err)
	}
	return j
}

// SeedSubscription inserts an active subscription for the given event names.
func SeedSubscription(tb testing.TB, ctx context.Context, tx *gorm.DB, userID uuid.UUID, url string, eventNames []string) *types.WebhookSubscription {
	tb.Helper()

	eventsJSON, err := json.Marshal(eventNames)
	if err != nil {
		tb.Fatalf("encode events: %v", err)
	}
	now := time.Now().UTC()
	sub := &types.WebhookSubscription{
		ID:         uuid.New(),
		UserID:     userID,
		URL:        url,
		Events:     datatypes.JSON(eventsJSON),
		Status:     types.SubscriptionActive,
		Secret:     "test-secret",
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(sub).Error; err != nil {
		tb.Fatalf("seed subscription: %v", err)
	}
	return sub
}
