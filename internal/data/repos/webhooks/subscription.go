package webhooks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

type SubscriptionRepo interface {
	Create(dbc dbctx.Context, sub *types.WebhookSubscription) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WebhookSubscription, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.WebhookSubscription, error)
	ActiveForEvent(dbc dbctx.Context, userID uuid.UUID, event string) ([]*types.WebhookSubscription, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
	Delete(dbc dbctx.Context, id uuid.UUID) (bool, error)
	RecordSuccess(dbc dbctx.Context, id uuid.UUID) error
	RecordFailure(dbc dbctx.Context, id uuid.UUID, disableAfter int) (disabled bool, err error)
	Touch(dbc dbctx.Context, id uuid.UUID, at time.Time) error
}

type subscriptionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSubscriptionRepo(db *gorm.DB, baseLog *logger.Logger) SubscriptionRepo {
	return &subscriptionRepo{
		db:  db,
		log: baseLog.With("repo", "SubscriptionRepo"),
	}
}

func (r *subscriptionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *subscriptionRepo) Create(dbc dbctx.Context, sub *types.WebhookSubscription) error {
	if sub == nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(sub).Error
}

func (r *subscriptionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WebhookSubscription, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var sub types.WebhookSubscription
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == uuid.Nil {
		return nil, nil
	}
	return &sub, nil
}

func (r *subscriptionRepo) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.WebhookSubscription, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).Model(&types.WebhookSubscription{})
	if userID != uuid.Nil {
		q = q.Where("user_id = ?", userID)
	}
	var out []*types.WebhookSubscription
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ActiveForEvent returns the fan-out targets for one emitted event: the
// owner's active subscriptions whose event list covers the name. The event
// list is JSON, so candidate rows are filtered in memory after the indexed
// (user_id, status) scan.
func (r *subscriptionRepo) ActiveForEvent(dbc dbctx.Context, userID uuid.UUID, event string) ([]*types.WebhookSubscription, error) {
	if userID == uuid.Nil || event == "" {
		return nil, nil
	}
	var candidates []*types.WebhookSubscription
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("user_id = ? AND status = ?", userID, types.SubscriptionActive).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	out := make([]*types.WebhookSubscription, 0, len(candidates))
	for _, sub := range candidates {
		if sub.ListensTo(event) {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (r *subscriptionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(updates) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *subscriptionRepo) Delete(dbc dbctx.Context, id uuid.UUID) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.WebhookSubscription{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecordSuccess bumps the success counter and resets the consecutive-failure
// streak after a delivered attempt.
func (r *subscriptionRepo) RecordSuccess(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now().UTC()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"success_count":        gorm.Expr("success_count + 1"),
			"consecutive_failures": 0,
			"last_success_at":      now,
			"updated_at":           now,
		}).Error
}

// RecordFailure bumps the failure counters after a terminally failed
// delivery. Once the consecutive streak reaches disableAfter the
// subscription flips to disabled; only an operator turns it back on.
func (r *subscriptionRepo) RecordFailure(dbc dbctx.Context, id uuid.UUID, disableAfter int) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	transaction := r.handle(dbc)
	now := time.Now().UTC()

	disabled := false
	err := transaction.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Model(&types.WebhookSubscription{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"failure_count":        gorm.Expr("failure_count + 1"),
				"consecutive_failures": gorm.Expr("consecutive_failures + 1"),
				"last_failure_at":      now,
				"updated_at":           now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || disableAfter <= 0 {
			return nil
		}
		res = txx.Model(&types.WebhookSubscription{}).
			Where("id = ? AND status = ? AND consecutive_failures >= ?",
				id, types.SubscriptionActive, disableAfter).
			Updates(map[string]interface{}{
				"status":     types.SubscriptionDisabled,
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		disabled = res.RowsAffected > 0
		return nil
	})
	return disabled, err
}

// Touch stamps last_triggered_at when a fan-out picks the subscription.
func (r *subscriptionRepo) Touch(dbc dbctx.Context, id uuid.UUID, at time.Time) error {
	if id == uuid.Nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WebhookSubscription{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_triggered_at": at,
			"updated_at":        at,
		}).Error
}
