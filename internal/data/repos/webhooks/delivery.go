package webhooks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

type DeliveryRepo interface {
	Create(dbc dbctx.Context, delivery *types.WebhookDelivery) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WebhookDelivery, error)
	ListBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID, limit, offset int) ([]*types.WebhookDelivery, int64, error)
	ClaimDue(dbc dbctx.Context, now time.Time, holdFor time.Duration, limit int) ([]*types.WebhookDelivery, error)
	Finish(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error)
}

type deliveryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeliveryRepo(db *gorm.DB, baseLog *logger.Logger) DeliveryRepo {
	return &deliveryRepo{
		db:  db,
		log: baseLog.With("repo", "DeliveryRepo"),
	}
}

func (r *deliveryRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *deliveryRepo) Create(dbc dbctx.Context, delivery *types.WebhookDelivery) error {
	if delivery == nil {
		return nil
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(delivery).Error
}

func (r *deliveryRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.WebhookDelivery, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var delivery types.WebhookDelivery
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&delivery).Error
	if err != nil {
		return nil, err
	}
	if delivery.ID == uuid.Nil {
		return nil, nil
	}
	return &delivery, nil
}

func (r *deliveryRepo) ListBySubscription(dbc dbctx.Context, subscriptionID uuid.UUID, limit, offset int) ([]*types.WebhookDelivery, int64, error) {
	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WebhookDelivery{}).
		Where("subscription_id = ?", subscriptionID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []*types.WebhookDelivery
	err := q.Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// ClaimDue leases the next batch of due deliveries by pushing next_attempt_at
// past the hold window. The conditional update per row makes concurrent
// dispatcher loops safe: whoever moves the timestamp first owns the attempt,
// the loser's RowsAffected is zero and the row is skipped. A crashed
// dispatcher simply lets the hold expire and the row becomes due again.
func (r *deliveryRepo) ClaimDue(dbc dbctx.Context, now time.Time, holdFor time.Duration, limit int) ([]*types.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 20
	}
	var candidates []*types.WebhookDelivery
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("state IN ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
			[]string{types.DeliveryPending, types.DeliveryRetrying}, now).
		Order("next_attempt_at ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	hold := now.Add(holdFor)
	claimed := make([]*types.WebhookDelivery, 0, len(candidates))
	for _, d := range candidates {
		res := r.handle(dbc).WithContext(dbc.Ctx).
			Model(&types.WebhookDelivery{}).
			Where("id = ? AND state IN ? AND next_attempt_at = ?",
				d.ID, []string{types.DeliveryPending, types.DeliveryRetrying}, d.NextAttemptAt).
			Updates(map[string]interface{}{
				"next_attempt_at": hold,
				"updated_at":      now,
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		d.NextAttemptAt = &hold
		d.UpdatedAt = now
		claimed = append(claimed, d)
	}
	return claimed, nil
}

// Finish applies the post-attempt mutation (state, counters, attempt log).
func (r *deliveryRepo) Finish(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil || len(updates) == 0 {
		return false, nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
