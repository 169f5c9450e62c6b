package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	webhooksrepo "github.com/vidforge/vidforge-backend/internal/data/repos/webhooks"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/apierr"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
	"github.com/vidforge/vidforge-backend/internal/platform/randhex"
)

// secretBytes yields 64 hex characters per secret.
const secretBytes = 32

// CreateRequest is the subscription intake contract.
type CreateRequest struct {
	UserID     uuid.UUID
	URL        string
	Events     []string
	Headers    map[string]string
	MaxRetries int
}

// UpdateRequest carries optional mutations; nil fields are left untouched.
type UpdateRequest struct {
	URL        *string
	Events     []string
	Headers    map[string]string
	Status     *string
	MaxRetries *int
}

type Service interface {
	// Create registers a subscription and returns it with the freshly
	// generated signing secret. The secret is only ever shown here and on
	// rotation; reads render the row without it.
	Create(dbc dbctx.Context, req CreateRequest) (*types.WebhookSubscription, string, error)
	Get(dbc dbctx.Context, id uuid.UUID) (*types.WebhookSubscription, error)
	ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.WebhookSubscription, error)
	Update(dbc dbctx.Context, id uuid.UUID, req UpdateRequest) (*types.WebhookSubscription, error)
	Delete(dbc dbctx.Context, id uuid.UUID) error
	RotateSecret(dbc dbctx.Context, id uuid.UUID) (string, error)
	Deliveries(dbc dbctx.Context, id uuid.UUID, limit, offset int) ([]*types.WebhookDelivery, int64, error)
	SendTest(ctx context.Context, id uuid.UUID) error
}

type service struct {
	db   *gorm.DB
	log  *logger.Logger
	subs webhooksrepo.SubscriptionRepo
	dels webhooksrepo.DeliveryRepo

	defaultMaxRetries int
}

func NewService(db *gorm.DB, baseLog *logger.Logger, subs webhooksrepo.SubscriptionRepo, dels webhooksrepo.DeliveryRepo, defaultMaxRetries int) Service {
	if defaultMaxRetries < 1 {
		defaultMaxRetries = 5
	}
	return &service{
		db:                db,
		log:               baseLog.With("service", "WebhookService"),
		subs:              subs,
		dels:              dels,
		defaultMaxRetries: defaultMaxRetries,
	}
}

func (s *service) Create(dbc dbctx.Context, req CreateRequest) (*types.WebhookSubscription, string, error) {
	if req.UserID == uuid.Nil {
		return nil, "", fmt.Errorf("missing user_id: %w", apierr.ErrInvalidArgument)
	}
	if err := validateURL(req.URL); err != nil {
		return nil, "", err
	}
	eventsJSON, err := validateEvents(req.Events)
	if err != nil {
		return nil, "", err
	}
	headersJSON, err := encodeHeaders(req.Headers)
	if err != nil {
		return nil, "", err
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}

	secret, err := randhex.New(secretBytes)
	if err != nil {
		return nil, "", fmt.Errorf("generate secret: %w", err)
	}

	now := time.Now().UTC()
	sub := &types.WebhookSubscription{
		ID:         uuid.New(),
		UserID:     req.UserID,
		URL:        strings.TrimSpace(req.URL),
		Events:     eventsJSON,
		Status:     types.SubscriptionActive,
		Secret:     secret,
		Headers:    headersJSON,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.subs.Create(dbc, sub); err != nil {
		return nil, "", fmt.Errorf("insert subscription: %w", err)
	}
	s.log.Info("Webhook subscription created",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"url", sub.URL,
	)
	return sub, secret, nil
}

func (s *service) Get(dbc dbctx.Context, id uuid.UUID) (*types.WebhookSubscription, error) {
	sub, err := s.subs.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("subscription %s: %w", id, apierr.ErrNotFound)
	}
	return sub, nil
}

func (s *service) ListByUser(dbc dbctx.Context, userID uuid.UUID) ([]*types.WebhookSubscription, error) {
	return s.subs.ListByUser(dbc, userID)
}

func (s *service) Update(dbc dbctx.Context, id uuid.UUID, req UpdateRequest) (*types.WebhookSubscription, error) {
	sub, err := s.Get(dbc, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if req.URL != nil {
		if err := validateURL(*req.URL); err != nil {
			return nil, err
		}
		updates["url"] = strings.TrimSpace(*req.URL)
	}
	if req.Events != nil {
		eventsJSON, err := validateEvents(req.Events)
		if err != nil {
			return nil, err
		}
		updates["events"] = eventsJSON
	}
	if req.Headers != nil {
		headersJSON, err := encodeHeaders(req.Headers)
		if err != nil {
			return nil, err
		}
		updates["headers"] = headersJSON
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 1 {
			return nil, fmt.Errorf("max_retries must be >= 1: %w", apierr.ErrInvalidArgument)
		}
		updates["max_retries"] = *req.MaxRetries
	}
	if req.Status != nil {
		status := strings.ToLower(strings.TrimSpace(*req.Status))
		switch status {
		case types.SubscriptionActive:
			// Operator re-enable also forgives the failure streak, otherwise
			// the next terminal failure would immediately re-disable.
			updates["status"] = status
			updates["consecutive_failures"] = 0
		case types.SubscriptionInactive:
			updates["status"] = status
		default:
			return nil, fmt.Errorf("status must be active or inactive: %w", apierr.ErrInvalidArgument)
		}
	}
	if len(updates) == 0 {
		return sub, nil
	}

	if _, err := s.subs.UpdateFields(dbc, id, updates); err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}
	return s.Get(dbc, id)
}

func (s *service) Delete(dbc dbctx.Context, id uuid.UUID) error {
	ok, err := s.subs.Delete(dbc, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, apierr.ErrNotFound)
	}
	s.log.Info("Webhook subscription deleted", "subscription_id", id)
	return nil
}

// RotateSecret regenerates the signing secret. The swap is a single column
// update: deliveries attempted after it sign with the new secret, so old
// signatures turn invalid atomically at the next attempt.
func (s *service) RotateSecret(dbc dbctx.Context, id uuid.UUID) (string, error) {
	if _, err := s.Get(dbc, id); err != nil {
		return "", err
	}
	secret, err := randhex.New(secretBytes)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if _, err := s.subs.UpdateFields(dbc, id, map[string]interface{}{"secret": secret}); err != nil {
		return "", fmt.Errorf("store secret: %w", err)
	}
	s.log.Info("Webhook secret rotated", "subscription_id", id)
	return secret, nil
}

func (s *service) Deliveries(dbc dbctx.Context, id uuid.UUID, limit, offset int) ([]*types.WebhookDelivery, int64, error) {
	if _, err := s.Get(dbc, id); err != nil {
		return nil, 0, err
	}
	return s.dels.ListBySubscription(dbc, id, limit, offset)
}

// SendTest queues a webhook.test delivery for the target subscription
// directly, bypassing event matching: the endpoint under test receives it
// even when its filter does not cover webhook.test. The delivery loop picks
// the row up on its next tick and signs it like any other.
func (s *service) SendTest(ctx context.Context, id uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	sub, err := s.Get(dbc, id)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	data, err := json.Marshal(events.WebhookTest{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		SentAt:         now,
	})
	if err != nil {
		return fmt.Errorf("encode test event: %w", err)
	}
	deliveryID := uuid.New()
	body, err := json.Marshal(envelope{
		Event:       string(events.WebhookTestName),
		DeliveredAt: now,
		DeliveryID:  deliveryID,
		Data:        data,
	})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	delivery := &types.WebhookDelivery{
		ID:             deliveryID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Event:          string(events.WebhookTestName),
		Payload:        datatypes.JSON(body),
		State:          types.DeliveryPending,
		MaxRetries:     sub.MaxRetries,
		NextAttemptAt:  &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.dels.Create(dbc, delivery); err != nil {
		return fmt.Errorf("insert test delivery: %w", err)
	}
	s.log.Info("Test delivery queued",
		"subscription_id", sub.ID,
		"delivery_id", deliveryID,
	)
	return nil
}

func validateURL(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("missing url: %w", apierr.ErrInvalidArgument)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("url must be absolute http(s): %w", apierr.ErrInvalidArgument)
	}
	return nil
}

func validateEvents(names []string) (datatypes.JSON, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("missing events: %w", apierr.ErrInvalidArgument)
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		if n != types.EventWildcard && !events.KnownName(n) {
			return nil, fmt.Errorf("unknown event %q: %w", n, apierr.ErrInvalidArgument)
		}
		seen[n] = true
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("missing events: %w", apierr.ErrInvalidArgument)
	}
	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode events: %w", err)
	}
	return datatypes.JSON(b), nil
}

func encodeHeaders(headers map[string]string) (datatypes.JSON, error) {
	if len(headers) == 0 {
		return nil, nil
	}
	for k := range headers {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("empty header name: %w", apierr.ErrInvalidArgument)
		}
	}
	b, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("encode headers: %w", err)
	}
	return datatypes.JSON(b), nil
}
