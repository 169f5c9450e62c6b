package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	webhooksrepo "github.com/vidforge/vidforge-backend/internal/data/repos/webhooks"
	types "github.com/vidforge/vidforge-backend/internal/domain"
	"github.com/vidforge/vidforge-backend/internal/events"
	"github.com/vidforge/vidforge-backend/internal/platform/dbctx"
	"github.com/vidforge/vidforge-backend/internal/platform/logger"
)

type DispatcherConfig struct {
	DeliveryTimeout time.Duration // per-attempt HTTP timeout
	PollInterval    time.Duration
	Concurrency     int64
	BatchSize       int
	DisableAfter    int // consecutive terminal failures before auto-disable

	RetryBase time.Duration
	RetryCap  time.Duration
}

func (c *DispatcherConfig) fill() {
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Concurrency < 1 {
		c.Concurrency = 4
	}
	if c.BatchSize < 1 {
		c.BatchSize = 20
	}
	if c.DisableAfter <= 0 {
		c.DisableAfter = 20
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 30 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = time.Hour
	}
}

// envelope is the POST body. It is built once at fan-out and stored on the
// delivery row, so every retry re-sends byte-identical content; only the
// signature and timestamp headers change per attempt.
type envelope struct {
	Event       string          `json:"event"`
	DeliveredAt time.Time       `json:"delivered_at"`
	DeliveryID  uuid.UUID       `json:"delivery_id"`
	Data        json.RawMessage `json:"data"`
}

// Dispatcher fans emitted events out to matching subscriptions and runs the
// delivery loop. Fan-out only persists rows; the actual HTTP work happens on
// the poll loop so a slow receiver never blocks an emitter.
type Dispatcher struct {
	log  *logger.Logger
	subs webhooksrepo.SubscriptionRepo
	dels webhooksrepo.DeliveryRepo
	cfg  DispatcherConfig

	client *http.Client
	sem    *semaphore.Weighted
	nudge  chan struct{}
	wg     sync.WaitGroup
}

func NewDispatcher(baseLog *logger.Logger, subs webhooksrepo.SubscriptionRepo, dels webhooksrepo.DeliveryRepo, bus *events.Bus, cfg DispatcherConfig) *Dispatcher {
	cfg.fill()
	d := &Dispatcher{
		log:    baseLog.With("component", "WebhookDispatcher"),
		subs:   subs,
		dels:   dels,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DeliveryTimeout},
		sem:    semaphore.NewWeighted(cfg.Concurrency),
		nudge:  make(chan struct{}, 1),
	}
	if bus != nil {
		bus.SubscribeAll(d.onEvent)
	}
	return d
}

func (d *Dispatcher) onEvent(ctx context.Context, e events.Event) {
	// Relayed events were already fanned out on their origin node, and all
	// nodes share the delivery store. Fanning out again would write a second
	// row per subscription with a new delivery id.
	if _, remote := e.(events.Remote); remote {
		d.Nudge()
		return
	}
	if _, err := d.FanOut(ctx, e); err != nil {
		d.log.Error("Webhook fan-out failed",
			"event", string(e.EventName()),
			"error", err,
		)
	}
}

// FanOut creates one pending delivery per matching subscription and nudges
// the delivery loop. Returns the created rows.
func (d *Dispatcher) FanOut(ctx context.Context, e events.Event) ([]*types.WebhookDelivery, error) {
	owner := e.EventOwner()
	if owner == uuid.Nil {
		return nil, nil
	}
	name := string(e.EventName())

	subs, err := d.subs.ActiveForEvent(dbctx.Context{Ctx: ctx}, owner, name)
	if err != nil {
		return nil, fmt.Errorf("match subscriptions: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	data, err := eventData(e)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}

	now := time.Now().UTC()
	out := make([]*types.WebhookDelivery, 0, len(subs))
	for _, sub := range subs {
		deliveryID := uuid.New()
		body, err := json.Marshal(envelope{
			Event:       name,
			DeliveredAt: now,
			DeliveryID:  deliveryID,
			Data:        data,
		})
		if err != nil {
			return out, fmt.Errorf("encode envelope: %w", err)
		}

		delivery := &types.WebhookDelivery{
			ID:             deliveryID,
			SubscriptionID: sub.ID,
			UserID:         owner,
			Event:          name,
			Payload:        datatypes.JSON(body),
			State:          types.DeliveryPending,
			MaxRetries:     sub.MaxRetries,
			NextAttemptAt:  &now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.dels.Create(dbctx.Context{Ctx: ctx}, delivery); err != nil {
			return out, fmt.Errorf("insert delivery: %w", err)
		}
		if err := d.subs.Touch(dbctx.Context{Ctx: ctx}, sub.ID, now); err != nil {
			d.log.Warn("Touch subscription failed", "subscription_id", sub.ID, "error", err)
		}
		out = append(out, delivery)
	}

	d.log.Info("Event fanned out",
		"event", name,
		"user_id", owner,
		"deliveries", len(out),
	)
	d.Nudge()
	return out, nil
}

func eventData(e events.Event) (json.RawMessage, error) {
	if remote, ok := e.(events.Remote); ok {
		return json.RawMessage(remote.Payload), nil
	}
	return json.Marshal(e)
}

// Nudge wakes the delivery loop without waiting for the next poll tick.
func (d *Dispatcher) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Start runs the delivery loop until ctx ends.
func (d *Dispatcher) Start(ctx context.Context) {
	d.log.Info("Starting webhook dispatcher",
		"poll_interval", d.cfg.PollInterval,
		"concurrency", d.cfg.Concurrency,
		"delivery_timeout", d.cfg.DeliveryTimeout,
	)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.log.Info("Webhook dispatcher stopped")
				return
			case <-ticker.C:
				d.ProcessDue(ctx)
			case <-d.nudge:
				d.ProcessDue(ctx)
			}
		}
	}()
}

// ProcessDue claims the due deliveries and attempts each on its own
// goroutine, bounded by the configured concurrency.
func (d *Dispatcher) ProcessDue(ctx context.Context) {
	now := time.Now().UTC()
	// The claim hold outlives the HTTP timeout, so a delivery can never be
	// claimed twice while its attempt is still in flight.
	hold := d.cfg.DeliveryTimeout + 30*time.Second
	due, err := d.dels.ClaimDue(dbctx.Context{Ctx: ctx}, now, hold, d.cfg.BatchSize)
	if err != nil {
		d.log.Warn("Claim due deliveries failed", "error", err)
		return
	}
	for _, delivery := range due {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			return
		}
		d.wg.Add(1)
		go func(row *types.WebhookDelivery) {
			defer d.wg.Done()
			defer d.sem.Release(1)
			d.Attempt(ctx, row)
		}(delivery)
	}
}

// Attempt performs one HTTP delivery attempt and routes the outcome:
// delivered, retrying with backoff, or terminally failed.
func (d *Dispatcher) Attempt(ctx context.Context, delivery *types.WebhookDelivery) {
	// Re-read the subscription so a rotated secret signs this attempt and a
	// just-disabled endpoint stops receiving.
	sub, err := d.subs.GetByID(dbctx.Context{Ctx: ctx}, delivery.SubscriptionID)
	if err != nil {
		d.log.Warn("Load subscription failed", "delivery_id", delivery.ID, "error", err)
		return
	}
	if sub == nil {
		d.finishTerminal(ctx, delivery, nil, 0, "subscription deleted", 0)
		return
	}
	if sub.Status != types.SubscriptionActive {
		d.finishTerminal(ctx, delivery, nil, 0, "subscription "+sub.Status, 0)
		return
	}

	attempt := delivery.Attempts + 1
	status, dur, attemptErr := d.post(ctx, sub, delivery)

	now := time.Now().UTC()
	logEntry := types.DeliveryAttempt{
		Attempt:    attempt,
		At:         now,
		Status:     status,
		DurationMS: dur.Milliseconds(),
	}
	if attemptErr != "" {
		logEntry.Error = attemptErr
	}

	if attemptErr == "" {
		updates := map[string]interface{}{
			"state":           types.DeliveryDelivered,
			"attempts":        attempt,
			"response_status": status,
			"last_error":      "",
			"duration_ms":     dur.Milliseconds(),
			"attempt_log":     types.AppendAttempt(delivery.AttemptLog, logEntry),
			"next_attempt_at": nil,
			"completed_at":    now,
		}
		if _, err := d.dels.Finish(dbctx.Context{Ctx: ctx}, delivery.ID, updates); err != nil {
			d.log.Error("Record delivered failed", "delivery_id", delivery.ID, "error", err)
			return
		}
		if err := d.subs.RecordSuccess(dbctx.Context{Ctx: ctx}, sub.ID); err != nil {
			d.log.Warn("Record success failed", "subscription_id", sub.ID, "error", err)
		}
		d.log.Info("Webhook delivered",
			"delivery_id", delivery.ID,
			"event", delivery.Event,
			"attempt", attempt,
			"status", status,
		)
		return
	}

	if attempt <= delivery.MaxRetries {
		next := now.Add(retryDelay(d.cfg, attempt))
		updates := map[string]interface{}{
			"state":           types.DeliveryRetrying,
			"attempts":        attempt,
			"last_error":      attemptErr,
			"duration_ms":     dur.Milliseconds(),
			"attempt_log":     types.AppendAttempt(delivery.AttemptLog, logEntry),
			"next_attempt_at": next,
		}
		if status > 0 {
			updates["response_status"] = status
		}
		if _, err := d.dels.Finish(dbctx.Context{Ctx: ctx}, delivery.ID, updates); err != nil {
			d.log.Error("Record retry failed", "delivery_id", delivery.ID, "error", err)
		}
		d.log.Warn("Webhook attempt failed, will retry",
			"delivery_id", delivery.ID,
			"event", delivery.Event,
			"attempt", attempt,
			"next_attempt_at", next,
			"error", attemptErr,
		)
		return
	}

	d.finishTerminal(ctx, delivery, &logEntry, status, attemptErr, dur.Milliseconds())
}

// finishTerminal marks the delivery failed. When an HTTP attempt was actually
// made (logEntry non-nil) it also advances the subscription's failure
// counters, possibly tripping the auto-disable; deliveries cut short because
// the subscription was deleted or deactivated say nothing about the endpoint
// and leave the counters alone.
func (d *Dispatcher) finishTerminal(ctx context.Context, delivery *types.WebhookDelivery, logEntry *types.DeliveryAttempt, status int, errMsg string, durationMS int64) {
	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":           types.DeliveryFailed,
		"last_error":      errMsg,
		"duration_ms":     durationMS,
		"next_attempt_at": nil,
		"completed_at":    now,
	}
	if logEntry != nil {
		updates["attempts"] = logEntry.Attempt
		updates["attempt_log"] = types.AppendAttempt(delivery.AttemptLog, *logEntry)
	}
	if status > 0 {
		updates["response_status"] = status
	}
	if _, err := d.dels.Finish(dbctx.Context{Ctx: ctx}, delivery.ID, updates); err != nil {
		d.log.Error("Record failed delivery failed", "delivery_id", delivery.ID, "error", err)
		return
	}

	var disabled bool
	if logEntry != nil {
		var err error
		disabled, err = d.subs.RecordFailure(dbctx.Context{Ctx: ctx}, delivery.SubscriptionID, d.cfg.DisableAfter)
		if err != nil {
			d.log.Warn("Record failure failed", "subscription_id", delivery.SubscriptionID, "error", err)
		}
	}
	d.log.Warn("Webhook delivery failed terminally",
		"delivery_id", delivery.ID,
		"event", delivery.Event,
		"error", errMsg,
	)
	if disabled {
		d.log.Error("Webhook subscription disabled after repeated failures",
			"subscription_id", delivery.SubscriptionID,
			"threshold", d.cfg.DisableAfter,
		)
	}
}

// post performs the signed HTTP POST. Success is strictly 2xx; everything
// else (other statuses, transport errors, timeouts) returns a non-empty
// error string.
func (d *Dispatcher) post(ctx context.Context, sub *types.WebhookSubscription, delivery *types.WebhookDelivery) (status int, dur time.Duration, errMsg string) {
	body := []byte(delivery.Payload)

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range sub.DecodedHeaders() {
		req.Header.Set(k, v)
	}
	req.Header.Set(HeaderSignature, SignatureHeader(sub.Secret, body))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().Unix(), 10))
	req.Header.Set(HeaderEvent, delivery.Event)
	req.Header.Set(HeaderDelivery, delivery.ID.String())

	start := time.Now()
	resp, err := d.client.Do(req)
	dur = time.Since(start)
	if err != nil {
		return 0, dur, fmt.Sprintf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, dur, fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, dur, ""
}

// Drain waits for in-flight attempts after the context is cancelled.
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// retryDelay is the fixed exponential webhook curve: base doubles per
// attempt, capped.
func retryDelay(cfg DispatcherConfig, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(cfg.RetryBase) * math.Pow(2, float64(attempt-1)))
	if d > cfg.RetryCap || d <= 0 {
		d = cfg.RetryCap
	}
	return d
}
