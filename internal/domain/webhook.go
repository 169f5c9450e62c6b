package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	SubscriptionActive   = "active"
	SubscriptionInactive = "inactive"
	// SubscriptionDisabled is set automatically after repeated delivery
	// failures. Only an operator flips it back to active.
	SubscriptionDisabled = "disabled"
)

// EventWildcard subscribes an endpoint to every event name.
const EventWildcard = "*"

type WebhookSubscription struct {
	ID                  uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	URL                 string         `gorm:"column:url;not null" json:"url"`
	Events              datatypes.JSON `gorm:"column:events" json:"events"`
	Status              string         `gorm:"column:status;not null;index" json:"status"`
	Secret              string         `gorm:"column:secret;not null" json:"-"`
	Headers             datatypes.JSON `gorm:"column:headers" json:"headers,omitempty"`
	MaxRetries          int            `gorm:"column:max_retries;not null;default:5" json:"max_retries"`
	SuccessCount        int64          `gorm:"column:success_count;not null;default:0" json:"success_count"`
	FailureCount        int64          `gorm:"column:failure_count;not null;default:0" json:"failure_count"`
	ConsecutiveFailures int            `gorm:"column:consecutive_failures;not null;default:0" json:"consecutive_failures"`
	LastTriggeredAt     *time.Time     `gorm:"column:last_triggered_at" json:"last_triggered_at,omitempty"`
	LastSuccessAt       *time.Time     `gorm:"column:last_success_at" json:"last_success_at,omitempty"`
	LastFailureAt       *time.Time     `gorm:"column:last_failure_at" json:"last_failure_at,omitempty"`
	CreatedAt           time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"not null" json:"updated_at"`
}

func (WebhookSubscription) TableName() string { return "webhook_subscriptions" }

// DecodedEvents returns the subscribed event names, never nil.
func (s *WebhookSubscription) DecodedEvents() []string {
	if s == nil || len(s.Events) == 0 {
		return []string{}
	}
	var events []string
	if err := json.Unmarshal(s.Events, &events); err != nil {
		return []string{}
	}
	return events
}

// ListensTo reports whether the subscription covers the given event name,
// either literally or via the wildcard.
func (s *WebhookSubscription) ListensTo(event string) bool {
	for _, e := range s.DecodedEvents() {
		if e == event || e == EventWildcard {
			return true
		}
	}
	return false
}

// DecodedHeaders returns the custom header map, never nil.
func (s *WebhookSubscription) DecodedHeaders() map[string]string {
	if s == nil || len(s.Headers) == 0 {
		return map[string]string{}
	}
	var headers map[string]string
	if err := json.Unmarshal(s.Headers, &headers); err != nil {
		return map[string]string{}
	}
	return headers
}

const (
	DeliveryPending   = "pending"
	DeliveryRetrying  = "retrying"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// WebhookDelivery is one emitted event bound to one subscription. The row id
// is stable across attempts (receivers dedup on it); each attempt is appended
// to AttemptLog and mutates the counters in place.
type WebhookDelivery struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	SubscriptionID uuid.UUID      `gorm:"type:uuid;not null;index" json:"subscription_id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Event          string         `gorm:"column:event;not null;index" json:"event"`
	Payload        datatypes.JSON `gorm:"column:payload" json:"payload"`
	State          string         `gorm:"column:state;not null;index" json:"state"`
	Attempts       int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	MaxRetries     int            `gorm:"column:max_retries;not null;default:5" json:"max_retries"`
	ResponseStatus *int           `gorm:"column:response_status" json:"response_status,omitempty"`
	LastError      string         `gorm:"column:last_error" json:"last_error,omitempty"`
	DurationMS     int64          `gorm:"column:duration_ms;not null;default:0" json:"duration_ms"`
	AttemptLog     datatypes.JSON `gorm:"column:attempt_log" json:"attempt_log,omitempty"`
	NextAttemptAt  *time.Time     `gorm:"column:next_attempt_at;index" json:"next_attempt_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time      `gorm:"not null;index" json:"created_at"`
	UpdatedAt      time.Time      `gorm:"not null" json:"updated_at"`
}

func (WebhookDelivery) TableName() string { return "webhook_deliveries" }

// DeliveryAttempt is one AttemptLog entry.
type DeliveryAttempt struct {
	Attempt    int       `json:"attempt"`
	At         time.Time `json:"at"`
	Status     int       `json:"status,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
}

// AppendAttempt returns the attempt log with one more entry. A corrupt
// existing log is replaced rather than propagated.
func AppendAttempt(raw datatypes.JSON, attempt DeliveryAttempt) datatypes.JSON {
	var log []DeliveryAttempt
	if len(raw) > 0 && string(raw) != "null" {
		_ = json.Unmarshal(raw, &log)
	}
	log = append(log, attempt)
	b, err := json.Marshal(log)
	if err != nil {
		return raw
	}
	return datatypes.JSON(b)
}
