package events

import (
	"time"

	"github.com/google/uuid"
)

// Name is one member of the closed event vocabulary. The JSON payload of
// every event is part of the public webhook contract and only ever grows
// fields; nothing is renamed or removed.
type Name string

const (
	VideoCreatedName   Name = "video.created"
	VideoCompletedName Name = "video.completed"
	VideoFailedName    Name = "video.failed"

	RenderStartedName   Name = "render.started"
	RenderCompletedName Name = "render.completed"
	RenderFailedName    Name = "render.failed"

	CreditsLowName       Name = "credits.low"
	CreditsPurchasedName Name = "credits.purchased"

	AutomationTriggeredName Name = "automation.triggered"
	AutomationFailedName    Name = "automation.failed"

	// WebhookTestName is emitted by the operator test endpoint only.
	WebhookTestName Name = "webhook.test"
)

// Names lists the full vocabulary for validation of subscription requests.
var Names = []Name{
	VideoCreatedName, VideoCompletedName, VideoFailedName,
	RenderStartedName, RenderCompletedName, RenderFailedName,
	CreditsLowName, CreditsPurchasedName,
	AutomationTriggeredName, AutomationFailedName,
	WebhookTestName,
}

// KnownName reports whether s is a member of the vocabulary.
func KnownName(s string) bool {
	for _, n := range Names {
		if string(n) == s {
			return true
		}
	}
	return false
}

// Event is one emitted domain fact. The concrete payload struct is what the
// webhook dispatcher serializes into the delivery body.
type Event interface {
	EventName() Name
	EventOwner() uuid.UUID
}

type VideoCreated struct {
	UserID  uuid.UUID `json:"user_id"`
	VideoID string    `json:"video_id"`
	Title   string    `json:"title,omitempty"`
}

func (e VideoCreated) EventName() Name       { return VideoCreatedName }
func (e VideoCreated) EventOwner() uuid.UUID { return e.UserID }

type VideoCompleted struct {
	UserID   uuid.UUID `json:"user_id"`
	VideoID  string    `json:"video_id"`
	URL      string    `json:"url,omitempty"`
	Duration float64   `json:"duration_seconds,omitempty"`
}

func (e VideoCompleted) EventName() Name       { return VideoCompletedName }
func (e VideoCompleted) EventOwner() uuid.UUID { return e.UserID }

type VideoFailed struct {
	UserID  uuid.UUID `json:"user_id"`
	VideoID string    `json:"video_id"`
	Error   string    `json:"error,omitempty"`
}

func (e VideoFailed) EventName() Name       { return VideoFailedName }
func (e VideoFailed) EventOwner() uuid.UUID { return e.UserID }

// RenderStarted fires on the first step of a claimed render job.
type RenderStarted struct {
	UserID  uuid.UUID `json:"user_id"`
	JobID   uuid.UUID `json:"job_id"`
	Queue   string    `json:"queue"`
	JobType string    `json:"job_type"`
	Attempt int       `json:"attempt"`
}

func (e RenderStarted) EventName() Name       { return RenderStartedName }
func (e RenderStarted) EventOwner() uuid.UUID { return e.UserID }

type RenderCompleted struct {
	UserID       uuid.UUID `json:"user_id"`
	JobID        uuid.UUID `json:"job_id"`
	Queue        string    `json:"queue"`
	JobType      string    `json:"job_type"`
	Attempts     int       `json:"attempts"`
	ProcessingMS int64     `json:"processing_ms"`
}

func (e RenderCompleted) EventName() Name       { return RenderCompletedName }
func (e RenderCompleted) EventOwner() uuid.UUID { return e.UserID }

// RenderFailed fires when a job is dead-lettered, not on retryable failures.
type RenderFailed struct {
	UserID   uuid.UUID `json:"user_id"`
	JobID    uuid.UUID `json:"job_id"`
	Queue    string    `json:"queue"`
	JobType  string    `json:"job_type"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
}

func (e RenderFailed) EventName() Name       { return RenderFailedName }
func (e RenderFailed) EventOwner() uuid.UUID { return e.UserID }

type CreditsLow struct {
	UserID    uuid.UUID `json:"user_id"`
	Remaining int64     `json:"remaining"`
	Threshold int64     `json:"threshold"`
}

func (e CreditsLow) EventName() Name       { return CreditsLowName }
func (e CreditsLow) EventOwner() uuid.UUID { return e.UserID }

type CreditsPurchased struct {
	UserID  uuid.UUID `json:"user_id"`
	Credits int64     `json:"credits"`
	Balance int64     `json:"balance"`
}

func (e CreditsPurchased) EventName() Name       { return CreditsPurchasedName }
func (e CreditsPurchased) EventOwner() uuid.UUID { return e.UserID }

type AutomationTriggered struct {
	UserID       uuid.UUID `json:"user_id"`
	AutomationID string    `json:"automation_id"`
	Trigger      string    `json:"trigger,omitempty"`
	JobID        uuid.UUID `json:"job_id,omitempty"`
}

func (e AutomationTriggered) EventName() Name       { return AutomationTriggeredName }
func (e AutomationTriggered) EventOwner() uuid.UUID { return e.UserID }

type AutomationFailed struct {
	UserID       uuid.UUID `json:"user_id"`
	AutomationID string    `json:"automation_id"`
	Error        string    `json:"error,omitempty"`
}

func (e AutomationFailed) EventName() Name       { return AutomationFailedName }
func (e AutomationFailed) EventOwner() uuid.UUID { return e.UserID }

type WebhookTest struct {
	UserID         uuid.UUID `json:"user_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	SentAt         time.Time `json:"sent_at"`
}

func (e WebhookTest) EventName() Name       { return WebhookTestName }
func (e WebhookTest) EventOwner() uuid.UUID { return e.UserID }

// Remote wraps an event re-emitted from another node via the relay. The
// payload is the original node's serialized form; it is not re-typed.
type Remote struct {
	Name    Name      `json:"name"`
	OwnerID uuid.UUID `json:"owner_id"`
	Payload []byte    `json:"payload"`
}

func (e Remote) EventName() Name       { return e.Name }
func (e Remote) EventOwner() uuid.UUID { return e.OwnerID }
