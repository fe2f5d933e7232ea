// Package notification contains the public domain models for the push
// dispatch service: devices, events, delivery jobs and outcomes.
package notification

import (
	"fmt"
	"time"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Platform identifies the push provider a device token belongs to.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// ParsePlatform validates a raw platform string from the wire.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformAndroid, PlatformIOS, PlatformWeb:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

// Device is a registered push target for one user.
// At most one non-revoked token exists per (UserID, DeviceID); re-registering
// with a different token supersedes the old one and bumps TokenVersion.
// For web devices Token holds the serialized push subscription.
type Device struct {
	UserID       urn.URN   `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	Token        string    `json:"token"`
	TokenVersion int       `json:"token_version"`
	Platform     Platform  `json:"platform"`
	RegisteredAt time.Time `json:"registered_at"`
	Revoked      bool      `json:"revoked"`
}

// Key identifies the device across users (DeviceID alone is only unique
// within a user).
func (d Device) Key() string {
	return d.UserID.String() + "/" + d.DeviceID
}

// EventType is the closed set of notification event types. Unknown values
// are rejected at ingestion, never defaulted.
type EventType string

const (
	EventReunionReminder EventType = "reunion_reminder"
	EventFinanceDue      EventType = "finance_due"
	EventAnnouncement    EventType = "announcement"
)

// TargetSelector addresses an event at a single user or a broadcast scope.
// Exactly one field must be set.
type TargetSelector struct {
	UserID    string `json:"user_id,omitempty"`
	Broadcast string `json:"broadcast,omitempty"`
}

// NotificationEvent is an inbound event from upstream business logic.
// EventID is the caller-supplied idempotency key; the event is immutable
// once accepted.
type NotificationEvent struct {
	EventID string            `json:"event_id"`
	Type    EventType         `json:"type"`
	Payload map[string]string `json:"payload,omitempty"`
	Target  TargetSelector    `json:"target"`
}

// Validate checks the structural invariants that hold for every event type.
// Template-level payload validation lives with the classifier.
func (e *NotificationEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if (e.Target.UserID == "") == (e.Target.Broadcast == "") {
		return fmt.Errorf("target must set exactly one of user_id or broadcast")
	}
	return nil
}

// Message is the rendered notification content handed to a provider gateway.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// JobState is the delivery job lifecycle state.
type JobState string

const (
	JobPending   JobState = "pending"
	JobSent      JobState = "sent"
	JobFailed    JobState = "failed"
	JobAbandoned JobState = "abandoned"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobSent || s == JobAbandoned
}

// JobKey identifies a delivery job: one job exists per (event, device).
type JobKey struct {
	EventID   string
	DeviceKey string
}

// DeliveryJob is one unit of outbound delivery work. The queue owns all
// state transitions; the device and message are snapshots taken at fan-out.
type DeliveryJob struct {
	EventID       string    `json:"event_id"`
	Device        Device    `json:"device"`
	Message       Message   `json:"message"`
	State         JobState  `json:"state"`
	AttemptCount  int       `json:"attempt_count"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Key returns the job's identity.
func (j *DeliveryJob) Key() JobKey {
	return JobKey{EventID: j.EventID, DeviceKey: j.Device.Key()}
}

// Status is the queryable snapshot of a job exposed over the API.
func (j *DeliveryJob) Status() JobStatus {
	return JobStatus{
		EventID:      j.EventID,
		UserID:       j.Device.UserID.String(),
		DeviceID:     j.Device.DeviceID,
		State:        j.State,
		AttemptCount: j.AttemptCount,
		LastError:    j.LastError,
		UpdatedAt:    j.UpdatedAt,
	}
}

// JobStatus is the read-only per-device delivery status.
type JobStatus struct {
	EventID      string    `json:"event_id"`
	UserID       string    `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	State        JobState  `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	LastError    string    `json:"last_error,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// OutcomeKind classifies a provider response.
type OutcomeKind string

const (
	OutcomeSent         OutcomeKind = "sent"
	OutcomeRetryable    OutcomeKind = "retryable_failure"
	OutcomeInvalidToken OutcomeKind = "invalid_token"
	OutcomePermanent    OutcomeKind = "permanent_failure"
)

// DeliveryOutcome is the gateway's translation of a provider response.
// Business-level rejections are values here, never raw errors.
type DeliveryOutcome struct {
	Kind    OutcomeKind
	Receipt string
	Err     error
}

func Sent(receipt string) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeSent, Receipt: receipt}
}

func Retryable(err error) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeRetryable, Err: err}
}

func InvalidToken(err error) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomeInvalidToken, Err: err}
}

func Permanent(err error) DeliveryOutcome {
	return DeliveryOutcome{Kind: OutcomePermanent, Err: err}
}

// Disposition is the tracker's verdict on what the queue should do with a
// job after an outcome has been recorded.
type Disposition int

const (
	DispositionSent Disposition = iota
	DispositionRetry
	DispositionAbandon
)

// StatusEvent is the fire-and-forget delivery status record emitted to the
// observability sink.
type StatusEvent struct {
	ID       string    `json:"id"`
	Status   string    `json:"status"`
	EventID  string    `json:"event_id"`
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	Attempts int       `json:"attempts"`
	Receipt  string    `json:"receipt,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

const (
	StatusDeliveryConfirmed = "delivery_confirmed"
	StatusDeliveryAbandoned = "delivery_abandoned"
)
