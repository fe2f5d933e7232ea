// Package dispatch defines the service contracts between the pipeline, the
// device registry, the provider gateways and the delivery tracker.
package dispatch

import (
	"context"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Gateway sends one rendered message to one device and translates the
// provider response into a DeliveryOutcome. Only unrecoverable transport
// faults surface inside the outcome as retryable; Send never returns a raw
// provider error to the caller.
type Gateway interface {
	Send(ctx context.Context, device notification.Device, msg notification.Message) notification.DeliveryOutcome
}

// DeviceStore manages device push-token records. It is the single owner of
// Device state; it never contacts a provider itself.
type DeviceStore interface {
	// Register upserts a device token. Idempotent on an identical token;
	// a different token supersedes the old record and bumps TokenVersion.
	Register(ctx context.Context, user urn.URN, deviceID, token string, platform notification.Platform) (*notification.Device, error)

	// Revoke marks the device dead so later lookups exclude it.
	// Idempotent: revoking an already-revoked or unknown device is not an error.
	Revoke(ctx context.Context, user urn.URN, deviceID, reason string) error

	// Lookup returns the user's non-revoked devices. An empty slice is a
	// valid result, not an error.
	Lookup(ctx context.Context, user urn.URN) ([]notification.Device, error)
}

// RosterResolver resolves a broadcast scope to member user IDs. Backed by
// an external membership service; consumed here only as an interface.
type RosterResolver interface {
	ResolveBroadcast(ctx context.Context, scope string) ([]urn.URN, error)
}

// StatusSink receives delivery-confirmed and delivery-abandoned events.
// Emission is fire-and-forget: implementations log failures but never
// propagate them into the delivery path.
type StatusSink interface {
	Emit(ctx context.Context, ev notification.StatusEvent)
}

// DeliveryRecorder is the tracker as seen by the queue workers. It records
// the outcome (including registry revocation on invalid tokens) and returns
// the disposition the queue should apply. The queue remains the only writer
// of job state.
type DeliveryRecorder interface {
	RecordOutcome(ctx context.Context, job notification.DeliveryJob, outcome notification.DeliveryOutcome) notification.Disposition

	// RecordAbandoned reports a job the queue abandoned itself, either from
	// exhausted retries or a bulk cancellation.
	RecordAbandoned(ctx context.Context, job notification.DeliveryJob, reason string)
}
