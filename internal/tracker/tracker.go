// Package tracker records per-job delivery outcomes, emits status events to
// the observability sink and feeds token invalidation back into the device
// registry.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

const revokeReason = "provider reported invalid token"

type Tracker struct {
	devices dispatch.DeviceStore
	sink    dispatch.StatusSink
	logger  *slog.Logger
}

func New(devices dispatch.DeviceStore, sink dispatch.StatusSink, logger *slog.Logger) *Tracker {
	return &Tracker{
		devices: devices,
		sink:    sink,
		logger:  logger.With("component", "DeliveryTracker"),
	}
}

// RecordOutcome translates a gateway outcome into the disposition the queue
// should apply, performing the tracker's side effects on the way: status
// events for terminal outcomes and registry revocation for dead tokens.
// Revocation is the sole path by which the registry learns a token is dead.
func (t *Tracker) RecordOutcome(ctx context.Context, job notification.DeliveryJob, outcome notification.DeliveryOutcome) notification.Disposition {
	switch outcome.Kind {
	case notification.OutcomeSent:
		t.sink.Emit(ctx, t.statusEvent(job, notification.StatusDeliveryConfirmed, outcome.Receipt, ""))
		return notification.DispositionSent

	case notification.OutcomeInvalidToken:
		t.revoke(ctx, job.Device)
		t.sink.Emit(ctx, t.statusEvent(job, notification.StatusDeliveryAbandoned, "", revokeReason))
		return notification.DispositionAbandon

	case notification.OutcomePermanent:
		reason := "permanent failure"
		if outcome.Err != nil {
			reason = outcome.Err.Error()
		}
		t.logger.Error("Permanent delivery failure", "event_id", job.EventID, "device_id", job.Device.DeviceID, "err", outcome.Err)
		t.sink.Emit(ctx, t.statusEvent(job, notification.StatusDeliveryAbandoned, "", reason))
		return notification.DispositionAbandon

	default:
		return notification.DispositionRetry
	}
}

// RecordAbandoned reports a job the queue abandoned itself (exhausted
// retries or bulk cancellation). Abandonment is reported, never dropped.
func (t *Tracker) RecordAbandoned(ctx context.Context, job notification.DeliveryJob, reason string) {
	t.logger.Warn("Delivery abandoned", "event_id", job.EventID, "device_id", job.Device.DeviceID, "attempts", job.AttemptCount, "reason", reason)
	t.sink.Emit(ctx, t.statusEvent(job, notification.StatusDeliveryAbandoned, "", reason))
}

// revoke marks the device dead in the registry. A transient failure does
// not hold up the job: the retry continues in the background, detached from
// the delivery context.
func (t *Tracker) revoke(ctx context.Context, device notification.Device) {
	err := t.devices.Revoke(ctx, device.UserID, device.DeviceID, revokeReason)
	if err == nil {
		t.logger.Info("Revoked invalid device token", "user", device.UserID.String(), "device_id", device.DeviceID)
		return
	}
	t.logger.Warn("Revocation failed, retrying in background", "device_id", device.DeviceID, "err", err)

	go func() {
		retryCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		delay := time.Second
		for attempt := 0; attempt < 5; attempt++ {
			select {
			case <-retryCtx.Done():
				return
			case <-time.After(delay):
			}
			if err := t.devices.Revoke(retryCtx, device.UserID, device.DeviceID, revokeReason); err == nil {
				t.logger.Info("Revoked invalid device token after retry", "device_id", device.DeviceID)
				return
			}
			delay *= 2
		}
		t.logger.Error("Giving up on token revocation", "user", device.UserID.String(), "device_id", device.DeviceID)
	}()
}

func (t *Tracker) statusEvent(job notification.DeliveryJob, status, receipt, reason string) notification.StatusEvent {
	return notification.StatusEvent{
		ID:       uuid.NewString(),
		Status:   status,
		EventID:  job.EventID,
		UserID:   job.Device.UserID.String(),
		DeviceID: job.Device.DeviceID,
		Attempts: job.AttemptCount,
		Receipt:  receipt,
		Reason:   reason,
		At:       time.Now().UTC(),
	}
}
