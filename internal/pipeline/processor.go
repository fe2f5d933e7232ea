package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/memberhub/go-push-dispatch/internal/ingest"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// NewProcessor feeds transformed events into the ingest service.
// Returning an error nacks the message; classification rejections then ride
// the subscription's dead-letter policy while transient ingestion failures
// get redelivered.
func NewProcessor(ingestor *ingest.Service, logger *slog.Logger) messagepipeline.StreamProcessor[notification.NotificationEvent] {
	return func(ctx context.Context, original messagepipeline.Message, ev *notification.NotificationEvent) error {
		procLogger := logger.With(
			"event_id", ev.EventID,
			"pubsub_msg_id", original.ID,
		)

		if err := ingestor.SubmitEvent(ctx, ev); err != nil {
			if notification.IsRejection(err) {
				procLogger.Error("Event rejected, routing to dead letter", "err", err)
			} else {
				procLogger.Error("Event ingestion failed", "err", err)
			}
			return err
		}
		return nil
	}
}
