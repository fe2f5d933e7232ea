// Package sink emits delivery status events for observability consumers.
// Emission is fire-and-forget: a failed emit is logged, never propagated
// into the delivery path.
package sink

import (
	"context"
	"encoding/json"
	"log/slog"

	"cloud.google.com/go/pubsub/v2"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// PubsubSink publishes status events as JSON to a Pub/Sub topic.
type PubsubSink struct {
	publisher *pubsub.Publisher
	logger    *slog.Logger
}

func NewPubsubSink(client *pubsub.Client, topicID string, logger *slog.Logger) *PubsubSink {
	return &PubsubSink{
		publisher: client.Publisher(topicID),
		logger:    logger.With("component", "StatusSink"),
	}
}

func (s *PubsubSink) Emit(ctx context.Context, ev notification.StatusEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to marshal status event", "status_id", ev.ID, "err", err)
		return
	}

	result := s.publisher.Publish(ctx, &pubsub.Message{Data: payload})
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			s.logger.Warn("Status event publish failed", "status_id", ev.ID, "status", ev.Status, "err", err)
		}
	}()
}

// Close flushes pending publishes.
func (s *PubsubSink) Close() {
	s.publisher.Stop()
}
