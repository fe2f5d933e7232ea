package sink

import (
	"context"
	"log/slog"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// LogSink writes status events to the structured log. Used when no status
// topic is configured (local runs, tests).
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "StatusSink")}
}

func (s *LogSink) Emit(_ context.Context, ev notification.StatusEvent) {
	s.logger.Info("Delivery status",
		"status", ev.Status,
		"event_id", ev.EventID,
		"user_id", ev.UserID,
		"device_id", ev.DeviceID,
		"attempts", ev.Attempts,
		"reason", ev.Reason,
	)
}
