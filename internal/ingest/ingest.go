// Package ingest is the single entry point for inbound events, shared by
// the HTTP API and the Pub/Sub pipeline: classify, fan out, enqueue.
package ingest

import (
	"context"
	"log/slog"

	"github.com/memberhub/go-push-dispatch/internal/classify"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// JobQueue is the slice of the delivery queue the ingest path needs.
type JobQueue interface {
	Enqueue(jobs []notification.DeliveryJob) int
	CancelEvent(ctx context.Context, eventID string) int
	EventStatus(eventID string) []notification.JobStatus
}

type Service struct {
	classifier *classify.Classifier
	queue      JobQueue
	logger     *slog.Logger
}

func New(classifier *classify.Classifier, queue JobQueue, logger *slog.Logger) *Service {
	return &Service{
		classifier: classifier,
		queue:      queue,
		logger:     logger.With("component", "Ingest"),
	}
}

// SubmitEvent accepts or rejects an event. Classification errors reject the
// whole event before any job exists, so a rejected event never produces
// partial fan-out. Acceptance is idempotent on EventID: the queue refuses
// duplicate (event, device) jobs, so resubmitting an identical event is a
// no-op. Per-device delivery status is not part of the answer; it is
// queryable asynchronously via EventStatus.
func (s *Service) SubmitEvent(ctx context.Context, ev *notification.NotificationEvent) error {
	msg, devices, err := s.classifier.Classify(ctx, ev)
	if err != nil {
		s.logger.Warn("Event rejected", "event_id", ev.EventID, "type", ev.Type, "err", err)
		return err
	}

	jobs := make([]notification.DeliveryJob, 0, len(devices))
	for _, device := range devices {
		jobs = append(jobs, notification.DeliveryJob{
			EventID: ev.EventID,
			Device:  device,
			Message: msg,
		})
	}

	created := s.queue.Enqueue(jobs)
	s.logger.Info("Event accepted", "event_id", ev.EventID, "type", ev.Type, "devices", len(devices), "jobs_created", created)
	return nil
}

// CancelEvent abandons the event's in-flight jobs in bulk.
func (s *Service) CancelEvent(ctx context.Context, eventID string) int {
	cancelled := s.queue.CancelEvent(ctx, eventID)
	s.logger.Info("Event cancelled", "event_id", eventID, "jobs_cancelled", cancelled)
	return cancelled
}

// EventStatus returns the per-device delivery status snapshots.
func (s *Service) EventStatus(eventID string) []notification.JobStatus {
	return s.queue.EventStatus(eventID)
}
