// Package api contains the HTTP handlers for event submission and device
// registration.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"

	"github.com/memberhub/go-push-dispatch/internal/ingest"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

type EventAPI struct {
	Ingest *ingest.Service
	Logger *slog.Logger
}

func NewEventAPI(ingestor *ingest.Service, logger *slog.Logger) *EventAPI {
	return &EventAPI{
		Ingest: ingestor,
		Logger: logger,
	}
}

// SubmitEvent accepts a notification event for asynchronous delivery.
// The submitter only learns acceptance here; per-device delivery status is
// served by EventStatus.
func (api *EventAPI) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ev notification.NotificationEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := api.Ingest.SubmitEvent(ctx, &ev); err != nil {
		if notification.IsRejection(err) {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		api.Logger.Error("Event ingestion failed", "event_id", ev.EventID, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": ev.EventID,
	})
}

// CancelEvent bulk-abandons the event's non-terminal jobs, e.g. a retracted
// announcement.
func (api *EventAPI) CancelEvent(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	if eventID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing event id")
		return
	}

	cancelled := api.Ingest.CancelEvent(r.Context(), eventID)
	writeJSON(w, http.StatusOK, map[string]any{
		"event_id":  eventID,
		"cancelled": cancelled,
	})
}

// EventStatus serves the asynchronous per-device delivery status query.
func (api *EventAPI) EventStatus(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventID")
	if eventID == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing event id")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"event_id": eventID,
		"jobs":     api.Ingest.EventStatus(eventID),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
