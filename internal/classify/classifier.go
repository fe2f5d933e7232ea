// Package classify maps inbound events onto the closed template registry
// and resolves the recipient device set for fan-out.
package classify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// Template defines the payload contract and rendering for one event type.
type Template struct {
	Required []string
	Render   func(payload map[string]string) (title, body string)
}

// templates is the closed registry. There is deliberately no default entry:
// an unknown type is a rejection, not a guess.
var templates = map[notification.EventType]Template{
	notification.EventReunionReminder: {
		Required: []string{"title", "startsAt"},
		Render: func(p map[string]string) (string, string) {
			return "Reunion reminder", fmt.Sprintf("%s starts at %s", p["title"], p["startsAt"])
		},
	},
	notification.EventFinanceDue: {
		Required: []string{"amount", "dueDate"},
		Render: func(p map[string]string) (string, string) {
			return "Payment due", fmt.Sprintf("%s is due by %s", p["amount"], p["dueDate"])
		},
	},
	notification.EventAnnouncement: {
		Required: []string{"title", "body"},
		Render: func(p map[string]string) (string, string) {
			return p["title"], p["body"]
		},
	},
}

type Classifier struct {
	devices dispatch.DeviceStore
	roster  dispatch.RosterResolver
	logger  *slog.Logger
}

func New(devices dispatch.DeviceStore, roster dispatch.RosterResolver, logger *slog.Logger) *Classifier {
	return &Classifier{
		devices: devices,
		roster:  roster,
		logger:  logger.With("component", "Classifier"),
	}
}

// Classify validates the event against its template and resolves the
// recipient devices. Validation happens before any lookup so a rejected
// event never produces partial fan-out. An empty device set is a valid
// result (the user simply has nothing registered).
func (c *Classifier) Classify(ctx context.Context, ev *notification.NotificationEvent) (notification.Message, []notification.Device, error) {
	if err := ev.Validate(); err != nil {
		return notification.Message{}, nil, err
	}

	tmpl, ok := templates[ev.Type]
	if !ok {
		return notification.Message{}, nil, fmt.Errorf("%w: %q", notification.ErrUnknownEventType, ev.Type)
	}

	for _, field := range tmpl.Required {
		if ev.Payload[field] == "" {
			return notification.Message{}, nil, &notification.MissingFieldError{Field: field}
		}
	}

	title, body := tmpl.Render(ev.Payload)
	msg := notification.Message{
		Title: title,
		Body:  body,
		Data:  dataPayload(ev),
	}

	recipients, err := c.resolveRecipients(ctx, ev)
	if err != nil {
		return notification.Message{}, nil, err
	}
	return msg, recipients, nil
}

func (c *Classifier) resolveRecipients(ctx context.Context, ev *notification.NotificationEvent) ([]notification.Device, error) {
	var users []urn.URN

	if ev.Target.UserID != "" {
		user, err := urn.Parse(ev.Target.UserID)
		if err != nil {
			return nil, fmt.Errorf("invalid target user_id %q: %w", ev.Target.UserID, err)
		}
		users = []urn.URN{user}
	} else {
		members, err := c.roster.ResolveBroadcast(ctx, ev.Target.Broadcast)
		if err != nil {
			return nil, fmt.Errorf("broadcast resolution failed for scope %q: %w", ev.Target.Broadcast, err)
		}
		users = members
	}

	var devices []notification.Device
	for _, user := range users {
		found, err := c.devices.Lookup(ctx, user)
		if err != nil {
			return nil, fmt.Errorf("device lookup failed for %s: %w", user.String(), err)
		}
		devices = append(devices, found...)
	}

	if len(devices) == 0 {
		c.logger.Info("No devices registered for event recipients", "event_id", ev.EventID)
	}
	return devices, nil
}

// dataPayload builds the provider data fields: the raw payload plus the
// event identity so clients can route taps back to the right screen.
func dataPayload(ev *notification.NotificationEvent) map[string]string {
	data := make(map[string]string, len(ev.Payload)+2)
	for k, v := range ev.Payload {
		data[k] = v
	}
	data["event_id"] = ev.EventID
	data["type"] = string(ev.Type)
	return data
}
