// Package fcm provides the android-platform gateway backed by Firebase
// Cloud Messaging.
package fcm

import (
	"context"
	"fmt"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
}

type Gateway struct {
	client MessagingClient
	logger *slog.Logger
}

// NewGateway accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewGateway(client MessagingClient, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		logger: logger.With("component", "FCMGateway"),
	}
}

// Send delivers one message to one device token and translates the SDK's
// error classes into outcome kinds. Unknown errors are treated as
// retryable transport faults.
func (g *Gateway) Send(ctx context.Context, device notification.Device, msg notification.Message) notification.DeliveryOutcome {
	fcmMsg := &messaging.Message{
		Token: device.Token,
		Data:  msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
	}

	id, err := g.client.Send(ctx, fcmMsg)
	if err == nil {
		return notification.Sent(id)
	}

	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		// The token is dead. The tracker revokes it; we never retry.
		return notification.InvalidToken(fmt.Errorf("fcm token not registered: %w", err))
	case messaging.IsInvalidArgument(err):
		return notification.Permanent(fmt.Errorf("fcm rejected message: %w", err))
	case messaging.IsQuotaExceeded(err):
		return notification.Retryable(fmt.Errorf("fcm quota exceeded: %w", err))
	case messaging.IsUnavailable(err), messaging.IsInternal(err):
		return notification.Retryable(fmt.Errorf("fcm unavailable: %w", err))
	default:
		g.logger.Warn("FCM transport failure", "device_id", device.DeviceID, "err", err)
		return notification.Retryable(fmt.Errorf("fcm transport failed: %w", err))
	}
}
