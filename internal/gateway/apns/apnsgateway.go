// Package apns provides the ios-platform gateway backed by the Apple Push
// Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	Push(n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
}

type Gateway struct {
	client APNSClient
	topic  string // the app bundle ID
	logger *slog.Logger
}

// NewGateway creates a configured APNS gateway. It parses the P8 key
// immediately to fail fast on startup if credentials are bad.
func NewGateway(cfg Config, logger *slog.Logger) (*Gateway, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	return &Gateway{
		client: apns2.NewTokenClient(tokenSource),
		topic:  cfg.BundleID,
		logger: logger.With("component", "APNSGateway"),
	}, nil
}

// NewGatewayWithClient wires a pre-built client; used by tests.
func NewGatewayWithClient(client APNSClient, bundleID string, logger *slog.Logger) *Gateway {
	return &Gateway{
		client: client,
		topic:  bundleID,
		logger: logger.With("component", "APNSGateway"),
	}
}

// Send pushes to a single device token. APNs is unary over HTTP/2, so one
// job maps to exactly one request.
func (g *Gateway) Send(_ context.Context, device notification.Device, msg notification.Message) notification.DeliveryOutcome {
	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body)
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	res, err := g.client.Push(&apns2.Notification{
		DeviceToken: device.Token,
		Topic:       g.topic,
		Payload:     builder,
	})
	if err != nil {
		return notification.Retryable(fmt.Errorf("apns transport failed: %w", err))
	}
	if res.Sent() {
		return notification.Sent(res.ApnsID)
	}

	switch res.Reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic, apns2.ReasonExpiredToken:
		return notification.InvalidToken(fmt.Errorf("apns rejected token: %s", res.Reason))
	case apns2.ReasonTooManyRequests:
		return notification.Retryable(fmt.Errorf("apns rate limited: %s", res.Reason))
	}
	if res.StatusCode >= 500 {
		return notification.Retryable(fmt.Errorf("apns unavailable: %s (status %d)", res.Reason, res.StatusCode))
	}
	// Remaining reasons (BadTopic, PayloadEmpty, ...) mean our request is
	// wrong, not the token.
	g.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
	return notification.Permanent(fmt.Errorf("apns rejected notification: %s", res.Reason))
}
