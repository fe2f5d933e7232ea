// Package web provides the web-platform gateway using VAPID web push.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// Config holds the VAPID signing material.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

type Gateway struct {
	subscriber string
	privateKey string
	publicKey  string
	logger     *slog.Logger
	httpClient *http.Client
}

func NewGateway(cfg Config, logger *slog.Logger) *Gateway {
	return &Gateway{
		privateKey: cfg.PrivateKey,
		publicKey:  cfg.PublicKey,
		subscriber: cfg.SubscriberEmail,
		logger:     logger.With("component", "WebPushGateway"),
		httpClient: &http.Client{},
	}
}

// Send pushes to one web device. The registry stores the serialized push
// subscription as the device's opaque token; a token that no longer parses
// is as dead as one the push service reports gone.
func (g *Gateway) Send(_ context.Context, device notification.Device, msg notification.Message) notification.DeliveryOutcome {
	var sub webpush.Subscription
	if err := json.Unmarshal([]byte(device.Token), &sub); err != nil {
		return notification.InvalidToken(fmt.Errorf("malformed web subscription: %w", err))
	}

	payloadBytes, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return notification.Permanent(fmt.Errorf("failed to marshal payload: %w", err))
	}

	resp, err := webpush.SendNotification(payloadBytes, &sub, &webpush.Options{
		Subscriber:      g.subscriber,
		VAPIDPublicKey:  g.publicKey,
		VAPIDPrivateKey: g.privateKey,
		TTL:             60,
		HTTPClient:      g.httpClient,
	})
	if err != nil {
		return notification.Retryable(fmt.Errorf("web push transport failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		return notification.Sent(fmt.Sprintf("webpush:%d", resp.StatusCode))
	case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
		// Subscription is dead, return for revocation.
		return notification.InvalidToken(fmt.Errorf("web subscription gone (status %d)", resp.StatusCode))
	case resp.StatusCode == http.StatusTooManyRequests:
		return notification.Retryable(fmt.Errorf("web push rate limited (status %d)", resp.StatusCode))
	case resp.StatusCode >= 500:
		return notification.Retryable(fmt.Errorf("push service unavailable (status %d)", resp.StatusCode))
	default:
		g.logger.Warn("Web push rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
		return notification.Permanent(fmt.Errorf("web push rejected (status %d)", resp.StatusCode))
	}
}
