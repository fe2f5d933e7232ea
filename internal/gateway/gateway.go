// Package gateway routes delivery jobs to the provider gateway matching the
// device platform.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memberhub/go-push-dispatch/pkg/dispatch"
	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// Mux selects the platform gateway for a device. A device on a platform
// with no registered gateway is a configuration problem, not a token
// problem, so it surfaces as a permanent failure.
type Mux struct {
	gateways map[notification.Platform]dispatch.Gateway
	logger   *slog.Logger
}

func NewMux(logger *slog.Logger) *Mux {
	return &Mux{
		gateways: make(map[notification.Platform]dispatch.Gateway),
		logger:   logger.With("component", "GatewayMux"),
	}
}

func (m *Mux) Register(platform notification.Platform, gw dispatch.Gateway) {
	m.gateways[platform] = gw
}

func (m *Mux) Send(ctx context.Context, device notification.Device, msg notification.Message) notification.DeliveryOutcome {
	gw, ok := m.gateways[device.Platform]
	if !ok {
		return notification.Permanent(fmt.Errorf("no gateway registered for platform %q", device.Platform))
	}
	return gw.Send(ctx, device, msg)
}
