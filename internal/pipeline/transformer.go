// Package pipeline contains the Pub/Sub message processing components that
// feed the ingest service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/memberhub/go-push-dispatch/pkg/notification"
)

// NotificationEventTransformer safely unmarshals and validates a raw
// message payload into a structured notification.NotificationEvent.
//
// On failure it returns skip=true so the StreamingService can handle the
// Nack/DLQ logic: a payload that does not parse today will not parse
// tomorrow either.
func NotificationEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*notification.NotificationEvent, bool, error) {
	var ev notification.NotificationEvent

	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal notification event from message %s: %w", msg.ID, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, true, fmt.Errorf("invalid notification event in message %s: %w", msg.ID, err)
	}

	return &ev, false, nil
}
