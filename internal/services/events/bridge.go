package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
)

// forwardedTypes are the lifecycle events mirrored to the external bus.
// Audit entries reach the bus through the audit-log queue worker instead.
var forwardedTypes = []interfaces.EventType{
	interfaces.EventJobCreated,
	interfaces.EventJobStatusChanged,
	interfaces.EventJobCancelRequested,
	interfaces.EventMessageDeadLetter,
}

// Forward subscribes publisher to the job lifecycle events of service.
// Progress events stay local.
func Forward(service interfaces.EventService, publisher interfaces.EventPublisher, logger arbor.ILogger) error {
	handler := func(ctx context.Context, event interfaces.Event) error {
		// Publish runs handlers after the caller may have returned.
		return publisher.PublishEvent(context.WithoutCancel(ctx), event)
	}
	for _, eventType := range forwardedTypes {
		if err := service.Subscribe(eventType, handler); err != nil {
			return fmt.Errorf("failed to forward %s: %w", eventType, err)
		}
	}
	logger.Info().Int("event_type_count", len(forwardedTypes)).Msg("Job events forwarded to external bus")
	return nil
}
