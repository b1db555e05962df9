package events

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
)

// AllEventTypes lists every event type the service publishes.
var AllEventTypes = []interfaces.EventType{
	interfaces.EventJobCreated,
	interfaces.EventJobStatusChanged,
	interfaces.EventJobProgress,
	interfaces.EventJobCancelRequested,
	interfaces.EventMessageDeadLetter,
	interfaces.EventAuditRecorded,
}

// NewLoggerSubscriber creates an event handler that logs all events
func NewLoggerSubscriber(logger arbor.ILogger) interfaces.EventHandler {
	return func(ctx context.Context, event interfaces.Event) error {
		var jobID, status, queueName string
		if payload, ok := event.Payload.(map[string]interface{}); ok {
			if id, ok := payload["job_id"].(string); ok {
				jobID = id
			}
			if s, ok := payload["status"].(string); ok {
				status = s
			}
			if q, ok := payload["queue"].(string); ok {
				queueName = q
			}
		}

		logEvent := logger.Debug().
			Str("event_type", string(event.Type))

		if jobID != "" {
			logEvent = logEvent.Str("job_id", jobID)
		}
		if status != "" {
			logEvent = logEvent.Str("status", status)
		}
		if queueName != "" {
			logEvent = logEvent.Str("queue", queueName)
		}

		logEvent.Msg("Event published")

		return nil
	}
}

// SubscribeLoggerToAllEvents subscribes the logger to all known event types
func SubscribeLoggerToAllEvents(eventService interfaces.EventService, logger arbor.ILogger) error {
	subscriber := NewLoggerSubscriber(logger)

	for _, eventType := range AllEventTypes {
		if err := eventService.Subscribe(eventType, subscriber); err != nil {
			return fmt.Errorf("failed to subscribe logger to event type %s: %w", eventType, err)
		}
	}

	logger.Info().
		Int("event_type_count", len(AllEventTypes)).
		Msg("Logger subscribed to all event types")

	return nil
}
