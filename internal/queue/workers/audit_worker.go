package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// AuditWorker flushes audit-log entries to the external event sink.
type AuditWorker struct {
	publisher interfaces.EventPublisher // Optional: nil writes to the log only
	logger    arbor.ILogger
}

var _ interfaces.JobWorker = (*AuditWorker)(nil)

// NewAuditWorker creates the audit-log queue worker.
func NewAuditWorker(publisher interfaces.EventPublisher, logger arbor.ILogger) *AuditWorker {
	return &AuditWorker{publisher: publisher, logger: logger}
}

// GetQueueName returns the queue this worker consumes.
func (w *AuditWorker) GetQueueName() string {
	return queue.QueueAuditLog
}

// Execute publishes one audit entry.
func (w *AuditWorker) Execute(ctx context.Context, msg *models.QueueMessage) error {
	var entry models.AuditMessage
	if err := msg.Decode(&entry); err != nil {
		return models.NewBusinessError("malformed audit entry", err)
	}
	if err := payloadValidator.Struct(entry); err != nil {
		return models.NewBusinessError("invalid audit entry", err)
	}

	w.logger.Info().
		Str("action", entry.Action).
		Str("entity_type", entry.EntityType).
		Str("entity_id", entry.EntityID).
		Str("actor_id", entry.ActorID).
		Str("tenant_id", msg.TenantID).
		Msg("Audit entry")

	if w.publisher == nil {
		return nil
	}
	event := interfaces.Event{
		Type: interfaces.EventAuditRecorded,
		Payload: map[string]interface{}{
			"message_id":  msg.ID,
			"tenant_id":   msg.TenantID,
			"action":      entry.Action,
			"entity_type": entry.EntityType,
			"entity_id":   entry.EntityID,
			"actor_id":    entry.ActorID,
			"details":     entry.Details,
			"occurred_at": entry.OccurredAt,
		},
	}
	if err := w.publisher.PublishEvent(ctx, event); err != nil {
		return models.Transient(fmt.Errorf("failed to publish audit entry: %w", err))
	}
	return nil
}
