package workers

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// HandlerFunc processes a decoded, validated payload.
type HandlerFunc[T any] func(ctx context.Context, msg *models.QueueMessage, payload *T) error

// HandlerWorker adapts a typed handler to a queue. Payloads that fail to
// decode or validate are permanent failures.
type HandlerWorker[T any] struct {
	queueName string
	handle    HandlerFunc[T]
	logger    arbor.ILogger
}

// NewHandlerWorker binds handle to queueName.
func NewHandlerWorker[T any](queueName string, handle HandlerFunc[T], logger arbor.ILogger) *HandlerWorker[T] {
	return &HandlerWorker[T]{queueName: queueName, handle: handle, logger: logger}
}

// GetQueueName returns the queue this worker consumes.
func (w *HandlerWorker[T]) GetQueueName() string {
	return w.queueName
}

// Execute decodes the payload and calls the handler.
func (w *HandlerWorker[T]) Execute(ctx context.Context, msg *models.QueueMessage) error {
	payload := new(T)
	if err := msg.Decode(payload); err != nil {
		return models.NewBusinessError(fmt.Sprintf("malformed %s payload", w.queueName), err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return models.NewBusinessError(fmt.Sprintf("invalid %s payload", w.queueName), err)
	}
	return w.handle(ctx, msg, payload)
}

// LoggingHandler acknowledges a payload after logging it. The forecast,
// issue-sync and reindex computations belong to the host application.
func LoggingHandler[T any](logger arbor.ILogger) HandlerFunc[T] {
	return func(ctx context.Context, msg *models.QueueMessage, payload *T) error {
		logger.Info().
			Str("queue", msg.Queue).
			Str("message_id", msg.ID).
			Str("tenant_id", msg.TenantID).
			Str("payload", string(msg.Payload)).
			Msg("Queue message handled")
		return nil
	}
}

// DefaultHandlerWorkers returns workers for the queues whose work is
// delegated to the host application.
func DefaultHandlerWorkers(logger arbor.ILogger) []interfaces.JobWorker {
	return []interfaces.JobWorker{
		NewHandlerWorker(queue.QueueForecast, LoggingHandler[models.ForecastMessage](logger), logger),
		NewHandlerWorker(queue.QueueIssueSync, LoggingHandler[models.IssueSyncMessage](logger), logger),
		NewHandlerWorker(queue.QueueSearchIndex, LoggingHandler[models.ReindexMessage](logger), logger),
	}
}
