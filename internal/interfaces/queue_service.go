package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trellis/internal/models"
)

// QueueManager is a durable, at-least-once message broker.
type QueueManager interface {
	Enqueue(ctx context.Context, msg *models.QueueMessage) error
	// Receive leases the next visible message of queue for visibility.
	// Returns models.ErrNoMessage when nothing is ready.
	Receive(ctx context.Context, queue string, visibility time.Duration) (*models.QueueMessage, error)
	// Ack, Nack and Extend act on the delivery msg came from. Ack and Nack
	// of a delivery superseded by a later Receive are no-ops.
	Ack(ctx context.Context, msg *models.QueueMessage) error
	// Nack releases the lease. The message becomes visible again after delay,
	// or moves to the dead-letter set once it has used its attempts.
	Nack(ctx context.Context, msg *models.QueueMessage, cause error, delay time.Duration) error
	// Extend returns models.ErrLeaseLost once the delivery is settled or
	// superseded.
	Extend(ctx context.Context, msg *models.QueueMessage, duration time.Duration) error
	DeadLetters(ctx context.Context, queue string) ([]*models.QueueMessage, error)
	Retained(ctx context.Context, queue string) ([]*models.QueueMessage, error)
	Stats(ctx context.Context, queue string) (*models.QueueStats, error)
	Close() error
}

// JobWorker executes messages of a single queue.
type JobWorker interface {
	GetQueueName() string
	// Execute returns nil to acknowledge, a models.TransientError to retry
	// through redelivery, or any other error to acknowledge as a permanent failure.
	Execute(ctx context.Context, msg *models.QueueMessage) error
}
