package workers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// Delivery channels
const (
	ChannelEmail        = "email"
	ChannelNotification = "in-app"
)

// Sender transmits a rendered message. Rendering and transport live outside
// this service; errors returned here are retried by redelivery.
type Sender interface {
	Send(ctx context.Context, channel, recipient, subject, body string) error
}

// LogSender records deliveries in the log instead of transmitting them.
type LogSender struct {
	logger arbor.ILogger
}

// NewLogSender creates a sender that only logs.
func NewLogSender(logger arbor.ILogger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the delivery.
func (s *LogSender) Send(ctx context.Context, channel, recipient, subject, body string) error {
	s.logger.Info().
		Str("channel", channel).
		Str("recipient", recipient).
		Str("subject", subject).
		Int("body_length", len(body)).
		Msg("Delivery sent")
	return nil
}

// DeliveryWorker consumes the email or notification queue, tracking one
// DeliveryAttempt per message so a redelivered message that already went
// out is not sent twice.
type DeliveryWorker struct {
	queueName string
	channel   string
	sender    Sender
	storage   interfaces.DeliveryStorage
	logger    arbor.ILogger
	now       func() time.Time
}

var _ interfaces.JobWorker = (*DeliveryWorker)(nil)

// NewEmailWorker creates the email queue worker.
func NewEmailWorker(sender Sender, storage interfaces.DeliveryStorage, logger arbor.ILogger) *DeliveryWorker {
	return newDeliveryWorker(queue.QueueEmail, ChannelEmail, sender, storage, logger)
}

// NewNotificationWorker creates the notification queue worker.
func NewNotificationWorker(sender Sender, storage interfaces.DeliveryStorage, logger arbor.ILogger) *DeliveryWorker {
	return newDeliveryWorker(queue.QueueNotification, ChannelNotification, sender, storage, logger)
}

func newDeliveryWorker(queueName, channel string, sender Sender, storage interfaces.DeliveryStorage, logger arbor.ILogger) *DeliveryWorker {
	return &DeliveryWorker{
		queueName: queueName,
		channel:   channel,
		sender:    sender,
		storage:   storage,
		logger:    logger,
		now:       time.Now,
	}
}

// GetQueueName returns the queue this worker consumes.
func (w *DeliveryWorker) GetQueueName() string {
	return w.queueName
}

// Execute sends the message once and records the attempt.
func (w *DeliveryWorker) Execute(ctx context.Context, msg *models.QueueMessage) error {
	recipient, subject, body, err := w.decode(msg)

	attempt, getErr := w.storage.GetAttempt(ctx, msg.ID)
	if getErr != nil {
		return models.Transient(getErr)
	}
	if attempt == nil {
		attempt = &models.DeliveryAttempt{
			ID:        msg.ID,
			MessageID: msg.ID,
			Queue:     msg.Queue,
			TenantID:  msg.TenantID,
			Recipient: recipient,
			Channel:   w.channel,
		}
	}
	if attempt.Status == models.DeliverySent {
		w.logger.Debug().Str("message_id", msg.ID).Msg("Delivery already sent, skipping redelivery")
		return nil
	}

	attempt.Attempts = msg.Attempts
	attempt.UpdatedAt = w.now().UTC()

	if err != nil {
		attempt.Status = models.DeliveryFailed
		attempt.LastError = err.Error()
		if saveErr := w.storage.SaveAttempt(ctx, attempt); saveErr != nil {
			return models.Transient(saveErr)
		}
		return models.NewBusinessError("invalid delivery payload", err)
	}

	if sendErr := w.sender.Send(ctx, w.channel, recipient, subject, body); sendErr != nil {
		attempt.Status = models.DeliveryPending
		attempt.LastError = sendErr.Error()
		if saveErr := w.storage.SaveAttempt(ctx, attempt); saveErr != nil {
			w.logger.Warn().Err(saveErr).Str("message_id", msg.ID).Msg("Failed to record delivery attempt")
		}
		return models.Transient(fmt.Errorf("send %s to %s: %w", w.channel, recipient, sendErr))
	}

	attempt.Status = models.DeliverySent
	attempt.LastError = ""
	if err := w.storage.SaveAttempt(ctx, attempt); err != nil {
		// Already sent; a redelivery would send again, so do not retry.
		w.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Delivered but failed to record attempt")
	}
	return nil
}

// OnDeadLetter marks the attempt as failed for operators.
func (w *DeliveryWorker) OnDeadLetter(ctx context.Context, msg *models.QueueMessage, cause error) {
	attempt, err := w.storage.GetAttempt(ctx, msg.ID)
	if err != nil || attempt == nil {
		return
	}
	attempt.Status = models.DeliveryFailed
	attempt.Attempts = msg.Attempts
	if cause != nil {
		attempt.LastError = cause.Error()
	}
	attempt.UpdatedAt = w.now().UTC()
	if err := w.storage.SaveAttempt(ctx, attempt); err != nil {
		w.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to mark delivery as failed")
	}
}

func (w *DeliveryWorker) decode(msg *models.QueueMessage) (recipient, subject, body string, err error) {
	switch w.channel {
	case ChannelEmail:
		var email models.EmailMessage
		if err := msg.Decode(&email); err != nil {
			return "", "", "", err
		}
		if err := payloadValidator.Struct(email); err != nil {
			return strings.Join(email.To, ","), email.Subject, "", err
		}
		return strings.Join(email.To, ","), email.Subject, email.Body, nil
	default:
		var note models.NotificationMessage
		if err := msg.Decode(&note); err != nil {
			return "", "", "", err
		}
		if err := payloadValidator.Struct(note); err != nil {
			return note.UserID, note.Title, "", err
		}
		body := note.Body
		if note.Link != "" {
			body += "\n" + note.Link
		}
		return note.UserID, note.Title, body, nil
	}
}
