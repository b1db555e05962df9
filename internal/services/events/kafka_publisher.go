package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
)

// Envelope is the wire form of an event on the external bus.
type Envelope struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Source     string      `json:"source"`
	OccurredAt time.Time   `json:"occurred_at"`
	Payload    interface{} `json:"payload"`
}

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards lifecycle and audit events to Kafka topics.
// Messages are keyed by job id when present so one job's events stay ordered
// within a partition.
type KafkaPublisher struct {
	writer     messageWriter
	topic      string
	auditTopic string
	logger     arbor.ILogger
}

var _ interfaces.EventPublisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher for cfg. Returns nil when no brokers
// are configured.
func NewKafkaPublisher(cfg *common.EventsConfig, logger arbor.ILogger) *KafkaPublisher {
	if len(cfg.KafkaBrokers) == 0 {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    1,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newKafkaPublisher(writer, cfg, logger)
}

func newKafkaPublisher(writer messageWriter, cfg *common.EventsConfig, logger arbor.ILogger) *KafkaPublisher {
	topic := cfg.Topic
	if topic == "" {
		topic = "trellis.jobs"
	}
	auditTopic := cfg.AuditTopic
	if auditTopic == "" {
		auditTopic = topic
	}
	return &KafkaPublisher{
		writer:     writer,
		topic:      topic,
		auditTopic: auditTopic,
		logger:     logger,
	}
}

// PublishEvent writes one event to its topic.
func (p *KafkaPublisher) PublishEvent(ctx context.Context, event interfaces.Event) error {
	envelope := Envelope{
		ID:         uuid.New().String(),
		Type:       string(event.Type),
		Source:     "trellis",
		OccurredAt: time.Now().UTC(),
		Payload:    event.Payload,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := p.topic
	if event.Type == interfaces.EventAuditRecorded {
		topic = p.auditTopic
	}
	key := envelope.ID
	if payload, ok := event.Payload.(map[string]interface{}); ok {
		if jobID, ok := payload["job_id"].(string); ok && jobID != "" {
			key = jobID
		}
	}

	message := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(envelope.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, message); err != nil {
		p.logger.Error().
			Err(err).
			Str("event_id", envelope.ID).
			Str("event_type", envelope.Type).
			Str("topic", topic).
			Msg("Failed to publish event")
		return err
	}

	p.logger.Debug().
		Str("event_id", envelope.ID).
		Str("event_type", envelope.Type).
		Str("topic", topic).
		Msg("Event published to Kafka")
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
