package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DeliveryStorage implements the DeliveryStorage interface for Badger
type DeliveryStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDeliveryStorage creates a new DeliveryStorage instance
func NewDeliveryStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DeliveryStorage {
	return &DeliveryStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DeliveryStorage) SaveAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error {
	if attempt.MessageID == "" {
		return fmt.Errorf("message ID is required")
	}
	attempt.ID = attempt.MessageID
	if err := s.db.Store().Upsert(attempt.ID, attempt); err != nil {
		return fmt.Errorf("failed to save delivery attempt: %w", err)
	}
	return nil
}

func (s *DeliveryStorage) GetAttempt(ctx context.Context, messageID string) (*models.DeliveryAttempt, error) {
	var attempt models.DeliveryAttempt
	if err := s.db.Store().Get(messageID, &attempt); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get delivery attempt: %w", err)
	}
	return &attempt, nil
}

func (s *DeliveryStorage) ListAttempts(ctx context.Context, queue string) ([]*models.DeliveryAttempt, error) {
	var attempts []models.DeliveryAttempt
	query := badgerhold.Where("Queue").Eq(queue).Index("Queue").SortBy("UpdatedAt")
	if err := s.db.Store().Find(&attempts, query); err != nil {
		return nil, fmt.Errorf("failed to list delivery attempts: %w", err)
	}

	result := make([]*models.DeliveryAttempt, len(attempts))
	for i := range attempts {
		result[i] = &attempts[i]
	}
	return result, nil
}
