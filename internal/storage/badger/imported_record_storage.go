package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// ImportedRecordStorage is the default import sink: imported rows land in badger
// keyed by job and row index.
type ImportedRecordStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewImportedRecordStorage creates a new ImportedRecordStorage instance
func NewImportedRecordStorage(db *BadgerDB, logger arbor.ILogger) interfaces.ImportSink {
	return &ImportedRecordStorage{
		db:     db,
		logger: logger,
	}
}

// RecordKey is the upsert key for a row of an import job.
func RecordKey(jobID string, rowIndex int) string {
	return fmt.Sprintf("%s:%08d", jobID, rowIndex)
}

func (s *ImportedRecordStorage) UpsertRecord(ctx context.Context, record *models.ImportedRecord) error {
	record.Key = RecordKey(record.JobID, record.RowIndex)
	if err := s.db.Store().Upsert(record.Key, record); err != nil {
		return fmt.Errorf("failed to upsert imported record: %w", err)
	}
	return nil
}

func (s *ImportedRecordStorage) CountRecords(ctx context.Context, jobID string) (int, error) {
	count, err := s.db.Store().Count(&models.ImportedRecord{}, badgerhold.Where("JobID").Eq(jobID).Index("JobID"))
	if err != nil {
		return 0, fmt.Errorf("failed to count imported records: %w", err)
	}
	return int(count), nil
}
