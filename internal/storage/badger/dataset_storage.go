package badger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// DatasetStorage implements the DatasetStorage interface for Badger.
// Full rows are stored under their own key so loading a dataset never
// pulls the row set into memory.
type DatasetStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewDatasetStorage creates a new DatasetStorage instance
func NewDatasetStorage(db *BadgerDB, logger arbor.ILogger) interfaces.DatasetStorage {
	return &DatasetStorage{
		db:     db,
		logger: logger,
	}
}

func (s *DatasetStorage) SaveDataset(ctx context.Context, dataset *models.Dataset, rows *models.DatasetRows) error {
	if dataset.ID == "" {
		return fmt.Errorf("dataset ID is required")
	}

	err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		if err := s.db.Store().TxUpsert(txn, dataset.ID, dataset); err != nil {
			return fmt.Errorf("failed to save dataset: %w", err)
		}
		if rows != nil {
			rows.DatasetID = dataset.ID
			if err := s.db.Store().TxUpsert(txn, dataset.ID, rows); err != nil {
				return fmt.Errorf("failed to save dataset rows: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("dataset_id", dataset.ID).
		Str("job_id", dataset.JobID).
		Int("row_count", dataset.RowCount).
		Bool("rows_retained", rows != nil).
		Msg("Dataset saved")
	return nil
}

func (s *DatasetStorage) GetDataset(ctx context.Context, id string) (*models.Dataset, error) {
	var dataset models.Dataset
	if err := s.db.Store().Get(id, &dataset); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrDatasetNotFound, id)
		}
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return &dataset, nil
}

func (s *DatasetStorage) GetDatasetByJob(ctx context.Context, jobID string) (*models.Dataset, error) {
	var datasets []models.Dataset
	query := badgerhold.Where("JobID").Eq(jobID).Index("JobID").SortBy("CreatedAt").Reverse().Limit(1)
	if err := s.db.Store().Find(&datasets, query); err != nil {
		return nil, fmt.Errorf("failed to find dataset for job: %w", err)
	}
	if len(datasets) == 0 {
		return nil, fmt.Errorf("%w: job %s", models.ErrDatasetNotFound, jobID)
	}
	return &datasets[0], nil
}

func (s *DatasetStorage) GetDatasetRows(ctx context.Context, datasetID string) (*models.DatasetRows, error) {
	var rows models.DatasetRows
	if err := s.db.Store().Get(datasetID, &rows); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: dataset %s", models.ErrRowsNotRetained, datasetID)
		}
		return nil, fmt.Errorf("failed to get dataset rows: %w", err)
	}
	return &rows, nil
}
