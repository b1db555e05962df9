package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// DatasetService stores parsed sources with size-bounded sampling.
type DatasetService struct {
	storage      interfaces.DatasetStorage
	reader       SourceReader
	sampleLimit  int
	fullRowLimit int
	logger       arbor.ILogger
	now          func() time.Time
}

// NewDatasetService creates a dataset service. Rows beyond sampleLimit are
// sampled, and beyond fullRowLimit the full row set is not retained.
func NewDatasetService(storage interfaces.DatasetStorage, reader SourceReader, cfg *common.JobsConfig, logger arbor.ILogger) *DatasetService {
	return &DatasetService{
		storage:      storage,
		reader:       reader,
		sampleLimit:  cfg.SampleRowLimit,
		fullRowLimit: cfg.FullRowLimit,
		logger:       logger,
		now:          time.Now,
	}
}

// SampleRows picks limit evenly spaced rows, always including the first.
func SampleRows(rows []models.Row, limit int) []models.Row {
	n := len(rows)
	if limit <= 0 || n <= limit {
		return append([]models.Row(nil), rows...)
	}
	sample := make([]models.Row, limit)
	for i := 0; i < limit; i++ {
		sample[i] = rows[i*n/limit]
	}
	return sample
}

// Store persists rows for jobID. Large inputs keep only a sample, and very
// large inputs omit the full rows; importers then re-read the source.
func (s *DatasetService) Store(ctx context.Context, jobID, name string, rows []models.Row, schema []models.ColumnDef) (*models.Dataset, error) {
	sample := SampleRows(rows, s.sampleLimit)

	dataset := &models.Dataset{
		ID:             common.NewDatasetID(),
		JobID:          jobID,
		Name:           name,
		RowCount:       len(rows),
		SampleRowCount: len(sample),
		Truncated:      len(rows) > len(sample),
		RowsRetained:   len(rows) <= s.fullRowLimit,
		Schema:         schema,
		SampleRows:     sample,
		CreatedAt:      s.now().UTC(),
	}

	var full *models.DatasetRows
	if dataset.RowsRetained {
		full = &models.DatasetRows{Rows: rows}
	}

	if err := s.storage.SaveDataset(ctx, dataset, full); err != nil {
		return nil, models.Transient(fmt.Errorf("failed to store dataset for job %s: %w", jobID, err))
	}

	if dataset.Truncated {
		s.logger.Info().
			Str("job_id", jobID).
			Int("row_count", dataset.RowCount).
			Int("sample_row_count", dataset.SampleRowCount).
			Bool("rows_retained", dataset.RowsRetained).
			Msg("Dataset truncated to sample")
	}
	return dataset, nil
}

// Fetch returns the schema and sample regardless of truncation.
func (s *DatasetService) Fetch(ctx context.Context, jobID string) (*models.Dataset, error) {
	return s.storage.GetDatasetByJob(ctx, jobID)
}

// FetchAllRows loads the full row set. Returns models.ErrRowsNotRetained
// when the dataset was too large to keep.
func (s *DatasetService) FetchAllRows(ctx context.Context, jobID string) ([]models.Row, error) {
	dataset, err := s.Fetch(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !dataset.RowsRetained {
		return nil, fmt.Errorf("%w: dataset %s has %d rows", models.ErrRowsNotRetained, dataset.ID, dataset.RowCount)
	}
	rows, err := s.storage.GetDatasetRows(ctx, dataset.ID)
	if err != nil {
		return nil, err
	}
	return rows.Rows, nil
}

// AnalysisRows returns every row of the dataset for analysis, re-reading the
// source when the full set was not retained.
func (s *DatasetService) AnalysisRows(ctx context.Context, job *models.ImportJob, dataset *models.Dataset) ([]models.Row, error) {
	return s.allRows(ctx, job, dataset)
}

// ImportRows returns every row for the import pass, falling back to
// re-reading the source when the full set was not retained.
func (s *DatasetService) ImportRows(ctx context.Context, job *models.ImportJob) (*models.Dataset, []models.Row, error) {
	dataset, err := s.Fetch(ctx, job.ID)
	if err != nil {
		if errors.Is(err, models.ErrDatasetNotFound) {
			return nil, nil, models.NewBusinessError("dataset is missing; run analysis first", err)
		}
		return nil, nil, models.Transient(err)
	}
	rows, err := s.allRows(ctx, job, dataset)
	if err != nil {
		return nil, nil, err
	}
	return dataset, rows, nil
}

func (s *DatasetService) allRows(ctx context.Context, job *models.ImportJob, dataset *models.Dataset) ([]models.Row, error) {
	if dataset.RowsRetained {
		rows, err := s.storage.GetDatasetRows(ctx, dataset.ID)
		if err == nil {
			return rows.Rows, nil
		}
		if !errors.Is(err, models.ErrRowsNotRetained) {
			return nil, models.Transient(err)
		}
	}

	s.logger.Debug().
		Str("job_id", job.ID).
		Str("source_ref", job.SourceRef).
		Msg("Full rows not retained, re-reading source")

	source, err := s.reader.Read(ctx, job.SourceRef)
	if err != nil {
		return nil, err
	}
	if len(source.Rows) != dataset.RowCount {
		return nil, models.NewBusinessError(
			fmt.Sprintf("source changed since analysis: expected %d rows, found %d", dataset.RowCount, len(source.Rows)), nil)
	}
	return source.Rows, nil
}

// LoadSource parses a job's source into a dataset and returns it with every
// parsed row. A dataset stored by an earlier delivery of the same job is
// reused.
func (s *DatasetService) LoadSource(ctx context.Context, job *models.ImportJob) (*models.Dataset, []models.Row, error) {
	existing, err := s.Fetch(ctx, job.ID)
	if err == nil {
		rows, err := s.allRows(ctx, job, existing)
		if err != nil {
			return nil, nil, err
		}
		return existing, rows, nil
	}
	if !errors.Is(err, models.ErrDatasetNotFound) {
		return nil, nil, models.Transient(err)
	}

	source, err := s.reader.Read(ctx, job.SourceRef)
	if err != nil {
		return nil, nil, err
	}
	if len(source.Rows) == 0 {
		return nil, nil, models.NewBusinessError("source file contains no rows", nil)
	}

	name := job.Name
	if name == "" {
		name = source.Name
	}
	dataset, err := s.Store(ctx, job.ID, name, source.Rows, source.Schema)
	if err != nil {
		return nil, nil, err
	}
	return dataset, source.Rows, nil
}

// GetDetail returns the read-only dataset detail. All rows are included only
// when includeAll is set and the rows were retained.
func (s *DatasetService) GetDetail(ctx context.Context, jobID, datasetID string, includeAll bool) (*models.DatasetDetail, error) {
	dataset, err := s.storage.GetDataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	if dataset.JobID != jobID {
		return nil, fmt.Errorf("%w: %s does not belong to job %s", models.ErrDatasetNotFound, datasetID, jobID)
	}

	detail := &models.DatasetDetail{
		ID:         dataset.ID,
		JobID:      dataset.JobID,
		Name:       dataset.Name,
		RowCount:   dataset.RowCount,
		Truncated:  dataset.Truncated,
		Schema:     dataset.Schema,
		SampleRows: dataset.SampleRows,
	}
	if includeAll && dataset.RowsRetained {
		rows, err := s.storage.GetDatasetRows(ctx, dataset.ID)
		if err != nil && !errors.Is(err, models.ErrRowsNotRetained) {
			return nil, err
		}
		if rows != nil {
			detail.AllRows = rows.Rows
		}
	}
	return detail, nil
}
