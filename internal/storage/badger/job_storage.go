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

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.ImportJob) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, id string) (*models.ImportJob, error) {
	var job models.ImportJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob runs fn against the stored record inside one badger transaction.
// Badger's optimistic concurrency rejects the commit if another writer touched
// the record after it was read; that surfaces as ErrConcurrentUpdate.
func (s *JobStorage) UpdateJob(ctx context.Context, id string, fn interfaces.JobMutator) (*models.ImportJob, error) {
	var job models.ImportJob
	unchanged := false

	err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		if err := s.db.Store().TxGet(txn, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
			}
			return fmt.Errorf("failed to read job: %w", err)
		}

		if err := fn(&job); err != nil {
			if errors.Is(err, models.ErrNoChange) {
				unchanged = true
				return nil
			}
			return err
		}

		job.Version++
		if err := s.db.Store().TxUpsert(txn, id, &job); err != nil {
			return fmt.Errorf("failed to write job: %w", err)
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			s.logger.Debug().Str("job_id", id).Msg("Job update lost optimistic race")
			return nil, fmt.Errorf("%w: job %s", models.ErrConcurrentUpdate, id)
		}
		return nil, err
	}

	if unchanged {
		s.logger.Trace().Str("job_id", id).Msg("Job update was a no-op")
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.ImportJob, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.TenantID != "" {
			query = query.And("TenantID").Eq(opts.TenantID)
		}
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
	}
	query = query.SortBy("CreatedAt", "ID").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var jobs []models.ImportJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.ImportJob, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, id string) error {
	if err := s.db.Store().Delete(id, &models.ImportJob{}); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("%w: %s", models.ErrJobNotFound, id)
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
