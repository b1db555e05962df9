package interfaces

import (
	"context"

	"github.com/dgraph-io/badger/v4"

	"github.com/ternarybob/trellis/internal/models"
)

// JobMutator edits a job inside a storage transaction. Returning an error
// aborts the update and nothing is written.
type JobMutator func(job *models.ImportJob) error

// JobListOptions filters ListJobs.
type JobListOptions struct {
	TenantID string
	Status   models.JobStatus
	Limit    int
	Offset   int
}

// JobStorage persists import job records.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.ImportJob) error
	GetJob(ctx context.Context, id string) (*models.ImportJob, error)
	// UpdateJob reads, mutates and writes the job atomically. A conflicting
	// concurrent writer results in models.ErrConcurrentUpdate.
	UpdateJob(ctx context.Context, id string, fn JobMutator) (*models.ImportJob, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.ImportJob, error)
	DeleteJob(ctx context.Context, id string) error
}

// DatasetStorage persists parsed datasets and, when retained, their full rows.
type DatasetStorage interface {
	SaveDataset(ctx context.Context, dataset *models.Dataset, rows *models.DatasetRows) error
	GetDataset(ctx context.Context, id string) (*models.Dataset, error)
	GetDatasetByJob(ctx context.Context, jobID string) (*models.Dataset, error)
	GetDatasetRows(ctx context.Context, datasetID string) (*models.DatasetRows, error)
}

// CatalogStorage is the read/write view of local entities used for matching.
type CatalogStorage interface {
	// ListEntities returns a tenant's entities of kind ordered by normalized name, then id.
	ListEntities(ctx context.Context, tenantID, kind string) ([]*models.CatalogEntity, error)
	GetEntity(ctx context.Context, id string) (*models.CatalogEntity, error)
	// CreateEntity stores the entity and bumps the catalog revision.
	CreateEntity(ctx context.Context, entity *models.CatalogEntity) error
	Revision(ctx context.Context) (uint64, error)
}

// ImportSink receives imported rows. Upserts are keyed by job and row index.
type ImportSink interface {
	UpsertRecord(ctx context.Context, record *models.ImportedRecord) error
	CountRecords(ctx context.Context, jobID string) (int, error)
}

// DeliveryStorage tracks delivery attempts for outbound queues, one record per message.
type DeliveryStorage interface {
	SaveAttempt(ctx context.Context, attempt *models.DeliveryAttempt) error
	GetAttempt(ctx context.Context, messageID string) (*models.DeliveryAttempt, error)
	ListAttempts(ctx context.Context, queue string) ([]*models.DeliveryAttempt, error)
}

// StorageManager owns the badger handle and hands out the typed stores.
type StorageManager interface {
	JobStorage() JobStorage
	DatasetStorage() DatasetStorage
	CatalogStorage() CatalogStorage
	ImportSink() ImportSink
	DeliveryStorage() DeliveryStorage
	// DB returns the raw badger handle shared with the queue broker.
	DB() *badger.DB
	Close() error
}
