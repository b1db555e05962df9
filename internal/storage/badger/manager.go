package badger

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db       *BadgerDB
	job      interfaces.JobStorage
	dataset  interfaces.DatasetStorage
	catalog  interfaces.CatalogStorage
	sink     interfaces.ImportSink
	delivery interfaces.DeliveryStorage
	logger   arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:       db,
		job:      NewJobStorage(db, logger),
		dataset:  NewDatasetStorage(db, logger),
		catalog:  NewCatalogStorage(db, logger),
		sink:     NewImportedRecordStorage(db, logger),
		delivery: NewDeliveryStorage(db, logger),
		logger:   logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// JobStorage returns the import job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// DatasetStorage returns the Dataset storage interface
func (m *Manager) DatasetStorage() interfaces.DatasetStorage {
	return m.dataset
}

// CatalogStorage returns the Catalog storage interface
func (m *Manager) CatalogStorage() interfaces.CatalogStorage {
	return m.catalog
}

// ImportSink returns the imported record sink
func (m *Manager) ImportSink() interfaces.ImportSink {
	return m.sink
}

// DeliveryStorage returns the Delivery storage interface
func (m *Manager) DeliveryStorage() interfaces.DeliveryStorage {
	return m.delivery
}

// DB returns the underlying badger handle
func (m *Manager) DB() *badger.DB {
	if m.db != nil {
		return m.db.Store().Badger()
	}
	return nil
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
