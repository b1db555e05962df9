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

const catalogRevisionKey = "catalog"

// CatalogStorage implements the CatalogStorage interface for Badger
type CatalogStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCatalogStorage creates a new CatalogStorage instance
func NewCatalogStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CatalogStorage {
	return &CatalogStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CatalogStorage) ListEntities(ctx context.Context, tenantID, kind string) ([]*models.CatalogEntity, error) {
	var entities []models.CatalogEntity
	query := badgerhold.Where("Kind").Eq(kind).Index("Kind").
		And("TenantID").Eq(tenantID).
		SortBy("NormalizedName", "ID")
	if err := s.db.Store().Find(&entities, query); err != nil {
		return nil, fmt.Errorf("failed to list %s entities: %w", kind, err)
	}

	result := make([]*models.CatalogEntity, len(entities))
	for i := range entities {
		result[i] = &entities[i]
	}
	return result, nil
}

func (s *CatalogStorage) GetEntity(ctx context.Context, id string) (*models.CatalogEntity, error) {
	var entity models.CatalogEntity
	if err := s.db.Store().Get(id, &entity); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("catalog entity not found: %s", id)
		}
		return nil, fmt.Errorf("failed to get catalog entity: %w", err)
	}
	return &entity, nil
}

// CreateEntity stores the entity and bumps the catalog revision in one transaction.
func (s *CatalogStorage) CreateEntity(ctx context.Context, entity *models.CatalogEntity) error {
	if entity.ID == "" {
		return fmt.Errorf("catalog entity ID is required")
	}
	entity.NormalizedName = models.NormalizeName(entity.Name)

	err := s.db.Store().Badger().Update(func(txn *badger.Txn) error {
		if err := s.db.Store().TxUpsert(txn, entity.ID, entity); err != nil {
			return fmt.Errorf("failed to save catalog entity: %w", err)
		}

		var rev models.CatalogRevision
		if err := s.db.Store().TxGet(txn, catalogRevisionKey, &rev); err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
			return fmt.Errorf("failed to read catalog revision: %w", err)
		}
		rev.Key = catalogRevisionKey
		rev.Revision++
		return s.db.Store().TxUpsert(txn, catalogRevisionKey, &rev)
	})
	if err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: catalog revision", models.ErrConcurrentUpdate)
		}
		return err
	}
	return nil
}

func (s *CatalogStorage) Revision(ctx context.Context) (uint64, error) {
	var rev models.CatalogRevision
	if err := s.db.Store().Get(catalogRevisionKey, &rev); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read catalog revision: %w", err)
	}
	return rev.Revision, nil
}
