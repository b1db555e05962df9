package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/storage/badger"
)

// NewStorageManager opens the Badger-backed stores described by config.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	if config.Storage.Badger.Path == "" && !config.Storage.Badger.InMemory {
		return nil, fmt.Errorf("storage.badger.path is required unless in_memory is set")
	}
	return badger.NewManager(logger, &config.Storage.Badger)
}
