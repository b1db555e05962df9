package queue

import (
	"time"

	"github.com/ternarybob/trellis/internal/common"
)

// Queue names
const (
	QueueNotification = "notification"
	QueueEmail        = "email"
	QueueForecast     = "forecast"
	QueueIssueSync    = "issue-sync"
	QueueTestmoImport = "testmo-import"
	QueueSearchIndex  = "search-reindex"
	QueueAuditLog     = "audit-log"
)

// Definition is the dispatch and retry policy of one named queue.
type Definition struct {
	Name              string
	MaxAttempts       int
	Retain            bool // Keep acknowledged messages for inspection
	Workers           int
	VisibilityTimeout time.Duration
}

// DefaultDefinitions returns the built-in queues.
func DefaultDefinitions() []Definition {
	return []Definition{
		{Name: QueueNotification, MaxAttempts: 5, Workers: 4},
		{Name: QueueEmail, MaxAttempts: 5, Workers: 2},
		{Name: QueueForecast, MaxAttempts: 3, Workers: 1},
		{Name: QueueIssueSync, MaxAttempts: 5, Workers: 2},
		{Name: QueueTestmoImport, MaxAttempts: 3, Retain: true, Workers: 2},
		{Name: QueueSearchIndex, MaxAttempts: 3, Workers: 1},
		{Name: QueueAuditLog, MaxAttempts: 10, Workers: 1},
	}
}

// DefinitionsFromConfig applies the configured visibility timeout and
// per-queue overrides to the built-in queues.
func DefinitionsFromConfig(cfg *common.QueueConfig) []Definition {
	visibility := common.Duration(cfg.VisibilityTimeout, 5*time.Minute)

	defs := DefaultDefinitions()
	for i := range defs {
		defs[i].VisibilityTimeout = visibility

		override, ok := cfg.Queues[defs[i].Name]
		if !ok {
			continue
		}
		if override.MaxAttempts > 0 {
			defs[i].MaxAttempts = override.MaxAttempts
		}
		if override.Workers > 0 {
			defs[i].Workers = override.Workers
		}
		if override.Retain != nil {
			defs[i].Retain = *override.Retain
		}
	}
	return defs
}
