package models

import "time"

// CatalogEntity is a local entity a dataset reference can resolve to.
type CatalogEntity struct {
	ID             string    `json:"id" badgerhold:"key"`
	Kind           string    `json:"kind" badgerhold:"index"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	ParentID       string    `json:"parent_id,omitempty"`
	TenantID       string    `json:"tenant_id,omitempty"`
	CreatedByJobID string    `json:"created_by_job_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// CatalogRevision is bumped on every catalog write so cached analyses can
// tell whether they were computed against the current catalog.
type CatalogRevision struct {
	Key      string `json:"key" badgerhold:"key"`
	Revision uint64 `json:"revision"`
}

// ImportedRecord is one dataset row written by an import run.
// The key is jobID:rowIndex so a resumed run overwrites rather than duplicates.
type ImportedRecord struct {
	Key        string              `json:"key" badgerhold:"key"`
	JobID      string              `json:"job_id" badgerhold:"index"`
	RowIndex   int                 `json:"row_index"`
	Title      string              `json:"title"`
	References map[string][]string `json:"references"`
	Fields     map[string]string   `json:"fields"`
	ImportedAt time.Time           `json:"imported_at"`
}

// Delivery statuses
const (
	DeliveryPending = "pending"
	DeliverySent    = "sent"
	DeliveryFailed  = "failed"
)

// DeliveryAttempt tracks delivery of one email or notification message.
// Rendering and transport are outside this service; only the attempt history is kept.
type DeliveryAttempt struct {
	ID        string    `json:"id" badgerhold:"key"`
	MessageID string    `json:"message_id" badgerhold:"index"`
	Queue     string    `json:"queue" badgerhold:"index"`
	TenantID  string    `json:"tenant_id,omitempty"`
	Recipient string    `json:"recipient"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
