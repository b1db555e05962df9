package models

import (
	"encoding/json"
	"time"
)

// QueueMessage is the envelope stored by every queue backend.
// Keep it simple - just enough to route and retry the work.
type QueueMessage struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	TenantID       string          `json:"tenant_id,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	VisibleAt      time.Time       `json:"visible_at"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Retain         bool            `json:"retain,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	DeadLetteredAt *time.Time      `json:"dead_lettered_at,omitempty"`
}

// Decode unmarshals the payload into v.
func (m *QueueMessage) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// ImportMode selects which half of the import flow a message drives.
type ImportMode string

const (
	ImportModeAnalyze ImportMode = "analyze"
	ImportModeImport  ImportMode = "import"
)

// ImportMessage is the testmo-import payload. The job record is authoritative;
// the message only names the job and the mode.
type ImportMessage struct {
	JobID string     `json:"job_id" validate:"required"`
	Mode  ImportMode `json:"mode" validate:"required,oneof=analyze import"`
}

// QueueStats is a point-in-time view of one queue's depth.
type QueueStats struct {
	Queue       string `json:"queue"`
	Pending     int    `json:"pending"`
	InFlight    int    `json:"in_flight"`
	DeadLetters int    `json:"dead_letters"`
	Retained    int    `json:"retained"`
}

// EmailMessage is the email queue payload.
type EmailMessage struct {
	To      []string `json:"to" validate:"required,min=1,dive,email"`
	Subject string   `json:"subject" validate:"required"`
	Body    string   `json:"body"`
}

// NotificationMessage is the notification queue payload.
type NotificationMessage struct {
	UserID string `json:"user_id" validate:"required"`
	Title  string `json:"title" validate:"required"`
	Body   string `json:"body"`
	Link   string `json:"link,omitempty"`
}

// AuditMessage is the audit-log queue payload.
type AuditMessage struct {
	Action     string            `json:"action" validate:"required"`
	EntityType string            `json:"entity_type" validate:"required"`
	EntityID   string            `json:"entity_id" validate:"required"`
	ActorID    string            `json:"actor_id,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// ForecastMessage is the forecast queue payload.
type ForecastMessage struct {
	ProjectID   string `json:"project_id" validate:"required"`
	MilestoneID string `json:"milestone_id,omitempty"`
}

// IssueSyncMessage is the issue-sync queue payload.
type IssueSyncMessage struct {
	IntegrationID string `json:"integration_id" validate:"required"`
	IssueKey      string `json:"issue_key" validate:"required"`
}

// ReindexMessage is the search-reindex queue payload.
type ReindexMessage struct {
	EntityType string   `json:"entity_type" validate:"required"`
	EntityIDs  []string `json:"entity_ids" validate:"required,min=1"`
}
