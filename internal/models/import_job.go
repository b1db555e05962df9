// -----------------------------------------------------------------------
// Import Job - Persisted state machine for long-running Testmo imports
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle status of an import job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusReady     JobStatus = "READY" // Paused after analysis, awaiting configuration
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// IsTerminal reports whether no further mutation is permitted.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusReady,
		JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobPhase is the sub-state of an in-progress job, orthogonal to status.
type JobPhase string

const (
	JobPhaseAnalyzing   JobPhase = "ANALYZING"
	JobPhaseConfiguring JobPhase = "CONFIGURING"
	JobPhaseImporting   JobPhase = "IMPORTING"
)

// allowedTransitions lists the status edges of the import state machine.
// RUNNING -> RUNNING is a later delivery of the owning message taking over
// a run whose heartbeat went stale.
// READY -> READY is a configuration save.
var allowedTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:  {JobStatusRunning, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning: {JobStatusRunning, JobStatusReady, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusReady:   {JobStatusReady, JobStatusRunning, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to JobStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ActivityEntry is a single line of the bounded per-job activity log.
type ActivityEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Level      string    `json:"level"`
	Message    string    `json:"message"`
	EntityKind string    `json:"entity_kind,omitempty"`
}

// Activity levels
const (
	ActivityInfo  = "info"
	ActivityWarn  = "warn"
	ActivityError = "error"
)

// NewActivity builds an activity entry stamped with the current time.
func NewActivity(level, message string) ActivityEntry {
	return ActivityEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
	}
}

// ImportJob is the persisted record of one long-running import attempt.
// The record outlives any queue message that refers to it.
type ImportJob struct {
	ID          string    `json:"id" badgerhold:"key"`
	TenantID    string    `json:"tenant_id,omitempty" badgerhold:"index"`
	CreatedByID string    `json:"created_by_id,omitempty"`
	SourceRef   string    `json:"source_ref"`
	Name        string    `json:"name"`
	Status      JobStatus `json:"status" badgerhold:"index"`
	Phase       JobPhase  `json:"phase"`

	// StatusMessage is the human-readable reason for FAILED/CANCELLED.
	StatusMessage string `json:"status_message,omitempty"`

	Configuration *ImportConfiguration `json:"configuration,omitempty"`
	Analysis      *MappingAnalysis     `json:"analysis,omitempty"`

	// AnalysisFailures counts consecutive failed recomputes of an incomplete analysis.
	AnalysisFailures int `json:"analysis_failures,omitempty"`

	CancelRequested bool `json:"cancel_requested"`

	ProcessedCount int `json:"processed_count"`
	ErrorCount     int `json:"error_count"`
	SkippedCount   int `json:"skipped_count"`
	TotalCount     int `json:"total_count"`

	ActivityLog    []ActivityEntry `json:"activity_log"`
	EntityProgress map[string]int  `json:"entity_progress"`

	// ActiveMessageID and ActiveDelivery identify the delivery that owns the
	// current RUNNING period. Writes carrying another token are rejected.
	ActiveMessageID string `json:"active_message_id,omitempty"`
	ActiveDelivery  int    `json:"active_delivery,omitempty"`

	// RerunOf references the job this one was cloned from.
	RerunOf string `json:"rerun_of,omitempty"`

	Version             int64      `json:"version"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	LastImportStartedAt *time.Time `json:"last_import_started_at,omitempty"`
	LastHeartbeatAt     *time.Time `json:"last_heartbeat_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`
}

// NewImportJob creates a job in its initial QUEUED/ANALYZING state.
func NewImportJob(id, sourceRef, tenantID, createdByID string) *ImportJob {
	now := time.Now().UTC()
	return &ImportJob{
		ID:             id,
		TenantID:       tenantID,
		CreatedByID:    createdByID,
		SourceRef:      sourceRef,
		Status:         JobStatusQueued,
		Phase:          JobPhaseAnalyzing,
		ActivityLog:    []ActivityEntry{},
		EntityProgress: map[string]int{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ValidateState checks the (status, phase, configuration) invariants.
func (j *ImportJob) ValidateState() error {
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, j.Status)
	}
	if j.Status.IsTerminal() {
		// Terminal records keep the phase they ended in.
		return nil
	}

	switch j.Phase {
	case JobPhaseAnalyzing:
		if j.Status != JobStatusQueued && j.Status != JobStatusRunning {
			return fmt.Errorf("%w: phase %s requires status QUEUED or RUNNING, got %s", ErrInvalidTransition, j.Phase, j.Status)
		}
	case JobPhaseConfiguring:
		if j.Status != JobStatusReady {
			return fmt.Errorf("%w: phase %s requires status READY, got %s", ErrInvalidTransition, j.Phase, j.Status)
		}
	case JobPhaseImporting:
		if j.Status != JobStatusRunning {
			return fmt.Errorf("%w: phase %s requires status RUNNING, got %s", ErrInvalidTransition, j.Phase, j.Status)
		}
		if j.Configuration == nil {
			return fmt.Errorf("%w: phase %s requires a saved configuration", ErrInvalidTransition, j.Phase)
		}
	default:
		return fmt.Errorf("%w: unknown phase %q", ErrInvalidTransition, j.Phase)
	}
	return nil
}

// AppendActivity adds an entry and evicts from the front beyond limit.
func (j *ImportJob) AppendActivity(entry ActivityEntry, limit int) {
	j.ActivityLog = append(j.ActivityLog, entry)
	if limit > 0 && len(j.ActivityLog) > limit {
		evict := len(j.ActivityLog) - limit
		trimmed := make([]ActivityEntry, limit)
		copy(trimmed, j.ActivityLog[evict:])
		j.ActivityLog = trimmed
	}
}

// DeliveryToken names one delivery of a queue message: the message id and
// the broker's attempt number for that delivery.
type DeliveryToken struct {
	MessageID string
	Attempt   int
}

// Owner returns the token of the delivery running the job, or nil when no
// delivery holds it.
func (j *ImportJob) Owner() *DeliveryToken {
	if j.ActiveMessageID == "" {
		return nil
	}
	return &DeliveryToken{MessageID: j.ActiveMessageID, Attempt: j.ActiveDelivery}
}

// CheckOwner returns ErrNotOwner unless token still holds the job. A nil
// token is an unfenced write and always passes.
func (j *ImportJob) CheckOwner(token *DeliveryToken) error {
	if token == nil {
		return nil
	}
	if j.ActiveMessageID != token.MessageID || j.ActiveDelivery != token.Attempt {
		return fmt.Errorf("%w: job %s is held by delivery %d of %q, not %d of %q",
			ErrNotOwner, j.ID, j.ActiveDelivery, j.ActiveMessageID, token.Attempt, token.MessageID)
	}
	return nil
}

// Release clears the owning delivery.
func (j *ImportJob) Release() {
	j.ActiveMessageID = ""
	j.ActiveDelivery = 0
}

// ResetProgress zeroes counters at the start of an import run.
func (j *ImportJob) ResetProgress() {
	j.ProcessedCount = 0
	j.ErrorCount = 0
	j.SkippedCount = 0
	j.TotalCount = 0
	j.EntityProgress = map[string]int{}
}

// Clone returns a deep copy safe to hand to readers.
func (j *ImportJob) Clone() *ImportJob {
	if j == nil {
		return nil
	}
	c := *j
	c.ActivityLog = append([]ActivityEntry(nil), j.ActivityLog...)
	c.EntityProgress = make(map[string]int, len(j.EntityProgress))
	for k, v := range j.EntityProgress {
		c.EntityProgress[k] = v
	}
	if j.Configuration != nil {
		c.Configuration = j.Configuration.Clone()
	}
	if j.Analysis != nil {
		c.Analysis = j.Analysis.Clone()
	}
	return &c
}

// ProgressDelta is applied atomically together with an activity entry.
type ProgressDelta struct {
	Processed int
	Errors    int
	Skipped   int
	Entities  map[string]int
}

// IsZero reports whether the delta changes nothing.
func (d ProgressDelta) IsZero() bool {
	return d.Processed == 0 && d.Errors == 0 && d.Skipped == 0 && len(d.Entities) == 0
}

// JobSnapshot is the read-only view returned by the status-poll contract.
type JobSnapshot struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"tenant_id,omitempty"`
	Name             string          `json:"name"`
	Status           JobStatus       `json:"status"`
	Phase            JobPhase        `json:"phase"`
	StatusMessage    string          `json:"status_message,omitempty"`
	CancelRequested  bool            `json:"cancel_requested"`
	ProcessedCount   int             `json:"processed_count"`
	ErrorCount       int             `json:"error_count"`
	SkippedCount     int             `json:"skipped_count"`
	TotalCount       int             `json:"total_count"`
	EntityProgress   map[string]int  `json:"entity_progress"`
	ActivityLog      []ActivityEntry `json:"activity_log"`
	AnalysisComplete bool            `json:"analysis_complete"`
	HasConfiguration bool            `json:"has_configuration"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Snapshot builds the status-poll view, keeping the newest activityLimit entries.
func (j *ImportJob) Snapshot(activityLimit int, analysisComplete bool) *JobSnapshot {
	activity := j.ActivityLog
	if activityLimit > 0 && len(activity) > activityLimit {
		activity = activity[len(activity)-activityLimit:]
	}
	progress := make(map[string]int, len(j.EntityProgress))
	for k, v := range j.EntityProgress {
		progress[k] = v
	}
	return &JobSnapshot{
		ID:               j.ID,
		TenantID:         j.TenantID,
		Name:             j.Name,
		Status:           j.Status,
		Phase:            j.Phase,
		StatusMessage:    j.StatusMessage,
		CancelRequested:  j.CancelRequested,
		ProcessedCount:   j.ProcessedCount,
		ErrorCount:       j.ErrorCount,
		SkippedCount:     j.SkippedCount,
		TotalCount:       j.TotalCount,
		EntityProgress:   progress,
		ActivityLog:      append([]ActivityEntry(nil), activity...),
		AnalysisComplete: analysisComplete,
		HasConfiguration: j.Configuration != nil,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}
