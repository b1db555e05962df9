package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// Enqueuer creates job records and publishes the queue messages that drive
// them. The record is always written before the message so a failed enqueue
// leaves an inspectable job that Requeue can retry.
type Enqueuer struct {
	manager  *Manager
	registry *queue.Registry
	logger   arbor.ILogger
}

// NewEnqueuer creates an enqueuer publishing through registry.
func NewEnqueuer(manager *Manager, registry *queue.Registry, logger arbor.ILogger) *Enqueuer {
	return &Enqueuer{
		manager:  manager,
		registry: registry,
		logger:   logger,
	}
}

// StartAnalysis creates a job and enqueues its analyze message. When the
// broker is unavailable the created job is still returned with the error.
func (e *Enqueuer) StartAnalysis(ctx context.Context, req CreateJobRequest) (*models.ImportJob, error) {
	job, err := e.manager.CreateJob(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.publish(ctx, job, models.ImportModeAnalyze); err != nil {
		return job, err
	}
	e.Audit(ctx, "import.created", job)
	return job, nil
}

// StartImport enqueues the import pass for a READY job with a saved
// configuration that resolves every ambiguous reference.
func (e *Enqueuer) StartImport(ctx context.Context, jobID, tenantID string) (*models.ImportJob, error) {
	job, err := e.manager.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusReady {
		return nil, &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("import can only start from READY (current %s)", job.Status),
		}
	}
	if job.Configuration == nil {
		return nil, &models.ValidationError{Field: "configuration", Reason: "must be saved before the import starts"}
	}
	if unresolved := UnresolvedAmbiguities(job.Analysis, job.Configuration); len(unresolved) > 0 {
		return nil, &models.ValidationError{
			Field:  "configuration",
			Reason: fmt.Sprintf("ambiguous references need a mapping: %v", unresolved),
		}
	}

	if err := e.publish(ctx, job, models.ImportModeImport); err != nil {
		return job, err
	}
	e.Audit(ctx, "import.started", job)
	return e.manager.GetJob(ctx, job.ID)
}

// Requeue republishes the message for a job whose earlier enqueue failed:
// analyze for QUEUED jobs, import for READY jobs.
func (e *Enqueuer) Requeue(ctx context.Context, jobID, tenantID string) (*models.ImportJob, error) {
	job, err := e.manager.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case models.JobStatusQueued:
		if err := e.publish(ctx, job, models.ImportModeAnalyze); err != nil {
			return job, err
		}
		return e.manager.GetJob(ctx, job.ID)
	case models.JobStatusReady:
		return e.StartImport(ctx, jobID, tenantID)
	default:
		return nil, &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("job in status %s cannot be requeued", job.Status),
		}
	}
}

// Rerun clones a finished job into a new one carrying the same source and
// configuration. The new job runs a fresh analysis against the current catalog.
func (e *Enqueuer) Rerun(ctx context.Context, jobID, tenantID string) (*models.ImportJob, error) {
	previous, err := e.manager.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if !previous.Status.IsTerminal() {
		return nil, &models.ValidationError{
			Field:  "status",
			Reason: fmt.Sprintf("only finished jobs can be re-run (current %s)", previous.Status),
		}
	}

	return e.StartAnalysis(ctx, CreateJobRequest{
		SourceRef:     previous.SourceRef,
		Name:          previous.Name,
		TenantID:      previous.TenantID,
		CreatedByID:   previous.CreatedByID,
		Configuration: previous.Configuration,
		RerunOf:       previous.ID,
	})
}

// Audit enqueues an audit-log entry. Failures are logged, never returned.
func (e *Enqueuer) Audit(ctx context.Context, action string, job *models.ImportJob) {
	msg := models.AuditMessage{
		Action:     action,
		EntityType: "import_job",
		EntityID:   job.ID,
		ActorID:    job.CreatedByID,
		Details: map[string]string{
			"status": string(job.Status),
			"phase":  string(job.Phase),
		},
		OccurredAt: time.Now().UTC(),
	}
	if _, err := e.registry.Enqueue(ctx, queue.QueueAuditLog, job.TenantID, msg); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Str("action", action).Msg("Failed to enqueue audit entry")
	}
}

// Notify enqueues a notification to the job's creator, if known.
func (e *Enqueuer) Notify(ctx context.Context, job *models.ImportJob, title string) {
	if job.CreatedByID == "" {
		return
	}
	msg := models.NotificationMessage{
		UserID: job.CreatedByID,
		Title:  title,
		Body:   fmt.Sprintf("Import %s: %d processed, %d errors, %d skipped", job.ID, job.ProcessedCount, job.ErrorCount, job.SkippedCount),
		Link:   "/imports/" + job.ID,
	}
	if _, err := e.registry.Enqueue(ctx, queue.QueueNotification, job.TenantID, msg); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to enqueue job notification")
	}
}

func (e *Enqueuer) publish(ctx context.Context, job *models.ImportJob, mode models.ImportMode) error {
	msg, err := e.registry.Enqueue(ctx, queue.QueueTestmoImport, job.TenantID, models.ImportMessage{
		JobID: job.ID,
		Mode:  mode,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Str("mode", string(mode)).Msg("Failed to enqueue import message")
		entry := models.NewActivity(models.ActivityError, fmt.Sprintf("Failed to enqueue %s: %v", mode, err))
		if _, logErr := e.manager.AppendActivity(ctx, job.ID, entry); logErr != nil {
			e.logger.Warn().Err(logErr).Str("job_id", job.ID).Msg("Failed to record enqueue failure")
		}
		return err
	}

	e.logger.Info().
		Str("job_id", job.ID).
		Str("mode", string(mode)).
		Str("message_id", msg.ID).
		Msg("Import message enqueued")

	entry := models.NewActivity(models.ActivityInfo, fmt.Sprintf("Queued for %s", mode))
	if _, err := e.manager.AppendActivity(ctx, job.ID, entry); err != nil {
		e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to record enqueue activity")
	}
	return nil
}

// UnresolvedAmbiguities lists "kind/name" for ambiguous references the
// configuration does not map, sorted.
func UnresolvedAmbiguities(a *models.MappingAnalysis, cfg *models.ImportConfiguration) []string {
	if a == nil {
		return nil
	}
	var unresolved []string
	for kind, entries := range a.AmbiguousEntities {
		for _, amb := range entries {
			if _, ok := cfg.Lookup(kind, amb.Name); !ok {
				unresolved = append(unresolved, kind+"/"+amb.Name)
			}
		}
	}
	sort.Strings(unresolved)
	return unresolved
}
