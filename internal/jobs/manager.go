// -----------------------------------------------------------------------
// Import Job Manager - Guarded state machine over the job record store
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/trellis/internal/analysis"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

// maxUpdateRetries bounds retries of a mutation that lost an optimistic race.
const maxUpdateRetries = 5

var configValidator = validator.New()

// CreateJobRequest is the enqueue-side input for a new import job.
type CreateJobRequest struct {
	SourceRef     string                      `json:"source_ref" validate:"required"`
	Name          string                      `json:"name"`
	TenantID      string                      `json:"tenant_id"`
	CreatedByID   string                      `json:"created_by_id"`
	Configuration *models.ImportConfiguration `json:"configuration,omitempty"`
	RerunOf       string                      `json:"-"`
}

// Transition describes a guarded status change. Phase is applied when set;
// Mutate runs after the status and phase are applied.
//
// Claim hands the run to a delivery; taking over a RUNNING job needs a later
// attempt of the owning message and a heartbeat older than the staleness
// window. Owner requires the job to still be held by that delivery.
type Transition struct {
	Status        models.JobStatus
	Phase         models.JobPhase
	StatusMessage string
	Activity      *models.ActivityEntry
	Mutate        func(job *models.ImportJob) error
	Claim         *models.DeliveryToken
	Owner         *models.DeliveryToken
}

// Manager handles import job records and their lifecycle.
type Manager struct {
	storage     interfaces.JobStorage
	datasets    *DatasetService
	engine      *analysis.Engine
	events      interfaces.EventService // Optional: may be nil for testing
	config      common.JobsConfig
	logger      arbor.ILogger
	now         func() time.Time
	throttle    time.Duration
	mu          sync.Mutex
	progressRLs map[string]*rate.Limiter
}

// NewManager creates a job manager. events may be nil.
func NewManager(storage interfaces.JobStorage, datasets *DatasetService, engine *analysis.Engine, events interfaces.EventService, config *common.Config, logger arbor.ILogger) *Manager {
	return &Manager{
		storage:     storage,
		datasets:    datasets,
		engine:      engine,
		events:      events,
		config:      config.Jobs,
		logger:      logger,
		now:         time.Now,
		throttle:    common.Duration(config.WebSocket.ThrottleInterval, 500*time.Millisecond),
		progressRLs: make(map[string]*rate.Limiter),
	}
}

// Datasets exposes the dataset service backing this manager.
func (m *Manager) Datasets() *DatasetService {
	return m.datasets
}

// MultiTenant reports whether reads must be scoped to a tenant.
func (m *Manager) MultiTenant() bool {
	return m.config.MultiTenant
}

// CheckTenant rejects an empty tenant in multi-tenant mode.
func (m *Manager) CheckTenant(tenantID string) error {
	if m.config.MultiTenant && strings.TrimSpace(tenantID) == "" {
		return models.ErrTenantRequired
	}
	return nil
}

// CreateJob persists a new job in QUEUED/ANALYZING.
func (m *Manager) CreateJob(ctx context.Context, req CreateJobRequest) (*models.ImportJob, error) {
	if err := configValidator.Struct(req); err != nil {
		return nil, &models.ValidationError{Field: "source_ref", Reason: "is required"}
	}
	if err := m.CheckTenant(req.TenantID); err != nil {
		return nil, err
	}
	if req.Configuration != nil {
		if err := ValidateConfiguration(req.Configuration); err != nil {
			return nil, err
		}
	}

	job := models.NewImportJob(common.NewJobID(), req.SourceRef, req.TenantID, req.CreatedByID)
	now := m.now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.Name = req.Name
	job.RerunOf = req.RerunOf
	if req.Configuration != nil {
		cfg := req.Configuration.Clone()
		cfg.Normalize()
		job.Configuration = cfg
	}
	job.AppendActivity(m.activity(models.ActivityInfo, "Import job created"), m.config.ActivityLogLimit)

	if err := m.storage.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job record: %w", err)
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("tenant_id", job.TenantID).
		Str("source_ref", job.SourceRef).
		Msg("Import job created")

	m.publish(ctx, interfaces.EventJobCreated, job)
	return job, nil
}

// GetJob loads a job record.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*models.ImportJob, error) {
	return m.storage.GetJob(ctx, jobID)
}

// GetJobForTenant loads a job, hiding jobs owned by another tenant.
func (m *Manager) GetJobForTenant(ctx context.Context, jobID, tenantID string) (*models.ImportJob, error) {
	if err := m.CheckTenant(tenantID); err != nil {
		return nil, err
	}
	job, err := m.storage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if m.config.MultiTenant && job.TenantID != tenantID {
		return nil, fmt.Errorf("%w: %s", models.ErrJobNotFound, jobID)
	}
	return job, nil
}

// Snapshot returns the status-poll view of a job.
func (m *Manager) Snapshot(ctx context.Context, jobID, tenantID string) (*models.JobSnapshot, error) {
	job, err := m.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	return job.Snapshot(m.config.SnapshotActivityLimit, m.analysisComplete(ctx, job)), nil
}

// ListJobs lists jobs, scoped to the tenant in multi-tenant mode.
func (m *Manager) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.JobSnapshot, error) {
	if opts == nil {
		opts = &interfaces.JobListOptions{}
	}
	if err := m.CheckTenant(opts.TenantID); err != nil {
		return nil, err
	}
	jobs, err := m.storage.ListJobs(ctx, opts)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*models.JobSnapshot, len(jobs))
	for i, job := range jobs {
		snapshots[i] = job.Snapshot(m.config.SnapshotActivityLimit, m.analysisComplete(ctx, job))
	}
	return snapshots, nil
}

func (m *Manager) analysisComplete(ctx context.Context, job *models.ImportJob) bool {
	if job.Analysis == nil {
		return false
	}
	dataset, err := m.datasets.Fetch(ctx, job.ID)
	if err != nil {
		return job.Analysis.IsComplete(job.Analysis.RequiredKinds)
	}
	return job.Analysis.IsComplete(analysis.RequiredKinds(dataset, job.Configuration))
}

// Transition moves a job from expected to t.Status in one guarded update.
// Fails with models.ErrInvalidTransition when the stored status differs from
// expected, the job is terminal, or the resulting state is inconsistent.
func (m *Manager) Transition(ctx context.Context, jobID string, expected models.JobStatus, t Transition) (*models.ImportJob, error) {
	var previous models.JobStatus
	job, err := m.storage.UpdateJob(ctx, jobID, func(job *models.ImportJob) error {
		previous = job.Status
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, job.ID, job.Status)
		}
		if job.Status != expected {
			return fmt.Errorf("%w: job %s is %s, expected %s", models.ErrInvalidTransition, job.ID, job.Status, expected)
		}
		if !models.CanTransition(job.Status, t.Status) {
			return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, job.Status, t.Status)
		}
		if err := job.CheckOwner(t.Owner); err != nil {
			return err
		}
		if t.Claim != nil {
			if err := m.claim(job, t.Claim); err != nil {
				return err
			}
		}

		now := m.now().UTC()
		job.Status = t.Status
		if t.Phase != "" {
			job.Phase = t.Phase
		}
		if t.StatusMessage != "" {
			job.StatusMessage = t.StatusMessage
		}
		if t.Mutate != nil {
			if err := t.Mutate(job); err != nil {
				if errors.Is(err, models.ErrNoChange) {
					return fmt.Errorf("%w: job %s rejected the update", models.ErrInvalidTransition, job.ID)
				}
				return err
			}
		}
		if t.Activity != nil {
			job.AppendActivity(*t.Activity, m.config.ActivityLogLimit)
		}
		if err := job.ValidateState(); err != nil {
			return err
		}
		if job.Status == models.JobStatusRunning {
			job.LastHeartbeatAt = &now
		}
		if job.Status.IsTerminal() {
			job.FinishedAt = &now
			job.Release()
		}
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if previous != job.Status {
		m.logger.Info().
			Str("job_id", job.ID).
			Str("from", string(previous)).
			Str("to", string(job.Status)).
			Str("phase", string(job.Phase)).
			Msg("Job status changed")
		m.publish(ctx, interfaces.EventJobStatusChanged, job)
	}
	if job.Status.IsTerminal() {
		m.forgetLimiter(job.ID)
	}
	return job, nil
}

// claim records token as the owning delivery. A RUNNING job only changes
// hands to a newer delivery of the same message once its owner has stopped
// heartbeating; a live owner keeps the run.
func (m *Manager) claim(job *models.ImportJob, token *models.DeliveryToken) error {
	if job.Status == models.JobStatusRunning {
		if job.ActiveMessageID != token.MessageID {
			return fmt.Errorf("%w: job %s is running under message %q", models.ErrNotOwner, job.ID, job.ActiveMessageID)
		}
		if token.Attempt <= job.ActiveDelivery {
			return fmt.Errorf("%w: delivery %d of job %s is not newer than %d", models.ErrNotOwner, token.Attempt, job.ID, job.ActiveDelivery)
		}
		check := common.CheckHeartbeatStaleness(job.LastHeartbeatAt, job.UpdatedAt, m.now(), m.stalenessWindow())
		if !check.IsStale {
			return fmt.Errorf("%w: delivery %d of job %s is still heartbeating", models.ErrNotOwner, job.ActiveDelivery, job.ID)
		}
		m.logger.Warn().
			Str("job_id", job.ID).
			Int("from_delivery", job.ActiveDelivery).
			Int("to_delivery", token.Attempt).
			Str("reason", check.Reason).
			Msg("Taking over abandoned run")
	}
	job.ActiveMessageID = token.MessageID
	job.ActiveDelivery = token.Attempt
	return nil
}

func (m *Manager) stalenessWindow() time.Duration {
	return common.Duration(m.config.StalenessWindow, 10*time.Minute)
}

// RequestCancel sets the cooperative cancel flag. QUEUED and READY jobs are
// cancelled immediately since no worker owns them; a later message for them
// is dropped as stale. Terminal jobs are returned unchanged.
func (m *Manager) RequestCancel(ctx context.Context, jobID, tenantID string) (*models.ImportJob, error) {
	if _, err := m.GetJobForTenant(ctx, jobID, tenantID); err != nil {
		return nil, err
	}

	var changed bool
	job, err := m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		changed = false
		if job.Status.IsTerminal() {
			return models.ErrNoChange
		}
		now := m.now().UTC()
		switch job.Status {
		case models.JobStatusQueued:
			job.CancelRequested = true
			job.Status = models.JobStatusCancelled
			job.StatusMessage = "Cancelled before processing started"
			job.FinishedAt = &now
			job.AppendActivity(m.activity(models.ActivityWarn, "Import cancelled while queued"), m.config.ActivityLogLimit)
		case models.JobStatusReady:
			job.CancelRequested = true
			job.Status = models.JobStatusCancelled
			job.StatusMessage = "Cancelled before import started"
			job.FinishedAt = &now
			job.AppendActivity(m.activity(models.ActivityWarn, "Import cancelled while awaiting configuration"), m.config.ActivityLogLimit)
		default:
			if job.CancelRequested {
				return models.ErrNoChange
			}
			job.CancelRequested = true
			job.AppendActivity(m.activity(models.ActivityWarn, "Cancellation requested"), m.config.ActivityLogLimit)
		}
		job.UpdatedAt = now
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		m.logger.Info().Str("job_id", job.ID).Str("status", string(job.Status)).Msg("Job cancellation requested")
		if job.Status == models.JobStatusCancelled {
			m.publish(ctx, interfaces.EventJobStatusChanged, job)
			m.forgetLimiter(job.ID)
		} else {
			m.publish(ctx, interfaces.EventJobCancelRequested, job)
		}
	}
	return job, nil
}

// RecordProgress applies counter deltas, appends an activity entry and
// refreshes the heartbeat in one update. A non-nil owner fences the write to
// the delivery holding the run.
func (m *Manager) RecordProgress(ctx context.Context, jobID string, owner *models.DeliveryToken, entry *models.ActivityEntry, delta models.ProgressDelta) (*models.ImportJob, error) {
	job, err := m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		if err := job.CheckOwner(owner); err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, job.ID, job.Status)
		}
		now := m.now().UTC()
		job.ProcessedCount += delta.Processed
		job.ErrorCount += delta.Errors
		job.SkippedCount += delta.Skipped
		if len(delta.Entities) > 0 {
			if job.EntityProgress == nil {
				job.EntityProgress = map[string]int{}
			}
			for kind, n := range delta.Entities {
				job.EntityProgress[kind] += n
			}
		}
		if entry != nil {
			job.AppendActivity(*entry, m.config.ActivityLogLimit)
		}
		job.LastHeartbeatAt = &now
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !delta.IsZero() && m.allowProgress(job.ID) {
		m.publish(ctx, interfaces.EventJobProgress, job)
	}
	return job, nil
}

// SetTotalCount records the row total of the current import run.
func (m *Manager) SetTotalCount(ctx context.Context, jobID string, owner *models.DeliveryToken, total int) (*models.ImportJob, error) {
	return m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		if err := job.CheckOwner(owner); err != nil {
			return err
		}
		if job.Status != models.JobStatusRunning {
			return fmt.Errorf("%w: job %s is %s", models.ErrInvalidTransition, job.ID, job.Status)
		}
		job.TotalCount = total
		job.UpdatedAt = m.now().UTC()
		return nil
	})
}

// AppendActivity appends a log entry without changing counters.
func (m *Manager) AppendActivity(ctx context.Context, jobID string, entry models.ActivityEntry) (*models.ImportJob, error) {
	return m.RecordProgress(ctx, jobID, nil, &entry, models.ProgressDelta{})
}

// SaveConfiguration stores the mapping on a READY job and moves it to
// CONFIGURING. Saving an equivalent configuration again changes nothing.
func (m *Manager) SaveConfiguration(ctx context.Context, jobID, tenantID string, cfg *models.ImportConfiguration) (*models.ImportJob, error) {
	if cfg == nil {
		return nil, &models.ValidationError{Field: "configuration", Reason: "is required"}
	}
	if err := ValidateConfiguration(cfg); err != nil {
		return nil, err
	}
	if _, err := m.GetJobForTenant(ctx, jobID, tenantID); err != nil {
		return nil, err
	}

	normalized := cfg.Clone()
	normalized.Normalize()

	return m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		if job.Status != models.JobStatusReady {
			return &models.ValidationError{
				Field:  "status",
				Reason: fmt.Sprintf("configuration can only be saved while the job is READY (current %s)", job.Status),
			}
		}
		if job.Configuration.Equivalent(normalized) && job.Phase == models.JobPhaseConfiguring {
			return models.ErrNoChange
		}
		now := m.now().UTC()
		normalized.SavedAt = now
		job.Configuration = normalized
		job.Phase = models.JobPhaseConfiguring
		job.AppendActivity(m.activity(models.ActivityInfo, "Import configuration saved"), m.config.ActivityLogLimit)
		job.UpdatedAt = now
		return nil
	})
}

// ValidateConfiguration checks every mapping entry. Two external names of a
// kind that normalize to the same name are rejected, since only one of them
// could be kept.
func ValidateConfiguration(cfg *models.ImportConfiguration) error {
	kinds := cfg.Kinds()
	for _, kind := range kinds {
		names := make([]string, 0, len(cfg.Mappings[kind]))
		for name := range cfg.Mappings[kind] {
			names = append(names, name)
		}
		sort.Strings(names)
		seen := make(map[string]string, len(names))
		for _, name := range names {
			if strings.TrimSpace(name) == "" {
				return &models.ValidationError{Field: "mappings." + kind, Reason: "external name must not be empty"}
			}
			key := models.NormalizeName(name)
			if other, ok := seen[key]; ok {
				return &models.ValidationError{
					Field:  "mappings." + kind,
					Reason: fmt.Sprintf("external names %q and %q both map %q", other, name, key),
				}
			}
			seen[key] = name
			mapping := cfg.Mappings[kind][name]
			if err := configValidator.Struct(mapping); err != nil {
				var verrs validator.ValidationErrors
				reason := err.Error()
				if errors.As(err, &verrs) && len(verrs) > 0 {
					reason = fmt.Sprintf("%s failed %q", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
				}
				return &models.ValidationError{Field: fmt.Sprintf("mappings.%s.%s", kind, name), Reason: reason}
			}
		}
	}
	return nil
}

// ComputeAnalysis runs the analysis engine over every row of a job's
// dataset, so references outside the stored sample are covered too.
func (m *Manager) ComputeAnalysis(ctx context.Context, job *models.ImportJob, dataset *models.Dataset, rows []models.Row) (*models.MappingAnalysis, error) {
	if len(rows) != dataset.RowCount {
		return nil, fmt.Errorf("analysis needs all %d rows of dataset %s, got %d", dataset.RowCount, dataset.ID, len(rows))
	}
	return m.engine.Analyze(ctx, job, dataset, rows)
}

// EnsureAnalysis returns a complete analysis for the configuration UI,
// recomputing when the cached one is missing, incomplete or computed against
// an older catalog. A failed recompute leaves the cached analysis in place;
// after MaxAnalysisFailures consecutive failures the job is marked FAILED.
func (m *Manager) EnsureAnalysis(ctx context.Context, jobID, tenantID string) (*models.MappingAnalysis, error) {
	job, err := m.GetJobForTenant(ctx, jobID, tenantID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() || job.Status != models.JobStatusReady {
		return job.Analysis, nil
	}

	dataset, err := m.datasets.Fetch(ctx, job.ID)
	if err != nil {
		return nil, m.recordAnalysisFailure(ctx, job.ID, err)
	}

	kinds := analysis.RequiredKinds(dataset, job.Configuration)
	if job.Analysis.IsComplete(kinds) {
		revision, err := m.engine.CatalogRevision(ctx)
		if err == nil && revision == job.Analysis.CatalogRevision {
			return job.Analysis, nil
		}
	}

	m.logger.Debug().Str("job_id", job.ID).Strs("kinds", kinds).Msg("Recomputing mapping analysis")

	rows, err := m.datasets.AnalysisRows(ctx, job, dataset)
	if err != nil {
		return nil, m.recordAnalysisFailure(ctx, job.ID, err)
	}
	result, err := m.ComputeAnalysis(ctx, job, dataset, rows)
	if err != nil {
		return nil, m.recordAnalysisFailure(ctx, job.ID, err)
	}
	if !result.IsComplete(kinds) {
		return nil, m.recordAnalysisFailure(ctx, job.ID, fmt.Errorf("analysis is missing required sections"))
	}

	updated, err := m.updateWithRetry(ctx, job.ID, func(job *models.ImportJob) error {
		if job.Status != models.JobStatusReady {
			return models.ErrNoChange
		}
		job.Analysis = result
		job.AnalysisFailures = 0
		job.UpdatedAt = m.now().UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Analysis == nil {
		return result, nil
	}
	return updated.Analysis, nil
}

func (m *Manager) recordAnalysisFailure(ctx context.Context, jobID string, cause error) error {
	limit := m.config.MaxAnalysisFailures
	job, err := m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		if job.Status.IsTerminal() {
			return models.ErrNoChange
		}
		now := m.now().UTC()
		job.AnalysisFailures++
		if limit > 0 && job.AnalysisFailures >= limit {
			job.Status = models.JobStatusFailed
			job.StatusMessage = "Mapping analysis could not be computed"
			job.FinishedAt = &now
			job.AppendActivity(m.activity(models.ActivityError, fmt.Sprintf("Analysis failed %d times: %v", job.AnalysisFailures, cause)), m.config.ActivityLogLimit)
		}
		job.UpdatedAt = now
		return nil
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to record analysis failure")
		return fmt.Errorf("analysis recompute failed: %w", cause)
	}

	m.logger.Warn().
		Err(cause).
		Str("job_id", jobID).
		Int("failures", job.AnalysisFailures).
		Msg("Mapping analysis recompute failed")

	if job.Status == models.JobStatusFailed {
		m.publish(ctx, interfaces.EventJobStatusChanged, job)
	}
	return fmt.Errorf("analysis recompute failed: %w", cause)
}

// Fail marks a non-terminal job FAILED. Terminal jobs are returned unchanged.
func (m *Manager) Fail(ctx context.Context, jobID, message string) (*models.ImportJob, error) {
	return m.FailOwned(ctx, jobID, nil, message)
}

// FailOwned is Fail fenced to the delivery holding the run.
func (m *Manager) FailOwned(ctx context.Context, jobID string, owner *models.DeliveryToken, message string) (*models.ImportJob, error) {
	var failed bool
	job, err := m.updateWithRetry(ctx, jobID, func(job *models.ImportJob) error {
		failed = false
		if job.Status.IsTerminal() {
			return models.ErrNoChange
		}
		if err := job.CheckOwner(owner); err != nil {
			return err
		}
		now := m.now().UTC()
		job.Status = models.JobStatusFailed
		job.StatusMessage = message
		job.FinishedAt = &now
		job.Release()
		job.AppendActivity(m.activity(models.ActivityError, message), m.config.ActivityLogLimit)
		job.UpdatedAt = now
		failed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if failed {
		m.logger.Warn().Str("job_id", job.ID).Str("reason", message).Msg("Job marked as failed")
		m.publish(ctx, interfaces.EventJobStatusChanged, job)
		m.forgetLimiter(job.ID)
	}
	return job, nil
}

// ReapStale marks RUNNING jobs without a heartbeat inside the staleness
// window as FAILED. Returns the number of jobs reaped.
func (m *Manager) ReapStale(ctx context.Context) (int, error) {
	window := m.stalenessWindow()
	running, err := m.storage.ListJobs(ctx, &interfaces.JobListOptions{Status: models.JobStatusRunning})
	if err != nil {
		return 0, fmt.Errorf("failed to list running jobs: %w", err)
	}

	reaped := 0
	for _, candidate := range running {
		check := common.CheckHeartbeatStaleness(candidate.LastHeartbeatAt, candidate.UpdatedAt, m.now(), window)
		if !check.IsStale {
			continue
		}

		var failed bool
		job, err := m.storage.UpdateJob(ctx, candidate.ID, func(job *models.ImportJob) error {
			failed = false
			if job.Status != models.JobStatusRunning {
				return models.ErrNoChange
			}
			// Re-check against the stored record; a heartbeat may have landed.
			if !common.CheckHeartbeatStaleness(job.LastHeartbeatAt, job.UpdatedAt, m.now(), window).IsStale {
				return models.ErrNoChange
			}
			now := m.now().UTC()
			job.Status = models.JobStatusFailed
			job.StatusMessage = "Worker stopped responding; job abandoned"
			job.FinishedAt = &now
			job.Release()
			job.AppendActivity(m.activity(models.ActivityError, "Reaped: "+check.Reason), m.config.ActivityLogLimit)
			job.UpdatedAt = now
			failed = true
			return nil
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("job_id", candidate.ID).Msg("Failed to reap stale job")
			continue
		}
		if failed {
			reaped++
			m.logger.Warn().Str("job_id", job.ID).Str("reason", check.Reason).Msg("Stale job reaped")
			m.publish(ctx, interfaces.EventJobStatusChanged, job)
			m.forgetLimiter(job.ID)
		}
	}
	return reaped, nil
}

func (m *Manager) updateWithRetry(ctx context.Context, jobID string, fn interfaces.JobMutator) (*models.ImportJob, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateRetries; attempt++ {
		job, err := m.storage.UpdateJob(ctx, jobID, fn)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, models.ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 5 * time.Millisecond):
		}
	}
	return nil, lastErr
}

func (m *Manager) activity(level, message string) models.ActivityEntry {
	return models.ActivityEntry{Timestamp: m.now().UTC(), Level: level, Message: message}
}

// allowProgress rate limits progress events per job.
func (m *Manager) allowProgress(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	limiter, ok := m.progressRLs[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(m.throttle), 1)
		m.progressRLs[jobID] = limiter
	}
	return limiter.Allow()
}

func (m *Manager) forgetLimiter(jobID string) {
	m.mu.Lock()
	delete(m.progressRLs, jobID)
	m.mu.Unlock()
}

func (m *Manager) publish(ctx context.Context, eventType interfaces.EventType, job *models.ImportJob) {
	if m.events == nil {
		return
	}
	payload := map[string]interface{}{
		"job_id":          job.ID,
		"tenant_id":       job.TenantID,
		"status":          string(job.Status),
		"phase":           string(job.Phase),
		"status_message":  job.StatusMessage,
		"processed_count": job.ProcessedCount,
		"error_count":     job.ErrorCount,
		"skipped_count":   job.SkippedCount,
		"total_count":     job.TotalCount,
		"timestamp":       m.now().UTC().Format(time.RFC3339Nano),
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish job event")
	}
}
