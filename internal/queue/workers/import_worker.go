// -----------------------------------------------------------------------
// Import Worker - Drives import jobs through analysis and import
// -----------------------------------------------------------------------

package workers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/jobs"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

var payloadValidator = validator.New()

// ImportWorker consumes {jobId, mode} messages. The job record decides what
// happens: stale or inconsistent messages are acknowledged without effect.
type ImportWorker struct {
	manager  *jobs.Manager
	importer *jobs.Importer
	enqueuer *jobs.Enqueuer // Optional: audit and notification fan-out
	logger   arbor.ILogger
}

var _ interfaces.JobWorker = (*ImportWorker)(nil)

// NewImportWorker creates the testmo-import worker.
func NewImportWorker(manager *jobs.Manager, importer *jobs.Importer, enqueuer *jobs.Enqueuer, logger arbor.ILogger) *ImportWorker {
	return &ImportWorker{
		manager:  manager,
		importer: importer,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// GetQueueName returns the queue this worker consumes.
func (w *ImportWorker) GetQueueName() string {
	return queue.QueueTestmoImport
}

// Execute runs one message through the job state machine.
func (w *ImportWorker) Execute(ctx context.Context, msg *models.QueueMessage) (err error) {
	var payload models.ImportMessage
	if err := msg.Decode(&payload); err != nil {
		return models.NewBusinessError("malformed import message", err)
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return models.NewBusinessError("invalid import message", err)
	}

	logger := w.logger.WithCorrelationId(payload.JobID)

	job, err := w.manager.GetJob(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, models.ErrJobNotFound) {
			logger.Warn().Str("message_id", msg.ID).Msg("Import message references unknown job, dropping")
			return nil
		}
		return models.Transient(err)
	}

	if job.Status.IsTerminal() {
		logger.Debug().Str("status", string(job.Status)).Msg("Job already finished, dropping message")
		return nil
	}
	if !w.consistent(job, payload.Mode, msg) {
		logger.Info().
			Str("mode", string(payload.Mode)).
			Str("status", string(job.Status)).
			Str("phase", string(job.Phase)).
			Msg("Message inconsistent with job state, dropping")
		return nil
	}

	owner := &models.DeliveryToken{MessageID: msg.ID, Attempt: msg.Attempts}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprintf("%v", r)).Str("stack", getStackTrace()).Msg("Import worker panicked")
			err = w.fail(ctx, job.ID, owner, models.NewBusinessError("Unexpected internal error", fmt.Errorf("panic: %v", r)))
		}
	}()

	if job.CancelRequested {
		_, err := w.manager.Transition(ctx, job.ID, job.Status, jobs.Transition{
			Status:        models.JobStatusCancelled,
			StatusMessage: "Cancelled before processing started",
			Activity:      activity(models.ActivityWarn, "Cancelled before processing started"),
			Claim:         owner,
		})
		return w.settleTransitionError(err)
	}

	switch payload.Mode {
	case models.ImportModeAnalyze:
		return w.analyze(ctx, job, owner, logger)
	default:
		return w.runImport(ctx, job, owner, logger)
	}
}

// consistent reports whether mode matches the job's status and phase. A
// RUNNING job is only considered by a delivery of the message that started
// the run; the manager's claim decides whether its owner has gone quiet.
func (w *ImportWorker) consistent(job *models.ImportJob, mode models.ImportMode, msg *models.QueueMessage) bool {
	switch mode {
	case models.ImportModeAnalyze:
		switch job.Status {
		case models.JobStatusQueued:
			return job.Phase == models.JobPhaseAnalyzing
		case models.JobStatusRunning:
			return job.Phase == models.JobPhaseAnalyzing && job.ActiveMessageID == msg.ID
		}
	case models.ImportModeImport:
		switch job.Status {
		case models.JobStatusReady:
			return job.Configuration != nil
		case models.JobStatusRunning:
			return job.Phase == models.JobPhaseImporting && job.ActiveMessageID == msg.ID
		}
	}
	return false
}

func (w *ImportWorker) analyze(ctx context.Context, job *models.ImportJob, owner *models.DeliveryToken, logger arbor.ILogger) error {
	resumed := job.Status == models.JobStatusRunning
	job, err := w.manager.Transition(ctx, job.ID, job.Status, jobs.Transition{
		Status:   models.JobStatusRunning,
		Phase:    models.JobPhaseAnalyzing,
		Claim:    owner,
		Activity: activity(models.ActivityInfo, startMessage("Analysis", resumed, owner.Attempt)),
	})
	if err != nil {
		return w.settleTransitionError(err)
	}

	dataset, rows, err := w.manager.Datasets().LoadSource(ctx, job)
	if err != nil {
		return w.fail(ctx, job.ID, owner, err)
	}
	if cancelled, err := w.checkCancel(ctx, job.ID, owner, "Analysis cancelled after loading the dataset"); cancelled || err != nil {
		return err
	}

	result, err := w.manager.ComputeAnalysis(ctx, job, dataset, rows)
	if err != nil {
		return w.fail(ctx, job.ID, owner, err)
	}
	if cancelled, err := w.checkCancel(ctx, job.ID, owner, "Analysis cancelled"); cancelled || err != nil {
		return err
	}

	ambiguous, missing := 0, 0
	for _, v := range result.AmbiguousEntities {
		ambiguous += len(v)
	}
	for _, v := range result.MissingEntities {
		missing += len(v)
	}

	job, err = w.manager.Transition(ctx, job.ID, models.JobStatusRunning, jobs.Transition{
		Status: models.JobStatusReady,
		Phase:  models.JobPhaseConfiguring,
		Owner:  owner,
		Mutate: func(j *models.ImportJob) error {
			j.Analysis = result
			j.AnalysisFailures = 0
			j.Release()
			return nil
		},
		Activity: activity(models.ActivityInfo, fmt.Sprintf(
			"Analysis complete: %d rows, %d ambiguous and %d missing references", dataset.RowCount, ambiguous, missing)),
	})
	if err != nil {
		return w.settleTransitionError(err)
	}

	logger.Info().
		Str("job_id", job.ID).
		Int("rows", dataset.RowCount).
		Int("ambiguous", ambiguous).
		Int("missing", missing).
		Msg("Analysis complete, awaiting configuration")
	return nil
}

func (w *ImportWorker) runImport(ctx context.Context, job *models.ImportJob, owner *models.DeliveryToken, logger arbor.ILogger) error {
	resumed := job.Status == models.JobStatusRunning
	job, err := w.manager.Transition(ctx, job.ID, job.Status, jobs.Transition{
		Status: models.JobStatusRunning,
		Phase:  models.JobPhaseImporting,
		Claim:  owner,
		Mutate: func(j *models.ImportJob) error {
			now := time.Now().UTC()
			j.LastImportStartedAt = &now
			j.ResetProgress()
			return nil
		},
		Activity: activity(models.ActivityInfo, startMessage("Import", resumed, owner.Attempt)),
	})
	if err != nil {
		return w.settleTransitionError(err)
	}

	dataset, rows, err := w.manager.Datasets().ImportRows(ctx, job)
	if err != nil {
		return w.fail(ctx, job.ID, owner, err)
	}
	if job, err = w.manager.SetTotalCount(ctx, job.ID, owner, len(rows)); err != nil {
		return w.settleTransitionError(err)
	}

	result, err := w.importer.Run(ctx, job, dataset, rows)
	if err != nil {
		return w.fail(ctx, job.ID, owner, err)
	}

	final := result.Job
	if result.Cancelled {
		message := fmt.Sprintf("Import cancelled after %d of %d rows; %d rows already imported are kept",
			final.ProcessedCount+final.ErrorCount+final.SkippedCount, final.TotalCount, final.ProcessedCount)
		final, err = w.manager.Transition(ctx, job.ID, models.JobStatusRunning, jobs.Transition{
			Status:        models.JobStatusCancelled,
			StatusMessage: message,
			Activity:      activity(models.ActivityWarn, message),
			Owner:         owner,
		})
		if err != nil {
			return w.settleTransitionError(err)
		}
		w.finished(ctx, final, "import.cancelled", "Import cancelled")
		return nil
	}

	message := fmt.Sprintf("Import complete: %d imported, %d errors, %d skipped",
		final.ProcessedCount, final.ErrorCount, final.SkippedCount)
	final, err = w.manager.Transition(ctx, job.ID, models.JobStatusRunning, jobs.Transition{
		Status:   models.JobStatusCompleted,
		Activity: activity(models.ActivityInfo, message),
		Owner:    owner,
	})
	if err != nil {
		return w.settleTransitionError(err)
	}

	logger.Info().
		Str("job_id", final.ID).
		Int("processed", final.ProcessedCount).
		Int("errors", final.ErrorCount).
		Int("skipped", final.SkippedCount).
		Msg("Import complete")
	w.finished(ctx, final, "import.completed", "Import completed")
	return nil
}

// checkCancel transitions a RUNNING job with a pending cancel to CANCELLED.
func (w *ImportWorker) checkCancel(ctx context.Context, jobID string, owner *models.DeliveryToken, message string) (bool, error) {
	job, err := w.manager.GetJob(ctx, jobID)
	if err != nil {
		return false, models.Transient(err)
	}
	if !job.CancelRequested {
		return false, nil
	}
	job, err = w.manager.Transition(ctx, jobID, models.JobStatusRunning, jobs.Transition{
		Status:        models.JobStatusCancelled,
		StatusMessage: message,
		Activity:      activity(models.ActivityWarn, message),
		Owner:         owner,
	})
	if err != nil {
		return true, w.settleTransitionError(err)
	}
	w.finished(ctx, job, "import.cancelled", "Import cancelled")
	return true, nil
}

// fail records a business error as FAILED and returns it so the processor
// acknowledges the message. Transient errors leave the job untouched, as
// does a delivery that lost the run to a newer one.
func (w *ImportWorker) fail(ctx context.Context, jobID string, owner *models.DeliveryToken, err error) error {
	if errors.Is(err, models.ErrNotOwner) {
		return w.settleTransitionError(err)
	}
	if models.IsTransient(err) {
		return err
	}
	job, failErr := w.manager.FailOwned(ctx, jobID, owner, statusMessage(err))
	if failErr != nil {
		if errors.Is(failErr, models.ErrNotOwner) {
			return w.settleTransitionError(failErr)
		}
		if errors.Is(failErr, models.ErrConcurrentUpdate) {
			return models.Transient(failErr)
		}
		w.logger.Error().Err(failErr).Str("job_id", jobID).Msg("Failed to mark job as failed")
		return err
	}
	if job.Status == models.JobStatusFailed {
		w.finished(ctx, job, "import.failed", "Import failed")
	}
	return err
}

// settleTransitionError treats a lost race as a no-op; a storage conflict is
// retried through redelivery.
func (w *ImportWorker) settleTransitionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrNotOwner):
		w.logger.Warn().Err(err).Msg("Job is held by another delivery, dropping message")
		return nil
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrJobNotFound):
		w.logger.Info().Err(err).Msg("Job changed underneath the worker, dropping message")
		return nil
	default:
		return models.Transient(err)
	}
}

// OnDeadLetter fails the job once its message has exhausted its attempts.
func (w *ImportWorker) OnDeadLetter(ctx context.Context, msg *models.QueueMessage, cause error) {
	var payload models.ImportMessage
	if err := msg.Decode(&payload); err != nil || payload.JobID == "" {
		return
	}
	message := fmt.Sprintf("Import gave up after %d attempts", msg.Attempts)
	job, err := w.manager.Fail(ctx, payload.JobID, message)
	if err != nil {
		w.logger.Warn().Err(err).Str("job_id", payload.JobID).Msg("Failed to fail dead-lettered job")
		return
	}
	w.logger.Warn().Err(cause).Str("job_id", payload.JobID).Msg("Import message dead-lettered")
	w.finished(ctx, job, "import.failed", "Import failed")
}

func (w *ImportWorker) finished(ctx context.Context, job *models.ImportJob, action, title string) {
	if w.enqueuer == nil || job == nil {
		return
	}
	w.enqueuer.Audit(ctx, action, job)
	w.enqueuer.Notify(ctx, job, title)
}

// statusMessage is the user-facing text for a failure. Internal details
// stay in the logs.
func statusMessage(err error) string {
	var be *models.BusinessError
	if errors.As(err, &be) {
		return be.Message
	}
	return "Import failed due to an internal error"
}

func activity(level, message string) *models.ActivityEntry {
	entry := models.NewActivity(level, message)
	return &entry
}

func startMessage(what string, resumed bool, attempt int) string {
	if resumed {
		return fmt.Sprintf("%s resumed after redelivery (attempt %d)", what, attempt)
	}
	return what + " started"
}
