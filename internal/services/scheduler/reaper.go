package scheduler

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/jobs"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
)

// ReaperJobName is the scheduler entry for the reaper.
const ReaperJobName = "job-reaper"

// ReapResult counts what one reaper pass changed.
type ReapResult struct {
	Stale        int
	DeadLettered int
}

// Reaper fails import jobs nobody will finish: RUNNING jobs whose heartbeat
// is older than the staleness window, and jobs whose queue message was
// dead-lettered.
type Reaper struct {
	manager  *jobs.Manager
	registry *queue.Registry
	logger   arbor.ILogger
}

// NewReaper creates a reaper.
func NewReaper(manager *jobs.Manager, registry *queue.Registry, logger arbor.ILogger) *Reaper {
	return &Reaper{manager: manager, registry: registry, logger: logger}
}

// Register schedules the reaper on s.
func (r *Reaper) Register(s *Service, schedule string) error {
	return s.RegisterJob(ReaperJobName, schedule, "Fail abandoned and dead-lettered import jobs", func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	})
}

// Run performs one reaper pass.
func (r *Reaper) Run(ctx context.Context) (*ReapResult, error) {
	result := &ReapResult{}

	stale, err := r.manager.ReapStale(ctx)
	if err != nil {
		return result, err
	}
	result.Stale = stale

	dead, err := r.registry.Broker().DeadLetters(ctx, queue.QueueTestmoImport)
	if err != nil {
		return result, fmt.Errorf("failed to list dead-lettered import messages: %w", err)
	}
	for _, msg := range dead {
		var payload models.ImportMessage
		if err := msg.Decode(&payload); err != nil || payload.JobID == "" {
			continue
		}
		job, err := r.manager.GetJob(ctx, payload.JobID)
		if err != nil || job.Status.IsTerminal() {
			continue
		}
		message := fmt.Sprintf("Import gave up after %d attempts", msg.Attempts)
		if _, err := r.manager.Fail(ctx, job.ID, message); err != nil {
			r.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to fail dead-lettered job")
			continue
		}
		result.DeadLettered++
	}

	if result.Stale > 0 || result.DeadLettered > 0 {
		r.logger.Info().
			Int("stale", result.Stale).
			Int("dead_lettered", result.DeadLettered).
			Msg("Reaper pass complete")
	}
	return result, nil
}
