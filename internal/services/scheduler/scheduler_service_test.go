package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/analysis"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/jobs"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
	"github.com/ternarybob/trellis/internal/storage/badger"
)

func TestRegisterJobRejectsBadSchedules(t *testing.T) {
	s := NewService(arbor.NewLogger())
	noop := func(ctx context.Context) error { return nil }

	assert.Error(t, s.RegisterJob("bad", "every now and then", "", noop))
	require.NoError(t, s.RegisterJob("ok", "@every 1m", "", noop))
	assert.Error(t, s.RegisterJob("ok", "@every 1m", "", noop), "duplicate names are rejected")
}

func TestRunNowRecordsOutcome(t *testing.T) {
	s := NewService(arbor.NewLogger())
	var calls int32
	require.NoError(t, s.RegisterJob("flaky", "@every 1h", "fails once", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			return errors.New("boom")
		}
		return nil
	}))

	assert.Error(t, s.RunNow("flaky"))
	statuses := s.GetJobStatuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "boom", statuses[0].LastError)
	assert.NotNil(t, statuses[0].LastRun)

	require.NoError(t, s.RunNow("flaky"))
	assert.Empty(t, s.GetJobStatuses()[0].LastError)

	assert.Error(t, s.RunNow("missing"))
}

func TestStartStop(t *testing.T) {
	s := NewService(arbor.NewLogger())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

type reaperFixture struct {
	manager  *jobs.Manager
	registry *queue.Registry
	reaper   *Reaper
}

func newReaperFixture(t *testing.T, staleness string) *reaperFixture {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := common.NewDefaultConfig()
	cfg.Jobs.StalenessWindow = staleness

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	broker, err := queue.NewBadgerManager(storage.DB(), logger)
	require.NoError(t, err)
	registry, err := queue.NewRegistry(broker, queue.DefaultDefinitions(), false, logger)
	require.NoError(t, err)

	datasets := jobs.NewDatasetService(storage.DatasetStorage(), jobs.NewFileSourceReader(t.TempDir()), &cfg.Jobs, logger)
	engine := analysis.NewEngine(storage.CatalogStorage(), logger)
	manager := jobs.NewManager(storage.JobStorage(), datasets, engine, nil, cfg, logger)

	return &reaperFixture{
		manager:  manager,
		registry: registry,
		reaper:   NewReaper(manager, registry, logger),
	}
}

func TestReaperFailsStaleRunningJob(t *testing.T) {
	ctx := context.Background()
	f := newReaperFixture(t, "50ms")

	job, err := f.manager.CreateJob(ctx, jobs.CreateJobRequest{SourceRef: "cases.csv"})
	require.NoError(t, err)
	_, err = f.manager.Transition(ctx, job.ID, models.JobStatusQueued, jobs.Transition{
		Status: models.JobStatusRunning,
		Phase:  models.JobPhaseAnalyzing,
	})
	require.NoError(t, err)

	// A fresh heartbeat keeps the job alive.
	result, err := f.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stale)

	time.Sleep(150 * time.Millisecond)

	result, err = f.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Stale)

	reaped, err := f.manager.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, reaped.Status)
	assert.NotEmpty(t, reaped.StatusMessage)
	assert.NotNil(t, reaped.FinishedAt)

	// Terminal jobs are left alone on later passes.
	result, err = f.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Stale)
}

func TestReaperFailsDeadLetteredJob(t *testing.T) {
	ctx := context.Background()
	f := newReaperFixture(t, "10m")

	job, err := f.manager.CreateJob(ctx, jobs.CreateJobRequest{SourceRef: "cases.csv"})
	require.NoError(t, err)
	_, err = f.registry.Enqueue(ctx, queue.QueueTestmoImport, "", models.ImportMessage{JobID: job.ID, Mode: models.ImportModeAnalyze})
	require.NoError(t, err)

	broker := f.registry.Broker()
	for i := 0; i < 3; i++ {
		msg, err := broker.Receive(ctx, queue.QueueTestmoImport, time.Minute)
		require.NoError(t, err)
		require.NoError(t, broker.Nack(ctx, msg, errors.New("source unavailable"), 0))
	}
	dead, err := broker.DeadLetters(ctx, queue.QueueTestmoImport)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	result, err := f.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	failed, err := f.manager.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Contains(t, failed.StatusMessage, "3 attempts")

	result, err = f.reaper.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.DeadLettered)
}
