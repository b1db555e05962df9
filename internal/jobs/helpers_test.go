package jobs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/analysis"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
	"github.com/ternarybob/trellis/internal/queue"
	"github.com/ternarybob/trellis/internal/storage/badger"
)

type testEnv struct {
	cfg       *common.Config
	storage   interfaces.StorageManager
	sourceDir string
	datasets  *DatasetService
	manager   *Manager
	registry  *queue.Registry
	enqueuer  *Enqueuer
	importer  *Importer
}

func newTestEnv(t *testing.T, configure ...func(cfg *common.Config)) *testEnv {
	t.Helper()
	logger := arbor.NewLogger()

	cfg := common.NewDefaultConfig()
	cfg.Jobs.BatchSize = 10
	for _, fn := range configure {
		fn(cfg)
	}

	storage, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	broker, err := queue.NewBadgerManager(storage.DB(), logger)
	require.NoError(t, err)
	registry, err := queue.NewRegistry(broker, queue.DefaultDefinitions(), cfg.Jobs.MultiTenant, logger)
	require.NoError(t, err)

	sourceDir := t.TempDir()
	datasets := NewDatasetService(storage.DatasetStorage(), NewFileSourceReader(sourceDir), &cfg.Jobs, logger)
	engine := analysis.NewEngine(storage.CatalogStorage(), logger)
	manager := NewManager(storage.JobStorage(), datasets, engine, nil, cfg, logger)

	return &testEnv{
		cfg:       cfg,
		storage:   storage,
		sourceDir: sourceDir,
		datasets:  datasets,
		manager:   manager,
		registry:  registry,
		enqueuer:  NewEnqueuer(manager, registry, logger),
		importer:  NewImporter(manager, storage.CatalogStorage(), storage.ImportSink(), cfg.Jobs.BatchSize, logger),
	}
}

func (e *testEnv) writeSource(t *testing.T, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(e.sourceDir, name), []byte(content), 0o644))
}

// writeCases writes a CSV of n test cases tagged "smoke".
func (e *testEnv) writeCases(t *testing.T, name string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("title,tags,milestone\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "Case %d,smoke,R1\n", i)
	}
	e.writeSource(t, name, b.String())
}

func (e *testEnv) seed(t *testing.T, entities ...*models.CatalogEntity) {
	t.Helper()
	for _, entity := range entities {
		require.NoError(t, e.storage.CatalogStorage().CreateEntity(context.Background(), entity))
	}
}

// readyJob creates a job, loads its source and walks it to READY/CONFIGURING
// with a computed analysis, the way the analyze pass does.
func (e *testEnv) readyJob(t *testing.T, sourceRef string) *models.ImportJob {
	t.Helper()
	ctx := context.Background()

	job, err := e.manager.CreateJob(ctx, CreateJobRequest{SourceRef: sourceRef, CreatedByID: "user-1"})
	require.NoError(t, err)
	job, err = e.manager.Transition(ctx, job.ID, models.JobStatusQueued, Transition{
		Status: models.JobStatusRunning,
		Phase:  models.JobPhaseAnalyzing,
	})
	require.NoError(t, err)

	ds, rows, err := e.datasets.LoadSource(ctx, job)
	require.NoError(t, err)
	result, err := e.manager.ComputeAnalysis(ctx, job, ds, rows)
	require.NoError(t, err)

	job, err = e.manager.Transition(ctx, job.ID, models.JobStatusRunning, Transition{
		Status: models.JobStatusReady,
		Phase:  models.JobPhaseConfiguring,
		Mutate: func(j *models.ImportJob) error {
			j.Analysis = result
			return nil
		},
	})
	require.NoError(t, err)
	return job
}

func hasActivity(job *models.ImportJob, fragment string) bool {
	for _, entry := range job.ActivityLog {
		if strings.Contains(entry.Message, fragment) {
			return true
		}
	}
	return false
}
