package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/models"
)

func newTestDB(t *testing.T) *BadgerDB {
	t.Helper()
	db, err := NewBadgerDB(arbor.NewLogger(), &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestJobStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewJobStorage(newTestDB(t), arbor.NewLogger())

	job := models.NewImportJob("job-1", "export.csv", "tenant-a", "user-1")
	require.NoError(t, store.SaveJob(ctx, job))

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, got.Status)
	assert.Equal(t, models.JobPhaseAnalyzing, got.Phase)
	assert.NotNil(t, got.EntityProgress, "empty maps survive encoding")
	assert.Equal(t, "tenant-a", got.TenantID)

	_, err = store.GetJob(ctx, "missing")
	assert.True(t, errors.Is(err, models.ErrJobNotFound))
}

func TestJobStorageUpdateJob(t *testing.T) {
	ctx := context.Background()
	store := NewJobStorage(newTestDB(t), arbor.NewLogger())
	require.NoError(t, store.SaveJob(ctx, models.NewImportJob("job-1", "src", "", "")))

	updated, err := store.UpdateJob(ctx, "job-1", func(job *models.ImportJob) error {
		job.ProcessedCount = 7
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.ProcessedCount)
	assert.Equal(t, int64(2), updated.Version)

	// A failing mutator writes nothing
	_, err = store.UpdateJob(ctx, "job-1", func(job *models.ImportJob) error {
		job.ProcessedCount = 99
		return models.ErrInvalidTransition
	})
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))

	// ErrNoChange ends the update without a write
	same, err := store.UpdateJob(ctx, "job-1", func(job *models.ImportJob) error {
		return models.ErrNoChange
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), same.Version)

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 7, got.ProcessedCount)
	assert.Equal(t, int64(2), got.Version)

	_, err = store.UpdateJob(ctx, "missing", func(job *models.ImportJob) error { return nil })
	assert.True(t, errors.Is(err, models.ErrJobNotFound))
}

func TestJobStorageConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	store := NewJobStorage(newTestDB(t), arbor.NewLogger())
	require.NoError(t, store.SaveJob(ctx, models.NewImportJob("job-1", "src", "", "")))

	// Two writers race; every update either lands or reports ErrConcurrentUpdate.
	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateJob(ctx, "job-1", func(job *models.ImportJob) error {
				time.Sleep(time.Millisecond)
				job.ProcessedCount++
				return nil
			})
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.True(t, errors.Is(err, models.ErrConcurrentUpdate), "unexpected error: %v", err)
		}()
	}
	wg.Wait()

	got, err := store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, applied, got.ProcessedCount, "no lost updates")
	assert.Equal(t, int64(applied+1), got.Version)
}

func TestJobStorageListJobsByTenant(t *testing.T) {
	ctx := context.Background()
	store := NewJobStorage(newTestDB(t), arbor.NewLogger())

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, tenant := range []string{"a", "b", "a", "a"} {
		job := models.NewImportJob(fmt.Sprintf("job-%d", i), "src", tenant, "")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveJob(ctx, job))
	}

	jobs, err := store.ListJobs(ctx, &interfaces.JobListOptions{TenantID: "a"})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "job-3", jobs[0].ID, "newest first")
	for _, j := range jobs {
		assert.Equal(t, "a", j.TenantID)
	}

	limited, err := store.ListJobs(ctx, &interfaces.JobListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestDatasetStorageRowsKeptSeparately(t *testing.T) {
	ctx := context.Background()
	store := NewDatasetStorage(newTestDB(t), arbor.NewLogger())

	small := &models.Dataset{ID: "ds-1", JobID: "job-1", RowCount: 2, RowsRetained: true,
		SampleRows: []models.Row{{"title": "a"}, {"title": "b"}}, CreatedAt: time.Now()}
	require.NoError(t, store.SaveDataset(ctx, small, &models.DatasetRows{Rows: small.SampleRows}))

	large := &models.Dataset{ID: "ds-2", JobID: "job-2", RowCount: 100000, Truncated: true, CreatedAt: time.Now()}
	require.NoError(t, store.SaveDataset(ctx, large, nil))

	got, err := store.GetDatasetByJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "ds-1", got.ID)

	rows, err := store.GetDatasetRows(ctx, "ds-1")
	require.NoError(t, err)
	assert.Len(t, rows.Rows, 2)

	_, err = store.GetDatasetRows(ctx, "ds-2")
	assert.True(t, errors.Is(err, models.ErrRowsNotRetained))

	_, err = store.GetDatasetByJob(ctx, "job-9")
	assert.True(t, errors.Is(err, models.ErrDatasetNotFound))
}

func TestCatalogStorageRevisionAndOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewCatalogStorage(newTestDB(t), arbor.NewLogger())

	rev, err := store.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), rev)

	for _, e := range []*models.CatalogEntity{
		{ID: "t3", Kind: models.EntityKindTags, Name: "Smoke"},
		{ID: "t1", Kind: models.EntityKindTags, Name: "regression"},
		{ID: "t2", Kind: models.EntityKindTags, Name: " Regression "},
		{ID: "s1", Kind: models.EntityKindStates, Name: "Active"},
	} {
		require.NoError(t, store.CreateEntity(ctx, e))
	}

	rev, err = store.Revision(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rev)

	tags, err := store.ListEntities(ctx, "", models.EntityKindTags)
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, []string{"t1", "t2", "t3"}, []string{tags[0].ID, tags[1].ID, tags[2].ID})
	assert.Equal(t, "regression", tags[1].NormalizedName)

	other, err := store.ListEntities(ctx, "tenant-x", models.EntityKindTags)
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestImportedRecordUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sink := NewImportedRecordStorage(newTestDB(t), arbor.NewLogger())

	for i := 0; i < 2; i++ {
		for row := 0; row < 5; row++ {
			require.NoError(t, sink.UpsertRecord(ctx, &models.ImportedRecord{JobID: "job-1", RowIndex: row, Title: "case"}))
		}
	}
	require.NoError(t, sink.UpsertRecord(ctx, &models.ImportedRecord{JobID: "job-2", RowIndex: 0}))

	count, err := sink.CountRecords(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 5, count)
}

func TestDeliveryStorage(t *testing.T) {
	ctx := context.Background()
	store := NewDeliveryStorage(newTestDB(t), arbor.NewLogger())

	missing, err := store.GetAttempt(ctx, "msg-1")
	require.NoError(t, err)
	assert.Nil(t, missing)

	attempt := &models.DeliveryAttempt{MessageID: "msg-1", Queue: "email", Status: models.DeliveryPending, Attempts: 1}
	require.NoError(t, store.SaveAttempt(ctx, attempt))
	attempt.Status = models.DeliverySent
	attempt.Attempts = 2
	require.NoError(t, store.SaveAttempt(ctx, attempt))

	got, err := store.GetAttempt(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, got.Status)
	assert.Equal(t, 2, got.Attempts)

	list, err := store.ListAttempts(ctx, "email")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
