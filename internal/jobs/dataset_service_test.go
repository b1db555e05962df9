package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/models"
)

func makeRows(n int) []models.Row {
	rows := make([]models.Row, n)
	for i := range rows {
		rows[i] = models.Row{"title": fmt.Sprintf("Case %d", i)}
	}
	return rows
}

func TestSampleRows(t *testing.T) {
	rows := makeRows(10)

	assert.Len(t, SampleRows(rows, 20), 10)

	sample := SampleRows(rows, 4)
	require.Len(t, sample, 4)
	assert.Equal(t, "Case 0", sample[0]["title"])
	assert.Equal(t, "Case 2", sample[1]["title"])
	assert.Equal(t, "Case 5", sample[2]["title"])
	assert.Equal(t, "Case 7", sample[3]["title"])
}

func TestStoreLargeDatasetKeepsSampleOnly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ds, err := env.datasets.Store(ctx, "job-large", "large.csv", makeRows(50000), []models.ColumnDef{{Name: "title", Type: models.ColumnTypeString}})
	require.NoError(t, err)
	assert.True(t, ds.Truncated)
	assert.Equal(t, 500, ds.SampleRowCount)
	assert.Equal(t, 50000, ds.RowCount)
	assert.False(t, ds.RowsRetained)

	fetched, err := env.datasets.Fetch(ctx, "job-large")
	require.NoError(t, err)
	assert.Len(t, fetched.SampleRows, 500)
	assert.True(t, fetched.Truncated)

	_, err = env.datasets.FetchAllRows(ctx, "job-large")
	assert.ErrorIs(t, err, models.ErrRowsNotRetained)
}

func TestAnalysisRowsCoverUnretainedDataset(t *testing.T) {
	env := newTestEnv(t, func(cfg *common.Config) {
		cfg.Jobs.SampleRowLimit = 5
		cfg.Jobs.FullRowLimit = 10
	})
	ctx := context.Background()
	env.writeCases(t, "cases.csv", 30)

	job, err := env.manager.CreateJob(ctx, CreateJobRequest{SourceRef: "cases.csv"})
	require.NoError(t, err)
	ds, parsed, err := env.datasets.LoadSource(ctx, job)
	require.NoError(t, err)
	require.False(t, ds.RowsRetained)
	assert.Len(t, parsed, 30)

	rows, err := env.datasets.AnalysisRows(ctx, job, ds)
	require.NoError(t, err)
	require.Len(t, rows, 30)
	assert.Equal(t, "Case 30", rows[29]["title"])

	env.writeCases(t, "cases.csv", 31)
	_, err = env.datasets.AnalysisRows(ctx, job, ds)
	var berr *models.BusinessError
	assert.True(t, errors.As(err, &berr))
}

func TestComputeAnalysisSeesRowsOutsideSample(t *testing.T) {
	env := newTestEnv(t, func(cfg *common.Config) {
		cfg.Jobs.SampleRowLimit = 5
		cfg.Jobs.FullRowLimit = 10
	})
	ctx := context.Background()
	env.seed(t,
		&models.CatalogEntity{ID: "tag-1", Kind: models.EntityKindTags, Name: "Regression"},
		&models.CatalogEntity{ID: "tag-2", Kind: models.EntityKindTags, Name: "REGRESSION"},
	)
	env.writeSource(t, "cases.csv", "title,tags\n"+strings.Repeat("Plain case,smoke\n", 29)+"Last case,Regression\n")

	job := env.readyJob(t, "cases.csv")
	ds, err := env.datasets.Fetch(ctx, job.ID)
	require.NoError(t, err)
	require.False(t, ds.RowsRetained)
	for _, row := range ds.SampleRows {
		require.NotEqual(t, "Regression", row["tags"])
	}

	require.Len(t, job.Analysis.AmbiguousEntities[models.EntityKindTags], 1)
	assert.Equal(t, "Regression", job.Analysis.AmbiguousEntities[models.EntityKindTags][0].Name)

	// Recomputing after a catalog change reads the full source again.
	env.seed(t, &models.CatalogEntity{ID: "tag-3", Kind: models.EntityKindTags, Name: "regression"})
	recomputed, err := env.manager.EnsureAnalysis(ctx, job.ID, "")
	require.NoError(t, err)
	require.Len(t, recomputed.AmbiguousEntities[models.EntityKindTags], 1)
	assert.Len(t, recomputed.AmbiguousEntities[models.EntityKindTags][0].Candidates, 3)

	_, err = env.manager.ComputeAnalysis(ctx, job, ds, ds.SampleRows)
	assert.Error(t, err, "a sample is not a full row set")
}

func TestStoreSmallDatasetRetainsRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	ds, err := env.datasets.Store(ctx, "job-small", "small.csv", makeRows(20), nil)
	require.NoError(t, err)
	assert.False(t, ds.Truncated)
	assert.True(t, ds.RowsRetained)

	rows, err := env.datasets.FetchAllRows(ctx, "job-small")
	require.NoError(t, err)
	assert.Len(t, rows, 20)

	detail, err := env.datasets.GetDetail(ctx, "job-small", ds.ID, true)
	require.NoError(t, err)
	assert.Len(t, detail.AllRows, 20)

	_, err = env.datasets.GetDetail(ctx, "another-job", ds.ID, false)
	assert.ErrorIs(t, err, models.ErrDatasetNotFound)
}

func TestImportRowsRereadsUnretainedSource(t *testing.T) {
	env := newTestEnv(t, func(cfg *common.Config) {
		cfg.Jobs.SampleRowLimit = 5
		cfg.Jobs.FullRowLimit = 10
	})
	ctx := context.Background()
	env.writeCases(t, "cases.csv", 30)

	job, err := env.manager.CreateJob(ctx, CreateJobRequest{SourceRef: "cases.csv"})
	require.NoError(t, err)
	ds, _, err := env.datasets.LoadSource(ctx, job)
	require.NoError(t, err)
	assert.False(t, ds.RowsRetained)
	assert.Equal(t, 5, ds.SampleRowCount)

	again, rows, err := env.datasets.LoadSource(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ds.ID, again.ID)
	assert.Len(t, rows, 30)

	_, rows, err = env.datasets.ImportRows(ctx, job)
	require.NoError(t, err)
	assert.Len(t, rows, 30)

	env.writeCases(t, "cases.csv", 29)
	_, _, err = env.datasets.ImportRows(ctx, job)
	var berr *models.BusinessError
	assert.True(t, errors.As(err, &berr))
}

func TestImportRowsWithoutDataset(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.manager.CreateJob(context.Background(), CreateJobRequest{SourceRef: "cases.csv"})
	require.NoError(t, err)

	_, _, err = env.datasets.ImportRows(context.Background(), job)
	var berr *models.BusinessError
	assert.True(t, errors.As(err, &berr))
}
