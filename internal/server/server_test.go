package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/app"
	"github.com/ternarybob/trellis/internal/common"
	"github.com/ternarybob/trellis/internal/handlers"
	"github.com/ternarybob/trellis/internal/models"
)

type apiClient struct {
	t      *testing.T
	base   string
	tenant string
}

func newTestServer(t *testing.T, configure func(cfg *common.Config)) (*app.App, *apiClient) {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = t.TempDir()
	cfg.Jobs.SourceDir = t.TempDir()
	cfg.Jobs.BatchSize = 2
	cfg.Queue.PollInterval = "100ms"
	if configure != nil {
		configure(cfg)
	}

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, application.Start())

	srv := httptest.NewServer(New(application).Handler())
	t.Cleanup(func() {
		srv.Close()
		application.Close()
	})
	return application, &apiClient{t: t, base: srv.URL}
}

func (c *apiClient) do(method, path, contentType, body string, out interface{}) int {
	c.t.Helper()
	req, err := http.NewRequest(method, c.base+path, strings.NewReader(body))
	require.NoError(c.t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-User-ID", "user-1")
	if c.tenant != "" {
		req.Header.Set("X-Tenant-ID", c.tenant)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	if out != nil && len(data) > 0 {
		if raw, ok := out.(*string); ok {
			*raw = string(data)
		} else {
			require.NoError(c.t, json.Unmarshal(data, out), string(data))
		}
	}
	return resp.StatusCode
}

func (c *apiClient) waitForStatus(id string, status models.JobStatus) *models.JobSnapshot {
	c.t.Helper()
	var snapshot models.JobSnapshot
	require.Eventually(c.t, func() bool {
		snapshot = models.JobSnapshot{}
		c.do(http.MethodGet, "/api/v1/imports/"+id, "", "", &snapshot)
		return snapshot.Status == status
	}, 10*time.Second, 50*time.Millisecond, "job %s never reached %s", id, status)
	return &snapshot
}

func writeCases(t *testing.T, dir string, n int) {
	t.Helper()
	var b strings.Builder
	b.WriteString("title,tags,milestone\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "Case %d,smoke,R1\n", i)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cases.csv"), []byte(b.String()), 0o644))
}

func TestImportLifecycleOverHTTP(t *testing.T) {
	application, client := newTestServer(t, nil)
	writeCases(t, application.Config.Jobs.SourceDir, 5)

	var created models.JobSnapshot
	status := client.do(http.MethodPost, "/api/v1/imports", "application/json", `{"source_ref":"cases.csv","name":"Regression"}`, &created)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, created.ID)

	ready := client.waitForStatus(created.ID, models.JobStatusReady)
	assert.Equal(t, models.JobPhaseConfiguring, ready.Phase)
	assert.True(t, ready.AnalysisComplete)

	var analysis models.MappingAnalysis
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/imports/"+created.ID+"/analysis", "", "", &analysis))
	assert.NotEmpty(t, analysis.MissingEntities)

	var saved models.JobSnapshot
	status = client.do(http.MethodPut, "/api/v1/imports/"+created.ID+"/configuration", "application/yaml", "create_missing: true\n", &saved)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, saved.HasConfiguration)

	var exported string
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/imports/"+created.ID+"/configuration?format=yaml", "", "", &exported))
	assert.Contains(t, exported, "create_missing: true")

	require.Equal(t, http.StatusAccepted, client.do(http.MethodPost, "/api/v1/imports/"+created.ID+"/start", "", "", nil))

	done := client.waitForStatus(created.ID, models.JobStatusCompleted)
	assert.Equal(t, 5, done.ProcessedCount)
	assert.Equal(t, 5, done.TotalCount)
	assert.Equal(t, 0, done.ErrorCount)

	dataset, err := application.Datasets.Fetch(context.Background(), created.ID)
	require.NoError(t, err)
	var detail models.DatasetDetail
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/imports/"+created.ID+"/datasets/"+dataset.ID+"?all=true", "", "", &detail))
	assert.Len(t, detail.AllRows, 5)
	assert.Equal(t, 5, detail.RowCount)

	var list struct {
		Jobs []models.JobSnapshot `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/imports?status=completed", "", "", &list))
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, created.ID, list.Jobs[0].ID)

	// A finished job cannot start again; it is re-run as a new job.
	assert.Equal(t, http.StatusUnprocessableEntity, client.do(http.MethodPost, "/api/v1/imports/"+created.ID+"/start", "", "", nil))
	var rerun models.JobSnapshot
	require.Equal(t, http.StatusAccepted, client.do(http.MethodPost, "/api/v1/imports/"+created.ID+"/rerun", "", "", &rerun))
	assert.NotEqual(t, created.ID, rerun.ID)
	client.waitForStatus(rerun.ID, models.JobStatusReady)
}

func TestCancelReadyJobOverHTTP(t *testing.T) {
	application, client := newTestServer(t, nil)
	writeCases(t, application.Config.Jobs.SourceDir, 3)

	var created models.JobSnapshot
	require.Equal(t, http.StatusAccepted, client.do(http.MethodPost, "/api/v1/imports", "application/json", `{"source_ref":"cases.csv"}`, &created))
	client.waitForStatus(created.ID, models.JobStatusReady)

	var cancelled models.JobSnapshot
	require.Equal(t, http.StatusAccepted, client.do(http.MethodPost, "/api/v1/imports/"+created.ID+"/cancel", "", "", &cancelled))
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	// Saving a configuration on a finished job is rejected with the field.
	var problem map[string]string
	status := client.do(http.MethodPut, "/api/v1/imports/"+created.ID+"/configuration", "application/json", `{"create_missing":true}`, &problem)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, "status", problem["field"])
}

func TestErrorResponses(t *testing.T) {
	_, client := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/api/v1/imports/missing", "", "", nil))
	assert.Equal(t, http.StatusBadRequest, client.do(http.MethodPost, "/api/v1/imports", "application/json", `{`, nil))
	assert.Equal(t, http.StatusUnprocessableEntity, client.do(http.MethodPost, "/api/v1/imports", "application/json", `{"name":"no source"}`, nil))
	assert.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/api/v1/admin/queues/nope/dead-letters", "", "", nil))
	assert.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/api/v1/unknown", "", "", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, client.do(http.MethodDelete, "/api/v1/imports", "", "", nil))
}

func TestAdminEndpoints(t *testing.T) {
	_, client := newTestServer(t, nil)

	var stats struct {
		Queues []models.QueueStats `json:"queues"`
	}
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/admin/queues", "", "", &stats))
	assert.Len(t, stats.Queues, 7)

	var dead struct {
		Queue    string                 `json:"queue"`
		Messages []*models.QueueMessage `json:"messages"`
	}
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/admin/queues/testmo-import/dead-letters", "", "", &dead))
	assert.Equal(t, "testmo-import", dead.Queue)
	assert.Empty(t, dead.Messages)

	var scheduled struct {
		Jobs []struct {
			Name string `json:"name"`
		} `json:"jobs"`
	}
	require.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/admin/scheduler/jobs", "", "", &scheduled))
	require.Len(t, scheduled.Jobs, 1)
	assert.Equal(t, "job-reaper", scheduled.Jobs[0].Name)

	assert.Equal(t, http.StatusOK, client.do(http.MethodPost, "/api/v1/admin/scheduler/jobs/job-reaper/run", "", "", nil))
	assert.Equal(t, http.StatusOK, client.do(http.MethodGet, "/health", "", "", nil))
}

func TestMultiTenantRequiresHeader(t *testing.T) {
	application, client := newTestServer(t, func(cfg *common.Config) {
		cfg.Jobs.MultiTenant = true
	})
	writeCases(t, application.Config.Jobs.SourceDir, 2)

	assert.Equal(t, http.StatusBadRequest, client.do(http.MethodPost, "/api/v1/imports", "application/json", `{"source_ref":"cases.csv"}`, nil))

	client.tenant = "acme"
	var created models.JobSnapshot
	require.Equal(t, http.StatusAccepted, client.do(http.MethodPost, "/api/v1/imports", "application/json", `{"source_ref":"cases.csv"}`, &created))
	assert.Equal(t, "acme", created.TenantID)

	client.tenant = "globex"
	assert.Equal(t, http.StatusNotFound, client.do(http.MethodGet, "/api/v1/imports/"+created.ID, "", "", nil))
}

func TestTenantMiddleware(t *testing.T) {
	cfg := common.NewDefaultConfig()
	cfg.Jobs.MultiTenant = true
	s := &Server{app: &app.App{Config: cfg, Logger: arbor.NewLogger()}}

	var seen string
	reached := false
	h := s.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen = handlers.TenantID(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	serve := func(method, path, tenant string) int {
		reached, seen = false, ""
		req := httptest.NewRequest(method, path, nil)
		if tenant != "" {
			req.Header.Set(handlers.HeaderTenantID, tenant)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/api/v1/imports", "  acme\t"))
	assert.Equal(t, "acme", seen)

	assert.Equal(t, http.StatusBadRequest, serve(http.MethodGet, "/api/v1/imports", "   "))
	assert.False(t, reached)
	assert.Equal(t, http.StatusBadRequest, serve(http.MethodPost, "/api/v1/imports", ""))
	assert.False(t, reached)

	// Operator routes, health and preflight do not need a tenant.
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/api/v1/admin/queues", ""))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/health", ""))
	assert.Equal(t, http.StatusOK, serve(http.MethodOptions, "/api/v1/imports", ""))
	assert.False(t, reached)

	cfg.Jobs.MultiTenant = false
	single := &Server{app: &app.App{Config: cfg, Logger: arbor.NewLogger()}}
	h = single.withMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		seen = handlers.TenantID(r)
		w.WriteHeader(http.StatusNoContent)
	}))
	assert.Equal(t, http.StatusNoContent, serve(http.MethodGet, "/api/v1/imports", ""))
	assert.True(t, reached)
	assert.Empty(t, seen)
}

func TestMultiTenantTrimsHeader(t *testing.T) {
	application, client := newTestServer(t, func(cfg *common.Config) {
		cfg.Jobs.MultiTenant = true
	})
	writeCases(t, application.Config.Jobs.SourceDir, 2)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/imports", strings.NewReader(`{"source_ref":"cases.csv"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handlers.HeaderTenantID, " acme ")
	rec := httptest.NewRecorder()
	New(application).Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created models.JobSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "acme", created.TenantID)

	client.tenant = "acme"
	assert.Equal(t, http.StatusOK, client.do(http.MethodGet, "/api/v1/imports/"+created.ID, "", "", nil))
}
