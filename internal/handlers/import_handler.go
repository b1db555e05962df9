package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"
	"gopkg.in/yaml.v3"

	"github.com/ternarybob/trellis/internal/interfaces"
	"github.com/ternarybob/trellis/internal/jobs"
	"github.com/ternarybob/trellis/internal/models"
)

// ImportHandler serves the import job API.
type ImportHandler struct {
	manager  *jobs.Manager
	enqueuer *jobs.Enqueuer
	logger   arbor.ILogger
}

// NewImportHandler creates a new import handler
func NewImportHandler(manager *jobs.Manager, enqueuer *jobs.Enqueuer, logger arbor.ILogger) *ImportHandler {
	return &ImportHandler{
		manager:  manager,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

type createImportRequest struct {
	SourceRef     string                      `json:"source_ref"`
	Name          string                      `json:"name"`
	Configuration *models.ImportConfiguration `json:"configuration,omitempty"`
}

// CreateImportHandler creates a job and queues its analysis.
func (h *ImportHandler) CreateImportHandler(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	if err := DecodeJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.enqueuer.StartAnalysis(r.Context(), jobs.CreateJobRequest{
		SourceRef:     req.SourceRef,
		Name:          req.Name,
		TenantID:      TenantID(r),
		CreatedByID:   r.Header.Get(HeaderUserID),
		Configuration: req.Configuration,
	})
	if err != nil {
		if job != nil {
			// Record exists; the caller can requeue once the broker recovers.
			h.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Import created but not queued")
			WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"status": "error",
				"error":  "import created but could not be queued",
				"job_id": job.ID,
			})
			return
		}
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, job.ID)
}

// ListImportsHandler lists the tenant's jobs, optionally filtered by status.
func (h *ImportHandler) ListImportsHandler(w http.ResponseWriter, r *http.Request) {
	limit, offset := GetPaginationParams(r)
	opts := &interfaces.JobListOptions{
		TenantID: TenantID(r),
		Status:   models.JobStatus(strings.ToUpper(r.URL.Query().Get("status"))),
		Limit:    limit,
		Offset:   offset,
	}
	snapshots, err := h.manager.ListJobs(r.Context(), opts)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   snapshots,
		"limit":  limit,
		"offset": offset,
	})
}

// GetImportHandler returns the status-poll snapshot.
func (h *ImportHandler) GetImportHandler(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, http.StatusOK, mux.Vars(r)["id"])
}

// CancelImportHandler requests cooperative cancellation.
func (h *ImportHandler) CancelImportHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.manager.RequestCancel(r.Context(), id, TenantID(r)); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, id)
}

// StartImportHandler queues the import pass of a configured job.
func (h *ImportHandler) StartImportHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.enqueuer.StartImport(r.Context(), id, TenantID(r)); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, id)
}

// RerunImportHandler clones a finished job and queues its analysis.
func (h *ImportHandler) RerunImportHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.enqueuer.Rerun(r.Context(), mux.Vars(r)["id"], TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, job.ID)
}

// RequeueImportHandler republishes the message of a job whose enqueue failed.
func (h *ImportHandler) RequeueImportHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := h.enqueuer.Requeue(r.Context(), id, TenantID(r)); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusAccepted, id)
}

// GetAnalysisHandler returns the mapping analysis, recomputing it when the
// catalog changed since it was stored.
func (h *ImportHandler) GetAnalysisHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.manager.EnsureAnalysis(r.Context(), mux.Vars(r)["id"], TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// SaveConfigurationHandler stores the mapping configuration. The body is
// YAML when the content type says so, JSON otherwise.
func (h *ImportHandler) SaveConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	cfg, err := decodeConfiguration(r.Header.Get("Content-Type"), body)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := mux.Vars(r)["id"]
	if _, err := h.manager.SaveConfiguration(r.Context(), id, TenantID(r), cfg); err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	h.writeSnapshot(w, r, http.StatusOK, id)
}

// GetConfigurationHandler exports the saved configuration as JSON, or as
// YAML with ?format=yaml.
func (h *ImportHandler) GetConfigurationHandler(w http.ResponseWriter, r *http.Request) {
	job, err := h.manager.GetJobForTenant(r.Context(), mux.Vars(r)["id"], TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	if job.Configuration == nil {
		WriteError(w, http.StatusNotFound, "no configuration saved")
		return
	}

	if r.URL.Query().Get("format") != "yaml" {
		WriteJSON(w, http.StatusOK, job.Configuration)
		return
	}
	out, err := yaml.Marshal(job.Configuration)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// GetDatasetHandler returns the dataset schema and sample. ?all=true adds
// every row when the dataset was retained.
func (h *ImportHandler) GetDatasetHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	job, err := h.manager.GetJobForTenant(r.Context(), vars["id"], TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}

	includeAll := r.URL.Query().Get("all") == "true"
	detail, err := h.manager.Datasets().GetDetail(r.Context(), job.ID, vars["datasetId"], includeAll)
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

func (h *ImportHandler) writeSnapshot(w http.ResponseWriter, r *http.Request, status int, jobID string) {
	snapshot, err := h.manager.Snapshot(r.Context(), jobID, TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, status, snapshot)
}

func decodeConfiguration(contentType string, body []byte) (*models.ImportConfiguration, error) {
	if len(body) == 0 {
		return nil, errors.New("configuration body is empty")
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)

	var cfg models.ImportConfiguration
	switch {
	case strings.Contains(mediaType, "yaml"):
		if err := yaml.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML configuration: %w", err)
		}
	default:
		if err := json.Unmarshal(body, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON configuration: %w", err)
		}
	}
	return &cfg, nil
}
