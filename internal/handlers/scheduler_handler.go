package handlers

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/services/scheduler"
)

// SchedulerHandler handles scheduler-related endpoints
type SchedulerHandler struct {
	scheduler *scheduler.Service
	logger    arbor.ILogger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(service *scheduler.Service, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{scheduler: service, logger: logger}
}

// ListJobsHandler returns the registered periodic jobs.
func (h *SchedulerHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": h.scheduler.GetJobStatuses(),
	})
}

// TriggerJobHandler runs a periodic job immediately.
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := h.scheduler.RunNow(name); err != nil {
		h.logger.Warn().Err(err).Str("job", name).Msg("Manual scheduler run failed")
		WriteError(w, http.StatusInternalServerError, err.Error())
		return
	}
	WriteSuccess(w, fmt.Sprintf("Job %s completed", name))
}
