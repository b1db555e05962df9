package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/queue"
)

// QueueHandler exposes queue statistics and dead letters to operators.
type QueueHandler struct {
	registry *queue.Registry
	logger   arbor.ILogger
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(registry *queue.Registry, logger arbor.ILogger) *QueueHandler {
	return &QueueHandler{registry: registry, logger: logger}
}

// StatsHandler returns depth counters for every registered queue.
func (h *QueueHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{"queues": stats})
}

// DeadLettersHandler lists a queue's dead letters visible to the tenant.
func (h *QueueHandler) DeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	messages, err := h.registry.DeadLetters(r.Context(), name, TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    name,
		"messages": messages,
	})
}

// RetainedHandler lists acknowledged messages kept for audit.
func (h *QueueHandler) RetainedHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["queue"]
	messages, err := h.registry.Retained(r.Context(), name, TenantID(r))
	if err != nil {
		WriteServiceError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"queue":    name,
		"messages": messages,
	})
}
