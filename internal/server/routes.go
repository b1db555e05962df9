package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(s.app.APIHandler.NotFoundHandler)

	// System
	router.HandleFunc("/health", s.app.APIHandler.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/version", s.app.APIHandler.VersionHandler).Methods(http.MethodGet)

	// Job event stream
	router.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Import jobs
	imports := s.app.ImportHandler
	api.HandleFunc("/imports", imports.ListImportsHandler).Methods(http.MethodGet)
	api.HandleFunc("/imports", imports.CreateImportHandler).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}", imports.GetImportHandler).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}/cancel", imports.CancelImportHandler).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/start", imports.StartImportHandler).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/rerun", imports.RerunImportHandler).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/requeue", imports.RequeueImportHandler).Methods(http.MethodPost)
	api.HandleFunc("/imports/{id}/analysis", imports.GetAnalysisHandler).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}/configuration", imports.GetConfigurationHandler).Methods(http.MethodGet)
	api.HandleFunc("/imports/{id}/configuration", imports.SaveConfigurationHandler).Methods(http.MethodPut)
	api.HandleFunc("/imports/{id}/datasets/{datasetId}", imports.GetDatasetHandler).Methods(http.MethodGet)

	// Operators
	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/queues", s.app.QueueHandler.StatsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/queues/{queue}/dead-letters", s.app.QueueHandler.DeadLettersHandler).Methods(http.MethodGet)
	admin.HandleFunc("/queues/{queue}/retained", s.app.QueueHandler.RetainedHandler).Methods(http.MethodGet)
	admin.HandleFunc("/scheduler/jobs", s.app.SchedulerHandler.ListJobsHandler).Methods(http.MethodGet)
	admin.HandleFunc("/scheduler/jobs/{name}/run", s.app.SchedulerHandler.TriggerJobHandler).Methods(http.MethodPost)

	return router
}
