package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trellis/internal/models"
)

// Request headers carrying caller identity
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderUserID   = "X-User-ID"
)

// maxBodyBytes bounds request bodies (configurations, create requests).
const maxBodyBytes = 1 << 20

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps a service error to a status code. Unexpected
// errors are logged and reported without their detail.
func WriteServiceError(w http.ResponseWriter, logger arbor.ILogger, err error) {
	var validation *models.ValidationError
	if errors.As(err, &validation) {
		WriteJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"status": "error",
			"error":  validation.Error(),
			"field":  validation.Field,
		})
		return
	}

	status := StatusForError(err)
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("Request failed")
		WriteError(w, status, "Internal server error")
		return
	}
	WriteError(w, status, err.Error())
}

// StatusForError returns the HTTP status for a service error.
func StatusForError(err error) int {
	var business *models.BusinessError
	switch {
	case errors.Is(err, models.ErrJobNotFound),
		errors.Is(err, models.ErrDatasetNotFound),
		errors.Is(err, models.ErrUnknownQueue):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrConcurrentUpdate),
		errors.Is(err, models.ErrRowsNotRetained):
		return http.StatusConflict
	case errors.Is(err, models.ErrQueueUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &business):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

type tenantKey struct{}

// WithTenant returns a copy of ctx carrying the caller's tenant.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantID returns the caller's tenant as resolved by the server middleware,
// falling back to the trimmed request header.
func TenantID(r *http.Request) string {
	if tenantID, ok := r.Context().Value(tenantKey{}).(string); ok {
		return tenantID
	}
	return strings.TrimSpace(r.Header.Get(HeaderTenantID))
}

// DecodeJSON reads a bounded JSON body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read request body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// GetPaginationParams extracts limit and offset from the query string.
// Limit defaults to 50 and is capped at 500.
func GetPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	if s := r.URL.Query().Get("limit"); s != "" {
		if l, err := strconv.Atoi(s); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}
	if s := r.URL.Query().Get("offset"); s != "" {
		if o, err := strconv.Atoi(s); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}
