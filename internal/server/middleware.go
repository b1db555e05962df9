package server

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ternarybob/trellis/internal/handlers"
	"github.com/ternarybob/trellis/internal/models"
)

// apiPrefix covers the tenant-scoped routes; adminPrefix routes scope
// themselves.
const (
	apiPrefix   = "/api/"
	adminPrefix = "/api/v1/admin/"
)

// withMiddleware wraps the router. Requests pass through logging, then CORS,
// then tenant resolution, then panic recovery.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	handler = s.recoveryMiddleware(handler)
	handler = s.tenantMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.loggingMiddleware(handler)
	return handler
}

// tenantMiddleware resolves X-Tenant-ID once per request and stores the
// trimmed value in the request context for handlers. In multi-tenant mode an
// import API call without a tenant is rejected before it reaches a handler.
func (s *Server) tenantMiddleware(next http.Handler) http.Handler {
	multiTenant := s.app.Config.Jobs.MultiTenant
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(handlers.HeaderTenantID))

		path := r.URL.Path
		if multiTenant && tenantID == "" && strings.HasPrefix(path, apiPrefix) && !strings.HasPrefix(path, adminPrefix) {
			s.app.Logger.Debug().
				Str("method", r.Method).
				Str("path", path).
				Msg("Rejected request without tenant")
			handlers.WriteServiceError(w, s.app.Logger, models.ErrTenantRequired)
			return
		}

		if tenantID != "" {
			r = r.WithContext(handlers.WithTenant(r.Context(), tenantID))
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request and the status it produced.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		tenantID := handlers.TenantID(r)

		event := s.app.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr)
		if tenantID != "" {
			event.Str("tenant_id", tenantID)
		}
		if r.URL.RawQuery != "" {
			event.Str("query", r.URL.RawQuery)
		}
		event.Msg("HTTP request")

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		s.app.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("tenant_id", tenantID).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP response")
	})
}

// corsMiddleware answers preflight requests and allows the identity headers.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowHeaders := strings.Join([]string{"Content-Type", "Authorization", handlers.HeaderTenantID, handlers.HeaderUserID}, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowHeaders)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns a handler panic into a 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.app.Logger.Error().
					Str("error", fmt.Sprintf("%v", err)).
					Str("path", r.URL.Path).
					Str("tenant_id", handlers.TenantID(r)).
					Msg("Panic recovered")
				handlers.WriteError(w, http.StatusInternalServerError, "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter records the status code written by a handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}
