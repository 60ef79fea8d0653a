package server

import (
	"net/http"
	"runtime"

	"github.com/ricesearch/logstream/internal/metrics"
	apperrors "github.com/ricesearch/logstream/internal/pkg/errors"
	"github.com/ricesearch/logstream/internal/pkg/middleware"
)

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version,omitempty"`
	ActiveClients int    `json:"activeClients"`
	UptimeMs      int64  `json:"uptimeMs"`
}

// VersionResponse is the body of /v1/version.
type VersionResponse struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	GoVersion string `json:"go_version"`
}

// setupRoutes configures all HTTP routes and the middleware chain.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/diagnostics", s.handleDiagnostics)

	var streamHandler http.Handler = s.endpoint
	if s.limiter != nil {
		streamHandler = s.limiter.Middleware(streamHandler)
	}
	// The endpoint answers every method itself, including 405.
	mux.Handle(s.endpoint.Path(), streamHandler)

	obs := s.appCfg.Observability
	if obs.MetricsEnabled && s.metrics != nil && obs.MetricsPath != "" {
		mux.Handle("GET "+obs.MetricsPath, s.metrics.Handler())
		s.metrics.RegisterRoutes(obs.MetricsPath)
	}
	s.metrics.RegisterRoutes(s.endpoint.Path())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, apperrors.NotFoundError("route"))
	})

	return middleware.RequestLogger(s.log, metrics.HTTPMiddleware(s.metrics, mux))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	diag := s.hub.Diagnostics()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		Version:       s.cfg.Version,
		ActiveClients: diag.ActiveClients,
		UptimeMs:      diag.UptimeMs,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Version: s.cfg.Version})
		return
	}
	diag := s.hub.Diagnostics()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ready",
		Version:       s.cfg.Version,
		ActiveClients: diag.ActiveClients,
		UptimeMs:      diag.UptimeMs,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{
		Version:   s.cfg.Version,
		Commit:    s.cfg.Commit,
		GoVersion: runtime.Version(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.endpoint.Diagnostics())
}
