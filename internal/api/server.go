// Package api exposes the orchestration surface over HTTP: health views,
// instance CRUD and lifecycle verbs, session recovery, and wizard runs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/orchestration/registry"
	"github.com/studioloom/conductor/internal/orchestration/session"
	"github.com/studioloom/conductor/internal/orchestration/wizard"
)

// Server hosts the HTTP endpoints.
type Server struct {
	registry *registry.Registry
	sessions *session.Store
	engine   *wizard.Engine
	log      *slog.Logger
	server   *http.Server
}

// NewServer wires routes against the orchestration components.
func NewServer(reg *registry.Registry, sessions *session.Store, engine *wizard.Engine, port int, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		registry: reg,
		sessions: sessions,
		engine:   engine,
		log:      log,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/detailed", s.handleDetailed)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("POST /api/instances", s.handleCreateInstance)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("PATCH /api/instances/{id}", s.handleUpdateInstance)
	mux.HandleFunc("DELETE /api/instances/{id}", s.handleDeleteInstance)
	mux.HandleFunc("POST /api/instances/{id}/{verb}", s.handleLifecycle)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/cleanup", s.handleCleanupSessions)

	mux.HandleFunc("POST /api/wizards/{id}/run", s.handleRunWizard)
	mux.HandleFunc("POST /api/wizards/{id}/resume", s.handleResumeWizard)
	mux.HandleFunc("POST /api/wizards/{id}/abandon", s.handleAbandonWizard)

	return s
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.log.Info("api server listening", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop drains in-flight requests within ctx.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// handleHealth reports aggregate capacity, worst case wins: any routable
// instance keeps the service available; instances configured but none
// routable is an outage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	instances := s.registry.List()

	status := "healthy"
	if len(instances) > 0 {
		routable := 0
		impaired := 0
		for _, inst := range instances {
			if inst.Status == domain.StatusRunning && inst.Health.Status == domain.HealthHealthy {
				routable++
			}
			if inst.Health.Status == domain.HealthUnhealthy || inst.Status == domain.StatusError {
				impaired++
			}
		}
		switch {
		case routable == 0:
			status = "critical"
		case impaired > 0:
			status = "degraded"
		}
	}

	code := http.StatusOK
	if status == "critical" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]string{"status": status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"instances": s.registry.List(),
		"policy":    string(s.registry.Policy()),
		"checked":   time.Now().UTC(),
	})
}
