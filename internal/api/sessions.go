package api

import (
	"encoding/json"
	"net/http"

	"github.com/studioloom/conductor/internal/core/faults"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	wizardType := r.URL.Query().Get("type")
	if wizardType == "" {
		respondError(w, faults.Validation("query parameter type is required"))
		return
	}

	sessions, err := s.sessions.ByType(r.Context(), wizardType)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanupSessions(w http.ResponseWriter, r *http.Request) {
	removed, err := s.sessions.CleanupExpired(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// runRequest is the body for POST /api/wizards/{id}/run.
type runRequest struct {
	WizardType string         `json:"wizard_type"`
	FormData   map[string]any `json:"form_data"`
}

func (s *Server) handleRunWizard(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, faults.Validation("malformed run request", faults.WithCause(err)))
		return
	}

	outcome, err := s.engine.Run(r.Context(), r.PathValue("id"), req.WizardType, req.FormData)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

// handleResumeWizard continues a wizard purely from its stored session, no
// body required.
func (s *Server) handleResumeWizard(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleAbandonWizard(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Abandon(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
