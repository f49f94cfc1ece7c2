package api

import (
	"encoding/json"
	"net/http"

	"github.com/studioloom/conductor/internal/core/domain"
	"github.com/studioloom/conductor/internal/core/faults"
)

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.List())
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var cfg domain.InstanceConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		respondError(w, faults.Validation("malformed instance config", faults.WithCause(err)))
		return
	}

	inst, err := s.registry.Create(r.Context(), cfg)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.registry.Get(r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}

// handleUpdateInstance merges the request body over the current config, so a
// PATCH only carries the fields it changes.
func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.registry.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}

	merged := inst.Config
	if err := json.NewDecoder(r.Body).Decode(&merged); err != nil {
		respondError(w, faults.Validation("malformed instance config", faults.WithCause(err)))
		return
	}

	updated, err := s.registry.Update(r.Context(), id, merged)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("id")); err != nil {
		respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var err error
	switch verb := r.PathValue("verb"); verb {
	case "start":
		err = s.registry.Start(r.Context(), id)
	case "stop":
		err = s.registry.Stop(r.Context(), id)
	case "pause":
		err = s.registry.Pause(id)
	case "resume":
		err = s.registry.Resume(id)
	case "restart":
		err = s.registry.Restart(r.Context(), id)
	default:
		respondError(w, faults.Validation("unknown lifecycle verb "+verb))
		return
	}
	if err != nil {
		respondError(w, err)
		return
	}

	inst, err := s.registry.Get(id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, inst)
}
