package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/smartcoop/coop-simulator/internal/module/chickens"
)

// handleListChickens returns the flock with its counts.
func (s *Server) handleListChickens(w http.ResponseWriter, _ *http.Request) {
	reg := s.device.Flock()
	writeJSON(w, http.StatusOK, map[string]any{
		"chickens": reg.List(),
		"counts":   reg.Counts(),
		"coop_id":  reg.CoopID(),
	})
}

type createChickenRequest struct {
	Name  string `json:"name"`
	TagID string `json:"tagId"`
}

// handleCreateChicken adds a chicken locally and registers it with the
// backend when one is configured. A missing tag gets a random one.
func (s *Server) handleCreateChicken(w http.ResponseWriter, r *http.Request) {
	var req createChickenRequest
	if err := decodeOptional(r, &req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.TagID == "" {
		req.TagID = chickens.RandomTag()
	}
	c, err := s.device.RegisterChicken(r.Context(), s.backend, req.Name, req.TagID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// handleDeleteChicken removes a chicken from the local flock.
func (s *Server) handleDeleteChicken(w http.ResponseWriter, r *http.Request) {
	if !s.device.Flock().Remove(chi.URLParam(r, "id")) {
		writeNotFound(w, "chicken not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChickenEnter simulates a gate read of a chicken going in.
func (s *Server) handleChickenEnter(w http.ResponseWriter, r *http.Request) {
	s.passGate(w, chi.URLParam(r, "tag"), true)
}

// handleChickenExit simulates a gate read of a chicken going out.
func (s *Server) handleChickenExit(w http.ResponseWriter, r *http.Request) {
	s.passGate(w, chi.URLParam(r, "tag"), false)
}

func (s *Server) passGate(w http.ResponseWriter, tag string, in bool) {
	gate := s.device.Gate()
	var err error
	if in {
		err = gate.SimulateEnter(tag)
	} else {
		err = gate.SimulateExit(tag)
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	c, _ := s.device.Flock().ByTag(tag)
	writeJSON(w, http.StatusOK, map[string]any{
		"chicken": c,
		"counts":  s.device.Flock().Counts(),
	})
}

// handleAddEgg records an egg for the chicken through the egg counter.
func (s *Server) handleAddEgg(w http.ResponseWriter, r *http.Request) {
	c, err := s.device.Counter().AddEggForChicken(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
