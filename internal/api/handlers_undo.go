package api

import (
	"errors"
	"net/http"

	"github.com/jedarden/ringmaster/internal/undo"
)

// handleUndoHistory serves GET /api/undo/history?project_id&limit.
func (s *Server) handleUndoHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.undo == nil {
		s.respondError(w, http.StatusServiceUnavailable, "undo not configured")
		return
	}
	actions, err := s.undo.History(r.Context(), r.URL.Query().Get("project_id"), queryInt(r, "limit", 50))
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, actions)
}

// handleUndo serves POST /api/undo.
func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.undo == nil {
		s.respondError(w, http.StatusServiceUnavailable, "undo not configured")
		return
	}
	var req struct {
		ProjectID string `json:"project_id"`
	}
	s.parseJSON(r, &req) // empty body means global scope

	action, err := s.undo.Undo(r.Context(), req.ProjectID)
	if err != nil {
		if errors.Is(err, undo.ErrNothingToUndo) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, action)
}

// handleRedo serves POST /api/undo/redo.
func (s *Server) handleRedo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.undo == nil {
		s.respondError(w, http.StatusServiceUnavailable, "undo not configured")
		return
	}
	var req struct {
		ProjectID string `json:"project_id"`
	}
	s.parseJSON(r, &req)

	action, err := s.undo.Redo(r.Context(), req.ProjectID)
	if err != nil {
		if errors.Is(err, undo.ErrNothingToRedo) {
			s.respondError(w, http.StatusNotFound, err.Error())
			return
		}
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, action)
}
