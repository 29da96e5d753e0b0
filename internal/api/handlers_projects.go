package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/internal/cache"
	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/pkg/models"
)

// handleProjects serves GET/POST /api/projects.
func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		projects, err := s.store.ListProjects(r.Context())
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		var p models.Project
		if err := s.parseJSON(r, &p); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if p.Name == "" {
			s.respondError(w, http.StatusBadRequest, "name is required")
			return
		}
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.CreatedAt = time.Now().UTC()
		p.UpdatedAt = p.CreatedAt
		if err := s.store.CreateProject(r.Context(), &p); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, p)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleProject serves GET/PATCH/DELETE /api/projects/{id} and
// GET /api/projects/{id}/summary.
func (s *Server) handleProject(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/projects/")
	if len(seg) == 0 {
		s.respondError(w, http.StatusNotFound, "project id required")
		return
	}
	id := seg[0]

	if len(seg) == 2 && seg[1] == "summary" {
		if r.Method != http.MethodGet {
			s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		s.handleProjectSummary(w, r, id)
		return
	}

	s.handleProjectByID(w, r, id)
}

// projectSummaryTTL bounds staleness of the cached status counts. Summaries
// churn with every task transition, so the window stays short.
const projectSummaryTTL = 10 * time.Second

func (s *Server) handleProjectSummary(w http.ResponseWriter, r *http.Request, id string) {
	var key string
	if s.cache != nil {
		if k, err := cache.GenerateKey("project-summary", id); err == nil {
			key = k
			if val, ok := s.cache.Get(r.Context(), key); ok {
				s.metrics.CacheHits.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusOK)
				io.WriteString(w, val)
				return
			}
			s.metrics.CacheMisses.Inc()
		}
	}
	summary, err := s.store.ProjectSummary(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	if key != "" {
		if data, err := json.Marshal(summary); err == nil {
			s.cache.Set(r.Context(), key, string(data), projectSummaryTTL)
		}
	}
	s.respondJSON(w, http.StatusOK, summary)
}

func (s *Server) handleProjectByID(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		p, err := s.store.GetProject(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		p, err := s.store.GetProject(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		var patch struct {
			Name        *string            `json:"name"`
			Description *string            `json:"description"`
			TechStack   *[]string          `json:"tech_stack"`
			RepoPath    *string            `json:"repo_path"`
			Settings    *map[string]string `json:"settings"`
		}
		if err := s.parseJSON(r, &patch); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.Description != nil {
			p.Description = *patch.Description
		}
		if patch.TechStack != nil {
			p.TechStack = *patch.TechStack
		}
		if patch.RepoPath != nil {
			p.RepoPath = *patch.RepoPath
		}
		if patch.Settings != nil {
			p.Settings = *patch.Settings
		}
		if err := s.store.UpdateProject(r.Context(), p); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		if err := s.store.DeleteProject(r.Context(), id); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.bus.Emit(eventbus.EventTaskDeleted, id, map[string]any{"project_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
