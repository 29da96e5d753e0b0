package api

import (
	"context"
	"net/http"
	"time"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/queue"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/internal/undo"
	"github.com/jedarden/ringmaster/pkg/models"
)

// apiActor tags undo-log entries made through the HTTP surface.
const apiActor = "api"

// handleTasks serves GET/POST /api/tasks.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f := store.BeadFilter{
			ProjectID: r.URL.Query().Get("project_id"),
			Status:    models.BeadStatus(r.URL.Query().Get("status")),
			Type:      models.BeadType(r.URL.Query().Get("type")),
			WorkerID:  r.URL.Query().Get("worker_id"),
			ParentID:  r.URL.Query().Get("parent_id"),
		}
		beads, err := s.store.ListBeads(r.Context(), f)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, beads)
	case http.MethodPost:
		var b models.Bead
		if err := s.parseJSON(r, &b); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if b.Title == "" || b.ProjectID == "" {
			s.respondError(w, http.StatusBadRequest, "title and project_id are required")
			return
		}
		if b.Type == "" {
			b.Type = models.BeadTypeTask
		}
		if b.Status == "" {
			b.Status = models.BeadStatusReady
		}
		if b.ID == "" {
			b.ID = models.NewBeadID()
		}
		if b.MaxAttempts == 0 {
			b.MaxAttempts = 3
		}
		if err := s.store.CreateBead(r.Context(), &b); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.recordAction(r, undo.ActionCreate, models.EntityTypeTask, b.ID, b.ProjectID, nil, &b)
		s.bus.Emit(eventbus.EventTaskCreated, b.ProjectID, map[string]any{"task": &b})
		s.respondJSON(w, http.StatusCreated, b)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTask routes /api/tasks/{id} and its sub-resources.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/tasks/")
	if len(seg) == 0 {
		s.respondError(w, http.StatusNotFound, "task id required")
		return
	}
	id := seg[0]

	if len(seg) >= 2 {
		switch seg[1] {
		case "assign":
			s.handleTaskAssign(w, r, id)
		case "resubmit":
			s.handleTaskResubmit(w, r, id)
		case "dependencies":
			parent := ""
			if len(seg) == 3 {
				parent = seg[2]
			}
			s.handleTaskDependencies(w, r, id, parent)
		case "routing":
			s.handleTaskRouting(w, r, id)
		default:
			s.respondError(w, http.StatusNotFound, "unknown task resource")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		b, err := s.store.GetBead(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, b)
	case http.MethodPatch:
		s.handleTaskPatch(w, r, id)
	case http.MethodDelete:
		b, err := s.store.GetBead(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		if err := s.store.DeleteBead(r.Context(), id); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.recordAction(r, undo.ActionDelete, models.EntityTypeTask, id, b.ProjectID, b, nil)
		s.bus.Emit(eventbus.EventTaskDeleted, b.ProjectID, map[string]any{"task_id": id})
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTaskPatch(w http.ResponseWriter, r *http.Request, id string) {
	b, err := s.store.GetBead(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	prev := *b

	var patch struct {
		ID                   *string            `json:"id"`
		Title                *string            `json:"title"`
		Description          *string            `json:"description"`
		Priority             *models.Priority   `json:"priority"`
		Status               *models.BeadStatus `json:"status"`
		MaxAttempts          *int               `json:"max_attempts"`
		RequiredCapabilities *[]string          `json:"required_capabilities"`
		BlockedReason        *string            `json:"blocked_reason"`
	}
	if err := s.parseJSON(r, &patch); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.ID != nil && *patch.ID != id {
		s.respondError(w, http.StatusBadRequest, "body id does not match url")
		return
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Description != nil {
		b.Description = *patch.Description
	}
	if patch.Priority != nil {
		if !patch.Priority.Valid() {
			s.respondError(w, http.StatusBadRequest, "priority out of range")
			return
		}
		b.Priority = *patch.Priority
	}
	if patch.Status != nil {
		b.Status = *patch.Status
		if *patch.Status == models.BeadStatusReady {
			// Manual reset clears the retry hold.
			b.RetryAfter = nil
		}
	}
	if patch.MaxAttempts != nil {
		b.MaxAttempts = *patch.MaxAttempts
	}
	if patch.RequiredCapabilities != nil {
		b.RequiredCapabilities = *patch.RequiredCapabilities
	}
	if patch.BlockedReason != nil {
		b.BlockedReason = *patch.BlockedReason
	}
	if err := s.store.UpdateBead(r.Context(), b); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.recordAction(r, undo.ActionUpdate, models.EntityTypeTask, id, b.ProjectID, &prev, b)
	s.bus.Emit(eventbus.EventTaskUpdated, b.ProjectID, map[string]any{"task": b})
	s.respondJSON(w, http.StatusOK, b)
}

// handleTaskAssign serves POST /api/tasks/{id}/assign with
// {"worker_id": "..."} or null to unassign.
func (s *Server) handleTaskAssign(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		WorkerID *string `json:"worker_id"`
	}
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	b, err := s.store.GetBead(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	prev := *b

	if req.WorkerID == nil {
		// Unassign: task returns to READY, its worker to IDLE.
		if b.WorkerID != nil {
			if err := s.store.SetWorkerStatus(r.Context(), *b.WorkerID, models.WorkerStatusIdle, true); err != nil {
				s.respondStoreError(w, err)
				return
			}
		}
		b.WorkerID = nil
		b.Status = models.BeadStatusReady
		if err := s.store.UpdateBead(r.Context(), b); err != nil {
			s.respondStoreError(w, err)
			return
		}
	} else {
		if err := s.store.AssignTask(r.Context(), id, *req.WorkerID); err != nil {
			s.respondStoreError(w, err)
			return
		}
		b, err = s.store.GetBead(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
	}
	s.recordAction(r, undo.ActionAssign, models.EntityTypeTask, id, b.ProjectID, &prev, b)
	s.bus.Emit(eventbus.EventTaskUpdated, b.ProjectID, map[string]any{"task": b})
	s.respondJSON(w, http.StatusOK, b)
}

// handleTaskResubmit sends a finished or stuck task back through
// decomposition.
func (s *Server) handleTaskResubmit(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	b, err := s.store.GetBead(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	prev := *b
	b.Status = models.BeadStatusNeedsDecomposition
	b.Attempts = 0
	b.RetryAfter = nil
	b.LastFailureReason = ""
	b.BlockedReason = ""
	if err := s.store.UpdateBead(r.Context(), b); err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.recordAction(r, undo.ActionUpdate, models.EntityTypeTask, id, b.ProjectID, &prev, b)
	s.bus.Emit(eventbus.EventTaskResubmitted, b.ProjectID, map[string]any{"task": b})
	s.respondJSON(w, http.StatusOK, b)
}

func (s *Server) handleTaskDependencies(w http.ResponseWriter, r *http.Request, id, parent string) {
	switch r.Method {
	case http.MethodGet:
		deps, err := s.store.GetDependencies(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, deps)
	case http.MethodPost:
		var req struct {
			ParentID string `json:"parent_id"`
		}
		if err := s.parseJSON(r, &req); err != nil || req.ParentID == "" {
			s.respondError(w, http.StatusBadRequest, "parent_id is required")
			return
		}
		if err := s.store.AddDependency(r.Context(), id, req.ParentID); err != nil {
			s.respondStoreError(w, err)
			return
		}
		b, _ := s.store.GetBead(r.Context(), id)
		projectID := ""
		if b != nil {
			projectID = b.ProjectID
		}
		dep := models.Dependency{ChildID: id, ParentID: req.ParentID}
		s.recordAction(r, undo.ActionAddDep, models.EntityTypeDependency, id, projectID, nil, &dep)
		s.respondJSON(w, http.StatusCreated, dep)
	case http.MethodDelete:
		if parent == "" {
			s.respondError(w, http.StatusBadRequest, "parent id required in path")
			return
		}
		if err := s.store.RemoveDependency(r.Context(), id, parent); err != nil {
			s.respondStoreError(w, err)
			return
		}
		b, _ := s.store.GetBead(r.Context(), id)
		projectID := ""
		if b != nil {
			projectID = b.ProjectID
		}
		dep := models.Dependency{ChildID: id, ParentID: parent}
		s.recordAction(r, undo.ActionRemoveDep, models.EntityTypeDependency, id, projectID, &dep, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleTaskRouting serves GET /api/tasks/{id}/routing?worker_type=…
func (s *Server) handleTaskRouting(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	b, err := s.store.GetBead(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	deps, err := s.store.GetDependencies(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	workerType := models.WorkerType(r.URL.Query().Get("worker_type"))
	if workerType == "" {
		workerType = models.WorkerTypeClaudeCode
	}
	decision := queue.RouteTask(b, queryInt(r, "file_count", 0), len(deps), workerType, r.URL.Query().Get("model"))
	s.respondJSON(w, http.StatusOK, decision)
}

// handleTasksBulkUpdate applies one patch to many tasks.
func (s *Server) handleTasksBulkUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TaskIDs  []string           `json:"task_ids"`
		Status   *models.BeadStatus `json:"status"`
		Priority *models.Priority   `json:"priority"`
	}
	if err := s.parseJSON(r, &req); err != nil || len(req.TaskIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "task_ids are required")
		return
	}
	updated := make([]*models.Bead, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		b, err := s.store.GetBead(r.Context(), id)
		if err != nil {
			continue
		}
		prev := *b
		if req.Status != nil {
			b.Status = *req.Status
		}
		if req.Priority != nil {
			b.Priority = *req.Priority
		}
		if err := s.store.UpdateBead(r.Context(), b); err != nil {
			continue
		}
		s.recordAction(r, undo.ActionUpdate, models.EntityTypeTask, id, b.ProjectID, &prev, b)
		s.bus.Emit(eventbus.EventTaskUpdated, b.ProjectID, map[string]any{"task": b})
		updated = append(updated, b)
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"updated": len(updated), "tasks": updated})
}

// handleTasksBulkDelete removes many tasks at once.
func (s *Server) handleTasksBulkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TaskIDs []string `json:"task_ids"`
	}
	if err := s.parseJSON(r, &req); err != nil || len(req.TaskIDs) == 0 {
		s.respondError(w, http.StatusBadRequest, "task_ids are required")
		return
	}
	deleted := 0
	for _, id := range req.TaskIDs {
		b, err := s.store.GetBead(r.Context(), id)
		if err != nil {
			continue
		}
		if err := s.store.DeleteBead(r.Context(), id); err != nil {
			continue
		}
		s.recordAction(r, undo.ActionDelete, models.EntityTypeTask, id, b.ProjectID, b, nil)
		s.bus.Emit(eventbus.EventTaskDeleted, b.ProjectID, map[string]any{"task_id": id})
		deleted++
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// recordAction writes an undo-log entry when the undo manager is wired.
func (s *Server) recordAction(r *http.Request, actionType string, entityType models.EntityType, entityID, projectID string, prev, current any) {
	if s.undo == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	_ = s.undo.RecordAction(ctx, actionType, entityType, entityID, projectID, apiActor, prev, current)
}
