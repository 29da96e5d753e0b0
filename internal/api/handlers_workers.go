package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/pkg/models"
)

// handleWorkers serves GET/POST /api/workers.
func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		workers, err := s.store.ListWorkers(r.Context())
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, workers)
	case http.MethodPost:
		var worker models.Worker
		if err := s.parseJSON(r, &worker); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if worker.Type == "" {
			s.respondError(w, http.StatusBadRequest, "type is required")
			return
		}
		if worker.ID == "" {
			worker.ID = "wk-" + uuid.New().String()[:8]
		}
		if worker.Status == "" {
			worker.Status = models.WorkerStatusOffline
		}
		if err := s.store.CreateWorker(r.Context(), &worker); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.bus.Emit(eventbus.EventWorkerUpdated, "", map[string]any{"worker": &worker})
		s.respondJSON(w, http.StatusCreated, worker)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorker routes /api/workers/{id} and its sub-resources.
func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/workers/")
	if len(seg) == 0 {
		s.respondError(w, http.StatusNotFound, "worker id required")
		return
	}
	id := seg[0]

	if len(seg) >= 2 {
		switch seg[1] {
		case "activate", "deactivate", "pause", "cancel":
			s.handleWorkerControl(w, r, id, seg[1])
		case "output":
			if len(seg) == 3 && seg[2] == "stream" {
				s.handleWorkerOutputStream(w, r, id)
			} else {
				s.handleWorkerOutput(w, r, id)
			}
		case "capabilities":
			cap := ""
			if len(seg) == 3 {
				cap = seg[2]
			}
			s.handleWorkerCapabilities(w, r, id, cap)
		default:
			s.respondError(w, http.StatusNotFound, "unknown worker resource")
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		worker, err := s.store.GetWorker(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, worker)
	case http.MethodPatch:
		worker, err := s.store.GetWorker(r.Context(), id)
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		var patch struct {
			Name   *string                `json:"name"`
			Launch *models.LaunchTemplate `json:"launch"`
		}
		if err := s.parseJSON(r, &patch); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if patch.Name != nil {
			worker.Name = *patch.Name
		}
		if patch.Launch != nil {
			worker.Launch = *patch.Launch
		}
		if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.bus.Emit(eventbus.EventWorkerUpdated, "", map[string]any{"worker": worker})
		s.respondJSON(w, http.StatusOK, worker)
	case http.MethodDelete:
		if err := s.store.DeleteWorker(r.Context(), id); err != nil {
			s.respondStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleWorkerControl serves the activate/deactivate/pause/cancel verbs.
func (s *Server) handleWorkerControl(w http.ResponseWriter, r *http.Request, id, verb string) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}

	switch verb {
	case "activate":
		if worker.Status == models.WorkerStatusBusy {
			s.respondError(w, http.StatusBadRequest, "worker is busy")
			return
		}
		if err := s.store.SetWorkerStatus(r.Context(), id, models.WorkerStatusIdle, false); err != nil {
			s.respondStoreError(w, err)
			return
		}
		worker.Status = models.WorkerStatusIdle
	case "deactivate":
		if worker.Status == models.WorkerStatusBusy {
			s.respondError(w, http.StatusBadRequest, "worker is busy; pause or cancel first")
			return
		}
		if err := s.store.SetWorkerStatus(r.Context(), id, models.WorkerStatusOffline, true); err != nil {
			s.respondStoreError(w, err)
			return
		}
		worker.Status = models.WorkerStatusOffline
	case "pause":
		// Pause keeps current_task_id: the running task finishes, but the
		// worker picks up nothing new.
		if err := s.store.SetWorkerStatus(r.Context(), id, models.WorkerStatusOffline, false); err != nil {
			s.respondStoreError(w, err)
			return
		}
		worker.Status = models.WorkerStatusOffline
		s.bus.Emit(eventbus.EventWorkerPaused, "", map[string]any{"worker_id": id})
	case "cancel":
		if worker.CurrentTaskID == nil {
			s.respondError(w, http.StatusBadRequest, "worker has no active task")
			return
		}
		if s.canceller == nil {
			s.respondError(w, http.StatusServiceUnavailable, "cancellation not configured")
			return
		}
		if err := s.canceller.CancelTask(*worker.CurrentTaskID); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	s.bus.Emit(eventbus.EventWorkerStatus, "", map[string]any{
		"worker_id": id,
		"status":    string(worker.Status),
		"action":    verb,
	})
	s.respondJSON(w, http.StatusOK, worker)
}

// handleWorkerOutput serves GET /api/workers/{id}/output?limit&since_line.
func (s *Server) handleWorkerOutput(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	limit := queryInt(r, "limit", 100)
	since := queryInt64(r, "since_line", 0)
	s.respondJSON(w, http.StatusOK, s.output.GetRecent(id, limit, since))
}

// sseKeepalive is the comment-ping interval on output streams.
const sseKeepalive = 30 * time.Second

// handleWorkerOutputStream serves GET /api/workers/{id}/output/stream as
// Server-Sent Events until the client goes away.
func (s *Server) handleWorkerOutputStream(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	subID := "sse-" + uuid.New().String()[:8]
	lines := s.output.Subscribe(id, subID)
	defer s.output.Unsubscribe(id, subID)

	// Replay whatever the ring currently holds so a late joiner sees
	// recent context, then follow live.
	since := queryInt64(r, "since_line", 0)
	for _, line := range s.output.GetRecent(id, 100, since) {
		writeSSE(w, line)
	}
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			writeSSE(w, line)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, line models.OutputLine) {
	data, _ := json.Marshal(line)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// handleWorkerCapabilities serves GET/POST/DELETE
// /api/workers/{id}/capabilities[/{cap}].
func (s *Server) handleWorkerCapabilities(w http.ResponseWriter, r *http.Request, id, cap string) {
	worker, err := s.store.GetWorker(r.Context(), id)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.respondJSON(w, http.StatusOK, worker.Capabilities)
	case http.MethodPost:
		var req struct {
			Capability string `json:"capability"`
		}
		if err := s.parseJSON(r, &req); err != nil || req.Capability == "" {
			s.respondError(w, http.StatusBadRequest, "capability is required")
			return
		}
		for _, c := range worker.Capabilities {
			if strings.EqualFold(c, req.Capability) {
				s.respondJSON(w, http.StatusOK, worker.Capabilities)
				return
			}
		}
		worker.Capabilities = append(worker.Capabilities, req.Capability)
		if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusCreated, worker.Capabilities)
	case http.MethodDelete:
		if cap == "" {
			s.respondError(w, http.StatusBadRequest, "capability required in path")
			return
		}
		kept := worker.Capabilities[:0]
		for _, c := range worker.Capabilities {
			if !strings.EqualFold(c, cap) {
				kept = append(kept, c)
			}
		}
		worker.Capabilities = kept
		if err := s.store.UpdateWorker(r.Context(), worker); err != nil {
			s.respondStoreError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
