// Package api exposes the HTTP, WebSocket, and SSE surface over the
// execution engine.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jedarden/ringmaster/internal/cache"
	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/metrics"
	"github.com/jedarden/ringmaster/internal/outputbuf"
	"github.com/jedarden/ringmaster/internal/reasoning"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/internal/undo"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

// Store is the persistence surface the handlers need; *store.Store
// satisfies it.
type Store interface {
	CreateProject(ctx context.Context, p *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	ListProjects(ctx context.Context) ([]*models.Project, error)
	UpdateProject(ctx context.Context, p *models.Project) error
	DeleteProject(ctx context.Context, id string) error
	ProjectSummary(ctx context.Context, id string) (map[string]int, error)

	CreateBead(ctx context.Context, b *models.Bead) error
	GetBead(ctx context.Context, id string) (*models.Bead, error)
	ListBeads(ctx context.Context, f store.BeadFilter) ([]*models.Bead, error)
	UpdateBead(ctx context.Context, b *models.Bead) error
	DeleteBead(ctx context.Context, id string) error
	AssignTask(ctx context.Context, taskID, workerID string) error

	AddDependency(ctx context.Context, childID, parentID string) error
	RemoveDependency(ctx context.Context, childID, parentID string) error
	GetDependencies(ctx context.Context, childID string) ([]*models.Dependency, error)

	CreateWorker(ctx context.Context, w *models.Worker) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	ListWorkers(ctx context.Context) ([]*models.Worker, error)
	UpdateWorker(ctx context.Context, w *models.Worker) error
	DeleteWorker(ctx context.Context, id string) error
	SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus, clearTask bool) error

	AddChatMessage(ctx context.Context, m *models.ChatMessage) error
	GetRecentMessages(ctx context.Context, projectID string, taskID *string, limit int) ([]*models.ChatMessage, error)
	CountMessages(ctx context.Context, projectID string, taskID *string) (int, error)
	GetSummaries(ctx context.Context, projectID string, taskID *string) ([]*models.Summary, error)
}

// TaskCanceller stops a live execution; *executor.Executor satisfies it.
type TaskCanceller interface {
	CancelTask(taskID string) error
}

// Server wires the engine's components behind HTTP.
type Server struct {
	store     Store
	bus       *eventbus.Bus
	output    *outputbuf.Buffer
	undo      *undo.Manager
	bank      *reasoning.Bank
	canceller TaskCanceller
	cache     cache.Backend
	cfg       *config.Config
	metrics   *metrics.Metrics
	hub       *wsHub
}

// NewServer creates the API server. undo, bank, and canceller may be nil;
// the corresponding endpoints then report 503.
func NewServer(st Store, bus *eventbus.Bus, output *outputbuf.Buffer, cfg *config.Config) *Server {
	s := &Server{
		store:   st,
		bus:     bus,
		output:  output,
		cfg:     cfg,
		metrics: metrics.New(),
	}
	s.hub = newWSHub(bus)
	return s
}

// WithUndo wires the undo manager.
func (s *Server) WithUndo(m *undo.Manager) *Server { s.undo = m; return s }

// WithReasoning wires the reasoning bank.
func (s *Server) WithReasoning(b *reasoning.Bank) *Server { s.bank = b; return s }

// WithCanceller wires live-task cancellation.
func (s *Server) WithCanceller(c TaskCanceller) *Server { s.canceller = c; return s }

// WithCache wires a read-through cache for hot aggregate reads.
func (s *Server) WithCache(b cache.Backend) *Server { s.cache = b; return s }

// Handler builds the full route table wrapped in the middleware stack.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/auth/token", s.handleAuthToken)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/projects", s.handleProjects)
	mux.HandleFunc("/api/projects/", s.handleProject)

	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/bulk-update", s.handleTasksBulkUpdate)
	mux.HandleFunc("/api/tasks/bulk-delete", s.handleTasksBulkDelete)
	mux.HandleFunc("/api/tasks/", s.handleTask)

	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/workers/", s.handleWorker)

	mux.HandleFunc("/api/undo/history", s.handleUndoHistory)
	mux.HandleFunc("/api/undo/redo", s.handleRedo)
	mux.HandleFunc("/api/undo", s.handleUndo)

	mux.HandleFunc("/api/chat/projects/", s.handleChat)
	mux.HandleFunc("/api/upload/", s.handleUploadServe)
	mux.HandleFunc("/api/upload", s.handleUpload)

	mux.HandleFunc("/api/reasoning/stats", s.handleReasoningStats)
	mux.HandleFunc("/api/cache/stats", s.handleCacheStats)

	mux.HandleFunc("/ws", s.hub.handleWS)

	var h http.Handler = mux
	h = s.metricsMiddleware(h)
	if s.cfg != nil && s.cfg.Auth.Enabled {
		h = s.authMiddleware(h)
	}
	h = otelhttp.NewHandler(h, "ringmaster.api")
	return h
}

// metricsMiddleware records request counts and latency.
func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.metrics.RecordHTTP(r.Method, routePattern(r.URL.Path), rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE work through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// routePattern collapses entity ids so metric labels stay low-cardinality.
func routePattern(path string) string {
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if strings.HasPrefix(p, models.BeadIDPrefix) || looksLikeID(p) {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}

func looksLikeID(s string) bool {
	return len(s) >= 16 && strings.Count(s, "-") >= 2
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	s.respondJSON(w, http.StatusOK, s.bus.Recent(limit))
}

func (s *Server) handleReasoningStats(w http.ResponseWriter, r *http.Request) {
	if s.bank == nil {
		s.respondError(w, http.StatusServiceUnavailable, "reasoning bank not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.bank.GetStats(r.Context()))
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.respondError(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}
	s.respondJSON(w, http.StatusOK, s.cache.GetStats(r.Context()))
}

// respondJSON writes a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a structured error response.
func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store error kinds to HTTP statuses.
func (s *Server) respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrIntegrityViolation), errors.Is(err, store.ErrConflictingWrite):
		s.respondError(w, http.StatusBadRequest, err.Error())
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// parseJSON decodes the request body.
func (s *Server) parseJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// pathSegments splits the path after a prefix: "/api/tasks/bd-1/assign"
// with prefix "/api/tasks/" yields ["bd-1", "assign"].
func pathSegments(path, prefix string) []string {
	rest := strings.TrimPrefix(path, prefix)
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}
	return strings.Split(rest, "/")
}

func queryInt(r *http.Request, key string, dflt int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return dflt
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return dflt
	}
	return n
}

func queryInt64(r *http.Request, key string, dflt int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return dflt
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return dflt
	}
	return n
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
