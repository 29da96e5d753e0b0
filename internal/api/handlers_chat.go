package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/pkg/models"
)

// handleChat routes /api/chat/projects/{id}/messages and
// /api/chat/projects/{id}/context.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	seg := pathSegments(r.URL.Path, "/api/chat/projects/")
	if len(seg) < 2 {
		s.respondError(w, http.StatusNotFound, "project id and resource required")
		return
	}
	projectID := seg[0]

	switch seg[1] {
	case "messages":
		s.handleChatMessages(w, r, projectID)
	case "context":
		s.handleChatContext(w, r, projectID)
	default:
		s.respondError(w, http.StatusNotFound, "unknown chat resource")
	}
}

func (s *Server) handleChatMessages(w http.ResponseWriter, r *http.Request, projectID string) {
	var taskID *string
	if t := r.URL.Query().Get("task_id"); t != "" {
		taskID = &t
	}
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.store.GetRecentMessages(r.Context(), projectID, taskID, queryInt(r, "limit", 50))
		if err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.respondJSON(w, http.StatusOK, msgs)
	case http.MethodPost:
		var msg models.ChatMessage
		if err := s.parseJSON(r, &msg); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if msg.Content == "" && msg.MediaPath == "" {
			s.respondError(w, http.StatusBadRequest, "content is required")
			return
		}
		if msg.ProjectID != "" && msg.ProjectID != projectID {
			s.respondError(w, http.StatusBadRequest, "body project_id does not match url")
			return
		}
		msg.ProjectID = projectID
		if msg.Role == "" {
			msg.Role = models.ChatRoleUser
		}
		if err := s.store.AddChatMessage(r.Context(), &msg); err != nil {
			s.respondStoreError(w, err)
			return
		}
		s.bus.Emit(eventbus.EventMessageCreated, projectID, map[string]any{"message": &msg})
		s.respondJSON(w, http.StatusCreated, msg)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// handleChatContext reports the conversation state the summarizer sees:
// totals, summaries, and the recent verbatim window.
func (s *Server) handleChatContext(w http.ResponseWriter, r *http.Request, projectID string) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var taskID *string
	if t := r.URL.Query().Get("task_id"); t != "" {
		taskID = &t
	}
	total, err := s.store.CountMessages(r.Context(), projectID, taskID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	summaries, err := s.store.GetSummaries(r.Context(), projectID, taskID)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	recent, err := s.store.GetRecentMessages(r.Context(), projectID, taskID, 10)
	if err != nil {
		s.respondStoreError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"total_messages": total,
		"summaries":      summaries,
		"recent":         recent,
	})
}

var unsafeFilenameRe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// sanitizeFilename strips path separators and shell-hostile characters.
func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	name = unsafeFilenameRe.ReplaceAllString(name, "_")
	if name == "" || name == "." || name == ".." {
		name = "upload"
	}
	return name
}

// handleUpload serves POST /api/upload: multipart with a project_id field
// and a file part, bounded by the configured size and MIME whitelist.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	maxBytes := s.cfg.Uploads.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		s.respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	projectID := r.FormValue("project_id")
	if projectID == "" {
		s.respondError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "file part is required")
		return
	}
	defer file.Close()
	if header.Size == 0 {
		s.respondError(w, http.StatusBadRequest, "empty upload")
		return
	}
	if !s.mimeAllowed(file, header) {
		s.respondError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sum := sha256.Sum256(data)
	stored := fmt.Sprintf("%d_%s_%s",
		time.Now().UTC().Unix(),
		hex.EncodeToString(sum[:])[:12],
		sanitizeFilename(header.Filename))

	dir := filepath.Join(s.cfg.Uploads.Dir, sanitizeFilename(projectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := os.WriteFile(filepath.Join(dir, stored), data, 0o644); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.respondJSON(w, http.StatusCreated, map[string]any{
		"path":     sanitizeFilename(projectID) + "/" + stored,
		"filename": header.Filename,
		"size":     len(data),
	})
}

// mimeAllowed sniffs the content and checks it against the whitelist.
func (s *Server) mimeAllowed(file multipart.File, header *multipart.FileHeader) bool {
	allowed := s.cfg.Uploads.AllowedMIMEs
	if len(allowed) == 0 {
		return true
	}
	buf := make([]byte, 512)
	n, _ := file.Read(buf)
	file.Seek(0, io.SeekStart)
	sniffed := http.DetectContentType(buf[:n])

	declared := header.Header.Get("Content-Type")
	for _, m := range allowed {
		if strings.HasPrefix(sniffed, m) || strings.HasPrefix(declared, m) {
			return true
		}
	}
	return false
}

// handleUploadServe serves GET /api/upload/{project}/{file} with the
// original filename restored in Content-Disposition. Traversal outside the
// upload root is refused without touching the filesystem.
func (s *Server) handleUploadServe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	seg := pathSegments(r.URL.Path, "/api/upload/")
	if len(seg) != 2 {
		s.respondError(w, http.StatusNotFound, "upload path required")
		return
	}
	if strings.Contains(seg[0], "..") || strings.Contains(seg[1], "..") {
		s.respondError(w, http.StatusForbidden, "path traversal refused")
		return
	}
	root, err := filepath.Abs(s.cfg.Uploads.Dir)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	path, err := filepath.Abs(filepath.Join(root, seg[0], seg[1]))
	if err != nil || !strings.HasPrefix(path, root+string(os.PathSeparator)) {
		s.respondError(w, http.StatusForbidden, "path traversal refused")
		return
	}

	// Stored names are <timestamp>_<sha12>_<original>.
	original := seg[1]
	if parts := strings.SplitN(seg[1], "_", 3); len(parts) == 3 {
		original = parts[2]
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", original))
	http.ServeFile(w, r, path)
}
