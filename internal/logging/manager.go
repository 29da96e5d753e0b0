// Package logging collects operational log entries into a bounded
// in-memory ring, streams them to subscribers, and persists them
// asynchronously to Postgres. The scheduler, executor, and enrichment
// pipeline all log through it; the pipeline's logs stage reads recent
// entries back out.
package logging

import (
	"container/ring"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxBufferSize bounds the in-memory ring.
	MaxBufferSize = 10000

	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Entry is one log record.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Source    string         `json:"source"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Filter narrows GetRecent and Query results. Zero values match
// everything.
type Filter struct {
	Level     string
	Source    string
	TaskID    string
	ProjectID string
	Since     time.Time
	Until     time.Time
}

func (f Filter) matches(e Entry) bool {
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.TaskID != "" && metaString(e.Metadata, "task_id") != f.TaskID {
		return false
	}
	if f.ProjectID != "" && metaString(e.Metadata, "project_id") != f.ProjectID {
		return false
	}
	return true
}

// Manager buffers, streams, and persists log entries.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	db       *sql.DB
	handlers []func(Entry)
}

// NewManager creates a logging manager. db may be nil; entries then live
// only in the ring.
func NewManager(db *sql.DB) *Manager {
	return &Manager{
		buffer: ring.New(MaxBufferSize),
		db:     db,
	}
}

// OnEntry registers a handler invoked for every entry. Handlers run on
// their own goroutine; register before logging starts.
func (m *Manager) OnEntry(fn func(Entry)) {
	m.handlers = append(m.handlers, fn)
}

// Log records one entry.
func (m *Manager) Log(level, source, message string, metadata map[string]any) {
	entry := Entry{
		ID:        "log-" + uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	m.mu.Unlock()

	for _, handler := range m.handlers {
		go handler(entry)
	}

	go m.persist(entry)
}

// Debugf, Infof, Warnf, and Errorf are printf-style conveniences.
func (m *Manager) Debugf(source, format string, args ...any) {
	m.Log(LevelDebug, source, fmt.Sprintf(format, args...), nil)
}

func (m *Manager) Infof(source, format string, args ...any) {
	m.Log(LevelInfo, source, fmt.Sprintf(format, args...), nil)
}

func (m *Manager) Warnf(source, format string, args ...any) {
	m.Log(LevelWarn, source, fmt.Sprintf(format, args...), nil)
}

func (m *Manager) Errorf(source, format string, args ...any) {
	m.Log(LevelError, source, fmt.Sprintf(format, args...), nil)
}

func (m *Manager) persist(entry Entry) {
	if m.db == nil {
		return
	}

	var metadata any
	if len(entry.Metadata) > 0 {
		if data, err := json.Marshal(entry.Metadata); err == nil {
			metadata = data
		}
	}
	taskID := metaString(entry.Metadata, "task_id")
	projectID := metaString(entry.Metadata, "project_id")

	_, err := m.db.Exec(rebindQuery(`
		INSERT INTO logs (id, timestamp, level, source, message, metadata, task_id, project_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Timestamp, entry.Level, entry.Source, entry.Message, metadata,
		nullable(taskID), nullable(projectID))
	if err != nil {
		log.Printf("[Logging] persist entry: %v", err)
	}
}

// GetRecent returns up to limit buffered entries matching the filter,
// newest first.
func (m *Manager) GetRecent(limit int, f Filter) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	var logs []Entry
	// The ring cursor sits at the oldest slot, so Do walks oldest to
	// newest.
	m.buffer.Do(func(v any) {
		entry, ok := v.(Entry)
		if !ok || !f.matches(entry) {
			return
		}
		logs = append(logs, entry)
	})

	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	for i, j := 0, len(logs)-1; i < j; i, j = i+1, j-1 {
		logs[i], logs[j] = logs[j], logs[i]
	}
	return logs
}

// Query returns persisted entries matching the filter, newest first. It
// falls back to the in-memory ring when no database is attached.
func (m *Manager) Query(limit int, f Filter) ([]Entry, error) {
	if m.db == nil {
		return m.GetRecent(limit, f), nil
	}
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, timestamp, level, source, message, metadata FROM logs WHERE 1=1`
	var args []any
	if f.Level != "" {
		query += " AND level = ?"
		args = append(args, f.Level)
	}
	if f.Source != "" {
		query += " AND source = ?"
		args = append(args, f.Source)
	}
	if f.TaskID != "" {
		query += " AND task_id = ?"
		args = append(args, f.TaskID)
	}
	if f.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, f.ProjectID)
	}
	if !f.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, f.Until)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := m.db.Query(rebindQuery(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var metadata []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Level, &e.Source, &e.Message, &metadata); err != nil {
			return nil, fmt.Errorf("scan log entry: %w", err)
		}
		if len(metadata) > 0 {
			_ = json.Unmarshal(metadata, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// rebindQuery converts ? placeholders to $N for PostgreSQL.
func rebindQuery(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func metaString(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	s, _ := meta[key].(string)
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
