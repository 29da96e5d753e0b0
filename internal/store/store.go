// Package store implements the transactional Postgres repositories that are
// the single path to persistence. All other components depend on these
// contracts, never on SQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/lib/pq"
)

// Sentinel errors for repository preconditions. Use errors.Is() to check
// these rather than inspecting error message strings.
var (
	ErrNotFound           = errors.New("not found")
	ErrConflictingWrite   = errors.New("conflicting write")
	ErrIntegrityViolation = errors.New("integrity violation")
)

// Store wraps the Postgres connection and exposes the repositories.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection, and applies the
// migration list.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for collaborators that persist their own rows
// (the log manager). Repository contracts remain the path for everything
// else.
func (s *Store) DB() *sql.DB { return s.db }

// rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func rebind(query string) string {
	var out strings.Builder
	n := 1
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

// isSerializationFailure reports whether err is a transient serialized-write
// conflict worth retrying once.
func isSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 40001 serialization_failure, 40P01 deadlock_detected.
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	return false
}

// withRetry runs fn, retrying exactly once with jitter on a transient
// serialization failure before surfacing the error.
func withRetry(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !isSerializationFailure(err) {
		return err
	}
	select {
	case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
	case <-ctx.Done():
		return ctx.Err()
	}
	if retryErr := fn(); retryErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConflictingWrite, err)
}

// inTx runs fn inside a transaction, committing on nil and rolling back
// otherwise.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// marshalJSON encodes v for a JSONB column, mapping nil slices to [].
func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

func unmarshalStrings(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// migrations is the ordered schema list. Each entry runs once, tracked in
// schema_migrations by index.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		tech_stack JSONB NOT NULL DEFAULT '[]',
		repo_path TEXT NOT NULL DEFAULT '',
		settings JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'OFFLINE',
		current_task_id TEXT,
		launch JSONB NOT NULL DEFAULT '{}',
		capabilities JSONB NOT NULL DEFAULT '[]',
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		tasks_failed INTEGER NOT NULL DEFAULT 0,
		mean_completion_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		last_active_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS beads (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 2,
		status TEXT NOT NULL DEFAULT 'DRAFT',
		worker_id TEXT REFERENCES workers(id),
		parent_id TEXT REFERENCES beads(id),
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		retry_after TIMESTAMPTZ,
		last_failure_reason TEXT NOT NULL DEFAULT '',
		blocked_reason TEXT NOT NULL DEFAULT '',
		required_capabilities JSONB NOT NULL DEFAULT '[]',
		pagerank DOUBLE PRECISION NOT NULL DEFAULT 0,
		betweenness DOUBLE PRECISION NOT NULL DEFAULT 0,
		on_critical_path BOOLEAN NOT NULL DEFAULT FALSE,
		combined_priority DOUBLE PRECISION NOT NULL DEFAULT 0,
		acceptance_criteria JSONB NOT NULL DEFAULT '[]',
		epic_context TEXT NOT NULL DEFAULT '',
		prompt_path TEXT NOT NULL DEFAULT '',
		output_path TEXT NOT NULL DEFAULT '',
		context_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS dependencies (
		child_id TEXT NOT NULL REFERENCES beads(id) ON DELETE CASCADE,
		parent_id TEXT NOT NULL REFERENCES beads(id) ON DELETE CASCADE,
		created_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (child_id, parent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id BIGSERIAL PRIMARY KEY,
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		task_id TEXT,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		media_path TEXT NOT NULL DEFAULT '',
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		task_id TEXT,
		start_message_id BIGINT NOT NULL,
		end_message_id BIGINT NOT NULL,
		summary TEXT NOT NULL,
		key_decisions JSONB NOT NULL DEFAULT '[]',
		token_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		action_type TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		project_id TEXT NOT NULL DEFAULT '',
		previous_state TEXT NOT NULL DEFAULT '',
		new_state TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		undone BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_outcomes (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		file_count INTEGER NOT NULL DEFAULT 0,
		keywords JSONB NOT NULL DEFAULT '[]',
		bead_type TEXT NOT NULL,
		has_dependencies BOOLEAN NOT NULL DEFAULT FALSE,
		model_used TEXT NOT NULL DEFAULT '',
		worker_type TEXT NOT NULL DEFAULT '',
		iterations INTEGER NOT NULL DEFAULT 0,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		outcome TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		failure_reason TEXT NOT NULL DEFAULT '',
		reflection TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS session_metrics (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ NOT NULL,
		success BOOLEAN NOT NULL DEFAULT FALSE,
		error TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL DEFAULT '',
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS assembly_logs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		sources_queried JSONB NOT NULL DEFAULT '[]',
		source_count INTEGER NOT NULL DEFAULT 0,
		tokens_used INTEGER NOT NULL DEFAULT 0,
		token_budget INTEGER NOT NULL DEFAULT 0,
		compression_steps JSONB NOT NULL DEFAULT '[]',
		stages_applied JSONB NOT NULL DEFAULT '[]',
		assembly_time_ms BIGINT NOT NULL DEFAULT 0,
		context_hash TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id TEXT PRIMARY KEY,
		timestamp TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		source TEXT NOT NULL,
		message TEXT NOT NULL,
		metadata JSONB,
		task_id TEXT,
		project_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS reload_records (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		changes JSONB NOT NULL DEFAULT '[]',
		success BOOLEAN NOT NULL DEFAULT FALSE,
		output TEXT NOT NULL DEFAULT '',
		duration_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_project_status ON beads(project_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_beads_ready ON beads(status, combined_priority DESC, created_at ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_deps_parent ON dependencies(parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_project ON chat_messages(project_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_actions_undo ON actions(undone, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_logs_project_level ON logs(project_id, level, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_outcomes_project ON task_outcomes(project_id, created_at)`,
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		idx INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return err
	}

	var applied int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(idx), -1) FROM schema_migrations`).Scan(&applied); err != nil {
		return err
	}

	for i := applied + 1; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (idx) VALUES ($1)`, i); err != nil {
			return fmt.Errorf("record migration %d: %w", i, err)
		}
	}
	return nil
}
