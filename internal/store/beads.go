package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

const beadCols = `id, project_id, type, title, description, priority, status, worker_id, parent_id,
	attempts, max_attempts, retry_after, last_failure_reason, blocked_reason, required_capabilities,
	pagerank, betweenness, on_critical_path, combined_priority, acceptance_criteria, epic_context,
	prompt_path, output_path, context_hash, created_at, updated_at, started_at, completed_at`

func scanBead(row interface{ Scan(...any) error }) (*models.Bead, error) {
	var b models.Bead
	var caps, criteria []byte
	err := row.Scan(&b.ID, &b.ProjectID, &b.Type, &b.Title, &b.Description, &b.Priority, &b.Status,
		&b.WorkerID, &b.ParentID, &b.Attempts, &b.MaxAttempts, &b.RetryAfter, &b.LastFailureReason,
		&b.BlockedReason, &caps, &b.PageRank, &b.Betweenness, &b.OnCriticalPath, &b.CombinedPriority,
		&criteria, &b.EpicContext, &b.PromptPath, &b.OutputPath, &b.ContextHash,
		&b.CreatedAt, &b.UpdatedAt, &b.StartedAt, &b.CompletedAt)
	if err != nil {
		return nil, err
	}
	b.RequiredCapabilities = unmarshalStrings(caps)
	b.AcceptanceCriteria = unmarshalStrings(criteria)
	return &b, nil
}

func validateBead(b *models.Bead) error {
	switch b.Type {
	case models.BeadTypeEpic, models.BeadTypeTask, models.BeadTypeSubtask:
	default:
		return fmt.Errorf("bead type %q: %w", b.Type, ErrIntegrityViolation)
	}
	if b.Type == models.BeadTypeSubtask && (b.ParentID == nil || *b.ParentID == "") {
		return fmt.Errorf("subtask requires a parent: %w", ErrIntegrityViolation)
	}
	if !b.Priority.Valid() {
		return fmt.Errorf("priority %d out of range: %w", b.Priority, ErrIntegrityViolation)
	}
	return nil
}

// CreateBead inserts a bead, assigning an id and defaults when absent.
func (s *Store) CreateBead(ctx context.Context, b *models.Bead) error {
	if err := validateBead(b); err != nil {
		return err
	}
	if b.ID == "" {
		b.ID = models.NewBeadID()
	}
	if b.Status == "" {
		b.Status = models.BeadStatusDraft
	}
	if b.MaxAttempts == 0 {
		b.MaxAttempts = 5
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	caps, err := marshalJSON(b.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	criteria, err := marshalJSON(b.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshal acceptance criteria: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO beads (`+beadCols+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		b.ID, b.ProjectID, b.Type, b.Title, b.Description, b.Priority, b.Status, b.WorkerID, b.ParentID,
		b.Attempts, b.MaxAttempts, b.RetryAfter, b.LastFailureReason, b.BlockedReason, caps,
		b.PageRank, b.Betweenness, b.OnCriticalPath, b.CombinedPriority, criteria, b.EpicContext,
		b.PromptPath, b.OutputPath, b.ContextHash, b.CreatedAt, b.UpdatedAt, b.StartedAt, b.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert bead: %w", err)
	}
	return nil
}

// GetBead fetches a bead by id.
func (s *Store) GetBead(ctx context.Context, id string) (*models.Bead, error) {
	row := s.db.QueryRowContext(ctx, rebind(`SELECT `+beadCols+` FROM beads WHERE id = ?`), id)
	b, err := scanBead(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("bead %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get bead: %w", err)
	}
	return b, nil
}

// BeadFilter narrows ListBeads.
type BeadFilter struct {
	ProjectID string
	Status    models.BeadStatus
	Type      models.BeadType
	WorkerID  string
	ParentID  string
}

// ListBeads returns beads matching the filter, highest combined priority
// first.
func (s *Store) ListBeads(ctx context.Context, f BeadFilter) ([]*models.Bead, error) {
	query := `SELECT ` + beadCols + ` FROM beads WHERE 1=1`
	var args []any
	if f.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.WorkerID != "" {
		query += ` AND worker_id = ?`
		args = append(args, f.WorkerID)
	}
	if f.ParentID != "" {
		query += ` AND parent_id = ?`
		args = append(args, f.ParentID)
	}
	query += ` ORDER BY combined_priority DESC, created_at ASC`

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list beads: %w", err)
	}
	defer rows.Close()

	var out []*models.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bead: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UpdateBead rewrites a bead's mutable fields. The write is optimistic: it
// fails with ErrConflictingWrite when the row changed since the caller
// loaded it.
func (s *Store) UpdateBead(ctx context.Context, b *models.Bead) error {
	if err := validateBead(b); err != nil {
		return err
	}
	prev := b.UpdatedAt
	b.UpdatedAt = time.Now().UTC()

	caps, err := marshalJSON(b.RequiredCapabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	criteria, err := marshalJSON(b.AcceptanceCriteria)
	if err != nil {
		return fmt.Errorf("marshal acceptance criteria: %w", err)
	}

	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, rebind(
			`UPDATE beads SET title = ?, description = ?, priority = ?, status = ?, worker_id = ?,
				parent_id = ?, attempts = ?, max_attempts = ?, retry_after = ?, last_failure_reason = ?,
				blocked_reason = ?, required_capabilities = ?, acceptance_criteria = ?, epic_context = ?,
				prompt_path = ?, output_path = ?, context_hash = ?, updated_at = ?, started_at = ?, completed_at = ?
			 WHERE id = ? AND updated_at = ?`),
			b.Title, b.Description, b.Priority, b.Status, b.WorkerID,
			b.ParentID, b.Attempts, b.MaxAttempts, b.RetryAfter, b.LastFailureReason,
			b.BlockedReason, caps, criteria, b.EpicContext,
			b.PromptPath, b.OutputPath, b.ContextHash, b.UpdatedAt, b.StartedAt, b.CompletedAt,
			b.ID, prev)
		if err != nil {
			return fmt.Errorf("update bead: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Distinguish a missing row from a stale snapshot.
			var exists bool
			if err := s.db.QueryRowContext(ctx,
				rebind(`SELECT EXISTS(SELECT 1 FROM beads WHERE id = ?)`), b.ID).Scan(&exists); err != nil {
				return fmt.Errorf("update bead: %w", err)
			}
			if !exists {
				return fmt.Errorf("bead %s: %w", b.ID, ErrNotFound)
			}
			return fmt.Errorf("bead %s: %w", b.ID, ErrConflictingWrite)
		}
		return nil
	})
}

// DeleteBead removes a bead.
func (s *Store) DeleteBead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, rebind(`DELETE FROM beads WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete bead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bead %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetReadyTasks returns executable beads that are READY, past any retry
// hold, and have no unmet dependency parent, ordered by combined priority
// then age. projectID narrows the scope when non-empty.
func (s *Store) GetReadyTasks(ctx context.Context, projectID string) ([]*models.Bead, error) {
	query := `SELECT ` + beadCols + ` FROM beads b
		WHERE b.type IN ('task', 'subtask')
		  AND b.status = 'READY'
		  AND (b.retry_after IS NULL OR b.retry_after <= NOW())
		  AND NOT EXISTS (
			SELECT 1 FROM dependencies d
			JOIN beads p ON p.id = d.parent_id
			WHERE d.child_id = b.id AND p.status <> 'DONE')`
	var args []any
	if projectID != "" {
		query += ` AND b.project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY b.combined_priority DESC, b.created_at ASC`

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get ready tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ready task: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// AssignTask binds a READY task to an IDLE worker in one transaction:
// the task becomes ASSIGNED with worker_id set, the worker becomes BUSY
// with current_task_id set. Either precondition failing surfaces
// ErrConflictingWrite without partial state.
func (s *Store) AssignTask(ctx context.Context, taskID, workerID string) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			now := time.Now().UTC()
			res, err := tx.ExecContext(ctx, rebind(
				`UPDATE beads SET status = 'ASSIGNED', worker_id = ?, updated_at = ?
				 WHERE id = ? AND status = 'READY'`), workerID, now, taskID)
			if err != nil {
				return fmt.Errorf("assign bead: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("task %s not READY: %w", taskID, ErrConflictingWrite)
			}

			res, err = tx.ExecContext(ctx, rebind(
				`UPDATE workers SET status = 'BUSY', current_task_id = ?, last_active_at = ?
				 WHERE id = ? AND status = 'IDLE'`), taskID, now, workerID)
			if err != nil {
				return fmt.Errorf("assign worker: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("worker %s not IDLE: %w", workerID, ErrConflictingWrite)
			}
			return nil
		})
	})
}

// SaveGraphScores persists the priority-graph scores for one bead without
// touching its updated_at (score refreshes must not invalidate optimistic
// writes elsewhere).
func (s *Store) SaveGraphScores(ctx context.Context, beadID string, pagerank, betweenness float64, onCriticalPath bool, combined float64) error {
	_, err := s.db.ExecContext(ctx, rebind(
		`UPDATE beads SET pagerank = ?, betweenness = ?, on_critical_path = ?, combined_priority = ?
		 WHERE id = ?`), pagerank, betweenness, onCriticalPath, combined, beadID)
	if err != nil {
		return fmt.Errorf("save graph scores: %w", err)
	}
	return nil
}

// ActiveBeads returns the non-DONE executable beads for graph computation.
func (s *Store) ActiveBeads(ctx context.Context, projectID string) ([]*models.Bead, error) {
	query := `SELECT ` + beadCols + ` FROM beads WHERE status <> 'DONE' AND type IN ('task', 'subtask')`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("active beads: %w", err)
	}
	defer rows.Close()

	var out []*models.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CompletedTasksWithOutput returns DONE/REVIEW tasks for the research stage,
// newest first.
func (s *Store) CompletedTasksWithOutput(ctx context.Context, projectID string, limit int) ([]*models.Bead, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT `+beadCols+` FROM beads
		 WHERE project_id = ? AND status IN ('DONE', 'REVIEW')
		 ORDER BY completed_at DESC NULLS LAST, updated_at DESC
		 LIMIT ?`), projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("completed tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Bead
	for rows.Next() {
		b, err := scanBead(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
