package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/pkg/models"
)

const actionCols = `id, action_type, entity_type, entity_id, project_id, previous_state, new_state, actor, undone, created_at`

// AppendAction records one mutating operation in the undo log.
func (s *Store) AppendAction(ctx context.Context, a *models.Action) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, rebind(
		`INSERT INTO actions (`+actionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, a.ActionType, a.EntityType, a.EntityID, a.ProjectID,
		a.PreviousState, a.NewState, a.Actor, a.Undone, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append action: %w", err)
	}
	return nil
}

func scanAction(row interface{ Scan(...any) error }) (*models.Action, error) {
	var a models.Action
	err := row.Scan(&a.ID, &a.ActionType, &a.EntityType, &a.EntityID, &a.ProjectID,
		&a.PreviousState, &a.NewState, &a.Actor, &a.Undone, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetLastUndoable returns the most recent action not yet undone.
func (s *Store) GetLastUndoable(ctx context.Context, projectID string) (*models.Action, error) {
	query := `SELECT ` + actionCols + ` FROM actions WHERE undone = FALSE`
	var args []any
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, rebind(query), args...)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("nothing to undo: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last undoable: %w", err)
	}
	return a, nil
}

// GetLastRedoable returns the most recent undone action that has no newer
// non-undone action after it (a later mutation invalidates the redo chain).
func (s *Store) GetLastRedoable(ctx context.Context, projectID string) (*models.Action, error) {
	scope := ``
	var args []any
	if projectID != "" {
		scope = ` AND project_id = ?`
		args = append(args, projectID, projectID)
	}
	query := `SELECT ` + actionCols + ` FROM actions a
		WHERE a.undone = TRUE` + scope + `
		  AND NOT EXISTS (
			SELECT 1 FROM actions b
			WHERE b.undone = FALSE` + scope + `
			  AND (b.created_at > a.created_at OR (b.created_at = a.created_at AND b.id > a.id)))
		ORDER BY a.created_at DESC, a.id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, rebind(query), args...)
	a, err := scanAction(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("nothing to redo: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("last redoable: %w", err)
	}
	return a, nil
}

// SetActionUndone flips the undone flag on one action.
func (s *Store) SetActionUndone(ctx context.Context, actionID string, undone bool) error {
	res, err := s.db.ExecContext(ctx, rebind(
		`UPDATE actions SET undone = ? WHERE id = ?`), undone, actionID)
	if err != nil {
		return fmt.Errorf("set action undone: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("action %s: %w", actionID, ErrNotFound)
	}
	return nil
}

// ActionHistory returns the newest limit actions.
func (s *Store) ActionHistory(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + actionCols + ` FROM actions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("action history: %w", err)
	}
	defer rows.Close()

	var out []*models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
