package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

// AddDependency inserts the (child, parent) edge after rejecting self-loops,
// duplicates, and cycles. The cycle walk and insert share one transaction so
// a concurrent insert cannot sneak a cycle past the check.
func (s *Store) AddDependency(ctx context.Context, childID, parentID string) error {
	if childID == parentID {
		return fmt.Errorf("dependency self-loop on %s: %w", childID, ErrIntegrityViolation)
	}
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			for _, id := range []string{childID, parentID} {
				var exists bool
				if err := tx.QueryRowContext(ctx,
					rebind(`SELECT EXISTS(SELECT 1 FROM beads WHERE id = ?)`), id).Scan(&exists); err != nil {
					return fmt.Errorf("check bead: %w", err)
				}
				if !exists {
					return fmt.Errorf("bead %s: %w", id, ErrNotFound)
				}
			}

			// A cycle exists iff the child is already an ancestor of the parent.
			var cyclic bool
			err := tx.QueryRowContext(ctx, rebind(
				`WITH RECURSIVE ancestors(id) AS (
					SELECT parent_id FROM dependencies WHERE child_id = ?
					UNION
					SELECT d.parent_id FROM dependencies d JOIN ancestors a ON d.child_id = a.id
				)
				SELECT EXISTS(SELECT 1 FROM ancestors WHERE id = ?)`), parentID, childID).Scan(&cyclic)
			if err != nil {
				return fmt.Errorf("cycle check: %w", err)
			}
			if cyclic {
				return fmt.Errorf("dependency %s -> %s would create a cycle: %w", childID, parentID, ErrIntegrityViolation)
			}

			res, err := tx.ExecContext(ctx, rebind(
				`INSERT INTO dependencies (child_id, parent_id, created_at) VALUES (?, ?, ?)
				 ON CONFLICT (child_id, parent_id) DO NOTHING`),
				childID, parentID, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("insert dependency: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("dependency %s -> %s exists: %w", childID, parentID, ErrIntegrityViolation)
			}
			return nil
		})
	})
}

// RemoveDependency deletes the (child, parent) edge.
func (s *Store) RemoveDependency(ctx context.Context, childID, parentID string) error {
	res, err := s.db.ExecContext(ctx, rebind(
		`DELETE FROM dependencies WHERE child_id = ? AND parent_id = ?`), childID, parentID)
	if err != nil {
		return fmt.Errorf("remove dependency: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dependency %s -> %s: %w", childID, parentID, ErrNotFound)
	}
	return nil
}

// GetDependencies returns the parents the given bead waits on.
func (s *Store) GetDependencies(ctx context.Context, childID string) ([]*models.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT child_id, parent_id, created_at FROM dependencies WHERE child_id = ? ORDER BY created_at ASC`), childID)
	if err != nil {
		return nil, fmt.Errorf("get dependencies: %w", err)
	}
	defer rows.Close()
	return scanDependencies(rows)
}

// GetDependents returns the children waiting on the given bead.
func (s *Store) GetDependents(ctx context.Context, parentID string) ([]*models.Dependency, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT child_id, parent_id, created_at FROM dependencies WHERE parent_id = ? ORDER BY created_at ASC`), parentID)
	if err != nil {
		return nil, fmt.Errorf("get dependents: %w", err)
	}
	defer rows.Close()
	return scanDependencies(rows)
}

// AllDependencies returns every edge in a project's bead graph.
func (s *Store) AllDependencies(ctx context.Context, projectID string) ([]*models.Dependency, error) {
	query := `SELECT d.child_id, d.parent_id, d.created_at FROM dependencies d`
	var args []any
	if projectID != "" {
		query += ` JOIN beads b ON b.id = d.child_id WHERE b.project_id = ?`
		args = append(args, projectID)
	}
	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("all dependencies: %w", err)
	}
	defer rows.Close()
	return scanDependencies(rows)
}

func scanDependencies(rows *sql.Rows) ([]*models.Dependency, error) {
	var out []*models.Dependency
	for rows.Next() {
		var d models.Dependency
		if err := rows.Scan(&d.ChildID, &d.ParentID, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
