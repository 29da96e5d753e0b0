package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/pkg/models"
)

// CreateProject inserts a project, assigning an id when absent.
func (s *Store) CreateProject(ctx context.Context, p *models.Project) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	stack, err := marshalJSON(p.TechStack)
	if err != nil {
		return fmt.Errorf("marshal tech stack: %w", err)
	}
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO projects (id, name, description, tech_stack, repo_path, settings, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		p.ID, p.Name, p.Description, stack, p.RepoPath, settings, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

func scanProject(row interface{ Scan(...any) error }) (*models.Project, error) {
	var p models.Project
	var stack, settings []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &stack, &p.RepoPath, &settings, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.TechStack = unmarshalStrings(stack)
	if len(settings) > 0 {
		_ = json.Unmarshal(settings, &p.Settings)
	}
	return &p, nil
}

const projectCols = `id, name, description, tech_stack, repo_path, settings, created_at, updated_at`

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, rebind(`SELECT `+projectCols+` FROM projects WHERE id = ?`), id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+projectCols+` FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProject rewrites the mutable fields of a project.
func (s *Store) UpdateProject(ctx context.Context, p *models.Project) error {
	p.UpdatedAt = time.Now().UTC()
	stack, err := marshalJSON(p.TechStack)
	if err != nil {
		return fmt.Errorf("marshal tech stack: %w", err)
	}
	settings, err := marshalJSON(p.Settings)
	if err != nil {
		return fmt.Errorf("marshal settings: %w", err)
	}

	res, err := s.db.ExecContext(ctx, rebind(
		`UPDATE projects SET name = ?, description = ?, tech_stack = ?, repo_path = ?, settings = ?, updated_at = ?
		 WHERE id = ?`),
		p.Name, p.Description, stack, p.RepoPath, settings, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject removes a project and, via cascade, its beads and chat.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", id, ErrNotFound)
	}
	return nil
}

// ProjectSummary aggregates bead counts by status for a project.
func (s *Store) ProjectSummary(ctx context.Context, id string) (map[string]int, error) {
	if _, err := s.GetProject(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT status, COUNT(*) FROM beads WHERE project_id = ? GROUP BY status`), id)
	if err != nil {
		return nil, fmt.Errorf("project summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		out[status] = count
	}
	return out, rows.Err()
}
