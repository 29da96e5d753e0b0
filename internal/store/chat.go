package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/pkg/models"
)

// AddChatMessage inserts a message and fills in its assigned id.
func (s *Store) AddChatMessage(ctx context.Context, m *models.ChatMessage) error {
	m.CreatedAt = time.Now().UTC()
	err := s.db.QueryRowContext(ctx, rebind(
		`INSERT INTO chat_messages (project_id, task_id, role, content, media_path, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`),
		m.ProjectID, m.TaskID, m.Role, m.Content, m.MediaPath, m.TokenCount, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}

const chatCols = `id, project_id, task_id, role, content, media_path, token_count, created_at`

func scanChatRows(rows *sql.Rows) ([]*models.ChatMessage, error) {
	var out []*models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.TaskID, &m.Role, &m.Content, &m.MediaPath, &m.TokenCount, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetRecentMessages returns the newest limit messages for a scope, oldest
// first. taskID narrows the scope when non-nil.
func (s *Store) GetRecentMessages(ctx context.Context, projectID string, taskID *string, limit int) ([]*models.ChatMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + chatCols + ` FROM chat_messages WHERE project_id = ?`
	args := []any{projectID}
	if taskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanChatRows(rows)
	if err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetMessageRange returns messages with id in the inclusive [start, end]
// range, oldest first.
func (s *Store) GetMessageRange(ctx context.Context, projectID string, taskID *string, start, end int64) ([]*models.ChatMessage, error) {
	query := `SELECT ` + chatCols + ` FROM chat_messages WHERE project_id = ? AND id >= ? AND id <= ?`
	args := []any{projectID, start, end}
	if taskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("message range: %w", err)
	}
	defer rows.Close()
	return scanChatRows(rows)
}

// CountMessages returns the number of messages in a scope.
func (s *Store) CountMessages(ctx context.Context, projectID string, taskID *string) (int, error) {
	query := `SELECT COUNT(*) FROM chat_messages WHERE project_id = ?`
	args := []any{projectID}
	if taskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *taskID)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// AddSummary inserts a chat summary. Overlapping ranges within a scope are
// rejected as integrity violations.
func (s *Store) AddSummary(ctx context.Context, sum *models.Summary) error {
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	sum.CreatedAt = time.Now().UTC()

	decisions, err := marshalJSON(sum.KeyDecisions)
	if err != nil {
		return fmt.Errorf("marshal key decisions: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var overlap bool
		query := `SELECT EXISTS(
			SELECT 1 FROM summaries
			WHERE project_id = ? AND start_message_id <= ? AND end_message_id >= ?`
		args := []any{sum.ProjectID, sum.EndID, sum.StartID}
		if sum.TaskID != nil {
			query += ` AND task_id = ?`
			args = append(args, *sum.TaskID)
		} else {
			query += ` AND task_id IS NULL`
		}
		query += `)`
		if err := tx.QueryRowContext(ctx, rebind(query), args...).Scan(&overlap); err != nil {
			return fmt.Errorf("overlap check: %w", err)
		}
		if overlap {
			return fmt.Errorf("summary range [%d, %d] overlaps: %w", sum.StartID, sum.EndID, ErrIntegrityViolation)
		}

		_, err := tx.ExecContext(ctx, rebind(
			`INSERT INTO summaries (id, project_id, task_id, start_message_id, end_message_id, summary, key_decisions, token_count, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			sum.ID, sum.ProjectID, sum.TaskID, sum.StartID, sum.EndID, sum.Text, decisions, sum.TokenCount, sum.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
		return nil
	})
}

// GetSummaries returns the summaries for a scope ordered by range.
func (s *Store) GetSummaries(ctx context.Context, projectID string, taskID *string) ([]*models.Summary, error) {
	query := `SELECT id, project_id, task_id, start_message_id, end_message_id, summary, key_decisions, token_count, created_at
		FROM summaries WHERE project_id = ?`
	args := []any{projectID}
	if taskID != nil {
		query += ` AND task_id = ?`
		args = append(args, *taskID)
	} else {
		query += ` AND task_id IS NULL`
	}
	query += ` ORDER BY start_message_id ASC`

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("get summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.Summary
	for rows.Next() {
		var sum models.Summary
		var decisions []byte
		if err := rows.Scan(&sum.ID, &sum.ProjectID, &sum.TaskID, &sum.StartID, &sum.EndID, &sum.Text, &decisions, &sum.TokenCount, &sum.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.KeyDecisions = unmarshalStrings(decisions)
		out = append(out, &sum)
	}
	return out, rows.Err()
}
