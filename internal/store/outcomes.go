package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/pkg/models"
)

// RecordTaskOutcome stores a reasoning-bank outcome row.
func (s *Store) RecordTaskOutcome(ctx context.Context, o *models.TaskOutcome) error {
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.CreatedAt = time.Now().UTC()

	keywords, err := marshalJSON(o.Keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO task_outcomes (id, task_id, project_id, file_count, keywords, bead_type,
			has_dependencies, model_used, worker_type, iterations, duration_seconds, success,
			outcome, confidence, failure_reason, reflection, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.TaskID, o.ProjectID, o.FileCount, keywords, o.BeadType,
		o.HasDependencies, o.ModelUsed, o.WorkerType, o.Iterations, o.DurationSeconds, o.Success,
		o.Outcome, o.Confidence, o.FailureReason, o.Reflection, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task outcome: %w", err)
	}
	return nil
}

// ListTaskOutcomes returns outcomes, optionally project-scoped, newest
// first.
func (s *Store) ListTaskOutcomes(ctx context.Context, projectID string, limit int) ([]*models.TaskOutcome, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT id, task_id, project_id, file_count, keywords, bead_type, has_dependencies,
		model_used, worker_type, iterations, duration_seconds, success, outcome, confidence,
		failure_reason, reflection, created_at FROM task_outcomes`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list task outcomes: %w", err)
	}
	defer rows.Close()

	var out []*models.TaskOutcome
	for rows.Next() {
		var o models.TaskOutcome
		var keywords []byte
		if err := rows.Scan(&o.ID, &o.TaskID, &o.ProjectID, &o.FileCount, &keywords, &o.BeadType,
			&o.HasDependencies, &o.ModelUsed, &o.WorkerType, &o.Iterations, &o.DurationSeconds,
			&o.Success, &o.Outcome, &o.Confidence, &o.FailureReason, &o.Reflection, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task outcome: %w", err)
		}
		o.Keywords = unmarshalStrings(keywords)
		out = append(out, &o)
	}
	return out, rows.Err()
}

// RecordSessionMetric stores one iteration's metrics.
func (s *Store) RecordSessionMetric(ctx context.Context, m *models.SessionMetric) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, rebind(
		`INSERT INTO session_metrics (id, task_id, worker_id, iteration, input_tokens, output_tokens,
			cost_usd, started_at, finished_at, success, error, outcome, confidence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TaskID, m.WorkerID, m.Iteration, m.InputTokens, m.OutputTokens,
		m.CostUSD, m.StartedAt, m.FinishedAt, m.Success, m.Error, m.Outcome, m.Confidence)
	if err != nil {
		return fmt.Errorf("insert session metric: %w", err)
	}
	return nil
}

// ListSessionMetrics returns a task's iteration metrics in order.
func (s *Store) ListSessionMetrics(ctx context.Context, taskID string) ([]*models.SessionMetric, error) {
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT id, task_id, worker_id, iteration, input_tokens, output_tokens, cost_usd,
			started_at, finished_at, success, error, outcome, confidence
		 FROM session_metrics WHERE task_id = ? ORDER BY iteration ASC`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list session metrics: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionMetric
	for rows.Next() {
		var m models.SessionMetric
		if err := rows.Scan(&m.ID, &m.TaskID, &m.WorkerID, &m.Iteration, &m.InputTokens, &m.OutputTokens,
			&m.CostUSD, &m.StartedAt, &m.FinishedAt, &m.Success, &m.Error, &m.Outcome, &m.Confidence); err != nil {
			return nil, fmt.Errorf("scan session metric: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// RecordAssemblyLog stores one enrichment-pipeline audit row.
func (s *Store) RecordAssemblyLog(ctx context.Context, l *models.ContextAssemblyLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	l.CreatedAt = time.Now().UTC()

	sources, err := marshalJSON(l.SourcesQueried)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}
	compression, err := marshalJSON(l.Compression)
	if err != nil {
		return fmt.Errorf("marshal compression steps: %w", err)
	}
	stages, err := marshalJSON(l.StagesApplied)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO assembly_logs (id, task_id, project_id, sources_queried, source_count,
			tokens_used, token_budget, compression_steps, stages_applied, assembly_time_ms,
			context_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		l.ID, l.TaskID, l.ProjectID, sources, l.SourceCount,
		l.TokensUsed, l.TokenBudget, compression, stages, l.AssemblyMs,
		l.ContextHash, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert assembly log: %w", err)
	}
	return nil
}

// RecordReload stores one hot-reload cycle record.
func (s *Store) RecordReload(ctx context.Context, r *models.ReloadRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	r.CreatedAt = time.Now().UTC()

	changes, err := marshalJSON(r.Changes)
	if err != nil {
		return fmt.Errorf("marshal changes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO reload_records (id, project_id, changes, success, output, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.ProjectID, changes, r.Success, r.Output, r.DurationMs, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert reload record: %w", err)
	}
	return nil
}
