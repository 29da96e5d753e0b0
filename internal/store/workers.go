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

const workerCols = `id, name, type, status, current_task_id, launch, capabilities,
	tasks_completed, tasks_failed, mean_completion_seconds, created_at, last_active_at`

func scanWorker(row interface{ Scan(...any) error }) (*models.Worker, error) {
	var w models.Worker
	var launch, caps []byte
	err := row.Scan(&w.ID, &w.Name, &w.Type, &w.Status, &w.CurrentTaskID, &launch, &caps,
		&w.TasksCompleted, &w.TasksFailed, &w.MeanCompletionS, &w.CreatedAt, &w.LastActiveAt)
	if err != nil {
		return nil, err
	}
	if len(launch) > 0 {
		_ = json.Unmarshal(launch, &w.Launch)
	}
	w.Capabilities = unmarshalStrings(caps)
	return &w, nil
}

// CreateWorker inserts a worker. New workers start OFFLINE until activated.
func (s *Store) CreateWorker(ctx context.Context, w *models.Worker) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.WorkerStatusOffline
	}
	w.CreatedAt = time.Now().UTC()

	launch, err := marshalJSON(w.Launch)
	if err != nil {
		return fmt.Errorf("marshal launch template: %w", err)
	}
	caps, err := marshalJSON(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, rebind(
		`INSERT INTO workers (`+workerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.Name, w.Type, w.Status, w.CurrentTaskID, launch, caps,
		w.TasksCompleted, w.TasksFailed, w.MeanCompletionS, w.CreatedAt, w.LastActiveAt)
	if err != nil {
		return fmt.Errorf("insert worker: %w", err)
	}
	return nil
}

// GetWorker fetches a worker by id.
func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	row := s.db.QueryRowContext(ctx, rebind(`SELECT `+workerCols+` FROM workers WHERE id = ?`), id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	return w, nil
}

// ListWorkers returns all workers.
func (s *Store) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workerCols+` FROM workers ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetIdleWorkers returns workers in IDLE status.
func (s *Store) GetIdleWorkers(ctx context.Context) ([]*models.Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerCols+` FROM workers WHERE status = 'IDLE' ORDER BY tasks_completed DESC`)
	if err != nil {
		return nil, fmt.Errorf("idle workers: %w", err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetCapableWorkers returns IDLE workers whose capability set is a superset
// of required. JSONB containment does the superset test in SQL.
func (s *Store) GetCapableWorkers(ctx context.Context, required []string) ([]*models.Worker, error) {
	if len(required) == 0 {
		return s.GetIdleWorkers(ctx)
	}
	req, err := marshalJSON(required)
	if err != nil {
		return nil, fmt.Errorf("marshal required capabilities: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, rebind(
		`SELECT `+workerCols+` FROM workers
		 WHERE status = 'IDLE' AND capabilities @> ?
		 ORDER BY tasks_completed DESC`), req)
	if err != nil {
		return nil, fmt.Errorf("capable workers: %w", err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorker rewrites a worker's mutable fields.
func (s *Store) UpdateWorker(ctx context.Context, w *models.Worker) error {
	launch, err := marshalJSON(w.Launch)
	if err != nil {
		return fmt.Errorf("marshal launch template: %w", err)
	}
	caps, err := marshalJSON(w.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	res, err := s.db.ExecContext(ctx, rebind(
		`UPDATE workers SET name = ?, type = ?, status = ?, current_task_id = ?, launch = ?,
			capabilities = ?, tasks_completed = ?, tasks_failed = ?, mean_completion_seconds = ?,
			last_active_at = ?
		 WHERE id = ?`),
		w.Name, w.Type, w.Status, w.CurrentTaskID, launch,
		caps, w.TasksCompleted, w.TasksFailed, w.MeanCompletionS,
		w.LastActiveAt, w.ID)
	if err != nil {
		return fmt.Errorf("update worker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", w.ID, ErrNotFound)
	}
	return nil
}

// DeleteWorker removes a worker. Deleting a BUSY worker is an integrity
// violation; cancel or release it first.
func (s *Store) DeleteWorker(ctx context.Context, id string) error {
	w, err := s.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if w.Status == models.WorkerStatusBusy {
		return fmt.Errorf("worker %s is BUSY: %w", id, ErrIntegrityViolation)
	}
	_, err = s.db.ExecContext(ctx, rebind(`DELETE FROM workers WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete worker: %w", err)
	}
	return nil
}

// SetWorkerStatus moves a worker between OFFLINE/IDLE/BUSY. Pause keeps
// current_task_id so an in-flight task can finish; clearTask drops it.
func (s *Store) SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus, clearTask bool) error {
	query := `UPDATE workers SET status = ?, last_active_at = ?`
	args := []any{status, time.Now().UTC()}
	if clearTask {
		query += `, current_task_id = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, rebind(query), args...)
	if err != nil {
		return fmt.Errorf("set worker status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %s: %w", id, ErrNotFound)
	}
	return nil
}

// ReleaseWorker returns a worker to IDLE after an execution, clearing the
// task binding and folding the run into its counters and completion mean.
// A worker paused mid-task stays OFFLINE so the scheduler does not hand it
// new work.
func (s *Store) ReleaseWorker(ctx context.Context, id string, succeeded, failed bool, durationSeconds float64) error {
	return withRetry(ctx, func() error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			var status models.WorkerStatus
			var completed, failures int
			var mean float64
			err := tx.QueryRowContext(ctx, rebind(
				`SELECT status, tasks_completed, tasks_failed, mean_completion_seconds FROM workers WHERE id = ? FOR UPDATE`), id).
				Scan(&status, &completed, &failures, &mean)
			if err == sql.ErrNoRows {
				return fmt.Errorf("worker %s: %w", id, ErrNotFound)
			}
			if err != nil {
				return fmt.Errorf("load worker: %w", err)
			}

			if succeeded {
				mean = (mean*float64(completed) + durationSeconds) / float64(completed+1)
				completed++
			}
			if failed {
				failures++
			}
			next := models.WorkerStatusIdle
			if status == models.WorkerStatusOffline {
				next = models.WorkerStatusOffline
			}

			_, err = tx.ExecContext(ctx, rebind(
				`UPDATE workers SET status = ?, current_task_id = NULL, tasks_completed = ?,
					tasks_failed = ?, mean_completion_seconds = ?, last_active_at = ?
				 WHERE id = ?`), next, completed, failures, mean, time.Now().UTC(), id)
			if err != nil {
				return fmt.Errorf("release worker: %w", err)
			}
			return nil
		})
	})
}
