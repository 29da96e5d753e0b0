package undo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/pkg/models"
)

// fakeStore keeps the undo log and entities in memory, mirroring the
// store's selection semantics for undoable/redoable actions.
type fakeStore struct {
	actions []*models.Action
	beads   map[string]*models.Bead
	workers map[string]*models.Worker
	deps    map[[2]string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		beads:   make(map[string]*models.Bead),
		workers: make(map[string]*models.Worker),
		deps:    make(map[[2]string]bool),
	}
}

func (f *fakeStore) AppendAction(ctx context.Context, a *models.Action) error {
	a.ID = uuid.New().String()
	a.CreatedAt = time.Now()
	f.actions = append(f.actions, a)
	return nil
}

func (f *fakeStore) GetLastUndoable(ctx context.Context, projectID string) (*models.Action, error) {
	for i := len(f.actions) - 1; i >= 0; i-- {
		a := f.actions[i]
		if a.Undone {
			continue
		}
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetLastRedoable(ctx context.Context, projectID string) (*models.Action, error) {
	for i := len(f.actions) - 1; i >= 0; i-- {
		a := f.actions[i]
		if projectID != "" && a.ProjectID != projectID {
			continue
		}
		if !a.Undone {
			// A newer non-undone action invalidates redo.
			return nil, store.ErrNotFound
		}
		return a, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) SetActionUndone(ctx context.Context, actionID string, undone bool) error {
	for _, a := range f.actions {
		if a.ID == actionID {
			a.Undone = undone
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) ActionHistory(ctx context.Context, projectID string, limit int) ([]*models.Action, error) {
	out := make([]*models.Action, 0, len(f.actions))
	for i := len(f.actions) - 1; i >= 0; i-- {
		out = append(out, f.actions[i])
	}
	return out, nil
}

func (f *fakeStore) GetBead(ctx context.Context, id string) (*models.Bead, error) {
	b, ok := f.beads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) CreateBead(ctx context.Context, b *models.Bead) error {
	f.beads[b.ID] = b
	return nil
}

func (f *fakeStore) UpdateBead(ctx context.Context, b *models.Bead) error {
	if _, ok := f.beads[b.ID]; !ok {
		return store.ErrNotFound
	}
	f.beads[b.ID] = b
	return nil
}

func (f *fakeStore) DeleteBead(ctx context.Context, id string) error {
	delete(f.beads, id)
	return nil
}

func (f *fakeStore) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return w, nil
}

func (f *fakeStore) CreateWorker(ctx context.Context, w *models.Worker) error {
	f.workers[w.ID] = w
	return nil
}

func (f *fakeStore) UpdateWorker(ctx context.Context, w *models.Worker) error {
	f.workers[w.ID] = w
	return nil
}

func (f *fakeStore) DeleteWorker(ctx context.Context, id string) error {
	delete(f.workers, id)
	return nil
}

func (f *fakeStore) AddDependency(ctx context.Context, childID, parentID string) error {
	f.deps[[2]string{childID, parentID}] = true
	return nil
}

func (f *fakeStore) RemoveDependency(ctx context.Context, childID, parentID string) error {
	delete(f.deps, [2]string{childID, parentID})
	return nil
}

func TestUndoTaskCreateDeletesIt(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	bead := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "t"}
	require.NoError(t, fs.CreateBead(ctx, bead))
	require.NoError(t, m.RecordAction(ctx, ActionCreate, models.EntityTypeTask, bead.ID, "p1", "alice", nil, bead))

	action, err := m.Undo(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, action.Undone)
	_, err = fs.GetBead(ctx, "bd-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRedoTaskCreateRestoresIt(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	bead := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "t"}
	require.NoError(t, fs.CreateBead(ctx, bead))
	require.NoError(t, m.RecordAction(ctx, ActionCreate, models.EntityTypeTask, bead.ID, "p1", "alice", nil, bead))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)

	action, err := m.Redo(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, action.Undone)

	restored, err := fs.GetBead(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, "t", restored.Title)
}

func TestUndoUpdateRestoresPreviousState(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	before := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "old title", Priority: 2}
	after := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "new title", Priority: 0}
	require.NoError(t, fs.CreateBead(ctx, after))
	require.NoError(t, m.RecordAction(ctx, ActionUpdate, models.EntityTypeTask, "bd-1", "p1", "alice", before, after))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)

	got, err := fs.GetBead(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, "old title", got.Title)
	assert.Equal(t, models.Priority(2), got.Priority)
}

func TestUndoDeleteRecreates(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	bead := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "gone"}
	require.NoError(t, m.RecordAction(ctx, ActionDelete, models.EntityTypeTask, "bd-1", "p1", "alice", bead, nil))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)

	restored, err := fs.GetBead(ctx, "bd-1")
	require.NoError(t, err)
	assert.Equal(t, "gone", restored.Title)
}

func TestUndoDependencyAddRemovesEdge(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	dep := models.Dependency{ChildID: "bd-child", ParentID: "bd-parent"}
	require.NoError(t, fs.AddDependency(ctx, dep.ChildID, dep.ParentID))
	require.NoError(t, m.RecordAction(ctx, ActionAddDep, models.EntityTypeDependency, "bd-child", "p1", "alice", nil, dep))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)
	assert.False(t, fs.deps[[2]string{"bd-child", "bd-parent"}])

	_, err = m.Redo(ctx, "p1")
	require.NoError(t, err)
	assert.True(t, fs.deps[[2]string{"bd-child", "bd-parent"}])
}

func TestUndoWorkerAssignmentRestoresWorker(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	taskID := "bd-1"
	before := &models.Worker{ID: "w-1", Status: models.WorkerStatusIdle}
	after := &models.Worker{ID: "w-1", Status: models.WorkerStatusBusy, CurrentTaskID: &taskID}
	require.NoError(t, fs.CreateWorker(ctx, after))
	require.NoError(t, m.RecordAction(ctx, ActionAssign, models.EntityTypeWorker, "w-1", "p1", "scheduler", before, after))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)

	w, err := fs.GetWorker(ctx, "w-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusIdle, w.Status)
	assert.Nil(t, w.CurrentTaskID)
}

func TestNothingToUndoOrRedo(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(), nil)

	_, err := m.Undo(ctx, "")
	assert.ErrorIs(t, err, ErrNothingToUndo)
	_, err = m.Redo(ctx, "")
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestNewActionInvalidatesRedo(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	m := NewManager(fs, nil)

	b1 := &models.Bead{ID: "bd-1", ProjectID: "p1", Type: models.BeadTypeTask, Title: "one"}
	require.NoError(t, fs.CreateBead(ctx, b1))
	require.NoError(t, m.RecordAction(ctx, ActionCreate, models.EntityTypeTask, b1.ID, "p1", "alice", nil, b1))

	_, err := m.Undo(ctx, "p1")
	require.NoError(t, err)

	// A fresh action after the undo makes the undone action unredoable.
	b2 := &models.Bead{ID: "bd-2", ProjectID: "p1", Type: models.BeadTypeTask, Title: "two"}
	require.NoError(t, fs.CreateBead(ctx, b2))
	require.NoError(t, m.RecordAction(ctx, ActionCreate, models.EntityTypeTask, b2.ID, "p1", "alice", nil, b2))

	_, err = m.Redo(ctx, "p1")
	assert.ErrorIs(t, err, ErrNothingToRedo)
}

func TestSnapshotRoundTrip(t *testing.T) {
	bead := &models.Bead{ID: "bd-1", Title: "snap", Priority: 1}
	s, err := snapshot(bead)
	require.NoError(t, err)

	var decoded models.Bead
	require.NoError(t, json.Unmarshal([]byte(s), &decoded))
	assert.Equal(t, bead.Title, decoded.Title)
}
