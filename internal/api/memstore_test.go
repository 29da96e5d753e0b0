package api

import (
	"context"
	"sync"
	"time"

	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/pkg/models"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu        sync.Mutex
	projects  map[string]*models.Project
	beads     map[string]*models.Bead
	workers   map[string]*models.Worker
	deps      []*models.Dependency
	messages  []*models.ChatMessage
	summaries []*models.Summary
	nextMsgID int64
}

func newMemStore() *memStore {
	return &memStore{
		projects: make(map[string]*models.Project),
		beads:    make(map[string]*models.Bead),
		workers:  make(map[string]*models.Worker),
	}
}

func (m *memStore) CreateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[p.ID] = p
	return nil
}

func (m *memStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) ListProjects(_ context.Context) ([]*models.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Project, 0, len(m.projects))
	for _, p := range m.projects {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateProject(_ context.Context, p *models.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[p.ID]; !ok {
		return store.ErrNotFound
	}
	p.UpdatedAt = time.Now().UTC()
	m.projects[p.ID] = p
	return nil
}

func (m *memStore) DeleteProject(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.projects, id)
	return nil
}

func (m *memStore) ProjectSummary(_ context.Context, id string) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[id]; !ok {
		return nil, store.ErrNotFound
	}
	summary := make(map[string]int)
	for _, b := range m.beads {
		if b.ProjectID == id {
			summary[string(b.Status)]++
		}
	}
	return summary, nil
}

func (m *memStore) CreateBead(_ context.Context, b *models.Bead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[b.ProjectID]; !ok {
		return store.ErrIntegrityViolation
	}
	b.CreatedAt = time.Now().UTC()
	b.UpdatedAt = b.CreatedAt
	m.beads[b.ID] = b
	return nil
}

func (m *memStore) GetBead(_ context.Context, id string) (*models.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *memStore) ListBeads(_ context.Context, f store.BeadFilter) ([]*models.Bead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Bead
	for _, b := range m.beads {
		if f.ProjectID != "" && b.ProjectID != f.ProjectID {
			continue
		}
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Type != "" && b.Type != f.Type {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateBead(_ context.Context, b *models.Bead) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beads[b.ID]; !ok {
		return store.ErrNotFound
	}
	b.UpdatedAt = time.Now().UTC()
	m.beads[b.ID] = b
	return nil
}

func (m *memStore) DeleteBead(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.beads[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.beads, id)
	return nil
}

func (m *memStore) AssignTask(_ context.Context, taskID, workerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.beads[taskID]
	if !ok {
		return store.ErrNotFound
	}
	w, ok := m.workers[workerID]
	if !ok {
		return store.ErrNotFound
	}
	if b.Status != models.BeadStatusReady || w.Status != models.WorkerStatusIdle {
		return store.ErrConflictingWrite
	}
	b.Status = models.BeadStatusAssigned
	b.WorkerID = &workerID
	w.Status = models.WorkerStatusBusy
	w.CurrentTaskID = &taskID
	return nil
}

func (m *memStore) AddDependency(_ context.Context, childID, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deps {
		if d.ChildID == childID && d.ParentID == parentID {
			return store.ErrIntegrityViolation
		}
	}
	m.deps = append(m.deps, &models.Dependency{ChildID: childID, ParentID: parentID, CreatedAt: time.Now().UTC()})
	return nil
}

func (m *memStore) RemoveDependency(_ context.Context, childID, parentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.deps[:0]
	found := false
	for _, d := range m.deps {
		if d.ChildID == childID && d.ParentID == parentID {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	m.deps = kept
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (m *memStore) GetDependencies(_ context.Context, childID string) ([]*models.Dependency, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Dependency
	for _, d := range m.deps {
		if d.ChildID == childID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memStore) CreateWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w.CreatedAt = time.Now().UTC()
	m.workers[w.ID] = w
	return nil
}

func (m *memStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) ListWorkers(_ context.Context) ([]*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Worker, 0, len(m.workers))
	for _, w := range m.workers {
		cp := *w
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; !ok {
		return store.ErrNotFound
	}
	m.workers[w.ID] = w
	return nil
}

func (m *memStore) DeleteWorker(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.workers, id)
	return nil
}

func (m *memStore) SetWorkerStatus(_ context.Context, id string, status models.WorkerStatus, clearTask bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return store.ErrNotFound
	}
	w.Status = status
	if clearTask {
		w.CurrentTaskID = nil
	}
	return nil
}

func (m *memStore) AddChatMessage(_ context.Context, msg *models.ChatMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsgID++
	msg.ID = m.nextMsgID
	msg.CreatedAt = time.Now().UTC()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) GetRecentMessages(_ context.Context, projectID string, taskID *string, limit int) ([]*models.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChatMessage
	for _, msg := range m.messages {
		if msg.ProjectID != projectID {
			continue
		}
		if taskID != nil && (msg.TaskID == nil || *msg.TaskID != *taskID) {
			continue
		}
		out = append(out, msg)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *memStore) CountMessages(_ context.Context, projectID string, taskID *string) (int, error) {
	msgs, _ := m.GetRecentMessages(context.Background(), projectID, taskID, 0)
	return len(msgs), nil
}

func (m *memStore) GetSummaries(_ context.Context, projectID string, taskID *string) ([]*models.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Summary
	for _, s := range m.summaries {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}
