package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/executor"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

type fakeStore struct {
	mu      sync.Mutex
	beads   map[string]*models.Bead
	workers map[string]*models.Worker
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		beads:   make(map[string]*models.Bead),
		workers: make(map[string]*models.Worker),
	}
}

func (s *fakeStore) addTask(id string, priority float64, caps ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beads[id] = &models.Bead{
		ID:                   id,
		ProjectID:            "p1",
		Type:                 models.BeadTypeTask,
		Title:                id,
		Status:               models.BeadStatusReady,
		CombinedPriority:     priority,
		RequiredCapabilities: caps,
		MaxAttempts:          3,
	}
}

func (s *fakeStore) addWorker(id string, caps ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[id] = &models.Worker{
		ID:           id,
		Type:         models.WorkerTypeGeneric,
		Status:       models.WorkerStatusIdle,
		Capabilities: caps,
	}
}

func (s *fakeStore) GetReadyTasks(_ context.Context, _ string) ([]*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bead
	for _, b := range s.beads {
		if b.Status == models.BeadStatusReady {
			out = append(out, b)
		}
	}
	// Highest combined priority first, as the real query orders.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CombinedPriority > out[i].CombinedPriority {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetIdleWorkers(_ context.Context) ([]*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Worker
	for _, w := range s.workers {
		if w.Status == models.WorkerStatusIdle {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *fakeStore) AssignTask(_ context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.beads[taskID]
	w := s.workers[workerID]
	if b == nil || b.Status != models.BeadStatusReady {
		return store.ErrConflictingWrite
	}
	if w == nil || w.Status != models.WorkerStatusIdle {
		return store.ErrConflictingWrite
	}
	b.Status = models.BeadStatusAssigned
	b.WorkerID = &workerID
	w.Status = models.WorkerStatusBusy
	w.CurrentTaskID = &taskID
	return nil
}

func (s *fakeStore) ListBeads(_ context.Context, f store.BeadFilter) ([]*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Bead
	for _, b := range s.beads {
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *fakeStore) GetBead(_ context.Context, id string) (*models.Bead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beads[id], nil
}

func (s *fakeStore) UpdateBead(_ context.Context, b *models.Bead) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beads[b.ID] = b
	return nil
}

func (s *fakeStore) SetWorkerStatus(_ context.Context, id string, status models.WorkerStatus, clearTask bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[id]; ok {
		w.Status = status
		if clearTask {
			w.CurrentTaskID = nil
		}
	}
	return nil
}

func (s *fakeStore) taskStatus(id string) models.BeadStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.beads[id].Status
}

func (s *fakeStore) workerStatus(id string) models.WorkerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id].Status
}

// fakeRunner settles each execution like the real executor would: the task
// reaches REVIEW and the worker returns to IDLE once release is closed.
type fakeRunner struct {
	store   *fakeStore
	release chan struct{}

	mu        sync.Mutex
	executed  [][2]string
	cancelled []string
	cancels   map[string]chan struct{}
	peak      int
	inFlight  int
}

func newFakeRunner(st *fakeStore) *fakeRunner {
	return &fakeRunner{
		store:   st,
		release: make(chan struct{}),
		cancels: make(map[string]chan struct{}),
	}
}

func (r *fakeRunner) ExecuteTask(ctx context.Context, taskID, workerID string) (*executor.Report, error) {
	stop := make(chan struct{})
	r.mu.Lock()
	r.executed = append(r.executed, [2]string{taskID, workerID})
	r.cancels[taskID] = stop
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	select {
	case <-r.release:
	case <-stop:
	case <-ctx.Done():
	}

	r.store.mu.Lock()
	if b := r.store.beads[taskID]; b != nil {
		b.Status = models.BeadStatusReview
	}
	if w := r.store.workers[workerID]; w != nil {
		w.Status = models.WorkerStatusIdle
		w.CurrentTaskID = nil
	}
	r.store.mu.Unlock()

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
	return &executor.Report{}, nil
}

func (r *fakeRunner) CancelTask(taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, taskID)
	if stop, ok := r.cancels[taskID]; ok {
		close(stop)
		delete(r.cancels, taskID)
	}
	return nil
}

func (r *fakeRunner) executedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.executed)
}

func testConfig(maxConcurrent int) config.SchedulerConfig {
	return config.SchedulerConfig{
		PollInterval:       10 * time.Millisecond,
		MaxConcurrentTasks: maxConcurrent,
		StuckGracePeriod:   time.Minute,
	}
}

func TestSchedulerAssignsCapableWorker(t *testing.T) {
	st := newFakeStore()
	st.addTask("t1", 10, "python")
	st.addWorker("w-js", "javascript")
	st.addWorker("w-py", "python", "fastapi")

	runner := newFakeRunner(st)
	close(runner.release) // executions settle immediately
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	sched := New(st, runner, nil, bus, testConfig(4))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return st.taskStatus("t1") == models.BeadStatusReview
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, runner.executed, 1)
	assert.Equal(t, "w-py", runner.executed[0][1])
	assert.Equal(t, models.WorkerStatusIdle, st.workerStatus("w-js"))
}

func TestSchedulerHonorsConcurrencyCap(t *testing.T) {
	st := newFakeStore()
	st.addTask("t1", 20)
	st.addTask("t2", 10)
	st.addWorker("w1")
	st.addWorker("w2")

	runner := newFakeRunner(st)
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	sched := New(st, runner, nil, bus, testConfig(1))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	// First task starts and holds the only slot.
	require.Eventually(t, func() bool {
		return runner.executedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "t1", runner.executed[0][0], "higher priority goes first")

	// Second task must wait even though a worker is idle.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.executedCount())

	close(runner.release)
	require.Eventually(t, func() bool {
		return runner.executedCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	runner.mu.Lock()
	peak := runner.peak
	runner.mu.Unlock()
	assert.Equal(t, 1, peak, "never more than the cap in flight")
}

func TestSchedulerFailsStuckTasks(t *testing.T) {
	st := newFakeStore()
	st.addWorker("w1")
	started := time.Now().Add(-10 * time.Minute)
	workerID := "w1"
	st.mu.Lock()
	st.beads["t-stuck"] = &models.Bead{
		ID:        "t-stuck",
		ProjectID: "p1",
		Type:      models.BeadTypeTask,
		Status:    models.BeadStatusInProgress,
		WorkerID:  &workerID,
		StartedAt: &started,
	}
	st.workers["w1"].Status = models.WorkerStatusBusy
	st.mu.Unlock()

	runner := newFakeRunner(st)
	close(runner.release)
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	sched := New(st, runner, nil, bus, testConfig(4))
	require.NoError(t, sched.Start(context.Background()))
	defer sched.Stop()

	require.Eventually(t, func() bool {
		return st.taskStatus("t-stuck") == models.BeadStatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, models.WorkerStatusOffline, st.workerStatus("w1"))
}

func TestSchedulerStopCancelsActive(t *testing.T) {
	st := newFakeStore()
	st.addTask("t1", 10)
	st.addWorker("w1")

	runner := newFakeRunner(st) // release stays open: execution blocks
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	sched := New(st, runner, nil, bus, testConfig(4))
	require.NoError(t, sched.Start(context.Background()))

	require.Eventually(t, func() bool {
		return runner.executedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	runner.mu.Lock()
	cancelled := runner.cancelled
	runner.mu.Unlock()
	assert.Contains(t, cancelled, "t1")
	assert.Equal(t, models.WorkerStatusOffline, st.workerStatus("w1"))
	assert.Equal(t, 0, sched.ActiveCount())

	// Idempotent.
	sched.Stop()
}

func TestSchedulerStartTwice(t *testing.T) {
	st := newFakeStore()
	runner := newFakeRunner(st)
	close(runner.release)
	bus := eventbus.New()
	t.Cleanup(bus.Close)

	sched := New(st, runner, nil, bus, testConfig(4))
	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))
	sched.Stop()
}
