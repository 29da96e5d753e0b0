package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/internal/detector"
	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/outputbuf"
	"github.com/jedarden/ringmaster/internal/worker"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

type releaseCall struct {
	workerID  string
	succeeded bool
	failed    bool
}

type fakeStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	beads    map[string]*models.Bead
	workers  map[string]*models.Worker
	deps     map[string][]*models.Dependency
	metrics  []*models.SessionMetric
	released []releaseCall
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		projects: make(map[string]*models.Project),
		beads:    make(map[string]*models.Bead),
		workers:  make(map[string]*models.Worker),
		deps:     make(map[string][]*models.Dependency),
	}
}

func (s *fakeStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projects[id], nil
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

func (s *fakeStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers[id], nil
}

func (s *fakeStore) UpdateWorker(_ context.Context, w *models.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w.ID] = w
	return nil
}

func (s *fakeStore) ReleaseWorker(_ context.Context, id string, succeeded, failed bool, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, releaseCall{id, succeeded, failed})
	if w, ok := s.workers[id]; ok {
		w.Status = models.WorkerStatusIdle
		w.CurrentTaskID = nil
	}
	return nil
}

func (s *fakeStore) RecordSessionMetric(_ context.Context, m *models.SessionMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return nil
}

func (s *fakeStore) GetDependencies(_ context.Context, childID string) ([]*models.Dependency, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deps[childID], nil
}

type fakeOutcomes struct {
	mu       sync.Mutex
	recorded []*models.TaskOutcome
}

func (f *fakeOutcomes) Record(_ context.Context, o *models.TaskOutcome) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recorded = append(f.recorded, o)
	return nil
}

type fixture struct {
	store    *fakeStore
	bus      *eventbus.Bus
	output   *outputbuf.Buffer
	registry *worker.Registry
	mock     *worker.MockVariant
	outcomes *fakeOutcomes
	exec     *Executor
}

func newFixture(t *testing.T, sessions ...*worker.MockSession) *fixture {
	t.Helper()
	st := newFakeStore()
	st.projects["p1"] = &models.Project{ID: "p1", Name: "demo"}
	st.beads["t1"] = &models.Bead{
		ID:          "t1",
		ProjectID:   "p1",
		Type:        models.BeadTypeTask,
		Title:       "Fix login handler",
		Description: "The auth login handler returns 500 on bad input",
		Status:      models.BeadStatusAssigned,
		MaxAttempts: 3,
	}
	st.workers["w1"] = &models.Worker{
		ID:     "w1",
		Type:   models.WorkerTypeGeneric,
		Status: models.WorkerStatusIdle,
	}

	mock := worker.NewMockVariant(models.WorkerTypeGeneric, sessions...)
	registry := worker.NewRegistry()
	registry.Register(mock)

	bus := eventbus.New()
	t.Cleanup(bus.Close)
	cfg := config.ExecutorConfig{
		MonitorCheckInterval:  time.Hour, // keep the monitor out of scripted tests
		DefaultTimeoutSeconds: 60,
		TasksDir:              t.TempDir(),
		DecisionMarkers:       []string{"NEEDS DECISION:"},
	}
	outcomes := &fakeOutcomes{}
	exec := New(st, bus, outputbuf.New(100), registry, cfg).WithOutcomes(outcomes)

	return &fixture{
		store:    st,
		bus:      bus,
		output:   exec.output,
		registry: registry,
		mock:     mock,
		outcomes: outcomes,
		exec:     exec,
	}
}

func eventTypes(bus *eventbus.Bus) map[eventbus.EventType]int {
	counts := make(map[eventbus.EventType]int)
	for _, evt := range bus.Recent(100) {
		counts[evt.Type]++
	}
	return counts
}

func TestExecuteTaskSuccess(t *testing.T) {
	f := newFixture(t, worker.NewMockSession([]string{
		"working on it",
		"done",
		detector.CompletionSignal,
	}, 0))

	report, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
	require.NoError(t, err)

	assert.Equal(t, detector.OutcomeSuccess, report.Result.Outcome)
	assert.Equal(t, 1.0, report.Result.Confidence)

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusReview, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Nil(t, task.RetryAfter)
	assert.Empty(t, task.LastFailureReason)
	assert.NotEmpty(t, task.ContextHash)
	assert.NotNil(t, task.StartedAt)

	// Prompt and iteration log on disk.
	promptData, err := os.ReadFile(task.PromptPath)
	require.NoError(t, err)
	assert.Contains(t, string(promptData), "Fix login handler")
	assert.Equal(t, "prompt_001.md", filepath.Base(task.PromptPath))
	logData, err := os.ReadFile(task.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(logData), "working on it")

	// Worker released as a success.
	require.Len(t, f.store.released, 1)
	assert.True(t, f.store.released[0].succeeded)
	assert.False(t, f.store.released[0].failed)

	// Output ring holds the streamed lines.
	lines := f.output.GetRecent("w1", 10, 0)
	require.Len(t, lines, 3)
	assert.Equal(t, "working on it", lines[0].Text)

	counts := eventTypes(f.bus)
	assert.NotZero(t, counts[eventbus.EventTaskCompleted])
	assert.NotZero(t, counts[eventbus.EventWorkerOutput])

	// Reasoning-bank outcome recorded.
	require.Len(t, f.outcomes.recorded, 1)
	oc := f.outcomes.recorded[0]
	assert.True(t, oc.Success)
	assert.Equal(t, models.WorkerTypeGeneric, oc.WorkerType)
	assert.NotEmpty(t, oc.Keywords)

	require.Len(t, f.store.metrics, 1)
	assert.True(t, f.store.metrics[0].Success)
	assert.Equal(t, 1, f.store.metrics[0].Iteration)
}

func TestExecuteTaskNeedsDecision(t *testing.T) {
	f := newFixture(t, worker.NewMockSession([]string{
		"NEEDS DECISION: should I drop the legacy column?",
		"It cannot be restored once dropped.",
	}, 0))

	report, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeNeedsDecision, report.Result.Outcome)

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusBlocked, task.Status)
	assert.Contains(t, task.BlockedReason, "legacy column")

	// Neither a success nor a failure for worker stats.
	require.Len(t, f.store.released, 1)
	assert.False(t, f.store.released[0].succeeded)
	assert.False(t, f.store.released[0].failed)

	counts := eventTypes(f.bus)
	assert.NotZero(t, counts[eventbus.EventTaskStatus])
}

func TestExecuteTaskFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t, worker.NewMockSession([]string{
		"Error: tests failed",
	}, 1))

	before := time.Now()
	report, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeFailure, report.Result.Outcome)

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusReady, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.NotEmpty(t, task.LastFailureReason)
	require.NotNil(t, task.RetryAfter)
	// First retry backs off 30s.
	assert.WithinDuration(t, before.Add(30*time.Second), *task.RetryAfter, 5*time.Second)

	require.Len(t, f.store.released, 1)
	assert.True(t, f.store.released[0].failed)

	counts := eventTypes(f.bus)
	assert.NotZero(t, counts[eventbus.EventTaskRetry])
}

func TestExecuteTaskFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t, worker.NewMockSession([]string{"fatal: broken"}, 1))
	f.store.beads["t1"].Attempts = 2 // third attempt is the last

	report, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeFailure, report.Result.Outcome)

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusFailed, task.Status)
	assert.Equal(t, 3, task.Attempts)
	assert.Nil(t, task.RetryAfter)
	assert.NotNil(t, task.CompletedAt)
}

func TestExecuteTaskUnavailableVariant(t *testing.T) {
	f := newFixture(t)
	f.mock.Available = false

	report, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
	require.NoError(t, err)
	assert.Equal(t, detector.OutcomeFailure, report.Result.Outcome)
	assert.Contains(t, report.Result.Reason, "not available")

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusReady, task.Status, "should retry once a CLI appears")
	require.NotNil(t, task.RetryAfter)
}

func TestCancelTask(t *testing.T) {
	session := worker.NewMockSession([]string{"line1", "line2", "line3"}, 0).
		WithDelay(50 * time.Millisecond)
	f := newFixture(t, session)

	type result struct {
		report *Report
		err    error
	}
	done := make(chan result, 1)
	go func() {
		r, err := f.exec.ExecuteTask(context.Background(), "t1", "w1")
		done <- result{r, err}
	}()

	// Wait for the session to register, then cancel it.
	require.Eventually(t, func() bool {
		return len(f.exec.ActiveTasks()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.exec.CancelTask("t1"))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.True(t, res.report.Cancelled)
		assert.Equal(t, detector.OutcomeFailure, res.report.Result.Outcome)
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish after cancel")
	}

	task := f.store.beads["t1"]
	assert.Equal(t, models.BeadStatusFailed, task.Status)

	worker1 := f.store.workers["w1"]
	assert.Equal(t, models.WorkerStatusIdle, worker1.Status)

	counts := eventTypes(f.bus)
	assert.NotZero(t, counts[eventbus.EventWorkerTaskCancelled])
}

func TestCancelTaskNotRunning(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.exec.CancelTask("nope"), ErrNotRunning)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 30*time.Second, Backoff(1))
	assert.Equal(t, 60*time.Second, Backoff(2))
	assert.Equal(t, 240*time.Second, Backoff(4))
	assert.Equal(t, 3600*time.Second, Backoff(8))
	assert.Equal(t, 3600*time.Second, Backoff(20), "capped at one hour")
	assert.Equal(t, 30*time.Second, Backoff(0), "attempts below one clamp to the base delay")
}
