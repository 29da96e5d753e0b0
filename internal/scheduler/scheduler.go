// Package scheduler runs the poll loop that matches ready tasks to idle
// workers under a concurrency cap and supervises the executors it starts.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/executor"
	"github.com/jedarden/ringmaster/internal/logging"
	"github.com/jedarden/ringmaster/internal/queue"
	"github.com/jedarden/ringmaster/internal/store"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	GetReadyTasks(ctx context.Context, projectID string) ([]*models.Bead, error)
	GetIdleWorkers(ctx context.Context) ([]*models.Worker, error)
	AssignTask(ctx context.Context, taskID, workerID string) error
	ListBeads(ctx context.Context, f store.BeadFilter) ([]*models.Bead, error)
	GetBead(ctx context.Context, id string) (*models.Bead, error)
	UpdateBead(ctx context.Context, b *models.Bead) error
	SetWorkerStatus(ctx context.Context, id string, status models.WorkerStatus, clearTask bool) error
}

// Runner executes one assigned task; *executor.Executor satisfies it.
type Runner interface {
	ExecuteTask(ctx context.Context, taskID, workerID string) (*executor.Report, error)
	CancelTask(taskID string) error
}

// Picker routes a task to one of the idle workers; *queue.Queue satisfies it.
type Picker interface {
	PickWorker(task *models.Bead, idle []*models.Worker) *models.Worker
}

// Scheduler owns the poll loop, the active-task map, and the semaphore
// bounding concurrent executions.
type Scheduler struct {
	store  Store
	runner Runner
	picker Picker
	bus    *eventbus.Bus
	logs   *logging.Manager
	cfg    config.SchedulerConfig

	mu         sync.Mutex
	active     map[string]*activeTask // by task id
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup
	sem        chan struct{}
}

type activeTask struct {
	workerID  string
	startedAt time.Time
}

// New creates a scheduler. picker may be nil, in which case the first
// capability-matched idle worker wins.
func New(st Store, runner Runner, picker Picker, bus *eventbus.Bus, cfg config.SchedulerConfig) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 4
	}
	if cfg.StuckGracePeriod <= 0 {
		cfg.StuckGracePeriod = 5 * time.Minute
	}
	if picker == nil {
		picker = queue.New(nil, nil)
	}
	return &Scheduler{
		store:  st,
		runner: runner,
		picker: picker,
		bus:    bus,
		cfg:    cfg,
		active: make(map[string]*activeTask),
		sem:    make(chan struct{}, cfg.MaxConcurrentTasks),
	}
}

// WithLogs wires the log manager.
func (s *Scheduler) WithLogs(l *logging.Manager) *Scheduler { s.logs = l; return s }

// Start launches the poll loop. It returns immediately; Stop shuts the
// loop down and awaits in-flight executions.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	// Executors get a context that outlives the poll loop so their
	// outcome bookkeeping still commits during shutdown.
	s.execCtx, s.execCancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(loopCtx)
	s.infof("started: poll=%s cap=%d", s.cfg.PollInterval, s.cfg.MaxConcurrentTasks)
	return nil
}

// Stop cancels every live executor, awaits them, and marks still-running
// tasks FAILED and their workers OFFLINE. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	running := make(map[string]*activeTask, len(s.active))
	for id, at := range s.active {
		running[id] = at
	}
	s.mu.Unlock()

	for id := range running {
		s.runner.CancelTask(id)
	}
	cancel()
	s.wg.Wait()

	// Executors settle their own task on the way out (cancelled sessions
	// become FAILED). Force any pair that never finished its bookkeeping,
	// and take the interrupted workers offline.
	ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
	defer done()
	s.mu.Lock()
	leftover := make(map[string]*activeTask, len(s.active))
	for id, at := range s.active {
		leftover[id] = at
	}
	s.mu.Unlock()
	for id, at := range leftover {
		s.failStuck(ctx, id, at.workerID, "scheduler stopped during execution")
	}
	for _, at := range running {
		if err := s.store.SetWorkerStatus(ctx, at.workerID, models.WorkerStatusOffline, true); err != nil {
			s.warnf("cannot offline worker %s: %v", at.workerID, err)
		}
	}
	s.execCancel()
	s.infof("stopped")
}

// ActiveCount returns the number of live executions.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.poll(ctx)
			s.healthCheck(ctx)
		}
	}
}

// poll assigns ready tasks to idle workers in priority order until the
// concurrency cap or either pool runs out.
func (s *Scheduler) poll(ctx context.Context) {
	ready, err := s.store.GetReadyTasks(ctx, "")
	if err != nil {
		s.warnf("cannot load ready tasks: %v", err)
		return
	}
	if len(ready) == 0 {
		return
	}
	idle, err := s.store.GetIdleWorkers(ctx)
	if err != nil {
		s.warnf("cannot load idle workers: %v", err)
		return
	}

	for _, task := range ready {
		if len(idle) == 0 {
			return
		}
		w := s.picker.PickWorker(task, idle)
		if w == nil {
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			return // cap saturated, try again next cycle
		}

		if err := s.store.AssignTask(ctx, task.ID, w.ID); err != nil {
			<-s.sem
			if !errors.Is(err, store.ErrConflictingWrite) {
				s.warnf("assign %s to %s: %v", task.ID, w.ID, err)
			}
			continue
		}
		idle = removeWorker(idle, w.ID)

		s.mu.Lock()
		s.active[task.ID] = &activeTask{workerID: w.ID, startedAt: time.Now().UTC()}
		s.mu.Unlock()

		s.bus.Emit(eventbus.EventTaskStarted, task.ProjectID, map[string]any{
			"task_id":   task.ID,
			"worker_id": w.ID,
			"title":     task.Title,
		})
		s.bus.Emit(eventbus.EventWorkerUpdated, task.ProjectID, map[string]any{
			"worker_id": w.ID,
			"status":    string(models.WorkerStatusBusy),
			"task_id":   task.ID,
		})
		s.infof("assigned %s (%s) to worker %s", task.ID, task.Title, w.ID)

		s.wg.Add(1)
		go s.run(s.execCtx, task.ID, w.ID)
	}
}

func (s *Scheduler) run(ctx context.Context, taskID, workerID string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.active, taskID)
		s.mu.Unlock()
		<-s.sem
	}()

	if _, err := s.runner.ExecuteTask(ctx, taskID, workerID); err != nil {
		s.warnf("execute %s on %s: %v", taskID, workerID, err)
		// Setup failed before the executor could settle state; release
		// the pair so neither stays wedged.
		s.failStuck(ctx, taskID, workerID, "executor setup failed: "+err.Error())
	}
}

// healthCheck fails IN_PROGRESS tasks whose executor is gone for longer
// than the grace period and takes their workers offline.
func (s *Scheduler) healthCheck(ctx context.Context) {
	inProgress, err := s.store.ListBeads(ctx, store.BeadFilter{Status: models.BeadStatusInProgress})
	if err != nil {
		s.warnf("health check: %v", err)
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.StuckGracePeriod)
	for _, task := range inProgress {
		s.mu.Lock()
		_, tracked := s.active[task.ID]
		s.mu.Unlock()
		if tracked {
			continue
		}
		if task.StartedAt != nil && task.StartedAt.After(cutoff) {
			continue // recently started, maybe by another pass
		}
		workerID := ""
		if task.WorkerID != nil {
			workerID = *task.WorkerID
		}
		s.warnf("task %s is stuck (no executor), failing it", task.ID)
		s.failStuck(ctx, task.ID, workerID, "executor lost; exceeded stuck grace period")
	}
}

// failStuck forces a (task, worker) pair into FAILED/OFFLINE.
func (s *Scheduler) failStuck(ctx context.Context, taskID, workerID, reason string) {
	task, err := s.store.GetBead(ctx, taskID)
	if err != nil || task == nil {
		s.warnf("cannot load stuck task %s: %v", taskID, err)
		return
	}
	if !task.Status.Terminal() {
		now := time.Now().UTC()
		task.Status = models.BeadStatusFailed
		task.LastFailureReason = reason
		task.CompletedAt = &now
		if err := s.store.UpdateBead(ctx, task); err != nil {
			s.warnf("cannot fail stuck task %s: %v", taskID, err)
		}
		s.bus.Emit(eventbus.EventTaskStatus, task.ProjectID, map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
			"reason":  reason,
		})
	}
	if workerID != "" {
		if err := s.store.SetWorkerStatus(ctx, workerID, models.WorkerStatusOffline, true); err != nil {
			s.warnf("cannot offline worker %s: %v", workerID, err)
		}
		s.bus.Emit(eventbus.EventWorkerStatus, task.ProjectID, map[string]any{
			"worker_id": workerID,
			"status":    string(models.WorkerStatusOffline),
			"reason":    reason,
		})
	}
}

func removeWorker(idle []*models.Worker, id string) []*models.Worker {
	out := idle[:0]
	for _, w := range idle {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

func (s *Scheduler) infof(format string, args ...any) {
	if s.logs != nil {
		s.logs.Infof("Scheduler", format, args...)
	}
}

func (s *Scheduler) warnf(format string, args ...any) {
	if s.logs != nil {
		s.logs.Warnf("Scheduler", format, args...)
	}
}
