// Package executor runs one task on one worker: it assembles the prompt,
// spawns the worker CLI session, streams and monitors its output, classifies
// the result, and persists the outcome with retry backoff.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jedarden/ringmaster/internal/detector"
	"github.com/jedarden/ringmaster/internal/enrich"
	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/internal/gitops"
	"github.com/jedarden/ringmaster/internal/logging"
	"github.com/jedarden/ringmaster/internal/monitor"
	"github.com/jedarden/ringmaster/internal/outputbuf"
	"github.com/jedarden/ringmaster/internal/worker"
	"github.com/jedarden/ringmaster/pkg/config"
	"github.com/jedarden/ringmaster/pkg/models"
)

// ErrNotRunning is returned by CancelTask when no execution is active for
// the task.
var ErrNotRunning = errors.New("executor: task is not running")

// defaultMaxAttempts applies when a task carries no max_attempts of its own.
const defaultMaxAttempts = 3

// Backoff bounds.
const (
	retryBase = 30 * time.Second
	retryCap  = 3600 * time.Second
)

// Backoff returns the retry delay after the given attempt count:
// exponential from 30s, doubling per attempt, capped at one hour.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	if d > retryCap {
		d = retryCap
	}
	return d
}

// Store is the persistence surface the executor needs.
type Store interface {
	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetBead(ctx context.Context, id string) (*models.Bead, error)
	UpdateBead(ctx context.Context, b *models.Bead) error
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	UpdateWorker(ctx context.Context, w *models.Worker) error
	ReleaseWorker(ctx context.Context, id string, succeeded, failed bool, durationSeconds float64) error
	RecordSessionMetric(ctx context.Context, m *models.SessionMetric) error
	GetDependencies(ctx context.Context, childID string) ([]*models.Dependency, error)
}

// Worktrees is the slice of gitops.Manager the executor uses. Nil disables
// worktree isolation.
type Worktrees interface {
	GetOrCreateWorktree(repo, workerID, taskID, baseBranch string) (string, error)
	GetWorktreeStatus(repo, workerID string) (*gitops.WorktreeStatus, error)
}

// PromptBuilder assembles the enriched prompt for a task. Nil, or an
// assembly error, falls back to the minimal prompt.
type PromptBuilder interface {
	Assemble(ctx context.Context, task *models.Bead, project *models.Project) (*enrich.AssembledPrompt, error)
}

// OutcomeSink receives the per-execution TaskOutcome record. Nil skips
// recording; write failures are never fatal to the execution.
type OutcomeSink interface {
	Record(ctx context.Context, o *models.TaskOutcome) error
}

// Report summarizes one finished execution, mostly for tests and logs.
type Report struct {
	Task      *models.Bead
	Result    detector.Result
	ExitCode  int
	Duration  time.Duration
	Cancelled bool
	Worktree  *gitops.WorktreeStatus
}

// Executor drives task sessions. All fields except store, bus, output,
// registry and detector are optional.
type Executor struct {
	store     Store
	bus       *eventbus.Bus
	output    *outputbuf.Buffer
	registry  *worker.Registry
	detector  *detector.Detector
	prompts   PromptBuilder
	worktrees Worktrees
	outcomes  OutcomeSink
	logs      *logging.Manager
	cfg       config.ExecutorConfig

	thresholds monitor.Thresholds
	now        func() time.Time

	mu      sync.Mutex
	running map[string]*activeSession
}

type activeSession struct {
	workerID  string
	session   worker.SessionHandle
	cancel    context.CancelFunc
	cancelled bool
}

// New creates an executor.
func New(store Store, bus *eventbus.Bus, output *outputbuf.Buffer, registry *worker.Registry, cfg config.ExecutorConfig) *Executor {
	return &Executor{
		store:      store,
		bus:        bus,
		output:     output,
		registry:   registry,
		detector:   detector.New(cfg.DecisionMarkers),
		cfg:        cfg,
		thresholds: monitor.DefaultThresholds(),
		now:        time.Now,
		running:    make(map[string]*activeSession),
	}
}

// WithPrompts wires the enrichment pipeline.
func (e *Executor) WithPrompts(p PromptBuilder) *Executor { e.prompts = p; return e }

// WithWorktrees wires per-worker git worktree isolation.
func (e *Executor) WithWorktrees(w Worktrees) *Executor { e.worktrees = w; return e }

// WithOutcomes wires the reasoning bank.
func (e *Executor) WithOutcomes(o OutcomeSink) *Executor { e.outcomes = o; return e }

// WithLogs wires the log manager.
func (e *Executor) WithLogs(l *logging.Manager) *Executor { e.logs = l; return e }

// ActiveTasks returns the ids of tasks with a live session.
func (e *Executor) ActiveTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.running))
	for id := range e.running {
		ids = append(ids, id)
	}
	return ids
}

// CancelTask stops the live session for a task. The execution finishes as
// a cancellation: the task is marked FAILED and the worker returns to IDLE.
func (e *Executor) CancelTask(taskID string) error {
	e.mu.Lock()
	r, ok := e.running[taskID]
	if ok {
		r.cancelled = true
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	r.session.Stop()
	r.cancel()
	return nil
}

// ExecuteTask runs one full session of a task on a worker and persists the
// result. The returned error covers setup failures only; session failures
// are absorbed into the task's outcome.
func (e *Executor) ExecuteTask(ctx context.Context, taskID, workerID string) (*Report, error) {
	task, err := e.store.GetBead(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	w, err := e.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("load worker %s: %w", workerID, err)
	}
	project, err := e.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	start := e.now().UTC()
	task.Status = models.BeadStatusInProgress
	task.StartedAt = &start
	task.Attempts++
	if err := e.store.UpdateBead(ctx, task); err != nil {
		return nil, fmt.Errorf("mark task in progress: %w", err)
	}
	e.bus.Emit(eventbus.EventTaskStatus, task.ProjectID, map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	})

	w.Status = models.WorkerStatusBusy
	w.CurrentTaskID = &task.ID
	w.LastActiveAt = &start
	if err := e.store.UpdateWorker(ctx, w); err != nil {
		return nil, fmt.Errorf("mark worker busy: %w", err)
	}
	e.bus.Emit(eventbus.EventWorkerUpdated, task.ProjectID, map[string]any{
		"worker_id": w.ID,
		"status":    string(w.Status),
		"task_id":   task.ID,
	})

	workDir := e.resolveWorkDir(project, w, task)
	prompt, hash := e.buildPrompt(ctx, task, project)
	logPath := e.persistArtifacts(ctx, task, prompt, hash)

	variant := e.registry.For(w)
	if !variant.IsAvailable() {
		res := detector.Result{
			Outcome:    detector.OutcomeFailure,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("worker CLI for type %s is not available", w.Type),
		}
		return e.finish(ctx, task, w, project, res, worker.SessionResult{ExitCode: -1}, start, false)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	handle, err := variant.StartSession(sessCtx, w, worker.SessionConfig{
		WorkingDir:       workDir,
		Prompt:           prompt,
		TimeoutSeconds:   e.cfg.DefaultTimeoutSeconds,
		CompletionSignal: detector.CompletionSignal,
	})
	if err != nil {
		cancel()
		res := detector.Result{
			Outcome:    detector.OutcomeFailure,
			Confidence: 1.0,
			Reason:     fmt.Sprintf("session start failed: %v", err),
		}
		return e.finish(ctx, task, w, project, res, worker.SessionResult{ExitCode: -1}, start, false)
	}

	active := &activeSession{workerID: w.ID, session: handle, cancel: cancel}
	e.mu.Lock()
	e.running[task.ID] = active
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, task.ID)
		e.mu.Unlock()
		cancel()
	}()

	e.output.Clear(w.ID)
	output, interruptReason := e.streamSession(handle, task, w, logPath)
	sessRes := handle.Wait()

	e.mu.Lock()
	cancelled := active.cancelled
	e.mu.Unlock()

	res := e.classify(output, sessRes, cancelled, interruptReason)
	return e.finish(ctx, task, w, project, res, sessRes, start, cancelled)
}

// resolveWorkDir prefers a per-worker worktree, degrading to the project
// repo (or the worker's configured directory) when git isolation fails.
func (e *Executor) resolveWorkDir(project *models.Project, w *models.Worker, task *models.Bead) string {
	dir := project.RepoPath
	if dir == "" {
		return w.Launch.WorkingDir
	}
	if e.worktrees == nil {
		return dir
	}
	wt, err := e.worktrees.GetOrCreateWorktree(project.RepoPath, w.ID, task.ID, project.BaseBranch())
	if err != nil {
		e.warnf("worktree for worker %s unavailable, running in %s: %v", w.ID, dir, err)
		return dir
	}
	return wt
}

// buildPrompt runs the enrichment pipeline, falling back to the minimal
// prompt when the pipeline is absent or errors.
func (e *Executor) buildPrompt(ctx context.Context, task *models.Bead, project *models.Project) (prompt, hash string) {
	if e.prompts != nil {
		ap, err := e.prompts.Assemble(ctx, task, project)
		if err == nil {
			return ap.SystemPrompt + "\n\n" + ap.UserPrompt, ap.ContextHash
		}
		e.warnf("prompt assembly for %s failed, using minimal prompt: %v", task.ID, err)
	}
	p := enrich.MinimalPrompt(task, project)
	return p, enrich.ContextHash("", p)
}

// persistArtifacts writes the per-attempt prompt file, records paths and
// the context hash on the task, and returns the iteration log path.
func (e *Executor) persistArtifacts(ctx context.Context, task *models.Bead, prompt, hash string) string {
	dir := filepath.Join(e.cfg.TasksDir, task.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.warnf("cannot create task dir %s: %v", dir, err)
		return ""
	}
	promptPath := filepath.Join(dir, fmt.Sprintf("prompt_%03d.md", task.Attempts))
	if err := os.WriteFile(promptPath, []byte(prompt), 0o644); err != nil {
		e.warnf("cannot write prompt file: %v", err)
	}
	logPath := filepath.Join(dir, fmt.Sprintf("iteration_%03d.log", task.Attempts))

	task.PromptPath = promptPath
	task.OutputPath = logPath
	task.ContextHash = hash
	if err := e.store.UpdateBead(ctx, task); err != nil {
		e.warnf("cannot record artifact paths for %s: %v", task.ID, err)
	}
	return logPath
}

// streamSession consumes session output until the stream closes, feeding
// the log file, the output ring, the event bus, and the health monitor.
// A monitor-triggered interrupt stops the session and is reported back.
func (e *Executor) streamSession(handle worker.SessionHandle, task *models.Bead, w *models.Worker, logPath string) (output string, interruptReason string) {
	var logFile *os.File
	if logPath != "" {
		f, err := os.Create(logPath)
		if err != nil {
			e.warnf("cannot create iteration log: %v", err)
		} else {
			logFile = f
			defer f.Close()
		}
	}

	mon := monitor.NewSession(e.thresholds)
	interval := e.cfg.MonitorCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var buf []byte
	stream := handle.Stream()
	for {
		select {
		case line, ok := <-stream:
			if !ok {
				return string(buf), interruptReason
			}
			buf = append(buf, line...)
			buf = append(buf, '\n')
			if logFile != nil {
				fmt.Fprintln(logFile, line)
			}
			e.output.Write(w.ID, line)
			mon.RecordOutput(line)
			e.bus.Emit(eventbus.EventWorkerOutput, task.ProjectID, map[string]any{
				"worker_id": w.ID,
				"task_id":   task.ID,
				"line":      line,
			})
		case <-ticker.C:
			act := mon.RecommendRecovery()
			switch act.Action {
			case monitor.ActionLogWarning:
				e.warnf("session %s/%s: %s", task.ID, w.ID, act.Reason)
			case monitor.ActionEscalate:
				e.warnf("session %s/%s escalated: %s", task.ID, w.ID, act.Reason)
				e.bus.Emit(eventbus.EventWorkerStatus, task.ProjectID, map[string]any{
					"worker_id": w.ID,
					"task_id":   task.ID,
					"action":    string(act.Action),
					"reason":    act.Reason,
				})
			case monitor.ActionInterrupt, monitor.ActionCheckpointRestart:
				if interruptReason == "" {
					interruptReason = act.Reason
					e.warnf("session %s/%s interrupted: %s", task.ID, w.ID, act.Reason)
					handle.Stop()
				}
			}
		}
	}
}

// classify turns the raw session result into an outcome. Cancellation,
// monitor interrupts, and timeouts preempt output-based detection.
func (e *Executor) classify(output string, res worker.SessionResult, cancelled bool, interruptReason string) detector.Result {
	switch {
	case cancelled:
		return detector.Result{Outcome: detector.OutcomeFailure, Confidence: 1.0, Reason: "cancelled by operator"}
	case interruptReason != "":
		return detector.Result{Outcome: detector.OutcomeFailure, Confidence: 0.9, Reason: interruptReason}
	case errors.Is(res.Err, context.DeadlineExceeded):
		return detector.Result{Outcome: detector.OutcomeFailure, Confidence: 1.0, Reason: "session timed out"}
	case res.Err != nil && !errors.Is(res.Err, context.Canceled):
		return detector.Result{Outcome: detector.OutcomeFailure, Confidence: 1.0, Reason: res.Err.Error()}
	default:
		return e.detector.Detect(output, res.ExitCode)
	}
}

// finish persists the task transition, releases the worker, records the
// session metric and task outcome, and reports worktree state.
func (e *Executor) finish(ctx context.Context, task *models.Bead, w *models.Worker, project *models.Project, res detector.Result, sessRes worker.SessionResult, start time.Time, cancelled bool) (*Report, error) {
	end := e.now().UTC()
	success := res.Outcome == detector.OutcomeSuccess
	failed := res.Outcome == detector.OutcomeFailure

	switch res.Outcome {
	case detector.OutcomeSuccess:
		task.Status = models.BeadStatusReview
		task.RetryAfter = nil
		task.LastFailureReason = ""
		task.BlockedReason = ""
		e.bus.Emit(eventbus.EventTaskCompleted, task.ProjectID, map[string]any{
			"task_id":    task.ID,
			"status":     string(task.Status),
			"confidence": res.Confidence,
		})
	case detector.OutcomeNeedsDecision:
		task.Status = models.BeadStatusBlocked
		task.BlockedReason = res.DecisionQuestion
		if task.BlockedReason == "" {
			task.BlockedReason = res.Reason
		}
		e.bus.Emit(eventbus.EventTaskStatus, task.ProjectID, map[string]any{
			"task_id":           task.ID,
			"status":            string(task.Status),
			"needs_human_input": true,
			"question":          task.BlockedReason,
		})
	case detector.OutcomeFailure:
		task.LastFailureReason = res.Reason
		maxAttempts := task.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = defaultMaxAttempts
		}
		if cancelled || task.Attempts >= maxAttempts {
			task.Status = models.BeadStatusFailed
			now := end
			task.CompletedAt = &now
			evt := eventbus.EventTaskStatus
			if cancelled {
				evt = eventbus.EventWorkerTaskCancelled
			}
			e.bus.Emit(evt, task.ProjectID, map[string]any{
				"task_id": task.ID,
				"status":  string(task.Status),
				"reason":  res.Reason,
			})
		} else {
			task.Status = models.BeadStatusReady
			retryAt := end.Add(Backoff(task.Attempts))
			task.RetryAfter = &retryAt
			e.bus.Emit(eventbus.EventTaskRetry, task.ProjectID, map[string]any{
				"task_id":     task.ID,
				"attempts":    task.Attempts,
				"retry_after": retryAt,
				"reason":      res.Reason,
			})
		}
	}
	if err := e.store.UpdateBead(ctx, task); err != nil {
		e.warnf("cannot persist outcome for %s: %v", task.ID, err)
	}

	duration := sessRes.Duration
	if duration <= 0 {
		duration = end.Sub(start)
	}
	if err := e.store.ReleaseWorker(ctx, w.ID, success, failed, duration.Seconds()); err != nil {
		e.warnf("cannot release worker %s: %v", w.ID, err)
	}
	e.bus.Emit(eventbus.EventWorkerUpdated, task.ProjectID, map[string]any{
		"worker_id": w.ID,
		"status":    string(models.WorkerStatusIdle),
	})

	e.recordMetrics(ctx, task, w, res, duration, start, end, success)

	report := &Report{
		Task:      task,
		Result:    res,
		ExitCode:  sessRes.ExitCode,
		Duration:  duration,
		Cancelled: cancelled,
	}
	if e.worktrees != nil && project.RepoPath != "" {
		if st, err := e.worktrees.GetWorktreeStatus(project.RepoPath, w.ID); err == nil {
			report.Worktree = st
			if st.HasChanges {
				e.infof("worker %s worktree has %d changed files on %s", w.ID, len(st.ChangedFiles), st.Branch)
			}
		}
	}
	return report, nil
}

// recordMetrics writes the session metric and the reasoning-bank outcome.
// Both are best-effort.
func (e *Executor) recordMetrics(ctx context.Context, task *models.Bead, w *models.Worker, res detector.Result, duration time.Duration, start, end time.Time, success bool) {
	metric := &models.SessionMetric{
		ID:         "sm-" + uuid.New().String()[:8],
		TaskID:     task.ID,
		WorkerID:   w.ID,
		Iteration:  task.Attempts,
		StartedAt:  start,
		FinishedAt: end,
		Success:    success,
		Outcome:    string(res.Outcome),
		Confidence: res.Confidence,
	}
	if !success {
		metric.Error = res.Reason
	}
	if err := e.store.RecordSessionMetric(ctx, metric); err != nil {
		e.warnf("cannot record session metric for %s: %v", task.ID, err)
	}

	if e.outcomes == nil {
		return
	}
	deps, err := e.store.GetDependencies(ctx, task.ID)
	if err != nil {
		e.warnf("cannot load dependencies for %s: %v", task.ID, err)
	}
	fileCount := 0
	if e.worktrees != nil {
		if project, perr := e.store.GetProject(ctx, task.ProjectID); perr == nil && project.RepoPath != "" {
			if st, serr := e.worktrees.GetWorktreeStatus(project.RepoPath, w.ID); serr == nil {
				fileCount = len(st.ChangedFiles)
			}
		}
	}
	outcome := &models.TaskOutcome{
		ID:              "to-" + uuid.New().String()[:8],
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		FileCount:       fileCount,
		Keywords:        enrich.Keywords(task.Title + " " + task.Description),
		BeadType:        task.Type,
		HasDependencies: len(deps) > 0,
		WorkerType:      w.Type,
		Iterations:      task.Attempts,
		DurationSeconds: duration.Seconds(),
		Success:         success,
		Outcome:         string(res.Outcome),
		Confidence:      res.Confidence,
		FailureReason:   task.LastFailureReason,
		Reflection:      res.Reason,
		CreatedAt:       end,
	}
	if err := e.outcomes.Record(ctx, outcome); err != nil {
		e.warnf("cannot record task outcome for %s: %v", task.ID, err)
	}
}

func (e *Executor) infof(format string, args ...any) {
	if e.logs != nil {
		e.logs.Infof("Executor", format, args...)
		return
	}
	log.Printf("[Executor] "+format, args...)
}

func (e *Executor) warnf(format string, args ...any) {
	if e.logs != nil {
		e.logs.Warnf("Executor", format, args...)
		return
	}
	log.Printf("[Executor] WARN "+format, args...)
}
