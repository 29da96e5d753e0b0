// Package validator promotes tasks from REVIEW to DONE by running the
// project's test, lint, and type-check commands, auto-detected from the
// repository contents.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/jedarden/ringmaster/internal/eventbus"
	"github.com/jedarden/ringmaster/pkg/models"
)

// CheckKind classifies a validation command.
type CheckKind string

const (
	CheckTest      CheckKind = "test"
	CheckLint      CheckKind = "lint"
	CheckTypecheck CheckKind = "typecheck"
)

// Command is one runnable validation step.
type Command struct {
	Kind    CheckKind `json:"kind"`
	Name    string    `json:"name"`
	Command string    `json:"command"`
	Args    []string  `json:"args,omitempty"`
}

// CheckResult is the outcome of one command.
type CheckResult struct {
	Kind       CheckKind     `json:"kind"`
	Name       string        `json:"name"`
	Passed     bool          `json:"passed"`
	ExitCode   int           `json:"exit_code"`
	Output     string        `json:"output,omitempty"`
	Duration   time.Duration `json:"duration"`
	LaunchFail string        `json:"launch_fail,omitempty"`
}

// ValidationResult aggregates all checks for one task.
type ValidationResult struct {
	TaskID     string        `json:"task_id"`
	Dir        string        `json:"dir"`
	Passed     bool          `json:"passed"`
	Checks     []CheckResult `json:"checks"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// maxCheckOutput caps the captured output per check.
const maxCheckOutput = 64 * 1024

// Store is the persistence surface the validator needs.
type Store interface {
	GetBead(ctx context.Context, id string) (*models.Bead, error)
	UpdateBead(ctx context.Context, b *models.Bead) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
}

// Validator runs validation commands and applies the REVIEW -> DONE
// transition.
type Validator struct {
	store   Store
	bus     *eventbus.Bus
	timeout time.Duration
}

// New creates a validator. A zero timeout defaults to ten minutes per check.
func New(store Store, bus *eventbus.Bus, timeout time.Duration) *Validator {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Validator{store: store, bus: bus, timeout: timeout}
}

// DetectCommands inspects a repository and returns the validation commands
// appropriate for its ecosystem. Unknown repos yield no commands, which
// validates as a pass.
func DetectCommands(dir string) []Command {
	var cmds []Command
	exists := func(name string) bool {
		_, err := os.Stat(filepath.Join(dir, name))
		return err == nil
	}

	if exists("go.mod") {
		cmds = append(cmds,
			Command{Kind: CheckTest, Name: "go test", Command: "go", Args: []string{"test", "./..."}},
			Command{Kind: CheckLint, Name: "go vet", Command: "go", Args: []string{"vet", "./..."}},
		)
	}
	if exists("package.json") {
		scripts := packageScripts(filepath.Join(dir, "package.json"))
		if _, ok := scripts["test"]; ok {
			cmds = append(cmds, Command{Kind: CheckTest, Name: "npm test", Command: "npm", Args: []string{"test", "--silent"}})
		}
		if _, ok := scripts["lint"]; ok {
			cmds = append(cmds, Command{Kind: CheckLint, Name: "npm lint", Command: "npm", Args: []string{"run", "lint", "--silent"}})
		}
		if exists("tsconfig.json") {
			cmds = append(cmds, Command{Kind: CheckTypecheck, Name: "tsc", Command: "npx", Args: []string{"tsc", "--noEmit"}})
		}
	}
	if exists("pyproject.toml") || exists("setup.py") || exists("pytest.ini") {
		cmds = append(cmds, Command{Kind: CheckTest, Name: "pytest", Command: "pytest", Args: []string{"-q"}})
		if exists("mypy.ini") {
			cmds = append(cmds, Command{Kind: CheckTypecheck, Name: "mypy", Command: "mypy", Args: []string{"."}})
		}
	}
	if exists("Cargo.toml") {
		cmds = append(cmds, Command{Kind: CheckTest, Name: "cargo test", Command: "cargo", Args: []string{"test"}})
	}
	return cmds
}

// packageScripts reads the scripts block of a package.json, tolerating
// malformed files.
func packageScripts(path string) map[string]string {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return pkg.Scripts
}

// Run executes the given commands in dir and aggregates the result.
func (v *Validator) Run(ctx context.Context, taskID, dir string, cmds []Command) *ValidationResult {
	res := &ValidationResult{
		TaskID:    taskID,
		Dir:       dir,
		Passed:    true,
		StartedAt: time.Now().UTC(),
	}
	for _, cmd := range cmds {
		check := v.runCheck(ctx, dir, cmd)
		if !check.Passed {
			res.Passed = false
		}
		res.Checks = append(res.Checks, check)
	}
	res.FinishedAt = time.Now().UTC()
	return res
}

func (v *Validator) runCheck(ctx context.Context, dir string, cmd Command) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := time.Now()
	c := exec.CommandContext(checkCtx, cmd.Command, cmd.Args...)
	c.Dir = dir
	out, err := c.CombinedOutput()
	if len(out) > maxCheckOutput {
		out = out[len(out)-maxCheckOutput:]
	}

	check := CheckResult{
		Kind:     cmd.Kind,
		Name:     cmd.Name,
		Output:   string(out),
		Duration: time.Since(start),
	}
	switch e := err.(type) {
	case nil:
		check.Passed = true
	case *exec.ExitError:
		check.ExitCode = e.ExitCode()
	default:
		check.ExitCode = -1
		check.LaunchFail = err.Error()
	}
	return check
}

// ValidateTask runs detection + checks against the task's project repo and,
// when everything passes, promotes the task from REVIEW to DONE.
func (v *Validator) ValidateTask(ctx context.Context, taskID string) (*ValidationResult, error) {
	task, err := v.store.GetBead(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != models.BeadStatusReview {
		return nil, fmt.Errorf("task %s is %s, not REVIEW", taskID, task.Status)
	}
	project, err := v.store.GetProject(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load project %s: %w", task.ProjectID, err)
	}

	dir := project.RepoPath
	var cmds []Command
	if dir != "" {
		cmds = DetectCommands(dir)
	}
	res := v.Run(ctx, taskID, dir, cmds)

	if res.Passed {
		now := time.Now().UTC()
		task.Status = models.BeadStatusDone
		task.CompletedAt = &now
		if err := v.store.UpdateBead(ctx, task); err != nil {
			return res, fmt.Errorf("promote task %s: %w", taskID, err)
		}
		v.bus.Emit(eventbus.EventTaskCompleted, task.ProjectID, map[string]any{
			"task_id": task.ID,
			"status":  string(task.Status),
			"checks":  len(res.Checks),
		})
	} else {
		v.bus.Emit(eventbus.EventTaskStatus, task.ProjectID, map[string]any{
			"task_id":    task.ID,
			"status":     string(task.Status),
			"validation": res,
		})
	}
	return res, nil
}
