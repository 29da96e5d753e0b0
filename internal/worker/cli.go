package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

// cliDefaults are the launch defaults per worker type, overridable by
// the worker's launch template.
var cliDefaults = map[models.WorkerType]models.LaunchTemplate{
	models.WorkerTypeClaudeCode: {
		Command:    "claude",
		Args:       []string{"--print", "--output-format", "text"},
		PromptFlag: "-p",
	},
	models.WorkerTypeAider: {
		Command:    "aider",
		Args:       []string{"--yes", "--no-auto-commits"},
		PromptFlag: "--message",
	},
	models.WorkerTypeCodex: {
		Command:    "codex",
		Args:       []string{"exec", "--full-auto"},
		PromptFlag: "",
	},
	models.WorkerTypeGoose: {
		Command:    "goose",
		Args:       []string{"run"},
		PromptFlag: "-t",
	},
	models.WorkerTypeGeneric: {
		Command:    "",
		PromptFlag: "",
	},
}

// cliVariant launches one worker type's CLI as a subprocess.
type cliVariant struct {
	workerType models.WorkerType
	defaults   models.LaunchTemplate
}

func newCLIVariant(t models.WorkerType) *cliVariant {
	return &cliVariant{workerType: t, defaults: cliDefaults[t]}
}

func (v *cliVariant) Type() models.WorkerType { return v.workerType }

// IsAvailable reports whether the variant's default binary is on PATH.
// Generic workers carry their own command, so they are always available
// here and fail at start when misconfigured.
func (v *cliVariant) IsAvailable() bool {
	if v.defaults.Command == "" {
		return true
	}
	_, err := exec.LookPath(v.defaults.Command)
	return err == nil
}

// launchFor merges the worker's launch template over the defaults.
func (v *cliVariant) launchFor(w *models.Worker) models.LaunchTemplate {
	launch := v.defaults
	if w.Launch.Command != "" {
		launch.Command = w.Launch.Command
		launch.Args = w.Launch.Args
		launch.PromptFlag = w.Launch.PromptFlag
	}
	if w.Launch.WorkingDir != "" {
		launch.WorkingDir = w.Launch.WorkingDir
	}
	if w.Launch.TimeoutSeconds > 0 {
		launch.TimeoutSeconds = w.Launch.TimeoutSeconds
	}
	launch.EnvVars = w.Launch.EnvVars
	return launch
}

// StartSession spawns the CLI process and begins streaming its combined
// output.
func (v *cliVariant) StartSession(ctx context.Context, w *models.Worker, cfg SessionConfig) (SessionHandle, error) {
	launch := v.launchFor(w)
	if launch.Command == "" {
		return nil, fmt.Errorf("worker %s has no launch command", w.ID)
	}

	args := append([]string(nil), launch.Args...)
	promptViaStdin := launch.PromptFlag == ""
	if !promptViaStdin {
		args = append(args, launch.PromptFlag, cfg.Prompt)
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if launch.TimeoutSeconds > 0 {
		timeout = time.Duration(launch.TimeoutSeconds) * time.Second
	}
	if timeout <= 0 {
		timeout = time.Hour
	}
	sessionCtx, cancel := context.WithTimeout(ctx, timeout)

	cmd := exec.CommandContext(sessionCtx, launch.Command, args...)
	cmd.Dir = cfg.WorkingDir
	cmd.Env = sessionEnv(launch.EnvVars, cfg)
	if promptViaStdin {
		cmd.Stdin = strings.NewReader(cfg.Prompt)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", launch.Command, err)
	}

	s := &cliSession{
		cmd:    cmd,
		cancel: cancel,
		lines:  make(chan string, 256),
		done:   make(chan struct{}),
		start:  time.Now(),
	}

	// Wait closes the stdout pipe, so it must not run until the scanner
	// has drained it; a fast-exiting process would otherwise lose its
	// tail output, completion signal included.
	scanDone := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			s.lines <- scanner.Text()
		}
		close(s.lines)
		close(scanDone)
	}()
	go func() {
		<-scanDone
		err := cmd.Wait()
		s.mu.Lock()
		s.result = SessionResult{
			ExitCode: exitCode(err),
			Duration: time.Since(s.start),
			Err:      sessionErr(sessionCtx, err),
		}
		s.mu.Unlock()
		cancel()
		close(s.done)
	}()

	return s, nil
}

type cliSession struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	lines  chan string
	done   chan struct{}
	start  time.Time

	mu     sync.Mutex
	result SessionResult
}

func (s *cliSession) Stream() <-chan string { return s.lines }

func (s *cliSession) Wait() SessionResult {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

func (s *cliSession) Stop() error {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cancel()
	return nil
}

func sessionEnv(launchEnv map[string]string, cfg SessionConfig) []string {
	env := os.Environ()
	for k, v := range launchEnv {
		env = append(env, k+"="+v)
	}
	for k, v := range cfg.EnvVars {
		env = append(env, k+"="+v)
	}
	if cfg.CompletionSignal != "" {
		env = append(env, "RINGMASTER_COMPLETION_SIGNAL="+cfg.CompletionSignal)
	}
	return env
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if ee, ok := err.(*exec.ExitError); ok {
		return ee.ExitCode()
	}
	return -1
}

// sessionErr suppresses the plain non-zero-exit error, which the outcome
// detector interprets via the exit code, but keeps timeouts and
// launch failures.
func sessionErr(ctx context.Context, err error) error {
	if ctx.Err() == context.DeadlineExceeded {
		return context.DeadlineExceeded
	}
	if _, ok := err.(*exec.ExitError); ok {
		return nil
	}
	return err
}
