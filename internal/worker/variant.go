// Package worker wraps the external coding-agent CLIs (claude-code,
// aider, codex, goose, or any generic command) behind a uniform session
// interface the executor can stream from.
package worker

import (
	"context"
	"time"

	"github.com/jedarden/ringmaster/pkg/models"
)

// SessionConfig carries everything a variant needs to start one task
// session.
type SessionConfig struct {
	WorkingDir       string
	Prompt           string
	TimeoutSeconds   int
	EnvVars          map[string]string
	CompletionSignal string
}

// SessionResult is the terminal state of a session.
type SessionResult struct {
	ExitCode int
	Duration time.Duration
	Err      error
}

// SessionHandle exposes a running session. Stream yields output lines
// until the process exits and the channel closes; Wait blocks for the
// terminal result; Stop terminates the process.
type SessionHandle interface {
	Stream() <-chan string
	Wait() SessionResult
	Stop() error
}

// Variant adapts one worker type's CLI.
type Variant interface {
	Type() models.WorkerType
	IsAvailable() bool
	StartSession(ctx context.Context, w *models.Worker, cfg SessionConfig) (SessionHandle, error)
}

// Registry resolves a worker to its variant.
type Registry struct {
	variants map[models.WorkerType]Variant
}

// NewRegistry creates a registry with the standard CLI variants.
func NewRegistry() *Registry {
	r := &Registry{variants: make(map[models.WorkerType]Variant)}
	for _, t := range []models.WorkerType{
		models.WorkerTypeClaudeCode,
		models.WorkerTypeAider,
		models.WorkerTypeCodex,
		models.WorkerTypeGoose,
		models.WorkerTypeGeneric,
	} {
		r.variants[t] = newCLIVariant(t)
	}
	return r
}

// Register replaces the variant for a worker type.
func (r *Registry) Register(v Variant) {
	r.variants[v.Type()] = v
}

// For returns the variant for a worker, falling back to generic.
func (r *Registry) For(w *models.Worker) Variant {
	if v, ok := r.variants[w.Type]; ok {
		return v
	}
	return r.variants[models.WorkerTypeGeneric]
}
