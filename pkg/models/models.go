// Package models defines the shared data model for ringmaster: projects,
// beads (the epic/task/subtask work hierarchy), workers, and the records
// produced while executing them.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// BeadType discriminates the polymorphic bead variants.
type BeadType string

const (
	BeadTypeEpic    BeadType = "epic"
	BeadTypeTask    BeadType = "task"
	BeadTypeSubtask BeadType = "subtask"
)

// BeadStatus represents the lifecycle state of a bead.
type BeadStatus string

const (
	BeadStatusDraft              BeadStatus = "DRAFT"
	BeadStatusReady              BeadStatus = "READY"
	BeadStatusAssigned           BeadStatus = "ASSIGNED"
	BeadStatusInProgress         BeadStatus = "IN_PROGRESS"
	BeadStatusBlocked            BeadStatus = "BLOCKED"
	BeadStatusNeedsDecomposition BeadStatus = "NEEDS_DECOMPOSITION"
	BeadStatusReview             BeadStatus = "REVIEW"
	BeadStatusDone               BeadStatus = "DONE"
	BeadStatusFailed             BeadStatus = "FAILED"
)

// Priority is the coarse P-level priority class, P0 (highest) through P4.
type Priority int

const (
	PriorityP0 Priority = 0
	PriorityP1 Priority = 1
	PriorityP2 Priority = 2
	PriorityP3 Priority = 3
	PriorityP4 Priority = 4
)

// Valid reports whether p is within the P0..P4 range.
func (p Priority) Valid() bool { return p >= PriorityP0 && p <= PriorityP4 }

// String returns the "P0".."P4" form.
func (p Priority) String() string { return fmt.Sprintf("P%d", int(p)) }

// Project represents a repository agents work on. Projects are created
// externally; every other entity references one.
type Project struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	TechStack   []string          `json:"tech_stack"`
	RepoPath    string            `json:"repo_path"`
	Settings    map[string]string `json:"settings,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// BaseBranch returns the project's configured base branch, defaulting to main.
func (p *Project) BaseBranch() string {
	if p != nil && p.Settings != nil {
		if b := p.Settings["base_branch"]; b != "" {
			return b
		}
	}
	return "main"
}

// Bead represents a work item: an epic, task, or subtask. The Type tag is
// canonical; variant-specific fields are nil/zero for the other variants.
type Bead struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Type        BeadType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    Priority   `json:"priority"`
	Status      BeadStatus `json:"status"`

	// Task/subtask fields.
	WorkerID             *string    `json:"worker_id,omitempty"`
	ParentID             *string    `json:"parent_id,omitempty"`
	Attempts             int        `json:"attempts"`
	MaxAttempts          int        `json:"max_attempts"`
	RetryAfter           *time.Time `json:"retry_after,omitempty"`
	LastFailureReason    string     `json:"last_failure_reason,omitempty"`
	BlockedReason        string     `json:"blocked_reason,omitempty"`
	RequiredCapabilities []string   `json:"required_capabilities,omitempty"`

	// Priority-graph scores maintained by the queue.
	PageRank         float64 `json:"pagerank"`
	Betweenness      float64 `json:"betweenness"`
	OnCriticalPath   bool    `json:"on_critical_path"`
	CombinedPriority float64 `json:"combined_priority"`

	// Epic fields.
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	EpicContext        string   `json:"epic_context,omitempty"`

	// Execution artifacts.
	PromptPath  string `json:"prompt_path,omitempty"`
	OutputPath  string `json:"output_path,omitempty"`
	ContextHash string `json:"context_hash,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BeadIDPrefix is the prefix carried by every bead id.
const BeadIDPrefix = "bd-"

// NewBeadID generates a fresh bead id.
func NewBeadID() string {
	return BeadIDPrefix + uuid.New().String()[:8]
}

// IsExecutable reports whether the bead variant can be assigned to a worker.
// Epics decompose; only tasks and subtasks execute.
func (b *Bead) IsExecutable() bool {
	return b.Type == BeadTypeTask || b.Type == BeadTypeSubtask
}

// Terminal reports whether the status is a terminal state.
func (s BeadStatus) Terminal() bool {
	return s == BeadStatusDone || s == BeadStatusFailed
}

// Dependency is an ordered (child, parent) edge: the child cannot run until
// the parent is DONE. Edges are data rows, unique per pair, acyclic.
type Dependency struct {
	ChildID   string    `json:"child_id"`
	ParentID  string    `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// WorkerType tags the CLI variant wrapped by a worker.
type WorkerType string

const (
	WorkerTypeClaudeCode WorkerType = "claude-code"
	WorkerTypeAider      WorkerType = "aider"
	WorkerTypeCodex      WorkerType = "codex"
	WorkerTypeGoose      WorkerType = "goose"
	WorkerTypeGeneric    WorkerType = "generic"
)

// WorkerStatus represents the availability of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "IDLE"
	WorkerStatusBusy    WorkerStatus = "BUSY"
	WorkerStatusOffline WorkerStatus = "OFFLINE"
)

// LaunchTemplate describes how to spawn a worker's CLI process.
type LaunchTemplate struct {
	Command        string            `json:"command"`
	Args           []string          `json:"args,omitempty"`
	PromptFlag     string            `json:"prompt_flag,omitempty"`
	WorkingDir     string            `json:"working_dir,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	EnvVars        map[string]string `json:"env_vars,omitempty"`
}

// Worker represents an external coding-agent process slot.
type Worker struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	Type            WorkerType     `json:"type"`
	Status          WorkerStatus   `json:"status"`
	CurrentTaskID   *string        `json:"current_task_id,omitempty"`
	Launch          LaunchTemplate `json:"launch"`
	Capabilities    []string       `json:"capabilities,omitempty"`
	TasksCompleted  int            `json:"tasks_completed"`
	TasksFailed     int            `json:"tasks_failed"`
	MeanCompletionS float64        `json:"mean_completion_seconds"`
	CreatedAt       time.Time      `json:"created_at"`
	LastActiveAt    *time.Time     `json:"last_active_at,omitempty"`
}

// HasCapabilities reports whether the worker's capability set is a superset
// of required.
func (w *Worker) HasCapabilities(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Capabilities))
	for _, c := range w.Capabilities {
		have[strings.ToLower(c)] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[strings.ToLower(r)]; !ok {
			return false
		}
	}
	return true
}

// ChatRole is the author role of a chat message.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
	ChatRoleSystem    ChatRole = "system"
)

// ChatMessage is a project-scoped (optionally task-scoped) conversation
// message. IDs are monotonically assigned integers; the summarizer depends
// on that ordering.
type ChatMessage struct {
	ID         int64     `json:"id"`
	ProjectID  string    `json:"project_id"`
	TaskID     *string   `json:"task_id,omitempty"`
	Role       ChatRole  `json:"role"`
	Content    string    `json:"content"`
	MediaPath  string    `json:"media_path,omitempty"`
	TokenCount int       `json:"token_count,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Summary is a compressed span of chat history covering the inclusive
// message-id range [StartID, EndID]. Ranges never overlap within a scope.
type Summary struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	TaskID       *string   `json:"task_id,omitempty"`
	StartID      int64     `json:"start_message_id"`
	EndID        int64     `json:"end_message_id"`
	Text         string    `json:"summary"`
	KeyDecisions []string  `json:"key_decisions,omitempty"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// EntityType names the entity classes the undo log can act on.
type EntityType string

const (
	EntityTypeTask       EntityType = "task"
	EntityTypeWorker     EntityType = "worker"
	EntityTypeDependency EntityType = "dependency"
)

// Action is an append-only undo-log row. Previous/new state are JSON
// snapshots of the observable entity fields.
type Action struct {
	ID            string     `json:"id"`
	ActionType    string     `json:"action_type"`
	EntityType    EntityType `json:"entity_type"`
	EntityID      string     `json:"entity_id"`
	ProjectID     string     `json:"project_id,omitempty"`
	PreviousState string     `json:"previous_state,omitempty"`
	NewState      string     `json:"new_state,omitempty"`
	Actor         string     `json:"actor"`
	Undone        bool       `json:"undone"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TaskOutcome records how a task execution went, for the reasoning bank.
type TaskOutcome struct {
	ID              string     `json:"id"`
	TaskID          string     `json:"task_id"`
	ProjectID       string     `json:"project_id"`
	FileCount       int        `json:"file_count"`
	Keywords        []string   `json:"keywords,omitempty"`
	BeadType        BeadType   `json:"bead_type"`
	HasDependencies bool       `json:"has_dependencies"`
	ModelUsed       string     `json:"model_used,omitempty"`
	WorkerType      WorkerType `json:"worker_type,omitempty"`
	Iterations      int        `json:"iterations"`
	DurationSeconds float64    `json:"duration_seconds"`
	Success         bool       `json:"success"`
	Outcome         string     `json:"outcome"`
	Confidence      float64    `json:"confidence"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	Reflection      string     `json:"reflection,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

// SessionMetric records one execution iteration of a task on a worker.
type SessionMetric struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	WorkerID     string    `json:"worker_id"`
	Iteration    int       `json:"iteration"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	Outcome      string    `json:"outcome"`
	Confidence   float64   `json:"confidence"`
}

// ContextAssemblyLog is the audit record of one enrichment-pipeline run.
type ContextAssemblyLog struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	ProjectID      string    `json:"project_id"`
	SourcesQueried []string  `json:"sources_queried,omitempty"`
	SourceCount    int       `json:"source_count"`
	TokensUsed     int       `json:"tokens_used"`
	TokenBudget    int       `json:"token_budget"`
	Compression    []string  `json:"compression_steps,omitempty"`
	StagesApplied  []string  `json:"stages_applied,omitempty"`
	AssemblyMs     int64     `json:"assembly_time_ms"`
	ContextHash    string    `json:"context_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// OutputLine is one line of worker output held in the output ring.
type OutputLine struct {
	WorkerID   string    `json:"worker_id"`
	LineNumber int64     `json:"line_number"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
}

// FileChange is one filesystem event observed by the hot-reload watcher.
type FileChange struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Timestamp time.Time `json:"timestamp"`
}

// ReloadRecord is the outcome of one hot-reload cycle.
type ReloadRecord struct {
	ID         string       `json:"id"`
	ProjectID  string       `json:"project_id"`
	Changes    []FileChange `json:"changes"`
	Success    bool         `json:"success"`
	Output     string       `json:"output,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	CreatedAt  time.Time    `json:"created_at"`
}
