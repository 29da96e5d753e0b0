// Package enrich assembles the prompt a worker receives for a task. Nine
// stages contribute context in a fixed order, each constrained by the
// remaining token budget; the result carries a stable hash so identical
// inputs can be recognized across attempts.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jedarden/ringmaster/internal/logging"
	"github.com/jedarden/ringmaster/pkg/models"
)

// StageResult is one stage's contribution.
type StageResult struct {
	Content        string
	TokensEstimate int
	Sources        []string
}

// Metrics summarizes one assembly run.
type Metrics struct {
	EstimatedTokens    int      `json:"estimated_tokens"`
	StagesApplied      []string `json:"stages_applied"`
	CompressionApplied []string `json:"compression_applied,omitempty"`
	AssemblyMs         int64    `json:"assembly_ms"`
}

// AssembledPrompt is the pipeline's output.
type AssembledPrompt struct {
	SystemPrompt string  `json:"system_prompt"`
	UserPrompt   string  `json:"user_prompt"`
	ContextHash  string  `json:"context_hash"`
	Metrics      Metrics `json:"metrics"`
}

// HistoryStore is the slice of the store the history, research, and audit
// stages need.
type HistoryStore interface {
	CountMessages(ctx context.Context, projectID string, taskID *string) (int, error)
	GetRecentMessages(ctx context.Context, projectID string, taskID *string, limit int) ([]*models.ChatMessage, error)
	GetMessageRange(ctx context.Context, projectID string, taskID *string, start, end int64) ([]*models.ChatMessage, error)
	GetSummaries(ctx context.Context, projectID string, taskID *string) ([]*models.Summary, error)
	AddSummary(ctx context.Context, sum *models.Summary) error
	CompletedTasksWithOutput(ctx context.Context, projectID string, limit int) ([]*models.Bead, error)
	RecordAssemblyLog(ctx context.Context, l *models.ContextAssemblyLog) error
}

// LogReader is the slice of the log manager the logs stage needs.
type LogReader interface {
	GetRecent(limit int, f logging.Filter) []logging.Entry
}

// Options tunes the pipeline.
type Options struct {
	MaxContextTokens int
	MaxFiles         int
	MaxFileLines     int
	LogAssembly      bool
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		MaxContextTokens: 100000,
		MaxFiles:         10,
		MaxFileLines:     500,
		LogAssembly:      true,
	}
}

// Pipeline composes the nine context stages. Store and Logs are optional;
// their stages are skipped when absent.
type Pipeline struct {
	opts  Options
	store HistoryStore
	logs  LogReader
	rlm   *Summarizer
}

// NewPipeline creates a pipeline. store and logs may be nil.
func NewPipeline(opts Options, store HistoryStore, logs LogReader) *Pipeline {
	if opts.MaxContextTokens <= 0 {
		opts = DefaultOptions()
	}
	return &Pipeline{
		opts:  opts,
		store: store,
		logs:  logs,
		rlm:   NewSummarizer(store, SummarizerDefaults()),
	}
}

type stage struct {
	name string
	run  func(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult
}

// Assemble runs all stages in order and returns the final prompt.
func (p *Pipeline) Assemble(ctx context.Context, task *models.Bead, project *models.Project) (*AssembledPrompt, error) {
	if task == nil || project == nil {
		return nil, fmt.Errorf("assemble: task and project are required")
	}
	start := time.Now()

	stages := []stage{
		{"task_context", p.taskStage},
		{"project_context", p.projectStage},
		{"code_context", p.codeStage},
		{"documentation_context", p.docsStage},
		{"deployment_context", p.deployStage},
		{"history_context", p.historyStage},
		{"logs_context", p.logsStage},
		{"research_context", p.researchStage},
		{"refinement_context", p.refinementStage},
	}

	budget := p.opts.MaxContextTokens
	var sections []string
	var applied []string
	var compression []string
	var sources []string
	used := 0

	for _, st := range stages {
		if budget <= 0 {
			compression = append(compression, "skipped "+st.name+": budget exhausted")
			continue
		}
		result := st.run(ctx, task, project, budget)
		if result == nil || result.Content == "" {
			continue
		}
		if result.TokensEstimate > budget {
			result.Content = truncateToTokens(result.Content, budget)
			result.TokensEstimate = EstimateTokens(result.Content)
			compression = append(compression, "truncated "+st.name)
		}
		sections = append(sections, result.Content)
		applied = append(applied, st.name)
		sources = append(sources, result.Sources...)
		budget -= result.TokensEstimate
		used += result.TokensEstimate
	}

	systemPrompt := p.systemPrompt()
	userPrompt := strings.Join(sections, "\n\n")
	hash := ContextHash(systemPrompt, userPrompt)

	prompt := &AssembledPrompt{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		ContextHash:  hash,
		Metrics: Metrics{
			EstimatedTokens:    used,
			StagesApplied:      applied,
			CompressionApplied: compression,
			AssemblyMs:         time.Since(start).Milliseconds(),
		},
	}

	if p.opts.LogAssembly && p.store != nil {
		entry := &models.ContextAssemblyLog{
			TaskID:         task.ID,
			ProjectID:      project.ID,
			SourcesQueried: sources,
			SourceCount:    len(sources),
			TokensUsed:     used,
			TokenBudget:    p.opts.MaxContextTokens,
			Compression:    compression,
			StagesApplied:  applied,
			AssemblyMs:     prompt.Metrics.AssemblyMs,
			ContextHash:    hash,
		}
		if err := p.store.RecordAssemblyLog(ctx, entry); err != nil {
			log.Printf("[Enrich] record assembly log for %s: %v", task.ID, err)
		}
	}

	return prompt, nil
}

// ContextHash is a stable 16-hex digest over the full prompt.
func ContextHash(systemPrompt, userPrompt string) string {
	sum := sha256.Sum256([]byte(systemPrompt + "\n---\n" + userPrompt))
	return hex.EncodeToString(sum[:])[:16]
}

// EstimateTokens approximates the token count as ceil(chars/4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

func truncateToTokens(s string, tokens int) string {
	limit := tokens * 4
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func (p *Pipeline) systemPrompt() string {
	return strings.TrimSpace(`
You are an autonomous coding agent executing one task from a work queue.
Make the smallest correct change that satisfies the task, follow the
project's existing conventions, and run its tests when possible.
`)
}

// taskStage always contributes the task's own fields.
func (p *Pipeline) taskStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	var b strings.Builder
	b.WriteString("## Task\n\n")
	fmt.Fprintf(&b, "- ID: %s\n", task.ID)
	fmt.Fprintf(&b, "- Title: %s\n", task.Title)
	fmt.Fprintf(&b, "- Type: %s\n", task.Type)
	fmt.Fprintf(&b, "- Status: %s\n", task.Status)
	fmt.Fprintf(&b, "- Priority: %d\n", task.Priority)
	fmt.Fprintf(&b, "- Attempt: %d of %d\n", task.Attempts, task.MaxAttempts)
	if task.Description != "" {
		b.WriteString("\n### Description\n\n")
		b.WriteString(task.Description)
		b.WriteString("\n")
	}
	if len(task.AcceptanceCriteria) > 0 {
		b.WriteString("\n### Acceptance Criteria\n\n")
		for _, c := range task.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if task.EpicContext != "" {
		b.WriteString("\n### Epic Context\n\n")
		b.WriteString(task.EpicContext)
		b.WriteString("\n")
	}
	if task.LastFailureReason != "" {
		b.WriteString("\n### Previous Attempt Failed\n\n")
		b.WriteString(task.LastFailureReason)
		b.WriteString("\n")
	}
	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content)}
}

// projectStage always contributes the project's identity.
func (p *Pipeline) projectStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	var b strings.Builder
	b.WriteString("## Project\n\n")
	fmt.Fprintf(&b, "- Name: %s\n", project.Name)
	if project.Description != "" {
		fmt.Fprintf(&b, "- Description: %s\n", project.Description)
	}
	if len(project.TechStack) > 0 {
		fmt.Fprintf(&b, "- Tech stack: %s\n", strings.Join(project.TechStack, ", "))
	}
	if project.RepoPath != "" {
		fmt.Fprintf(&b, "- Repository: %s\n", project.RepoPath)
	}
	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content)}
}

// refinementStage always closes the prompt with the execution contract.
func (p *Pipeline) refinementStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	content := strings.TrimSpace(`
## Execution Contract

- Work only within the working directory you were started in.
- Do not modify files unrelated to this task.
- Follow the project's existing code style and conventions.
- Run the project's test suite before declaring completion when one exists.
- When the task is fully complete, print exactly this token on its own line:

  <promise>COMPLETE</promise>

- If you cannot proceed without a human decision, state the question
  clearly and stop instead of guessing.
`) + "\n"
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content)}
}

// MinimalPrompt is the fallback used when full assembly fails. It carries
// only the task fields and the completion-signal contract.
func MinimalPrompt(task *models.Bead, project *models.Project) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", task.ID, task.Title)
	if task.Description != "" {
		b.WriteString(task.Description)
		b.WriteString("\n\n")
	}
	if project != nil {
		fmt.Fprintf(&b, "Project: %s\n\n", project.Name)
	}
	b.WriteString("When the task is fully complete, print exactly this token on its own line:\n\n")
	b.WriteString("  <promise>COMPLETE</promise>\n")
	return b.String()
}
