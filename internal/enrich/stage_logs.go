package enrich

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedarden/ringmaster/internal/logging"
	"github.com/jedarden/ringmaster/pkg/models"
)

var debugKeywords = []string{
	"fix", "debug", "investigate", "error", "bug", "crash", "fail",
	"broken", "exception", "performance", "slow", "leak", "timeout",
	"regression", "flaky",
}

// logsStage contributes recent error logs when the task looks like
// debugging work.
func (p *Pipeline) logsStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if p.logs == nil {
		return nil
	}
	if !matchesAny(strings.ToLower(task.Title+" "+task.Description), debugKeywords) {
		return nil
	}

	since := time.Now().Add(-24 * time.Hour)

	taskLogs := p.logs.GetRecent(50, logging.Filter{TaskID: task.ID})
	errorLogs := p.logs.GetRecent(50, logging.Filter{
		ProjectID: project.ID,
		Level:     logging.LevelError,
		Since:     since,
	})

	seen := make(map[string]bool)
	var entries []logging.Entry
	for _, e := range append(taskLogs, errorLogs...) {
		key := e.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("## Recent Logs\n\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s %s: %s\n", e.Level, e.Timestamp.Format(time.RFC3339), e.Source, e.Message)
		if trace, ok := e.Metadata["stack_trace"].(string); ok && trace != "" {
			fmt.Fprintf(&b, "\n```\n%s\n```\n", strings.TrimRight(trace, "\n"))
		}
		if detail, ok := e.Metadata["error"].(string); ok && detail != "" {
			fmt.Fprintf(&b, "  - error: %s\n", detail)
		}
	}

	content := b.String()
	return &StageResult{
		Content:        content,
		TokensEstimate: EstimateTokens(content),
		Sources:        []string{"logs:" + project.ID},
	}
}
