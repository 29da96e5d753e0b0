package enrich

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

const (
	researchThreshold  = 0.3
	researchMaxResults = 3
)

// researchStage surfaces completed tasks similar to the current one so
// the worker can reuse prior approaches.
func (p *Pipeline) researchStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if p.store == nil {
		return nil
	}
	completed, err := p.store.CompletedTasksWithOutput(ctx, project.ID, 100)
	if err != nil {
		log.Printf("[Enrich] research stage for %s: %v", task.ID, err)
		return nil
	}
	if len(completed) == 0 {
		return nil
	}

	taskKeywords := extractTechnicalWords(task.Title + " " + task.Description)
	titleWords := wordSet(task.Title)

	type match struct {
		bead  *models.Bead
		score float64
	}
	var matches []match
	for _, done := range completed {
		if done.ID == task.ID {
			continue
		}
		doneKeywords := extractTechnicalWords(done.Title + " " + done.Description)
		score := jaccard(taskKeywords, doneKeywords) + 0.5*overlapScore(titleWords, wordSet(done.Title))
		if score >= researchThreshold {
			matches = append(matches, match{bead: done, score: score})
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].score > matches[j].score })
	if len(matches) > researchMaxResults {
		matches = matches[:researchMaxResults]
	}

	var b strings.Builder
	b.WriteString("## Similar Completed Tasks\n\n")
	var sources []string
	for _, m := range matches {
		fmt.Fprintf(&b, "### %s (relevance %.0f%%)\n\n", m.bead.Title, m.score*100)
		body := m.bead.Description
		if out := readSessionSummary(m.bead); out != "" {
			body = out
		}
		if body != "" {
			b.WriteString(strings.TrimSpace(body))
			b.WriteString("\n\n")
		}
		sources = append(sources, "task:"+m.bead.ID)
	}

	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content), Sources: sources}
}

// readSessionSummary returns the tail of a completed task's output log,
// preferred over its description when present.
func readSessionSummary(b *models.Bead) string {
	if b.OutputPath == "" {
		return ""
	}
	content, _ := readFileCapped(b.OutputPath, 0)
	if content == "" {
		return ""
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) > 20 {
		lines = lines[len(lines)-20:]
	}
	return strings.Join(lines, "\n")
}
