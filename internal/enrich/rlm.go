package enrich

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

// SummarizerParams tunes the recursive history summarizer.
type SummarizerParams struct {
	RecentVerbatim   int
	SummaryThreshold int
	ChunkSize        int
	MaxContextTokens int
}

// SummarizerDefaults returns the standard parameters.
func SummarizerDefaults() SummarizerParams {
	return SummarizerParams{
		RecentVerbatim:   10,
		SummaryThreshold: 20,
		ChunkSize:        10,
		MaxContextTokens: 4000,
	}
}

// Summarizer compresses long chat histories into stored range summaries,
// keeping only the most recent messages verbatim.
type Summarizer struct {
	store  HistoryStore
	params SummarizerParams
}

// NewSummarizer creates a summarizer over the given store.
func NewSummarizer(store HistoryStore, params SummarizerParams) *Summarizer {
	if params.RecentVerbatim <= 0 {
		params = SummarizerDefaults()
	}
	return &Summarizer{store: store, params: params}
}

var (
	questionRe   = regexp.MustCompile(`(?m)^([^.!\n]{10,120}\?)`)
	actionRe     = regexp.MustCompile(`\b(created|updated|modified|deleted|added|removed)\s+(\S+)`)
	actionWordRe = regexp.MustCompile(`\b(fixed|implemented|resolved)\s+(\w+)`)
	decisionRes  = []*regexp.Regexp{
		regexp.MustCompile(`(?i)decided to ([^.\n]+)`),
		regexp.MustCompile(`(?i)we(?:'ll| will) use ([^.\n]+)`),
		regexp.MustCompile(`(?i)going with ([^.\n]+)`),
		regexp.MustCompile(`(?i)choice: ([^.\n]+)`),
		regexp.MustCompile(`(?i)decision: ([^.\n]+)`),
	}
)

const (
	maxKeyDecisions   = 15
	maxDecisionLength = 150
)

// Summarize builds the conversation-history block for a project (or a
// task scope within it), writing new range summaries as needed. Returns
// "" when there is no history.
func (s *Summarizer) Summarize(ctx context.Context, projectID string, taskID *string) (string, error) {
	if s.store == nil {
		return "", nil
	}
	total, err := s.store.CountMessages(ctx, projectID, taskID)
	if err != nil {
		return "", fmt.Errorf("count messages: %w", err)
	}
	if total == 0 {
		return "", nil
	}

	recent, err := s.store.GetRecentMessages(ctx, projectID, taskID, s.params.RecentVerbatim)
	if err != nil {
		return "", fmt.Errorf("recent messages: %w", err)
	}
	summaries, err := s.store.GetSummaries(ctx, projectID, taskID)
	if err != nil {
		return "", fmt.Errorf("summaries: %w", err)
	}

	// Compress the uncovered middle range when the history has outgrown
	// the verbatim window.
	if total > s.params.SummaryThreshold && len(recent) > 0 {
		var coveredEnd int64
		for _, sum := range summaries {
			if sum.EndID > coveredEnd {
				coveredEnd = sum.EndID
			}
		}
		firstRecent := recent[0].ID
		if coveredEnd+1 < firstRecent {
			fresh, err := s.compressRange(ctx, projectID, taskID, coveredEnd+1, firstRecent-1)
			if err != nil {
				log.Printf("[RLM] compress range [%d,%d]: %v", coveredEnd+1, firstRecent-1, err)
			} else {
				summaries = append(summaries, fresh...)
			}
		}
	}

	return s.render(summaries, recent), nil
}

// compressRange summarizes messages in [start,end] in chunks, persisting
// each chunk's summary.
func (s *Summarizer) compressRange(ctx context.Context, projectID string, taskID *string, start, end int64) ([]*models.Summary, error) {
	msgs, err := s.store.GetMessageRange(ctx, projectID, taskID, start, end)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	var out []*models.Summary
	for i := 0; i < len(msgs); i += s.params.ChunkSize {
		j := i + s.params.ChunkSize
		if j > len(msgs) {
			j = len(msgs)
		}
		chunk := msgs[i:j]
		sum := summarizeChunk(projectID, taskID, chunk)
		if err := s.store.AddSummary(ctx, sum); err != nil {
			return out, fmt.Errorf("store summary [%d,%d]: %w", sum.StartID, sum.EndID, err)
		}
		out = append(out, sum)
	}
	return out, nil
}

// summarizeChunk extracts file paths, user questions, assistant actions,
// and key decisions from a chunk of messages.
func summarizeChunk(projectID string, taskID *string, chunk []*models.ChatMessage) *models.Summary {
	var paths, questions, actions []string
	var decisions []string
	seenDecision := make(map[string]bool)

	for _, m := range chunk {
		paths = append(paths, extractPaths(m.Content)...)

		if m.Role == models.ChatRoleUser {
			for _, q := range questionRe.FindAllString(m.Content, -1) {
				questions = append(questions, strings.TrimSpace(q))
			}
		}
		if m.Role == models.ChatRoleAssistant {
			for _, a := range actionRe.FindAllStringSubmatch(m.Content, -1) {
				actions = append(actions, a[1]+" "+a[2])
			}
			for _, a := range actionWordRe.FindAllStringSubmatch(m.Content, -1) {
				actions = append(actions, a[1]+" "+a[2])
			}
		}
		for _, re := range decisionRes {
			for _, d := range re.FindAllStringSubmatch(m.Content, -1) {
				text := strings.TrimSpace(d[0])
				if len(text) > maxDecisionLength {
					text = text[:maxDecisionLength]
				}
				if !seenDecision[text] && len(decisions) < maxKeyDecisions {
					seenDecision[text] = true
					decisions = append(decisions, text)
				}
			}
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Messages %d-%d:", chunk[0].ID, chunk[len(chunk)-1].ID)
	if len(questions) > 0 {
		b.WriteString(" Questions: " + strings.Join(dedupe(questions, 5), " | ") + ".")
	}
	if len(actions) > 0 {
		b.WriteString(" Actions: " + strings.Join(dedupe(actions, 10), ", ") + ".")
	}
	if len(paths) > 0 {
		b.WriteString(" Files: " + strings.Join(dedupe(paths, 10), ", ") + ".")
	}
	text := b.String()

	return &models.Summary{
		ProjectID:    projectID,
		TaskID:       taskID,
		StartID:      chunk[0].ID,
		EndID:        chunk[len(chunk)-1].ID,
		Text:         text,
		KeyDecisions: decisions,
		TokenCount:   EstimateTokens(text),
	}
}

// render produces the markdown history block, trimmed to the summarizer's
// token budget.
func (s *Summarizer) render(summaries []*models.Summary, recent []*models.ChatMessage) string {
	var b strings.Builder
	b.WriteString("## Conversation History\n")

	var decisions []string
	seen := make(map[string]bool)
	for _, sum := range summaries {
		for _, d := range sum.KeyDecisions {
			if !seen[d] && len(decisions) < maxKeyDecisions {
				seen[d] = true
				decisions = append(decisions, d)
			}
		}
	}
	if len(decisions) > 0 {
		b.WriteString("\n### Key Decisions\n\n")
		for _, d := range decisions {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	if len(summaries) > 0 {
		b.WriteString("\n### Summary of Earlier Discussion\n\n")
		for _, sum := range summaries {
			fmt.Fprintf(&b, "- %s\n", sum.Text)
		}
	}

	if len(recent) > 0 {
		b.WriteString("\n### Recent Messages\n\n")
		for _, m := range recent {
			fmt.Fprintf(&b, "**%s**: %s\n\n", m.Role, m.Content)
		}
	}

	out := b.String()
	if EstimateTokens(out) > s.params.MaxContextTokens {
		out = truncateToTokens(out, s.params.MaxContextTokens)
	}
	return out
}

// historyStage delegates to the summarizer when chat history exists.
// Messages scoped to the task take precedence; the project-wide
// conversation is the fallback.
func (p *Pipeline) historyStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if p.store == nil {
		return nil
	}
	source := "chat:" + project.ID + "/" + task.ID
	content, err := p.rlm.Summarize(ctx, project.ID, &task.ID)
	if err != nil {
		log.Printf("[Enrich] history stage for %s: %v", task.ID, err)
		return nil
	}
	if content == "" {
		source = "chat:" + project.ID
		content, err = p.rlm.Summarize(ctx, project.ID, nil)
		if err != nil {
			log.Printf("[Enrich] history stage for %s: %v", task.ID, err)
			return nil
		}
	}
	if content == "" {
		return nil
	}
	return &StageResult{
		Content:        content,
		TokensEstimate: EstimateTokens(content),
		Sources:        []string{source},
	}
}

func dedupe(items []string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
		if len(out) >= limit {
			break
		}
	}
	return out
}
