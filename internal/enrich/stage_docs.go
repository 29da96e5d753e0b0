package enrich

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

var readmeCandidates = []string{"README.md", "README.rst", "README.txt", "README", "readme.md"}

var conventionCandidates = []string{
	"CONVENTIONS.md", "STYLE.md", "STYLEGUIDE.md", "CONTRIBUTING.md",
	"docs/conventions.md", "docs/style.md",
}

var adrDirs = []string{
	"docs/adr", "docs/adrs", "docs/decisions", "docs/architecture/decisions",
	"adr", "decisions",
}

var apiKeywords = []string{"api", "endpoint", "route", "rest", "http", "request", "response", "graphql", "webhook"}

var architectureKeywords = []string{"architecture", "design", "refactor", "structure", "module", "component", "system", "migration"}

const adrRelevanceThreshold = 0.3

// docsStage contributes README and convention files always, ADRs by
// relevance, and API/architecture docs when the task text calls for them.
func (p *Pipeline) docsStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if project.RepoPath == "" {
		return nil
	}
	root := project.RepoPath
	taskText := strings.ToLower(task.Title + " " + task.Description)
	taskWords := wordSet(task.Title + " " + task.Description)

	var b strings.Builder
	b.WriteString("## Documentation\n\n")
	var sources []string

	include := func(rel string, maxLines int) {
		content, truncated := readFileCapped(filepath.Join(root, rel), maxLines)
		if strings.TrimSpace(content) == "" {
			return
		}
		fmt.Fprintf(&b, "### %s\n\n%s\n", rel, strings.TrimRight(content, "\n"))
		if truncated {
			fmt.Fprintf(&b, "\n_(truncated to first %d lines)_\n", maxLines)
		}
		b.WriteString("\n")
		sources = append(sources, "doc:"+rel)
	}

	for _, name := range readmeCandidates {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			include(name, 200)
			break
		}
	}
	for _, name := range conventionCandidates {
		if _, err := os.Stat(filepath.Join(root, name)); err == nil {
			include(name, 150)
		}
	}

	for _, rel := range relevantADRs(root, taskWords) {
		include(rel, 120)
	}

	if matchesAny(taskText, apiKeywords) {
		for _, rel := range findDocsMatching(root, []string{"api", "openapi", "swagger"}) {
			include(rel, 150)
		}
	}
	if matchesAny(taskText, architectureKeywords) {
		for _, rel := range findDocsMatching(root, []string{"architecture", "design"}) {
			include(rel, 150)
		}
	}

	if len(sources) == 0 {
		return nil
	}
	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content), Sources: sources}
}

// relevantADRs scores each ADR by filename overlap, content-keyword
// overlap, and title overlap against the task words.
func relevantADRs(root string, taskWords map[string]bool) []string {
	var out []string
	for _, dir := range adrDirs {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			rel := filepath.Join(dir, e.Name())
			if adrRelevance(root, rel, taskWords) >= adrRelevanceThreshold {
				out = append(out, rel)
			}
		}
	}
	return out
}

func adrRelevance(root, rel string, taskWords map[string]bool) float64 {
	nameWords := wordSet(strings.ReplaceAll(strings.TrimSuffix(filepath.Base(rel), ".md"), "-", " "))
	score := 0.5 * overlapScore(nameWords, taskWords)

	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return score
	}
	content := string(data)
	score += 0.3 * overlapScore(taskWords, wordSet(content))

	// First markdown heading is the ADR title.
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			score += 0.2 * overlapScore(wordSet(line), taskWords)
			break
		}
	}
	return score
}

// findDocsMatching returns docs/ files whose name contains any pattern.
func findDocsMatching(root string, patterns []string) []string {
	var out []string
	for _, dir := range []string{"docs", "doc", "."} {
		entries, err := os.ReadDir(filepath.Join(root, dir))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			lower := strings.ToLower(e.Name())
			if !strings.HasSuffix(lower, ".md") && !strings.HasSuffix(lower, ".yaml") && !strings.HasSuffix(lower, ".yml") && !strings.HasSuffix(lower, ".json") {
				continue
			}
			for _, pat := range patterns {
				if strings.Contains(lower, pat) {
					rel := e.Name()
					if dir != "." {
						rel = filepath.Join(dir, e.Name())
					}
					out = append(out, rel)
					break
				}
			}
		}
	}
	return out
}

func matchesAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}
