package enrich

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

var deployStrongKeywords = []string{
	"deploy", "deployment", "docker", "kubernetes", "k8s", "helm",
	"container", "ci/cd", "pipeline", "infra", "infrastructure",
	"terraform", "compose", "manifest", "ingress", "environment variable",
}

var deployMediumKeywords = []string{
	"config", "configuration", "env", "release", "build", "publish",
	"workflow", "secret", "service", "port", "hosting",
}

const deployRelevanceThreshold = 0.3

// deployStage contributes deployment configuration when the task is
// deployment-flavored. Every file passes through secret redaction before
// inclusion.
func (p *Pipeline) deployStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if project.RepoPath == "" {
		return nil
	}
	if deployRelevance(task.Title+" "+task.Description) < deployRelevanceThreshold {
		return nil
	}

	var b strings.Builder
	b.WriteString("## Deployment Context\n\n")
	var sources []string

	include := func(rel string) {
		data, err := os.ReadFile(filepath.Join(project.RepoPath, rel))
		if err != nil {
			return
		}
		redacted := RedactFile(rel, string(data))
		fmt.Fprintf(&b, "### %s\n\n```\n%s\n```\n%s\n\n", rel, strings.TrimRight(redacted, "\n"), redactionNote(rel))
		sources = append(sources, "deploy:"+rel)
	}

	for _, rel := range findDeployFiles(project.RepoPath) {
		include(rel)
	}

	if len(sources) == 0 {
		return nil
	}
	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content), Sources: sources}
}

// deployRelevance scores task text against the keyword lists: strong hits
// are worth 0.3, medium hits 0.15, capped at 1.0.
func deployRelevance(taskText string) float64 {
	lower := strings.ToLower(taskText)
	score := 0.0
	for _, kw := range deployStrongKeywords {
		if strings.Contains(lower, kw) {
			score += 0.3
		}
	}
	for _, kw := range deployMediumKeywords {
		if strings.Contains(lower, kw) {
			score += 0.15
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

var k8sDirs = []string{"k8s", "kubernetes", "deploy", "deployment", "manifests", "infra"}

// findDeployFiles collects env files, compose files, K8s manifests, Helm
// values, and CI workflow files relative to the repo root.
func findDeployFiles(root string) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(rel string) {
		if !seen[rel] {
			seen[rel] = true
			out = append(out, rel)
		}
	}

	entries, _ := os.ReadDir(root)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		switch {
		case strings.HasPrefix(name, ".env"):
			add(name)
		case strings.HasPrefix(name, "docker-compose") || strings.HasPrefix(name, "compose."):
			add(name)
		}
	}

	// K8s manifests: YAML with both kind: and apiVersion: under the
	// well-known directories.
	for _, dir := range k8sDirs {
		files, _ := os.ReadDir(filepath.Join(root, dir))
		for _, e := range files {
			if e.IsDir() || !isYAML(e.Name()) {
				continue
			}
			rel := filepath.Join(dir, e.Name())
			data, err := os.ReadFile(filepath.Join(root, rel))
			if err != nil {
				continue
			}
			content := string(data)
			if strings.Contains(content, "kind:") && strings.Contains(content, "apiVersion:") {
				add(rel)
			}
		}
	}

	// Helm values.
	matches, _ := filepath.Glob(filepath.Join(root, "*", "values*.yaml"))
	for _, m := range matches {
		if rel, err := filepath.Rel(root, m); err == nil {
			add(rel)
		}
	}
	matches, _ = filepath.Glob(filepath.Join(root, "values*.yaml"))
	for _, m := range matches {
		if rel, err := filepath.Rel(root, m); err == nil {
			add(rel)
		}
	}

	// CI workflows.
	for _, dir := range []string{".github/workflows", ".gitlab-ci", ".circleci"} {
		files, _ := os.ReadDir(filepath.Join(root, dir))
		for _, e := range files {
			if !e.IsDir() && isYAML(e.Name()) {
				add(filepath.Join(dir, e.Name()))
			}
		}
	}
	if _, err := os.Stat(filepath.Join(root, ".gitlab-ci.yml")); err == nil {
		add(".gitlab-ci.yml")
	}

	return out
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
