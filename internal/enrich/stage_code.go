package enrich

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

var skipDirs = map[string]bool{
	".git": true, "__pycache__": true, "node_modules": true, ".venv": true,
	"target": true, "dist": true, "build": true, ".next": true, "coverage": true,
}

var sourceSuffixes = map[string]bool{
	".py": true, ".go": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".rs": true, ".java": true, ".rb": true, ".c": true,
	".h": true, ".cpp": true, ".hpp": true, ".cs": true, ".sql": true,
	".sh": true, ".proto": true,
}

type scoredFile struct {
	path      string // relative to repo root
	relevance float64
	reason    string
}

// codeStage selects the most relevant source files by explicit mention,
// keyword scoring, and import tracing, then packs them greedily into the
// remaining budget.
func (p *Pipeline) codeStage(ctx context.Context, task *models.Bead, project *models.Project, budget int) *StageResult {
	if project.RepoPath == "" {
		return nil
	}
	files := listSourceFiles(project.RepoPath)
	if len(files) == 0 {
		return nil
	}

	taskText := task.Title + " " + task.Description
	scored := scoreFiles(project.RepoPath, files, taskText)
	if len(scored) == 0 {
		return nil
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].relevance != scored[j].relevance {
			return scored[i].relevance > scored[j].relevance
		}
		return scored[i].path < scored[j].path
	})
	if len(scored) > p.opts.MaxFiles {
		scored = scored[:p.opts.MaxFiles]
	}

	var b strings.Builder
	b.WriteString("## Relevant Code\n\n")
	remaining := budget - EstimateTokens(b.String())
	var sources []string

	for _, sf := range scored {
		if remaining <= 0 {
			break
		}
		content, truncatedLines := readFileCapped(filepath.Join(project.RepoPath, sf.path), p.opts.MaxFileLines)
		if content == "" {
			continue
		}
		section := fmt.Sprintf("### %s (relevance %.2f, %s)\n\n```\n%s\n```\n", sf.path, sf.relevance, sf.reason, content)
		if truncatedLines {
			section += fmt.Sprintf("_(truncated to first %d lines)_\n", p.opts.MaxFileLines)
		}
		tokens := EstimateTokens(section)
		if tokens > remaining {
			// Partially include the last file only when a meaningful
			// amount of budget is left.
			if remaining >= 500 {
				section = truncateToTokens(section, remaining) + "\n```\n_(truncated to fit context budget)_\n"
				tokens = EstimateTokens(section)
			} else {
				break
			}
		}
		b.WriteString(section)
		b.WriteString("\n")
		sources = append(sources, "file:"+sf.path)
		remaining -= tokens
	}

	if len(sources) == 0 {
		return nil
	}
	content := b.String()
	return &StageResult{Content: content, TokensEstimate: EstimateTokens(content), Sources: sources}
}

func listSourceFiles(root string) []string {
	var files []string
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceSuffixes[filepath.Ext(path)] {
			if rel, err := filepath.Rel(root, path); err == nil {
				files = append(files, rel)
			}
		}
		return nil
	})
	return files
}

func scoreFiles(root string, files []string, taskText string) []scoredFile {
	byPath := make(map[string]*scoredFile)

	// Explicit path mentions win outright.
	explicit := resolveExplicitMentions(files, taskText)
	for _, path := range explicit {
		byPath[path] = &scoredFile{path: path, relevance: 1.0, reason: "explicit_mention"}
	}

	// Keyword scoring for everything else.
	keywords := extractKeywords(taskText)
	if len(keywords) > 0 {
		for _, path := range files {
			if _, ok := byPath[path]; ok {
				continue
			}
			score, reason := keywordScore(filepath.Join(root, path), path, keywords)
			if score > 0 {
				byPath[path] = &scoredFile{path: path, relevance: score, reason: reason}
			}
		}
	}

	// The strongest explicit files pull in their local imports.
	limit := len(explicit)
	if limit > 3 {
		limit = 3
	}
	for _, path := range explicit[:limit] {
		for _, dep := range traceImports(root, path, files) {
			if _, ok := byPath[dep]; !ok {
				byPath[dep] = &scoredFile{path: dep, relevance: 0.7, reason: "import_dependency"}
			}
		}
	}

	out := make([]scoredFile, 0, len(byPath))
	for _, sf := range byPath {
		out = append(out, *sf)
	}
	return out
}

// resolveExplicitMentions matches literal paths and module-dotted names
// (a.b.c resolving to src/a/b/c.py or a/b/c.py) against the file list.
func resolveExplicitMentions(files []string, taskText string) []string {
	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[filepath.ToSlash(f)] = true
	}

	seen := make(map[string]bool)
	var out []string
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			out = append(out, path)
		}
	}

	for _, mention := range extractPaths(taskText) {
		mention = filepath.ToSlash(mention)
		if fileSet[mention] {
			add(mention)
			continue
		}
		// A mentioned basename that matches exactly one file counts too.
		var match string
		for f := range fileSet {
			if strings.HasSuffix(f, "/"+mention) || f == mention {
				if match != "" {
					match = ""
					break
				}
				match = f
			}
		}
		if match != "" {
			add(match)
		}
	}

	// Module-dotted names: pkg.sub.mod → src/pkg/sub/mod.py etc.
	for _, m := range regexp.MustCompile(`\b[a-z_][a-z0-9_]*(?:\.[a-z_][a-z0-9_]*)+\b`).FindAllString(taskText, -1) {
		rel := strings.ReplaceAll(m, ".", "/")
		for _, candidate := range []string{"src/" + rel + ".py", rel + ".py"} {
			if fileSet[candidate] {
				add(candidate)
			}
		}
	}
	return out
}

func keywordScore(absPath, relPath string, keywords []string) (float64, string) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return 0, ""
	}
	content := strings.ToLower(string(data))
	stem := strings.ToLower(strings.TrimSuffix(filepath.Base(relPath), filepath.Ext(relPath)))

	score := 0.0
	matched := false
	for _, kw := range keywords {
		lower := strings.ToLower(kw)
		occurrences := strings.Count(content, lower)
		if occurrences > 0 {
			if !matched {
				score = 0.3
				matched = true
			}
			score += 0.1 * float64(occurrences)
			if score > 0.9 {
				score = 0.9
			}
		}
		if strings.Contains(stem, lower) {
			if !matched {
				score = 0.3
				matched = true
			}
			score += 0.2
			if score > 0.95 {
				score = 0.95
			}
		}
	}
	if !matched {
		return 0, ""
	}
	return score, "keyword_match"
}

var (
	pyImportRe = regexp.MustCompile(`(?m)^\s*from\s+([\w.]+)\s+import\b`)
	jsImportRe = regexp.MustCompile(`(?m)import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
)

// traceImports resolves a file's local imports back to files in the repo.
func traceImports(root, path string, files []string) []string {
	data, err := os.ReadFile(filepath.Join(root, path))
	if err != nil {
		return nil
	}
	fileSet := make(map[string]bool, len(files))
	for _, f := range files {
		fileSet[filepath.ToSlash(f)] = true
	}

	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if fileSet[p] && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	switch filepath.Ext(path) {
	case ".py":
		for _, m := range pyImportRe.FindAllStringSubmatch(string(data), -1) {
			rel := strings.ReplaceAll(m[1], ".", "/")
			add("src/" + rel + ".py")
			add(rel + ".py")
			add("src/" + rel + "/__init__.py")
		}
	case ".js", ".jsx", ".ts", ".tsx":
		dir := filepath.ToSlash(filepath.Dir(path))
		for _, m := range jsImportRe.FindAllStringSubmatch(string(data), -1) {
			spec := m[1]
			if !strings.HasPrefix(spec, ".") {
				continue
			}
			base := filepath.ToSlash(filepath.Clean(dir + "/" + spec))
			for _, ext := range []string{"", ".js", ".jsx", ".ts", ".tsx", "/index.js", "/index.ts"} {
				add(base + ext)
			}
		}
	}
	return out
}

// readFileCapped reads a file up to maxLines lines.
func readFileCapped(path string, maxLines int) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	lines := strings.Split(string(data), "\n")
	if maxLines > 0 && len(lines) > maxLines {
		return strings.Join(lines[:maxLines], "\n"), true
	}
	return string(data), false
}
