package enrich

import (
	"regexp"
	"strings"
)

var (
	camelCaseRe = regexp.MustCompile(`\b[A-Z][a-z]+(?:[A-Z][a-z0-9]*)+\b|\b[a-z]+(?:[A-Z][a-z0-9]*)+\b`)
	snakeCaseRe = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+\b`)
	wordRe      = regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9_]{2,}\b`)
	pathRe      = regexp.MustCompile(`\b[\w./-]+\.(?:py|go|js|jsx|ts|tsx|rs|java|rb|c|h|cpp|hpp|cs|yaml|yml|json|toml|md|sql|sh|proto)\b`)
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "this": true,
	"that": true, "from": true, "should": true, "would": true, "could": true,
	"when": true, "then": true, "than": true, "them": true, "they": true,
	"have": true, "has": true, "had": true, "are": true, "was": true,
	"were": true, "will": true, "can": true, "not": true, "but": true,
	"all": true, "any": true, "into": true, "its": true, "also": true,
	"add": true, "use": true, "new": true, "make": true, "need": true,
	"task": true, "file": true, "files": true, "code": true, "test": true,
	"tests": true, "update": true, "create": true, "change": true,
	"implement": true, "support": true, "ensure": true, "instead": true,
}

// Keywords extracts the technical vocabulary of a task's text, used for
// reasoning-bank similarity and outcome records.
func Keywords(text string) []string {
	return extractTechnicalWords(text)
}

// extractKeywords pulls identifier-shaped keywords from free text:
// CamelCase and snake_case identifiers longer than two characters, minus
// stop words. Order follows first appearance; duplicates are dropped.
func extractKeywords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(word string) {
		lower := strings.ToLower(word)
		if len(word) <= 2 || stopWords[lower] || seen[lower] {
			return
		}
		seen[lower] = true
		out = append(out, word)
	}

	for _, m := range camelCaseRe.FindAllString(text, -1) {
		add(m)
	}
	for _, m := range snakeCaseRe.FindAllString(text, -1) {
		add(m)
	}
	return out
}

// extractTechnicalWords is the looser variant used for relevance scoring:
// every identifier-shaped word minus stop words, lowercased.
func extractTechnicalWords(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range wordRe.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if stopWords[lower] || seen[lower] {
			continue
		}
		seen[lower] = true
		out = append(out, lower)
	}
	return out
}

// extractPaths pulls file-path mentions out of free text.
func extractPaths(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range pathRe.FindAllString(text, -1) {
		if seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// wordSet lowercases and dedupes the words of a text for overlap scoring.
func wordSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRe.FindAllString(text, -1) {
		lower := strings.ToLower(w)
		if !stopWords[lower] {
			set[lower] = true
		}
	}
	return set
}

// overlapScore is |a ∩ b| / |a| with a as the reference set.
func overlapScore(a, b map[string]bool) float64 {
	if len(a) == 0 {
		return 0
	}
	matches := 0
	for w := range a {
		if b[w] {
			matches++
		}
	}
	return float64(matches) / float64(len(a))
}

// jaccard is |a ∩ b| / |a ∪ b| over keyword sets.
func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[strings.ToLower(w)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[strings.ToLower(w)] = true
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
