package enrich

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RedactedValue replaces every secret value surfaced to a worker.
const RedactedValue = "<REDACTED>"

var secretKeyRe = regexp.MustCompile(`(?i)(password|secret|api[_-]?key|access[_-]?key|private[_-]?key|token|credential|auth|bearer|jwt|connection[_-]?string|database[_-]?url)`)

// isSecretKey reports whether a config key's value must be redacted.
func isSecretKey(key string) bool {
	return secretKeyRe.MatchString(key)
}

var envLineRe = regexp.MustCompile(`^(\s*(?:export\s+)?)([A-Za-z_][A-Za-z0-9_.-]*)(\s*[=:]\s*)(.*)$`)

// RedactEnv redacts values of secret-named keys in KEY=value files
// (.env, compose env blocks). Already-redacted values stay untouched, so
// the operation is idempotent.
func RedactEnv(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		m := envLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if isSecretKey(m[2]) && strings.TrimSpace(m[4]) != "" {
			lines[i] = m[1] + m[2] + m[3] + RedactedValue
		}
	}
	return strings.Join(lines, "\n")
}

// RedactYAML parses YAML and redacts values under secret-named keys
// anywhere in the tree. When the document does not parse, it falls back
// to line-by-line redaction.
func RedactYAML(content string) string {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(content), &doc); err != nil || len(doc.Content) == 0 {
		return RedactEnv(content)
	}
	for _, root := range doc.Content {
		redactYAMLNode(root)
	}
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return RedactEnv(content)
	}
	return string(out)
}

func redactYAMLNode(node *yaml.Node) {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key, val := node.Content[i], node.Content[i+1]
			if isSecretKey(key.Value) && val.Kind == yaml.ScalarNode && val.Value != "" {
				val.Value = RedactedValue
				val.Tag = "!!str"
				val.Style = 0
				continue
			}
			redactYAMLNode(val)
		}
	case yaml.SequenceNode:
		for _, child := range node.Content {
			redactYAMLNode(child)
		}
	}
}

// RedactFile picks the redaction strategy from the filename.
func RedactFile(name, content string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return RedactYAML(content)
	}
	return RedactEnv(content)
}

// redactionNote marks redacted files in assembled context.
func redactionNote(name string) string {
	return fmt.Sprintf("_(secrets in %s redacted)_", name)
}
