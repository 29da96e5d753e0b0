package queue

import (
	"fmt"
	"strings"

	"github.com/jedarden/ringmaster/pkg/models"
)

// Complexity buckets a task's estimated difficulty.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// ModelTier names the class of model a task should run on.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierBalanced ModelTier = "balanced"
	TierPowerful ModelTier = "powerful"
)

// RoutingDecision is the outcome of complexity scoring.
type RoutingDecision struct {
	Complexity Complexity `json:"complexity"`
	Tier       ModelTier  `json:"tier"`
	Models     []string   `json:"models"`
	Reasoning  string     `json:"reasoning"`
}

var simpleKeywords = []string{
	"typo", "rename", "comment", "doc", "readme", "format", "lint",
	"bump", "version", "copy", "string", "label",
}

var complexKeywords = []string{
	"architecture", "refactor", "redesign", "migration", "concurrency",
	"race", "distributed", "protocol", "algorithm", "performance",
	"security", "encryption", "schema",
}

// tierModels maps each worker type to its model suggestions per tier,
// strongest first within the tier.
var tierModels = map[models.WorkerType]map[ModelTier][]string{
	models.WorkerTypeClaudeCode: {
		TierFast:     {"claude-haiku"},
		TierBalanced: {"claude-sonnet"},
		TierPowerful: {"claude-opus", "claude-sonnet"},
	},
	models.WorkerTypeAider: {
		TierFast:     {"gpt-4o-mini"},
		TierBalanced: {"gpt-4o"},
		TierPowerful: {"o1", "gpt-4o"},
	},
	models.WorkerTypeCodex: {
		TierFast:     {"gpt-4o-mini"},
		TierBalanced: {"gpt-4o"},
		TierPowerful: {"o1"},
	},
	models.WorkerTypeGoose: {
		TierFast:     {"gpt-4o-mini"},
		TierBalanced: {"gpt-4o"},
		TierPowerful: {"o1"},
	},
	models.WorkerTypeGeneric: {
		TierFast:     {"default"},
		TierBalanced: {"default"},
		TierPowerful: {"default"},
	},
}

// RouteTask scores a task's complexity from deterministic signals and
// suggests models for the given worker type. preferredModel, when set and
// known, is moved to the front of the suggestions.
func RouteTask(task *models.Bead, fileCount, dependencyCount int, workerType models.WorkerType, preferredModel string) RoutingDecision {
	score := 0
	var reasons []string

	if fileCount > 5 {
		score += 2
		reasons = append(reasons, fmt.Sprintf("%d files touched", fileCount))
	} else if fileCount > 2 {
		score++
		reasons = append(reasons, fmt.Sprintf("%d files touched", fileCount))
	}

	if dependencyCount > 3 {
		score += 2
		reasons = append(reasons, fmt.Sprintf("%d dependencies", dependencyCount))
	} else if dependencyCount > 0 {
		score++
		reasons = append(reasons, fmt.Sprintf("%d dependencies", dependencyCount))
	}

	if len(task.Description) > 1000 {
		score += 2
		reasons = append(reasons, "long description")
	} else if len(task.Description) > 300 {
		score++
	}

	text := strings.ToLower(task.Title + " " + task.Description)
	for _, kw := range complexKeywords {
		if strings.Contains(text, kw) {
			score += 2
			reasons = append(reasons, "complex keyword: "+kw)
			break
		}
	}
	for _, kw := range simpleKeywords {
		if strings.Contains(text, kw) {
			score -= 2
			reasons = append(reasons, "simple keyword: "+kw)
			break
		}
	}

	if task.Type == models.BeadTypeEpic {
		score += 3
		reasons = append(reasons, "epic")
	}
	if task.Type == models.BeadTypeSubtask {
		score--
		reasons = append(reasons, "subtask")
	}
	if task.Priority == models.PriorityP0 || task.OnCriticalPath {
		score++
		reasons = append(reasons, "critical")
	}

	var complexity Complexity
	var tier ModelTier
	switch {
	case score <= 0:
		complexity, tier = ComplexitySimple, TierFast
	case score <= 3:
		complexity, tier = ComplexityModerate, TierBalanced
	default:
		complexity, tier = ComplexityComplex, TierPowerful
	}

	suggestions := tierModels[workerType][tier]
	if len(suggestions) == 0 {
		suggestions = tierModels[models.WorkerTypeGeneric][tier]
	}
	out := append([]string(nil), suggestions...)
	if preferredModel != "" {
		reordered := []string{preferredModel}
		for _, m := range out {
			if m != preferredModel {
				reordered = append(reordered, m)
			}
		}
		out = reordered
	}

	reasoning := "score " + fmt.Sprint(score)
	if len(reasons) > 0 {
		reasoning += ": " + strings.Join(reasons, ", ")
	}

	return RoutingDecision{
		Complexity: complexity,
		Tier:       tier,
		Models:     out,
		Reasoning:  reasoning,
	}
}
