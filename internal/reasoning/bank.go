// Package reasoning is the bank of past task outcomes. It answers
// similarity queries for prompt enrichment and routing, and tracks model
// and worker success rates.
package reasoning

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"

	"github.com/jedarden/ringmaster/pkg/models"
)

// Store is the slice of persistence the bank needs.
type Store interface {
	RecordTaskOutcome(ctx context.Context, o *models.TaskOutcome) error
	ListTaskOutcomes(ctx context.Context, projectID string, limit int) ([]*models.TaskOutcome, error)
}

// Match pairs an outcome with its similarity score.
type Match struct {
	Outcome *models.TaskOutcome `json:"outcome"`
	Score   float64             `json:"score"`
}

// ModelStats aggregates per-model results.
type ModelStats struct {
	Total       int     `json:"total"`
	Success     int     `json:"success"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats is the bank-wide aggregate.
type Stats struct {
	TotalOutcomes   int     `json:"total_outcomes"`
	Successes       int     `json:"successes"`
	Failures        int     `json:"failures"`
	SuccessRate     float64 `json:"success_rate"`
	MeanIterations  float64 `json:"mean_iterations"`
	MeanDurationSec float64 `json:"mean_duration_seconds"`
}

const (
	// DefaultMinSimilarity is the find-similar cutoff.
	DefaultMinSimilarity = 0.3
	// DefaultMinSamples guards success-rate reporting against noise.
	DefaultMinSamples = 3

	loadLimit = 2000
)

// Bank keeps a cached window of recent outcomes over the store.
type Bank struct {
	store Store

	mu       sync.RWMutex
	outcomes []*models.TaskOutcome
	loaded   bool
}

// New creates a bank. The outcome window loads lazily on first use.
func New(store Store) *Bank {
	return &Bank{store: store}
}

// Record persists an outcome and folds it into the cached window.
func (b *Bank) Record(ctx context.Context, o *models.TaskOutcome) error {
	if err := b.store.RecordTaskOutcome(ctx, o); err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	b.mu.Lock()
	b.outcomes = append([]*models.TaskOutcome{o}, b.outcomes...)
	if len(b.outcomes) > loadLimit {
		b.outcomes = b.outcomes[:loadLimit]
	}
	b.mu.Unlock()
	return nil
}

func (b *Bank) ensureLoaded(ctx context.Context) {
	b.mu.RLock()
	loaded := b.loaded
	b.mu.RUnlock()
	if loaded {
		return
	}

	outcomes, err := b.store.ListTaskOutcomes(ctx, "", loadLimit)
	if err != nil {
		log.Printf("[ReasoningBank] load outcomes: %v", err)
		return
	}
	b.mu.Lock()
	if !b.loaded {
		b.outcomes = outcomes
		b.loaded = true
	}
	b.mu.Unlock()
}

// FindSimilar returns past outcomes similar to the query, best first.
// Bead type is a hard filter; keyword Jaccard dominates the score, with
// file-count similarity as a secondary signal. minSimilarity <= 0 uses
// the default cutoff.
func (b *Bank) FindSimilar(ctx context.Context, keywords []string, beadType models.BeadType, fileCount int, minSimilarity float64) []Match {
	b.ensureLoaded(ctx)
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []Match
	for _, o := range b.outcomes {
		if beadType != "" && o.BeadType != beadType {
			continue
		}
		score := 0.8 * jaccard(keywords, o.Keywords)
		if fileCount > 0 && o.FileCount > 0 {
			base := o.FileCount
			diff := math.Abs(float64(fileCount - o.FileCount))
			score += 0.2 * (1 - diff/math.Max(1, float64(base)))
		}
		if score >= minSimilarity {
			matches = append(matches, Match{Outcome: o, Score: score})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	return matches
}

// ModelSuccessRates returns per-model aggregates for models with at
// least minSamples outcomes. minSamples <= 0 uses the default.
func (b *Bank) ModelSuccessRates(ctx context.Context, minSamples int) map[string]ModelStats {
	b.ensureLoaded(ctx)
	if minSamples <= 0 {
		minSamples = DefaultMinSamples
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]*ModelStats)
	for _, o := range b.outcomes {
		if o.ModelUsed == "" {
			continue
		}
		s := counts[o.ModelUsed]
		if s == nil {
			s = &ModelStats{}
			counts[o.ModelUsed] = s
		}
		s.Total++
		if o.Success {
			s.Success++
		}
	}

	out := make(map[string]ModelStats)
	for model, s := range counts {
		if s.Total < minSamples {
			continue
		}
		s.SuccessRate = float64(s.Success) / float64(s.Total)
		out[model] = *s
	}
	return out
}

// WorkerSuccessRate reports a worker type's historical success rate. It
// satisfies the queue's SuccessRates interface, which keys on worker
// type.
func (b *Bank) WorkerSuccessRate(workerType string) (float64, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total, success := 0, 0
	for _, o := range b.outcomes {
		if string(o.WorkerType) != workerType {
			continue
		}
		total++
		if o.Success {
			success++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(success) / float64(total), total
}

// GetStats returns the bank-wide aggregate.
func (b *Bank) GetStats(ctx context.Context) Stats {
	b.ensureLoaded(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var s Stats
	var iterSum, durSum float64
	for _, o := range b.outcomes {
		s.TotalOutcomes++
		if o.Success {
			s.Successes++
		} else {
			s.Failures++
		}
		iterSum += float64(o.Iterations)
		durSum += o.DurationSeconds
	}
	if s.TotalOutcomes > 0 {
		s.SuccessRate = float64(s.Successes) / float64(s.TotalOutcomes)
		s.MeanIterations = iterSum / float64(s.TotalOutcomes)
		s.MeanDurationSec = durSum / float64(s.TotalOutcomes)
	}
	return s
}

func jaccard(a, b []string) float64 {
	setA := make(map[string]bool, len(a))
	for _, w := range a {
		setA[w] = true
	}
	setB := make(map[string]bool, len(b))
	for _, w := range b {
		setB[w] = true
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for w := range setA {
		if setB[w] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
