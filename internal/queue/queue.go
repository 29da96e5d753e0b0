// Package queue maintains the priority graph over active tasks and picks
// the worker a ready task should run on.
package queue

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/jedarden/ringmaster/pkg/models"
)

// Combined-priority weights. The explicit priority level dominates so P0
// work always outranks topology effects.
const (
	weightPriority    = 10.0
	weightPageRank    = 2.0
	weightBetweenness = 1.0
	criticalPathBonus = 0.5
)

// Store is the slice of the store the queue needs.
type Store interface {
	ActiveBeads(ctx context.Context, projectID string) ([]*models.Bead, error)
	AllDependencies(ctx context.Context, projectID string) ([]*models.Dependency, error)
	SaveGraphScores(ctx context.Context, beadID string, pagerank, betweenness float64, onCriticalPath bool, combined float64) error
}

// SuccessRates reports historical success rates keyed by worker type.
type SuccessRates interface {
	WorkerSuccessRate(workerType string) (rate float64, samples int)
}

// Queue recomputes graph scores and routes tasks to workers.
type Queue struct {
	store Store
	rates SuccessRates
}

// New creates a queue. rates may be nil.
func New(store Store, rates SuccessRates) *Queue {
	return &Queue{store: store, rates: rates}
}

// Recompute rebuilds PageRank, betweenness, critical-path flags, and
// combined priority for a project's active tasks, persisting each score.
func (q *Queue) Recompute(ctx context.Context, projectID string) error {
	beads, err := q.store.ActiveBeads(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load active beads: %w", err)
	}
	deps, err := q.store.AllDependencies(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load dependencies: %w", err)
	}

	nodes := make([]string, 0, len(beads))
	byID := make(map[string]*models.Bead, len(beads))
	for _, b := range beads {
		nodes = append(nodes, b.ID)
		byID[b.ID] = b
	}
	pairs := make([][2]string, 0, len(deps))
	for _, d := range deps {
		pairs = append(pairs, [2]string{d.ChildID, d.ParentID})
	}

	g := NewGraph(nodes, pairs)
	pagerank := g.PageRank()
	betweenness := g.Betweenness()
	critical := g.CriticalPath()

	for _, id := range nodes {
		b := byID[id]
		combined := CombinedPriority(b.Priority, pagerank[id], betweenness[id], critical[id])
		if err := q.store.SaveGraphScores(ctx, id, pagerank[id], betweenness[id], critical[id], combined); err != nil {
			return fmt.Errorf("save scores for %s: %w", id, err)
		}
	}
	log.Printf("[Queue] recomputed graph scores for %d tasks in project %s", len(nodes), projectID)
	return nil
}

// CombinedPriority mixes the explicit priority level with the graph
// scores. Priority 0 is most urgent.
func CombinedPriority(priority models.Priority, pagerank, betweenness float64, onCriticalPath bool) float64 {
	levelScore := float64(models.PriorityP3-priority) / float64(models.PriorityP3)
	combined := levelScore*weightPriority + pagerank*weightPageRank + betweenness*weightBetweenness
	if onCriticalPath {
		combined += criticalPathBonus
	}
	return combined
}

// PickWorker chooses the worker for a task among idle candidates:
// capability superset is required, then higher historical success rate,
// then tasks_completed, then id for determinism. Returns nil when no
// worker is eligible.
func (q *Queue) PickWorker(task *models.Bead, idle []*models.Worker) *models.Worker {
	var eligible []*models.Worker
	for _, w := range idle {
		if w.Status != models.WorkerStatusIdle {
			continue
		}
		if !w.HasCapabilities(task.RequiredCapabilities) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil
	}

	rate := func(w *models.Worker) float64 {
		if q.rates == nil {
			return -1
		}
		r, samples := q.rates.WorkerSuccessRate(string(w.Type))
		if samples == 0 {
			return -1
		}
		return r
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		ri, rj := rate(eligible[i]), rate(eligible[j])
		if ri != rj {
			return ri > rj
		}
		if eligible[i].TasksCompleted != eligible[j].TasksCompleted {
			return eligible[i].TasksCompleted > eligible[j].TasksCompleted
		}
		return eligible[i].ID < eligible[j].ID
	})
	return eligible[0]
}
