package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jedarden/ringmaster/pkg/models"
)

func TestCombinedPriorityLevelDominates(t *testing.T) {
	// A P0 task with no graph signal outranks a P2 task with maximum
	// topology scores.
	p0 := CombinedPriority(models.PriorityP0, 0, 0, false)
	p2Loaded := CombinedPriority(models.PriorityP2, 1.0, 1.0, true)
	assert.Greater(t, p0, p2Loaded)
}

func TestCombinedPriorityGraphBreaksTies(t *testing.T) {
	plain := CombinedPriority(models.PriorityP1, 0.1, 0.0, false)
	critical := CombinedPriority(models.PriorityP1, 0.1, 0.0, true)
	assert.Greater(t, critical, plain)

	ranked := CombinedPriority(models.PriorityP1, 0.5, 0.0, false)
	assert.Greater(t, ranked, plain)
}

type fixedRates map[string][2]float64 // id -> {rate, samples}

func (f fixedRates) WorkerSuccessRate(workerID string) (float64, int) {
	v, ok := f[workerID]
	if !ok {
		return 0, 0
	}
	return v[0], int(v[1])
}

func idleWorker(id string, caps []string, completed int) *models.Worker {
	return &models.Worker{
		ID: id, Status: models.WorkerStatusIdle,
		Capabilities: caps, TasksCompleted: completed,
	}
}

func TestPickWorkerRequiresCapabilitySuperset(t *testing.T) {
	q := New(nil, nil)
	task := &models.Bead{ID: "bd-1", RequiredCapabilities: []string{"python", "docker"}}

	workers := []*models.Worker{
		idleWorker("w-py", []string{"python"}, 10),
		idleWorker("w-full", []string{"python", "docker", "go"}, 0),
	}
	picked := q.PickWorker(task, workers)
	require.NotNil(t, picked)
	assert.Equal(t, "w-full", picked.ID)

	task.RequiredCapabilities = []string{"rust"}
	assert.Nil(t, q.PickWorker(task, workers))
}

func TestPickWorkerPrefersSuccessRate(t *testing.T) {
	rates := fixedRates{
		string(models.WorkerTypeAider):      {0.4, 10},
		string(models.WorkerTypeClaudeCode): {0.9, 10},
	}
	q := New(nil, rates)
	task := &models.Bead{ID: "bd-1"}

	flaky := idleWorker("w-flaky", nil, 100)
	flaky.Type = models.WorkerTypeAider
	solid := idleWorker("w-solid", nil, 5)
	solid.Type = models.WorkerTypeClaudeCode

	picked := q.PickWorker(task, []*models.Worker{flaky, solid})
	require.NotNil(t, picked)
	assert.Equal(t, "w-solid", picked.ID)
}

func TestPickWorkerFallsBackToTasksCompleted(t *testing.T) {
	q := New(nil, fixedRates{})
	task := &models.Bead{ID: "bd-1"}

	workers := []*models.Worker{
		idleWorker("w-new", nil, 1),
		idleWorker("w-vet", nil, 50),
	}
	picked := q.PickWorker(task, workers)
	require.NotNil(t, picked)
	assert.Equal(t, "w-vet", picked.ID)
}

func TestPickWorkerSkipsBusy(t *testing.T) {
	q := New(nil, nil)
	busy := idleWorker("w-busy", nil, 10)
	busy.Status = models.WorkerStatusBusy

	assert.Nil(t, q.PickWorker(&models.Bead{ID: "bd-1"}, []*models.Worker{busy}))
}

func TestRouteTaskSimple(t *testing.T) {
	task := &models.Bead{Type: models.BeadTypeTask, Title: "Fix typo in README", Priority: models.PriorityP2}
	d := RouteTask(task, 1, 0, models.WorkerTypeClaudeCode, "")
	assert.Equal(t, ComplexitySimple, d.Complexity)
	assert.Equal(t, TierFast, d.Tier)
	assert.NotEmpty(t, d.Models)
	assert.NotEmpty(t, d.Reasoning)
}

func TestRouteTaskComplex(t *testing.T) {
	task := &models.Bead{
		Type:     models.BeadTypeTask,
		Title:    "Refactor storage schema migration",
		Priority: models.PriorityP0,
	}
	d := RouteTask(task, 8, 4, models.WorkerTypeClaudeCode, "")
	assert.Equal(t, ComplexityComplex, d.Complexity)
	assert.Equal(t, TierPowerful, d.Tier)
}

func TestRouteTaskPreferredModelMovesFirst(t *testing.T) {
	task := &models.Bead{Type: models.BeadTypeTask, Title: "Refactor concurrency protocol", Description: ""}
	d := RouteTask(task, 10, 5, models.WorkerTypeClaudeCode, "claude-sonnet")
	require.NotEmpty(t, d.Models)
	assert.Equal(t, "claude-sonnet", d.Models[0])
}

func TestRouteTaskUnknownWorkerTypeFallsBack(t *testing.T) {
	task := &models.Bead{Type: models.BeadTypeTask, Title: "anything"}
	d := RouteTask(task, 0, 0, models.WorkerType("mystery"), "")
	assert.NotEmpty(t, d.Models)
}
