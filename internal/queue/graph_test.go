package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond: a ← b, a ← c, b ← d, c ← d  (d depends on b and c, which
// depend on a).
func diamond() *Graph {
	return NewGraph(
		[]string{"a", "b", "c", "d"},
		[][2]string{{"b", "a"}, {"c", "a"}, {"d", "b"}, {"d", "c"}},
	)
}

func TestPageRankFoundationRanksHighest(t *testing.T) {
	g := diamond()
	pr := g.PageRank()

	require.Len(t, pr, 4)
	// Everything depends on a, transitively.
	assert.Greater(t, pr["a"], pr["b"])
	assert.Greater(t, pr["a"], pr["d"])
	assert.InDelta(t, pr["b"], pr["c"], 1e-9, "symmetric nodes score equally")

	sum := pr["a"] + pr["b"] + pr["c"] + pr["d"]
	assert.InDelta(t, 1.0, sum, 0.01)
}

func TestPageRankEmptyAndSingle(t *testing.T) {
	assert.Empty(t, NewGraph(nil, nil).PageRank())

	pr := NewGraph([]string{"only"}, nil).PageRank()
	assert.InDelta(t, 1.0, pr["only"], 1e-9)
}

func TestBetweennessMiddleNode(t *testing.T) {
	// chain a → b → c: b sits on the only a-to-c path.
	g := NewGraph(
		[]string{"a", "b", "c"},
		[][2]string{{"b", "a"}, {"c", "b"}},
	)
	bc := g.Betweenness()
	assert.Greater(t, bc["b"], 0.0)
	assert.Equal(t, 0.0, bc["a"])
	assert.Equal(t, 0.0, bc["c"])
}

func TestCriticalPathMarksLongestChain(t *testing.T) {
	// a → b → c is length 3; x is isolated.
	g := NewGraph(
		[]string{"a", "b", "c", "x"},
		[][2]string{{"b", "a"}, {"c", "b"}},
	)
	cp := g.CriticalPath()
	assert.True(t, cp["a"])
	assert.True(t, cp["b"])
	assert.True(t, cp["c"])
	assert.False(t, cp["x"])
}

func TestCriticalPathDiamondBothBranches(t *testing.T) {
	cp := diamond().CriticalPath()
	// Both a-b-d and a-c-d are longest paths.
	assert.True(t, cp["a"])
	assert.True(t, cp["b"])
	assert.True(t, cp["c"])
	assert.True(t, cp["d"])
}

func TestTopoOrderDetectsCycle(t *testing.T) {
	g := NewGraph(
		[]string{"a", "b"},
		[][2]string{{"a", "b"}, {"b", "a"}},
	)
	_, ok := g.topoOrder()
	assert.False(t, ok)

	cp := g.CriticalPath()
	assert.False(t, cp["a"])
	assert.False(t, cp["b"])
}

func TestUnknownDependencyEdgesDropped(t *testing.T) {
	g := NewGraph([]string{"a"}, [][2]string{{"a", "ghost"}, {"ghost", "a"}})
	pr := g.PageRank()
	assert.InDelta(t, 1.0, pr["a"], 1e-9)
}
