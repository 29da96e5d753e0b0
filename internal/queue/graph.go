package queue

import (
	"math"
	"sort"
)

// Graph is the active-task dependency graph. An edge parent→child means
// child waits on parent.
type Graph struct {
	nodes    []string
	index    map[string]int
	children map[string][]string // parent -> children
	parents  map[string][]string // child -> parents
}

// NewGraph builds a graph from node ids and (child, parent) pairs. Pairs
// touching unknown nodes are dropped.
func NewGraph(nodes []string, deps [][2]string) *Graph {
	g := &Graph{
		nodes:    append([]string(nil), nodes...),
		index:    make(map[string]int, len(nodes)),
		children: make(map[string][]string),
		parents:  make(map[string][]string),
	}
	sort.Strings(g.nodes)
	for i, n := range g.nodes {
		g.index[n] = i
	}
	for _, d := range deps {
		child, parent := d[0], d[1]
		if _, ok := g.index[child]; !ok {
			continue
		}
		if _, ok := g.index[parent]; !ok {
			continue
		}
		g.children[parent] = append(g.children[parent], child)
		g.parents[child] = append(g.parents[child], parent)
	}
	return g
}

const (
	pagerankAlpha   = 0.85
	pagerankEpsilon = 1e-6
	pagerankMaxIter = 100
)

// PageRank scores each node by how much downstream work endorses it: a
// child links to the parents it waits on, so heavily-depended-on tasks
// rank high.
func (g *Graph) PageRank() map[string]float64 {
	n := len(g.nodes)
	if n == 0 {
		return map[string]float64{}
	}

	rank := make([]float64, n)
	for i := range rank {
		rank[i] = 1.0 / float64(n)
	}

	// outDegree of a node is how many parents it endorses.
	outDegree := make([]int, n)
	for child, ps := range g.parents {
		outDegree[g.index[child]] = len(ps)
	}

	for iter := 0; iter < pagerankMaxIter; iter++ {
		next := make([]float64, n)
		base := (1 - pagerankAlpha) / float64(n)

		// Dangling mass (nodes with no parents) is spread uniformly.
		dangling := 0.0
		for i := range rank {
			if outDegree[i] == 0 {
				dangling += rank[i]
			}
		}
		for i := range next {
			next[i] = base + pagerankAlpha*dangling/float64(n)
		}
		for child, ps := range g.parents {
			share := pagerankAlpha * rank[g.index[child]] / float64(len(ps))
			for _, parent := range ps {
				next[g.index[parent]] += share
			}
		}

		delta := 0.0
		for i := range rank {
			delta += math.Abs(next[i] - rank[i])
		}
		rank = next
		if delta < pagerankEpsilon {
			break
		}
	}

	out := make(map[string]float64, n)
	for i, node := range g.nodes {
		out[node] = rank[i]
	}
	return out
}

// Betweenness computes node betweenness centrality with Brandes'
// algorithm over the directed dependency edges, normalized to [0,1].
func (g *Graph) Betweenness() map[string]float64 {
	n := len(g.nodes)
	bc := make([]float64, n)
	if n < 3 {
		out := make(map[string]float64, n)
		for _, node := range g.nodes {
			out[node] = 0
		}
		return out
	}

	for s := 0; s < n; s++ {
		// BFS from s over parent→child edges.
		var stack []int
		preds := make([][]int, n)
		sigma := make([]float64, n)
		dist := make([]int, n)
		for i := range dist {
			dist[i] = -1
		}
		sigma[s] = 1
		dist[s] = 0
		queue := []int{s}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for _, wNode := range g.children[g.nodes[v]] {
				w := g.index[wNode]
				if dist[w] < 0 {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}

		delta := make([]float64, n)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != s {
				bc[w] += delta[w]
			}
		}
	}

	// Normalize by the maximum possible pair count.
	norm := float64((n - 1) * (n - 2))
	out := make(map[string]float64, n)
	for i, node := range g.nodes {
		out[node] = bc[i] / norm
	}
	return out
}

// CriticalPath marks every node lying on a longest path through the DAG,
// measured in node count.
func (g *Graph) CriticalPath() map[string]bool {
	n := len(g.nodes)
	out := make(map[string]bool, n)
	if n == 0 {
		return out
	}

	order, ok := g.topoOrder()
	if !ok {
		// A cycle slipped in; no critical path is computable.
		for _, node := range g.nodes {
			out[node] = false
		}
		return out
	}

	// Longest path ending at node (parent before child).
	down := make(map[string]int, n)
	for _, node := range order {
		down[node] = 0
		for _, parent := range g.parents[node] {
			if down[parent]+1 > down[node] {
				down[node] = down[parent] + 1
			}
		}
	}
	// Longest path starting at node.
	up := make(map[string]int, n)
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		up[node] = 0
		for _, child := range g.children[node] {
			if up[child]+1 > up[node] {
				up[node] = up[child] + 1
			}
		}
	}

	longest := 0
	for _, node := range g.nodes {
		if l := down[node] + up[node]; l > longest {
			longest = l
		}
	}
	for _, node := range g.nodes {
		out[node] = down[node]+up[node] == longest
	}
	return out
}

// topoOrder returns a parent-first ordering, or ok=false on a cycle.
func (g *Graph) topoOrder() ([]string, bool) {
	inDeg := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDeg[node] = len(g.parents[node])
	}
	var queue []string
	for _, node := range g.nodes {
		if inDeg[node] == 0 {
			queue = append(queue, node)
		}
	}
	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, child := range g.children[node] {
			inDeg[child]--
			if inDeg[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	return order, len(order) == len(g.nodes)
}
