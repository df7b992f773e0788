package embed

import (
	"math/rand"
	"sort"

	"github.com/presagehq/presage/internal/graph"
)

// walker generates biased random walks over a graph snapshot. p controls
// the return probability, q the in-out exploration balance.
type walker struct {
	snap *graph.Snapshot
	p    float64
	q    float64
}

// bias returns the unnormalized transition score for stepping from curr
// to next, having arrived from prev.
func (w *walker) bias(prev, curr, next string) float64 {
	if next == prev {
		return 1 / w.p
	}
	if w.snap.EdgeExists(curr, next) {
		nw := w.snap.NormalizedWeight(curr, next)
		if nw >= 1 {
			return 1
		}
		// Weakly connected edges interpolate toward the not-connected
		// bias as the normalized weight shrinks.
		return 1/w.q + (1-1/w.q)*nw
	}
	// Two hops or further.
	return 1 / w.q
}

// walk produces a single walk of up to length nodes starting at start.
// The walk ends early only when the start node has no outgoing edges.
func (w *walker) walk(start string, length int, rng *rand.Rand) []string {
	out := make([]string, 0, length)
	out = append(out, start)
	if length <= 1 {
		return out
	}

	startNode, ok := w.snap.Nodes[start]
	if !ok || len(startNode.Targets) == 0 {
		return out
	}

	// First step: no previous node yet, weight-proportional over the
	// start node's out-edges.
	curr := w.firstStep(startNode, rng)
	out = append(out, curr)
	prev := start

	for len(out) < length {
		next := w.step(prev, curr, rng)
		out = append(out, next)
		prev, curr = curr, next
	}
	return out
}

func (w *walker) firstStep(n *graph.SnapshotNode, rng *rand.Rand) string {
	total := 0.0
	for _, target := range n.Targets {
		total += n.Edges[target].Weight
	}
	if total <= 0 {
		return n.Targets[rng.Intn(len(n.Targets))]
	}
	r := rng.Float64() * total
	for _, target := range n.Targets {
		r -= n.Edges[target].Weight
		if r <= 0 {
			return target
		}
	}
	return n.Targets[len(n.Targets)-1]
}

// step samples the next node. Candidates are the previous node, the
// current node's out-neighbors, and the previous node's out-neighbors;
// the latter make the no-edge bias reachable as cheap two-hop
// exploration without a full adjacency scan.
func (w *walker) step(prev, curr string, rng *rand.Rand) string {
	// A step never stays on curr, so consecutive walk nodes differ.
	seen := map[string]bool{prev: true, curr: true}
	candidates := []string{prev}
	if n, ok := w.snap.Nodes[curr]; ok {
		for _, t := range n.Targets {
			if !seen[t] {
				seen[t] = true
				candidates = append(candidates, t)
			}
		}
	}
	if n, ok := w.snap.Nodes[prev]; ok {
		for _, t := range n.Targets {
			if !seen[t] {
				seen[t] = true
				candidates = append(candidates, t)
			}
		}
	}
	sort.Strings(candidates)

	total := 0.0
	biases := make([]float64, len(candidates))
	for i, c := range candidates {
		b := w.bias(prev, curr, c)
		biases[i] = b
		total += b
	}
	if total <= 0 {
		return prev
	}
	r := rng.Float64() * total
	for i, c := range candidates {
		r -= biases[i]
		if r <= 0 {
			return c
		}
	}
	return candidates[len(candidates)-1]
}
