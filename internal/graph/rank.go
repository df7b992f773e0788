package graph

import "math"

const (
	// DefaultDamping is the standard PageRank damping factor.
	DefaultDamping = 0.85

	rankMaxIterations = 100
	rankTolerance     = 1e-6
)

// PageRank computes a structural importance score per node via power
// iteration over the snapshot. Transition probability follows raw edge
// weight; rank from nodes without outgoing edges is redistributed
// uniformly. Scores sum to 1. An empty snapshot yields an empty map.
func PageRank(snap *Snapshot, damping float64) map[string]float64 {
	n := len(snap.IDs)
	if n == 0 {
		return map[string]float64{}
	}

	ranks := make(map[string]float64, n)
	for _, id := range snap.IDs {
		ranks[id] = 1.0 / float64(n)
	}

	outWeight := make(map[string]float64, n)
	for _, id := range snap.IDs {
		total := 0.0
		for _, e := range snap.Nodes[id].Edges {
			total += e.Weight
		}
		outWeight[id] = total
	}

	for iter := 0; iter < rankMaxIterations; iter++ {
		next := make(map[string]float64, n)
		base := (1 - damping) / float64(n)
		for _, id := range snap.IDs {
			next[id] = base
		}

		dangling := 0.0
		for _, id := range snap.IDs {
			node := snap.Nodes[id]
			if outWeight[id] <= 0 {
				dangling += ranks[id]
				continue
			}
			share := damping * ranks[id] / outWeight[id]
			for _, target := range node.Targets {
				next[target] += share * node.Edges[target].Weight
			}
		}
		if dangling > 0 {
			spread := damping * dangling / float64(n)
			for _, id := range snap.IDs {
				next[id] += spread
			}
		}

		delta := 0.0
		for _, id := range snap.IDs {
			delta += math.Abs(next[id] - ranks[id])
		}
		ranks = next
		if delta < rankTolerance {
			break
		}
	}
	return ranks
}
