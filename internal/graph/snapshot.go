package graph

import "sort"

// Snapshot is an immutable point-in-time copy of the graph used by the
// retraining and ranking paths. Shards are copied one at a time, so the
// view is consistent per node; cross-node skew is acceptable because
// retraining only promises to be at least as fresh as the previous swap.
type Snapshot struct {
	Nodes map[string]*SnapshotNode
	// IDs lists node ids in sorted order for deterministic iteration.
	IDs []string
}

// SnapshotNode carries the per-node data the walker and ranker need.
type SnapshotNode struct {
	ID         string
	Deprecated bool
	Importance float64
	MeanCostMS float64
	Edges      map[string]SnapshotEdge
	// Targets lists edge targets in sorted order.
	Targets []string
}

// SnapshotEdge carries edge weights with normalization precomputed at
// snapshot time.
type SnapshotEdge struct {
	Weight     float64
	Normalized float64
	Confidence float64
}

// Snapshot copies the graph for the retraining path.
func (s *Store) Snapshot() *Snapshot {
	snap := &Snapshot{Nodes: make(map[string]*SnapshotNode)}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for id, n := range sh.nodes {
			sn := &SnapshotNode{
				ID:         id,
				Deprecated: n.cap.Deprecated,
				Importance: n.cap.Importance,
				MeanCostMS: n.cap.MeanCostMS,
				Edges:      make(map[string]SnapshotEdge, len(n.edges)),
				Targets:    make([]string, 0, len(n.edges)),
			}
			for target, e := range n.edges {
				sn.Edges[target] = SnapshotEdge{
					Weight:     e.weight,
					Normalized: normalize(e.weight, n, s.gamma),
					Confidence: e.confidence,
				}
				sn.Targets = append(sn.Targets, target)
			}
			sort.Strings(sn.Targets)
			snap.Nodes[id] = sn
		}
		sh.mu.RUnlock()
	}
	snap.IDs = make([]string, 0, len(snap.Nodes))
	for id := range snap.Nodes {
		snap.IDs = append(snap.IDs, id)
	}
	sort.Strings(snap.IDs)
	return snap
}

// EdgeExists reports whether source->target is present in the snapshot.
func (s *Snapshot) EdgeExists(source, target string) bool {
	n, ok := s.Nodes[source]
	if !ok {
		return false
	}
	_, ok = n.Edges[target]
	return ok
}

// NormalizedWeight returns the precomputed normalized weight, or 0 when
// the edge is absent.
func (s *Snapshot) NormalizedWeight(source, target string) float64 {
	n, ok := s.Nodes[source]
	if !ok {
		return 0
	}
	return n.Edges[target].Normalized
}
