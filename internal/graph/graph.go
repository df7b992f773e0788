package graph

import (
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presagehq/presage/internal/model"
)

// ErrNotFound is returned when a capability id is not present in the graph.
var ErrNotFound = errors.New("capability not found")

const (
	shardCount = 32

	// epsilon floors the normalization denominator so the division is
	// always defined, even for nodes with zero-weight adjacency.
	epsilon = 1e-9

	// initialConfidence is the starting point for the TD-updated edge
	// confidence before any outcome has been observed.
	initialConfidence = 0.5

	// costSmoothing is the EMA factor for per-capability execution cost.
	costSmoothing = 0.2
)

// Edge is a read-side view of an outgoing co-occurrence edge.
type Edge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Weight     float64 `json:"weight"`
	Normalized float64 `json:"normalized"`
	Confidence float64 `json:"confidence"`
}

// Store is a sharded, concurrency-safe capability co-occurrence graph.
// Nodes are created lazily on first observation and never deleted, only
// deprecated. Edge weights grow monotonically through UpsertEdge except
// for explicit decay passes.
type Store struct {
	gamma   float64
	shards  [shardCount]shard
	version atomic.Uint64

	// maxImportance holds math.Float64bits of the largest importance
	// score from the last SetImportance pass.
	maxImportance atomic.Uint64
}

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*node
}

type node struct {
	cap   model.Capability
	edges map[string]*edge

	// Running moments over outgoing edge weights. Kept incrementally so
	// weight updates stay O(1) regardless of node degree.
	edgeCount int
	sum       float64
	sumSq     float64
}

type edge struct {
	weight     float64
	confidence float64
}

// New creates an empty graph store. gamma scales the standard deviation
// in the weight normalization denominator.
func New(gamma float64) *Store {
	s := &Store{gamma: gamma}
	for i := range s.shards {
		s.shards[i].nodes = make(map[string]*node)
	}
	return s
}

func (s *Store) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &s.shards[h.Sum32()%shardCount]
}

func (s *Store) bump() {
	s.version.Add(1)
}

// Version increases on every mutation. Persistence uses it to detect
// whether the graph changed since the last save.
func (s *Store) Version() uint64 {
	return s.version.Load()
}

// Register creates or updates a node's capability metadata without
// touching its adjacency.
func (s *Store) Register(c model.Capability) {
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.ensureLocked(c.ID)
	n.cap.Kind = c.Kind
	if c.MeanCostMS > 0 {
		n.cap.MeanCostMS = c.MeanCostMS
	}
	n.cap.UpdatedAt = time.Now().UTC()
	s.bump()
}

// RestoreNode installs persisted capability metadata verbatim, replacing
// whatever a lazily created node holds. Used when loading the graph from
// the store at startup.
func (s *Store) RestoreNode(c model.Capability) {
	sh := s.shardFor(c.ID)
	sh.mu.Lock()
	n := sh.ensureLocked(c.ID)
	n.cap = c
	sh.mu.Unlock()

	// Keep the cached importance ceiling consistent with restored scores.
	for {
		cur := s.maxImportance.Load()
		if math.Float64frombits(cur) >= c.Importance {
			break
		}
		if s.maxImportance.CompareAndSwap(cur, math.Float64bits(c.Importance)) {
			break
		}
	}
	s.bump()
}

// RestoreEdge installs a persisted edge with its exact weight and
// confidence, keeping the source node's running moments consistent.
func (s *Store) RestoreEdge(source, target string, weight, confidence float64) {
	if source != target {
		tsh := s.shardFor(target)
		tsh.mu.Lock()
		tsh.ensureLocked(target)
		tsh.mu.Unlock()
	}

	sh := s.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.ensureLocked(source)
	e, ok := n.edges[target]
	if !ok {
		e = &edge{}
		n.edges[target] = e
		n.edgeCount++
	} else {
		n.sum -= e.weight
		n.sumSq -= e.weight * e.weight
	}
	e.weight = weight
	e.confidence = confidence
	n.sum += weight
	n.sumSq += weight * weight
	s.bump()
}

// UpsertEdge adds delta to the co-occurrence weight of source->target,
// creating both nodes and the edge as needed. Never errors: unknown ids
// are healed by lazy creation. The source node's running weight moments
// are updated in constant time.
func (s *Store) UpsertEdge(source, target string, delta float64) {
	// Ensure the target exists first so the edge never references a
	// missing node. Shards are locked one at a time.
	if source != target {
		tsh := s.shardFor(target)
		tsh.mu.Lock()
		tsh.ensureLocked(target)
		tsh.mu.Unlock()
	}

	sh := s.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.ensureLocked(source)
	e, ok := n.edges[target]
	if !ok {
		e = &edge{weight: delta, confidence: initialConfidence}
		n.edges[target] = e
		n.edgeCount++
		n.sum += delta
		n.sumSq += delta * delta
	} else {
		old := e.weight
		e.weight += delta
		n.sum += e.weight - old
		n.sumSq += e.weight*e.weight - old*old
	}
	n.cap.UpdatedAt = time.Now().UTC()
	s.bump()
}

// UpdateConfidence applies a temporal-difference step to the edge's
// confidence: c += alpha * (reward - c). A missing node or edge is
// created rather than reported, matching UpsertEdge's append-friendly
// contract. Returns the confidence after the update.
func (s *Store) UpdateConfidence(source, target string, reward, alpha float64) float64 {
	if source != target {
		tsh := s.shardFor(target)
		tsh.mu.Lock()
		tsh.ensureLocked(target)
		tsh.mu.Unlock()
	}

	sh := s.shardFor(source)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.ensureLocked(source)
	e, ok := n.edges[target]
	if !ok {
		e = &edge{confidence: initialConfidence}
		n.edges[target] = e
		n.edgeCount++
	}
	e.confidence += alpha * (reward - e.confidence)
	s.bump()
	return e.confidence
}

// NormalizedWeight returns weight / max(mean + gamma*std, epsilon) for
// the source node's outgoing weight distribution, or 0 when the edge
// does not exist.
func (s *Store) NormalizedWeight(source, target string) float64 {
	sh := s.shardFor(source)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	n, ok := sh.nodes[source]
	if !ok {
		return 0
	}
	e, ok := n.edges[target]
	if !ok {
		return 0
	}
	return normalize(e.weight, n, s.gamma)
}

// Neighbors returns the outgoing edges of a node sorted by target id.
// A missing node yields an empty slice.
func (s *Store) Neighbors(id string) []Edge {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	n, ok := sh.nodes[id]
	if !ok {
		return nil
	}
	out := make([]Edge, 0, len(n.edges))
	for target, e := range n.edges {
		out = append(out, Edge{
			Source:     id,
			Target:     target,
			Weight:     e.weight,
			Normalized: normalize(e.weight, n, s.gamma),
			Confidence: e.confidence,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Node returns a copy of the capability metadata for id.
func (s *Store) Node(id string) (model.Capability, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	n, ok := sh.nodes[id]
	if !ok {
		return model.Capability{}, ErrNotFound
	}
	return n.cap, nil
}

// Nodes returns all capabilities sorted by id.
func (s *Store) Nodes() []model.Capability {
	var out []model.Capability
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, n := range sh.nodes {
			out = append(out, n.cap)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NodeCount returns the number of nodes in the graph.
func (s *Store) NodeCount() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		total += len(sh.nodes)
		sh.mu.RUnlock()
	}
	return total
}

// EdgeCount returns the number of edges in the graph.
func (s *Store) EdgeCount() int {
	total := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, n := range sh.nodes {
			total += len(n.edges)
		}
		sh.mu.RUnlock()
	}
	return total
}

// Deprecate marks a capability so the predictor stops proposing it.
// The node and its edges are retained.
func (s *Store) Deprecate(id string) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n, ok := sh.nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.cap.Deprecated = true
	n.cap.UpdatedAt = time.Now().UTC()
	s.bump()
	return nil
}

// SetImportance writes structural importance scores in bulk, one shard
// lock per shard. Unknown ids are skipped.
func (s *Store) SetImportance(scores map[string]float64) {
	max := 0.0
	for _, score := range scores {
		if score > max {
			max = score
		}
	}
	s.maxImportance.Store(math.Float64bits(max))

	byShard := make(map[*shard]map[string]float64)
	for id, score := range scores {
		sh := s.shardFor(id)
		m, ok := byShard[sh]
		if !ok {
			m = make(map[string]float64)
			byShard[sh] = m
		}
		m[id] = score
	}
	for sh, m := range byShard {
		sh.mu.Lock()
		for id, score := range m {
			if n, ok := sh.nodes[id]; ok {
				n.cap.Importance = score
			}
		}
		sh.mu.Unlock()
	}
	s.bump()
}

// MaxImportance returns the largest importance score from the most
// recent SetImportance pass, or 0 before any ranking has run.
func (s *Store) MaxImportance() float64 {
	return math.Float64frombits(s.maxImportance.Load())
}

// RecordCost folds an observed execution duration into the node's mean
// cost estimate.
func (s *Store) RecordCost(id string, durationMS float64) {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := sh.ensureLocked(id)
	if n.cap.MeanCostMS == 0 {
		n.cap.MeanCostMS = durationMS
	} else {
		n.cap.MeanCostMS = (1-costSmoothing)*n.cap.MeanCostMS + costSmoothing*durationMS
	}
	s.bump()
}

// Decay multiplies every edge weight by factor. The per-node moments
// scale in closed form (sum by factor, sumSq by factor squared), so the
// pass is O(nodes + edges) with no recomputation.
func (s *Store) Decay(factor float64) {
	if factor <= 0 || factor >= 1 {
		return
	}
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, n := range sh.nodes {
			for _, e := range n.edges {
				e.weight *= factor
			}
			n.sum *= factor
			n.sumSq *= factor * factor
		}
		sh.mu.Unlock()
	}
	s.bump()
}

// ensureLocked returns the node for id, creating it if absent. The
// caller must hold the shard's write lock.
func (sh *shard) ensureLocked(id string) *node {
	n, ok := sh.nodes[id]
	if !ok {
		now := time.Now().UTC()
		n = &node{
			cap:   model.Capability{ID: id, CreatedAt: now, UpdatedAt: now},
			edges: make(map[string]*edge),
		}
		sh.nodes[id] = n
	}
	return n
}

// moments returns the population mean and standard deviation of the
// node's outgoing edge weights.
func (n *node) moments() (mean, std float64) {
	if n.edgeCount == 0 {
		return 0, 0
	}
	mean = n.sum / float64(n.edgeCount)
	variance := n.sumSq/float64(n.edgeCount) - mean*mean
	// Incremental moments can drift slightly negative.
	if variance < 0 {
		variance = 0
	}
	return mean, math.Sqrt(variance)
}

func normalize(weight float64, n *node, gamma float64) float64 {
	mean, std := n.moments()
	denom := mean + gamma*std
	if denom < epsilon {
		denom = epsilon
	}
	return weight / denom
}
