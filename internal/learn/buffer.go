package learn

import (
	"container/heap"
	"math/rand"
	"sync"

	"github.com/presagehq/presage/internal/model"
)

// sampleFloor keeps zero-priority traces reachable by weighted sampling.
const sampleFloor = 0.01

// traceBuffer retains execution traces bounded by capacity, keeping the
// most surprising ones: when full, the lowest-priority (oldest among
// ties) entry is evicted first.
type traceBuffer struct {
	capacity int

	mu      sync.Mutex
	entries traceHeap
	seq     uint64
	rng     *rand.Rand
}

type traceEntry struct {
	trace model.Trace
	seq   uint64
}

func newTraceBuffer(capacity int, seed int64) *traceBuffer {
	return &traceBuffer{
		capacity: capacity,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// add inserts a trace, evicting the current minimum when full. A new
// trace with lower priority than everything retained is dropped.
func (b *traceBuffer) add(t model.Trace) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	entry := traceEntry{trace: t, seq: b.seq}
	if b.entries.Len() < b.capacity {
		heap.Push(&b.entries, entry)
		return
	}
	if b.entries[0].trace.Priority > t.Priority {
		return
	}
	b.entries[0] = entry
	heap.Fix(&b.entries, 0)
}

func (b *traceBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.Len()
}

// sampleHot draws up to n distinct capability ids, weighted by trace
// priority, for retrain walk boosting.
func (b *traceBuffer) sampleHot(n int) map[string]bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	hot := make(map[string]bool, n)
	if n <= 0 || b.entries.Len() == 0 {
		return hot
	}

	type weighted struct {
		capability string
		weight     float64
	}
	pool := make([]weighted, b.entries.Len())
	total := 0.0
	for i, e := range b.entries {
		w := e.trace.Priority + sampleFloor
		pool[i] = weighted{capability: e.trace.Capability, weight: w}
		total += w
	}

	for len(hot) < n && len(pool) > 0 {
		r := b.rng.Float64() * total
		picked := len(pool) - 1
		for i, w := range pool {
			r -= w.weight
			if r <= 0 {
				picked = i
				break
			}
		}
		hot[pool[picked].capability] = true
		total -= pool[picked].weight
		pool[picked] = pool[len(pool)-1]
		pool = pool[:len(pool)-1]
	}
	return hot
}

// traces returns a copy of the retained traces in heap order (no
// ordering guarantee beyond membership).
func (b *traceBuffer) traces() []model.Trace {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]model.Trace, b.entries.Len())
	for i, e := range b.entries {
		out[i] = e.trace
	}
	return out
}

// traceHeap is a min-heap: lowest priority at the root, oldest first
// among equal priorities, so eviction removes the least interesting
// entry.
type traceHeap []traceEntry

func (h traceHeap) Len() int { return len(h) }

func (h traceHeap) Less(i, j int) bool {
	if h[i].trace.Priority != h[j].trace.Priority {
		return h[i].trace.Priority < h[j].trace.Priority
	}
	return h[i].seq < h[j].seq
}

func (h traceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *traceHeap) Push(x any) {
	*h = append(*h, x.(traceEntry))
}

func (h *traceHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
