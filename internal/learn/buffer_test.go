package learn

import (
	"testing"

	"github.com/presagehq/presage/internal/model"
)

func trace(capability string, priority float64) model.Trace {
	return model.Trace{ID: model.NewID(), Capability: capability, Priority: priority}
}

func TestBufferEvictsLowestPriority(t *testing.T) {
	b := newTraceBuffer(2, 1)
	b.add(trace("a", 0.5))
	b.add(trace("b", 0.9))
	b.add(trace("c", 0.7))

	if b.len() != 2 {
		t.Fatalf("len = %d, want capacity 2", b.len())
	}
	caps := make(map[string]bool)
	for _, tr := range b.traces() {
		caps[tr.Capability] = true
	}
	if caps["a"] || !caps["b"] || !caps["c"] {
		t.Errorf("retained = %v, want b and c", caps)
	}
}

func TestBufferDropsNewLowPriority(t *testing.T) {
	b := newTraceBuffer(2, 1)
	b.add(trace("a", 0.7))
	b.add(trace("b", 0.9))
	b.add(trace("c", 0.1))

	for _, tr := range b.traces() {
		if tr.Capability == "c" {
			t.Error("low-priority newcomer retained, want dropped")
		}
	}
}

func TestBufferEqualPriorityEvictsOldest(t *testing.T) {
	b := newTraceBuffer(2, 1)
	b.add(trace("old", 0.5))
	b.add(trace("mid", 0.5))
	b.add(trace("new", 0.5))

	caps := make(map[string]bool)
	for _, tr := range b.traces() {
		caps[tr.Capability] = true
	}
	if caps["old"] {
		t.Errorf("retained = %v, want oldest evicted first", caps)
	}
	if !caps["mid"] || !caps["new"] {
		t.Errorf("retained = %v, want mid and new", caps)
	}
}

func TestSampleHotPrefersHighPriority(t *testing.T) {
	b := newTraceBuffer(16, 1)
	for i := 0; i < 5; i++ {
		b.add(trace("hot", 1.0))
	}
	b.add(trace("cold", 0))

	hot := b.sampleHot(1)
	if len(hot) != 1 || !hot["hot"] {
		t.Errorf("sampleHot(1) = %v, want the high-priority capability", hot)
	}
}

func TestSampleHotDistinctAndBounded(t *testing.T) {
	b := newTraceBuffer(16, 1)
	b.add(trace("a", 0.9))
	b.add(trace("a", 0.8))
	b.add(trace("b", 0.7))

	hot := b.sampleHot(5)
	if len(hot) != 2 {
		t.Fatalf("sampleHot(5) = %v, want both distinct capabilities", hot)
	}
	if !hot["a"] || !hot["b"] {
		t.Errorf("sampleHot(5) = %v, want a and b", hot)
	}
}

func TestSampleHotEmptyBuffer(t *testing.T) {
	b := newTraceBuffer(16, 1)
	if hot := b.sampleHot(3); len(hot) != 0 {
		t.Errorf("sampleHot on empty buffer = %v, want empty", hot)
	}
}
