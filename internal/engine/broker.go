package engine

import (
	"sync"

	"github.com/presagehq/presage/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// EventBroker manages per-workflow decision-event streaming to
// subscribers. It is safe for concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a workflow completes) receive a closed channel
// instead of blocking forever. Each marker is a few bytes, which is
// acceptable for the expected workflow volume.
type EventBroker struct {
	mu     sync.Mutex
	topics map[string]*eventTopic
}

type eventTopic struct {
	subs   map[int]chan model.DecisionEvent
	nextID int
	closed bool
}

// NewEventBroker creates a new event broker.
func NewEventBroker() *EventBroker {
	return &EventBroker{
		topics: make(map[string]*eventTopic),
	}
}

// Subscribe returns a channel that receives decision events for the
// given workflow and an unsubscribe function. If the workflow has
// already completed (Close was called), the returned channel is
// immediately closed.
func (b *EventBroker) Subscribe(workflowID string) (<-chan model.DecisionEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workflowID]
	if !ok {
		t = &eventTopic{subs: make(map[int]chan model.DecisionEvent)}
		b.topics[workflowID] = t
	}

	ch := make(chan model.DecisionEvent, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends an event to all subscribers of the given workflow.
// Events are dropped for subscribers whose buffers are full.
func (b *EventBroker) Publish(workflowID string, ev model.DecisionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workflowID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			// Drop the event for slow subscribers to avoid blocking
			// the decision path.
		}
	}
}

// Close signals that no more events will be published for the given
// workflow. All subscriber channels are closed and future Subscribe
// calls return a closed channel.
func (b *EventBroker) Close(workflowID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[workflowID]
	if !ok {
		// Create a closed marker so late subscribers get a closed channel.
		b.topics[workflowID] = &eventTopic{subs: make(map[int]chan model.DecisionEvent), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
