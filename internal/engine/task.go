package engine

import (
	"context"
	"sync"
	"time"

	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/sandbox"
)

// specTask wraps one predicted candidate running ahead of confirmation.
// Its status moves running -> committed or running -> discarded exactly
// once; both terminal states are sticky. The done channel closes when
// the runner returns, whatever the status is by then.
type specTask struct {
	workflowID string
	candidate  model.Candidate
	startedAt  time.Time
	cancel     context.CancelFunc
	done       chan struct{}

	mu       sync.Mutex
	status   string
	reason   string
	finished bool
	endedAt  time.Time
	result   sandbox.TaskResult
	err      error
}

func newSpecTask(workflowID string, c model.Candidate, cancel context.CancelFunc) *specTask {
	return &specTask{
		workflowID: workflowID,
		candidate:  c,
		startedAt:  time.Now().UTC(),
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     model.SpecRunning,
	}
}

// finish records the runner's result and closes done. When the task was
// discarded while running, the exiting goroutine owns waste accounting,
// signalled by the returned flag and reason.
func (t *specTask) finish(result sandbox.TaskResult, err error) (wasDiscarded bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.result = result
	t.err = err
	t.finished = true
	t.endedAt = time.Now().UTC()
	close(t.done)
	return t.status == model.SpecDiscarded, t.reason
}

// commit transitions running -> committed. It returns false when the
// task already reached a terminal state.
func (t *specTask) commit() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !model.ValidSpecTransition(t.status, model.SpecCommitted) {
		return false
	}
	t.status = model.SpecCommitted
	return true
}

// discard transitions running -> discarded and cancels the task
// context. Discarding twice is a no-op; the first reason wins. When the
// runner has already returned, the discarding caller owns waste
// accounting (alreadyFinished true); otherwise the task goroutine
// reports on exit.
func (t *specTask) discard(reason string) (transitioned, alreadyFinished bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !model.ValidSpecTransition(t.status, model.SpecDiscarded) {
		return false, false
	}
	t.status = model.SpecDiscarded
	t.reason = reason
	t.cancel()
	return true, t.finished
}

// snapshotResult returns the runner's result. Only meaningful after
// done is closed.
func (t *specTask) snapshotResult() (sandbox.TaskResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// runtime is the wall-clock span the task actually executed for. Zero
// until the runner returns.
func (t *specTask) runtime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.finished {
		return 0
	}
	return t.endedAt.Sub(t.startedAt)
}

// isDone reports whether the runner has returned.
func (t *specTask) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
