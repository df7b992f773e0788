package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/learn"
	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/predict"
	"github.com/presagehq/presage/internal/sandbox"
	"github.com/presagehq/presage/internal/store"
	"github.com/presagehq/presage/internal/threshold"
)

// DefaultTimeoutS is the per-task timeout in seconds when none is configured.
const DefaultTimeoutS = 30

// ErrWorkflowNotFound is returned for operations on a workflow with no
// live session. Drivers resume crashed workflows through StartWorkflow.
var ErrWorkflowNotFound = errors.New("workflow not found")

// StartRequest describes a workflow to start or resume.
type StartRequest struct {
	WorkflowID string
	Domain     string
	Pending    []string
	Goals      []model.Goal
	Context    map[string]model.ContextValue
}

// StepResult is what the driver gets back for one executed step.
type StepResult struct {
	Step   model.TaskStep                `json:"step"`
	Source string                        `json:"source"`
	Output map[string]model.ContextValue `json:"output,omitempty"`
	Error  string                        `json:"error,omitempty"`
}

// Engine coordinates workflow sessions with speculative execution: it
// launches predicted tasks ahead of confirmation, reconciles them
// against the real next step, and reports every outcome to the learner.
type Engine struct {
	cfg        config.ExecutorConfig
	store      store.Store
	registry   *sandbox.Registry
	predictor  *predict.Predictor
	thresholds *threshold.Controller
	learner    *learn.Loop
	logger     *slog.Logger
	broker     *EventBroker

	mu       sync.Mutex
	sessions map[string]*session

	wg sync.WaitGroup
}

// session owns one WorkflowState for its lifetime. All operations on a
// session serialize on its mutex; distinct workflows never contend.
type session struct {
	mu    sync.Mutex
	state *model.WorkflowState

	// tasks holds in-flight speculative tasks keyed by capability id.
	// At most one task per candidate exists at a time.
	tasks map[string]*specTask

	// predicted maps capability id to confidence from the most recent
	// prediction cycle, for outcome attribution.
	predicted map[string]float64
}

// NewEngine creates a new speculative execution engine.
func NewEngine(cfg config.ExecutorConfig, s store.Store, reg *sandbox.Registry, p *predict.Predictor, th *threshold.Controller, l *learn.Loop, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		store:      s,
		registry:   reg,
		predictor:  p,
		thresholds: th,
		learner:    l,
		logger:     logger,
		broker:     NewEventBroker(),
		sessions:   make(map[string]*session),
	}
}

// Broker returns the engine's event broker for SSE subscription.
func (e *Engine) Broker() *EventBroker {
	return e.broker
}

// Wait blocks until all in-flight speculative tasks and deferred store
// writes complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// StartWorkflow starts a new workflow session or resumes one from its
// checkpoint. Starting an already-live workflow returns its current
// state unchanged.
func (e *Engine) StartWorkflow(ctx context.Context, req StartRequest) (*model.WorkflowState, error) {
	id := req.WorkflowID
	if id == "" {
		id = model.NewID()
	}

	if sess := e.lookup(id); sess != nil {
		return sess.snapshot(), nil
	}

	state := e.loadOrCreate(ctx, id, req)

	e.mu.Lock()
	if sess, ok := e.sessions[id]; ok {
		// Lost a concurrent start race; the first session wins.
		e.mu.Unlock()
		return sess.snapshot(), nil
	}
	e.sessions[id] = &session{state: state, tasks: make(map[string]*specTask)}
	e.mu.Unlock()

	e.checkpointAsync(state.Clone())
	e.logger.Info("workflow started",
		"workflow_id", id,
		"domain", state.Domain,
		"resumed", len(state.Completed) > 0)
	return state.Clone(), nil
}

// loadOrCreate resumes from an active checkpoint when one exists.
// Archived checkpoints and load failures both begin fresh: resuming a
// finished workflow makes no sense, and a broken checkpoint must not
// wedge the driver (cold start is always acceptable).
func (e *Engine) loadOrCreate(ctx context.Context, id string, req StartRequest) *model.WorkflowState {
	cp, err := e.store.LoadCheckpoint(ctx, id)
	if err == nil && cp.Status == model.WorkflowActive {
		cp.UpdatedAt = time.Now().UTC()
		return cp
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Error("failed to load checkpoint", "workflow_id", id, "error", err)
	}

	now := time.Now().UTC()
	return &model.WorkflowState{
		ID:        id,
		Domain:    req.Domain,
		Status:    model.WorkflowActive,
		Completed: []model.TaskStep{},
		Pending:   append([]string(nil), req.Pending...),
		Decisions: []model.Decision{},
		Context:   cloneContext(req.Context),
		Goals:     append([]model.Goal(nil), req.Goals...),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// PredictNext queries the predictor for the workflow's likely next
// steps and speculatively launches every candidate that clears the
// adaptive threshold, is speculation-eligible, and is not already in
// flight. Speculation is a side effect: drivers only observe it through
// events and stats.
func (e *Engine) PredictNext(ctx context.Context, workflowID string) ([]model.Candidate, error) {
	sess := e.lookup(workflowID)
	if sess == nil {
		return nil, ErrWorkflowNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	candidates := e.predictor.Next(sess.state)
	sess.predicted = make(map[string]float64, len(candidates))
	for _, c := range candidates {
		sess.predicted[c.Capability] = c.Confidence
	}
	if len(candidates) == 0 {
		// Degenerate graph or unseen history; the driver falls back to
		// fully synchronous execution.
		return nil, nil
	}

	e.publish(workflowID, model.EventPredicted, candidates[0].Capability, candidates[0].Confidence,
		fmt.Sprintf("%d candidates", len(candidates)))

	for _, c := range candidates {
		e.maybeSpeculate(sess, c)
	}
	return candidates, nil
}

// maybeSpeculate launches one speculative task when every gate passes.
// The caller holds the session mutex.
func (e *Engine) maybeSpeculate(sess *session, c model.Candidate) {
	cutoff := e.thresholds.Value(c.Capability)
	if c.Confidence < cutoff {
		return
	}
	if _, ok := sess.tasks[c.Capability]; ok {
		// Already speculating on this candidate.
		return
	}
	if len(sess.tasks) >= e.cfg.MaxInflight {
		return
	}
	if !e.registry.Eligible(c.Capability) {
		return
	}
	runner, _, err := e.registry.Resolve(c.Capability)
	if err != nil {
		return
	}

	workflowID := sess.state.ID
	timeoutS := e.taskTimeout()
	taskCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutS)*time.Second)
	t := newSpecTask(workflowID, c, cancel)
	sess.tasks[c.Capability] = t

	speculationsInflight.Inc()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runSpeculative(taskCtx, runner, t, timeoutS)
	}()

	e.publish(workflowID, model.EventSpeculated, c.Capability, c.Confidence, "")
	e.logger.Debug("speculation launched",
		"workflow_id", workflowID,
		"capability", c.Capability,
		"confidence", c.Confidence,
		"threshold", cutoff)
}

// runSpeculative executes one speculative task to completion. The task
// may already be discarded by the time the runner returns; accounting
// for that case happens here, on exit.
func (e *Engine) runSpeculative(ctx context.Context, runner sandbox.Runner, t *specTask, timeoutS int) {
	defer speculationsInflight.Dec()
	defer t.cancel()

	result, err := runner.Execute(ctx, sandbox.TaskSpec{
		WorkflowID:  t.workflowID,
		Capability:  t.candidate.Capability,
		Speculative: true,
		TimeoutS:    timeoutS,
	})
	if err == nil && ctx.Err() != nil {
		// The runner absorbed the context error into its result;
		// surface it so reconciliation never adopts a partial run.
		err = ctx.Err()
	}

	if wasDiscarded, reason := t.finish(result, err); wasDiscarded {
		e.finalizeDiscard(t, reason)
	}
}

// ReportOutcome reconciles the workflow's real next step against any
// in-flight speculation, executes it synchronously when no usable
// speculative result exists, and feeds the outcome to the learner. The
// optional success flag lets the driver override reward attribution
// when it knows better than the raw execution result.
func (e *Engine) ReportOutcome(ctx context.Context, workflowID, actual string, args map[string]model.ContextValue, success *bool) (*StepResult, error) {
	if actual == "" {
		return nil, fmt.Errorf("capability must not be empty")
	}
	sess := e.lookup(workflowID)
	if sess == nil {
		return nil, ErrWorkflowNotFound
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	start := time.Now()
	confidence := sess.predicted[actual]
	speculated := false

	var (
		adopted bool
		result  sandbox.TaskResult
	)
	if t, ok := sess.tasks[actual]; ok {
		delete(sess.tasks, actual)
		speculated = true
		adopted, result = e.reconcileMatch(t, start)
	}
	// Whatever else is still in flight bet on the wrong next step.
	e.discardInflight(sess, model.ReasonMismatch)

	var (
		step   model.TaskStep
		output map[string]model.ContextValue
		errMsg string
		source string
	)
	if adopted {
		source = model.DecisionSpeculative
		step = model.TaskStep{
			Capability:  actual,
			Success:     result.Success,
			DurationMS:  int64(result.DurationMS),
			Speculative: true,
		}
		output = result.Output
		errMsg = result.Error
	} else {
		source = model.DecisionSynchronous
		step, output, errMsg = e.executeSync(ctx, workflowID, actual, args)
	}

	prev := sess.state.LastCapability()
	now := time.Now().UTC()
	sess.state.Completed = append(sess.state.Completed, step)
	sess.state.Decisions = append(sess.state.Decisions, model.Decision{
		Seq:        len(sess.state.Decisions) + 1,
		Capability: actual,
		Source:     source,
		Confidence: confidence,
		DecidedAt:  now,
	})
	removePending(sess.state, actual)
	mergeContext(sess.state, output)
	sess.state.UpdatedAt = now
	sess.predicted = nil

	reward := step.Success
	if success != nil {
		reward = *success
	}
	e.learner.Report(learn.Outcome{
		WorkflowID:          workflowID,
		PrevCapability:      prev,
		Capability:          actual,
		Success:             reward,
		DurationMS:          float64(step.DurationMS),
		PredictedConfidence: confidence,
		Needed:              true,
		Speculated:          speculated,
		SpeculationCorrect:  speculated,
	})

	if !adopted {
		e.publish(workflowID, model.EventExecuted, actual, confidence, "")
	}
	e.checkpointAsync(sess.state.Clone())

	return &StepResult{Step: step, Source: source, Output: output, Error: errMsg}, nil
}

// reconcileMatch resolves the speculative task matching the actual next
// step: adopt its result when a usable one lands within the commit
// window, otherwise discard. Either way the prediction was correct; the
// caller reflects that in its outcome report.
func (e *Engine) reconcileMatch(t *specTask, start time.Time) (bool, sandbox.TaskResult) {
	if !t.isDone() {
		if wait := time.Duration(e.cfg.CommitWaitMS) * time.Millisecond; wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-t.done:
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	if !t.isDone() {
		// Still in flight past the commit window: let it run out in the
		// background and take the synchronous path.
		e.discardMatched(t, model.ReasonLate)
		return false, sandbox.TaskResult{}
	}

	result, err := t.snapshotResult()
	if err != nil {
		// The runner never produced a usable result, typically because
		// the per-task deadline fired. Rerun synchronously.
		e.discardMatched(t, model.ReasonTimeout)
		return false, sandbox.TaskResult{}
	}
	if !t.commit() {
		return false, sandbox.TaskResult{}
	}

	commitLatency.Observe(time.Since(start).Seconds())
	speculationsTotal.WithLabelValues(model.SpecCommitted).Inc()
	e.logOutcome(&model.SpeculationOutcome{
		ID:         model.NewID(),
		WorkflowID: t.workflowID,
		Capability: t.candidate.Capability,
		Domain:     model.DomainOf(t.candidate.Capability),
		Confidence: t.candidate.Confidence,
		Result:     model.SpecCommitted,
		Reason:     model.ReasonHit,
		CreatedAt:  time.Now().UTC(),
	})
	e.publish(t.workflowID, model.EventCommitted, t.candidate.Capability, t.candidate.Confidence, "")
	e.logger.Debug("speculation committed",
		"workflow_id", t.workflowID,
		"capability", t.candidate.Capability,
		"latency_ms", time.Since(start).Milliseconds())
	return true, result
}

// discardMatched discards one task the reconciler pulled out of the
// session map, finalizing inline when the runner already returned.
func (e *Engine) discardMatched(t *specTask, reason string) {
	if ok, finished := t.discard(reason); ok {
		e.publish(t.workflowID, model.EventDiscarded, t.candidate.Capability, t.candidate.Confidence, reason)
		if finished {
			e.finalizeDiscard(t, reason)
		}
	}
}

// discardInflight discards every remaining speculative task in the
// session. The caller holds the session mutex. Discard never awaits the
// task; a still-running goroutine reports its own waste on exit.
func (e *Engine) discardInflight(sess *session, reason string) {
	for id, t := range sess.tasks {
		delete(sess.tasks, id)
		e.discardMatched(t, reason)
	}
}

// executeSync runs the real step on the caller's path.
func (e *Engine) executeSync(ctx context.Context, workflowID, capability string, args map[string]model.ContextValue) (model.TaskStep, map[string]model.ContextValue, string) {
	step := model.TaskStep{Capability: capability}

	runner, _, err := e.registry.Resolve(capability)
	if err != nil {
		return step, nil, err.Error()
	}

	timeoutS := e.taskTimeout()
	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	start := time.Now()
	result, err := runner.Execute(execCtx, sandbox.TaskSpec{
		WorkflowID: workflowID,
		Capability: capability,
		Args:       args,
		TimeoutS:   timeoutS,
	})
	if err != nil {
		errMsg := err.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("task timed out after %ds", timeoutS)
		}
		step.DurationMS = time.Since(start).Milliseconds()
		return step, nil, errMsg
	}

	step.Success = result.Success
	step.DurationMS = int64(result.DurationMS)
	return step, result.Output, result.Error
}

// CompleteWorkflow ends a workflow: stragglers are discarded without
// counting against the threshold, the final checkpoint is archived, the
// event topic closes, and the learner's retrain cadence advances.
func (e *Engine) CompleteWorkflow(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	sess := e.lookup(workflowID)
	if sess == nil {
		return nil, ErrWorkflowNotFound
	}

	sess.mu.Lock()
	e.discardInflight(sess, model.ReasonWorkflowDone)
	sess.state.Status = model.WorkflowArchived
	sess.state.UpdatedAt = time.Now().UTC()
	final := sess.state.Clone()
	sess.mu.Unlock()

	// Written inline so a restart cannot resurrect a finished workflow.
	if err := e.store.SaveCheckpoint(ctx, final); err != nil {
		e.logger.Error("failed to write final checkpoint", "workflow_id", workflowID, "error", err)
	}

	e.mu.Lock()
	delete(e.sessions, workflowID)
	e.mu.Unlock()

	e.publish(workflowID, model.EventCompleted, "", 0, "")
	e.broker.Close(workflowID)
	e.learner.WorkflowCompleted(workflowID)

	e.logger.Info("workflow completed",
		"workflow_id", workflowID,
		"steps", len(final.Completed))
	return final, nil
}

// State returns the current state of a workflow: the live session's
// view when one exists, otherwise the last checkpoint.
func (e *Engine) State(ctx context.Context, workflowID string) (*model.WorkflowState, error) {
	if sess := e.lookup(workflowID); sess != nil {
		return sess.snapshot(), nil
	}
	return e.store.LoadCheckpoint(ctx, workflowID)
}

// finalizeDiscard accounts for one discarded task after its runner has
// returned: waste metrics, the audit log row, and the learner report.
// Exactly one caller runs it per task.
func (e *Engine) finalizeDiscard(t *specTask, reason string) {
	wasted := t.runtime()
	speculationsTotal.WithLabelValues(model.SpecDiscarded).Inc()
	speculationWastedSeconds.Add(wasted.Seconds())

	e.logOutcome(&model.SpeculationOutcome{
		ID:         model.NewID(),
		WorkflowID: t.workflowID,
		Capability: t.candidate.Capability,
		Domain:     model.DomainOf(t.candidate.Capability),
		Confidence: t.candidate.Confidence,
		Result:     model.SpecDiscarded,
		Reason:     reason,
		WastedMS:   wasted.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	})

	switch reason {
	case model.ReasonMismatch:
		// The prediction was wrong: observe the threshold and retain a
		// trace so surprising misses feed retraining.
		e.learner.Report(learn.Outcome{
			WorkflowID:          t.workflowID,
			Capability:          t.candidate.Capability,
			PredictedConfidence: t.candidate.Confidence,
			Speculated:          true,
		})
	case model.ReasonWorkflowDone:
		// Threshold-neutral: the workflow ended before the prediction
		// could be judged either way.
		e.learner.Report(learn.Outcome{
			WorkflowID:          t.workflowID,
			Capability:          t.candidate.Capability,
			PredictedConfidence: t.candidate.Confidence,
		})
	}
	// Late and timed-out matches are covered by the synchronous step's
	// own report; the prediction itself was correct.

	e.logger.Debug("speculation discarded",
		"workflow_id", t.workflowID,
		"capability", t.candidate.Capability,
		"reason", reason,
		"wasted_ms", wasted.Milliseconds())
}

// logOutcome appends to the speculation audit log off the critical path.
func (e *Engine) logOutcome(o *model.SpeculationOutcome) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.store.LogSpeculation(context.Background(), o); err != nil {
			e.logger.Error("failed to record speculation outcome",
				"workflow_id", o.WorkflowID,
				"capability", o.Capability,
				"error", err)
		}
	}()
}

// checkpointAsync persists a state clone off the critical path.
// Checkpoint failures are logged, never surfaced; a missing checkpoint
// only costs resumability.
func (e *Engine) checkpointAsync(state *model.WorkflowState) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.store.SaveCheckpoint(context.Background(), state); err != nil {
			e.logger.Error("failed to checkpoint workflow", "workflow_id", state.ID, "error", err)
		}
	}()
}

func (e *Engine) publish(workflowID, eventType, capability string, confidence float64, detail string) {
	e.broker.Publish(workflowID, model.DecisionEvent{
		WorkflowID: workflowID,
		Type:       eventType,
		Capability: capability,
		Confidence: confidence,
		Detail:     detail,
		At:         time.Now().UTC(),
	})
}

func (e *Engine) lookup(workflowID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[workflowID]
}

func (e *Engine) taskTimeout() int {
	if e.cfg.TaskTimeoutS > 0 {
		return e.cfg.TaskTimeoutS
	}
	return DefaultTimeoutS
}

func (s *session) snapshot() *model.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

func removePending(state *model.WorkflowState, capability string) {
	for i, p := range state.Pending {
		if p == capability {
			state.Pending = append(state.Pending[:i], state.Pending[i+1:]...)
			return
		}
	}
}

func mergeContext(state *model.WorkflowState, output map[string]model.ContextValue) {
	if len(output) == 0 {
		return
	}
	if state.Context == nil {
		state.Context = make(map[string]model.ContextValue, len(output))
	}
	for k, v := range output {
		state.Context[k] = v
	}
}

func cloneContext(in map[string]model.ContextValue) map[string]model.ContextValue {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]model.ContextValue, len(in))
	for k, v := range in {
		if v.Kind == model.ValueList {
			v.List = append([]string(nil), v.List...)
		}
		out[k] = v
	}
	return out
}
