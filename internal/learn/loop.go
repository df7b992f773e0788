// Package learn closes the feedback loop: executed-step outcomes flow
// in, and edge weights, path confidences, the speculation threshold, the
// trace buffer, and (periodically) the embedding table flow out.
package learn

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/presagehq/presage/internal/config"
	"github.com/presagehq/presage/internal/embed"
	"github.com/presagehq/presage/internal/graph"
	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/threshold"
)

const (
	reportQueueSize = 1024

	// overflowRetryInterval paces draining of reports that arrived
	// while the queue was full.
	overflowRetryInterval = 100 * time.Millisecond

	// hotSampleSize bounds how many capabilities get boosted walks per
	// retrain.
	hotSampleSize = 8
)

var (
	overflowTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presage_learn_overflow_total",
		Help: "Outcome reports that missed the queue and were buffered for retry.",
	})
	traceBufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presage_learn_trace_buffer_size",
		Help: "Traces currently retained in the prioritized buffer.",
	})
)

func init() {
	prometheus.MustRegister(overflowTotal, traceBufferSize)
}

// Outcome is one completed task execution reported by the executor.
type Outcome struct {
	WorkflowID     string
	PrevCapability string // real predecessor step; empty for first steps and wasted speculation
	Capability     string
	Tools          []string
	Success        bool    // task-level execution success
	DurationMS     float64 // 0 when the task was cancelled before finishing

	// PredictedConfidence is the score the predictor assigned to this
	// capability at the decision point, 0 when it was never proposed.
	PredictedConfidence float64

	// Needed marks the capability as the workflow's real next step
	// (committed speculation or synchronous execution), as opposed to
	// wasted speculative work.
	Needed bool

	// Speculated marks outcomes that should feed the adaptive
	// threshold; SpeculationCorrect is the boolean it records.
	Speculated         bool
	SpeculationCorrect bool
}

type report struct {
	outcome     *Outcome
	workflowID  string // set for workflow-completion markers
	workflowEnd bool
}

// Loop consumes outcome reports off the executor's critical path and
// applies them to the graph, the threshold controller, and the trace
// buffer. Reporting never blocks: a full queue spills into an overflow
// list drained by the worker.
type Loop struct {
	cfg        config.LearningConfig
	graph      *graph.Store
	embeddings *embed.Engine
	thresholds *threshold.Controller
	logger     *slog.Logger

	reports    chan report
	overflowMu sync.Mutex
	overflow   []report

	buffer    *traceBuffer
	completed atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLoop wires the feedback loop. Call Start to begin consuming.
func NewLoop(cfg config.LearningConfig, g *graph.Store, e *embed.Engine, th *threshold.Controller, logger *slog.Logger) *Loop {
	return &Loop{
		cfg:        cfg,
		graph:      g,
		embeddings: e,
		thresholds: th,
		logger:     logger,
		reports:    make(chan report, reportQueueSize),
		buffer:     newTraceBuffer(cfg.TraceBuffer, time.Now().UnixNano()),
	}
}

// Start launches the worker goroutine.
func (l *Loop) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// Stop halts the worker and waits for any in-flight retrain.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
}

// Report enqueues one outcome. Never blocks.
func (l *Loop) Report(o Outcome) {
	l.enqueue(report{outcome: &o})
}

// WorkflowCompleted advances the retrain schedule. Never blocks.
func (l *Loop) WorkflowCompleted(workflowID string) {
	l.enqueue(report{workflowID: workflowID, workflowEnd: true})
}

// TraceCount returns the number of retained traces.
func (l *Loop) TraceCount() int {
	return l.buffer.len()
}

// CompletedWorkflows returns how many workflow completions have been
// processed.
func (l *Loop) CompletedWorkflows() uint64 {
	return l.completed.Load()
}

func (l *Loop) enqueue(r report) {
	select {
	case l.reports <- r:
	default:
		l.overflowMu.Lock()
		l.overflow = append(l.overflow, r)
		l.overflowMu.Unlock()
		overflowTotal.Inc()
	}
}

func (l *Loop) run(ctx context.Context) {
	retry := time.NewTicker(overflowRetryInterval)
	defer retry.Stop()

	var decayCh <-chan time.Time
	if l.cfg.DecayIntervalS > 0 {
		decay := time.NewTicker(time.Duration(l.cfg.DecayIntervalS) * time.Second)
		defer decay.Stop()
		decayCh = decay.C
	}

	for {
		select {
		case r := <-l.reports:
			l.handle(ctx, r)
		case <-retry.C:
			l.drainOverflow(ctx)
		case <-decayCh:
			l.graph.Decay(l.cfg.DecayFactor)
			l.logger.Debug("edge weight decay applied", "factor", l.cfg.DecayFactor)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) drainOverflow(ctx context.Context) {
	l.overflowMu.Lock()
	pending := l.overflow
	l.overflow = nil
	l.overflowMu.Unlock()

	for _, r := range pending {
		l.handle(ctx, r)
	}
}

func (l *Loop) handle(ctx context.Context, r report) {
	if r.workflowEnd {
		n := l.completed.Add(1)
		if n%uint64(l.cfg.RetrainEvery) == 0 {
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.retrain(ctx)
			}()
		}
		return
	}

	o := r.outcome
	reward := 0.0
	if o.Success {
		reward = 1.0
	}

	if o.Needed && o.PrevCapability != "" {
		l.graph.UpsertEdge(o.PrevCapability, o.Capability, 1)
		conf := l.graph.UpdateConfidence(o.PrevCapability, o.Capability, reward, l.cfg.Alpha)
		l.logger.Debug("transition learned",
			"workflow_id", o.WorkflowID,
			"edge", o.PrevCapability+"->"+o.Capability,
			"reward", reward,
			"confidence", conf,
		)
	}
	if o.DurationMS > 0 {
		l.graph.RecordCost(o.Capability, o.DurationMS)
	}
	if o.Speculated {
		l.thresholds.Observe(o.Capability, o.SpeculationCorrect)
	}

	needed := 0.0
	if o.Needed {
		needed = 1.0
	}
	l.buffer.add(model.Trace{
		ID:         model.NewID(),
		WorkflowID: o.WorkflowID,
		Capability: o.Capability,
		Tools:      o.Tools,
		Success:    o.Success,
		Priority:   math.Abs(o.PredictedConfidence - needed),
		CreatedAt:  time.Now().UTC(),
	})
	traceBufferSize.Set(float64(l.buffer.len()))
}

// Retrain rebuilds embeddings and structural importance from a fresh
// snapshot, boosting walks for capabilities the trace buffer flags as
// surprising. Safe to call directly (e.g. once at startup after loading
// a persisted graph); concurrent calls collapse into one.
func (l *Loop) Retrain(ctx context.Context) error {
	snap := l.graph.Snapshot()
	hot := l.buffer.sampleHot(hotSampleSize)
	if err := l.embeddings.Retrain(ctx, snap, hot); err != nil {
		return err
	}
	l.graph.SetImportance(graph.PageRank(snap, graph.DefaultDamping))
	return nil
}

func (l *Loop) retrain(ctx context.Context) {
	err := l.Retrain(ctx)
	switch {
	case err == nil:
	case errors.Is(err, embed.ErrRetrainInFlight):
		l.logger.Debug("retrain skipped, previous still running")
	case errors.Is(err, context.Canceled):
	default:
		l.logger.Error("retrain failed", "error", err)
	}
}
