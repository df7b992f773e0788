package model

import "time"

// Speculative task status constants.
const (
	SpecRunning   = "running"
	SpecCommitted = "committed"
	SpecDiscarded = "discarded"
)

// Discard/commit reason constants, recorded in the speculation outcome log.
const (
	ReasonHit          = "hit"
	ReasonMismatch     = "mismatch"
	ReasonLate         = "late"
	ReasonTimeout      = "timeout"
	ReasonWorkflowDone = "workflow_complete"
)

// validSpecTransitions maps each speculative task status to the set of
// statuses it may transition to. Committed and discarded are terminal.
var validSpecTransitions = map[string]map[string]bool{
	SpecRunning: {
		SpecCommitted: true,
		SpecDiscarded: true,
	},
}

// ValidSpecTransition reports whether a speculative task may move from one
// status to another.
func ValidSpecTransition(from, to string) bool {
	targets, ok := validSpecTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Candidate is a ranked next-task prediction. Candidates are ephemeral:
// produced per prediction cycle, never persisted.
type Candidate struct {
	Capability     string     `json:"capability"`
	Confidence     float64    `json:"confidence"`
	Derivation     Derivation `json:"derivation"`
	CostEstimateMS float64    `json:"cost_estimate_ms"`
}

// Derivation records the raw signals behind a candidate's confidence, each in
// [0,1]. SemanticUsed is false when the embedding table was empty and scoring
// fell back to structural signals only.
type Derivation struct {
	Semantic       float64 `json:"semantic"`
	Importance     float64 `json:"importance"`
	PathConfidence float64 `json:"path_confidence"`
	SemanticUsed   bool    `json:"semantic_used"`
}

// Trace is an execution trace retained for replay-based retraining. Priority
// is the absolute prediction error: high-confidence misses and low-confidence
// hits are the most informative.
type Trace struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Capability string    `json:"capability"`
	Tools      []string  `json:"tools,omitempty"`
	Success    bool      `json:"success"`
	Priority   float64   `json:"priority"`
	CreatedAt  time.Time `json:"created_at"`
}

// SpeculationOutcome is one row in the speculation audit log: what was
// speculated, how it ended, and how much work was thrown away.
type SpeculationOutcome struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Capability string    `json:"capability"`
	Domain     string    `json:"domain"`
	Confidence float64   `json:"confidence"`
	Result     string    `json:"result"`
	Reason     string    `json:"reason"`
	WastedMS   int64     `json:"wasted_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Decision event types published on a workflow's event stream.
const (
	EventPredicted  = "predicted"
	EventSpeculated = "speculation_launched"
	EventCommitted  = "speculation_committed"
	EventDiscarded  = "speculation_discarded"
	EventExecuted   = "executed"
	EventCompleted  = "workflow_completed"
)

// DecisionEvent is one entry on a workflow's live event stream.
type DecisionEvent struct {
	WorkflowID string    `json:"workflow_id"`
	Type       string    `json:"type"`
	Capability string    `json:"capability,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	At         time.Time `json:"at"`
}
