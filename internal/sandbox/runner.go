// Package sandbox defines the boundary to the external tool-execution
// collaborator: the Runner interface tool hosts implement, the registry
// that resolves capability ids to runners, and the startup validation
// that keeps side-effecting capabilities out of speculation.
package sandbox

import (
	"context"

	"github.com/presagehq/presage/internal/model"
)

// Runner executes capability invocations. Implementations enforce their
// own isolation and are expected to honor context cancellation and
// deadlines; the engine never waits for a cancelled task beyond its
// accounting.
type Runner interface {
	// Execute runs one capability invocation. The context carries the
	// per-task timeout and the cancellation used to discard speculation.
	Execute(ctx context.Context, spec TaskSpec) (TaskResult, error)

	// Info reports the capabilities this runner hosts.
	Info() RunnerInfo
}

// TaskSpec describes one capability invocation.
type TaskSpec struct {
	WorkflowID  string                        `json:"workflow_id"`
	Capability  string                        `json:"capability"`
	Args        map[string]model.ContextValue `json:"args,omitempty"`
	Speculative bool                          `json:"speculative"`
	TimeoutS    int                           `json:"timeout_s"`
}

// TaskResult holds the output of a capability invocation.
type TaskResult struct {
	Success    bool                          `json:"success"`
	Output     map[string]model.ContextValue `json:"output,omitempty"`
	Error      string                        `json:"error,omitempty"`
	DurationMS float64                       `json:"duration_ms"`
}

// RunnerInfo describes a runner and the capabilities it hosts.
type RunnerInfo struct {
	Name         string           `json:"name"`
	Capabilities []CapabilityInfo `json:"capabilities"`
}

// CapabilityInfo is a runner's declaration of one hosted capability.
// SideEffectFree asserts that executing and then discarding the
// capability leaves no observable trace; only such capabilities may be
// speculated.
type CapabilityInfo struct {
	ID             string  `json:"id"`
	Kind           string  `json:"kind"`
	SideEffectFree bool    `json:"side_effect_free"`
	MeanCostMS     float64 `json:"mean_cost_ms,omitempty"`
}
