package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/presagehq/presage/internal/model"
)

// InProcFunc is the body of an in-process capability.
type InProcFunc func(ctx context.Context, args map[string]model.ContextValue) (map[string]model.ContextValue, error)

// InProcRunner hosts capabilities as plain functions inside the engine
// process. It is the default runner for the daemon's built-in
// capabilities and the workhorse of tests; remote tool servers implement
// Runner over their own transport.
type InProcRunner struct {
	name string

	mu   sync.RWMutex
	caps map[string]inprocCapability
}

type inprocCapability struct {
	info CapabilityInfo
	fn   InProcFunc
}

// NewInProcRunner creates an empty in-process runner.
func NewInProcRunner(name string) *InProcRunner {
	return &InProcRunner{
		name: name,
		caps: make(map[string]inprocCapability),
	}
}

// Handle registers a capability implementation. Later registrations
// replace earlier ones.
func (r *InProcRunner) Handle(info CapabilityInfo, fn InProcFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.caps[info.ID] = inprocCapability{info: info, fn: fn}
}

// Execute runs the capability function synchronously. The function is
// responsible for honoring ctx; Execute refuses to start once ctx is
// already done.
func (r *InProcRunner) Execute(ctx context.Context, spec TaskSpec) (TaskResult, error) {
	r.mu.RLock()
	c, ok := r.caps[spec.Capability]
	r.mu.RUnlock()
	if !ok {
		return TaskResult{}, fmt.Errorf("capability %q is not handled by runner %q", spec.Capability, r.name)
	}

	if err := ctx.Err(); err != nil {
		return TaskResult{}, err
	}

	start := time.Now()
	output, err := c.fn(ctx, spec.Args)
	duration := float64(time.Since(start).Microseconds()) / 1000.0
	if err != nil {
		return TaskResult{
			Success:    false,
			Error:      err.Error(),
			DurationMS: duration,
		}, nil
	}
	return TaskResult{
		Success:    true,
		Output:     output,
		DurationMS: duration,
	}, nil
}

// Info lists the hosted capabilities.
func (r *InProcRunner) Info() RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info := RunnerInfo{Name: r.name, Capabilities: make([]CapabilityInfo, 0, len(r.caps))}
	for _, c := range r.caps {
		info.Capabilities = append(info.Capabilities, c.info)
	}
	return info
}
