package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/presagehq/presage/internal/model"
)

var knownKinds = map[string]bool{
	model.KindRead:   true,
	model.KindQuery:  true,
	model.KindDryRun: true,
	model.KindMutate: true,
	model.KindNotify: true,
}

// Registry resolves capability ids to the runner hosting them and
// enforces the speculation allow-list. Registration happens at startup;
// resolution is concurrent with execution.
type Registry struct {
	mu           sync.RWMutex
	runners      map[string]Runner         // by runner name
	capabilities map[string]capabilityHost // by capability id
	speculatable map[string]bool           // kinds, set by ValidateEligibility
}

type capabilityHost struct {
	runner Runner
	info   CapabilityInfo
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners:      make(map[string]Runner),
		capabilities: make(map[string]capabilityHost),
		speculatable: make(map[string]bool),
	}
}

// Register adds a runner and all capabilities it declares. A capability
// id already claimed by another runner is a wiring error.
func (r *Registry) Register(runner Runner) error {
	info := runner.Info()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[info.Name]; ok {
		return fmt.Errorf("runner %q already registered", info.Name)
	}
	for _, c := range info.Capabilities {
		if !knownKinds[c.Kind] {
			return fmt.Errorf("capability %q declares unknown kind %q", c.ID, c.Kind)
		}
		if existing, ok := r.capabilities[c.ID]; ok {
			return fmt.Errorf("capability %q already hosted by runner %q", c.ID, existing.runner.Info().Name)
		}
	}

	r.runners[info.Name] = runner
	for _, c := range info.Capabilities {
		r.capabilities[c.ID] = capabilityHost{runner: runner, info: c}
	}
	return nil
}

// Resolve returns the runner hosting the capability and its declaration.
func (r *Registry) Resolve(capability string) (Runner, CapabilityInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, ok := r.capabilities[capability]
	if !ok {
		return nil, CapabilityInfo{}, fmt.Errorf("capability %q is not registered", capability)
	}
	return host.runner, host.info, nil
}

// ValidateEligibility checks the configured speculation allow-list
// against runner declarations: every registered capability of an
// allowed kind must be declared side-effect free. A violation is a
// configuration error the caller should treat as fatal; speculating a
// side-effecting capability cannot be handled at runtime. On success
// the allow-list is retained for Eligible checks.
func (r *Registry) ValidateEligibility(kinds []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := make(map[string]bool, len(kinds))
	for _, kind := range kinds {
		if !knownKinds[kind] {
			return fmt.Errorf("speculatable kind %q is not a known capability kind", kind)
		}
		allowed[kind] = true
	}

	ids := make([]string, 0, len(r.capabilities))
	for id := range r.capabilities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		host := r.capabilities[id]
		if allowed[host.info.Kind] && !host.info.SideEffectFree {
			return fmt.Errorf("capability %q has speculatable kind %q but is not side-effect free", id, host.info.Kind)
		}
	}

	r.speculatable = allowed
	return nil
}

// Eligible reports whether the capability may be executed speculatively.
// Unregistered capabilities are never eligible.
func (r *Registry) Eligible(capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, ok := r.capabilities[capability]
	if !ok {
		return false
	}
	return r.speculatable[host.info.Kind] && host.info.SideEffectFree
}

// List returns all runner declarations sorted by runner name, each with
// its capabilities sorted by id.
func (r *Registry) List() []RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RunnerInfo, 0, len(r.runners))
	for _, runner := range r.runners {
		info := runner.Info()
		sort.Slice(info.Capabilities, func(i, j int) bool {
			return info.Capabilities[i].ID < info.Capabilities[j].ID
		})
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Capabilities returns every registered capability declaration sorted
// by id.
func (r *Registry) Capabilities() []CapabilityInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]CapabilityInfo, 0, len(r.capabilities))
	for _, host := range r.capabilities {
		out = append(out, host.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
