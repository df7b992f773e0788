package model

import (
	"strings"
	"time"
)

// Capability kind constants. Kinds classify what a tool does and gate which
// capabilities may be executed speculatively.
const (
	KindRead   = "read"
	KindQuery  = "query"
	KindDryRun = "dryrun"
	KindMutate = "mutate"
	KindNotify = "notify"
)

// Capability is a node in the capability co-occurrence graph. Nodes are created
// on first observed use and never deleted, only deprecated.
type Capability struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Deprecated bool      `json:"deprecated,omitempty"`
	Importance float64   `json:"importance"`
	MeanCostMS float64   `json:"mean_cost_ms"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CapabilityEdge is the externally visible view of a co-occurrence edge.
// Weight is the raw co-occurrence count; Confidence is the learned success
// estimate for the source→target transition, in [0,1].
type CapabilityEdge struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Weight     float64 `json:"weight"`
	Confidence float64 `json:"confidence"`
}

// DomainOf extracts the capability namespace: the id prefix up to the first
// dot. Capabilities without a namespace fall into the "default" domain.
func DomainOf(capabilityID string) string {
	if i := strings.IndexByte(capabilityID, '.'); i > 0 {
		return capabilityID[:i]
	}
	return "default"
}
