package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Workflow status constants.
const (
	WorkflowActive   = "active"
	WorkflowArchived = "archived"
)

// Decision source constants record how a step's result was obtained.
const (
	DecisionSpeculative = "speculative-commit"
	DecisionSynchronous = "synchronous"
)

// Goal status constants.
const (
	GoalPending   = "pending"
	GoalDone      = "done"
	GoalAbandoned = "abandoned"
)

// Context value kinds.
const (
	ValueString = "string"
	ValueNumber = "number"
	ValueBool   = "bool"
	ValueList   = "list"
)

// ContextValue is one typed entry in a workflow's context map. Exactly one
// payload field is meaningful, selected by Kind. The closed set of kinds keeps
// checkpointed context maps round-trippable without reflection surprises.
type ContextValue struct {
	Kind string
	Str  string
	Num  float64
	Bool bool
	List []string
}

// StringValue wraps s as a context value.
func StringValue(s string) ContextValue { return ContextValue{Kind: ValueString, Str: s} }

// NumberValue wraps n as a context value.
func NumberValue(n float64) ContextValue { return ContextValue{Kind: ValueNumber, Num: n} }

// BoolValue wraps b as a context value.
func BoolValue(b bool) ContextValue { return ContextValue{Kind: ValueBool, Bool: b} }

// ListValue wraps xs as a context value. The slice is copied.
func ListValue(xs []string) ContextValue {
	return ContextValue{Kind: ValueList, List: append([]string(nil), xs...)}
}

// contextValueJSON is the wire form of a ContextValue.
type contextValueJSON struct {
	Kind  string          `json:"kind"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON encodes the value as {"kind": ..., "value": ...}.
func (v ContextValue) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case ValueString:
		payload = v.Str
	case ValueNumber:
		payload = v.Num
	case ValueBool:
		payload = v.Bool
	case ValueList:
		if v.List == nil {
			payload = []string{}
		} else {
			payload = v.List
		}
	default:
		return nil, fmt.Errorf("unknown context value kind %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(contextValueJSON{Kind: v.Kind, Value: raw})
}

// UnmarshalJSON decodes the tagged wire form back into a typed value.
func (v *ContextValue) UnmarshalJSON(data []byte) error {
	var wire contextValueJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := ContextValue{Kind: wire.Kind}
	switch wire.Kind {
	case ValueString:
		if err := json.Unmarshal(wire.Value, &out.Str); err != nil {
			return err
		}
	case ValueNumber:
		if err := json.Unmarshal(wire.Value, &out.Num); err != nil {
			return err
		}
	case ValueBool:
		if err := json.Unmarshal(wire.Value, &out.Bool); err != nil {
			return err
		}
	case ValueList:
		if err := json.Unmarshal(wire.Value, &out.List); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown context value kind %q", wire.Kind)
	}
	*v = out
	return nil
}

// TaskStep is one completed step in a workflow.
type TaskStep struct {
	Capability  string `json:"capability"`
	Success     bool   `json:"success"`
	DurationMS  int64  `json:"duration_ms"`
	Speculative bool   `json:"speculative,omitempty"`
}

// Decision is one entry in a workflow's decision log.
type Decision struct {
	Seq        int       `json:"seq"`
	Capability string    `json:"capability"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	DecidedAt  time.Time `json:"decided_at"`
}

// Goal tracks one workflow objective.
type Goal struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

// WorkflowState is the full state of one workflow instance. A state is owned
// by exactly one workflow session for its lifetime; the engine never mutates
// one state from two goroutines.
type WorkflowState struct {
	ID        string                  `json:"id"`
	Domain    string                  `json:"domain,omitempty"`
	Status    string                  `json:"status"`
	Completed []TaskStep              `json:"completed"`
	Pending   []string                `json:"pending,omitempty"`
	Decisions []Decision              `json:"decisions"`
	Context   map[string]ContextValue `json:"context,omitempty"`
	Goals     []Goal                  `json:"goals,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

// LastCapability returns the most recently completed capability id, or ""
// for a workflow that has not executed any step yet.
func (s *WorkflowState) LastCapability() string {
	if len(s.Completed) == 0 {
		return ""
	}
	return s.Completed[len(s.Completed)-1].Capability
}

// Clone deep-copies the state so checkpoint writes can proceed off the
// session's critical path without racing later mutations.
func (s *WorkflowState) Clone() *WorkflowState {
	out := *s
	out.Completed = append([]TaskStep(nil), s.Completed...)
	out.Pending = append([]string(nil), s.Pending...)
	out.Decisions = append([]Decision(nil), s.Decisions...)
	out.Goals = append([]Goal(nil), s.Goals...)
	if s.Context != nil {
		out.Context = make(map[string]ContextValue, len(s.Context))
		for k, v := range s.Context {
			if v.Kind == ValueList {
				v.List = append([]string(nil), v.List...)
			}
			out.Context[k] = v
		}
	}
	return &out
}
