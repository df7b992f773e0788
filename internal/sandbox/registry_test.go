package sandbox_test

import (
	"context"
	"testing"

	"github.com/presagehq/presage/internal/model"
	"github.com/presagehq/presage/internal/sandbox"
)

// stubRunner is a minimal Runner for registry tests.
type stubRunner struct {
	name string
	caps []sandbox.CapabilityInfo
}

func (s *stubRunner) Execute(_ context.Context, _ sandbox.TaskSpec) (sandbox.TaskResult, error) {
	return sandbox.TaskResult{Success: true}, nil
}

func (s *stubRunner) Info() sandbox.RunnerInfo {
	return sandbox.RunnerInfo{Name: s.name, Capabilities: s.caps}
}

func readCap(id string) sandbox.CapabilityInfo {
	return sandbox.CapabilityInfo{ID: id, Kind: model.KindRead, SideEffectFree: true}
}

func TestRegistryRegisterAndResolve(t *testing.T) {
	reg := sandbox.NewRegistry()
	r := &stubRunner{name: "builtin", caps: []sandbox.CapabilityInfo{readCap("fs.read"), readCap("fs.stat")}}
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	runner, info, err := reg.Resolve("fs.read")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if runner != sandbox.Runner(r) {
		t.Error("Resolve returned a different runner")
	}
	if info.ID != "fs.read" || info.Kind != model.KindRead {
		t.Errorf("info = %+v, want fs.read/read", info)
	}

	if _, _, err := reg.Resolve("net.fetch"); err == nil {
		t.Error("Resolve(net.fetch) succeeded, want error for unregistered capability")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := sandbox.NewRegistry()
	if err := reg.Register(&stubRunner{name: "a", caps: []sandbox.CapabilityInfo{readCap("fs.read")}}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := reg.Register(&stubRunner{name: "a", caps: []sandbox.CapabilityInfo{readCap("other")}}); err == nil {
		t.Error("duplicate runner name accepted, want error")
	}
	if err := reg.Register(&stubRunner{name: "b", caps: []sandbox.CapabilityInfo{readCap("fs.read")}}); err == nil {
		t.Error("duplicate capability id accepted, want error")
	}
}

func TestRegistryRejectsUnknownKind(t *testing.T) {
	reg := sandbox.NewRegistry()
	bad := &stubRunner{name: "a", caps: []sandbox.CapabilityInfo{{ID: "x", Kind: "destroy"}}}
	if err := reg.Register(bad); err == nil {
		t.Error("unknown kind accepted, want error")
	}
}

func TestValidateEligibility(t *testing.T) {
	reg := sandbox.NewRegistry()
	r := &stubRunner{name: "builtin", caps: []sandbox.CapabilityInfo{
		{ID: "fs.read", Kind: model.KindRead, SideEffectFree: true},
		{ID: "db.query", Kind: model.KindQuery, SideEffectFree: true},
		{ID: "db.write", Kind: model.KindMutate, SideEffectFree: false},
	}}
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := reg.ValidateEligibility([]string{model.KindRead, model.KindQuery}); err != nil {
		t.Fatalf("ValidateEligibility error: %v", err)
	}

	if !reg.Eligible("fs.read") || !reg.Eligible("db.query") {
		t.Error("side-effect-free capabilities of allowed kinds must be eligible")
	}
	if reg.Eligible("db.write") {
		t.Error("mutate capability eligible, want excluded")
	}
	if reg.Eligible("unregistered") {
		t.Error("unregistered capability eligible, want excluded")
	}
}

func TestValidateEligibilityFailsOnSideEffects(t *testing.T) {
	reg := sandbox.NewRegistry()
	r := &stubRunner{name: "builtin", caps: []sandbox.CapabilityInfo{
		{ID: "fs.read", Kind: model.KindRead, SideEffectFree: false},
	}}
	if err := reg.Register(r); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	if err := reg.ValidateEligibility([]string{model.KindRead}); err == nil {
		t.Error("allow-listed kind with side effects accepted, want fatal configuration error")
	}
}

func TestValidateEligibilityRejectsUnknownKind(t *testing.T) {
	reg := sandbox.NewRegistry()
	if err := reg.ValidateEligibility([]string{"destroy"}); err == nil {
		t.Error("unknown speculatable kind accepted, want error")
	}
}

func TestRegistryListSorted(t *testing.T) {
	reg := sandbox.NewRegistry()
	if err := reg.Register(&stubRunner{name: "zeta", caps: []sandbox.CapabilityInfo{readCap("z.one")}}); err != nil {
		t.Fatalf("Register error: %v", err)
	}
	if err := reg.Register(&stubRunner{name: "alpha", caps: []sandbox.CapabilityInfo{readCap("a.two"), readCap("a.one")}}); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d runners, want 2", len(list))
	}
	if list[0].Name != "alpha" || list[1].Name != "zeta" {
		t.Errorf("runner order = %s, %s; want alpha, zeta", list[0].Name, list[1].Name)
	}
	if list[0].Capabilities[0].ID != "a.one" {
		t.Errorf("capability order = %v, want a.one first", list[0].Capabilities)
	}

	caps := reg.Capabilities()
	if len(caps) != 3 {
		t.Fatalf("Capabilities() returned %d, want 3", len(caps))
	}
	if caps[0].ID != "a.one" || caps[2].ID != "z.one" {
		t.Errorf("capability ids = %v, want sorted", caps)
	}
}
