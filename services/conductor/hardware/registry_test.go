package hardware

import (
	"context"
	"testing"

	"corrald/services/conductor/internal/store"
)

type stubPower struct{ state string }

func (s *stubPower) Validate(context.Context, *store.Node) error { return nil }
func (s *stubPower) GetState(context.Context, *store.Node) (string, error) {
	return s.state, nil
}
func (s *stubPower) SetState(_ context.Context, _ *store.Node, target string) error {
	s.state = target
	return nil
}

type stubDeploy struct{}

func (stubDeploy) Validate(context.Context, *store.Node) error { return nil }
func (stubDeploy) Deploy(context.Context, *store.Node, map[string]any) (Outcome, error) {
	return Complete(), nil
}
func (stubDeploy) TearDown(context.Context, *store.Node) error { return nil }
func (stubDeploy) Clean(context.Context, *store.Node, map[string]any) (Outcome, error) {
	return Complete(), nil
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	if err := reg.Register(Power, "stub", &stubPower{state: PowerOff}); err != nil {
		t.Fatalf("register power: %v", err)
	}
	if err := reg.Register(Deploy, "stub", stubDeploy{}); err != nil {
		t.Fatalf("register deploy: %v", err)
	}
	if err := reg.RegisterDriver(Driver{
		Name: "stub-hardware",
		Defaults: map[InterfaceType]string{
			Power:  "stub",
			Deploy: "stub",
		},
		Supported: map[InterfaceType][]string{
			Power:  {"stub"},
			Deploy: {"stub"},
		},
	}); err != nil {
		t.Fatalf("register driver: %v", err)
	}
	return reg
}

func TestRegisterRejectsWrongContract(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Deploy, "bad", &stubPower{}); err == nil {
		t.Fatal("expected contract mismatch error")
	}
	if err := reg.Register(RAID, "bad", stubDeploy{}); err == nil {
		t.Fatal("expected unbound interface type to be rejected")
	}
}

func TestRegisterDriverValidatesNames(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Power, "stub", &stubPower{}); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := reg.RegisterDriver(Driver{
		Name:      "broken",
		Supported: map[InterfaceType][]string{Power: {"missing"}},
	})
	if err == nil {
		t.Fatal("expected unknown implementation to be rejected")
	}

	err = reg.RegisterDriver(Driver{
		Name:      "broken",
		Defaults:  map[InterfaceType]string{Power: "stub"},
		Supported: map[InterfaceType][]string{},
	})
	if err == nil {
		t.Fatal("expected default outside supported set to be rejected")
	}
}

func TestResolveDefaultsAndSelection(t *testing.T) {
	reg := testRegistry(t)

	bound, err := reg.Resolve("stub-hardware", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if bound.Power == nil || bound.Deploy == nil {
		t.Fatal("expected power and deploy bound from defaults")
	}
	if bound.Boot != nil || bound.Rescue != nil {
		t.Fatal("unbound types must stay nil")
	}

	bound, err = reg.Resolve("stub-hardware", map[string]string{"power": "stub"})
	if err != nil {
		t.Fatalf("resolve with selection: %v", err)
	}
	if bound.Power == nil {
		t.Fatal("expected explicit selection to bind")
	}
}

func TestResolveRejectsUnsupported(t *testing.T) {
	reg := testRegistry(t)

	if _, err := reg.Resolve("nope", nil); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := reg.Resolve("stub-hardware", map[string]string{"power": "other"}); err == nil {
		t.Fatal("expected unsupported implementation error")
	}
}

func TestDefaultInterfaces(t *testing.T) {
	reg := testRegistry(t)

	defaults, err := reg.DefaultInterfaces("stub-hardware")
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if defaults["power"] != "stub" || defaults["deploy"] != "stub" {
		t.Fatalf("unexpected defaults: %v", defaults)
	}
}
