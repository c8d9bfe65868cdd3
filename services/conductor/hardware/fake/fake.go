// Package fake provides a no-op hardware bundle. Every operation succeeds
// synchronously, power state lives in process memory. It exists for tests
// and for enrolling nodes before their real credentials are known.
package fake

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"corrald/services/conductor/hardware"
	"corrald/services/conductor/internal/store"
)

// DriverName is the driver bundle registered by Register.
const DriverName = "fake-hardware"

// Register installs the fake implementations and the fake-hardware bundle
// into reg.
func Register(reg *hardware.Registry) error {
	power := &Power{states: make(map[uuid.UUID]string)}
	for ifaceType, impl := range map[hardware.InterfaceType]any{
		hardware.Power:      power,
		hardware.Boot:       Boot{},
		hardware.Deploy:     Deploy{},
		hardware.Inspect:    Inspect{},
		hardware.Management: Management{},
		hardware.Rescue:     Rescue{},
	} {
		if err := reg.Register(ifaceType, "fake", impl); err != nil {
			return err
		}
	}

	defaults := make(map[hardware.InterfaceType]string)
	supported := make(map[hardware.InterfaceType][]string)
	for _, ifaceType := range hardware.ContractTypes() {
		defaults[ifaceType] = "fake"
		supported[ifaceType] = []string{"fake"}
	}
	return reg.RegisterDriver(hardware.Driver{
		Name:      DriverName,
		Defaults:  defaults,
		Supported: supported,
	})
}

// Power keeps per-node power state in memory. Unknown nodes report power off.
type Power struct {
	mu     sync.Mutex
	states map[uuid.UUID]string
}

func (p *Power) Validate(context.Context, *store.Node) error { return nil }

func (p *Power) GetState(_ context.Context, n *store.Node) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[n.ID]; ok {
		return s, nil
	}
	return hardware.PowerOff, nil
}

func (p *Power) SetState(_ context.Context, n *store.Node, target string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if target == hardware.PowerRebooting {
		target = hardware.PowerOn
	}
	p.states[n.ID] = target
	return nil
}

type Boot struct{}

func (Boot) Validate(context.Context, *store.Node) error { return nil }
func (Boot) PrepareRamdisk(context.Context, *store.Node, map[string]any) error {
	return nil
}
func (Boot) PrepareInstance(context.Context, *store.Node) error { return nil }
func (Boot) CleanUp(context.Context, *store.Node) error         { return nil }

type Deploy struct{}

func (Deploy) Validate(context.Context, *store.Node) error { return nil }
func (Deploy) Deploy(context.Context, *store.Node, map[string]any) (hardware.Outcome, error) {
	return hardware.Complete(), nil
}
func (Deploy) TearDown(context.Context, *store.Node) error { return nil }
func (Deploy) Clean(context.Context, *store.Node, map[string]any) (hardware.Outcome, error) {
	return hardware.Complete(), nil
}

type Inspect struct{}

func (Inspect) Validate(context.Context, *store.Node) error { return nil }
func (Inspect) Inspect(context.Context, *store.Node, map[string]any) (hardware.Outcome, error) {
	return hardware.Complete(), nil
}

type Management struct{}

func (Management) Validate(context.Context, *store.Node) error { return nil }
func (Management) SetBootDevice(context.Context, *store.Node, string) error {
	return nil
}

type Rescue struct{}

func (Rescue) Validate(context.Context, *store.Node) error { return nil }
func (Rescue) Rescue(context.Context, *store.Node, map[string]any) (hardware.Outcome, error) {
	return hardware.Complete(), nil
}
func (Rescue) Unrescue(context.Context, *store.Node) error { return nil }
