// Package hardware defines the pluggable interface contracts the conductor
// dispatches lifecycle steps to, and the registry that resolves a node's
// configured implementation names to concrete implementations. The
// orchestration core never hard-codes vendor behaviour; it only speaks these
// contracts.
package hardware

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/btcsuite/btcutil/base58"

	"corrald/services/conductor/internal/store"
)

// InterfaceType names one functional contract of a hardware-type bundle.
type InterfaceType string

const (
	Power      InterfaceType = "power"
	Boot       InterfaceType = "boot"
	Deploy     InterfaceType = "deploy"
	Inspect    InterfaceType = "inspect"
	Management InterfaceType = "management"
	Rescue     InterfaceType = "rescue"

	// Declared for forward compatibility with richer bundles; no contract
	// is bound for these types yet and configuring them is rejected.
	RAID     InterfaceType = "raid"
	Storage  InterfaceType = "storage"
	Vendor   InterfaceType = "vendor"
	Console  InterfaceType = "console"
	Firmware InterfaceType = "firmware"
	BIOS     InterfaceType = "bios"
	Network  InterfaceType = "network"
)

// ContractTypes lists the interface types with a bound Go contract.
func ContractTypes() []InterfaceType {
	return []InterfaceType{Power, Boot, Deploy, Inspect, Management, Rescue}
}

// Power states reported and requested through the power contract.
const (
	PowerOn        = "power on"
	PowerOff       = "power off"
	PowerRebooting = "rebooting"
)

// Outcome is what a long-running interface step reports back to the
// dispatcher. The zero value means the step completed synchronously. A
// waiting outcome carries the callback token and deadline under which an
// external execution agent must report back.
type Outcome struct {
	Waiting  bool
	Token    string
	Deadline time.Time
	Details  map[string]any
}

// Complete is a synchronously finished step.
func Complete() Outcome { return Outcome{} }

// WaitFor suspends the step until an agent callback presents token, or until
// deadline passes and the sweeper takes the failure edge.
func WaitFor(token string, deadline time.Time) Outcome {
	return Outcome{Waiting: true, Token: token, Deadline: deadline}
}

// AgentPayloadKey is the params key under which a resumed step receives the
// callback payload. Wait-capable steps must be re-entrant: the dispatcher
// re-invokes the same method on resume with the payload attached.
const AgentPayloadKey = "agent"

// PowerInterface controls and observes node power out-of-band.
type PowerInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	GetState(ctx context.Context, n *store.Node) (string, error)
	SetState(ctx context.Context, n *store.Node, target string) error
}

// BootInterface prepares the environment a node boots into.
type BootInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	PrepareRamdisk(ctx context.Context, n *store.Node, params map[string]any) error
	PrepareInstance(ctx context.Context, n *store.Node) error
	CleanUp(ctx context.Context, n *store.Node) error
}

// DeployInterface writes instance images and reverses that work. Deploy and
// Clean may return a waiting Outcome.
type DeployInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	Deploy(ctx context.Context, n *store.Node, params map[string]any) (Outcome, error)
	TearDown(ctx context.Context, n *store.Node) error
	Clean(ctx context.Context, n *store.Node, params map[string]any) (Outcome, error)
}

// InspectInterface discovers hardware properties.
type InspectInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	Inspect(ctx context.Context, n *store.Node, params map[string]any) (Outcome, error)
}

// ManagementInterface covers out-of-band device management.
type ManagementInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	SetBootDevice(ctx context.Context, n *store.Node, device string) error
}

// RescueInterface boots a rescue environment and restores the instance.
type RescueInterface interface {
	Validate(ctx context.Context, n *store.Node) error
	Rescue(ctx context.Context, n *store.Node, params map[string]any) (Outcome, error)
	Unrescue(ctx context.Context, n *store.Node) error
}

// NewCallbackToken mints an unguessable token an agent must present to
// resume a waiting step.
func NewCallbackToken() string {
	buf := make([]byte, 20)
	_, _ = rand.Read(buf)
	return base58.Encode(buf)
}
