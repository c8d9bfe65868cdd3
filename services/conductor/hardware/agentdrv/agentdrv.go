// Package agentdrv implements the boot, deploy, inspect, and rescue
// contracts on top of the corral ramdisk agent. Long-running steps stage an
// iPXE environment that netboots the agent, then suspend until the agent
// reports back with the minted callback token. The conductor never moves
// image bytes; the agent pulls them over presigned S3 URLs.
package agentdrv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corrald/pkg/render"
	"corrald/pkg/s3"
	"corrald/services/conductor/hardware"
	"corrald/services/conductor/internal/store"
)

// InstanceInfo keys staged by this driver and cleared on teardown.
const (
	keyImageURL      = "image_url"
	keyRamdiskScript = "ramdisk_script"
	keyAgentConfig   = "agent_config"
	keyRescuePass    = "rescue_password"
)

// DriverInfo keys the operator must set for agent-driven nodes.
const (
	keyDeployKernel  = "deploy_kernel"
	keyDeployRamdisk = "deploy_ramdisk"
)

// Config wires the agent driver to its infrastructure.
type Config struct {
	Render *render.Engine
	Images *s3.Client

	// APIBase is the callback URL baked into the ramdisk kernel args.
	APIBase string
	// Bucket holds deploy kernels, ramdisks, and instance images.
	Bucket string
	// PresignTTL bounds the life of minted image URLs.
	PresignTTL time.Duration
	// CallbackTTL is how long a suspended step waits for the agent.
	CallbackTTL time.Duration
}

// Agent is the concrete implementation registered under the name "agent".
type Agent struct {
	cfg Config
}

// New validates cfg and returns the implementation.
func New(cfg Config) (*Agent, error) {
	if cfg.Render == nil {
		return nil, errors.New("render engine is required")
	}
	if cfg.Images == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.APIBase == "" {
		return nil, errors.New("api base url is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("image bucket is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = time.Hour
	}
	if cfg.CallbackTTL <= 0 {
		cfg.CallbackTTL = 30 * time.Minute
	}
	return &Agent{cfg: cfg}, nil
}

// Register installs the agent implementations into reg under the name
// "agent". Driver bundles composing them are declared by the caller.
func Register(reg *hardware.Registry, cfg Config) (*Agent, error) {
	a, err := New(cfg)
	if err != nil {
		return nil, err
	}
	for _, ifaceType := range []hardware.InterfaceType{
		hardware.Boot, hardware.Deploy, hardware.Inspect, hardware.Rescue,
	} {
		if err := reg.Register(ifaceType, "agent", a); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Validate checks the node carries enough driver_info to netboot the agent.
func (a *Agent) Validate(_ context.Context, n *store.Node) error {
	for _, key := range []string{keyDeployKernel, keyDeployRamdisk} {
		if s, _ := n.DriverInfo[key].(string); s == "" {
			return fmt.Errorf("driver_info[%s] is required for agent-driven nodes", key)
		}
	}
	return nil
}

// PrepareRamdisk renders the iPXE script that netboots the agent ramdisk
// with the callback token in its kernel args, and stages it on the node.
func (a *Agent) PrepareRamdisk(ctx context.Context, n *store.Node, params map[string]any) error {
	token, _ := params["token"].(string)
	if token == "" {
		return errors.New("a callback token is required to prepare the ramdisk")
	}

	kernelKey, _ := n.DriverInfo[keyDeployKernel].(string)
	ramdiskKey, _ := n.DriverInfo[keyDeployRamdisk].(string)

	kernelURL, err := a.cfg.Images.PresignGet(ctx, a.cfg.Bucket, kernelKey, a.cfg.PresignTTL)
	if err != nil {
		return fmt.Errorf("presign deploy kernel: %w", err)
	}
	ramdiskURL, err := a.cfg.Images.PresignGet(ctx, a.cfg.Bucket, ramdiskKey, a.cfg.PresignTTL)
	if err != nil {
		return fmt.Errorf("presign deploy ramdisk: %w", err)
	}

	extraArgs, _ := n.DriverInfo["kernel_args"].(string)
	script, err := a.cfg.Render.Render("ramdisk.ipxe.tmpl", map[string]any{
		"NodeID":     n.ID.String(),
		"Token":      token,
		"APIBase":    a.cfg.APIBase,
		"KernelURL":  kernelURL,
		"RamdiskURL": ramdiskURL,
		"KernelArgs": extraArgs,
	})
	if err != nil {
		return fmt.Errorf("render ramdisk script: %w", err)
	}

	// Ramdisks without kernel cmdline access fetch this over the boot API.
	conf, err := a.cfg.Render.Render("agent.conf.tmpl", map[string]any{
		"NodeID":  n.ID.String(),
		"Token":   token,
		"APIBase": a.cfg.APIBase,
	})
	if err != nil {
		return fmt.Errorf("render agent config: %w", err)
	}

	if n.InstanceInfo == nil {
		n.InstanceInfo = map[string]any{}
	}
	n.InstanceInfo[keyRamdiskScript] = script
	n.InstanceInfo[keyAgentConfig] = conf
	return nil
}

// PrepareInstance drops the staged ramdisk environment so the node's next
// boot lands on its own disk.
func (a *Agent) PrepareInstance(_ context.Context, n *store.Node) error {
	delete(n.InstanceInfo, keyRamdiskScript)
	delete(n.InstanceInfo, keyAgentConfig)
	return nil
}

// CleanUp removes any staged boot environment.
func (a *Agent) CleanUp(_ context.Context, n *store.Node) error {
	delete(n.InstanceInfo, keyRamdiskScript)
	delete(n.InstanceInfo, keyAgentConfig)
	return nil
}

// Deploy stages a presigned instance image URL for the agent and suspends
// until the agent reports the image written. A resumed call carries the
// agent payload and completes synchronously.
func (a *Agent) Deploy(ctx context.Context, n *store.Node, params map[string]any) (hardware.Outcome, error) {
	if payload, ok := params[hardware.AgentPayloadKey]; ok {
		return a.finishDeploy(n, payload)
	}

	imageKey, _ := n.InstanceInfo["image_source"].(string)
	if imageKey == "" {
		return hardware.Outcome{}, errors.New("instance_info[image_source] is required to deploy")
	}
	imageURL, err := a.cfg.Images.PresignGet(ctx, a.cfg.Bucket, imageKey, a.cfg.PresignTTL)
	if err != nil {
		return hardware.Outcome{}, fmt.Errorf("presign instance image: %w", err)
	}
	if n.InstanceInfo == nil {
		n.InstanceInfo = map[string]any{}
	}
	n.InstanceInfo[keyImageURL] = imageURL

	token := hardware.NewCallbackToken()
	if err := a.PrepareRamdisk(ctx, n, map[string]any{"token": token}); err != nil {
		return hardware.Outcome{}, err
	}
	return hardware.WaitFor(token, time.Now().Add(a.cfg.CallbackTTL)), nil
}

func (a *Agent) finishDeploy(n *store.Node, payload any) (hardware.Outcome, error) {
	report, _ := payload.(map[string]any)
	if errMsg, _ := report["error"].(string); errMsg != "" {
		return hardware.Outcome{}, fmt.Errorf("agent reported deploy failure: %s", errMsg)
	}
	delete(n.InstanceInfo, keyImageURL)
	delete(n.InstanceInfo, keyRamdiskScript)
	delete(n.InstanceInfo, keyAgentConfig)
	return hardware.Complete(), nil
}

// TearDown clears everything this driver staged on the node.
func (a *Agent) TearDown(_ context.Context, n *store.Node) error {
	delete(n.InstanceInfo, keyImageURL)
	delete(n.InstanceInfo, keyRamdiskScript)
	delete(n.InstanceInfo, keyAgentConfig)
	delete(n.InstanceInfo, keyRescuePass)
	return nil
}

// Clean boots the agent ramdisk and suspends until it reports the disks
// scrubbed.
func (a *Agent) Clean(ctx context.Context, n *store.Node, params map[string]any) (hardware.Outcome, error) {
	if payload, ok := params[hardware.AgentPayloadKey]; ok {
		report, _ := payload.(map[string]any)
		if errMsg, _ := report["error"].(string); errMsg != "" {
			return hardware.Outcome{}, fmt.Errorf("agent reported clean failure: %s", errMsg)
		}
		delete(n.InstanceInfo, keyRamdiskScript)
		delete(n.InstanceInfo, keyAgentConfig)
		return hardware.Complete(), nil
	}

	token := hardware.NewCallbackToken()
	if err := a.PrepareRamdisk(ctx, n, map[string]any{"token": token}); err != nil {
		return hardware.Outcome{}, err
	}
	return hardware.WaitFor(token, time.Now().Add(a.cfg.CallbackTTL)), nil
}

// Inspect boots the agent ramdisk and suspends until it reports the
// discovered hardware inventory, which lands in the node's properties.
func (a *Agent) Inspect(ctx context.Context, n *store.Node, params map[string]any) (hardware.Outcome, error) {
	if payload, ok := params[hardware.AgentPayloadKey]; ok {
		report, _ := payload.(map[string]any)
		if errMsg, _ := report["error"].(string); errMsg != "" {
			return hardware.Outcome{}, fmt.Errorf("agent reported inspection failure: %s", errMsg)
		}
		if inventory, ok := report["inventory"].(map[string]any); ok {
			if n.Properties == nil {
				n.Properties = map[string]any{}
			}
			for k, v := range inventory {
				n.Properties[k] = v
			}
		}
		delete(n.InstanceInfo, keyRamdiskScript)
		delete(n.InstanceInfo, keyAgentConfig)
		return hardware.Complete(), nil
	}

	token := hardware.NewCallbackToken()
	if err := a.PrepareRamdisk(ctx, n, map[string]any{"token": token}); err != nil {
		return hardware.Outcome{}, err
	}
	return hardware.WaitFor(token, time.Now().Add(a.cfg.CallbackTTL)), nil
}

// Rescue boots the agent ramdisk as a rescue environment and suspends until
// the agent confirms the rescue login is provisioned.
func (a *Agent) Rescue(ctx context.Context, n *store.Node, params map[string]any) (hardware.Outcome, error) {
	if payload, ok := params[hardware.AgentPayloadKey]; ok {
		report, _ := payload.(map[string]any)
		if errMsg, _ := report["error"].(string); errMsg != "" {
			return hardware.Outcome{}, fmt.Errorf("agent reported rescue failure: %s", errMsg)
		}
		delete(n.InstanceInfo, keyRamdiskScript)
		delete(n.InstanceInfo, keyAgentConfig)
		return hardware.Complete(), nil
	}

	password, _ := params[keyRescuePass].(string)
	if password == "" {
		return hardware.Outcome{}, errors.New("a rescue_password parameter is required")
	}
	if n.InstanceInfo == nil {
		n.InstanceInfo = map[string]any{}
	}
	n.InstanceInfo[keyRescuePass] = password

	token := hardware.NewCallbackToken()
	if err := a.PrepareRamdisk(ctx, n, map[string]any{"token": token}); err != nil {
		return hardware.Outcome{}, err
	}
	return hardware.WaitFor(token, time.Now().Add(a.cfg.CallbackTTL)), nil
}

// Unrescue restores the instance boot environment.
func (a *Agent) Unrescue(_ context.Context, n *store.Node) error {
	delete(n.InstanceInfo, keyRescuePass)
	delete(n.InstanceInfo, keyRamdiskScript)
	delete(n.InstanceInfo, keyAgentConfig)
	return nil
}
