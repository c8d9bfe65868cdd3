package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"corrald/services/conductor/hardware"
	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/internal/task"
)

// goalFor maps a user-facing verb to the stable state the operation is
// driving toward. It is recorded as target_provision_state so chained
// transients (deleting into cleaning) know which finish edge to take.
var goalFor = map[fsm.Event]fsm.State{
	fsm.EventManage:   fsm.Manageable,
	fsm.EventProvide:  fsm.Available,
	fsm.EventInspect:  fsm.Manageable,
	fsm.EventClean:    fsm.Manageable,
	fsm.EventDeploy:   fsm.Active,
	fsm.EventDelete:   fsm.Available,
	fsm.EventRescue:   fsm.Rescue,
	fsm.EventUnrescue: fsm.Active,
	fsm.EventAdopt:    fsm.Active,
}

// Dispatch applies a user-facing event to a node. It acquires the exclusive
// task, validates the transition and the hardware configuration, commits the
// transient state, and hands the step to a pool worker. The node is
// untouched on any error.
func (c *Conductor) Dispatch(ctx context.Context, id uuid.UUID, event fsm.Event, params map[string]any) error {
	probe, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !c.ownsNode(probe) {
		return ErrNotOwner
	}

	t, err := c.tasks.Acquire(ctx, id, task.Exclusive)
	if err != nil {
		return err
	}
	node := t.Node()
	state := fsm.State(node.ProvisionState)

	out, err := fsm.Transition(state, event)
	if err != nil {
		_ = t.Release(ctx)
		return err
	}

	if event == fsm.EventAbort {
		err := c.applyAbort(ctx, t, state, out.Next)
		_ = t.Release(ctx)
		return err
	}

	// Edges that land directly on a stable state (available back to
	// manageable) carry no hardware step.
	if out.Stable {
		err := c.applyTransition(ctx, node, event, out.Next, store.Patch{
			"target_provision_state": "",
			"last_error":             "",
		})
		_ = t.Release(ctx)
		return err
	}

	bound, err := c.resolve(node)
	if err != nil {
		_ = t.Release(ctx)
		return fmt.Errorf("%w: %v", ErrInterfaceValidation, err)
	}
	if err := validateFor(ctx, bound, out.Next, node); err != nil {
		_ = t.Release(ctx)
		return fmt.Errorf("%w: %v", ErrInterfaceValidation, err)
	}

	if !c.acquireWorker() {
		_ = t.Release(ctx)
		return ErrNoFreeWorker
	}

	goal := string(goalFor[event])
	if err := c.applyTransition(ctx, node, event, out.Next, store.Patch{
		"target_provision_state": goal,
		"conductor_affinity":     c.cfg.ConductorID,
		"last_error":             "",
	}); err != nil {
		c.releaseWorker()
		_ = t.Release(ctx)
		return err
	}

	c.wg.Add(1)
	go c.runStep(context.WithoutCancel(ctx), t, params)
	return nil
}

// runStep executes hardware steps until the node reaches a stable or wait
// state. It owns the task and the worker slot.
func (c *Conductor) runStep(ctx context.Context, t *task.Task, params map[string]any) {
	defer c.wg.Done()
	defer c.releaseWorker()
	defer func() { _ = t.Release(ctx) }()

	c.metrics.stepsActive.Inc()
	defer c.metrics.stepsActive.Dec()

	for {
		node := t.Node()
		state := fsm.State(node.ProvisionState)
		if !fsm.IsTransient(state) || fsm.IsWait(state) {
			return
		}

		started := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, c.cfg.StepTimeout)
		outcome, extra, err := c.executeStep(stepCtx, node, state, params)
		cancel()
		c.metrics.observeStep(string(state), started)

		if err != nil {
			if !errors.Is(err, ErrInterfaceValidation) {
				err = fmt.Errorf("%w: %v", ErrDriverFailure, err)
			}
			c.failStep(ctx, node, state, err)
			return
		}
		if outcome.Waiting {
			c.suspendStep(ctx, node, state, outcome, extra)
			return
		}

		event := fsm.EventDone
		if state == fsm.Cleaning && node.TargetProvisionState == string(fsm.Manageable) {
			event = fsm.EventManage
		}
		out, terr := fsm.Transition(state, event)
		if terr != nil {
			c.failStep(ctx, node, state, terr)
			return
		}

		patch := store.Patch{
			"instance_info":  node.InstanceInfo,
			"properties":     node.Properties,
			"agent_token":    "",
			"agent_deadline": nil,
			"wait_retries":   0,
		}
		for k, v := range extra {
			patch[k] = v
		}
		if out.Stable {
			patch["target_provision_state"] = ""
		}
		if err := c.applyTransition(ctx, node, event, out.Next, patch); err != nil {
			c.logger.Printf("ERROR node %s: commit %s after %s: %v", node.ID, out.Next, state, err)
			return
		}
		if out.Stable {
			return
		}

		// Chained transient (deleting finishes into cleaning). The original
		// request params do not carry over.
		params = nil
		if err := t.Refresh(ctx); err != nil {
			c.logger.Printf("WARN node %s: refresh lease: %v", node.ID, err)
			return
		}
	}
}

// executeStep runs the hardware action for one transient state. The extra
// patch carries columns the step computed (power state) for the finishing
// write.
func (c *Conductor) executeStep(ctx context.Context, node *store.Node, state fsm.State, params map[string]any) (hardware.Outcome, store.Patch, error) {
	bound, err := c.resolve(node)
	if err != nil {
		return hardware.Outcome{}, nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	switch state {
	case fsm.Verifying, fsm.Adopting:
		if err := bound.Power.Validate(ctx, node); err != nil {
			return hardware.Outcome{}, nil, err
		}
		power, err := bound.Power.GetState(ctx, node)
		if err != nil {
			return hardware.Outcome{}, nil, err
		}
		return hardware.Complete(), store.Patch{"power_state": power}, nil

	case fsm.Inspecting:
		out, err := bound.Inspect.Inspect(ctx, node, params)
		return out, nil, err

	case fsm.Cleaning:
		out, err := bound.Deploy.Clean(ctx, node, params)
		if err != nil || out.Waiting {
			return out, nil, err
		}
		if bound.Boot != nil {
			if err := bound.Boot.CleanUp(ctx, node); err != nil {
				return hardware.Outcome{}, nil, err
			}
		}
		return out, nil, nil

	case fsm.Deploying:
		out, err := bound.Deploy.Deploy(ctx, node, params)
		if err != nil || out.Waiting {
			return out, nil, err
		}
		if bound.Boot != nil {
			if err := bound.Boot.PrepareInstance(ctx, node); err != nil {
				return hardware.Outcome{}, nil, err
			}
		}
		if err := bound.Power.SetState(ctx, node, hardware.PowerRebooting); err != nil {
			return hardware.Outcome{}, nil, err
		}
		return out, store.Patch{"power_state": hardware.PowerOn}, nil

	case fsm.Deleting:
		if err := bound.Power.SetState(ctx, node, hardware.PowerOff); err != nil {
			return hardware.Outcome{}, nil, err
		}
		if err := bound.Deploy.TearDown(ctx, node); err != nil {
			return hardware.Outcome{}, nil, err
		}
		if bound.Boot != nil {
			if err := bound.Boot.CleanUp(ctx, node); err != nil {
				return hardware.Outcome{}, nil, err
			}
		}
		return hardware.Complete(), store.Patch{"power_state": hardware.PowerOff}, nil

	case fsm.Rescuing:
		out, err := bound.Rescue.Rescue(ctx, node, params)
		return out, nil, err

	case fsm.Unrescuing:
		if err := bound.Rescue.Unrescue(ctx, node); err != nil {
			return hardware.Outcome{}, nil, err
		}
		return hardware.Complete(), nil, nil

	default:
		return hardware.Outcome{}, nil, fmt.Errorf("no step defined for state %q", state)
	}
}

// suspendStep parks the node in its wait state. The reservation is released
// entirely: a waiting node holds no lock, and resumption re-acquires one.
func (c *Conductor) suspendStep(ctx context.Context, node *store.Node, state fsm.State, outcome hardware.Outcome, extra store.Patch) {
	out, err := fsm.Transition(state, fsm.EventWait)
	if err != nil {
		c.failStep(ctx, node, state, err)
		return
	}

	// The per-state callback timeout bounds the deadline the driver minted.
	deadline := outcome.Deadline
	if limit := c.cfg.CallbackTimeout(out.Next); limit > 0 {
		if capped := time.Now().Add(limit); deadline.IsZero() || capped.Before(deadline) {
			deadline = capped
		}
	}

	patch := store.Patch{
		"instance_info":  node.InstanceInfo,
		"agent_token":    outcome.Token,
		"agent_deadline": deadline.UTC(),
	}
	for k, v := range extra {
		patch[k] = v
	}
	if err := c.applyTransition(ctx, node, fsm.EventWait, out.Next, patch); err != nil {
		c.logger.Printf("ERROR node %s: suspend into %s: %v", node.ID, out.Next, err)
	}
}

// failStep takes the transient state's failure edge and records the cause.
func (c *Conductor) failStep(ctx context.Context, node *store.Node, state fsm.State, cause error) {
	target, ok := fsm.FailureTarget(state)
	if !ok {
		c.logger.Printf("ERROR node %s: no failure edge from %q: %v", node.ID, state, cause)
		return
	}
	patch := store.Patch{
		"target_provision_state": "",
		"last_error":             cause.Error(),
		"agent_token":            "",
		"agent_deadline":         nil,
		"wait_retries":           0,
	}
	if err := c.applyTransitionErr(ctx, node, fsm.EventFail, target, patch, cause); err != nil {
		c.logger.Printf("ERROR node %s: commit failure edge %s: %v", node.ID, target, err)
	}
}

// applyAbort handles the user-initiated abort of a wait state.
func (c *Conductor) applyAbort(ctx context.Context, t *task.Task, state, target fsm.State) error {
	if !fsm.AbortAllowed(state) {
		return fmt.Errorf("%w: %q from %q", fsm.ErrInvalidTransition, fsm.EventAbort, state)
	}
	cause := errors.New("aborted by request")
	return c.applyTransitionErr(ctx, t.Node(), fsm.EventAbort, target, store.Patch{
		"target_provision_state": "",
		"last_error":             cause.Error(),
		"agent_token":            "",
		"agent_deadline":         nil,
		"wait_retries":           0,
	}, cause)
}

func (c *Conductor) applyTransition(ctx context.Context, node *store.Node, event fsm.Event, next fsm.State, patch store.Patch) error {
	return c.applyTransitionErr(ctx, node, event, next, patch, nil)
}

// applyTransitionErr commits a transition under optimistic concurrency,
// retrying once on a version conflict, then records history and publishes
// the lifecycle event.
func (c *Conductor) applyTransitionErr(ctx context.Context, node *store.Node, event fsm.Event, next fsm.State, patch store.Patch, cause error) error {
	from := node.ProvisionState

	full := store.Patch{"provision_state": string(next)}
	for k, v := range patch {
		full[k] = v
	}

	err := c.repo.Apply(ctx, node, full)
	if errors.Is(err, store.ErrVersionConflict) {
		fresh, gerr := c.repo.Get(ctx, node.ID)
		if gerr != nil {
			return gerr
		}
		// Only retry if the concurrent write left the source state intact;
		// otherwise this edge was validated against a state that is gone.
		if fresh.ProvisionState != from {
			return fmt.Errorf("%w: node moved from %q to %q", store.ErrVersionConflict, from, fresh.ProvisionState)
		}
		*node = *fresh
		err = c.repo.Apply(ctx, node, full)
	}
	if err != nil {
		return err
	}

	c.metrics.transitions.WithLabelValues(string(event), string(next)).Inc()

	entry := store.HistoryEntry{
		NodeID:    node.ID,
		Event:     string(event),
		FromState: from,
		ToState:   string(next),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if herr := c.repo.AppendHistory(ctx, entry); herr != nil {
		c.logger.Printf("WARN node %s: append history: %v", node.ID, herr)
	}

	c.publishLifecycle(ctx, node, entry)
	return nil
}

// resolve binds the node's configured hardware interfaces, decrypting sealed
// credential fields on the in-memory snapshot first. Persisted writes never
// include driver_info, so the stored record stays sealed.
func (c *Conductor) resolve(node *store.Node) (*hardware.Bound, error) {
	if c.box != nil && node.DriverInfo != nil {
		plain, err := c.box.UnsealMap(node.DriverInfo)
		if err != nil {
			return nil, fmt.Errorf("unseal driver_info: %w", err)
		}
		node.DriverInfo = plain
	}
	return c.registry.Resolve(node.Driver, node.InterfaceMap())
}

// requiredFor lists the interfaces a transient state needs bound and valid
// before the transition commits.
var requiredFor = map[fsm.State][]hardware.InterfaceType{
	fsm.Verifying:  {hardware.Power},
	fsm.Adopting:   {hardware.Power},
	fsm.Inspecting: {hardware.Inspect},
	fsm.Cleaning:   {hardware.Deploy, hardware.Power},
	fsm.Deploying:  {hardware.Deploy, hardware.Power},
	fsm.Deleting:   {hardware.Deploy, hardware.Power},
	fsm.Rescuing:   {hardware.Rescue},
	fsm.Unrescuing: {hardware.Rescue},
}

func validateFor(ctx context.Context, bound *hardware.Bound, next fsm.State, node *store.Node) error {
	for _, ifaceType := range requiredFor[next] {
		var (
			impl interface {
				Validate(context.Context, *store.Node) error
			}
		)
		switch ifaceType {
		case hardware.Power:
			impl = bound.Power
		case hardware.Deploy:
			impl = bound.Deploy
		case hardware.Inspect:
			impl = bound.Inspect
		case hardware.Rescue:
			impl = bound.Rescue
		}
		if impl == nil {
			return fmt.Errorf("driver %q does not bind a %s interface", bound.Driver, ifaceType)
		}
		if err := impl.Validate(ctx, node); err != nil {
			return err
		}
	}
	return nil
}
