package conductor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/internal/task"
)

var errLeaseExpired = errors.New("reservation lease expired")

// sweepOnce runs one maintenance pass: reap expired reservations, time out
// missed agent callbacks, refresh power state on idle nodes this conductor
// owns.
func (c *Conductor) sweepOnce(ctx context.Context) {
	c.reapExpiredLeases(ctx)
	c.expireWaitStates(ctx)
	c.refreshPowerStates(ctx)
	c.metrics.sweeps.Inc()
}

// reapExpiredLeases force-releases reservations whose lease lapsed. A lapsed
// lease on a non-wait transient state means the owning conductor died
// mid-step, so the node also takes its failure edge.
func (c *Conductor) reapExpiredLeases(ctx context.Context) {
	reserved := true
	nodes, err := c.repo.List(ctx, store.ListFilter{Reserved: &reserved})
	if err != nil {
		c.logger.Printf("WARN sweep: list reserved nodes: %v", err)
		return
	}

	now := time.Now()
	for i := range nodes {
		node := &nodes[i]
		if node.LeaseExpiresAt == nil || node.LeaseExpiresAt.After(now) {
			continue
		}
		// An expired lease under our own id with no in-process holder is a
		// leftover from a crash-restart; a live holder refreshes its lease.
		if node.Reservation == c.cfg.ConductorID && c.tasks.Holds(node.ID) {
			continue
		}
		if !c.ownsNode(node) {
			continue
		}

		released, err := c.repo.ForceRelease(ctx, node.ID, node.Reservation)
		if err != nil {
			c.logger.Printf("WARN sweep: release expired lease on %s: %v", node.ID, err)
			continue
		}
		if !released {
			continue
		}
		c.metrics.reaped.Inc()
		c.logger.Printf("INFO sweep: reaped expired reservation %q on node %s", node.Reservation, node.ID)

		state := fsm.State(node.ProvisionState)
		if !fsm.IsTransient(state) || fsm.IsWait(state) {
			continue
		}

		t, err := c.tasks.Acquire(ctx, node.ID, task.Exclusive)
		if err != nil {
			continue
		}
		held := t.Node()
		if fsm.State(held.ProvisionState) == state {
			c.failStep(ctx, held, state, errLeaseExpired)
		}
		_ = t.Release(ctx)
	}
}

// expireWaitStates handles nodes whose agent callback deadline passed:
// restart the step while retry budget remains, otherwise take the failure
// edge.
func (c *Conductor) expireWaitStates(ctx context.Context) {
	nodes, err := c.repo.List(ctx, store.ListFilter{ProvisionStates: []string{
		string(fsm.InspectWait),
		string(fsm.CleanWait),
		string(fsm.WaitCallBack),
		string(fsm.RescueWait),
	}})
	if err != nil {
		c.logger.Printf("WARN sweep: list waiting nodes: %v", err)
		return
	}

	now := time.Now()
	for i := range nodes {
		node := &nodes[i]
		if node.AgentDeadline == nil || node.AgentDeadline.After(now) {
			continue
		}
		if !c.ownsNode(node) {
			continue
		}

		t, err := c.tasks.Acquire(ctx, node.ID, task.Exclusive)
		if err != nil {
			continue
		}

		held := t.Node()
		state := fsm.State(held.ProvisionState)
		if !fsm.IsWait(state) || held.AgentDeadline == nil || held.AgentDeadline.After(now) {
			_ = t.Release(ctx)
			continue
		}

		if held.WaitRetries >= c.cfg.RetryBudget(state) {
			cause := fmt.Errorf("agent callback deadline exceeded in %q", state)
			c.failStep(ctx, held, state, cause)
			_ = t.Release(ctx)
			continue
		}

		if err := c.restartWaitingStep(ctx, t, state); err != nil {
			c.logger.Printf("WARN sweep: restart %s on node %s: %v", state, held.ID, err)
			_ = t.Release(ctx)
		}
	}
}

// restartWaitingStep re-enters the transient state with a fresh attempt. On
// success the worker goroutine owns the task.
func (c *Conductor) restartWaitingStep(ctx context.Context, t *task.Task, state fsm.State) error {
	node := t.Node()
	out, err := fsm.Transition(state, fsm.EventResume)
	if err != nil {
		return err
	}
	if !c.acquireWorker() {
		return ErrNoFreeWorker
	}

	if err := c.applyTransition(ctx, node, fsm.EventResume, out.Next, store.Patch{
		"agent_token":    "",
		"agent_deadline": nil,
		"wait_retries":   node.WaitRetries + 1,
	}); err != nil {
		c.releaseWorker()
		return err
	}

	c.logger.Printf("INFO sweep: retrying %s on node %s (attempt %d)", out.Next, node.ID, node.WaitRetries+1)
	c.wg.Add(1)
	go c.runStep(context.WithoutCancel(ctx), t, nil)
	return nil
}

// powerRefreshStates are the idle states whose power state is kept current
// by polling under a shared task.
var powerRefreshStates = []string{
	string(fsm.Manageable),
	string(fsm.Available),
	string(fsm.Active),
	string(fsm.Rescue),
}

func (c *Conductor) refreshPowerStates(ctx context.Context) {
	off := false
	nodes, err := c.repo.List(ctx, store.ListFilter{
		ProvisionStates: powerRefreshStates,
		Maintenance:     &off,
	})
	if err != nil {
		c.logger.Printf("WARN sweep: list idle nodes: %v", err)
		return
	}

	for i := range nodes {
		node := &nodes[i]
		if !c.ownsNode(node) {
			continue
		}

		t, err := c.tasks.Acquire(ctx, node.ID, task.Shared)
		if err != nil {
			continue
		}
		held := t.Node()

		bound, err := c.resolve(held)
		if err != nil || bound.Power == nil {
			_ = t.Release(ctx)
			continue
		}
		power, err := bound.Power.GetState(ctx, held)
		if err != nil {
			c.logger.Printf("WARN sweep: power state of node %s: %v", held.ID, err)
			_ = t.Release(ctx)
			continue
		}
		if power != held.PowerState {
			if err := c.repo.Apply(ctx, held, store.Patch{"power_state": power}); err != nil &&
				!errors.Is(err, store.ErrVersionConflict) {
				c.logger.Printf("WARN sweep: record power state of node %s: %v", held.ID, err)
			}
		}
		_ = t.Release(ctx)
	}
}
