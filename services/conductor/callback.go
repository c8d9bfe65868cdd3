package conductor

import (
	"context"

	"github.com/google/uuid"

	"corrald/services/conductor/hardware"
	"corrald/services/conductor/internal/fsm"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/internal/task"
)

// HandleCallback resumes a suspended step from an agent report. A callback
// for a node that is no longer waiting is an idempotent no-op (the agent
// retries, the sweeper may already have intervened); a token that does not
// match the current waiting step is rejected.
func (c *Conductor) HandleCallback(ctx context.Context, id uuid.UUID, token string, payload map[string]any) error {
	probe, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !fsm.IsWait(fsm.State(probe.ProvisionState)) {
		c.metrics.callbacks.WithLabelValues("ignored").Inc()
		return nil
	}
	if probe.AgentToken != token {
		c.metrics.callbacks.WithLabelValues("stale").Inc()
		return ErrStaleToken
	}
	if !c.ownsNode(probe) {
		return ErrNotOwner
	}

	t, err := c.tasks.Acquire(ctx, id, task.Exclusive)
	if err != nil {
		return err
	}
	node := t.Node()

	// Re-check under the lock: another callback or the sweeper may have
	// moved the node between the probe and the lease.
	state := fsm.State(node.ProvisionState)
	if !fsm.IsWait(state) {
		_ = t.Release(ctx)
		c.metrics.callbacks.WithLabelValues("ignored").Inc()
		return nil
	}
	if node.AgentToken != token {
		_ = t.Release(ctx)
		c.metrics.callbacks.WithLabelValues("stale").Inc()
		return ErrStaleToken
	}

	out, err := fsm.Transition(state, fsm.EventResume)
	if err != nil {
		_ = t.Release(ctx)
		return err
	}

	if !c.acquireWorker() {
		_ = t.Release(ctx)
		return ErrNoFreeWorker
	}

	if err := c.applyTransition(ctx, node, fsm.EventResume, out.Next, store.Patch{
		"agent_token":    "",
		"agent_deadline": nil,
	}); err != nil {
		c.releaseWorker()
		_ = t.Release(ctx)
		return err
	}

	c.metrics.callbacks.WithLabelValues("resumed").Inc()

	params := map[string]any{hardware.AgentPayloadKey: payload}
	c.wg.Add(1)
	go c.runStep(context.WithoutCancel(ctx), t, params)
	return nil
}
