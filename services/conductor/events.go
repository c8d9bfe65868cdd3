package conductor

import (
	"context"
	"time"

	"corrald/services/conductor/internal/store"
)

// SubjectLifecycle is the JetStream subject node transitions are published
// on. Consumers (UIs, CMDBs) replay it with a durable subscription.
const SubjectLifecycle = "corrald.nodes.lifecycle"

type lifecycleEvent struct {
	NodeID      string    `json:"node_id"`
	Event       string    `json:"event"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Error       string    `json:"error,omitempty"`
	ConductorID string    `json:"conductor_id"`
	At          time.Time `json:"at"`
}

// publishLifecycle emits a transition event. Publishing is best-effort; the
// database history is the durable record.
func (c *Conductor) publishLifecycle(ctx context.Context, node *store.Node, entry store.HistoryEntry) {
	if c.bus == nil {
		return
	}
	ev := lifecycleEvent{
		NodeID:      node.ID.String(),
		Event:       entry.Event,
		FromState:   entry.FromState,
		ToState:     entry.ToState,
		Error:       entry.Error,
		ConductorID: c.cfg.ConductorID,
		At:          time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, SubjectLifecycle, ev); err != nil {
		c.logger.Printf("WARN publish lifecycle event for node %s: %v", node.ID, err)
	}
}
