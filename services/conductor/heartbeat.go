package conductor

import (
	"context"
	"time"

	"corrald/services/conductor/ring"
)

// SubjectHeartbeat carries conductor liveness announcements. Ring state is
// always derived from the conductors table; the announcement only lets
// peers rebuild sooner than their next heartbeat tick.
const SubjectHeartbeat = "corrald.conductors.heartbeat"

type heartbeatMsg struct {
	ConductorID string    `json:"conductor_id"`
	Drivers     []string  `json:"drivers"`
	At          time.Time `json:"at"`
}

// heartbeatOnce registers this conductor's liveness and driver set, then
// rebuilds the ring from every conductor seen within the liveness window.
func (c *Conductor) heartbeatOnce(ctx context.Context) error {
	drivers := c.registry.Drivers()
	if err := c.repo.TouchConductor(ctx, c.cfg.ConductorID, drivers); err != nil {
		return err
	}

	if c.bus != nil {
		msg := heartbeatMsg{ConductorID: c.cfg.ConductorID, Drivers: drivers, At: time.Now().UTC()}
		if err := c.bus.Notify(SubjectHeartbeat, msg); err != nil {
			c.logger.Printf("WARN heartbeat announce: %v", err)
		}
	}

	return c.rebuildRing(ctx)
}

func (c *Conductor) rebuildRing(ctx context.Context) error {
	alive, err := c.repo.ListConductors(ctx, time.Now().Add(-c.cfg.LivenessWindow))
	if err != nil {
		return err
	}

	members := make([]ring.Member, 0, len(alive))
	for _, rec := range alive {
		members = append(members, ring.Member{ID: rec.ID, Drivers: rec.Drivers})
	}

	next := ring.New(members, ring.WithReplicas(c.cfg.RingReplicas))
	prev := c.ring.Swap(next)
	if prev.Size() != next.Size() {
		c.logger.Printf("INFO ring rebuilt with %d conductors", next.Size())
	}
	return nil
}
