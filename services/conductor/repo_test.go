package conductor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"corrald/services/conductor/internal/store"
)

// memRepo is an in-memory Repository with the same reservation CAS and
// version CAS semantics as the SQL store.
type memRepo struct {
	mu         sync.Mutex
	nodes      map[uuid.UUID]*store.Node
	history    []store.HistoryEntry
	conductors map[string]store.ConductorRecord
}

func newMemRepo() *memRepo {
	return &memRepo{
		nodes:      make(map[uuid.UUID]*store.Node),
		conductors: make(map[string]store.ConductorRecord),
	}
}

func (r *memRepo) put(n *store.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n.Version == 0 {
		n.Version = 1
	}
	r.nodes[n.ID] = n.Clone()
}

func (r *memRepo) Get(_ context.Context, id uuid.UUID) (*store.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return n.Clone(), nil
}

func (r *memRepo) Reserve(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if n.Reservation != "" && n.Reservation != owner {
		return store.ErrNodeLocked
	}
	n.Reservation = owner
	exp := time.Now().Add(ttl)
	n.LeaseExpiresAt = &exp
	return nil
}

func (r *memRepo) Release(_ context.Context, id uuid.UUID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if n.Reservation == owner {
		n.Reservation = ""
		n.LeaseExpiresAt = nil
	}
	return nil
}

func (r *memRepo) RefreshLease(_ context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return store.ErrNotFound
	}
	if n.Reservation != owner {
		return store.ErrNodeLocked
	}
	exp := time.Now().Add(ttl)
	n.LeaseExpiresAt = &exp
	return nil
}

func (r *memRepo) ForceRelease(_ context.Context, id uuid.UUID, holder string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if n.Reservation != holder {
		return false, nil
	}
	n.Reservation = ""
	n.LeaseExpiresAt = nil
	return true, nil
}

func (r *memRepo) List(_ context.Context, filter store.ListFilter) ([]store.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []store.Node
	for _, n := range r.nodes {
		if len(filter.ProvisionStates) > 0 && !containsStr(filter.ProvisionStates, n.ProvisionState) {
			continue
		}
		if filter.Driver != "" && n.Driver != filter.Driver {
			continue
		}
		if filter.Maintenance != nil && n.Maintenance != *filter.Maintenance {
			continue
		}
		if filter.Reserved != nil && (n.Reservation != "") != *filter.Reserved {
			continue
		}
		out = append(out, *n.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *memRepo) Apply(_ context.Context, node *store.Node, patch store.Patch) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.nodes[node.ID]
	if !ok {
		return store.ErrNotFound
	}
	if current.Version != node.Version {
		return store.ErrVersionConflict
	}

	for col, val := range patch {
		setColumn(current, col, val)
	}
	current.Version++
	current.UpdatedAt = time.Now()
	*node = *current.Clone()
	return nil
}

func setColumn(n *store.Node, col string, val any) {
	switch col {
	case "provision_state":
		n.ProvisionState, _ = val.(string)
	case "target_provision_state":
		n.TargetProvisionState, _ = val.(string)
	case "power_state":
		n.PowerState, _ = val.(string)
	case "target_power_state":
		n.TargetPowerState, _ = val.(string)
	case "last_error":
		n.LastError, _ = val.(string)
	case "agent_token":
		n.AgentToken, _ = val.(string)
	case "agent_deadline":
		switch v := val.(type) {
		case nil:
			n.AgentDeadline = nil
		case time.Time:
			n.AgentDeadline = &v
		case *time.Time:
			n.AgentDeadline = v
		}
	case "wait_retries":
		if v, ok := val.(int); ok {
			n.WaitRetries = v
		}
	case "instance_info":
		switch v := val.(type) {
		case datatypes.JSONMap:
			n.InstanceInfo = v
		case map[string]any:
			n.InstanceInfo = v
		}
	case "properties":
		switch v := val.(type) {
		case datatypes.JSONMap:
			n.Properties = v
		case map[string]any:
			n.Properties = v
		}
	case "conductor_affinity":
		n.ConductorAffinity, _ = val.(string)
	case "lease_expires_at":
		switch v := val.(type) {
		case nil:
			n.LeaseExpiresAt = nil
		case time.Time:
			n.LeaseExpiresAt = &v
		case *time.Time:
			n.LeaseExpiresAt = v
		}
	case "maintenance":
		n.Maintenance, _ = val.(bool)
	case "maintenance_reason":
		n.MaintenanceReason, _ = val.(string)
	}
}

func (r *memRepo) AppendHistory(_ context.Context, entry store.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = time.Now()
	r.history = append(r.history, entry)
	return nil
}

func (r *memRepo) TouchConductor(_ context.Context, id string, drivers []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conductors[id] = store.ConductorRecord{ID: id, Drivers: drivers, HeartbeatAt: time.Now()}
	return nil
}

func (r *memRepo) ListConductors(_ context.Context, aliveSince time.Time) ([]store.ConductorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.ConductorRecord
	for _, rec := range r.conductors {
		if rec.HeartbeatAt.After(aliveSince) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *memRepo) historyFor(id uuid.UUID) []store.HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []store.HistoryEntry
	for _, e := range r.history {
		if e.NodeID == id {
			out = append(out, e)
		}
	}
	return out
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
