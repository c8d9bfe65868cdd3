// Package task provides per-node leases. Exclusive leases ride the
// repository's reservation compare-and-swap and are therefore valid across
// the whole conductor fleet; shared leases are process-local read tickets
// for the periodic polling that the ring already confines to one conductor.
package task

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"corrald/services/conductor/internal/store"
)

// Mode selects the lease flavour.
type Mode int

const (
	// Shared is sufficient for read-mostly polling such as power-state
	// refresh; multiple shared holders may coexist.
	Shared Mode = iota
	// Exclusive is required for any state-mutating operation.
	Exclusive
)

// Locker is the slice of the node repository the manager needs.
type Locker interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Node, error)
	Reserve(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
	Release(ctx context.Context, id uuid.UUID, owner string) error
	RefreshLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error
}

type holder struct {
	exclusive bool
	shared    int
}

// Manager hands out node leases on behalf of one conductor process.
type Manager struct {
	locks Locker
	owner string
	ttl   time.Duration

	mu   sync.Mutex
	held map[uuid.UUID]*holder
}

// NewManager creates a lease manager for the named conductor.
func NewManager(locks Locker, owner string, ttl time.Duration) (*Manager, error) {
	if locks == nil {
		return nil, errors.New("locker is required")
	}
	if owner == "" {
		return nil, errors.New("owner is required")
	}
	if ttl <= 0 {
		return nil, errors.New("lease ttl must be positive")
	}
	return &Manager{
		locks: locks,
		owner: owner,
		ttl:   ttl,
		held:  make(map[uuid.UUID]*holder),
	}, nil
}

// Task is a scoped lease on one node. Release it exactly once per Acquire
// (nested scopes use Enter/Release pairs); the outermost release clears the
// reservation. A crashed process leaves the reservation in place, where the
// sweeper's staleness reaping picks it up.
type Task struct {
	mgr  *Manager
	node *store.Node
	mode Mode
	refs int
	done bool
	mu   sync.Mutex
}

// Acquire takes a lease on the node. Exclusive acquisition fails immediately
// with store.ErrNodeLocked on any conflict; callers retry at the RPC layer
// with backoff rather than queue here.
func (m *Manager) Acquire(ctx context.Context, id uuid.UUID, mode Mode) (*Task, error) {
	switch mode {
	case Exclusive:
		return m.acquireExclusive(ctx, id)
	case Shared:
		return m.acquireShared(ctx, id)
	default:
		return nil, errors.New("unknown lock mode")
	}
}

func (m *Manager) acquireExclusive(ctx context.Context, id uuid.UUID) (*Task, error) {
	m.mu.Lock()
	if h, ok := m.held[id]; ok && (h.exclusive || h.shared > 0) {
		m.mu.Unlock()
		return nil, store.ErrNodeLocked
	}
	m.held[id] = &holder{exclusive: true}
	m.mu.Unlock()

	if err := m.locks.Reserve(ctx, id, m.owner, m.ttl); err != nil {
		m.drop(id, Exclusive)
		return nil, err
	}

	node, err := m.locks.Get(ctx, id)
	if err != nil {
		_ = m.locks.Release(context.WithoutCancel(ctx), id, m.owner)
		m.drop(id, Exclusive)
		return nil, err
	}

	return &Task{mgr: m, node: node, mode: Exclusive, refs: 1}, nil
}

func (m *Manager) acquireShared(ctx context.Context, id uuid.UUID) (*Task, error) {
	node, err := m.locks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if node.Reservation != "" && node.Reservation != m.owner {
		return nil, store.ErrNodeLocked
	}

	m.mu.Lock()
	h, ok := m.held[id]
	if !ok {
		h = &holder{}
		m.held[id] = h
	}
	h.shared++
	m.mu.Unlock()

	return &Task{mgr: m, node: node, mode: Shared, refs: 1}, nil
}

// Holds reports whether a lease on the node is live inside this process. A
// reservation row under this conductor's id without an in-process holder is
// a leftover from a crash.
func (m *Manager) Holds(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[id]
	return ok
}

func (m *Manager) drop(id uuid.UUID, mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.held[id]
	if !ok {
		return
	}
	switch mode {
	case Exclusive:
		h.exclusive = false
	case Shared:
		if h.shared > 0 {
			h.shared--
		}
	}
	if !h.exclusive && h.shared == 0 {
		delete(m.held, id)
	}
}

// Node returns the record snapshot taken when the lease was granted.
func (t *Task) Node() *store.Node { return t.node }

// Owner returns the conductor id holding the lease.
func (t *Task) Owner() string { return t.mgr.owner }

// Enter marks a nested scope within the same logical request. Each Enter
// requires a matching Release; only the outermost Release drops the lease.
func (t *Task) Enter() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refs++
}

// Refresh extends the lease while the holder does long synchronous work.
func (t *Task) Refresh(ctx context.Context) error {
	if t.mode != Exclusive {
		return nil
	}
	return t.mgr.locks.RefreshLease(ctx, t.node.ID, t.mgr.owner, t.mgr.ttl)
}

// Release exits one scope, clearing the reservation when the outermost
// scope exits. Safe to call on an already fully released task.
func (t *Task) Release(ctx context.Context) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return nil
	}
	t.refs--
	if t.refs > 0 {
		t.mu.Unlock()
		return nil
	}
	t.done = true
	t.mu.Unlock()

	t.mgr.drop(t.node.ID, t.mode)
	if t.mode == Exclusive {
		return t.mgr.locks.Release(ctx, t.node.ID, t.mgr.owner)
	}
	return nil
}
