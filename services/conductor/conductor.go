// Package conductor implements the node lifecycle engine: it serializes
// work on nodes through leased tasks, drives the provisioning state machine
// by dispatching hardware interface steps onto a bounded worker pool, resumes
// suspended steps on agent callbacks, and sweeps for expired leases and
// missed callbacks. Conductors coordinate only through the database and the
// consistent-hash ring; there is no direct conductor-to-conductor traffic.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"corrald/pkg/bus"
	"corrald/pkg/secrets"
	"corrald/services/conductor/hardware"
	"corrald/services/conductor/internal/config"
	"corrald/services/conductor/internal/store"
	"corrald/services/conductor/internal/task"
	"corrald/services/conductor/ring"
)

// Repository is the persistence surface the engine needs. *store.Store
// satisfies it; tests substitute an in-memory implementation.
type Repository interface {
	task.Locker

	List(ctx context.Context, filter store.ListFilter) ([]store.Node, error)
	Apply(ctx context.Context, node *store.Node, patch store.Patch) error
	ForceRelease(ctx context.Context, id uuid.UUID, holder string) (bool, error)
	AppendHistory(ctx context.Context, entry store.HistoryEntry) error
	TouchConductor(ctx context.Context, id string, drivers []string) error
	ListConductors(ctx context.Context, aliveSince time.Time) ([]store.ConductorRecord, error)
}

// Conductor is one engine instance, identified by cfg.ConductorID.
type Conductor struct {
	cfg      *config.Config
	repo     Repository
	tasks    *task.Manager
	registry *hardware.Registry
	bus      *bus.Bus
	box      *secrets.Box
	logger   *log.Logger
	metrics  *metrics

	ring    atomic.Pointer[ring.Ring]
	workers chan struct{}
	wg      sync.WaitGroup
}

// New wires an engine. b may be nil, in which case lifecycle events and RPC
// serving are disabled (tests run this way). box may be nil when driver_info
// credentials are stored in plaintext; a nil logger falls back to the
// process default.
func New(cfg *config.Config, repo Repository, registry *hardware.Registry, b *bus.Bus, box *secrets.Box, logger *log.Logger) (*Conductor, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if repo == nil {
		return nil, errors.New("nil repository")
	}
	if registry == nil {
		return nil, errors.New("nil hardware registry")
	}

	tasks, err := task.NewManager(repo, cfg.ConductorID, cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	return &Conductor{
		cfg:      cfg,
		repo:     repo,
		tasks:    tasks,
		registry: registry,
		bus:      b,
		box:      box,
		logger:   logger,
		metrics:  newMetrics(),
		workers:  make(chan struct{}, cfg.Workers),
	}, nil
}

// ID returns the conductor identity used in reservations and the ring.
func (c *Conductor) ID() string { return c.cfg.ConductorID }

// Run serves until ctx is cancelled: registers in the conductor table,
// rebuilds the ring on each heartbeat, answers RPCs, and sweeps. In-flight
// dispatch workers are drained before Run returns.
func (c *Conductor) Run(ctx context.Context) error {
	if err := c.heartbeatOnce(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}

	var rpcCloser io.Closer
	if c.bus != nil {
		closer, err := c.serveRPC(ctx)
		if err != nil {
			return fmt.Errorf("serve rpc: %w", err)
		}
		rpcCloser = closer
	}

	heartbeat := time.NewTicker(c.cfg.HeartbeatInterval)
	sweep := time.NewTicker(c.cfg.SweepInterval)
	defer heartbeat.Stop()
	defer sweep.Stop()

	c.logger.Printf("INFO conductor %s running (workers=%d lease=%s)", c.cfg.ConductorID, c.cfg.Workers, c.cfg.LeaseTTL)

	for {
		select {
		case <-ctx.Done():
			if rpcCloser != nil {
				_ = rpcCloser.Close()
			}
			c.wg.Wait()
			return ctx.Err()
		case <-heartbeat.C:
			if err := c.heartbeatOnce(ctx); err != nil {
				c.logger.Printf("WARN heartbeat: %v", err)
			}
		case <-sweep.C:
			c.sweepOnce(ctx)
		}
	}
}

// Ring returns the current conductor ring snapshot, or nil before the first
// heartbeat.
func (c *Conductor) Ring() *ring.Ring { return c.ring.Load() }

// ownsNode reports whether the ring maps the node to this conductor. A nil
// ring (single-process tests, startup) means yes.
func (c *Conductor) ownsNode(n *store.Node) bool {
	r := c.ring.Load()
	if r == nil {
		return true
	}
	return r.IsMappedTo(n.Driver, n.ID.String(), c.cfg.ConductorID)
}

// acquireWorker claims a dispatch slot without blocking.
func (c *Conductor) acquireWorker() bool {
	select {
	case c.workers <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Conductor) releaseWorker() { <-c.workers }
