package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	"corrald/services/conductor"
	"corrald/services/conductor/ring"
)

// ringCache keeps a recently built conductor ring so every request does not
// hit the conductors table. Staleness is bounded by maxAge; a stale entry is
// rebuilt on next use.
type ringCache struct {
	orm      *gorm.DB
	maxAge   time.Duration
	liveness time.Duration

	mu      sync.Mutex
	ring    *ring.Ring
	builtAt time.Time
}

func newRingCache(orm *gorm.DB, maxAge, liveness time.Duration) *ringCache {
	return &ringCache{orm: orm, maxAge: maxAge, liveness: liveness}
}

func (rc *ringCache) current(ctx context.Context) (*ring.Ring, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.ring != nil && time.Since(rc.builtAt) < rc.maxAge {
		return rc.ring, nil
	}

	var records []conductorModel
	cutoff := time.Now().Add(-rc.liveness)
	if err := rc.orm.WithContext(ctx).Where("heartbeat_at > ?", cutoff).Find(&records).Error; err != nil {
		return nil, err
	}

	members := make([]ring.Member, 0, len(records))
	for _, rec := range records {
		members = append(members, ring.Member{ID: rec.ID, Drivers: rec.Drivers})
	}

	rc.ring = ring.New(members)
	rc.builtAt = time.Now()
	return rc.ring, nil
}

var errNoConductor = errors.New("no live conductor supports this driver")

// conductorRPC sends one request to the node's owning conductor and decodes
// the reply.
func (a *API) conductorRPC(ctx context.Context, node Node, req conductor.RPCRequest) (conductor.RPCResponse, error) {
	r, err := a.ring.current(ctx)
	if err != nil {
		return conductor.RPCResponse{}, err
	}
	owner := r.Owner(node.Driver, node.ID.String())
	if owner == "" {
		return conductor.RPCResponse{}, errNoConductor
	}

	ctx, cancel := context.WithTimeout(ctx, a.config.RPCTimeout)
	defer cancel()

	var resp conductor.RPCResponse
	if err := a.store.Bus.Request(ctx, conductor.RPCSubject(owner), req, &resp); err != nil {
		return conductor.RPCResponse{}, fmt.Errorf("conductor %s: %w", owner, err)
	}
	return resp, nil
}

// statusForKind maps a conductor error kind to an HTTP status.
func statusForKind(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "locked", "busy":
		return http.StatusConflict
	case "invalid_transition", "invalid_config", "bad_request":
		return http.StatusBadRequest
	case "stale_token":
		return http.StatusForbidden
	case "not_owner":
		// Ring disagreement between API and conductor; the client retries.
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
