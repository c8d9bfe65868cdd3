package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"corrald/pkg/db"
)

// Reserve attempts to take (or re-take) the exclusive reservation on a node.
// The acquisition is a single conditional UPDATE: it succeeds only when the
// reservation is empty or already held by owner, making the repository the
// sole arbiter of mutual exclusion across the conductor fleet.
func (s *Store) Reserve(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)

	tag, err := db.Exec(ctx, s.pool, `
        UPDATE nodes
        SET reservation = $2, lease_expires_at = $3
        WHERE id = $1 AND (reservation = '' OR reservation = $2)
    `, id, owner, expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrNodeLocked
	}
	return nil
}

// Release clears the reservation if owner still holds it. Releasing a lock
// lost to the sweeper is a no-op rather than an error.
func (s *Store) Release(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := db.Exec(ctx, s.pool, `
        UPDATE nodes
        SET reservation = '', lease_expires_at = NULL
        WHERE id = $1 AND reservation = $2
    `, id, owner)
	return err
}

// RefreshLease extends the lease expiry while owner does long synchronous
// work. Returns ErrNodeLocked if the lease was reaped in the meantime.
func (s *Store) RefreshLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	expires := time.Now().UTC().Add(ttl)

	tag, err := db.Exec(ctx, s.pool, `
        UPDATE nodes
        SET lease_expires_at = $3
        WHERE id = $1 AND reservation = $2
    `, id, owner, expires)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNodeLocked
	}
	return nil
}

// ForceRelease reaps a stale lease regardless of who holds it, guarded by
// the expected holder so two sweepers cannot double-reap across an
// intervening re-acquisition.
func (s *Store) ForceRelease(ctx context.Context, id uuid.UUID, holder string) (bool, error) {
	tag, err := db.Exec(ctx, s.pool, `
        UPDATE nodes
        SET reservation = '', lease_expires_at = NULL
        WHERE id = $1 AND reservation = $2
    `, id, holder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
