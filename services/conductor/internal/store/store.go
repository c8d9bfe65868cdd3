package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"corrald/pkg/db"
)

// Store is the node repository. Reads and structured writes go through gorm;
// the reservation compare-and-swap paths use raw pgx so a lock acquisition is
// a single conditional UPDATE.
type Store struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// New creates a Store bound to the provided connections.
func New(orm *gorm.DB, pool *pgxpool.Pool) (*Store, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{orm: orm, pool: pool}, nil
}

// Get resolves a node by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Node, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var node Node
	if err := s.orm.WithContext(ctx).First(&node, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &node, nil
}

// GetByName resolves a node by its unique human name.
func (s *Store) GetByName(ctx context.Context, name string) (*Node, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var node Node
	if err := s.orm.WithContext(ctx).First(&node, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &node, nil
}

// ListFilter narrows List results. Zero values mean "no constraint".
type ListFilter struct {
	ProvisionStates []string
	Driver          string
	Maintenance     *bool
	Reserved        *bool
	Limit           int
}

// List returns nodes matching the filter ordered by creation time.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Node, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	q := s.orm.WithContext(ctx).Order("created_at ASC")
	if len(filter.ProvisionStates) > 0 {
		q = q.Where("provision_state IN ?", filter.ProvisionStates)
	}
	if filter.Driver != "" {
		q = q.Where("driver = ?", filter.Driver)
	}
	if filter.Maintenance != nil {
		q = q.Where("maintenance = ?", *filter.Maintenance)
	}
	if filter.Reserved != nil {
		if *filter.Reserved {
			q = q.Where("reservation <> ''")
		} else {
			q = q.Where("reservation = ''")
		}
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var nodes []Node
	if err := q.Find(&nodes).Error; err != nil {
		return nil, err
	}
	return nodes, nil
}

// Create persists a new node record. The caller sets the initial provision
// state (enrollment always starts nodes in "enroll").
func (s *Store) Create(ctx context.Context, node *Node) error {
	if node == nil {
		return errors.New("nil node")
	}
	if node.ID == uuid.Nil {
		node.ID = uuid.New()
	}
	if node.Version == 0 {
		node.Version = 1
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	return s.orm.WithContext(ctx).Create(node).Error
}

// Patch is a set of column updates applied under optimistic concurrency.
type Patch map[string]any

// Apply performs a single optimistic-concurrency write: the update only
// lands if the row still carries node.Version, and bumps the version. On
// success node is refreshed in place; on a miss it returns
// ErrVersionConflict (or ErrNotFound if the row is gone).
func (s *Store) Apply(ctx context.Context, node *Node, patch Patch) error {
	if node == nil {
		return errors.New("nil node")
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	updates := make(map[string]any, len(patch)+2)
	for k, v := range patch {
		updates[k] = v
	}
	updates["version"] = node.Version + 1
	updates["updated_at"] = time.Now().UTC()

	res := s.orm.WithContext(ctx).
		Model(&Node{}).
		Where("id = ? AND version = ?", node.ID, node.Version).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, node.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	refreshed, err := s.Get(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("reload node after update: %w", err)
	}
	*node = *refreshed
	return nil
}

// Deletable lists the stable states from which the record may be purged.
var deletableStates = map[string]bool{
	"enroll":     true,
	"manageable": true,
	"available":  true,
}

// Delete purges a node record. Purging is only legal from unreserved
// enroll/manageable/available states; everywhere else deletion is a state
// machine transition, not a row removal.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	res := s.orm.WithContext(ctx).
		Where("id = ? AND reservation = '' AND provision_state IN ?", id, deletableKeys()).
		Delete(&Node{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNodeProtected
	}
	return nil
}

func deletableKeys() []string {
	out := make([]string, 0, len(deletableStates))
	for state := range deletableStates {
		out = append(out, state)
	}
	return out
}
