package store

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm/clause"

	"corrald/pkg/db"
)

// ConductorRecord is a capability advertisement: one row per live conductor
// process listing the hardware-type bundles it can service. The consistent
// hash ring is rebuilt from recently heartbeaten records.
type ConductorRecord struct {
	ID          string                      `gorm:"type:text;primaryKey" json:"id"`
	Drivers     datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"drivers"`
	HeartbeatAt time.Time                   `gorm:"type:timestamptz;not null;index" json:"heartbeat_at"`
	CreatedAt   time.Time                   `gorm:"type:timestamptz;not null;default:now();autoCreateTime" json:"created_at"`
}

func (ConductorRecord) TableName() string { return "conductors" }

// TouchConductor upserts the conductor's capability advertisement with a
// fresh heartbeat timestamp.
func (s *Store) TouchConductor(ctx context.Context, id string, drivers []string) error {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	rec := ConductorRecord{
		ID:          id,
		Drivers:     datatypes.NewJSONSlice(drivers),
		HeartbeatAt: time.Now().UTC(),
	}

	return s.orm.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"drivers", "heartbeat_at"}),
		}).
		Create(&rec).Error
}

// ListConductors returns conductors whose heartbeat is newer than aliveSince.
func (s *Store) ListConductors(ctx context.Context, aliveSince time.Time) ([]ConductorRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	var records []ConductorRecord
	if err := s.orm.WithContext(ctx).
		Where("heartbeat_at > ?", aliveSince).
		Order("id ASC").
		Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}
