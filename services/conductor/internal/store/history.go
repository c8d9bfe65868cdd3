package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"corrald/pkg/db"
)

// HistoryEntry records one provisioning transition for audit. Agent step
// logs are stored zstd-compressed; List decompresses on read.
type HistoryEntry struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	NodeID    uuid.UUID `gorm:"type:uuid;not null;index" json:"node_id"`
	Event     string    `gorm:"type:text;not null" json:"event"`
	FromState string    `gorm:"type:text;not null" json:"from_state"`
	ToState   string    `gorm:"type:text;not null" json:"to_state"`
	Error     string    `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	Logs      []byte    `gorm:"type:bytea" json:"logs,omitempty"`
	CreatedAt time.Time `gorm:"type:timestamptz;not null;default:now();autoCreateTime" json:"created_at"`
}

func (HistoryEntry) TableName() string { return "node_history" }

var (
	logEncoder, _ = zstd.NewWriter(nil)
	logDecoder, _ = zstd.NewReader(nil)
)

// AppendHistory records a transition. Logs are compressed before storage;
// history writes are best-effort from the dispatcher's point of view, so the
// caller decides whether a failure here is fatal.
func (s *Store) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if len(entry.Logs) > 0 {
		entry.Logs = logEncoder.EncodeAll(entry.Logs, nil)
	}

	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	return s.orm.WithContext(ctx).Create(&entry).Error
}

// ListHistory returns the most recent transitions for a node, newest first,
// with logs decompressed.
func (s *Store) ListHistory(ctx context.Context, nodeID uuid.UUID, limit int) ([]HistoryEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, db.DefaultTimeout)
	defer cancel()

	q := s.orm.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entries []HistoryEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}

	for i := range entries {
		if len(entries[i].Logs) == 0 {
			continue
		}
		decoded, err := logDecoder.DecodeAll(entries[i].Logs, nil)
		if err != nil {
			continue // keep the compressed bytes rather than dropping the row
		}
		entries[i].Logs = decoded
	}
	return entries, nil
}
