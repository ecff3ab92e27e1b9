package region

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/model"
)

// MemorySnapshotStore keeps the last snapshot in memory.
type MemorySnapshotStore struct {
	mu      sync.RWMutex
	regions []model.Region
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{}
}

// SaveSnapshot implements SnapshotStore.
func (s *MemorySnapshotStore) SaveSnapshot(_ context.Context, regions []model.Region) error {
	cp := make([]model.Region, len(regions))
	copy(cp, regions)
	s.mu.Lock()
	s.regions = cp
	s.mu.Unlock()
	return nil
}

// LoadSnapshot implements SnapshotStore.
func (s *MemorySnapshotStore) LoadSnapshot(context.Context) ([]model.Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]model.Region, len(s.regions))
	copy(cp, s.regions)
	return cp, nil
}

// snapshotsRetained is how many snapshots the postgres store keeps.
const snapshotsRetained = 5

// PgSnapshotStore persists region snapshots as JSONB rows.
type PgSnapshotStore struct {
	db storage.DB
}

// NewPgSnapshotStore creates a postgres snapshot store.
func NewPgSnapshotStore(db storage.DB) *PgSnapshotStore {
	return &PgSnapshotStore{db: db}
}

// SaveSnapshot inserts a new snapshot and prunes old ones in one transaction.
func (s *PgSnapshotStore) SaveSnapshot(ctx context.Context, regions []model.Region) error {
	payload, err := json.Marshal(regions)
	if err != nil {
		return fmt.Errorf("marshal region snapshot: %w", err)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`INSERT INTO region_snapshots (payload, region_count) VALUES ($1, $2)`,
		payload, len(regions),
	); err != nil {
		return fmt.Errorf("insert region snapshot: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM region_snapshots
		WHERE id NOT IN (SELECT id FROM region_snapshots ORDER BY id DESC LIMIT $1)`,
		snapshotsRetained,
	); err != nil {
		return fmt.Errorf("prune region snapshots: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadSnapshot returns the most recent snapshot, or nil if none exists.
func (s *PgSnapshotStore) LoadSnapshot(ctx context.Context) ([]model.Region, error) {
	var payload []byte
	err := s.db.QueryRow(ctx,
		`SELECT payload FROM region_snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query region snapshot: %w", err)
	}

	var regions []model.Region
	if err := json.Unmarshal(payload, &regions); err != nil {
		return nil, fmt.Errorf("unmarshal region snapshot: %w", err)
	}
	return regions, nil
}
