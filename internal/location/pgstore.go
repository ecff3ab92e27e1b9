package location

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PgStore is a PostgreSQL-backed Store over the location_history table.
type PgStore struct {
	db storage.DB
}

// NewPgStore creates a postgres location store.
func NewPgStore(db storage.DB) *PgStore {
	return &PgStore{db: db}
}

// Append implements Store.
func (s *PgStore) Append(ctx context.Context, sample model.LocationSample) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO location_history (id, device_id, latitude, longitude, accuracy_m, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), sample.DeviceID, sample.Point.Lat, sample.Point.Lon,
		sample.AccuracyM, sample.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert location sample: %w", err)
	}
	return nil
}

// Latest implements Store.
func (s *PgStore) Latest(ctx context.Context, deviceID string) (*model.LocationSample, error) {
	out, err := s.Recent(ctx, deviceID, 1)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// Recent implements Store.
func (s *PgStore) Recent(ctx context.Context, deviceID string, limit int) ([]model.LocationSample, error) {
	query, args, err := psql.
		Select("device_id", "latitude", "longitude", "accuracy_m", "recorded_at").
		From("location_history").
		Where(sq.Eq{"device_id": deviceID}).
		OrderBy("recorded_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build location query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query location history: %w", err)
	}
	defer rows.Close()

	var out []model.LocationSample
	for rows.Next() {
		var ls model.LocationSample
		if err := rows.Scan(&ls.DeviceID, &ls.Point.Lat, &ls.Point.Lon, &ls.AccuracyM, &ls.Timestamp); err != nil {
			return nil, fmt.Errorf("scan location sample: %w", err)
		}
		out = append(out, ls)
	}
	return out, rows.Err()
}
