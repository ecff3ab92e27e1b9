package arrival

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/model"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var visitColumns = []string{
	"id", "device_id", "region_id", "region_name",
	"entered_at", "entry_lat", "entry_lon",
	"exited_at", "exit_lat", "exit_lon",
	"method", "workflow_triggered", "workflow_instance_id", "duration_ms",
}

// PgVisitStore is a PostgreSQL-backed VisitStore. The visits table carries
// a partial unique index on device_id for open visits.
type PgVisitStore struct {
	db storage.DB
}

// NewPgVisitStore creates a postgres visit store.
func NewPgVisitStore(db storage.DB) *PgVisitStore {
	return &PgVisitStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVisit(row rowScanner) (model.Visit, error) {
	var (
		v                model.Visit
		method           string
		exitedAt         *time.Time
		exitLat, exitLon *float64
		durationMs       *int64
	)
	err := row.Scan(
		&v.ID, &v.DeviceID, &v.RegionID, &v.RegionName,
		&v.EnteredAt, &v.EntryPoint.Lat, &v.EntryPoint.Lon,
		&exitedAt, &exitLat, &exitLon,
		&method, &v.WorkflowTriggered, &v.WorkflowInstanceID, &durationMs,
	)
	if err != nil {
		return model.Visit{}, err
	}
	v.Method = model.DetectionMethod(method)
	v.ExitedAt = exitedAt
	if exitLat != nil && exitLon != nil {
		v.ExitPoint = &model.Coordinate{Lat: *exitLat, Lon: *exitLon}
	}
	if durationMs != nil {
		d := time.Duration(*durationMs) * time.Millisecond
		v.Duration = &d
	}
	return v, nil
}

// OpenVisit implements VisitStore.
func (s *PgVisitStore) OpenVisit(ctx context.Context, deviceID string) (*model.Visit, error) {
	query, args, err := psql.Select(visitColumns...).
		From("visits").
		Where(sq.Eq{"device_id": deviceID, "exited_at": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build open visit query: %w", err)
	}

	v, err := scanVisit(s.db.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query open visit: %w", err)
	}
	return &v, nil
}

// Transition implements VisitStore.
func (s *PgVisitStore) Transition(ctx context.Context, closed, opened *model.Visit) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin visit tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if closed != nil {
		if closed.ExitedAt == nil || closed.ExitPoint == nil {
			return fmt.Errorf("visit %q has no exit fields", closed.ID)
		}
		var durationMs int64
		if closed.Duration != nil {
			durationMs = closed.Duration.Milliseconds()
		}
		tag, err := tx.Exec(ctx, `
			UPDATE visits SET
				exited_at = $1,
				exit_lat = $2,
				exit_lon = $3,
				duration_ms = $4
			WHERE id = $5 AND exited_at IS NULL`,
			*closed.ExitedAt, closed.ExitPoint.Lat, closed.ExitPoint.Lon, durationMs, closed.ID,
		)
		if err != nil {
			return fmt.Errorf("close visit: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(fmt.Sprintf("visit %q is not open", closed.ID))
		}
	}

	if opened != nil {
		_, err := tx.Exec(ctx, `
			INSERT INTO visits (
				id, device_id, region_id, region_name,
				entered_at, entry_lat, entry_lon, method
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			opened.ID, opened.DeviceID, opened.RegionID, opened.RegionName,
			opened.EnteredAt, opened.EntryPoint.Lat, opened.EntryPoint.Lon, string(opened.Method),
		)
		if storage.IsUniqueViolation(err) {
			return model.NewConflictError(fmt.Sprintf("device %q already has an open visit", opened.DeviceID))
		}
		if err != nil {
			return fmt.Errorf("open visit: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit visit tx: %w", err)
	}
	return nil
}

// Summary implements VisitStore.
func (s *PgVisitStore) Summary(ctx context.Context, deviceID, regionID string) (model.VisitSummary, error) {
	var (
		count int64
		last  *time.Time
	)
	err := s.db.QueryRow(ctx, `
		SELECT count(*), max(entered_at)
		FROM visits
		WHERE device_id = $1 AND region_id = $2`,
		deviceID, regionID,
	).Scan(&count, &last)
	if err != nil {
		return model.VisitSummary{}, fmt.Errorf("query visit summary: %w", err)
	}
	return model.VisitSummary{Count: int(count), LastVisitAt: last}, nil
}

// History implements VisitStore.
func (s *PgVisitStore) History(ctx context.Context, deviceID string, limit int) ([]model.Visit, error) {
	b := psql.Select(visitColumns...).
		From("visits").
		Where(sq.Eq{"device_id": deviceID}).
		OrderBy("entered_at DESC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build visit history query: %w", err)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query visit history: %w", err)
	}
	defer rows.Close()

	var out []model.Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// MarkTriggered implements VisitStore.
func (s *PgVisitStore) MarkTriggered(ctx context.Context, visitID, instanceID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE visits SET workflow_triggered = TRUE, workflow_instance_id = $1
		WHERE id = $2`,
		instanceID, visitID,
	)
	if err != nil {
		return fmt.Errorf("mark visit triggered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("visit %q not found", visitID))
	}
	return nil
}
