// Package storage owns the PostgreSQL connection pool and the embedded schema
// migrations shared by the postgres-backed stores.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DB is the subset of *pgxpool.Pool used by the stores. pgxmock pools
// satisfy it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxConns        int
	MinConns        int
	ConnMaxLifetime time.Duration
	ConnectAttempts uint64
}

// Open parses dsn, creates a pool and waits until the database answers a
// ping, retrying with exponential backoff.
func Open(ctx context.Context, dsn string, opts PoolOptions, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = int32(opts.MaxConns)
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = int32(opts.MinConns)
	}
	if opts.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	if err := WaitForDB(ctx, pool, opts.ConnectAttempts, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// WaitForDB pings db until it answers or attempts are exhausted.
func WaitForDB(ctx context.Context, db DB, attempts uint64, logger *zap.Logger) error {
	if attempts == 0 {
		attempts = 5
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	attempt := 0
	op := func() error {
		attempt++
		err := db.Ping(ctx)
		if err != nil {
			logger.Warn("database ping failed, retrying",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx)); err != nil {
		return fmt.Errorf("storage: database unreachable after %d attempts: %w", attempt, err)
	}
	logger.Info("database connection established", zap.Int("attempts", attempt))
	return nil
}

// HealthChecker adapts a DB to the readiness probe interface.
type HealthChecker struct {
	DB DB
}

// HealthCheck pings the database.
func (h HealthChecker) HealthCheck(ctx context.Context) error {
	if h.DB == nil {
		return errors.New("storage: no database configured")
	}
	return h.DB.Ping(ctx)
}

// IsUniqueViolation reports whether err is a postgres unique constraint
// violation (SQLSTATE 23505).
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
