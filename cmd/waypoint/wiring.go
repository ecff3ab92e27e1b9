package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/action"
	"github.com/pitabwire/waypoint/internal/arrival"
	"github.com/pitabwire/waypoint/internal/breaker"
	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/definition"
	"github.com/pitabwire/waypoint/internal/location"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/region"
	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/internal/workflow"
	"github.com/pitabwire/waypoint/model"
)

// stores groups the persistence backends. With no DSN configured every
// store is in-memory and pool is nil.
type stores struct {
	pool      *pgxpool.Pool
	visits    arrival.VisitStore
	instances workflow.Store
	locations location.Store
	snapshots region.SnapshotStore
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func openStores(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*stores, error) {
	dsn := cfg.DSN()
	if dsn == "" {
		logger.Warn("no database configured, state will not survive a restart",
			zap.String("dsn_env", cfg.DSNEnv))
		return &stores{
			visits:    arrival.NewMemoryVisitStore(),
			instances: workflow.NewMemoryStore(),
			locations: location.NewMemoryStore(),
			snapshots: region.NewMemorySnapshotStore(),
		}, nil
	}

	if cfg.MigrateOnStart {
		if err := storage.RunMigrations(dsn, logger); err != nil {
			return nil, err
		}
	}
	pool, err := storage.Open(ctx, dsn, storage.PoolOptions{
		MaxConns:        int(cfg.MaxConns),
		MinConns:        int(cfg.MinConns),
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnectAttempts: cfg.ConnectAttempts,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &stores{
		pool:      pool,
		visits:    arrival.NewPgVisitStore(pool),
		instances: workflow.NewPgStore(pool),
		locations: location.NewPgStore(pool),
		snapshots: region.NewPgSnapshotStore(pool),
	}, nil
}

// newBreaker builds a circuit breaker whose state is exported as a gauge.
func newBreaker(name string, cfg config.CircuitBreakerConfig, metrics *observability.Metrics, logger *zap.Logger) *breaker.Breaker {
	cb := breaker.New(breaker.Settings{
		Name:             name,
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.Timeout,
		ErrorRate:        cfg.ErrorRateThreshold,
		RateWindow:       cfg.ErrorRateWindow,
	})
	cb.OnStateChange(func(name string, from, to breaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		metrics.SetCircuitBreakerState(name, breakerGauge(to))
	})
	return cb
}

// breakerGauge maps a breaker state onto the gauge encoding
// (0=closed, 1=half-open, 2=open).
func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}

// regionSource picks the remote endpoint when configured, else the static
// file.
func regionSource(cfg config.RegionsConfig, metrics *observability.Metrics, logger *zap.Logger) (region.Source, error) {
	if cfg.SourceURL != "" {
		cb := newBreaker("regions", cfg.CircuitBreaker, metrics, logger)
		client := &http.Client{Timeout: cfg.RefreshTimeout}
		return region.NewHTTPSource(cfg.SourceURL, client, cb, cfg.SourceHeaders), nil
	}
	data, err := os.ReadFile(cfg.StaticFile)
	if err != nil {
		return nil, fmt.Errorf("reading static regions: %w", err)
	}
	regions, err := region.DecodeRegions(data)
	if err != nil {
		return nil, fmt.Errorf("decoding static regions %s: %w", cfg.StaticFile, err)
	}
	return region.StaticSource(regions), nil
}

// buildActions registers the built-in handlers, plus the http handler
// behind its own circuit breaker.
func buildActions(cfg config.ActionsConfig, regions action.Regions, metrics *observability.Metrics, logger *zap.Logger) *action.Registry {
	reg := action.NewRegistry(
		action.WithLogger(logger),
		action.WithMetrics(metrics),
		action.WithTimeout(cfg.InvokeTimeout),
	)
	cb := newBreaker("webhook", cfg.CircuitBreaker, metrics, logger)
	hook := action.NewWebhook(&http.Client{Timeout: cfg.WebhookTimeout}, cb, cfg.WebhookHeaders)
	action.RegisterBuiltins(reg, regions, hook, logger)
	return reg
}

// loadDefinitions loads every definition and checks it against the action
// registry and the trigger mapping.
func loadDefinitions(cfg config.DefinitionsConfig, actions definition.ActionIndex) ([]model.WorkflowDefinition, error) {
	defs, err := definition.NewLoader().LoadAll(cfg.Directories)
	if err != nil {
		return nil, err
	}
	verrs := definition.NewValidator().Validate(defs, actions)
	verrs = append(verrs, definition.CheckTriggers(defs, cfg.Triggers)...)
	if err := definition.ToError(verrs); err != nil {
		return nil, err
	}
	return defs, nil
}
