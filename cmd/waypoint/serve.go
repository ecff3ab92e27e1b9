package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/waypoint/internal/arrival"
	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/definition"
	"github.com/pitabwire/waypoint/internal/geofence"
	"github.com/pitabwire/waypoint/internal/location"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/region"
	"github.com/pitabwire/waypoint/internal/storage"
	"github.com/pitabwire/waypoint/internal/transport"
	"github.com/pitabwire/waypoint/internal/trigger"
	"github.com/pitabwire/waypoint/internal/workflow"
)

func newServeCmd(load loadFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, region refresher and workflow trigger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Step 1: Telemetry.
	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "waypoint", version)
	if err != nil {
		return fmt.Errorf("tracing initialization failed: %w", err)
	}
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 2: Persistence.
	st, err := openStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// Step 3: Region cache. Without a snapshot the cache stays empty and
	// readiness false until the refresher's first fetch succeeds.
	src, err := regionSource(cfg.Regions, metrics, logger)
	if err != nil {
		return err
	}
	cache := region.NewCache(src,
		region.WithSnapshotStore(st.snapshots),
		region.WithRefreshTimeout(cfg.Regions.RefreshTimeout),
		region.WithLogger(logger),
		region.WithMetrics(metrics),
	)
	if !cache.Bootstrap(ctx) {
		logger.Info("no region snapshot to bootstrap from, waiting for first refresh")
	}

	// Step 4: Location history and arrival tracking.
	history := location.NewHistory(st.locations,
		location.WithMemoTTL(cfg.Location.MemoTTL),
		location.WithLogger(logger),
		location.WithMetrics(metrics),
	)
	matcher := geofence.NewMatcher(cache,
		geofence.WithSearchRadius(cfg.Regions.SearchRadiusKm),
		geofence.WithLogger(logger),
		geofence.WithMetrics(metrics),
	)

	queue := arrival.NewQueueSink(cfg.Arrival.QueueCapacity)
	sinks := arrival.MultiSink{{Name: "workflow", Sink: queue}}
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), DB: cfg.Redis.DB})
		defer func() { _ = rdb.Close() }()
		sinks = append(sinks, arrival.NamedSink{Name: "redis", Sink: arrival.NewRedisSink(rdb, cfg.Redis.Channel)})
	}

	tracker := arrival.NewTracker(matcher, cache, st.visits,
		arrival.WithSink(sinks),
		arrival.WithLastKnown(history),
		arrival.WithDebounce(cfg.Arrival.Debounce),
		arrival.WithLogger(logger),
		arrival.WithMetrics(metrics),
	)

	// Step 5: Actions and workflow definitions.
	actions := buildActions(cfg.Actions, cache, metrics, logger)
	defs, err := loadDefinitions(cfg.Definitions, actions)
	if err != nil {
		return err
	}
	registry := definition.NewRegistry(defs, cfg.Definitions.Triggers)
	metrics.SetDefinitionsLoaded(registry.Count())
	logger.Info("workflow definitions loaded",
		zap.Int("count", registry.Count()),
		zap.String("checksum", registry.Checksum()),
	)

	// Step 6: Engine and arrival trigger.
	engine := workflow.NewEngine(registry, st.instances, actions,
		workflow.WithResumeWindow(cfg.Workflow.ResumeWindow),
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)
	adapter := trigger.New(engine, registry,
		trigger.WithRegions(cache),
		trigger.WithVisits(tracker),
		trigger.WithRetry(cfg.Workflow.TriggerRetryWait, cfg.Workflow.TriggerRetries),
		trigger.WithLogger(logger),
		trigger.WithMetrics(metrics),
	)

	// Step 7: HTTP router.
	readiness := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Count() > 0 },
		RegionsLoaded:     func() bool { return cache.Count() > 0 },
	}
	if st.pool != nil {
		readiness.Database = storage.HealthChecker{DB: st.pool}
	}
	if rdb != nil {
		readiness.Redis = observability.HealthCheckFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	handler := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Authenticate: authenticator(cfg.Identity, logger),
		Readiness:    readiness,
		Locations:    history,
		Tracker:      tracker,
		Regions:      cache,
		Workflows:    engine,
		Addresses:    adapter,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 8: Background tasks and the server.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cache.Run(gctx, cfg.Regions.RefreshInterval)
		return nil
	})
	g.Go(func() error {
		adapter.Run(gctx, queue.Events())
		return nil
	})
	if cfg.Workflow.DefinitionInterval > 0 {
		g.Go(func() error {
			reloadDefinitions(gctx, cfg.Definitions, cfg.Workflow.DefinitionInterval, registry, actions, metrics, logger)
			return nil
		})
	}
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.Int("regions", cache.Count()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting new fixes before closing the queue they feed.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		queue.Close()
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

// authenticator selects the request authenticator from the identity config.
func authenticator(cfg config.IdentityConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	if cfg.Disabled {
		logger.Warn("identity verification disabled, every caller is an operator")
		return transport.NoAuth
	}
	var jwks *transport.JWKSClient
	if cfg.JWKSURL != "" {
		jwks = transport.NewJWKSClient(cfg.JWKSURL, cfg.JWKSCacheTTL, logger)
	}
	return transport.JWTAuthenticator(cfg, jwks)
}

// reloadDefinitions re-reads the definition directories on every tick. A
// load that fails validation keeps the previous set.
func reloadDefinitions(ctx context.Context, cfg config.DefinitionsConfig, interval time.Duration,
	registry *definition.Registry, actions definition.ActionIndex, metrics *observability.Metrics, logger *zap.Logger,
) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		defs, err := loadDefinitions(cfg, actions)
		if err != nil {
			metrics.RecordDefinitionReload("failure")
			logger.Error("definition reload failed, keeping previous set", zap.Error(err))
			continue
		}
		before := registry.Checksum()
		registry.Replace(defs, cfg.Triggers)
		metrics.RecordDefinitionReload("success")
		metrics.SetDefinitionsLoaded(registry.Count())
		if registry.Checksum() != before {
			logger.Info("workflow definitions reloaded",
				zap.Int("count", registry.Count()),
				zap.String("checksum", registry.Checksum()),
			)
		}
	}
}
