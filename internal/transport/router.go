package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Locations Locations
	Tracker   Tracker
	Regions   Regions
	Workflows Workflows
	Addresses AddressStarter

	// Now stamps fixes that arrive without a timestamp. Defaults to time.Now.
	Now func() time.Time
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes bypass authentication.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if m := deps.Config.Observability.Metrics; m.Enabled {
		path := m.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler())
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(LimitBody(deps.Config.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))

		r.Route("/v1/regions", func(r chi.Router) {
			r.Get("/", handleListRegions(deps.Regions))
			r.Get("/{regionId}", handleGetRegion(deps.Regions))
			r.With(RequireRole(operatorRole)).Post("/refresh", handleRefreshRegions(deps.Regions))
		})

		r.Route("/v1/devices/{deviceId}", func(r chi.Router) {
			r.Use(RequireDevice)

			r.Post("/locations", handleRecordLocation(deps.Locations, deps.Tracker, now))
			r.Get("/locations", handleRecentLocations(deps.Locations))
			r.Get("/locations/latest", handleLastLocation(deps.Locations))

			r.Put("/region", handleSetRegion(deps.Tracker))
			r.Get("/visits", handleVisitHistory(deps.Tracker))
			r.Get("/visits/current", handleCurrentVisit(deps.Tracker))

			r.Post("/workflows", handleWorkflowStartForAddress(deps.Addresses))
			r.Get("/workflows", handleWorkflowList(deps.Workflows))
			r.Get("/workflows/{key}", handleWorkflowGet(deps.Workflows))
			r.Post("/workflows/{key}/step", handleWorkflowStep(deps.Workflows))
			r.Post("/workflows/{key}/resolve", handleWorkflowResolve(deps.Workflows))
			r.Get("/workflows/{key}/history", handleWorkflowHistory(deps.Workflows))
		})
	})

	return r
}
