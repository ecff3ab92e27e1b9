package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	remoteDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	bodySizeBuckets       = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service. All
// recording helpers are safe to call on a nil *Metrics.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Region cache metrics
	RegionRefreshTotal    *prometheus.CounterVec
	RegionRefreshDuration prometheus.Histogram
	RegionsLoaded         prometheus.Gauge

	// Geofence and arrival metrics
	GeofenceMatchesTotal      *prometheus.CounterVec
	GeofenceLookupErrorsTotal prometheus.Counter
	ArrivalTransitionsTotal   *prometheus.CounterVec
	ArrivalDebouncedTotal     prometheus.Counter
	VisitPersistFailuresTotal prometheus.Counter
	EventSinkFailuresTotal    *prometheus.CounterVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowStepsTotal       *prometheus.CounterVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowTriggerRetries   prometheus.Counter

	// Action and remote call metrics
	ActionInvocationsTotal *prometheus.CounterVec
	ActionDuration         *prometheus.HistogramVec
	CircuitBreakerState    *prometheus.GaugeVec

	// Cache metrics
	LocationCacheHitsTotal   prometheus.Counter
	LocationCacheMissesTotal prometheus.Counter

	// System metrics
	DefinitionReloadTotal *prometheus.CounterVec
	DefinitionsLoaded     prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Regions
		RegionRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_region_refresh_total",
			Help: "Total region cache refresh attempts.",
		}, []string{"status"}),
		RegionRefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "waypoint_region_refresh_duration_seconds",
			Help:    "Region cache refresh duration in seconds.",
			Buckets: remoteDurationBuckets,
		}),
		RegionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_regions_loaded",
			Help: "Number of regions in the active snapshot.",
		}),

		// Geofence / arrivals
		GeofenceMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_geofence_matches_total",
			Help: "Total geofence match results by detection method.",
		}, []string{"method"}),
		GeofenceLookupErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_geofence_lookup_errors_total",
			Help: "Region lookups that degraded to no region.",
		}),
		ArrivalTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_arrival_transitions_total",
			Help: "Total emitted arrival and departure events.",
		}, []string{"kind", "method"}),
		ArrivalDebouncedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_arrival_debounced_total",
			Help: "Candidate transitions discarded by the debounce interval.",
		}),
		VisitPersistFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_visit_persist_failures_total",
			Help: "Visit writes that failed and left device state unchanged.",
		}),
		EventSinkFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_event_sink_failures_total",
			Help: "Events that a sink failed to deliver.",
		}, []string{"sink"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_workflow_starts_total",
			Help: "Total workflow Start calls by outcome (created, resumed).",
		}, []string{"definition_id", "outcome"}),
		WorkflowStepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_workflow_steps_total",
			Help: "Total workflow Step and Resolve calls.",
		}, []string{"definition_id", "node_kind", "status"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds.",
			Buckets: remoteDurationBuckets,
		}, []string{"definition_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_workflow_completions_total",
			Help: "Total workflow instances that reached a stop node.",
		}, []string{"definition_id"}),
		WorkflowTriggerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_workflow_trigger_retries_total",
			Help: "Trigger retries after concurrent instance creation conflicts.",
		}),

		// Actions
		ActionInvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_action_invocations_total",
			Help: "Total action handler invocations.",
		}, []string{"action", "status"}),
		ActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waypoint_action_duration_seconds",
			Help:    "Action handler duration in seconds.",
			Buckets: remoteDurationBuckets,
		}, []string{"action"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "waypoint_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		// Cache
		LocationCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_location_cache_hits_total",
			Help: "Total last-known-location cache hits.",
		}),
		LocationCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_location_cache_misses_total",
			Help: "Total last-known-location cache misses.",
		}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "waypoint_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Regions
		m.RegionRefreshTotal,
		m.RegionRefreshDuration,
		m.RegionsLoaded,
		// Geofence / arrivals
		m.GeofenceMatchesTotal,
		m.GeofenceLookupErrorsTotal,
		m.ArrivalTransitionsTotal,
		m.ArrivalDebouncedTotal,
		m.VisitPersistFailuresTotal,
		m.EventSinkFailuresTotal,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowStepsTotal,
		m.WorkflowStepDuration,
		m.WorkflowCompletionsTotal,
		m.WorkflowTriggerRetries,
		// Actions
		m.ActionInvocationsTotal,
		m.ActionDuration,
		m.CircuitBreakerState,
		// Cache
		m.LocationCacheHitsTotal,
		m.LocationCacheMissesTotal,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRegionRefresh records a refresh attempt. status is "success",
// "failure" or "skipped".
func (m *Metrics) RecordRegionRefresh(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RegionRefreshTotal.WithLabelValues(status).Inc()
	if status != "skipped" {
		m.RegionRefreshDuration.Observe(duration.Seconds())
	}
}

// SetRegionsLoaded sets the size of the active region snapshot.
func (m *Metrics) SetRegionsLoaded(count int) {
	if m == nil {
		return
	}
	m.RegionsLoaded.Set(float64(count))
}

// RecordGeofenceMatch records a match result. Use "none" when nothing matched.
func (m *Metrics) RecordGeofenceMatch(method string) {
	if m == nil {
		return
	}
	m.GeofenceMatchesTotal.WithLabelValues(method).Inc()
}

// RecordGeofenceLookupError records a lookup that degraded to no region.
func (m *Metrics) RecordGeofenceLookupError() {
	if m == nil {
		return
	}
	m.GeofenceLookupErrorsTotal.Inc()
}

// RecordArrivalTransition records an emitted arrival or departure.
func (m *Metrics) RecordArrivalTransition(kind, method string) {
	if m == nil {
		return
	}
	m.ArrivalTransitionsTotal.WithLabelValues(kind, method).Inc()
}

// RecordArrivalDebounced records a discarded candidate transition.
func (m *Metrics) RecordArrivalDebounced() {
	if m == nil {
		return
	}
	m.ArrivalDebouncedTotal.Inc()
}

// RecordVisitPersistFailure records a failed visit write.
func (m *Metrics) RecordVisitPersistFailure() {
	if m == nil {
		return
	}
	m.VisitPersistFailuresTotal.Inc()
}

// RecordEventSinkFailure records an undelivered event.
func (m *Metrics) RecordEventSinkFailure(sink string) {
	if m == nil {
		return
	}
	m.EventSinkFailuresTotal.WithLabelValues(sink).Inc()
}

// RecordWorkflowStart records a Start call. outcome is "created" or "resumed".
func (m *Metrics) RecordWorkflowStart(definitionID, outcome string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definitionID, outcome).Inc()
}

// RecordWorkflowStep records a Step or Resolve call.
func (m *Metrics) RecordWorkflowStep(definitionID, nodeKind, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowStepsTotal.WithLabelValues(definitionID, nodeKind, status).Inc()
	m.WorkflowStepDuration.WithLabelValues(definitionID).Observe(duration.Seconds())
}

// RecordWorkflowCompletion records an instance reaching a stop node.
func (m *Metrics) RecordWorkflowCompletion(definitionID string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definitionID).Inc()
}

// RecordWorkflowTriggerRetry records a retried trigger.
func (m *Metrics) RecordWorkflowTriggerRetry() {
	if m == nil {
		return
	}
	m.WorkflowTriggerRetries.Inc()
}

// RecordActionInvocation records an action handler call.
func (m *Metrics) RecordActionInvocation(action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ActionInvocationsTotal.WithLabelValues(action, status).Inc()
	m.ActionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// SetCircuitBreakerState sets the breaker state for a named remote.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(state)
}

// RecordLocationCacheHit records a last-known-location cache hit.
func (m *Metrics) RecordLocationCacheHit() {
	if m == nil {
		return
	}
	m.LocationCacheHitsTotal.Inc()
}

// RecordLocationCacheMiss records a last-known-location cache miss.
func (m *Metrics) RecordLocationCacheMiss() {
	if m == nil {
		return
	}
	m.LocationCacheMissesTotal.Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	if m == nil {
		return
	}
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
