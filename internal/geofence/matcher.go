// Package geofence maps a coordinate to at most one region.
package geofence

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/region"
	"github.com/pitabwire/waypoint/model"
)

// DefaultSearchRadiusKm bounds the FindNear fallback.
const DefaultSearchRadiusKm = 50.0

// Lookup is the subset of the region cache the matcher reads.
type Lookup interface {
	FindContaining(ctx context.Context, lat, lon float64) ([]model.Region, error)
	FindAnchorsNear(ctx context.Context, lat, lon float64) ([]region.AnchorHit, error)
	FindNear(ctx context.Context, lat, lon, radiusKm float64) ([]region.Nearby, error)
}

// Result is a successful match.
type Result struct {
	Region     model.Region
	Method     model.DetectionMethod
	DistanceKm float64
	// AnchorCode is set for anchor_proximity matches.
	AnchorCode string
}

// Matcher holds no state of its own beyond its configuration.
type Matcher struct {
	lookup         Lookup
	searchRadiusKm float64
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithSearchRadius overrides DefaultSearchRadiusKm.
func WithSearchRadius(km float64) Option {
	return func(m *Matcher) {
		if km > 0 {
			m.searchRadiusKm = km
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Matcher) { m.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(mt *observability.Metrics) Option { return func(m *Matcher) { m.metrics = mt } }

// NewMatcher creates a matcher over lookup.
func NewMatcher(lookup Lookup, opts ...Option) *Matcher {
	m := &Matcher{
		lookup:         lookup,
		searchRadiusKm: DefaultSearchRadiusKm,
		logger:         zap.NewNop(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the best region for p. The boolean is false when no region
// matches. Lookup errors are logged and treated as no region.
func (m *Matcher) Match(ctx context.Context, p model.Coordinate) (Result, bool) {
	res, ok, err := m.match(ctx, p)
	if err != nil {
		m.logger.Warn("geofence lookup failed, treating as no region",
			zap.Float64("lat", p.Lat),
			zap.Float64("lon", p.Lon),
			zap.Error(err),
		)
		m.metrics.RecordGeofenceLookupError()
		return Result{}, false
	}
	if ok {
		m.metrics.RecordGeofenceMatch(string(res.Method))
	} else {
		m.metrics.RecordGeofenceMatch("none")
	}
	return res, ok
}

func (m *Matcher) match(ctx context.Context, p model.Coordinate) (Result, bool, error) {
	containing, err := m.lookup.FindContaining(ctx, p.Lat, p.Lon)
	if err != nil {
		return Result{}, false, err
	}
	if len(containing) > 0 {
		// FindContaining already orders by the tie-break.
		r := containing[0]
		method := model.DetectionCenter
		if r.HasPolygon() {
			method = model.DetectionBoundary
		}
		return Result{Region: r, Method: method}, true, nil
	}

	anchors, err := m.lookup.FindAnchorsNear(ctx, p.Lat, p.Lon)
	if err != nil {
		return Result{}, false, err
	}
	if len(anchors) > 0 {
		hit := anchors[0]
		return Result{
			Region:     hit.Region,
			Method:     model.DetectionAnchor,
			DistanceKm: hit.DistanceKm,
			AnchorCode: hit.Anchor.Code,
		}, true, nil
	}

	near, err := m.lookup.FindNear(ctx, p.Lat, p.Lon, m.searchRadiusKm)
	if err != nil {
		return Result{}, false, err
	}
	for _, n := range near {
		if n.DistanceKm <= n.Region.RadiusKm {
			return Result{Region: n.Region, Method: model.DetectionCenter, DistanceKm: n.DistanceKm}, true, nil
		}
	}
	return Result{}, false, nil
}
