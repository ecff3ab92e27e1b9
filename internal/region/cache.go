// Package region maintains the offline-first snapshot of geofenced regions
// and answers containment, proximity and anchor queries against it.
package region

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/geo"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

const defaultRefreshTimeout = 30 * time.Second

// DefaultAnchorRadiusKm applies to anchors that do not declare a radius.
const DefaultAnchorRadiusKm = 2.0

// Source fetches the complete active region set.
type Source interface {
	Fetch(ctx context.Context) ([]model.Region, error)
}

// SnapshotStore persists the last good region set for offline start-up.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, regions []model.Region) error
	LoadSnapshot(ctx context.Context) ([]model.Region, error)
}

// Nearby is a FindNear result.
type Nearby struct {
	Region     model.Region
	DistanceKm float64
}

// AnchorHit is an anchor close enough to a point to count as a match.
type AnchorHit struct {
	Region     model.Region
	Anchor     model.Anchor
	DistanceKm float64
}

// snapshot is an immutable view of the region set.
type snapshot struct {
	regions     []model.Region
	byID        map[string]int
	byAnchor    map[string]int
	refreshedAt time.Time
}

func newSnapshot(regions []model.Region, refreshedAt time.Time) *snapshot {
	s := &snapshot{
		regions:     regions,
		byID:        make(map[string]int, len(regions)),
		byAnchor:    make(map[string]int),
		refreshedAt: refreshedAt,
	}
	for i, r := range regions {
		s.byID[r.ID] = i
		for _, a := range r.Anchors {
			s.byAnchor[a.Code] = i
		}
	}
	return s
}

// Cache is a read-optimized, thread-safe region store. Readers load an
// immutable snapshot through an atomic pointer; Refresh builds a new
// snapshot and swaps it in.
type Cache struct {
	snap      atomic.Pointer[snapshot]
	refreshMu sync.Mutex

	source         Source
	store          SnapshotStore
	containment    geo.Containment
	refreshTimeout time.Duration
	logger         *zap.Logger
	metrics        *observability.Metrics
	now            func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithSnapshotStore persists every successful refresh.
func WithSnapshotStore(s SnapshotStore) Option { return func(c *Cache) { c.store = s } }

// WithContainment replaces the ray casting polygon test.
func WithContainment(ct geo.Containment) Option { return func(c *Cache) { c.containment = ct } }

// WithRefreshTimeout bounds a single Refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *Cache) { c.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(c *Cache) { c.metrics = m } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// NewCache creates an empty cache backed by src.
func NewCache(src Source, opts ...Option) *Cache {
	c := &Cache{
		source:         src,
		containment:    geo.RayCasting{},
		refreshTimeout: defaultRefreshTimeout,
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	c.snap.Store(newSnapshot(nil, time.Time{}))
	return c
}

func (c *Cache) current() *snapshot {
	return c.snap.Load()
}

// Load validates regions and swaps them in without touching the remote
// source. It is used to bootstrap from a persisted snapshot.
func (c *Cache) Load(regions []model.Region) error {
	built, err := Build(regions)
	if err != nil {
		return err
	}
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()
	c.snap.Store(newSnapshot(built, c.current().refreshedAt))
	c.metrics.SetRegionsLoaded(len(built))
	return nil
}

// Bootstrap loads the persisted snapshot, if a store is configured and holds
// one. A missing or unreadable snapshot leaves the cache empty.
func (c *Cache) Bootstrap(ctx context.Context) bool {
	if c.store == nil {
		return false
	}
	regions, err := c.store.LoadSnapshot(ctx)
	if err != nil {
		c.logger.Warn("region snapshot load failed", zap.Error(err))
		return false
	}
	if len(regions) == 0 {
		return false
	}
	if err := c.Load(regions); err != nil {
		c.logger.Warn("persisted region snapshot rejected", zap.Error(err))
		return false
	}
	c.logger.Info("regions bootstrapped from snapshot", zap.Int("count", len(regions)))
	return true
}

// Refresh fetches the full region set and atomically replaces the cache.
// Any failure leaves the cache untouched and returns false. A call made
// while another refresh is running returns false immediately.
func (c *Cache) Refresh(ctx context.Context) bool {
	if !c.refreshMu.TryLock() {
		c.logger.Debug("region refresh already in progress")
		c.metrics.RecordRegionRefresh("skipped", 0)
		return false
	}
	defer c.refreshMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.refreshTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "region.refresh")
	start := time.Now()

	regions, err := c.source.Fetch(ctx)
	if err == nil {
		regions, err = Build(regions)
	}
	if err != nil {
		c.logger.Warn("region refresh failed, keeping current snapshot",
			zap.Int("current_count", len(c.current().regions)),
			zap.Error(err),
		)
		c.metrics.RecordRegionRefresh("failure", time.Since(start))
		observability.EndSpanWithError(span, err)
		return false
	}

	c.snap.Store(newSnapshot(regions, c.now()))
	c.metrics.RecordRegionRefresh("success", time.Since(start))
	c.metrics.SetRegionsLoaded(len(regions))
	span.SetAttributes(observability.AttrRegionCount.Int(len(regions)))
	observability.EndSpanWithError(span, nil)

	c.logger.Info("region cache refreshed", zap.Int("count", len(regions)))

	if c.store != nil {
		if err := c.store.SaveSnapshot(ctx, regions); err != nil {
			c.logger.Warn("region snapshot persist failed", zap.Error(err))
		}
	}
	return true
}

// Run refreshes immediately when the cache is empty, then on every interval
// tick until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if c.Count() == 0 {
		c.Refresh(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Refresh(ctx)
		}
	}
}

// LastRefreshTime returns when the last successful remote refresh finished.
func (c *Cache) LastRefreshTime() time.Time {
	return c.current().refreshedAt
}

// Count returns the number of regions in the active snapshot.
func (c *Cache) Count() int {
	return len(c.current().regions)
}

// GetAll returns all regions in display order (name, then id).
func (c *Cache) GetAll() []model.Region {
	s := c.current()
	out := make([]model.Region, len(s.regions))
	copy(out, s.regions)
	return out
}

// Get returns the region with the given id.
func (c *Cache) Get(id string) (model.Region, bool) {
	s := c.current()
	i, ok := s.byID[id]
	if !ok {
		return model.Region{}, false
	}
	return s.regions[i], true
}

// FindByAnchorCode looks a region up by one of its anchor codes,
// case-insensitively.
func (c *Cache) FindByAnchorCode(code string) (model.Region, bool) {
	s := c.current()
	i, ok := s.byAnchor[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return model.Region{}, false
	}
	return s.regions[i], true
}

// FindContaining returns every region containing the point, most specific
// first. Polygon regions are tested against their boundary only; regions
// without a polygon use their fallback circle.
func (c *Cache) FindContaining(ctx context.Context, lat, lon float64) ([]model.Region, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := model.Coordinate{Lat: lat, Lon: lon}
	var out []model.Region
	for _, r := range c.current().regions {
		if c.contains(r, p) {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return MoreSpecific(out[i], out[j]) })
	return out, nil
}

func (c *Cache) contains(r model.Region, p model.Coordinate) bool {
	if r.HasPolygon() {
		return r.Bounds.Contains(p) && c.containment.Contains(r.Polygon, p)
	}
	return geo.Distance(r.Center, p) <= r.RadiusKm
}

// FindNear returns regions whose center lies within radiusKm of the point,
// nearest first, ties broken by id.
func (c *Cache) FindNear(ctx context.Context, lat, lon, radiusKm float64) ([]Nearby, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := model.Coordinate{Lat: lat, Lon: lon}
	var out []Nearby
	for _, r := range c.current().regions {
		if d := geo.Distance(r.Center, p); d <= radiusKm {
			out = append(out, Nearby{Region: r, DistanceKm: d})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return LessID(out[i].Region.ID, out[j].Region.ID)
	})
	return out, nil
}

// FindAnchorsNear returns anchors whose own radius covers the point, nearest
// first.
func (c *Cache) FindAnchorsNear(ctx context.Context, lat, lon float64) ([]AnchorHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := model.Coordinate{Lat: lat, Lon: lon}
	var out []AnchorHit
	for _, r := range c.current().regions {
		for _, a := range r.Anchors {
			radius := a.RadiusKm
			if radius <= 0 {
				radius = DefaultAnchorRadiusKm
			}
			if d := geo.Distance(a.Point, p); d <= radius {
				out = append(out, AnchorHit{Region: r, Anchor: a, DistanceKm: d})
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].Anchor.Code < out[j].Anchor.Code
	})
	return out, nil
}
