// Package location records device location fixes and answers "where was this
// device last seen", which the arrival tracker uses for its startup check.
package location

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/geo"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

// Store persists location samples.
type Store interface {
	Append(ctx context.Context, s model.LocationSample) error
	Latest(ctx context.Context, deviceID string) (*model.LocationSample, error)
	Recent(ctx context.Context, deviceID string, limit int) ([]model.LocationSample, error)
}

const defaultMemoTTL = 30 * time.Minute

// History fronts a Store with an in-process memo of each device's latest fix.
type History struct {
	store   Store
	memo    *cache.Cache
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a History.
type Option func(*History)

// WithMemoTTL sets how long a device's last fix is memoized.
func WithMemoTTL(d time.Duration) Option {
	return func(h *History) {
		if d > 0 {
			h.memo = cache.New(d, 2*d)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(h *History) { h.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(h *History) { h.metrics = m } }

// NewHistory creates a History over store.
func NewHistory(store Store, opts ...Option) *History {
	h := &History{
		store:  store,
		memo:   cache.New(defaultMemoTTL, 2*defaultMemoTTL),
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Validate checks a sample before it enters the pipeline.
func Validate(s model.LocationSample) error {
	var details []model.FieldError
	if s.DeviceID == "" {
		details = append(details, model.FieldError{Field: "device_id", Code: "REQUIRED", Message: "device_id is required"})
	}
	if !geo.ValidCoordinate(s.Point) {
		details = append(details, model.FieldError{Field: "point", Code: "OUT_OF_RANGE", Message: "latitude or longitude out of range"})
	}
	if s.AccuracyM < 0 {
		details = append(details, model.FieldError{Field: "accuracy_m", Code: "OUT_OF_RANGE", Message: "accuracy must not be negative"})
	}
	if s.Timestamp.IsZero() {
		details = append(details, model.FieldError{Field: "timestamp", Code: "REQUIRED", Message: "timestamp is required"})
	}
	if len(details) > 0 {
		return model.NewValidationError(details)
	}
	return nil
}

// Record validates and stores a sample. Samples older than the memoized
// latest fix are stored but do not replace it.
func (h *History) Record(ctx context.Context, s model.LocationSample) error {
	if err := Validate(s); err != nil {
		return err
	}
	if err := h.store.Append(ctx, s); err != nil {
		return model.NewPersistenceError(err)
	}
	if prev, ok := h.memo.Get(s.DeviceID); ok {
		if p := prev.(model.LocationSample); p.Timestamp.After(s.Timestamp) {
			return nil
		}
	}
	h.memo.SetDefault(s.DeviceID, s)
	return nil
}

// LastKnown returns the device's most recent fix. The boolean is false when
// the device has never reported one.
func (h *History) LastKnown(ctx context.Context, deviceID string) (model.LocationSample, bool, error) {
	if v, ok := h.memo.Get(deviceID); ok {
		h.metrics.RecordLocationCacheHit()
		return v.(model.LocationSample), true, nil
	}
	h.metrics.RecordLocationCacheMiss()

	latest, err := h.store.Latest(ctx, deviceID)
	if err != nil {
		return model.LocationSample{}, false, fmt.Errorf("load last location for %s: %w", deviceID, err)
	}
	if latest == nil {
		return model.LocationSample{}, false, nil
	}
	h.memo.SetDefault(deviceID, *latest)
	return *latest, true, nil
}

// recentWindow bounds how many stored fixes LastKnownBefore inspects.
const recentWindow = 5

// LastKnownBefore returns the newest fix taken strictly before the given
// time. A zero time behaves like LastKnown. Callers that record a fix before
// evaluating it use this to read the fix that preceded it.
func (h *History) LastKnownBefore(ctx context.Context, deviceID string, before time.Time) (model.LocationSample, bool, error) {
	if before.IsZero() {
		return h.LastKnown(ctx, deviceID)
	}
	if v, ok := h.memo.Get(deviceID); ok {
		if s := v.(model.LocationSample); s.Timestamp.Before(before) {
			h.metrics.RecordLocationCacheHit()
			return s, true, nil
		}
	}
	h.metrics.RecordLocationCacheMiss()

	recent, err := h.store.Recent(ctx, deviceID, recentWindow)
	if err != nil {
		return model.LocationSample{}, false, fmt.Errorf("load recent locations for %s: %w", deviceID, err)
	}
	for _, s := range recent {
		if s.Timestamp.Before(before) {
			return s, true, nil
		}
	}
	return model.LocationSample{}, false, nil
}

// Recent returns up to limit fixes, newest first.
func (h *History) Recent(ctx context.Context, deviceID string, limit int) ([]model.LocationSample, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return h.store.Recent(ctx, deviceID, limit)
}

// MemoryStore keeps samples in memory, per device, ordered by timestamp.
type MemoryStore struct {
	mu      sync.RWMutex
	samples map[string][]model.LocationSample
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{samples: make(map[string][]model.LocationSample)}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, s model.LocationSample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := append(m.samples[s.DeviceID], s)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	m.samples[s.DeviceID] = list
	return nil
}

// Latest implements Store.
func (m *MemoryStore) Latest(_ context.Context, deviceID string) (*model.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.samples[deviceID]
	if len(list) == 0 {
		return nil, nil
	}
	s := list[len(list)-1]
	return &s, nil
}

// Recent implements Store.
func (m *MemoryStore) Recent(_ context.Context, deviceID string, limit int) ([]model.LocationSample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.samples[deviceID]
	var out []model.LocationSample
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
