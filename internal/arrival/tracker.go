// Package arrival turns geofence matches into debounced arrival and departure
// transitions, keeps visit history and publishes typed events.
package arrival

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/geofence"
	"github.com/pitabwire/waypoint/internal/keylock"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

// DefaultDebounce is the minimum dwell time before a transition is accepted.
const DefaultDebounce = 5 * time.Minute

// Matcher maps a point to a region.
type Matcher interface {
	Match(ctx context.Context, p model.Coordinate) (geofence.Result, bool)
}

// RegionLookup resolves regions by id for manual overrides.
type RegionLookup interface {
	Get(id string) (model.Region, bool)
}

// LastKnown supplies the device's newest fix taken before a given time for
// the startup check. A zero time means the newest fix overall.
type LastKnown interface {
	LastKnownBefore(ctx context.Context, deviceID string, before time.Time) (model.LocationSample, bool, error)
}

// Tracker is the per-device arrival state machine. The open visit in the
// store is the device's state: no open visit means NoRegion. Calls for one
// device are serialized; different devices proceed concurrently.
type Tracker struct {
	matcher   Matcher
	regions   RegionLookup
	store     VisitStore
	sink      Sink
	locations LastKnown
	debounce  time.Duration

	locks     keylock.Locker
	startedMu sync.Mutex
	started   map[string]bool

	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithSink sets where accepted transitions are published.
func WithSink(s Sink) Option { return func(t *Tracker) { t.sink = s } }

// WithLastKnown enables the startup check.
func WithLastKnown(l LastKnown) Option { return func(t *Tracker) { t.locations = l } }

// WithDebounce overrides DefaultDebounce. Zero disables debouncing.
func WithDebounce(d time.Duration) Option {
	return func(t *Tracker) {
		if d >= 0 {
			t.debounce = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(t *Tracker) { t.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

// WithClock overrides time.Now for manual overrides.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// NewTracker creates a tracker.
func NewTracker(matcher Matcher, regions RegionLookup, store VisitStore, opts ...Option) *Tracker {
	t := &Tracker{
		matcher:  matcher,
		regions:  regions,
		store:    store,
		debounce: DefaultDebounce,
		started:  make(map[string]bool),
		logger:   zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

type target struct {
	region   *model.Region
	method   model.DetectionMethod
	point    model.Coordinate
	hasPoint bool
	at       time.Time
}

// Observe evaluates one location sample. Samples for a device must be
// delivered in timestamp order. The returned events have already been
// persisted and published.
func (t *Tracker) Observe(ctx context.Context, s model.LocationSample) (_ []model.Event, err error) {
	if s.DeviceID == "" {
		return nil, model.NewBadRequestError("device_id is required")
	}
	ctx, span := observability.StartSpan(ctx, "arrival.observe", observability.AttrDeviceID.String(s.DeviceID))
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := t.locks.Lock(s.DeviceID)
	defer unlock()

	events, err := t.ensureStarted(ctx, s.DeviceID, s.Timestamp)
	if err != nil {
		return nil, err
	}

	res, ok := t.matcher.Match(ctx, s.Point)
	tg := target{point: s.Point, hasPoint: true, at: s.Timestamp, method: res.Method}
	if ok {
		r := res.Region
		tg.region = &r
		span.SetAttributes(
			observability.AttrRegionID.String(r.ID),
			observability.AttrDetectionMethod.String(string(res.Method)),
		)
	}
	more, err := t.transition(ctx, s.DeviceID, tg)
	if err != nil {
		return events, err
	}
	return append(events, more...), nil
}

// SetRegion is the manual override: it bypasses geofence matching but goes
// through the same debounce and transition path. An empty regionID means
// "no region". A nil point uses the region center on entry and the entry
// point of the open visit on exit.
//
// Overrides are stamped with the server clock while visits opened from
// samples carry the device clock. A server time earlier than the open
// visit's entry is treated as zero dwell, so the override is debounced
// rather than closing the visit before it began.
func (t *Tracker) SetRegion(ctx context.Context, deviceID, regionID string, point *model.Coordinate) ([]model.Event, error) {
	if deviceID == "" {
		return nil, model.NewBadRequestError("device_id is required")
	}
	tg := target{method: model.DetectionManualOverride, at: t.now().UTC()}
	if regionID != "" {
		r, ok := t.regions.Get(regionID)
		if !ok {
			return nil, model.NewNotFoundError(fmt.Sprintf("region %q not found", regionID))
		}
		tg.region = &r
		tg.point, tg.hasPoint = r.Center, true
	}
	if point != nil {
		tg.point, tg.hasPoint = *point, true
	}

	unlock := t.locks.Lock(deviceID)
	defer unlock()

	events, err := t.ensureStarted(ctx, deviceID, tg.at)
	if err != nil {
		return nil, err
	}
	more, err := t.transition(ctx, deviceID, tg)
	if err != nil {
		return events, err
	}
	return append(events, more...), nil
}

// StartupCheck runs the one-off evaluation with the device's last known
// location, tagged startup_check. It is a no-op if it already ran for the
// device in this process or no location is known.
func (t *Tracker) StartupCheck(ctx context.Context, deviceID string) ([]model.Event, error) {
	unlock := t.locks.Lock(deviceID)
	defer unlock()
	return t.ensureStarted(ctx, deviceID, time.Time{})
}

// ensureStarted must be called with the device lock held.
func (t *Tracker) ensureStarted(ctx context.Context, deviceID string, before time.Time) ([]model.Event, error) {
	t.startedMu.Lock()
	done := t.started[deviceID]
	t.startedMu.Unlock()
	if done {
		return nil, nil
	}

	events, err := t.startupCheck(ctx, deviceID, before)
	if err != nil {
		return nil, err
	}

	t.startedMu.Lock()
	t.started[deviceID] = true
	t.startedMu.Unlock()
	return events, nil
}

func (t *Tracker) startupCheck(ctx context.Context, deviceID string, before time.Time) ([]model.Event, error) {
	if t.locations == nil {
		return nil, nil
	}
	// The sample being observed is usually recorded already, so only fixes
	// older than it count.
	last, ok, err := t.locations.LastKnownBefore(ctx, deviceID, before)
	if err != nil {
		t.logger.Warn("startup check skipped, last location unavailable",
			zap.String("device_id", deviceID), zap.Error(err))
		return nil, nil
	}
	if !ok || (!before.IsZero() && !last.Timestamp.Before(before)) {
		return nil, nil
	}

	tg := target{point: last.Point, hasPoint: true, at: last.Timestamp, method: model.DetectionStartupCheck}
	if res, matched := t.matcher.Match(ctx, last.Point); matched {
		r := res.Region
		tg.region = &r
	}
	return t.transition(ctx, deviceID, tg)
}

func (t *Tracker) transition(ctx context.Context, deviceID string, tg target) ([]model.Event, error) {
	open, err := t.store.OpenVisit(ctx, deviceID)
	if err != nil {
		return nil, t.persistFailure(deviceID, err)
	}

	if open != nil && tg.at.Before(open.EnteredAt) {
		tg.at = open.EnteredAt
	}

	switch {
	case open == nil && tg.region == nil:
		return nil, nil
	case open != nil && tg.region != nil && open.RegionID == tg.region.ID:
		return nil, nil
	}

	if open != nil && tg.at.Sub(open.EnteredAt) < t.debounce {
		candidate := ""
		if tg.region != nil {
			candidate = tg.region.ID
		}
		t.logger.Info("region transition debounced",
			zap.String("device_id", deviceID),
			zap.String("current_region", open.RegionID),
			zap.String("candidate_region", candidate),
			zap.Duration("dwell", tg.at.Sub(open.EnteredAt)),
		)
		t.metrics.RecordArrivalDebounced()
		return nil, nil
	}

	var closed, opened *model.Visit
	if open != nil {
		exit := tg.point
		if !tg.hasPoint {
			exit = open.EntryPoint
		}
		c := *open
		c.Close(tg.at, exit)
		closed = &c
	}

	var prior model.VisitSummary
	if tg.region != nil {
		prior, err = t.store.Summary(ctx, deviceID, tg.region.ID)
		if err != nil {
			return nil, t.persistFailure(deviceID, err)
		}
		opened = &model.Visit{
			ID:         t.newID(),
			DeviceID:   deviceID,
			RegionID:   tg.region.ID,
			RegionName: tg.region.Name,
			EnteredAt:  tg.at,
			EntryPoint: tg.point,
			Method:     tg.method,
		}
	}

	if err := t.store.Transition(ctx, closed, opened); err != nil {
		return nil, t.persistFailure(deviceID, err)
	}

	var events []model.Event
	var previous *model.RegionRef
	if closed != nil {
		dep := model.NewDepartureEvent(*closed)
		events = append(events, dep)
		previous = &dep.Region
	}
	if opened != nil {
		events = append(events, model.NewArrivalEvent(*opened, previous, prior))
	}

	for _, ev := range events {
		t.metrics.RecordArrivalTransition(string(ev.Kind), string(ev.Method))
		t.logger.Info("region transition",
			zap.String("device_id", deviceID),
			zap.String("kind", string(ev.Kind)),
			zap.String("region_id", ev.Region.ID),
			zap.String("method", string(ev.Method)),
		)
		t.publish(ctx, ev)
	}
	return events, nil
}

func (t *Tracker) persistFailure(deviceID string, err error) error {
	t.metrics.RecordVisitPersistFailure()
	t.logger.Error("visit persistence failed, state not advanced",
		zap.String("device_id", deviceID), zap.Error(err))
	return model.NewPersistenceError(err)
}

// publish delivers an event. The visit is already durable, so a sink failure
// loses only the notification.
func (t *Tracker) publish(ctx context.Context, ev model.Event) {
	if t.sink == nil {
		return
	}
	err := t.sink.Publish(ctx, ev)
	if err == nil {
		return
	}
	for _, name := range failedSinks(err) {
		t.metrics.RecordEventSinkFailure(name)
	}
	t.logger.Warn("arrival event not delivered",
		zap.String("device_id", ev.DeviceID),
		zap.String("visit_id", ev.VisitID),
		zap.String("kind", string(ev.Kind)),
		zap.Error(err),
	)
}

func failedSinks(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var names []string
		for _, e := range joined.Unwrap() {
			names = append(names, failedSinks(e)...)
		}
		return names
	}
	var se *SinkError
	if errors.As(err, &se) {
		return []string{se.Sink}
	}
	return []string{"default"}
}

// Current returns the device's open visit, or nil.
func (t *Tracker) Current(ctx context.Context, deviceID string) (*model.Visit, error) {
	v, err := t.store.OpenVisit(ctx, deviceID)
	if err != nil {
		return nil, model.NewPersistenceError(err)
	}
	return v, nil
}

// History returns the device's visits, newest first.
func (t *Tracker) History(ctx context.Context, deviceID string, limit int) ([]model.Visit, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	visits, err := t.store.History(ctx, deviceID, limit)
	if err != nil {
		return nil, model.NewPersistenceError(err)
	}
	return visits, nil
}

// MarkTriggered records that a visit started or resumed a workflow.
func (t *Tracker) MarkTriggered(ctx context.Context, visitID, instanceID string) error {
	return t.store.MarkTriggered(ctx, visitID, instanceID)
}
