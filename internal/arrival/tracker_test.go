package arrival

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/waypoint/internal/geofence"
	"github.com/pitabwire/waypoint/internal/location"
	"github.com/pitabwire/waypoint/model"
)

// --- Fixtures ---

var t0 = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

var (
	regionA = model.Region{ID: "1", Name: "Alpha", Center: model.Coordinate{Lat: 1, Lon: 0}, RadiusKm: 1}
	regionB = model.Region{ID: "2", Name: "Bravo", Center: model.Coordinate{Lat: 2, Lon: 0}, RadiusKm: 1}
)

// latMatcher maps latitude 1 to Alpha, 2 to Bravo and anything else to no region.
type latMatcher struct{}

func (latMatcher) Match(_ context.Context, p model.Coordinate) (geofence.Result, bool) {
	switch p.Lat {
	case 1:
		return geofence.Result{Region: regionA, Method: model.DetectionBoundary}, true
	case 2:
		return geofence.Result{Region: regionB, Method: model.DetectionCenter}, true
	}
	return geofence.Result{}, false
}

type regionIndex map[string]model.Region

func (r regionIndex) Get(id string) (model.Region, bool) {
	reg, ok := r[id]
	return reg, ok
}

var regions = regionIndex{"1": regionA, "2": regionB}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
	err    error
}

func (s *recordingSink) Publish(_ context.Context, ev model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) all() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Event(nil), s.events...)
}

type flakyStore struct {
	*MemoryVisitStore
	failTransition bool
}

func (f *flakyStore) Transition(ctx context.Context, closed, opened *model.Visit) error {
	if f.failTransition {
		return errors.New("connection reset")
	}
	return f.MemoryVisitStore.Transition(ctx, closed, opened)
}

type fixedLastKnown struct {
	sample *model.LocationSample
	err    error
}

func (f fixedLastKnown) LastKnownBefore(context.Context, string, time.Time) (model.LocationSample, bool, error) {
	if f.err != nil || f.sample == nil {
		return model.LocationSample{}, false, f.err
	}
	return *f.sample, true, nil
}

func at(lat float64, offset time.Duration) model.LocationSample {
	return model.LocationSample{DeviceID: "dev-1", Point: model.Coordinate{Lat: lat, Lon: 0}, Timestamp: t0.Add(offset)}
}

func newTracker(opts ...Option) (*Tracker, *MemoryVisitStore, *recordingSink) {
	store := NewMemoryVisitStore()
	sink := &recordingSink{}
	opts = append([]Option{WithSink(sink)}, opts...)
	return NewTracker(latMatcher{}, regions, store, opts...), store, sink
}

func observe(t *testing.T, tr *Tracker, s model.LocationSample) []model.Event {
	t.Helper()
	evs, err := tr.Observe(context.Background(), s)
	if err != nil {
		t.Fatalf("Observe(%v) error = %v", s.Point, err)
	}
	return evs
}

// --- Transitions ---

func TestObserve_firstArrival(t *testing.T) {
	tr, store, sink := newTracker()

	evs := observe(t, tr, at(1, 0))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	ev := evs[0]
	if ev.Kind != model.EventArrival || ev.Region.ID != "1" {
		t.Errorf("event = %+v, want arrival in region 1", ev)
	}
	if !ev.IsFirstVisit || ev.PreviousVisitCount != 0 || ev.LastVisitAt != nil {
		t.Errorf("first-visit fields = (%v, %d, %v)", ev.IsFirstVisit, ev.PreviousVisitCount, ev.LastVisitAt)
	}
	if ev.Method != model.DetectionBoundary {
		t.Errorf("Method = %q, want boundary_match", ev.Method)
	}
	if ev.PreviousRegion != nil {
		t.Errorf("PreviousRegion = %v, want nil", ev.PreviousRegion)
	}
	if store.OpenCount("dev-1") != 1 {
		t.Errorf("open visits = %d, want 1", store.OpenCount("dev-1"))
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink received %d events, want 1", len(sink.all()))
	}
}

func TestObserve_sameRegionIsNoOp(t *testing.T) {
	tr, _, sink := newTracker()
	observe(t, tr, at(1, 0))
	if evs := observe(t, tr, at(1, time.Hour)); len(evs) != 0 {
		t.Errorf("got %d events, want 0", len(evs))
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink received %d events, want 1", len(sink.all()))
	}
}

func TestObserve_debounce(t *testing.T) {
	tr, store, _ := newTracker()
	ctx := context.Background()

	observe(t, tr, at(1, 0))

	if evs := observe(t, tr, at(2, time.Minute)); len(evs) != 0 {
		t.Fatalf("transition inside debounce emitted %d events", len(evs))
	}
	cur, _ := tr.Current(ctx, "dev-1")
	if cur == nil || cur.RegionID != "1" {
		t.Fatalf("open visit = %v, want region 1", cur)
	}

	evs := observe(t, tr, at(2, 6*time.Minute))
	if len(evs) != 2 {
		t.Fatalf("got %d events, want departure + arrival", len(evs))
	}
	if evs[0].Kind != model.EventDeparture || evs[0].Region.ID != "1" {
		t.Errorf("evs[0] = %+v, want departure from 1", evs[0])
	}
	if evs[0].Duration != 6*time.Minute {
		t.Errorf("departure Duration = %v, want 6m", evs[0].Duration)
	}
	if evs[1].Kind != model.EventArrival || evs[1].Region.ID != "2" {
		t.Errorf("evs[1] = %+v, want arrival in 2", evs[1])
	}
	if evs[1].PreviousRegion == nil || evs[1].PreviousRegion.ID != "1" {
		t.Errorf("PreviousRegion = %v, want region 1", evs[1].PreviousRegion)
	}
	if store.OpenCount("dev-1") != 1 {
		t.Errorf("open visits = %d, want 1", store.OpenCount("dev-1"))
	}
}

func TestObserve_flapABAWithinDebounce(t *testing.T) {
	tr, store, sink := newTracker()
	observe(t, tr, at(1, 0))
	before := len(sink.all())

	observe(t, tr, at(2, time.Minute))
	if store.OpenCount("dev-1") != 1 {
		t.Fatalf("open visits = %d, want 1", store.OpenCount("dev-1"))
	}
	observe(t, tr, at(1, 2*time.Minute))

	if got := len(sink.all()) - before; got != 0 {
		t.Errorf("A→B→A emitted %d events, want 0", got)
	}
	cur, _ := tr.Current(context.Background(), "dev-1")
	if cur == nil || cur.RegionID != "1" || !cur.EnteredAt.Equal(t0) {
		t.Errorf("open visit = %+v, want the original region 1 visit", cur)
	}
	if store.OpenCount("dev-1") != 1 {
		t.Errorf("open visits = %d, want 1", store.OpenCount("dev-1"))
	}
}

func TestObserve_departureToNoRegion(t *testing.T) {
	tr, store, _ := newTracker()
	observe(t, tr, at(1, 0))

	evs := observe(t, tr, at(0, 10*time.Minute))
	if len(evs) != 1 || evs[0].Kind != model.EventDeparture {
		t.Fatalf("events = %+v, want a single departure", evs)
	}
	if evs[0].Method != model.DetectionBoundary {
		t.Errorf("departure Method = %q, want the visit's method", evs[0].Method)
	}
	if store.OpenCount("dev-1") != 0 {
		t.Errorf("open visits = %d, want 0", store.OpenCount("dev-1"))
	}

	hist, _ := tr.History(context.Background(), "dev-1", 10)
	if len(hist) != 1 || hist[0].ExitedAt == nil || hist[0].Duration == nil || *hist[0].Duration != 10*time.Minute {
		t.Errorf("history = %+v, want one closed 10m visit", hist)
	}
}

func TestObserve_noRegionFromNoRegionIsNoOp(t *testing.T) {
	tr, _, sink := newTracker()
	if evs := observe(t, tr, at(0, 0)); len(evs) != 0 {
		t.Errorf("got %d events, want 0", len(evs))
	}
	if len(sink.all()) != 0 {
		t.Error("sink should receive nothing")
	}
}

func TestObserve_returningVisit(t *testing.T) {
	tr, _, _ := newTracker()
	observe(t, tr, at(1, 0))
	observe(t, tr, at(2, 6*time.Minute))
	evs := observe(t, tr, at(1, 12*time.Minute))

	arr := evs[len(evs)-1]
	if arr.Kind != model.EventArrival || arr.Region.ID != "1" {
		t.Fatalf("last event = %+v, want arrival in 1", arr)
	}
	if arr.IsFirstVisit {
		t.Error("IsFirstVisit = true, want false")
	}
	if arr.PreviousVisitCount != 1 {
		t.Errorf("PreviousVisitCount = %d, want 1", arr.PreviousVisitCount)
	}
	if arr.LastVisitAt == nil || !arr.LastVisitAt.Equal(t0) {
		t.Errorf("LastVisitAt = %v, want %v", arr.LastVisitAt, t0)
	}
}

func TestObserve_departurePrecedesArrivalAtSink(t *testing.T) {
	tr, _, sink := newTracker()
	observe(t, tr, at(1, 0))
	observe(t, tr, at(2, 6*time.Minute))

	got := sink.all()
	kinds := []model.EventKind{model.EventArrival, model.EventDeparture, model.EventArrival}
	if len(got) != len(kinds) {
		t.Fatalf("sink got %d events, want %d", len(got), len(kinds))
	}
	for i, k := range kinds {
		if got[i].Kind != k {
			t.Errorf("event[%d].Kind = %q, want %q", i, got[i].Kind, k)
		}
	}
}

func TestObserve_spanCarriesRegion(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tr, _, _ := newTracker()
	observe(t, tr, at(2, 0))

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "arrival.observe" {
		t.Fatalf("spans = %v, want one arrival.observe", spans)
	}
	got := map[string]string{}
	for _, a := range spans[0].Attributes {
		got[string(a.Key)] = a.Value.Emit()
	}
	if got["waypoint.device_id"] != "dev-1" || got["waypoint.region_id"] != "2" || got["waypoint.detection_method"] != string(model.DetectionCenter) {
		t.Errorf("attributes = %v", got)
	}
}

// --- Failures ---

func TestObserve_persistenceFailureDoesNotAdvance(t *testing.T) {
	store := &flakyStore{MemoryVisitStore: NewMemoryVisitStore()}
	sink := &recordingSink{}
	tr := NewTracker(latMatcher{}, regions, store, WithSink(sink))

	observe(t, tr, at(1, 0))
	store.failTransition = true

	_, err := tr.Observe(context.Background(), at(2, 10*time.Minute))
	if model.CodeOf(err) != model.ErrPersistenceFailure {
		t.Fatalf("code = %q, want %q", model.CodeOf(err), model.ErrPersistenceFailure)
	}
	if !model.IsRetryable(err) {
		t.Error("persistence failure must be retryable")
	}
	cur, _ := tr.Current(context.Background(), "dev-1")
	if cur == nil || cur.RegionID != "1" {
		t.Errorf("open visit = %v, want region 1 unchanged", cur)
	}
	if len(sink.all()) != 1 {
		t.Errorf("sink got %d events, want only the first arrival", len(sink.all()))
	}

	// Retrying after recovery applies the transition.
	store.failTransition = false
	evs, err := tr.Observe(context.Background(), at(2, 10*time.Minute))
	if err != nil || len(evs) != 2 {
		t.Errorf("retry = (%d events, %v), want 2 events", len(evs), err)
	}
}

func TestObserve_sinkFailureStillReturnsEvents(t *testing.T) {
	tr, store, sink := newTracker()
	sink.err = errors.New("broker down")

	evs, err := tr.Observe(context.Background(), at(1, 0))
	if err != nil {
		t.Fatalf("Observe() error = %v, want nil", err)
	}
	if len(evs) != 1 {
		t.Errorf("got %d events, want 1", len(evs))
	}
	if store.OpenCount("dev-1") != 1 {
		t.Error("visit must be persisted despite sink failure")
	}
}

func TestObserve_missingDevice(t *testing.T) {
	tr, _, _ := newTracker()
	_, err := tr.Observe(context.Background(), model.LocationSample{Timestamp: t0})
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("code = %q, want %q", model.CodeOf(err), model.ErrBadRequest)
	}
}

// --- Manual override ---

func TestSetRegion(t *testing.T) {
	now := t0
	tr, _, _ := newTracker(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := tr.SetRegion(ctx, "dev-1", "99", nil); model.CodeOf(err) != model.ErrNotFound {
		t.Fatalf("unknown region code = %q, want NOT_FOUND", model.CodeOf(err))
	}

	evs, err := tr.SetRegion(ctx, "dev-1", "1", nil)
	if err != nil || len(evs) != 1 {
		t.Fatalf("SetRegion() = (%v, %v)", evs, err)
	}
	if evs[0].Method != model.DetectionManualOverride {
		t.Errorf("Method = %q, want manual_override", evs[0].Method)
	}
	if evs[0].Point != regionA.Center {
		t.Errorf("Point = %v, want region center", evs[0].Point)
	}

	// Within the debounce window the override is discarded.
	now = t0.Add(2 * time.Minute)
	if evs, _ := tr.SetRegion(ctx, "dev-1", "2", nil); len(evs) != 0 {
		t.Errorf("override inside debounce emitted %d events", len(evs))
	}

	now = t0.Add(10 * time.Minute)
	evs, _ = tr.SetRegion(ctx, "dev-1", "", nil)
	if len(evs) != 1 || evs[0].Kind != model.EventDeparture {
		t.Fatalf("clearing override = %+v, want one departure", evs)
	}
	if evs[0].Point != regionA.Center {
		t.Errorf("exit Point = %v, want the entry point", evs[0].Point)
	}
}

func TestSetRegion_serverClockBehindDevice(t *testing.T) {
	ctx := context.Background()
	serverNow := t0.Add(-3 * time.Minute)

	tr, store, _ := newTracker(WithClock(func() time.Time { return serverNow }))
	observe(t, tr, at(1, 0))
	if evs, err := tr.SetRegion(ctx, "dev-1", "2", nil); err != nil || len(evs) != 0 {
		t.Fatalf("override before entry = (%v, %v), want debounced", evs, err)
	}
	if open, _ := store.OpenVisit(ctx, "dev-1"); open == nil || open.RegionID != "1" {
		t.Fatalf("open visit = %+v, want Alpha kept", open)
	}

	tr, store, _ = newTracker(WithClock(func() time.Time { return serverNow }), WithDebounce(0))
	observe(t, tr, at(1, 0))
	evs, err := tr.SetRegion(ctx, "dev-1", "", nil)
	if err != nil || len(evs) != 1 {
		t.Fatalf("SetRegion() = (%v, %v), want one departure", evs, err)
	}
	hist, _ := store.History(ctx, "dev-1", 10)
	if len(hist) != 1 || hist[0].ExitedAt == nil {
		t.Fatalf("history = %+v, want one closed visit", hist)
	}
	if hist[0].ExitedAt.Before(hist[0].EnteredAt) {
		t.Errorf("ExitedAt %v precedes EnteredAt %v", *hist[0].ExitedAt, hist[0].EnteredAt)
	}
	if *hist[0].Duration != 0 {
		t.Errorf("Duration = %v, want 0", *hist[0].Duration)
	}
}

// --- Startup check ---

func TestStartupCheck_usesLastKnownLocation(t *testing.T) {
	last := at(1, -time.Hour)
	tr, store, _ := newTracker(WithLastKnown(fixedLastKnown{sample: &last}))

	evs := observe(t, tr, at(1, 0))
	if len(evs) != 1 {
		t.Fatalf("got %d events, want 1", len(evs))
	}
	if evs[0].Method != model.DetectionStartupCheck {
		t.Errorf("Method = %q, want startup_check", evs[0].Method)
	}
	if !evs[0].EnteredAt.Equal(last.Timestamp) {
		t.Errorf("EnteredAt = %v, want last known %v", evs[0].EnteredAt, last.Timestamp)
	}

	// Runs once per device per process.
	observe(t, tr, at(0, 2*time.Hour))
	observe(t, tr, at(1, 3*time.Hour))
	hist, _ := store.History(context.Background(), "dev-1", 0)
	startups := 0
	for _, v := range hist {
		if v.Method == model.DetectionStartupCheck {
			startups++
		}
	}
	if startups != 1 {
		t.Errorf("startup_check visits = %d, want 1", startups)
	}
}

func TestStartupCheck_noLocationLeavesNoRegion(t *testing.T) {
	tr, store, _ := newTracker(WithLastKnown(fixedLastKnown{}))

	evs, err := tr.StartupCheck(context.Background(), "dev-1")
	if err != nil || len(evs) != 0 {
		t.Fatalf("StartupCheck() = (%v, %v), want nothing", evs, err)
	}
	if store.OpenCount("dev-1") != 0 {
		t.Error("state should remain NoRegion")
	}
	evs = observe(t, tr, at(2, 0))
	if len(evs) != 1 || evs[0].Method != model.DetectionCenter {
		t.Errorf("first real sample = %+v, want center_proximity arrival", evs)
	}
}

func TestStartupCheck_lookupErrorDegrades(t *testing.T) {
	tr, _, _ := newTracker(WithLastKnown(fixedLastKnown{err: errors.New("db down")}))
	if evs := observe(t, tr, at(1, 0)); len(evs) != 1 || evs[0].Method != model.DetectionBoundary {
		t.Errorf("events = %+v, want a normal arrival", evs)
	}
}

func TestStartupCheck_skippedWhenSampleIsLastKnown(t *testing.T) {
	cur := at(1, 0)
	tr, _, _ := newTracker(WithLastKnown(fixedLastKnown{sample: &cur}))
	evs := observe(t, tr, cur)
	if len(evs) != 1 || evs[0].Method != model.DetectionBoundary {
		t.Errorf("events = %+v, want a single boundary arrival", evs)
	}
}

func TestStartupCheck_afterRestartWithRecordedFix(t *testing.T) {
	ctx := context.Background()
	hist := location.NewHistory(location.NewMemoryStore())
	if err := hist.Record(ctx, at(1, -time.Hour)); err != nil {
		t.Fatalf("Record(previous) error = %v", err)
	}

	// A fresh tracker stands in for a restarted process. The new fix is
	// recorded before it is evaluated, as the HTTP handler does.
	tr, store, _ := newTracker(WithLastKnown(hist))
	cur := at(2, 0)
	if err := hist.Record(ctx, cur); err != nil {
		t.Fatalf("Record(current) error = %v", err)
	}
	evs := observe(t, tr, cur)

	if len(evs) != 3 {
		t.Fatalf("got %d events, want startup arrival, departure and arrival: %+v", len(evs), evs)
	}
	if evs[0].Kind != model.EventArrival || evs[0].Region.ID != "1" || evs[0].Method != model.DetectionStartupCheck {
		t.Errorf("events[0] = %+v, want startup_check arrival in Alpha", evs[0])
	}
	if evs[1].Kind != model.EventDeparture || evs[1].Region.ID != "1" {
		t.Errorf("events[1] = %+v, want departure from Alpha", evs[1])
	}
	if evs[2].Kind != model.EventArrival || evs[2].Region.ID != "2" {
		t.Errorf("events[2] = %+v, want arrival in Bravo", evs[2])
	}
	if open, _ := store.OpenVisit(ctx, "dev-1"); open == nil || open.RegionID != "2" {
		t.Errorf("open visit = %+v, want Bravo", open)
	}
}

// --- Bookkeeping ---

func TestMarkTriggered(t *testing.T) {
	tr, _, _ := newTracker()
	evs := observe(t, tr, at(1, 0))

	if err := tr.MarkTriggered(context.Background(), evs[0].VisitID, "inst-1"); err != nil {
		t.Fatalf("MarkTriggered() error = %v", err)
	}
	cur, _ := tr.Current(context.Background(), "dev-1")
	if !cur.WorkflowTriggered || cur.WorkflowInstanceID != "inst-1" {
		t.Errorf("visit = %+v, want triggered by inst-1", cur)
	}
	if err := tr.MarkTriggered(context.Background(), "missing", "x"); model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", model.CodeOf(err))
	}
}

// --- Properties ---

func TestObserve_propertyAtMostOneOpenVisit(t *testing.T) {
	store := NewMemoryVisitStore()
	tr := NewTracker(latMatcher{}, regions, store, WithDebounce(3*time.Minute))

	var wg sync.WaitGroup
	for d := 0; d < 8; d++ {
		wg.Add(1)
		go func(d int) {
			defer wg.Done()
			device := fmt.Sprintf("dev-%d", d)
			rng := rand.New(rand.NewSource(int64(d)))
			ts := t0
			for i := 0; i < 200; i++ {
				ts = ts.Add(time.Duration(rng.Intn(240)) * time.Second)
				s := model.LocationSample{
					DeviceID:  device,
					Point:     model.Coordinate{Lat: float64(rng.Intn(3))},
					Timestamp: ts,
				}
				if _, err := tr.Observe(context.Background(), s); err != nil {
					t.Errorf("Observe() error = %v", err)
					return
				}
				if n := store.OpenCount(device); n > 1 {
					t.Errorf("%s has %d open visits", device, n)
					return
				}
			}
		}(d)
	}
	wg.Wait()
}

func TestObserve_propertyDebounceHoldsFirstRegion(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		tr, _, _ := newTracker()
		observe(t, tr, at(1, 0))
		within := time.Duration(rng.Int63n(int64(DefaultDebounce)))
		observe(t, tr, at(2, within))

		cur, _ := tr.Current(context.Background(), "dev-1")
		if cur.RegionID != "1" {
			t.Fatalf("after M2 at +%v open visit = %s, want 1", within, cur.RegionID)
		}
		evs := observe(t, tr, at(2, DefaultDebounce+time.Second))
		if len(evs) != 2 {
			t.Fatalf("third match after the interval emitted %d events, want 2", len(evs))
		}
	}
}
