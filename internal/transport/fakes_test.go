package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/trigger"
	"github.com/pitabwire/waypoint/model"
)

// --- Test helpers ---

var t0 = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type fakeLocations struct {
	mu      sync.Mutex
	samples []model.LocationSample
	err     error
}

func (f *fakeLocations) Record(_ context.Context, s model.LocationSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeLocations) LastKnown(_ context.Context, deviceID string) (model.LocationSample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.samples) - 1; i >= 0; i-- {
		if f.samples[i].DeviceID == deviceID {
			return f.samples[i], true, nil
		}
	}
	return model.LocationSample{}, false, f.err
}

func (f *fakeLocations) Recent(_ context.Context, deviceID string, limit int) ([]model.LocationSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.LocationSample
	for i := len(f.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if f.samples[i].DeviceID == deviceID {
			out = append(out, f.samples[i])
		}
	}
	return out, f.err
}

type override struct {
	deviceID string
	regionID string
	point    *model.Coordinate
}

type fakeTracker struct {
	mu       sync.Mutex
	events   []model.Event
	observed []model.LocationSample
	override *override
	current  *model.Visit
	history  []model.Visit
	limit    int
	err      error
}

func (f *fakeTracker) Observe(_ context.Context, s model.LocationSample) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observed = append(f.observed, s)
	return f.events, f.err
}

func (f *fakeTracker) SetRegion(_ context.Context, deviceID, regionID string, point *model.Coordinate) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.override = &override{deviceID: deviceID, regionID: regionID, point: point}
	return f.events, f.err
}

func (f *fakeTracker) Current(context.Context, string) (*model.Visit, error) {
	return f.current, f.err
}

func (f *fakeTracker) History(_ context.Context, _ string, limit int) ([]model.Visit, error) {
	f.mu.Lock()
	f.limit = limit
	f.mu.Unlock()
	return f.history, f.err
}

type fakeRegions struct {
	regions      []model.Region
	containing   []model.Region
	refreshedAt  time.Time
	refreshOK    bool
	refreshCalls int
	lat, lon     float64
}

func (f *fakeRegions) GetAll() []model.Region { return f.regions }

func (f *fakeRegions) Get(id string) (model.Region, bool) {
	for _, r := range f.regions {
		if r.ID == id {
			return r, true
		}
	}
	return model.Region{}, false
}

func (f *fakeRegions) FindContaining(_ context.Context, lat, lon float64) ([]model.Region, error) {
	f.lat, f.lon = lat, lon
	return f.containing, nil
}

func (f *fakeRegions) LastRefreshTime() time.Time { return f.refreshedAt }

func (f *fakeRegions) Refresh(context.Context) bool {
	f.refreshCalls++
	if f.refreshOK {
		f.refreshedAt = t0
	}
	return f.refreshOK
}

type fakeWorkflows struct {
	inst    model.WorkflowInstance
	outcome model.Outcome
	events  []model.WorkflowEvent
	list    []model.WorkflowInstance
	err     error

	scope, key, label, prefix string
}

func (f *fakeWorkflows) Get(_ context.Context, scope, key string) (model.WorkflowInstance, error) {
	f.scope, f.key = scope, key
	return f.inst, f.err
}

func (f *fakeWorkflows) Step(_ context.Context, scope, key string) (model.Outcome, error) {
	f.scope, f.key = scope, key
	return f.outcome, f.err
}

func (f *fakeWorkflows) Resolve(_ context.Context, scope, key, label string) (model.Outcome, error) {
	f.scope, f.key, f.label = scope, key, label
	return f.outcome, f.err
}

func (f *fakeWorkflows) History(_ context.Context, scope, key string) ([]model.WorkflowEvent, error) {
	f.scope, f.key = scope, key
	return f.events, f.err
}

func (f *fakeWorkflows) FindResumable(_ context.Context, scope, prefix string) ([]model.WorkflowInstance, error) {
	f.scope, f.prefix = scope, prefix
	return f.list, f.err
}

type fakeStarter struct {
	res      trigger.Result
	err      error
	deviceID string
	address  string
	vars     map[string]string
}

func (f *fakeStarter) StartForAddress(_ context.Context, deviceID, address string, vars map[string]string) (trigger.Result, error) {
	f.deviceID, f.address, f.vars = deviceID, address, vars
	return f.res, f.err
}

type fixture struct {
	locations *fakeLocations
	tracker   *fakeTracker
	regions   *fakeRegions
	workflows *fakeWorkflows
	starter   *fakeStarter
	deps      Dependencies
}

func newFixture() *fixture {
	f := &fixture{
		locations: &fakeLocations{},
		tracker:   &fakeTracker{},
		regions:   &fakeRegions{},
		workflows: &fakeWorkflows{},
		starter:   &fakeStarter{},
	}
	cfg := config.Defaults()
	cfg.Server.CORS.AllowedOrigins = []string{"https://console.example.com"}
	cfg.Server.HandlerTimeout = 5 * time.Second
	f.deps = Dependencies{
		Config: cfg,
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return true },
			RegionsLoaded:     func() bool { return true },
		},
		Authenticate: asCaller("device-1"),
		Locations:    f.locations,
		Tracker:      f.tracker,
		Regions:      f.regions,
		Workflows:    f.workflows,
		Addresses:    f.starter,
		Now:          func() time.Time { return t0 },
	}
	return f
}

func (f *fixture) router() chi.Router { return NewRouter(f.deps) }

// asCaller injects verified claims for a device-bound caller.
func asCaller(deviceID string, roles ...string) func(http.Handler) http.Handler {
	rs := make([]any, len(roles))
	for i, r := range roles {
		rs[i] = r
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := WithClaims(r.Context(), map[string]any{
				"sub":       "subject-" + deviceID,
				"device_id": deviceID,
				"roles":     rs,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
