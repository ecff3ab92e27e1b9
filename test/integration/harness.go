// Package integration provides a reusable test harness for end-to-end
// testing of the waypoint service. It starts a full HTTP server with the
// static region set, in-memory stores, an in-process Redis, a webhook test
// backend, and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/waypoint/internal/action"
	"github.com/pitabwire/waypoint/internal/arrival"
	"github.com/pitabwire/waypoint/internal/breaker"
	"github.com/pitabwire/waypoint/internal/config"
	"github.com/pitabwire/waypoint/internal/definition"
	"github.com/pitabwire/waypoint/internal/geofence"
	"github.com/pitabwire/waypoint/internal/location"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/region"
	"github.com/pitabwire/waypoint/internal/transport"
	"github.com/pitabwire/waypoint/internal/trigger"
	"github.com/pitabwire/waypoint/internal/workflow"
	"github.com/pitabwire/waypoint/model"
)

// ArrivalChannel is the Redis channel arrival events are published on.
const ArrivalChannel = "waypoint.test.arrivals"

// webhookPlaceholder is replaced with the webhook backend URL in every
// definition file before loading.
const webhookPlaceholder = "__WEBHOOK_URL__"

// TestHarness encapsulates a fully wired waypoint instance.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	issuer *tokenIssuer

	// Internal components exposed for advanced test scenarios.
	Regions   *region.Cache
	Locations *location.History
	Visits    *arrival.MemoryVisitStore
	Tracker   *arrival.Tracker
	Registry  *definition.Registry
	Actions   *action.Registry
	Instances *workflow.MemoryStore
	Engine    *workflow.Engine
	Trigger   *trigger.Adapter
	Webhook   *WebhookBackend
	Breaker   *breaker.Breaker
	Redis     *redis.Client
	Clock     *Clock

	cfg *config.Config
}

// Clock is a settable time source shared by the engine, the tracker, and
// the location handler.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	triggers       map[string]string
	debounce       time.Duration
	resumeWindow   time.Duration
	handlerTimeout time.Duration
	breakerTimeout time.Duration
}

// WithDefinitions sets the definition directories to load.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithDebounce sets the arrival debounce.
func WithDebounce(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.debounce = d
	}
}

// WithResumeWindow sets the workflow resumption window.
func WithResumeWindow(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.resumeWindow = d
	}
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithBreakerTimeout sets how long the webhook breaker stays open.
func WithBreakerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breakerTimeout = d
	}
}

// NewTestHarness creates and starts a full waypoint test instance. The
// server and the trigger loop are stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		debounce:       time.Minute,
		resumeWindow:   time.Hour,
		handlerTimeout: 10 * time.Second,
		breakerTimeout: time.Minute,
		triggers: map[string]string{
			trigger.RegionArrival: "arrival_survey",
			trigger.AnchorArrival: "anchor_checkin",
			trigger.Address:       "address_visit",
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	testdataDir := testdataDir()
	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{filepath.Join(testdataDir, "workflows")}
	}

	h := &TestHarness{
		t:     t,
		Clock: &Clock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)},
	}
	metrics := observability.InitMetrics(prometheus.NewRegistry())

	// Step 1: Webhook backend, then definition copies pointing at it.
	h.Webhook = newWebhookBackend(t)
	defDirs := rewriteDefinitions(t, hc.definitionDirs, h.Webhook.URL())

	// Step 2: Region cache from the static fixture.
	data, err := os.ReadFile(filepath.Join(testdataDir, "regions.json"))
	if err != nil {
		t.Fatalf("read regions: %v", err)
	}
	regions, err := region.DecodeRegions(data)
	if err != nil {
		t.Fatalf("decode regions: %v", err)
	}
	h.Regions = region.NewCache(region.StaticSource(regions), region.WithMetrics(metrics))
	if !h.Regions.Refresh(context.Background()) {
		t.Fatal("initial region refresh failed")
	}

	// Step 3: Location history and arrival tracking.
	h.Locations = location.NewHistory(location.NewMemoryStore(), location.WithMetrics(metrics))
	h.Visits = arrival.NewMemoryVisitStore()
	mr := miniredis.RunT(t)
	h.Redis = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = h.Redis.Close() })
	queue := arrival.NewQueueSink(64)
	sinks := arrival.MultiSink{
		{Name: "workflow", Sink: queue},
		{Name: "redis", Sink: arrival.NewRedisSink(h.Redis, ArrivalChannel)},
	}
	h.Tracker = arrival.NewTracker(geofence.NewMatcher(h.Regions), h.Regions, h.Visits,
		arrival.WithSink(sinks),
		arrival.WithLastKnown(h.Locations),
		arrival.WithDebounce(hc.debounce),
		arrival.WithMetrics(metrics),
		arrival.WithClock(h.Clock.Now),
	)

	// Step 4: Actions, with the webhook behind a breaker.
	h.Breaker = breaker.New(breaker.Settings{
		Name:             "webhook",
		FailureThreshold: 3,
		SuccessThreshold: 1,
		OpenTimeout:      hc.breakerTimeout,
	})
	h.Actions = action.NewRegistry(action.WithMetrics(metrics), action.WithTimeout(5*time.Second))
	action.RegisterBuiltins(h.Actions, h.Regions,
		action.NewWebhook(&http.Client{Timeout: 5 * time.Second}, h.Breaker, nil), nil)

	// Step 5: Definitions.
	defs, err := definition.NewLoader().LoadAll(defDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	verrs := definition.NewValidator().Validate(defs, h.Actions)
	verrs = append(verrs, definition.CheckTriggers(defs, hc.triggers)...)
	if err := definition.ToError(verrs); err != nil {
		t.Fatalf("validate definitions: %v", err)
	}
	h.Registry = definition.NewRegistry(defs, hc.triggers)

	// Step 6: Engine and trigger loop.
	h.Instances = workflow.NewMemoryStore()
	h.Engine = workflow.NewEngine(h.Registry, h.Instances, h.Actions,
		workflow.WithResumeWindow(hc.resumeWindow),
		workflow.WithMetrics(metrics),
		workflow.WithClock(h.Clock.Now),
	)
	h.Trigger = trigger.New(h.Engine, h.Registry,
		trigger.WithRegions(h.Regions),
		trigger.WithVisits(h.Tracker),
		trigger.WithRetry(5*time.Millisecond, 3),
		trigger.WithMetrics(metrics),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Trigger.Run(ctx, queue.Events())
	}()
	t.Cleanup(func() {
		cancel()
		queue.Close()
		<-done
	})

	// Step 7: JWT issuer and config.
	h.issuer = newTokenIssuer(t)
	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Correlation-Id"},
		MaxAge:         600,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
	}

	// Step 8: Router with the full middleware chain.
	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, nil)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Metrics:      metrics,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Readiness: observability.ReadinessChecks{
			DefinitionsLoaded: func() bool { return h.Registry.Count() > 0 },
			RegionsLoaded:     func() bool { return h.Regions.Count() > 0 },
			Redis: observability.HealthCheckFunc(func(ctx context.Context) error {
				return h.Redis.Ping(ctx).Err()
			}),
		},
		Locations: h.Locations,
		Tracker:   h.Tracker,
		Regions:   h.Regions,
		Workflows: h.Engine,
		Addresses: h.Trigger,
		Now:       h.Clock.Now,
	})

	// Step 9: Start the test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// rewriteDefinitions copies every definition file into a temp directory with
// the webhook placeholder replaced.
func rewriteDefinitions(t *testing.T, dirs []string, webhookURL string) []string {
	t.Helper()
	out := make([]string, 0, len(dirs))
	for i, dir := range dirs {
		tmp := filepath.Join(t.TempDir(), fmt.Sprintf("defs-%d", i))
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("read definitions %s: %v", dir, err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				t.Fatalf("read definition: %v", err)
			}
			content := strings.ReplaceAll(string(data), webhookPlaceholder, webhookURL)
			if err := os.WriteFile(filepath.Join(tmp, e.Name()), []byte(content), 0o644); err != nil {
				t.Fatalf("write definition: %v", err)
			}
		}
		out = append(out, tmp)
	}
	return out
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// GenerateToken creates a valid JWT token with the given claims.
func (h *TestHarness) GenerateToken(claims TestClaims) string {
	return h.issuer.GenerateToken(claims)
}

// GenerateExpiredToken creates a JWT that has already expired.
func (h *TestHarness) GenerateExpiredToken(claims TestClaims) string {
	return h.issuer.GenerateExpiredToken(claims)
}

// DeviceToken returns a token bound to deviceID.
func (h *TestHarness) DeviceToken(deviceID string) string {
	return h.issuer.GenerateToken(DeviceClaims(deviceID))
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, token, nil)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, nil)
}

// PUT performs an authenticated PUT request with a JSON body.
func (h *TestHarness) PUT(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPut, path, body, token, nil)
}

// POSTWithHeaders performs an authenticated POST request with additional headers.
func (h *TestHarness) POSTWithHeaders(path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, token, headers)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// AssertErrorCode checks the status and the error envelope code.
func (h *TestHarness) AssertErrorCode(t *testing.T, resp *http.Response, status int, code string) {
	t.Helper()
	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	h.AssertJSON(t, resp, status, &body)
	if body.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", body.Error.Code, code, body.Error.Message)
	}
}

// --- Device helpers ---

// LocationBody builds a location fix request.
func LocationBody(lat, lon float64, at time.Time) map[string]any {
	return map[string]any{"lat": lat, "lon": lon, "accuracy_m": 5, "timestamp": at.Format(time.RFC3339)}
}

// ReportFix posts a fix for the device and returns the decoded response.
func (h *TestHarness) ReportFix(t *testing.T, deviceID string, lat, lon float64, at time.Time) LocationResult {
	t.Helper()
	var out LocationResult
	resp := h.POST("/v1/devices/"+deviceID+"/locations", LocationBody(lat, lon, at), h.DeviceToken(deviceID))
	h.AssertJSON(t, resp, http.StatusAccepted, &out)
	return out
}

// LocationResult is the response of a location fix.
type LocationResult struct {
	Sample model.LocationSample `json:"sample"`
	Events []model.Event        `json:"events"`
}

// WaitForInstance polls until the device has an instance for key. Arrivals
// reach the engine asynchronously through the event queue.
func (h *TestHarness) WaitForInstance(t *testing.T, deviceID, key string) model.WorkflowInstance {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		inst, err := h.Engine.Get(context.Background(), deviceID, key)
		if err == nil {
			return inst
		}
		if time.Now().After(deadline) {
			t.Fatalf("no workflow instance for %s/%s: %v", deviceID, key, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WorkflowPath returns the API path for a device's workflow instance.
func WorkflowPath(deviceID, key string, suffix ...string) string {
	p := "/v1/devices/" + deviceID + "/workflows/" + key
	if len(suffix) > 0 {
		p += "/" + strings.Join(suffix, "/")
	}
	return p
}

// --- Default test claims ---

// DeviceClaims returns TestClaims for a caller bound to deviceID.
func DeviceClaims(deviceID string) TestClaims {
	return TestClaims{
		SubjectID: "user-" + deviceID,
		DeviceID:  deviceID,
	}
}

// OperatorClaims returns TestClaims for an operator not bound to a device.
func OperatorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-operator",
		Roles:     []string{"operator"},
	}
}

// testdataDir returns the absolute path to the testdata directory.
func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
