package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"testing"
	"time"

	"github.com/pitabwire/waypoint/model"
)

// Points inside the fixture regions.
const (
	harbourLat, harbourLon = -1.275, 36.815
	gateLat, gateLon       = -1.300, 36.854
	nowhereLat, nowhereLon = 0.5, 30.0
)

func TestArrival_workflowRunsToCompletion(t *testing.T) {
	h := NewTestHarness(t)
	t0 := h.Clock.Now()

	res := h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0)
	if len(res.Events) != 0 {
		t.Fatalf("events outside any region = %+v, want none", res.Events)
	}

	res = h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0.Add(time.Minute))
	if len(res.Events) != 1 {
		t.Fatalf("events = %d, want 1 arrival", len(res.Events))
	}
	ev := res.Events[0]
	if ev.Kind != model.EventArrival || ev.Region.ID != "101" || ev.Method != model.DetectionBoundary {
		t.Errorf("event = %s %s %s, want arrival 101 boundary_match", ev.Kind, ev.Region.ID, ev.Method)
	}
	if !ev.IsFirstVisit {
		t.Error("IsFirstVisit = false, want true")
	}

	inst := h.WaitForInstance(t, "dev-1", "region:101")
	if inst.DefinitionID != "arrival_survey" {
		t.Errorf("DefinitionID = %q, want arrival_survey", inst.DefinitionID)
	}
	if inst.CurrentNode != "greet" {
		t.Errorf("CurrentNode = %q, want greet", inst.CurrentNode)
	}
	if inst.Variables["region_name"] != "Harbour" || inst.Variables["is_first_visit"] != "true" {
		t.Errorf("Variables = %v, want seeded arrival variables", inst.Variables)
	}

	token := h.DeviceToken("dev-1")
	key := "region:101"

	// --- Activity ---
	var out model.Outcome
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "step"), nil, token), http.StatusOK, &out)
	if out.Status != model.InstanceStatusRunning || out.Node != "ask" {
		t.Errorf("step 1 = %s at %s, want running at ask", out.Status, out.Node)
	}
	if out.Message != "Welcome to Harbour" {
		t.Errorf("Message = %q", out.Message)
	}
	if out.Output["last_message"] != "Hello from Harbour" {
		t.Errorf("Output = %v", out.Output)
	}

	// --- Decision ---
	out = model.Outcome{}
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "step"), nil, token), http.StatusOK, &out)
	if out.Status != model.InstanceStatusAwaitingInput {
		t.Fatalf("step 2 status = %q, want awaiting_input", out.Status)
	}
	if !reflect.DeepEqual(out.Branches, []string{"yes", "no"}) {
		t.Errorf("Branches = %v, want [yes no]", out.Branches)
	}
	if out.Message != "Are you delivering at Harbour?" {
		t.Errorf("Message = %q", out.Message)
	}

	out = model.Outcome{}
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "resolve"), map[string]string{"label": "NO"}, token), http.StatusOK, &out)
	if out.Node != "nearby" {
		t.Errorf("resolve node = %q, want nearby", out.Node)
	}

	// --- Built-in action reading the region cache ---
	out = model.Outcome{}
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "step"), nil, token), http.StatusOK, &out)
	if out.Output["nearby_count"] != "1" || out.Output["nearest_region_name"] != "Market" {
		t.Errorf("nearby output = %v, want Market only", out.Output)
	}

	// --- Stop ---
	out = model.Outcome{}
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "step"), nil, token), http.StatusOK, &out)
	if out.Status != model.InstanceStatusTerminal {
		t.Errorf("final status = %q, want terminal", out.Status)
	}
	out = model.Outcome{}
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", key, "step"), nil, token), http.StatusOK, &out)
	if out.Status != model.InstanceStatusTerminal {
		t.Errorf("step after stop = %q, want terminal again", out.Status)
	}

	var history struct {
		Data []model.WorkflowEvent `json:"data"`
	}
	h.AssertJSON(t, h.GET(WorkflowPath("dev-1", key, "history"), token), http.StatusOK, &history)
	if len(history.Data) < 2 {
		t.Fatalf("history = %d events, want a full trail", len(history.Data))
	}
	if history.Data[0].Event != model.WorkflowEventStarted {
		t.Errorf("first event = %q, want started", history.Data[0].Event)
	}
	if last := history.Data[len(history.Data)-1]; last.Event != model.WorkflowEventCompleted {
		t.Errorf("last event = %q, want completed", last.Event)
	}
}

func TestArrival_visitRecordsTriggeredInstance(t *testing.T) {
	h := NewTestHarness(t)
	h.ReportFix(t, "dev-1", harbourLat, harbourLon, h.Clock.Now())
	inst := h.WaitForInstance(t, "dev-1", "region:101")

	token := h.DeviceToken("dev-1")
	waitFor(t, "visit marked triggered", func() bool {
		var v model.Visit
		resp := h.GET("/v1/devices/dev-1/visits/current", token)
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		h.ParseJSON(resp, &v)
		return v.WorkflowTriggered && v.WorkflowInstanceID == inst.ID
	})
}

func TestArrival_debounceHoldsQuickDeparture(t *testing.T) {
	h := NewTestHarness(t, WithDebounce(time.Minute))
	t0 := h.Clock.Now()

	h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0)

	res := h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0.Add(30*time.Second))
	if len(res.Events) != 0 {
		t.Errorf("events within debounce = %+v, want none", res.Events)
	}

	res = h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0.Add(2*time.Minute))
	if len(res.Events) != 1 || res.Events[0].Kind != model.EventDeparture {
		t.Fatalf("events after debounce = %+v, want one departure", res.Events)
	}
	if res.Events[0].Duration != 2*time.Minute {
		t.Errorf("Duration = %v, want 2m", res.Events[0].Duration)
	}

	var visits struct {
		Data []model.Visit `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/devices/dev-1/visits", h.DeviceToken("dev-1")), http.StatusOK, &visits)
	if len(visits.Data) != 1 || visits.Data[0].ExitedAt == nil {
		t.Errorf("visits = %+v, want one closed visit", visits.Data)
	}
}

func TestArrival_revisitResumesLiveInstance(t *testing.T) {
	h := NewTestHarness(t, WithDebounce(0))
	t0 := h.Clock.Now()
	token := h.DeviceToken("dev-1")

	h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0)
	first := h.WaitForInstance(t, "dev-1", "region:101")
	h.AssertStatus(t, h.POST(WorkflowPath("dev-1", "region:101", "step"), nil, token), http.StatusOK)

	h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0.Add(time.Minute))
	res := h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0.Add(2*time.Minute))
	if len(res.Events) != 1 {
		t.Fatalf("events = %d, want 1 arrival", len(res.Events))
	}
	if res.Events[0].IsFirstVisit || res.Events[0].PreviousVisitCount != 1 {
		t.Errorf("revisit event = first %v count %d, want false 1",
			res.Events[0].IsFirstVisit, res.Events[0].PreviousVisitCount)
	}

	waitFor(t, "resumed event", func() bool {
		events, err := h.Engine.History(context.Background(), "dev-1", "region:101")
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Event == model.WorkflowEventResumed {
				return true
			}
		}
		return false
	})

	inst := h.WaitForInstance(t, "dev-1", "region:101")
	if inst.ID != first.ID {
		t.Errorf("instance ID = %q, want resumed %q", inst.ID, first.ID)
	}
	if inst.CurrentNode != "ask" {
		t.Errorf("CurrentNode = %q, want progress kept at ask", inst.CurrentNode)
	}
}

func TestArrival_staleInstanceReplaced(t *testing.T) {
	h := NewTestHarness(t, WithDebounce(0), WithResumeWindow(time.Hour))
	t0 := h.Clock.Now()

	h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0)
	first := h.WaitForInstance(t, "dev-1", "region:101")

	h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0.Add(time.Minute))
	h.Clock.Advance(2 * time.Hour)
	h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0.Add(2*time.Hour))

	var fresh model.WorkflowInstance
	waitFor(t, "fresh instance", func() bool {
		inst, err := h.Engine.Get(context.Background(), "dev-1", "region:101")
		if err != nil || inst.ID == first.ID {
			return false
		}
		fresh = inst
		return true
	})
	if fresh.CurrentNode != "greet" || fresh.Status != model.InstanceStatusRunning {
		t.Errorf("fresh instance = %s at %s, want running at greet", fresh.Status, fresh.CurrentNode)
	}
	if fresh.Variables["previous_visit_count"] != "1" {
		t.Errorf("previous_visit_count = %q, want 1", fresh.Variables["previous_visit_count"])
	}
}

func TestArrival_anchorProximityUsesAnchorKey(t *testing.T) {
	h := NewTestHarness(t)

	res := h.ReportFix(t, "dev-1", gateLat, gateLon, h.Clock.Now())
	if len(res.Events) != 1 {
		t.Fatalf("events = %d, want 1", len(res.Events))
	}
	if res.Events[0].Method != model.DetectionAnchor || res.Events[0].Region.ID != "market" {
		t.Errorf("event = %s in %s, want anchor_proximity in market", res.Events[0].Method, res.Events[0].Region.ID)
	}

	inst := h.WaitForInstance(t, "dev-1", "anchor:GATE-A")
	if inst.DefinitionID != "anchor_checkin" {
		t.Errorf("DefinitionID = %q, want anchor_checkin", inst.DefinitionID)
	}
	if inst.Variables["anchor_code"] != "GATE-A" {
		t.Errorf("anchor_code = %q, want GATE-A", inst.Variables["anchor_code"])
	}

	var out model.Outcome
	h.AssertJSON(t, h.POST(WorkflowPath("dev-1", "anchor:GATE-A", "step"), nil, h.DeviceToken("dev-1")), http.StatusOK, &out)
	if out.Message != "Checked in at GATE-A" {
		t.Errorf("Message = %q", out.Message)
	}
	if out.Output["anchor_region_name"] != "Market" || out.Output["anchor_name"] != "East gate" {
		t.Errorf("Output = %v", out.Output)
	}
}

func TestArrival_manualOverride(t *testing.T) {
	h := NewTestHarness(t)
	token := h.DeviceToken("dev-1")

	var body struct {
		Events []model.Event `json:"events"`
	}
	h.AssertJSON(t, h.PUT("/v1/devices/dev-1/region", map[string]string{"region_id": "market"}, token), http.StatusOK, &body)
	if len(body.Events) != 1 || body.Events[0].Method != model.DetectionManualOverride {
		t.Fatalf("events = %+v, want one manual_override arrival", body.Events)
	}
	h.WaitForInstance(t, "dev-1", "region:market")

	h.AssertErrorCode(t, h.PUT("/v1/devices/dev-1/region", map[string]string{"region_id": "atlantis"}, token),
		http.StatusNotFound, model.ErrNotFound)
}

func TestArrival_locationHistory(t *testing.T) {
	h := NewTestHarness(t)
	t0 := h.Clock.Now()
	token := h.DeviceToken("dev-1")

	h.AssertErrorCode(t, h.GET("/v1/devices/dev-1/locations/latest", token), http.StatusNotFound, model.ErrNotFound)

	h.ReportFix(t, "dev-1", nowhereLat, nowhereLon, t0)
	h.ReportFix(t, "dev-1", harbourLat, harbourLon, t0.Add(time.Minute))

	var latest model.LocationSample
	h.AssertJSON(t, h.GET("/v1/devices/dev-1/locations/latest", token), http.StatusOK, &latest)
	if latest.Point.Lat != harbourLat || !latest.Timestamp.Equal(t0.Add(time.Minute)) {
		t.Errorf("latest = %+v, want the harbour fix", latest)
	}

	var recent struct {
		Data []model.LocationSample `json:"data"`
	}
	h.AssertJSON(t, h.GET("/v1/devices/dev-1/locations?limit=10", token), http.StatusOK, &recent)
	if len(recent.Data) != 2 {
		t.Errorf("recent = %d, want 2", len(recent.Data))
	}
}

func TestArrival_publishedToRedis(t *testing.T) {
	h := NewTestHarness(t)
	ctx := context.Background()

	sub := h.Redis.Subscribe(ctx, ArrivalChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	h.ReportFix(t, "dev-1", harbourLat, harbourLon, h.Clock.Now())

	select {
	case msg := <-sub.Channel():
		var ev model.Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if ev.Kind != model.EventArrival || ev.DeviceID != "dev-1" || ev.Region.Name != "Harbour" {
			t.Errorf("published event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no arrival published")
	}
}

func TestArrival_startupCheckUsesFixFromBeforeRestart(t *testing.T) {
	h := NewTestHarness(t)
	t0 := h.Clock.Now()

	// A fix stored by an earlier process; this tracker has never seen dev-9.
	prev := model.LocationSample{
		DeviceID:  "dev-9",
		Point:     model.Coordinate{Lat: harbourLat, Lon: harbourLon},
		Timestamp: t0.Add(-time.Hour),
	}
	if err := h.Locations.Record(context.Background(), prev); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	res := h.ReportFix(t, "dev-9", -1.300, 36.850, t0)
	if len(res.Events) != 3 {
		t.Fatalf("events = %+v, want startup arrival, departure and arrival", res.Events)
	}
	first := res.Events[0]
	if first.Kind != model.EventArrival || first.Region.ID != "101" || first.Method != model.DetectionStartupCheck {
		t.Errorf("events[0] = %s %s %s, want arrival 101 startup_check", first.Kind, first.Region.ID, first.Method)
	}
	if res.Events[1].Kind != model.EventDeparture || res.Events[1].Region.ID != "101" {
		t.Errorf("events[1] = %s %s, want departure from 101", res.Events[1].Kind, res.Events[1].Region.ID)
	}
	if res.Events[2].Kind != model.EventArrival || res.Events[2].Region.ID != "market" {
		t.Errorf("events[2] = %s %s, want arrival at market", res.Events[2].Kind, res.Events[2].Region.ID)
	}
}
