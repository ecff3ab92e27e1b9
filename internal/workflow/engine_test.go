package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pitabwire/waypoint/internal/action"
	"github.com/pitabwire/waypoint/internal/definition"
	"github.com/pitabwire/waypoint/model"
)

// --- Test helpers ---

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeActions struct {
	mu    sync.Mutex
	calls []action.Request
	out   map[string]string
	err   error
}

func (f *fakeActions) Invoke(_ context.Context, _ string, req action.Request) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return f.out, f.err
}

func (f *fakeActions) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// flakyStore fails Update while failUpdate is set.
type flakyStore struct {
	*MemoryStore
	failUpdate bool
}

func (s *flakyStore) Update(ctx context.Context, inst model.WorkflowInstance) error {
	if s.failUpdate {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Update(ctx, inst)
}

// welcomeWorkflow is Start -> Welcome -> go? -> [yes: Proceed -> Stop, no: Stop].
func welcomeWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "welcome",
		Name: "Welcome",
		Nodes: []model.NodeDefinition{
			{ID: "start", Kind: model.NodeStart},
			{ID: "welcome", Kind: model.NodeActivity, Text: "Welcome to {{region_name}}", Action: &model.ActionRef{
				Name:   "notify",
				Params: map[string]string{"message": "Hi {{region_name}} {{missing}}"},
			}},
			{ID: "go", Kind: model.NodeDecision, Text: "go?"},
			{ID: "proceed", Kind: model.NodeActivity, Text: "Proceed"},
			{ID: "stop", Kind: model.NodeStop},
		},
		Edges: []model.EdgeDefinition{
			{From: "start", To: "welcome"},
			{From: "welcome", To: "go"},
			{From: "go", To: "proceed", Label: "yes"},
			{From: "go", To: "stop", Label: "no"},
			{From: "proceed", To: "stop"},
		},
	}
}

// loopWorkflow never reaches a stop node.
func loopWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "loop",
		Name: "Loop",
		Nodes: []model.NodeDefinition{
			{ID: "start", Kind: model.NodeStart},
			{ID: "tick", Kind: model.NodeActivity, Text: "tick"},
			{ID: "tock", Kind: model.NodeActivity, Text: "tock"},
		},
		Edges: []model.EdgeDefinition{
			{From: "start", To: "tick"},
			{From: "tick", To: "tock"},
			{From: "tock", To: "tick"},
		},
	}
}

// caseWorkflow has branches differing only by case.
func caseWorkflow() model.WorkflowDefinition {
	return model.WorkflowDefinition{
		ID:   "case",
		Name: "Case",
		Nodes: []model.NodeDefinition{
			{ID: "start", Kind: model.NodeStart},
			{ID: "ask", Kind: model.NodeDecision},
			{ID: "upper", Kind: model.NodeStop},
			{ID: "lower", Kind: model.NodeStop},
		},
		Edges: []model.EdgeDefinition{
			{From: "start", To: "ask"},
			{From: "ask", To: "upper", Label: "Yes"},
			{From: "ask", To: "lower", Label: "yes"},
		},
	}
}

type harness struct {
	engine  *Engine
	store   *flakyStore
	actions *fakeActions
	clock   *clock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	defs := []model.WorkflowDefinition{welcomeWorkflow(), loopWorkflow(), caseWorkflow()}
	if errs := definition.NewValidator().Validate(defs, nil); len(errs) > 0 {
		t.Fatalf("test definitions invalid: %v", errs)
	}
	h := &harness{
		store:   &flakyStore{MemoryStore: NewMemoryStore()},
		actions: &fakeActions{out: map[string]string{"greeted": "true"}},
		clock:   &clock{now: t0},
	}
	h.engine = NewEngine(definition.NewRegistry(defs, nil), h.store, h.actions, WithClock(h.clock.Now))
	return h
}

func (h *harness) start(t *testing.T, def, key string) model.WorkflowInstance {
	t.Helper()
	inst, _, err := h.engine.Start(context.Background(), StartRequest{
		Scope:        "device-1",
		DefinitionID: def,
		Key:          key,
		Variables:    map[string]string{"region_name": "Downtown"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return inst
}

func (h *harness) step(t *testing.T, key string) model.Outcome {
	t.Helper()
	out, err := h.engine.Step(context.Background(), "device-1", key)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	return out
}

// --- Scenario ---

func TestEngine_welcomeScenario(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")

	out := h.step(t, "region:1")
	if out.Status != model.InstanceStatusRunning || out.Node != "go" {
		t.Fatalf("first Step = %s at %s, want running at go", out.Status, out.Node)
	}

	out = h.step(t, "region:1")
	if out.Status != model.InstanceStatusAwaitingInput || out.Node != "go" {
		t.Fatalf("second Step = %s at %s, want awaiting_input at go", out.Status, out.Node)
	}
	if len(out.Branches) != 2 || out.Branches[0] != "yes" || out.Branches[1] != "no" {
		t.Errorf("Branches = %v, want [yes no]", out.Branches)
	}

	out, err := h.engine.Resolve(context.Background(), "device-1", "region:1", "no")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Node != "stop" {
		t.Errorf("Resolve node = %s, want stop", out.Node)
	}

	out = h.step(t, "region:1")
	if out.Status != model.InstanceStatusTerminal {
		t.Errorf("final Step = %s, want terminal", out.Status)
	}

	again := h.step(t, "region:1")
	if again.Status != model.InstanceStatusTerminal || again.Instance.Version != out.Instance.Version {
		t.Errorf("Step on terminal = %s v%d, want terminal no-op v%d", again.Status, again.Instance.Version, out.Instance.Version)
	}
}

// --- Start ---

func TestStart_advancesPastStart(t *testing.T) {
	h := newHarness(t)
	inst, resumed, err := h.engine.Start(context.Background(), StartRequest{
		Scope: "device-1", DefinitionID: "welcome", Key: "region:1",
		Variables: map[string]string{"region_name": "Downtown"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if resumed {
		t.Error("resumed = true for a new key")
	}
	if inst.CurrentNode != "welcome" {
		t.Errorf("CurrentNode = %s, want welcome", inst.CurrentNode)
	}
	if inst.Status != model.InstanceStatusRunning {
		t.Errorf("Status = %s, want running", inst.Status)
	}
	if inst.Variables["region_name"] != "Downtown" {
		t.Errorf("Variables = %v", inst.Variables)
	}
	if !inst.CreatedAt.Equal(t0) || !inst.LastActivityAt.Equal(t0) {
		t.Errorf("timestamps = %v / %v, want %v", inst.CreatedAt, inst.LastActivityAt, t0)
	}
}

func TestStart_resumeIsIdempotent(t *testing.T) {
	h := newHarness(t)
	first := h.start(t, "welcome", "region:1")
	h.step(t, "region:1")
	h.clock.Advance(23 * time.Hour)

	second, resumed, err := h.engine.Start(context.Background(), StartRequest{
		Scope: "device-1", DefinitionID: "welcome", Key: "region:1",
		Variables: map[string]string{"region_name": "Elsewhere"},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !resumed {
		t.Fatal("resumed = false inside the window")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %s, want %s", second.ID, first.ID)
	}
	if second.CurrentNode != "go" {
		t.Errorf("CurrentNode = %s, want go (not reset)", second.CurrentNode)
	}
	if second.Variables["region_name"] != "Downtown" {
		t.Errorf("variables were overwritten: %v", second.Variables)
	}

	third, _, _ := h.engine.Start(context.Background(), StartRequest{Scope: "device-1", DefinitionID: "welcome", Key: "region:1"})
	if third.CurrentNode != second.CurrentNode || third.Version != second.Version {
		t.Errorf("repeated resume changed the instance: %+v vs %+v", third, second)
	}
}

func TestStart_expiresStaleInstance(t *testing.T) {
	h := newHarness(t)
	old := h.start(t, "welcome", "region:1")
	h.step(t, "region:1")
	h.clock.Advance(DefaultResumeWindow + time.Minute)

	fresh, resumed, err := h.engine.Start(context.Background(), StartRequest{Scope: "device-1", DefinitionID: "welcome", Key: "region:1"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if resumed || fresh.ID == old.ID {
		t.Fatal("expected a fresh instance after the window elapsed")
	}
	if fresh.CurrentNode != "welcome" {
		t.Errorf("CurrentNode = %s, want welcome", fresh.CurrentNode)
	}

	stale, err := h.store.Get(context.Background(), old.ID)
	if err != nil {
		t.Fatalf("Get(old) error = %v", err)
	}
	if stale.Status != model.InstanceStatusExpired {
		t.Errorf("old Status = %s, want expired", stale.Status)
	}
}

func TestStart_terminalInstanceIsNotResumed(t *testing.T) {
	h := newHarness(t)
	old := h.start(t, "case", "k")
	if _, err := h.engine.Resolve(context.Background(), "device-1", "k", "yes"); err == nil {
		t.Fatal("Resolve before Step should fail")
	}
	h.step(t, "k")
	if _, err := h.engine.Resolve(context.Background(), "device-1", "k", "yes"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	h.step(t, "k")

	fresh := h.start(t, "case", "k")
	if fresh.ID == old.ID {
		t.Error("terminal instance should not be resumed")
	}
}

func TestStart_errors(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.engine.Start(context.Background(), StartRequest{Scope: "device-1", DefinitionID: "ghost", Key: "k"})
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("unknown definition: CodeOf = %s, want NOT_FOUND", model.CodeOf(err))
	}
	_, _, err = h.engine.Start(context.Background(), StartRequest{Scope: "device-1", DefinitionID: "welcome"})
	if model.CodeOf(err) != model.ErrBadRequest {
		t.Errorf("missing key: CodeOf = %s, want BAD_REQUEST", model.CodeOf(err))
	}
}

func TestStart_concurrentSameKeyCreatesOne(t *testing.T) {
	h := newHarness(t)
	const n = 20
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			inst, _, err := h.engine.Start(context.Background(), StartRequest{Scope: "device-1", DefinitionID: "welcome", Key: "region:9"})
			if err != nil {
				t.Errorf("Start() error = %v", err)
				return
			}
			ids[i] = inst.ID
		}(i)
	}
	wg.Wait()

	if h.store.Len() != 1 {
		t.Errorf("instances = %d, want 1", h.store.Len())
	}
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("ids[%d] = %s, want %s", i, ids[i], ids[0])
		}
	}
}

// --- Step ---

func TestStep_rendersTextAndParams(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")

	out := h.step(t, "region:1")
	if out.Message != "Welcome to Downtown" {
		t.Errorf("Message = %q, want Welcome to Downtown", out.Message)
	}
	if len(h.actions.calls) != 1 {
		t.Fatalf("action calls = %d, want 1", len(h.actions.calls))
	}
	call := h.actions.calls[0]
	if call.Params["message"] != "Hi Downtown {{missing}}" {
		t.Errorf("rendered param = %q, unresolved placeholder should stay verbatim", call.Params["message"])
	}
	if call.Text != "Welcome to Downtown" || call.NodeID != "welcome" || call.Key != "region:1" {
		t.Errorf("request = %+v", call)
	}
	if out.Instance.Variables["greeted"] != "true" {
		t.Errorf("action output not merged: %v", out.Instance.Variables)
	}
}

func TestStep_handlerFailureKeepsNode(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")
	h.actions.setErr(errors.New("smtp down"))

	_, err := h.engine.Step(context.Background(), "device-1", "region:1")
	if model.CodeOf(err) != model.ErrHandlerFailure {
		t.Fatalf("CodeOf = %s, want HANDLER_FAILURE", model.CodeOf(err))
	}
	if !model.IsRetryable(err) {
		t.Error("handler failure should be retryable")
	}

	inst, _ := h.engine.Get(context.Background(), "device-1", "region:1")
	if inst.CurrentNode != "welcome" {
		t.Errorf("CurrentNode = %s, want welcome", inst.CurrentNode)
	}
	if inst.Variables[LastErrorVar] != "smtp down" {
		t.Errorf("%s = %q, want smtp down", LastErrorVar, inst.Variables[LastErrorVar])
	}

	h.actions.setErr(nil)
	out := h.step(t, "region:1")
	if out.Node != "go" {
		t.Errorf("retry Node = %s, want go", out.Node)
	}
	if _, ok := out.Instance.Variables[LastErrorVar]; ok {
		t.Error("_last_error should be cleared after success")
	}
}

func TestStep_panickingHandlerRecordedAsFailure(t *testing.T) {
	h := newHarness(t)
	reg := action.NewRegistry()
	reg.Register("notify", action.HandlerFunc(func(context.Context, action.Request) (map[string]string, error) {
		panic("template index out of range")
	}))
	h.engine = NewEngine(h.engine.defs, h.store, reg, WithClock(h.clock.Now))
	h.start(t, "welcome", "region:1")

	_, err := h.engine.Step(context.Background(), "device-1", "region:1")
	if model.CodeOf(err) != model.ErrHandlerFailure {
		t.Fatalf("CodeOf = %s, want HANDLER_FAILURE", model.CodeOf(err))
	}

	inst, _ := h.engine.Get(context.Background(), "device-1", "region:1")
	if inst.CurrentNode != "welcome" {
		t.Errorf("CurrentNode = %s, want welcome", inst.CurrentNode)
	}
	if inst.Variables[LastErrorVar] == "" {
		t.Errorf("%s not recorded", LastErrorVar)
	}
	events, _ := h.engine.History(context.Background(), "device-1", "region:1")
	if last := events[len(events)-1]; last.Event != model.WorkflowEventStepFailed || last.Data["action"] != "notify" {
		t.Errorf("last event = %+v, want step_failed for notify", last)
	}
}

func TestStep_perpetualLoopAdvancesOneEdgePerCall(t *testing.T) {
	h := newHarness(t)
	h.start(t, "loop", "loop:1")

	want := []string{"tock", "tick", "tock", "tick"}
	for i, node := range want {
		out := h.step(t, "loop:1")
		if out.Node != node || out.Status != model.InstanceStatusRunning {
			t.Fatalf("Step %d = %s at %s, want running at %s", i, out.Status, out.Node, node)
		}
	}
}

func TestStep_decisionTwiceDoesNotDuplicateEvent(t *testing.T) {
	h := newHarness(t)
	h.start(t, "case", "k")
	h.step(t, "k")
	h.step(t, "k")

	events, err := h.engine.History(context.Background(), "device-1", "k")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	n := 0
	for _, e := range events {
		if e.Event == model.WorkflowEventAwaitingInput {
			n++
		}
	}
	if n != 1 {
		t.Errorf("awaiting_input events = %d, want 1", n)
	}
}

func TestStep_unknownKey(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Step(context.Background(), "device-1", "region:404")
	if model.CodeOf(err) != model.ErrNotFound {
		t.Errorf("CodeOf = %s, want NOT_FOUND", model.CodeOf(err))
	}
}

func TestStep_persistenceFailure(t *testing.T) {
	h := newHarness(t)
	h.start(t, "loop", "loop:1")
	h.store.failUpdate = true

	_, err := h.engine.Step(context.Background(), "device-1", "loop:1")
	if model.CodeOf(err) != model.ErrPersistenceFailure {
		t.Fatalf("CodeOf = %s, want PERSISTENCE_FAILURE", model.CodeOf(err))
	}
	if !model.IsRetryable(err) {
		t.Error("persistence failure should be retryable")
	}

	h.store.failUpdate = false
	inst, _ := h.engine.Get(context.Background(), "device-1", "loop:1")
	if inst.CurrentNode != "tick" {
		t.Errorf("CurrentNode = %s, want tick (state not advanced)", inst.CurrentNode)
	}
}

// --- Resolve ---

func TestResolve_unknownBranchLeavesInstance(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")
	h.step(t, "region:1")
	awaiting := h.step(t, "region:1")

	_, err := h.engine.Resolve(context.Background(), "device-1", "region:1", "maybe")
	if model.CodeOf(err) != model.ErrUnknownBranch {
		t.Fatalf("CodeOf = %s, want UNKNOWN_BRANCH", model.CodeOf(err))
	}
	inst, _ := h.engine.Get(context.Background(), "device-1", "region:1")
	if inst.CurrentNode != "go" || inst.Status != model.InstanceStatusAwaitingInput || inst.Version != awaiting.Instance.Version {
		t.Errorf("instance changed after unknown branch: %+v", inst)
	}
}

func TestResolve_yesThenStepExecutesTarget(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")
	h.step(t, "region:1")
	h.step(t, "region:1")

	out, err := h.engine.Resolve(context.Background(), "device-1", "region:1", "YES")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Node != "proceed" {
		t.Fatalf("Node = %s, want proceed", out.Node)
	}
	step := h.step(t, "region:1")
	if step.Message != "Proceed" || step.Node != "stop" {
		t.Errorf("Step after resolve = %q at %s", step.Message, step.Node)
	}
}

func TestResolve_exactMatchBeforeCaseInsensitive(t *testing.T) {
	h := newHarness(t)
	h.start(t, "case", "k")
	h.step(t, "k")

	out, err := h.engine.Resolve(context.Background(), "device-1", "k", "yes")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Node != "lower" {
		t.Errorf("Node = %s, want lower", out.Node)
	}
}

func TestResolve_notAwaitingInput(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")

	_, err := h.engine.Resolve(context.Background(), "device-1", "region:1", "yes")
	if model.CodeOf(err) != model.ErrNotAwaitingInput {
		t.Errorf("CodeOf = %s, want NOT_AWAITING_INPUT", model.CodeOf(err))
	}
}

// --- Queries ---

func TestFindResumable(t *testing.T) {
	h := newHarness(t)
	h.start(t, "welcome", "region:1")
	h.clock.Advance(time.Minute)
	h.start(t, "welcome", "region:2")
	h.start(t, "welcome", "anchor:AUS")

	found, err := h.engine.FindResumable(context.Background(), "device-1", "region:")
	if err != nil {
		t.Fatalf("FindResumable() error = %v", err)
	}
	if len(found) != 2 || found[0].Key != "region:2" || found[1].Key != "region:1" {
		t.Errorf("FindResumable() = %v, want [region:2 region:1]", found)
	}

	other, _ := h.engine.FindResumable(context.Background(), "device-2", "region:")
	if len(other) != 0 {
		t.Errorf("other scope found %d instances, want 0", len(other))
	}

	h.clock.Advance(DefaultResumeWindow)
	found, _ = h.engine.FindResumable(context.Background(), "device-1", "region:")
	if len(found) != 0 {
		t.Errorf("after window FindResumable() = %d instances, want 0", len(found))
	}
}

func TestHistory_recordsLifecycle(t *testing.T) {
	h := newHarness(t)
	h.start(t, "case", "k")
	h.step(t, "k")
	if _, err := h.engine.Resolve(context.Background(), "device-1", "k", "Yes"); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	h.step(t, "k")

	events, err := h.engine.History(context.Background(), "device-1", "k")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	want := []string{
		model.WorkflowEventStarted,
		model.WorkflowEventStepEntered,
		model.WorkflowEventAwaitingInput,
		model.WorkflowEventBranchSelected,
		model.WorkflowEventStepEntered,
		model.WorkflowEventCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("events = %d, want %d", len(events), len(want))
	}
	for i, e := range want {
		if events[i].Event != e {
			t.Errorf("events[%d] = %s, want %s", i, events[i].Event, e)
		}
	}
	if events[3].Data["label"] != "Yes" {
		t.Errorf("branch label = %q, want Yes", events[3].Data["label"])
	}
}
