// Package workflow interprets activity-diagram definitions as resumable
// state machines. Instances are identified by a deterministic (scope, key)
// pair; each Step or Resolve call advances at most one edge.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/action"
	"github.com/pitabwire/waypoint/internal/keylock"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/model"
)

// DefaultResumeWindow is how long a live instance stays resumable after its
// last activity.
const DefaultResumeWindow = 24 * time.Hour

// LastErrorVar holds the most recent handler failure message.
const LastErrorVar = "_last_error"

// Definitions resolves workflow definitions by ID.
type Definitions interface {
	Get(id string) (*model.WorkflowDefinition, bool)
}

// Actions dispatches activity actions.
type Actions interface {
	Invoke(ctx context.Context, name string, req action.Request) (map[string]string, error)
}

// StartRequest identifies the instance to resume or create.
type StartRequest struct {
	Scope        string
	DefinitionID string
	Key          string
	Variables    map[string]string
}

// Engine manages the lifecycle of workflow instances.
type Engine struct {
	defs    Definitions
	store   Store
	actions Actions
	locks   keylock.Locker

	window  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithResumeWindow overrides DefaultResumeWindow.
func WithResumeWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithMetrics enables workflow metrics.
func WithMetrics(m *observability.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine creates a new workflow engine. actions may be nil when no
// definition carries an action.
func NewEngine(defs Definitions, store Store, actions Actions, opts ...Option) *Engine {
	e := &Engine{
		defs:    defs,
		store:   store,
		actions: actions,
		window:  DefaultResumeWindow,
		logger:  zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func lockKey(scope, key string) string { return scope + "\x00" + key }

// Window returns the resumption window.
func (e *Engine) Window() time.Duration { return e.window }

// Start resumes the live instance for (scope, key) if it was active within
// the resumption window, returning it unchanged with resumed=true.
// Otherwise any stale live instance is marked expired and a fresh one is
// created, positioned on the node after Start.
func (e *Engine) Start(ctx context.Context, req StartRequest) (inst model.WorkflowInstance, resumed bool, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.start",
		observability.AttrDeviceID.String(req.Scope),
		observability.AttrInstanceKey.String(req.Key),
		observability.AttrDefinitionID.String(req.DefinitionID),
	)
	defer func() {
		if inst.ID != "" {
			span.SetAttributes(observability.AttrInstanceID.String(inst.ID))
		}
		observability.EndSpanWithError(span, err)
	}()

	if req.Scope == "" || req.Key == "" {
		return model.WorkflowInstance{}, false, model.NewBadRequestError("scope and key are required")
	}

	unlock := e.locks.Lock(lockKey(req.Scope, req.Key))
	defer unlock()

	now := e.now().UTC()
	latest, found, err := e.store.Latest(ctx, req.Scope, req.Key)
	if err != nil {
		return model.WorkflowInstance{}, false, persistErr(err)
	}
	if found && latest.Live() {
		if now.Sub(latest.LastActivityAt) < e.window {
			e.appendEvent(ctx, latest.ID, latest.CurrentNode, model.WorkflowEventResumed, nil)
			e.metrics.RecordWorkflowStart(latest.DefinitionID, "resumed")
			return latest, true, nil
		}
		if err := e.expire(ctx, latest); err != nil {
			return model.WorkflowInstance{}, false, err
		}
	}

	def, ok := e.defs.Get(req.DefinitionID)
	if !ok {
		return model.WorkflowInstance{}, false, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", req.DefinitionID),
		)
	}
	start, ok := def.StartNode()
	if !ok {
		return model.WorkflowInstance{}, false, model.NewMalformedInputError(
			fmt.Sprintf("workflow definition %q has no start node", def.ID), nil,
		)
	}

	vars := make(map[string]string, len(req.Variables))
	maps.Copy(vars, req.Variables)

	inst = model.WorkflowInstance{
		ID:             uuid.New().String(),
		Key:            req.Key,
		Scope:          req.Scope,
		DefinitionID:   def.ID,
		CurrentNode:    start.ID,
		Status:         model.InstanceStatusRunning,
		Variables:      vars,
		CreatedAt:      now,
		LastActivityAt: now,
		Version:        1,
	}
	if edges := def.Outgoing(start.ID); len(edges) > 0 {
		inst.CurrentNode = edges[0].To
	}

	if err := e.store.Create(ctx, inst); err != nil {
		if model.CodeOf(err) == model.ErrConflict {
			return model.WorkflowInstance{}, false, err
		}
		return model.WorkflowInstance{}, false, persistErr(err)
	}

	e.appendEvent(ctx, inst.ID, start.ID, model.WorkflowEventStarted, nil)
	if inst.CurrentNode != start.ID {
		e.appendEvent(ctx, inst.ID, inst.CurrentNode, model.WorkflowEventStepEntered, nil)
	}
	e.metrics.RecordWorkflowStart(def.ID, "created")
	e.logger.Info("workflow started",
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", def.ID),
		zap.String("scope", inst.Scope),
		zap.String("key", inst.Key),
	)
	return inst, false, nil
}

// expire keeps the instance's last activity time so the fresh instance
// created afterwards is strictly newer.
func (e *Engine) expire(ctx context.Context, inst model.WorkflowInstance) error {
	inst.Status = model.InstanceStatusExpired
	if err := e.store.Update(ctx, inst); err != nil {
		return persistErr(err)
	}
	e.appendEvent(ctx, inst.ID, inst.CurrentNode, model.WorkflowEventExpired, nil)
	e.logger.Info("workflow expired",
		zap.String("instance_id", inst.ID),
		zap.String("key", inst.Key),
	)
	return nil
}

// Step executes the current node of the instance for (scope, key).
//
// Activity nodes render their text, dispatch the optional action, merge its
// output and advance one edge. Decision nodes suspend as AwaitingInput.
// Stop nodes mark the instance Terminal; stepping a Terminal instance
// returns Terminal again.
func (e *Engine) Step(ctx context.Context, scope, key string) (out model.Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.step",
		observability.AttrDeviceID.String(scope),
		observability.AttrInstanceKey.String(key),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(lockKey(scope, key))
	defer unlock()

	inst, err := e.current(ctx, scope, key)
	if err != nil {
		return model.Outcome{}, err
	}
	if inst.Terminal() {
		return model.Outcome{Status: model.InstanceStatusTerminal, Node: inst.CurrentNode, Instance: inst}, nil
	}

	def, node, err := e.resolveNode(inst)
	if err != nil {
		return model.Outcome{}, err
	}
	span.SetAttributes(
		observability.AttrNodeID.String(node.ID),
		observability.AttrNodeKind.String(string(node.Kind)),
	)

	start := time.Now()
	switch node.Kind {
	case model.NodeActivity, model.NodeStart:
		out, err = e.stepActivity(ctx, def, node, inst)
	case model.NodeDecision:
		out, err = e.stepDecision(ctx, def, node, inst)
	case model.NodeStop:
		out, err = e.stepStop(ctx, node, inst)
	default:
		err = fmt.Errorf("workflow: unsupported node kind %q", node.Kind)
	}

	status := out.Status
	if err != nil {
		status = model.CodeOf(err)
	}
	e.metrics.RecordWorkflowStep(def.ID, string(node.Kind), status, time.Since(start))
	return out, err
}

func (e *Engine) stepActivity(ctx context.Context, def *model.WorkflowDefinition, node model.NodeDefinition, inst model.WorkflowInstance) (model.Outcome, error) {
	text := Render(node.Text, inst.Variables)

	var output map[string]string
	if node.Action != nil && node.Action.Name != "" {
		if e.actions == nil {
			return model.Outcome{}, model.NewHandlerFailureError(node.Action.Name, errors.New("no action registry configured"))
		}
		var err error
		output, err = e.actions.Invoke(ctx, node.Action.Name, action.Request{
			InstanceID:   inst.ID,
			DefinitionID: def.ID,
			NodeID:       node.ID,
			Scope:        inst.Scope,
			Key:          inst.Key,
			Text:         text,
			Params:       RenderParams(node.Action.Params, inst.Variables),
			Variables:    maps.Clone(inst.Variables),
		})
		if err != nil {
			return model.Outcome{}, e.handlerFailed(ctx, node, inst, err)
		}
	}

	edges := def.Outgoing(node.ID)
	if len(edges) == 0 {
		return model.Outcome{}, fmt.Errorf("workflow: node %q has no outgoing edge", node.ID)
	}
	next := edges[0].To

	if inst.Variables == nil {
		inst.Variables = make(map[string]string, len(output))
	}
	maps.Copy(inst.Variables, output)
	delete(inst.Variables, LastErrorVar)
	inst.CurrentNode = next
	inst.Status = model.InstanceStatusRunning

	inst, err := e.save(ctx, inst)
	if err != nil {
		return model.Outcome{}, err
	}
	e.appendEvent(ctx, inst.ID, node.ID, model.WorkflowEventStepCompleted, output)
	e.appendEvent(ctx, inst.ID, next, model.WorkflowEventStepEntered, nil)

	return model.Outcome{
		Status:   model.InstanceStatusRunning,
		Node:     next,
		Message:  text,
		Output:   output,
		Instance: inst,
	}, nil
}

func (e *Engine) handlerFailed(ctx context.Context, node model.NodeDefinition, inst model.WorkflowInstance, cause error) error {
	if inst.Variables == nil {
		inst.Variables = make(map[string]string, 1)
	}
	inst.Variables[LastErrorVar] = cause.Error()
	if _, err := e.save(ctx, inst); err != nil {
		e.logger.Warn("record handler failure", zap.String("instance_id", inst.ID), zap.Error(err))
	}
	e.appendEvent(ctx, inst.ID, node.ID, model.WorkflowEventStepFailed, map[string]string{
		"action": node.Action.Name,
		"error":  cause.Error(),
	})
	return model.NewHandlerFailureError(node.Action.Name, cause)
}

func (e *Engine) stepDecision(ctx context.Context, def *model.WorkflowDefinition, node model.NodeDefinition, inst model.WorkflowInstance) (model.Outcome, error) {
	if inst.Status != model.InstanceStatusAwaitingInput {
		inst.Status = model.InstanceStatusAwaitingInput
		var err error
		if inst, err = e.save(ctx, inst); err != nil {
			return model.Outcome{}, err
		}
		e.appendEvent(ctx, inst.ID, node.ID, model.WorkflowEventAwaitingInput, nil)
	}
	return model.Outcome{
		Status:   model.InstanceStatusAwaitingInput,
		Node:     node.ID,
		Message:  Render(node.Text, inst.Variables),
		Branches: branchLabels(def.Outgoing(node.ID)),
		Instance: inst,
	}, nil
}

func (e *Engine) stepStop(ctx context.Context, node model.NodeDefinition, inst model.WorkflowInstance) (model.Outcome, error) {
	inst.Status = model.InstanceStatusTerminal
	inst, err := e.save(ctx, inst)
	if err != nil {
		return model.Outcome{}, err
	}
	e.appendEvent(ctx, inst.ID, node.ID, model.WorkflowEventCompleted, nil)
	e.metrics.RecordWorkflowCompletion(inst.DefinitionID)
	return model.Outcome{Status: model.InstanceStatusTerminal, Node: node.ID, Instance: inst}, nil
}

// Resolve selects the branch labelled label on the Decision the instance is
// waiting at. Labels match exactly first, then case-insensitively. An
// unknown label leaves the instance unchanged.
func (e *Engine) Resolve(ctx context.Context, scope, key, label string) (out model.Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.resolve",
		observability.AttrDeviceID.String(scope),
		observability.AttrInstanceKey.String(key),
		observability.AttrBranch.String(label),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	unlock := e.locks.Lock(lockKey(scope, key))
	defer unlock()

	inst, err := e.current(ctx, scope, key)
	if err != nil {
		return model.Outcome{}, err
	}
	if inst.Status != model.InstanceStatusAwaitingInput {
		return model.Outcome{}, model.NewNotAwaitingInputError(inst.Status)
	}

	def, node, err := e.resolveNode(inst)
	if err != nil {
		return model.Outcome{}, err
	}
	edges := def.Outgoing(node.ID)
	edge, ok := matchBranch(edges, label)
	if !ok {
		return model.Outcome{}, model.NewUnknownBranchError(label, branchLabels(edges))
	}

	inst.CurrentNode = edge.To
	inst.Status = model.InstanceStatusRunning
	if inst, err = e.save(ctx, inst); err != nil {
		return model.Outcome{}, err
	}
	e.appendEvent(ctx, inst.ID, node.ID, model.WorkflowEventBranchSelected, map[string]string{"label": edge.Label})
	e.appendEvent(ctx, inst.ID, edge.To, model.WorkflowEventStepEntered, nil)

	return model.Outcome{Status: model.InstanceStatusRunning, Node: edge.To, Instance: inst}, nil
}

// Get returns the most recent instance for (scope, key) in any status.
func (e *Engine) Get(ctx context.Context, scope, key string) (model.WorkflowInstance, error) {
	inst, found, err := e.store.Latest(ctx, scope, key)
	if err != nil {
		return model.WorkflowInstance{}, persistErr(err)
	}
	if !found {
		return model.WorkflowInstance{}, model.NewNotFoundError(fmt.Sprintf("no workflow instance for key %q", key))
	}
	return inst, nil
}

// History returns the audit trail of the most recent instance for (scope, key).
func (e *Engine) History(ctx context.Context, scope, key string) ([]model.WorkflowEvent, error) {
	inst, err := e.Get(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	events, err := e.store.Events(ctx, inst.ID)
	if err != nil {
		return nil, persistErr(err)
	}
	return events, nil
}

// FindResumable returns live instances in scope whose key starts with
// keyPrefix and that are still inside the resumption window, newest first.
func (e *Engine) FindResumable(ctx context.Context, scope, keyPrefix string) ([]model.WorkflowInstance, error) {
	since := e.now().UTC().Add(-e.window)
	found, err := e.store.FindLive(ctx, scope, keyPrefix, since)
	if err != nil {
		return nil, persistErr(err)
	}
	// The store bound is inclusive; the window is not.
	out := found[:0]
	for _, inst := range found {
		if inst.LastActivityAt.After(since) {
			out = append(out, inst)
		}
	}
	return out, nil
}

// current loads the instance a Step or Resolve call operates on.
func (e *Engine) current(ctx context.Context, scope, key string) (model.WorkflowInstance, error) {
	inst, err := e.Get(ctx, scope, key)
	if err != nil {
		return model.WorkflowInstance{}, err
	}
	if !inst.Live() && !inst.Terminal() {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance for key %q is %s", key, inst.Status),
		)
	}
	return inst, nil
}

func (e *Engine) resolveNode(inst model.WorkflowInstance) (*model.WorkflowDefinition, model.NodeDefinition, error) {
	def, ok := e.defs.Get(inst.DefinitionID)
	if !ok {
		return nil, model.NodeDefinition{}, model.NewNotFoundError(
			fmt.Sprintf("workflow definition %q not found", inst.DefinitionID),
		)
	}
	node, ok := def.Node(inst.CurrentNode)
	if !ok {
		return nil, model.NodeDefinition{}, fmt.Errorf("workflow: node %q not found in %q", inst.CurrentNode, def.ID)
	}
	return def, node, nil
}

// save stamps activity, persists with optimistic locking and returns the
// instance at its new version.
func (e *Engine) save(ctx context.Context, inst model.WorkflowInstance) (model.WorkflowInstance, error) {
	inst.LastActivityAt = e.now().UTC()
	if err := e.store.Update(ctx, inst); err != nil {
		if model.CodeOf(err) == model.ErrConflict {
			return model.WorkflowInstance{}, err
		}
		return model.WorkflowInstance{}, persistErr(err)
	}
	inst.Version++
	return inst, nil
}

// appendEvent records an audit event. Audit failures are logged, not fatal.
func (e *Engine) appendEvent(ctx context.Context, instanceID, nodeID, event string, data map[string]string) {
	err := e.store.AppendEvent(ctx, model.WorkflowEvent{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		Event:      event,
		Data:       data,
		Timestamp:  e.now().UTC(),
	})
	if err != nil {
		e.logger.Warn("append workflow event",
			zap.String("instance_id", instanceID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func matchBranch(edges []model.EdgeDefinition, label string) (model.EdgeDefinition, bool) {
	for _, e := range edges {
		if e.Label == label {
			return e, true
		}
	}
	for _, e := range edges {
		if strings.EqualFold(e.Label, label) {
			return e, true
		}
	}
	return model.EdgeDefinition{}, false
}

func branchLabels(edges []model.EdgeDefinition) []string {
	labels := make([]string, 0, len(edges))
	for _, e := range edges {
		labels = append(labels, e.Label)
	}
	return labels
}

func persistErr(err error) error {
	var env *model.ErrorEnvelope
	if errors.As(err, &env) {
		return err
	}
	return model.NewPersistenceError(err)
}
