// Package action dispatches workflow activity actions to named handlers.
package action

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/observability"
)

// Request is the input handed to a handler for one activity. Text and
// Params are already rendered against the instance variables.
type Request struct {
	InstanceID   string
	DefinitionID string
	NodeID       string
	Scope        string
	Key          string
	Text         string
	Params       map[string]string
	Variables    map[string]string
}

// Param returns the named parameter, falling back to the instance variable
// of the same name.
func (r Request) Param(name string) string {
	if v, ok := r.Params[name]; ok && v != "" {
		return v
	}
	return r.Variables[name]
}

// Handler executes an action. The returned map is merged into the instance
// variables.
type Handler interface {
	Handle(ctx context.Context, req Request) (map[string]string, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]string, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (map[string]string, error) {
	return f(ctx, req)
}

// Registry stores named handlers. It is safe for concurrent use after
// initial registration.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	timeout  time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics enables invocation metrics.
func WithMetrics(m *observability.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithTimeout bounds each invocation. Zero leaves the caller's deadline as is.
func WithTimeout(d time.Duration) Option { return func(r *Registry) { r.timeout = d } }

// NewRegistry creates an empty handler registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		handlers: make(map[string]Handler),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a handler under name. Panics if the name is taken, since
// this indicates a wiring mistake at startup.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("action: handler %q already registered", name))
	}
	r.handlers[name] = h
}

// Get returns the handler registered under name.
func (r *Registry) Get(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Has reports whether a handler is registered under name.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered handler names, sorted alphabetically.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches req to the handler registered under name. A handler
// panic is returned as an error so the caller can record the failure.
func (r *Registry) Invoke(ctx context.Context, name string, req Request) (out map[string]string, err error) {
	h, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("action: handler %q not registered", name)
	}

	ctx, span := observability.StartSpan(ctx, "action.invoke",
		observability.AttrAction.String(name),
		observability.AttrInstanceID.String(req.InstanceID),
		observability.AttrNodeID.String(req.NodeID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err = r.handle(ctx, name, h, req)
	status := "ok"
	if err != nil {
		status = "error"
		r.logger.Warn("action failed",
			zap.String("action", name),
			zap.String("instance_id", req.InstanceID),
			zap.String("node_id", req.NodeID),
			zap.Error(err),
		)
	}
	r.metrics.RecordActionInvocation(name, status, time.Since(start))
	return out, err
}

func (r *Registry) handle(ctx context.Context, name string, h Handler, req Request) (out map[string]string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("action panicked",
				zap.String("action", name),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			out, err = nil, fmt.Errorf("action: handler %q panicked: %v", name, p)
		}
	}()
	return h.Handle(ctx, req)
}
