// Package trigger turns arrival events into workflow instances. Each arrival
// resumes the live instance keyed by the arrived region, or starts the
// definition mapped to the arrival's trigger type.
package trigger

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/geo"
	"github.com/pitabwire/waypoint/internal/observability"
	"github.com/pitabwire/waypoint/internal/workflow"
	"github.com/pitabwire/waypoint/model"
)

// Trigger names used in the definition trigger mapping.
const (
	RegionArrival = "region_arrival"
	AnchorArrival = "anchor_arrival"
	Address       = "address"
)

// Instance key prefixes.
const (
	RegionPrefix   = "region:"
	AnchorPrefix   = "anchor:"
	LocationPrefix = "location:"
)

// RegionKey is the instance key for arrivals in a region.
func RegionKey(regionID string) string { return RegionPrefix + regionID }

// AnchorKey is the instance key for arrivals at an anchor point.
func AnchorKey(code string) string { return AnchorPrefix + strings.ToUpper(code) }

// AddressKey hashes a free-form address into an instance key. Case and
// surrounding or repeated whitespace do not change the key.
func AddressKey(address string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(address), " "))
	h1, h2 := murmur3.Sum128([]byte(norm))
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], h1)
	binary.BigEndian.PutUint64(b[8:], h2)
	return LocationPrefix + hex.EncodeToString(b[:])
}

// Engine is the subset of the workflow engine the adapter drives.
type Engine interface {
	Start(ctx context.Context, req workflow.StartRequest) (model.WorkflowInstance, bool, error)
	FindResumable(ctx context.Context, scope, keyPrefix string) ([]model.WorkflowInstance, error)
}

// Definitions maps trigger names to workflow definitions.
type Definitions interface {
	ForTrigger(trigger string) (*model.WorkflowDefinition, bool)
}

// Regions resolves the anchors of an arrived region.
type Regions interface {
	Get(id string) (model.Region, bool)
}

// Visits records which instance a visit triggered.
type Visits interface {
	MarkTriggered(ctx context.Context, visitID, instanceID string) error
}

// Result describes the instance an arrival was routed to.
type Result struct {
	Key      string
	Instance model.WorkflowInstance
	Resumed  bool
}

// Adapter consumes arrival events and starts or resumes instances.
type Adapter struct {
	engine  Engine
	defs    Definitions
	regions Regions
	visits  Visits

	retryInterval time.Duration
	maxRetries    uint64

	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithRegions enables anchor keys for anchor_proximity arrivals.
func WithRegions(r Regions) Option { return func(a *Adapter) { a.regions = r } }

// WithVisits marks triggered visits.
func WithVisits(v Visits) Option { return func(a *Adapter) { a.visits = v } }

// WithRetry sets the conflict retry policy.
func WithRetry(interval time.Duration, maxRetries uint64) Option {
	return func(a *Adapter) {
		if interval > 0 {
			a.retryInterval = interval
		}
		a.maxRetries = maxRetries
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(a *Adapter) { a.logger = l } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *observability.Metrics) Option { return func(a *Adapter) { a.metrics = m } }

// New creates an adapter.
func New(engine Engine, defs Definitions, opts ...Option) *Adapter {
	a := &Adapter{
		engine:        engine,
		defs:          defs,
		retryInterval: 50 * time.Millisecond,
		maxRetries:    3,
		logger:        zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Run handles events until the channel is closed or ctx is done. Failures
// are logged per event and never stop the loop.
func (a *Adapter) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if _, err := a.Handle(ctx, ev); err != nil {
				a.logger.Error("workflow trigger failed",
					zap.String("device_id", ev.DeviceID),
					zap.String("region_id", ev.Region.ID),
					zap.String("visit_id", ev.VisitID),
					zap.Error(err),
				)
			}
		}
	}
}

// Handle routes one event. Departures are ignored and return a zero Result.
func (a *Adapter) Handle(ctx context.Context, ev model.Event) (res Result, err error) {
	if ev.Kind != model.EventArrival {
		return Result{}, nil
	}
	ctx, span := observability.StartSpan(ctx, "trigger.arrival",
		observability.AttrDeviceID.String(ev.DeviceID),
		observability.AttrRegionID.String(ev.Region.ID),
		observability.AttrDetectionMethod.String(string(ev.Method)),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if ev.DeviceID == "" || ev.Region.ID == "" {
		return Result{}, model.NewBadRequestError("arrival event needs device and region")
	}

	vars := seedVariables(ev)
	key, trigger := RegionKey(ev.Region.ID), RegionArrival
	if anchor, ok := a.anchorFor(ev); ok {
		key, trigger = AnchorKey(anchor.Code), AnchorArrival
		vars["anchor_code"] = anchor.Code
		vars["anchor_name"] = anchor.Name
	}

	res, err = a.route(ctx, ev.DeviceID, key, vars, trigger, RegionArrival)
	if err != nil {
		return Result{}, err
	}

	if a.visits != nil && ev.VisitID != "" {
		if err := a.visits.MarkTriggered(ctx, ev.VisitID, res.Instance.ID); err != nil {
			a.logger.Warn("marking visit triggered failed",
				zap.String("visit_id", ev.VisitID),
				zap.String("instance_id", res.Instance.ID),
				zap.Error(err),
			)
		}
	}
	return res, nil
}

// StartForAddress starts or resumes the address workflow for a free-form
// location that has no region of its own.
func (a *Adapter) StartForAddress(ctx context.Context, deviceID, address string, vars map[string]string) (Result, error) {
	if deviceID == "" || strings.TrimSpace(address) == "" {
		return Result{}, model.NewBadRequestError("device and address are required")
	}
	seeded := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		seeded[k] = v
	}
	seeded["address"] = strings.TrimSpace(address)
	return a.route(ctx, deviceID, AddressKey(address), seeded, Address)
}

// route resumes the live instance for key, or starts the first definition
// mapped to one of triggers.
func (a *Adapter) route(ctx context.Context, scope, key string, vars map[string]string, triggers ...string) (Result, error) {
	defID, err := a.resumableDefinition(ctx, scope, key)
	if err != nil {
		return Result{}, err
	}
	if defID == "" {
		def, ok := a.definitionFor(triggers)
		if !ok {
			return Result{}, model.NewNotFoundError(
				fmt.Sprintf("no workflow mapped to trigger %q", triggers[0]),
			)
		}
		defID = def.ID
	}

	req := workflow.StartRequest{Scope: scope, DefinitionID: defID, Key: key, Variables: vars}
	inst, resumed, err := a.startWithRetry(ctx, req)
	if err != nil {
		return Result{}, err
	}
	a.logger.Info("arrival routed to workflow",
		zap.String("scope", scope),
		zap.String("key", key),
		zap.String("instance_id", inst.ID),
		zap.String("definition_id", inst.DefinitionID),
		zap.Bool("resumed", resumed),
	)
	return Result{Key: key, Instance: inst, Resumed: resumed}, nil
}

// resumableDefinition returns the definition of the live instance for key,
// or "" when there is none. The store query matches by prefix, so the key
// is compared exactly here.
func (a *Adapter) resumableDefinition(ctx context.Context, scope, key string) (string, error) {
	found, err := a.engine.FindResumable(ctx, scope, key)
	if err != nil {
		return "", err
	}
	for _, inst := range found {
		if inst.Key == key {
			return inst.DefinitionID, nil
		}
	}
	return "", nil
}

func (a *Adapter) definitionFor(triggers []string) (*model.WorkflowDefinition, bool) {
	for _, t := range triggers {
		if def, ok := a.defs.ForTrigger(t); ok {
			return def, true
		}
	}
	return nil, false
}

// startWithRetry retries Start while another process is creating the same
// instance. The retried Start finds that instance and resumes it.
func (a *Adapter) startWithRetry(ctx context.Context, req workflow.StartRequest) (model.WorkflowInstance, bool, error) {
	var (
		inst    model.WorkflowInstance
		resumed bool
	)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.retryInterval
	policy.MaxInterval = 10 * a.retryInterval

	attempt := 0
	err := backoff.Retry(func() error {
		if attempt > 0 {
			a.metrics.RecordWorkflowTriggerRetry()
		}
		attempt++
		var err error
		inst, resumed, err = a.engine.Start(ctx, req)
		if err == nil {
			return nil
		}
		if model.CodeOf(err) == model.ErrConflict {
			a.logger.Debug("concurrent workflow creation, retrying",
				zap.String("key", req.Key), zap.Int("attempt", attempt))
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, a.maxRetries), ctx))
	if err != nil {
		return model.WorkflowInstance{}, false, err
	}
	return inst, resumed, nil
}

// anchorFor finds the anchor nearest to an anchor_proximity arrival.
func (a *Adapter) anchorFor(ev model.Event) (model.Anchor, bool) {
	if ev.Method != model.DetectionAnchor || a.regions == nil {
		return model.Anchor{}, false
	}
	r, ok := a.regions.Get(ev.Region.ID)
	if !ok || len(r.Anchors) == 0 {
		return model.Anchor{}, false
	}
	best, bestKm := -1, math.Inf(1)
	for i, an := range r.Anchors {
		if an.Code == "" {
			continue
		}
		if d := geo.Distance(ev.Point, an.Point); d < bestKm {
			best, bestKm = i, d
		}
	}
	if best < 0 {
		return model.Anchor{}, false
	}
	return r.Anchors[best], true
}

func seedVariables(ev model.Event) map[string]string {
	vars := map[string]string{
		"device_id":            ev.DeviceID,
		"visit_id":             ev.VisitID,
		"region_id":            ev.Region.ID,
		"region_name":          ev.Region.Name,
		"detection_method":     string(ev.Method),
		"is_first_visit":       strconv.FormatBool(ev.IsFirstVisit),
		"previous_visit_count": strconv.Itoa(ev.PreviousVisitCount),
		"last_visit_at":        "",
		"previous_region_name": "",
		"latitude":             strconv.FormatFloat(ev.Point.Lat, 'f', -1, 64),
		"longitude":            strconv.FormatFloat(ev.Point.Lon, 'f', -1, 64),
	}
	if ev.LastVisitAt != nil {
		vars["last_visit_at"] = ev.LastVisitAt.UTC().Format(time.RFC3339)
	}
	if ev.PreviousRegion != nil {
		vars["previous_region_name"] = ev.PreviousRegion.Name
	}
	return vars
}
