package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pitabwire/waypoint/internal/trigger"
	"github.com/pitabwire/waypoint/model"
)

// Locations records and serves device fixes.
type Locations interface {
	Record(ctx context.Context, s model.LocationSample) error
	LastKnown(ctx context.Context, deviceID string) (model.LocationSample, bool, error)
	Recent(ctx context.Context, deviceID string, limit int) ([]model.LocationSample, error)
}

// Tracker evaluates fixes and manual overrides into region transitions.
type Tracker interface {
	Observe(ctx context.Context, s model.LocationSample) ([]model.Event, error)
	SetRegion(ctx context.Context, deviceID, regionID string, point *model.Coordinate) ([]model.Event, error)
	Current(ctx context.Context, deviceID string) (*model.Visit, error)
	History(ctx context.Context, deviceID string, limit int) ([]model.Visit, error)
}

// Regions is the read side of the region cache plus a manual refresh.
type Regions interface {
	GetAll() []model.Region
	Get(id string) (model.Region, bool)
	FindContaining(ctx context.Context, lat, lon float64) ([]model.Region, error)
	LastRefreshTime() time.Time
	Refresh(ctx context.Context) bool
}

// Workflows drives instances scoped to a device.
type Workflows interface {
	Get(ctx context.Context, scope, key string) (model.WorkflowInstance, error)
	Step(ctx context.Context, scope, key string) (model.Outcome, error)
	Resolve(ctx context.Context, scope, key, label string) (model.Outcome, error)
	History(ctx context.Context, scope, key string) ([]model.WorkflowEvent, error)
	FindResumable(ctx context.Context, scope, keyPrefix string) ([]model.WorkflowInstance, error)
}

// AddressStarter starts workflows for free-form addresses.
type AddressStarter interface {
	StartForAddress(ctx context.Context, deviceID, address string, vars map[string]string) (trigger.Result, error)
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return model.NewBadRequestError("request body too large")
		}
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

// queryInt parses an integer query parameter, returning def when the
// parameter is absent or not a number.
func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

// queryFloat parses a float query parameter. ok is false when absent.
func queryFloat(r *http.Request, key string) (v float64, ok bool, err error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, false, nil
	}
	v, err = strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, model.NewBadRequestError("query parameter " + key + " must be a number")
	}
	return v, true, nil
}
