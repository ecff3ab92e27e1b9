package action

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/waypoint/internal/region"
	"github.com/pitabwire/waypoint/model"
)

// Built-in action names.
const (
	NameNotify        = "notify"
	NameNearbyRegions = "nearby_regions"
	NameAnchorLookup  = "anchor_lookup"
	NameHTTP          = "http"
)

const (
	defaultNearbyRadiusKm = 10.0
	defaultNearbyLimit    = 5
)

// Regions is the region query surface used by the built-in handlers.
type Regions interface {
	FindNear(ctx context.Context, lat, lon, radiusKm float64) ([]region.Nearby, error)
	FindByAnchorCode(code string) (model.Region, bool)
}

// RegisterBuiltins registers notify, nearby_regions and anchor_lookup, plus
// http when hook is non-nil.
func RegisterBuiltins(r *Registry, regions Regions, hook *Webhook, logger *zap.Logger) {
	r.Register(NameNotify, Notify(logger))
	r.Register(NameNearbyRegions, NearbyRegions(regions))
	r.Register(NameAnchorLookup, AnchorLookup(regions))
	if hook != nil {
		r.Register(NameHTTP, hook)
	}
}

// Notify logs the rendered message (or activity text) for the device.
func Notify(logger *zap.Logger) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return HandlerFunc(func(_ context.Context, req Request) (map[string]string, error) {
		msg := req.Params["message"]
		if msg == "" {
			msg = req.Text
		}
		logger.Info("notify",
			zap.String("scope", req.Scope),
			zap.String("key", req.Key),
			zap.String("channel", req.Params["channel"]),
			zap.String("message", msg),
		)
		return map[string]string{"last_message": msg}, nil
	})
}

// NearbyRegions lists regions around the instance's coordinates, excluding
// the region that triggered it.
//
// Params: latitude, longitude (default to the instance variables),
// radius_km (default 10), limit (default 5).
func NearbyRegions(regions Regions) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (map[string]string, error) {
		lat, err := floatParam(req, "latitude", 0, true)
		if err != nil {
			return nil, err
		}
		lon, err := floatParam(req, "longitude", 0, true)
		if err != nil {
			return nil, err
		}
		radius, err := floatParam(req, "radius_km", defaultNearbyRadiusKm, false)
		if err != nil {
			return nil, err
		}
		limit := defaultNearbyLimit
		if s := req.Params["limit"]; s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("nearby_regions: invalid limit %q", s)
			}
			limit = n
		}

		found, err := regions.FindNear(ctx, lat, lon, radius)
		if err != nil {
			return nil, fmt.Errorf("nearby_regions: %w", err)
		}

		self := req.Variables["region_id"]
		var names []string
		out := map[string]string{}
		for _, n := range found {
			if n.Region.ID == self {
				continue
			}
			if len(names) == 0 {
				out["nearest_region_id"] = n.Region.ID
				out["nearest_region_name"] = n.Region.Name
				out["nearest_distance_km"] = strconv.FormatFloat(n.DistanceKm, 'f', 2, 64)
			}
			names = append(names, n.Region.Name)
			if len(names) == limit {
				break
			}
		}
		out["nearby_count"] = strconv.Itoa(len(names))
		out["nearby_regions"] = strings.Join(names, ", ")
		return out, nil
	})
}

// AnchorLookup resolves an anchor code (param "code", defaulting to the
// anchor_code variable) to its region.
func AnchorLookup(regions Regions) Handler {
	return HandlerFunc(func(_ context.Context, req Request) (map[string]string, error) {
		code := req.Param("code")
		if code == "" {
			code = req.Variables["anchor_code"]
		}
		if code == "" {
			return nil, fmt.Errorf("anchor_lookup: no anchor code")
		}
		r, ok := regions.FindByAnchorCode(code)
		if !ok {
			return nil, fmt.Errorf("anchor_lookup: unknown anchor %q", code)
		}
		out := map[string]string{
			"anchor_region_id":   r.ID,
			"anchor_region_name": r.Name,
		}
		for _, a := range r.Anchors {
			if strings.EqualFold(a.Code, code) {
				out["anchor_code"] = a.Code
				out["anchor_name"] = a.Name
				out["anchor_latitude"] = strconv.FormatFloat(a.Point.Lat, 'f', -1, 64)
				out["anchor_longitude"] = strconv.FormatFloat(a.Point.Lon, 'f', -1, 64)
				break
			}
		}
		return out, nil
	})
}

func floatParam(req Request, name string, def float64, required bool) (float64, error) {
	s := req.Param(name)
	if s == "" {
		if required {
			return 0, fmt.Errorf("missing %s", name)
		}
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return v, nil
}
