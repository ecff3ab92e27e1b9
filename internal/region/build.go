package region

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pitabwire/waypoint/internal/geo"
	"github.com/pitabwire/waypoint/model"
)

// Build validates a full region set and returns normalized copies: bounding
// boxes are recomputed from polygons, missing centers are derived from the
// polygon centroid, anchor codes are upper-cased and the result is sorted in
// display order. Any invalid region rejects the whole set.
func Build(raw []model.Region) ([]model.Region, error) {
	if len(raw) == 0 {
		return nil, model.NewMalformedInputError("region set is empty", nil)
	}

	var details []model.FieldError
	seen := make(map[string]bool, len(raw))
	anchors := make(map[string]string)
	out := make([]model.Region, 0, len(raw))

	for i, r := range raw {
		path := fmt.Sprintf("regions[%d]", i)
		r.ID = strings.TrimSpace(r.ID)

		if r.ID == "" {
			details = append(details, fieldErr(path+".id", "REQUIRED", "id is required"))
			continue
		}
		if seen[r.ID] {
			details = append(details, fieldErr(path+".id", "DUPLICATE", fmt.Sprintf("duplicate region id %q", r.ID)))
			continue
		}
		seen[r.ID] = true

		if strings.TrimSpace(r.Name) == "" {
			details = append(details, fieldErr(path+".name", "REQUIRED", "name is required"))
		}

		if len(r.Polygon) > 0 {
			if len(r.Polygon) < 3 {
				details = append(details, fieldErr(path+".polygon", "TOO_FEW_POINTS", "polygon needs at least 3 points"))
			}
			for j, p := range r.Polygon {
				if !geo.ValidCoordinate(p) {
					details = append(details, fieldErr(fmt.Sprintf("%s.polygon[%d]", path, j), "OUT_OF_RANGE", "invalid coordinate"))
				}
			}
			r.Polygon = append([]model.Coordinate(nil), r.Polygon...)
			r.Bounds = geo.Bounds(r.Polygon)
			if r.Center == (model.Coordinate{}) {
				r.Center = geo.Centroid(r.Polygon)
			}
		} else {
			// A zero Center cannot be told apart from a missing one here;
			// DecodeRegions rejects records that have neither.
			r.Bounds = model.BoundingBox{}
			if r.RadiusKm <= 0 {
				details = append(details, fieldErr(path+".radius_km", "REQUIRED", "radius_km must be positive when no polygon is given"))
			}
		}

		if r.RadiusKm < 0 {
			details = append(details, fieldErr(path+".radius_km", "OUT_OF_RANGE", "radius_km must not be negative"))
		}
		if !geo.ValidCoordinate(r.Center) {
			details = append(details, fieldErr(path+".center", "OUT_OF_RANGE", "invalid center coordinate"))
		}

		if len(r.Anchors) > 0 {
			normalized := make([]model.Anchor, 0, len(r.Anchors))
			for j, a := range r.Anchors {
				apath := fmt.Sprintf("%s.anchors[%d]", path, j)
				a.Code = strings.ToUpper(strings.TrimSpace(a.Code))
				if a.Code == "" {
					details = append(details, fieldErr(apath+".code", "REQUIRED", "anchor code is required"))
					continue
				}
				if owner, dup := anchors[a.Code]; dup {
					details = append(details, fieldErr(apath+".code", "DUPLICATE",
						fmt.Sprintf("anchor code %q already belongs to region %q", a.Code, owner)))
					continue
				}
				anchors[a.Code] = r.ID
				if !geo.ValidCoordinate(a.Point) {
					details = append(details, fieldErr(apath+".point", "OUT_OF_RANGE", "invalid anchor coordinate"))
				}
				normalized = append(normalized, a)
			}
			r.Anchors = normalized
		}

		out = append(out, r)
	}

	if len(details) > 0 {
		return nil, model.NewMalformedInputError("region set rejected", details)
	}

	sortDisplay(out)
	return out, nil
}

func fieldErr(field, code, msg string) model.FieldError {
	return model.FieldError{Field: field, Code: code, Message: msg}
}

// sortDisplay orders regions by name, then id.
func sortDisplay(regions []model.Region) {
	sort.SliceStable(regions, func(i, j int) bool {
		if regions[i].Name != regions[j].Name {
			return regions[i].Name < regions[j].Name
		}
		return LessID(regions[i].ID, regions[j].ID)
	})
}

// LessID orders region ids numerically when both are integers and
// lexically otherwise.
func LessID(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil {
		return ai < bi
	}
	return a < b
}

// MoreSpecific implements the overlap tie-break: the smaller fallback radius
// wins, then the lower id.
func MoreSpecific(a, b model.Region) bool {
	if a.RadiusKm != b.RadiusKm {
		return a.RadiusKm < b.RadiusKm
	}
	return LessID(a.ID, b.ID)
}
