package geo

import (
	"math"

	"github.com/pitabwire/waypoint/model"
)

// Containment decides whether a point lies inside a polygon ring. A spatial
// backend may provide its own implementation.
type Containment interface {
	Contains(polygon []model.Coordinate, p model.Coordinate) bool
}

// RayCasting is the even-odd ray casting test. It is exact for simple,
// non-self-intersecting rings. The ring may be open or closed.
type RayCasting struct{}

// Contains implements Containment.
func (RayCasting) Contains(polygon []model.Coordinate, p model.Coordinate) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := polygon[i], polygon[j]
		if (a.Lat > p.Lat) != (b.Lat > p.Lat) {
			x := (b.Lon-a.Lon)*(p.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if p.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}

// Bounds returns the axis-aligned bounding box of the ring, or the zero box
// for an empty ring.
func Bounds(polygon []model.Coordinate) model.BoundingBox {
	if len(polygon) == 0 {
		return model.BoundingBox{}
	}
	b := model.BoundingBox{
		MinLat: math.MaxFloat64, MinLon: math.MaxFloat64,
		MaxLat: -math.MaxFloat64, MaxLon: -math.MaxFloat64,
	}
	for _, c := range polygon {
		b.MinLat = math.Min(b.MinLat, c.Lat)
		b.MaxLat = math.Max(b.MaxLat, c.Lat)
		b.MinLon = math.Min(b.MinLon, c.Lon)
		b.MaxLon = math.Max(b.MaxLon, c.Lon)
	}
	return b
}

// Centroid returns the vertex average of the ring. It is used as the center
// of polygon regions that arrive without one.
func Centroid(polygon []model.Coordinate) model.Coordinate {
	if len(polygon) == 0 {
		return model.Coordinate{}
	}
	ring := polygon
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}
	var c model.Coordinate
	for _, p := range ring {
		c.Lat += p.Lat
		c.Lon += p.Lon
	}
	c.Lat /= float64(len(ring))
	c.Lon /= float64(len(ring))
	return c
}
