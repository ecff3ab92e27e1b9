package model

import "time"

// Coordinate is a WGS84 point.
type Coordinate struct {
	Lat float64 `json:"lat" yaml:"lat"`
	Lon float64 `json:"lon" yaml:"lon"`
}

// BoundingBox is the axis-aligned envelope of a polygon ring.
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether the point lies inside or on the box.
func (b BoundingBox) Contains(p Coordinate) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat &&
		p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// IsZero reports whether the box was never computed.
func (b BoundingBox) IsZero() bool {
	return b == BoundingBox{}
}

// Anchor is a named point of interest attached to a region, such as an
// airport identified by its IATA code.
type Anchor struct {
	Code     string     `json:"code"`
	Name     string     `json:"name"`
	Point    Coordinate `json:"point"`
	RadiusKm float64    `json:"radius_km,omitempty"`
}

// Region is a named geofenced area. When Polygon is present it takes
// precedence over the RadiusKm circle for containment tests. Bounds is
// always derived from Polygon.
type Region struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Center    Coordinate   `json:"center"`
	RadiusKm  float64      `json:"radius_km"`
	Polygon   []Coordinate `json:"polygon,omitempty"`
	Bounds    BoundingBox  `json:"bounds"`
	Anchors   []Anchor     `json:"anchors,omitempty"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// HasPolygon reports whether the region carries a usable boundary ring.
func (r Region) HasPolygon() bool {
	return len(r.Polygon) >= 3
}

// RegionRef is the denormalised identity of a region carried on events.
type RegionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Ref returns the region's identity.
func (r Region) Ref() RegionRef {
	return RegionRef{ID: r.ID, Name: r.Name}
}

// LocationSample is a single fix delivered by a device.
type LocationSample struct {
	DeviceID  string     `json:"device_id"`
	Point     Coordinate `json:"point"`
	AccuracyM float64    `json:"accuracy_m,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}
