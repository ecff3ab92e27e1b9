// Package geo provides the spherical-earth geometry used for region matching.
package geo

import (
	"math"

	"github.com/pitabwire/waypoint/model"
)

// EarthRadiusKm is the mean earth radius used by Distance.
const EarthRadiusKm = 6371.0

// Distance returns the haversine great-circle distance between a and b in
// kilometres.
func Distance(a, b model.Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	return EarthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ValidCoordinate reports whether p lies within WGS84 ranges.
func ValidCoordinate(p model.Coordinate) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lon) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
