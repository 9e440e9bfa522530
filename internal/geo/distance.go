package geo

import (
	"math"

	"github.com/example/emergency-dispatch/internal/models"
)

const (
	earthRadiusMeters = 6371000.0
	metersPerDegree   = 111000.0
	// boxPadding widens the pre-filter box so it never clips the exact circle.
	boxPadding = 1.5
	// minCosLat bounds the longitude widening near the poles.
	minCosLat = 0.01
)

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is the great-circle distance between a and b in meters.
func Distance(a, b models.Coord) float64 {
	return Haversine(a.Lat, a.Lng, b.Lat, b.Lng)
}

func WithinRadius(center, point models.Coord, radiusMeters float64) bool {
	return Distance(center, point) <= radiusMeters
}

// Box is an axis-aligned degree box.
type Box struct {
	MinLat, MaxLat float64
	MinLng, MaxLng float64
}

// BoundingBox returns the pre-filter box around center. The latitude half-width
// is (radius*1.5)/111000 degrees; the longitude half-width is stretched by
// 1/cos(lat) so the box stays a superset of the circle away from the equator.
func BoundingBox(center models.Coord, radiusMeters float64) Box {
	dLat := (radiusMeters * boxPadding) / metersPerDegree
	cosLat := math.Cos(center.Lat * math.Pi / 180)
	if cosLat < minCosLat {
		cosLat = minCosLat
	}
	dLng := dLat / cosLat
	return Box{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLng: center.Lng - dLng,
		MaxLng: center.Lng + dLng,
	}
}

func (b Box) Contains(p models.Coord) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lng >= b.MinLng && p.Lng <= b.MaxLng
}

// SideMeters is the box edge length used for metric box queries.
func SideMeters(radiusMeters float64) float64 {
	return 2 * radiusMeters * boxPadding
}
