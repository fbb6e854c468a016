// Package geo computes great-circle distances between airports.
package geo

import (
	"errors"
	"fmt"
	"math"
)

const (
	// EarthRadiusKm is the mean radius of the spherical Earth approximation
	EarthRadiusKm = 6371.0

	kmToMiles = 0.621371
)

// ErrInvalidCoordinate is returned by Point.Validate for out-of-range values
var ErrInvalidCoordinate = errors.New("coordinate out of range")

// Point is a latitude/longitude pair in decimal degrees
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Measurement is a distance expressed in both units shown to players
type Measurement struct {
	Km    float64 `json:"km"`
	Miles float64 `json:"miles"`
}

// Validate checks that the point lies within [-90,90] x [-180,180]
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("latitude %v: %w", p.Lat, ErrInvalidCoordinate)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("longitude %v: %w", p.Lon, ErrInvalidCoordinate)
	}
	return nil
}

// Distance returns the haversine distance between a and b.
//
// Coordinates come from the trusted airport dataset, so an out-of-range
// point is a programming error and Distance panics rather than returning one.
func Distance(a, b Point) Measurement {
	if err := a.Validate(); err != nil {
		panic(fmt.Sprintf("geo.Distance: %v", err))
	}
	if err := b.Validate(); err != nil {
		panic(fmt.Sprintf("geo.Distance: %v", err))
	}

	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h marginally past 1 for antipodal points
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	km := EarthRadiusKm * c
	return Measurement{
		Km:    km,
		Miles: km * kmToMiles,
	}
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180
}
