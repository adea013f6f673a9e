// Package geo provides the small amount of spherical geometry the pipeline
// needs: great-circle distance and midpoints along polylines.
package geo

import (
	"math"

	"github.com/rangerhq/ranger/internal/models"
)

const earthRadiusMeters = 6371000

// Distance returns the haversine distance between two points in meters.
func Distance(a, b models.Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMeters * c
}

// Midpoint returns the point halfway along a polyline by cumulative length.
// A polyline with fewer than two points yields its first point (or zero).
func Midpoint(line []models.Point) models.Point {
	switch len(line) {
	case 0:
		return models.Point{}
	case 1:
		return line[0]
	}

	var total float64
	segments := make([]float64, len(line)-1)
	for i := 0; i < len(line)-1; i++ {
		segments[i] = Distance(line[i], line[i+1])
		total += segments[i]
	}
	if total == 0 {
		return line[0]
	}

	half := total / 2
	var walked float64
	for i, segLen := range segments {
		if walked+segLen >= half {
			frac := (half - walked) / segLen
			return models.Point{
				Lat: line[i].Lat + (line[i+1].Lat-line[i].Lat)*frac,
				Lon: line[i].Lon + (line[i+1].Lon-line[i].Lon)*frac,
			}
		}
		walked += segLen
	}
	return line[len(line)-1]
}
