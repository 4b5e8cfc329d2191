// Package geo holds the great-circle math shared by geofencing and track distances.
package geo

import "math"

// EarthRadius is the mean earth radius in meters.
const EarthRadius = 6371000.0

// Distance returns the haversine distance in whole meters, truncated.
// Distance(a, b) == Distance(b, a) holds bit for bit.
func Distance(latFrom, lonFrom, latTo, lonTo float64) int64 {
	latFromRad := latFrom * math.Pi / 180
	latToRad := latTo * math.Pi / 180
	dLat := latToRad - latFromRad
	dLon := (lonTo - lonFrom) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(latFromRad)*math.Cos(latToRad)*sinLon*sinLon
	angle := 2 * math.Asin(math.Sqrt(a))

	return int64(angle * EarthRadius)
}
