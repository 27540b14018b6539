// Package geo provides great-circle distance and coarse region bucketing
// for the dispatch engine.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Region bucketing splits the NYC service area into four quadrants used as
// a locality filter on driver candidate queries.
package geo

import (
	"math"

	"github.com/nkm-labs/dispatchsim/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// LonSplit is the vertical split line between west and east regions.
	LonSplit = -73.9

	// LatSplit is the horizontal split line between north and south regions.
	LatSplit = 40.65
)

// Region IDs. RegionUnknown doubles as the sentinel for missing coordinates.
const (
	RegionNorthWest = 0
	RegionNorthEast = 1
	RegionSouthWest = 2
	RegionSouthEast = 3

	RegionUnknown = RegionNorthWest
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in
// kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// ─── Region Bucketing ───────────────────────────────────────

// Region returns the coarse quadrant bucket for a point:
//
//	0 = North-West   1 = North-East
//	2 = South-West   3 = South-East
//
// NaN coordinates map to RegionUnknown.
func Region(lon, lat float64) int {
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return RegionUnknown
	}

	if lat >= LatSplit {
		if lon <= LonSplit {
			return RegionNorthWest
		}
		return RegionNorthEast
	}
	if lon <= LonSplit {
		return RegionSouthWest
	}
	return RegionSouthEast
}

// RegionOf is Region for a model.Location.
func RegionOf(loc model.Location) int {
	return Region(loc.Lon, loc.Lat)
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}
