package service

import "math"

// Fare model for completed trips: a fixed base plus a per-kilometer rate,
// rounded to cents. The simulator seeds carry their own historical amounts;
// this model prices the simulated trip actually driven.
const (
	BaseFare  = 3.0
	PerKmRate = 1.8
)

// Fare returns the fare for a trip of the given great-circle distance.
func Fare(distanceKm float64) float64 {
	return math.Round((BaseFare+distanceKm*PerKmRate)*100) / 100
}
