// Package model contains domain models for the ride dispatch simulator.
// These structs map to the schema in migrations/001_create_schema.up.sql.
package model

import "time"

// ─── Enums ──────────────────────────────────────────────────

// DriverStatus tracks a driver through the dispatch handoff.
type DriverStatus string

const (
	DriverAvailable DriverStatus = "AVAILABLE"
	DriverMatching  DriverStatus = "MATCHING"
	DriverEnRoute   DriverStatus = "EN_ROUTE"
)

// RideStatus follows the lifecycle
// REQUESTED → ASSIGNED → EN_ROUTE → COMPLETED, with REQUESTED → EXPIRED
// as the only terminal divergence. FAILED marks rides abandoned by a
// crashed worker.
type RideStatus string

const (
	RideRequested RideStatus = "REQUESTED"
	RideAssigned  RideStatus = "ASSIGNED"
	RideEnRoute   RideStatus = "EN_ROUTE"
	RideCompleted RideStatus = "COMPLETED"
	RideExpired   RideStatus = "EXPIRED"
	RideFailed    RideStatus = "FAILED"
)

// ─── Location ───────────────────────────────────────────────

// Location represents a WGS-84 geographic point.
type Location struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// ─── Domain Models ──────────────────────────────────────────

// Driver maps to the `drivers` table. A driver can be acquired for at most
// one ride at a time (enforced by the busy-set plus the row lock taken
// during matching).
type Driver struct {
	DriverID    string       `json:"driver_id"`
	Name        string       `json:"name"`
	Position    Location     `json:"position"`
	Status      DriverStatus `json:"status"`
	Region      int          `json:"region"`
	LastUpdated time.Time    `json:"last_updated"`
}

// Ride maps to the `rides` table.
type Ride struct {
	RideID         string     `json:"ride_id"`
	RequestedAt    time.Time  `json:"requested_at"`
	Pickup         Location   `json:"pickup"`
	Dropoff        Location   `json:"dropoff"`
	PassengerCount int        `json:"passenger_count"`
	Region         int        `json:"region"`
	AssignedDriver *string    `json:"assigned_driver,omitempty"`
	AssignedAt     *time.Time `json:"assigned_at,omitempty"`
	Status         RideStatus `json:"status"`
	MatchLatencyMs *float64   `json:"match_latency_ms,omitempty"`
	Retries        int        `json:"retries"`
}

// Trip maps to the `trips` table: the completed-event record linking a ride
// and a driver with the realized distance and fare. Inserted exactly once,
// at the EN_ROUTE → COMPLETED transition.
type Trip struct {
	RideID      string    `json:"ride_id"`
	DriverID    string    `json:"driver_id"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	TotalAmount float64   `json:"total_amount"`
	DistanceKm  float64   `json:"distance_km"`
}

// RideSeed is one historical trip from the `nyc_clean` table, consumed by
// the replayer as a synthetic ride request.
type RideSeed struct {
	RideID          string
	PickupDatetime  time.Time
	DropoffDatetime time.Time
	PassengerCount  int
	TripDistance    float64
	Pickup          Location
	Dropoff         Location
	TotalAmount     float64
}

// RealDuration is the wall-clock length of the historical trip. The worker
// divides it by the simulation speedup to get the EN_ROUTE sleep.
func (s *RideSeed) RealDuration() time.Duration {
	return s.DropoffDatetime.Sub(s.PickupDatetime)
}
