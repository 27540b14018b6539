// Package repository provides store access for the dispatch engine.
//
// Every state transition runs through the serializable transaction harness
// in pkg/db; plain reads (candidate queries, dashboards) use autocommit
// connections from the same pool.
package repository

import (
	"context"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/model"
)

// DriverStore is the matcher's view of the drivers table.
type DriverStore interface {
	// AvailableCandidates returns up to limit AVAILABLE drivers in the
	// given region, randomly ordered, excluding the given IDs. Falls back
	// to all regions when the region has no candidates. Read-only; runs
	// outside the matching transaction.
	AvailableCandidates(ctx context.Context, region int, exclude []string, limit int) ([]model.Driver, error)

	// AcquireForRide runs the serializable matching transaction: re-reads
	// the driver under a row lock, verifies it is still AVAILABLE, moves
	// it to MATCHING at the pickup position, and stamps the ride row with
	// the assignment. Returns false when the driver lost the race (store
	// row no longer AVAILABLE).
	AcquireForRide(ctx context.Context, driverID string, seed *model.RideSeed, matchLatencyMs float64) (bool, error)

	// BusyDriverIDs returns the IDs of all drivers whose status is not
	// AVAILABLE, the authoritative input for busy-set reconciliation.
	BusyDriverIDs(ctx context.Context) ([]string, error)
}

// RideStore is the lifecycle worker's view of the rides and trips tables.
// Each method is one serializable transaction with a state-conditional
// WHERE guard, so concurrent retries cannot regress a ride's status.
type RideStore interface {
	// UpsertRequested (re)inserts the ride in REQUESTED state with the
	// assignment columns cleared. Idempotent.
	UpsertRequested(ctx context.Context, seed *model.RideSeed, region int) error

	// MarkAssigned moves REQUESTED → ASSIGNED for the given driver and
	// zeroes retries. Returns false when zero rows matched; the worker
	// treats that as a lost race.
	MarkAssigned(ctx context.Context, rideID, driverID string) (bool, error)

	// IncrementRetries bumps the match-poll counter while the ride is
	// still unassigned and REQUESTED.
	IncrementRetries(ctx context.Context, rideID string) error

	// Expire moves REQUESTED → EXPIRED while unassigned. Returns false
	// when the ride progressed concurrently.
	Expire(ctx context.Context, rideID string) (bool, error)

	// MarkEnRoute moves ASSIGNED → EN_ROUTE.
	MarkEnRoute(ctx context.Context, rideID string) error

	// Complete inserts the trip record (idempotent on ride_id), moves the
	// ride to COMPLETED, and returns the driver to AVAILABLE at the
	// dropoff, all in one transaction.
	Complete(ctx context.Context, trip *model.Trip, dropoff model.Location) error
}

// SeedStore feeds the replay scheduler from the cleaned historical table.
type SeedStore interface {
	ReadSeeds(ctx context.Context, limit int) ([]model.RideSeed, error)
}

// BusySet is the shared atomic set of held driver IDs (Redis in
// production, in-memory in tests).
type BusySet interface {
	TryAcquire(ctx context.Context, driverID string) (bool, error)
	Release(ctx context.Context, driverID string) error
	Members(ctx context.Context) ([]string, error)
}

// BaselineStore persists the throughput baseline outside process memory so
// multiple dashboard frontends compute consistent deltas.
type BaselineStore interface {
	// Baseline returns the last sampled completed count and timestamp.
	// ok is false when no baseline has been saved yet.
	Baseline(ctx context.Context) (completed int64, sampledAt time.Time, ok bool, err error)

	// SaveBaseline overwrites the baseline.
	SaveBaseline(ctx context.Context, completed int64, sampledAt time.Time) error
}
