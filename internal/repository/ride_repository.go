package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/pkg/db"
)

// RideRepository owns the ride lifecycle transactions. Every transition is
// a serializable transaction with a state-conditional WHERE guard, so a
// retried or racing update can never move a ride backwards.
type RideRepository struct {
	gw *db.Gateway
}

// NewRideRepository creates a repository backed by the given gateway.
func NewRideRepository(gw *db.Gateway) *RideRepository {
	return &RideRepository{gw: gw}
}

// UpsertRequested (re)inserts the ride as REQUESTED with the assignment
// columns cleared. Replaying the same seed twice is safe: the conflict arm
// resets the row to its initial state.
func (r *RideRepository) UpsertRequested(ctx context.Context, seed *model.RideSeed, region int) error {
	return r.gw.RunTxn(ctx, seed.RideID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rides (
				ride_id, requested_at,
				pickup_lon, pickup_lat,
				dropoff_lon, dropoff_lat,
				passenger_count, region, status, retries
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'REQUESTED', 0)
			ON CONFLICT (ride_id) DO UPDATE
			SET status           = 'REQUESTED',
			    requested_at     = EXCLUDED.requested_at,
			    region           = EXCLUDED.region,
			    assigned_driver  = NULL,
			    assigned_at      = NULL,
			    match_latency_ms = NULL,
			    retries          = 0
		`,
			seed.RideID, seed.PickupDatetime,
			seed.Pickup.Lon, seed.Pickup.Lat,
			seed.Dropoff.Lon, seed.Dropoff.Lat,
			seed.PassengerCount, region,
		)
		if err != nil {
			return fmt.Errorf("upsert ride %s: %w", seed.RideID, err)
		}
		return nil
	})
}

// MarkAssigned moves REQUESTED → ASSIGNED for the given driver. A zero-row
// update means the assignment was lost to a concurrent transition (the
// matcher's stamp landed but the ride moved on, or never landed at all);
// the worker releases the driver and keeps matching.
func (r *RideRepository) MarkAssigned(ctx context.Context, rideID, driverID string) (bool, error) {
	var assigned bool
	err := r.gw.RunTxn(ctx, rideID, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rides
			SET status = 'ASSIGNED', retries = 0
			WHERE ride_id = $1
			  AND status = 'REQUESTED'
			  AND assigned_driver = $2
		`, rideID, driverID)
		if err != nil {
			return fmt.Errorf("mark ride %s assigned: %w", rideID, err)
		}
		assigned = tag.RowsAffected() > 0
		return nil
	})
	return assigned, err
}

// IncrementRetries bumps the unsuccessful-match counter. The guard makes
// the bump a no-op once the ride progressed, so it is idempotent under
// concurrent progress.
func (r *RideRepository) IncrementRetries(ctx context.Context, rideID string) error {
	return r.gw.RunTxn(ctx, rideID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE rides
			SET retries = retries + 1
			WHERE ride_id = $1
			  AND assigned_driver IS NULL
			  AND status = 'REQUESTED'
		`, rideID)
		if err != nil {
			return fmt.Errorf("increment retries for ride %s: %w", rideID, err)
		}
		return nil
	})
}

// Expire moves REQUESTED → EXPIRED while the ride is still unassigned.
// Returns false when the ride progressed concurrently and may not expire.
func (r *RideRepository) Expire(ctx context.Context, rideID string) (bool, error) {
	var expired bool
	err := r.gw.RunTxn(ctx, rideID, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE rides
			SET status = 'EXPIRED'
			WHERE ride_id = $1
			  AND assigned_driver IS NULL
			  AND status = 'REQUESTED'
		`, rideID)
		if err != nil {
			return fmt.Errorf("expire ride %s: %w", rideID, err)
		}
		expired = tag.RowsAffected() > 0
		return nil
	})
	return expired, err
}

// MarkEnRoute moves ASSIGNED → EN_ROUTE.
func (r *RideRepository) MarkEnRoute(ctx context.Context, rideID string) error {
	return r.gw.RunTxn(ctx, rideID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE rides
			SET status = 'EN_ROUTE'
			WHERE ride_id = $1 AND status = 'ASSIGNED'
		`, rideID)
		if err != nil {
			return fmt.Errorf("mark ride %s en_route: %w", rideID, err)
		}
		return nil
	})
}

// Complete finishes the ride in a single transaction: insert the trip
// record, mark the ride COMPLETED, and return the driver to AVAILABLE at
// the dropoff. The trip insert is ON CONFLICT DO NOTHING, so retrying the
// whole transaction (at-least-once completion) cannot duplicate the trip.
func (r *RideRepository) Complete(ctx context.Context, trip *model.Trip, dropoff model.Location) error {
	return r.gw.RunTxn(ctx, trip.RideID, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO trips (
				ride_id, driver_id, start_time, end_time,
				total_amount, distance
			)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ride_id) DO NOTHING
		`, trip.RideID, trip.DriverID, trip.StartTime, trip.EndTime, trip.TotalAmount, trip.DistanceKm)
		if err != nil {
			return fmt.Errorf("insert trip %s: %w", trip.RideID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE rides SET status = 'COMPLETED', retries = 0 WHERE ride_id = $1
		`, trip.RideID)
		if err != nil {
			return fmt.Errorf("complete ride %s: %w", trip.RideID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE drivers
			SET status = 'AVAILABLE',
			    current_lon = $2,
			    current_lat = $3,
			    last_updated = now()
			WHERE driver_id = $1
		`, trip.DriverID, dropoff.Lon, dropoff.Lat)
		if err != nil {
			return fmt.Errorf("free driver %s: %w", trip.DriverID, err)
		}
		return nil
	})
}

// Latest returns the most recently requested rides for the dashboard.
func (r *RideRepository) Latest(ctx context.Context, limit int) ([]model.Ride, error) {
	rows, err := r.gw.Pool().Query(ctx, `
		SELECT ride_id, requested_at,
		       pickup_lon, pickup_lat, dropoff_lon, dropoff_lat,
		       passenger_count, region,
		       assigned_driver, assigned_at, status, match_latency_ms, retries
		FROM rides
		ORDER BY requested_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query rides: %w", err)
	}
	defer rows.Close()

	var rides []model.Ride
	for rows.Next() {
		var ride model.Ride
		if err := rows.Scan(
			&ride.RideID, &ride.RequestedAt,
			&ride.Pickup.Lon, &ride.Pickup.Lat,
			&ride.Dropoff.Lon, &ride.Dropoff.Lat,
			&ride.PassengerCount, &ride.Region,
			&ride.AssignedDriver, &ride.AssignedAt,
			&ride.Status, &ride.MatchLatencyMs, &ride.Retries,
		); err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		rides = append(rides, ride)
	}
	return rides, rows.Err()
}
