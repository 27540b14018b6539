package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/pkg/db"
)

// DriverRepository provides store access for driver acquisition and the
// dashboard driver listing.
type DriverRepository struct {
	gw *db.Gateway
}

// NewDriverRepository creates a repository backed by the given gateway.
func NewDriverRepository(gw *db.Gateway) *DriverRepository {
	return &DriverRepository{gw: gw}
}

const driverColumns = `driver_id, name, current_lon, current_lat, status, region, last_updated`

// AvailableCandidates returns up to limit AVAILABLE drivers in the region,
// randomly ordered, excluding IDs already held in the busy set. The random
// order spreads concurrent matchers across the fleet; proximity ranking
// happens in the service layer. When the region holds no candidates the
// query falls back to all regions so a ride on a region border is not
// starved.
func (r *DriverRepository) AvailableCandidates(
	ctx context.Context,
	region int,
	exclude []string,
	limit int,
) ([]model.Driver, error) {
	if exclude == nil {
		exclude = []string{}
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM drivers
		WHERE status = 'AVAILABLE'
		  AND region = $1
		  AND NOT (driver_id = ANY($2))
		ORDER BY random()
		LIMIT $3
	`, driverColumns)

	drivers, err := r.queryDrivers(ctx, query, region, exclude, limit)
	if err != nil {
		return nil, err
	}
	if len(drivers) > 0 {
		return drivers, nil
	}

	// Region fallback.
	query = fmt.Sprintf(`
		SELECT %s
		FROM drivers
		WHERE status = 'AVAILABLE'
		  AND NOT (driver_id = ANY($1))
		ORDER BY random()
		LIMIT $2
	`, driverColumns)

	return r.queryDrivers(ctx, query, exclude, limit)
}

func (r *DriverRepository) queryDrivers(ctx context.Context, query string, args ...any) ([]model.Driver, error) {
	rows, err := r.gw.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query drivers: %w", err)
	}
	defer rows.Close()

	var drivers []model.Driver
	for rows.Next() {
		var d model.Driver
		if err := rows.Scan(
			&d.DriverID, &d.Name,
			&d.Position.Lon, &d.Position.Lat,
			&d.Status, &d.Region, &d.LastUpdated,
		); err != nil {
			return nil, fmt.Errorf("scan driver: %w", err)
		}
		drivers = append(drivers, d)
	}
	return drivers, rows.Err()
}

// AcquireForRide runs the serializable matching transaction.
//
// Inside one transaction:
//  1. Re-read the driver with SELECT ... FOR UPDATE. The row lock
//     serializes concurrent AVAILABLE→MATCHING attempts; the busy-set
//     check that happened before this call is only a prefilter.
//  2. If the driver is no longer AVAILABLE, the acquisition lost the race:
//     commit nothing and return false.
//  3. Move the driver to MATCHING at the pickup position.
//  4. Stamp the ride row (assigned_driver, assigned_at, match_latency_ms,
//     retries=0) guarded by status='REQUESTED'. A zero-row update here is
//     not an error: the ride progressed concurrently and the worker will
//     detect the lost race at its ASSIGNED transition.
//
// The closure is idempotent: every retry re-reads the driver under a fresh
// lock before writing.
func (r *DriverRepository) AcquireForRide(
	ctx context.Context,
	driverID string,
	seed *model.RideSeed,
	matchLatencyMs float64,
) (bool, error) {
	acquired := false

	err := r.gw.RunTxn(ctx, seed.RideID, func(ctx context.Context, tx pgx.Tx) error {
		acquired = false

		var status model.DriverStatus
		err := tx.QueryRow(ctx, `
			SELECT status FROM drivers WHERE driver_id = $1 FOR UPDATE
		`, driverID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock driver %s: %w", driverID, err)
		}

		if status != model.DriverAvailable {
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE drivers
			SET status = 'MATCHING',
			    current_lon = $2,
			    current_lat = $3,
			    last_updated = now()
			WHERE driver_id = $1
		`, driverID, seed.Pickup.Lon, seed.Pickup.Lat)
		if err != nil {
			return fmt.Errorf("mark driver %s matching: %w", driverID, err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE rides
			SET assigned_driver = $2,
			    assigned_at     = now(),
			    match_latency_ms = $3,
			    retries         = 0
			WHERE ride_id = $1 AND status = 'REQUESTED'
		`, seed.RideID, driverID, matchLatencyMs)
		if err != nil {
			return fmt.Errorf("assign ride %s: %w", seed.RideID, err)
		}

		acquired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return acquired, nil
}

// BusyDriverIDs returns the IDs of drivers whose status is not AVAILABLE.
// This is the authoritative source for busy-set reconciliation at startup.
func (r *DriverRepository) BusyDriverIDs(ctx context.Context) ([]string, error) {
	rows, err := r.gw.Pool().Query(ctx, `
		SELECT driver_id FROM drivers WHERE status <> 'AVAILABLE'
	`)
	if err != nil {
		return nil, fmt.Errorf("query busy drivers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan busy driver: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Latest returns the most recently updated drivers for the dashboard.
func (r *DriverRepository) Latest(ctx context.Context, limit int) ([]model.Driver, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM drivers
		ORDER BY last_updated DESC
		LIMIT $1
	`, driverColumns)
	return r.queryDrivers(ctx, query, limit)
}
