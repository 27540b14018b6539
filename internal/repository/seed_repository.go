package repository

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/pkg/db"
	"github.com/nkm-labs/dispatchsim/pkg/geo"
)

// SeedRepository owns the synthetic workload pipeline: bulk generation into
// the staging table, the staging → clean quality filter, driver seeding,
// and the seed reads consumed by the replayer.
type SeedRepository struct {
	gw *db.Gateway
}

// NewSeedRepository creates a repository backed by the given gateway.
func NewSeedRepository(gw *db.Gateway) *SeedRepository {
	return &SeedRepository{gw: gw}
}

// LoadSynthetic generates n synthetic rides into staging_nyc_raw, spread
// over a wide area and a bimodal rush-hour time distribution to avoid
// clustering hot ranges in the store. With clearExisting the staging table
// is wiped first.
func (r *SeedRepository) LoadSynthetic(ctx context.Context, n int, clearExisting bool) error {
	return r.gw.WithConn(ctx, func(conn *pgxpool.Conn) error {
		if clearExisting {
			log.Printf("[loader] clearing existing synthetic data")
			if _, err := conn.Exec(ctx, `DELETE FROM staging_nyc_raw`); err != nil {
				return fmt.Errorf("clear staging: %w", err)
			}
		}

		log.Printf("[loader] inserting %d synthetic rows", n)
		_, err := conn.Exec(ctx, `
			INSERT INTO staging_nyc_raw (
				vendor_id,
				pickup_datetime,
				dropoff_datetime,
				passenger_count,
				trip_distance,
				pickup_longitude,
				pickup_latitude,
				dropoff_longitude,
				dropoff_latitude,
				total_amount
			)
			SELECT
				'V' || (1 + floor(random()*3)::int) AS vendor_id,
				ts AS pickup_datetime,
				ts + (interval '5 minutes' + random() * interval '45 minutes') AS dropoff_datetime,
				1 + floor(random()*4)::int AS passenger_count,
				dist AS trip_distance,
				pickup_lon,
				pickup_lat,
				pickup_lon + (random() - 0.5) * 0.15 AS dropoff_lon,
				pickup_lat + (random() - 0.5) * 0.15 AS dropoff_lat,
				2.5 + dist * (1.5 + random()*2.0) + random()*5.0 AS total_amount
			FROM (
				SELECT
					CASE
						WHEN random() < 0.5 THEN
							'2025-11-29 08:00'::timestamp
							+ (row_number() OVER () * interval '10 seconds')
							+ (random() * interval '20 minutes')
						ELSE
							'2025-11-29 18:00'::timestamp
							+ (row_number() OVER () * interval '10 seconds')
							+ (random() * interval '20 minutes')
					END AS ts,
					-74.25 + random() * 0.5 AS pickup_lon,
					40.40 + random() * 0.4 AS pickup_lat,
					1.0 + random() * 49.0 AS dist
				FROM generate_series(1, $1::int)
			) AS synthetic
		`, n)
		if err != nil {
			return fmt.Errorf("load synthetic: %w", err)
		}
		return nil
	})
}

// CleanData copies staging rows that pass the quality and geographic
// filters into nyc_clean. Idempotent: re-cleaning skips rows already
// present.
func (r *SeedRepository) CleanData(ctx context.Context) error {
	return r.gw.WithConn(ctx, func(conn *pgxpool.Conn) error {
		log.Printf("[cleaner] filtering staging_nyc_raw into nyc_clean")
		_, err := conn.Exec(ctx, `
			INSERT INTO nyc_clean (
				ride_id,
				pickup_datetime,
				dropoff_datetime,
				passenger_count,
				trip_distance,
				pickup_lon,
				pickup_lat,
				dropoff_lon,
				dropoff_lat,
				total_amount
			)
			SELECT
				ride_id,
				pickup_datetime,
				dropoff_datetime,
				passenger_count,
				trip_distance,
				pickup_longitude,
				pickup_latitude,
				dropoff_longitude,
				dropoff_latitude,
				total_amount
			FROM staging_nyc_raw
			WHERE trip_distance > 0.5
			  AND total_amount > 3.0
			  AND pickup_longitude BETWEEN -74.3 AND -73.5
			  AND pickup_latitude  BETWEEN 40.3 AND 41.0
			ON CONFLICT (ride_id) DO NOTHING
		`)
		if err != nil {
			return fmt.Errorf("clean data: %w", err)
		}
		return nil
	})
}

// InitDrivers seeds n AVAILABLE drivers at coordinates sampled from the
// cleaned pickup locations, so the fleet starts where the demand is.
func (r *SeedRepository) InitDrivers(ctx context.Context, n int) error {
	var coords []model.Location

	err := r.gw.WithConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
			SELECT pickup_lon, pickup_lat
			FROM nyc_clean
			LIMIT $1
		`, n*5)
		if err != nil {
			return fmt.Errorf("read seed coordinates: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var loc model.Location
			if err := rows.Scan(&loc.Lon, &loc.Lat); err != nil {
				return fmt.Errorf("scan coordinate: %w", err)
			}
			coords = append(coords, loc)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	if len(coords) < n {
		log.Printf("[init-drivers] warning: only %d coordinates available for %d drivers", len(coords), n)
		n = len(coords)
	}
	rand.Shuffle(len(coords), func(i, j int) { coords[i], coords[j] = coords[j], coords[i] })

	return r.gw.WithConn(ctx, func(conn *pgxpool.Conn) error {
		for i := 0; i < n; i++ {
			loc := coords[i]
			_, err := conn.Exec(ctx, `
				INSERT INTO drivers (driver_id, name, current_lon, current_lat, status, region, last_updated)
				VALUES ($1, $2, $3, $4, 'AVAILABLE', $5, now())
			`, uuid.NewString(), fmt.Sprintf("Driver_%d", i+1), loc.Lon, loc.Lat, geo.RegionOf(loc))
			if err != nil {
				return fmt.Errorf("insert driver %d: %w", i+1, err)
			}
		}
		log.Printf("[init-drivers] seeded %d drivers", n)
		return nil
	})
}

// ReadSeeds returns up to limit historical trips from nyc_clean ordered by
// pickup time. This is the replay workload.
func (r *SeedRepository) ReadSeeds(ctx context.Context, limit int) ([]model.RideSeed, error) {
	rows, err := r.gw.Pool().Query(ctx, `
		SELECT ride_id, pickup_datetime, dropoff_datetime, passenger_count,
		       trip_distance, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, total_amount
		FROM nyc_clean
		ORDER BY pickup_datetime
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("read seeds: %w", err)
	}
	defer rows.Close()

	var seeds []model.RideSeed
	for rows.Next() {
		var s model.RideSeed
		if err := rows.Scan(
			&s.RideID, &s.PickupDatetime, &s.DropoffDatetime, &s.PassengerCount,
			&s.TripDistance,
			&s.Pickup.Lon, &s.Pickup.Lat,
			&s.Dropoff.Lon, &s.Dropoff.Lat,
			&s.TotalAmount,
		); err != nil {
			return nil, fmt.Errorf("scan seed: %w", err)
		}
		seeds = append(seeds, s)
	}
	return seeds, rows.Err()
}
