package service

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/internal/repository"
	"github.com/nkm-labs/dispatchsim/pkg/geo"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// Match-loop poll interval bounds between unsuccessful attempts.
	matchPollMin = 800 * time.Millisecond
	matchPollMax = 1300 * time.Millisecond

	// completeAttempts is the at-least-once budget for the completion
	// transaction (each attempt already carries the gateway's own
	// serializable-conflict retries).
	completeAttempts = 2
)

// Outcome is the terminal state a worker drove its ride to.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeExpired
)

// RideMatcher is the worker's view of the matcher.
type RideMatcher interface {
	MatchRide(ctx context.Context, seed *model.RideSeed) (string, error)
}

// ─── RideWorker ─────────────────────────────────────────────

// RideWorker drives a single ride through its lifecycle:
//
//	REQUESTED ──match──► ASSIGNED ──► EN_ROUTE ──sleep──► COMPLETED
//	    │
//	    └─ timeout(MaxWait) ──► EXPIRED
//
// The state machine is strictly sequential per ride; concurrency exists
// only across rides. Every transition is guarded by a state-conditional
// update in the store, so a worker retry can never regress a ride.
type RideWorker struct {
	rides   repository.RideStore
	matcher RideMatcher
	busySet repository.BusySet

	maxWait        time.Duration
	speedup        float64
	minSimDuration time.Duration

	// Overridable in tests.
	pollMin, pollMax time.Duration
}

// NewRideWorker creates a worker with the given simulation knobs.
func NewRideWorker(
	rides repository.RideStore,
	matcher RideMatcher,
	busySet repository.BusySet,
	maxWait time.Duration,
	speedup float64,
	minSimDuration time.Duration,
) *RideWorker {
	return &RideWorker{
		rides:          rides,
		matcher:        matcher,
		busySet:        busySet,
		maxWait:        maxWait,
		speedup:        speedup,
		minSimDuration: minSimDuration,
		pollMin:        matchPollMin,
		pollMax:        matchPollMax,
	}
}

// ProcessRide replays one seed end to end and reports the terminal
// outcome. Cancellation lets the worker finish its current transition
// atomically and release any held busy-set entry before returning.
func (w *RideWorker) ProcessRide(ctx context.Context, seed *model.RideSeed) (Outcome, error) {
	region := geo.RegionOf(seed.Pickup)

	// ── Persist REQUESTED ───────────────────────────────
	if err := w.rides.UpsertRequested(ctx, seed, region); err != nil {
		return 0, err
	}
	log.Printf("[worker] ride %s REQUESTED", seed.RideID)

	// ── Match loop ──────────────────────────────────────
	driverID, outcome, err := w.matchLoop(ctx, seed)
	if err != nil {
		return 0, err
	}
	if outcome == OutcomeExpired {
		log.Printf("[worker] ride %s EXPIRED after %s", seed.RideID, w.maxWait)
		return OutcomeExpired, nil
	}
	log.Printf("[worker] ride %s ASSIGNED driver %s", seed.RideID, driverID)

	// From here the worker holds the driver's busy-set entry. A store
	// failure past this point leaves the ride in its last committed state
	// and leaks the entry until startup reconciliation (the crashed-worker
	// window).

	// ── EN_ROUTE ────────────────────────────────────────
	if err := w.rides.MarkEnRoute(ctx, seed.RideID); err != nil {
		return 0, err
	}

	simDuration := w.simulatedDuration(seed)
	log.Printf("[worker] ride %s EN_ROUTE (%.2fs simulated)", seed.RideID, simDuration.Seconds())

	// A cancel during the trip sleep skips ahead to completion: the drain
	// contract is to finish the current transition, not to abandon a ride
	// that already holds a driver.
	_ = sleepCtx(ctx, simDuration)

	// ── COMPLETE ────────────────────────────────────────
	// The completing transaction and the release run even when ctx was
	// canceled mid-trip.
	endCtx := context.WithoutCancel(ctx)

	trip := w.buildTrip(seed, driverID, simDuration)
	var completeErr error
	for attempt := 0; attempt < completeAttempts; attempt++ {
		if completeErr = w.rides.Complete(endCtx, trip, seed.Dropoff); completeErr == nil {
			break
		}
		log.Printf("[worker] ride %s completion attempt %d failed: %v", seed.RideID, attempt, completeErr)
	}
	if completeErr != nil {
		return 0, completeErr
	}

	// Release only after the AVAILABLE update has committed.
	if err := w.busySet.Release(endCtx, driverID); err != nil {
		log.Printf("[worker] release driver %s failed: %v", driverID, err)
	}

	log.Printf("[worker] ride %s COMPLETED (driver %s)", seed.RideID, driverID)
	return OutcomeCompleted, nil
}

// matchLoop polls the matcher until the ride is ASSIGNED or the wait
// budget runs out. Returns the assigned driver, or OutcomeExpired.
func (w *RideWorker) matchLoop(ctx context.Context, seed *model.RideSeed) (string, Outcome, error) {
	t0 := time.Now()

	for {
		driverID, err := w.matcher.MatchRide(ctx, seed)
		switch {
		case err == nil:
			assigned, aerr := w.rides.MarkAssigned(ctx, seed.RideID, driverID)
			if aerr != nil {
				// Driver not acquired after all: release and keep looping.
				w.releaseBusy(ctx, driverID)
				log.Printf("[worker] ride %s assign txn failed: %v", seed.RideID, aerr)
			} else if assigned {
				return driverID, OutcomeCompleted, nil
			} else {
				// Zero-row assignment: lost race with a concurrent
				// transition of the ride row.
				w.releaseBusy(ctx, driverID)
				log.Printf("[worker] ride %s lost assignment race for driver %s", seed.RideID, driverID)
			}

		case errors.Is(err, ErrNoDriverAvailable):
			if ierr := w.rides.IncrementRetries(ctx, seed.RideID); ierr != nil {
				log.Printf("[worker] ride %s retry bump failed: %v", seed.RideID, ierr)
			}

		case ctx.Err() != nil:
			return "", 0, ctx.Err()

		default:
			return "", 0, err
		}

		if time.Since(t0) >= w.maxWait {
			expired, eerr := w.rides.Expire(ctx, seed.RideID)
			if eerr != nil {
				return "", 0, eerr
			}
			if expired {
				return "", OutcomeExpired, nil
			}
			// The ride progressed while we were expiring; loop once more
			// to pick the assignment up.
			continue
		}

		if err := sleepCtx(ctx, randBetween(w.pollMin, w.pollMax)); err != nil {
			return "", 0, err
		}
	}
}

// simulatedDuration compresses the seed's real trip duration by the
// speedup factor, floored at the configured minimum.
func (w *RideWorker) simulatedDuration(seed *model.RideSeed) time.Duration {
	sim := time.Duration(float64(seed.RealDuration()) / w.speedup)
	if sim < w.minSimDuration {
		sim = w.minSimDuration
	}
	return sim
}

// buildTrip prices the simulated trip actually driven: great-circle
// distance pickup → dropoff, linear fare.
func (w *RideWorker) buildTrip(seed *model.RideSeed, driverID string, simDuration time.Duration) *model.Trip {
	distance := geo.HaversineKm(seed.Pickup, seed.Dropoff)
	return &model.Trip{
		RideID:      seed.RideID,
		DriverID:    driverID,
		StartTime:   seed.PickupDatetime,
		EndTime:     seed.PickupDatetime.Add(simDuration),
		TotalAmount: Fare(distance),
		DistanceKm:  distance,
	}
}

func (w *RideWorker) releaseBusy(ctx context.Context, driverID string) {
	if err := w.busySet.Release(context.WithoutCancel(ctx), driverID); err != nil {
		log.Printf("[worker] release driver %s failed: %v", driverID, err)
	}
}
