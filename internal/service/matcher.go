// Package service contains the dispatch engine: nearest-driver matching,
// the per-ride lifecycle worker, the replay scheduler, and the metrics
// read-side.
package service

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"sort"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/internal/repository"
	"github.com/nkm-labs/dispatchsim/pkg/geo"
)

// ─── Errors ─────────────────────────────────────────────────

var (
	// ErrNoDriverAvailable means this match attempt found no driver to
	// acquire; the worker's match loop retries or times out.
	ErrNoDriverAvailable = errors.New("no driver available for ride")
)

// ─── Constants ──────────────────────────────────────────────

const (
	// CandidateLimit caps the AVAILABLE-driver read per match attempt.
	CandidateLimit = 50

	// Pre-matching delay bounds: simulates matching work and staggers
	// contention between concurrent workers. Applied outside any
	// transaction.
	preMatchDelayMin = 100 * time.Millisecond
	preMatchDelayMax = 300 * time.Millisecond
)

// ─── Matcher ────────────────────────────────────────────────

// Matcher implements nearest-driver matching with two-level mutual
// exclusion: the shared busy-set is the cheap atomic prefilter that
// collapses the contention window, and the row lock inside the store
// transaction is the correctness anchor. Eliminating either level reopens
// a race the other one was masking.
type Matcher struct {
	drivers repository.DriverStore
	busySet repository.BusySet

	maxNearest int

	// Overridable in tests to keep match attempts fast.
	delayMin, delayMax time.Duration
}

// NewMatcher creates a matcher. maxNearest is the top-K cut after
// proximity ranking.
func NewMatcher(drivers repository.DriverStore, busySet repository.BusySet, maxNearest int) *Matcher {
	return &Matcher{
		drivers:    drivers,
		busySet:    busySet,
		maxNearest: maxNearest,
		delayMin:   preMatchDelayMin,
		delayMax:   preMatchDelayMax,
	}
}

// MatchRide tries to match the ride to one AVAILABLE driver and returns
// the acquired driver's ID, or ErrNoDriverAvailable when this attempt
// found nobody. On success the driver is MATCHING in the store, the ride
// row carries the assignment stamp, and the driver's busy-set entry is
// held; the caller owns its release from here on.
//
// Flow:
//  1. Random pre-match delay (outside any transaction).
//  2. Snapshot the busy-set and read up to CandidateLimit AVAILABLE
//     drivers in the pickup region, excluding busy ones (plain read).
//  3. Rank by great-circle distance to the pickup, keep the top K.
//     Equal distances preserve scan order (stable sort).
//  4. Walk the ranked list calling TryAcquire; the first win is the
//     acquired candidate.
//  5. Run the serializable acquisition transaction. Any failure, lost
//     race or error, releases the busy-set entry before returning.
func (m *Matcher) MatchRide(ctx context.Context, seed *model.RideSeed) (string, error) {
	matchStart := time.Now()

	if err := sleepCtx(ctx, randBetween(m.delayMin, m.delayMax)); err != nil {
		return "", err
	}

	// Busy-set snapshot is a best-effort exclusion filter; if the cache is
	// down we fall through to an unfiltered read and let TryAcquire (which
	// will also fail closed) protect the invariant.
	busy, err := m.busySet.Members(ctx)
	if err != nil {
		log.Printf("[match] busy-set snapshot failed, proceeding unfiltered: %v", err)
		busy = nil
	}

	region := geo.RegionOf(seed.Pickup)
	candidates, err := m.drivers.AvailableCandidates(ctx, region, busy, CandidateLimit)
	if err != nil {
		return "", err
	}
	if len(candidates) == 0 {
		return "", ErrNoDriverAvailable
	}

	// Rank by proximity to the pickup; stable so equal distances keep the
	// randomized scan order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return geo.HaversineKm(seed.Pickup, candidates[i].Position) <
			geo.HaversineKm(seed.Pickup, candidates[j].Position)
	})
	if len(candidates) > m.maxNearest {
		candidates = candidates[:m.maxNearest]
	}

	for i := range candidates {
		driverID := candidates[i].DriverID

		ok, err := m.busySet.TryAcquire(ctx, driverID)
		if err != nil {
			// Busy-set unavailable: treat as not acquired and move on.
			log.Printf("[match] busy-set acquire failed for driver %s: %v", driverID, err)
			continue
		}
		if !ok {
			continue
		}

		latencyMs := float64(time.Since(matchStart).Microseconds()) / 1000.0

		acquired, err := m.drivers.AcquireForRide(ctx, driverID, seed, latencyMs)
		if err != nil {
			m.release(ctx, driverID)
			return "", err
		}
		if !acquired {
			// Lost the race at the row lock: the store says the driver is
			// no longer AVAILABLE.
			m.release(ctx, driverID)
			return "", ErrNoDriverAvailable
		}

		return driverID, nil
	}

	return "", ErrNoDriverAvailable
}

// release drops the busy-set entry; failures are logged, not propagated.
// Reconciliation at startup cleans up anything missed.
func (m *Matcher) release(ctx context.Context, driverID string) {
	if err := m.busySet.Release(ctx, driverID); err != nil {
		log.Printf("[match] release driver %s failed: %v", driverID, err)
	}
}

// ─── Helpers ────────────────────────────────────────────────

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// randBetween returns a uniform random duration in [min, max).
func randBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
