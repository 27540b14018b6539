package service

import (
	"context"
	"errors"
	"testing"

	"github.com/nkm-labs/dispatchsim/internal/model"
)

func driverAt(id string, lon, lat float64) model.Driver {
	return model.Driver{
		DriverID: id,
		Name:     "Driver " + id,
		Position: model.Location{Lon: lon, Lat: lat},
		Status:   model.DriverAvailable,
	}
}

func newTestMatcher(drivers *fakeDriverStore, busy *fakeBusySet, maxNearest int) *Matcher {
	m := NewMatcher(drivers, busy, maxNearest)
	m.delayMin, m.delayMax = 0, 0
	return m
}

func TestMatchRide_PicksNearestDriver(t *testing.T) {
	seed := testSeed("ride-1") // pickup at (-73.98, 40.75)
	drivers := newFakeDriverStore(
		driverAt("far", -73.80, 40.60),
		driverAt("near", -73.979, 40.751),
		driverAt("mid", -73.93, 40.72),
	)
	busy := newFakeBusySet()
	m := newTestMatcher(drivers, busy, 5)

	got, err := m.MatchRide(context.Background(), seed)
	if err != nil {
		t.Fatalf("MatchRide = %v, want nil", err)
	}
	if got != "near" {
		t.Errorf("matched driver = %q, want %q", got, "near")
	}
	if len(drivers.acquired) != 1 || drivers.acquired[0] != "near" {
		t.Errorf("store acquisitions = %v, want [near]", drivers.acquired)
	}
	if drivers.lastLatency < 0 {
		t.Errorf("match latency = %v, want >= 0", drivers.lastLatency)
	}
}

func TestMatchRide_HeldDriversAreExcluded(t *testing.T) {
	seed := testSeed("ride-2")
	drivers := newFakeDriverStore(
		driverAt("a", -73.979, 40.751),
		driverAt("b", -73.95, 40.74),
	)
	busy := newFakeBusySet()
	if ok, _ := busy.TryAcquire(context.Background(), "a"); !ok {
		t.Fatal("setup: could not pre-hold driver a")
	}
	m := newTestMatcher(drivers, busy, 5)

	got, err := m.MatchRide(context.Background(), seed)
	if err != nil {
		t.Fatalf("MatchRide = %v, want nil", err)
	}
	if got != "b" {
		t.Errorf("matched driver = %q, want %q (a is held)", got, "b")
	}
	if len(drivers.lastExclude) != 1 || drivers.lastExclude[0] != "a" {
		t.Errorf("exclude list = %v, want [a]", drivers.lastExclude)
	}
}

func TestMatchRide_NoCandidates(t *testing.T) {
	m := newTestMatcher(newFakeDriverStore(), newFakeBusySet(), 5)

	_, err := m.MatchRide(context.Background(), testSeed("ride-3"))
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Errorf("MatchRide = %v, want ErrNoDriverAvailable", err)
	}
}

func TestMatchRide_TopKCutLimitsAcquisitionWalk(t *testing.T) {
	seed := testSeed("ride-4")
	drivers := newFakeDriverStore(
		driverAt("near", -73.979, 40.751),
		driverAt("far", -73.80, 40.60),
	)
	// The nearest driver is held, but a stale snapshot lets it through the
	// exclusion filter; the top-1 cut then drops the farther driver, so the
	// acquisition walk has nobody left to win.
	busy := newFakeBusySet()
	busy.held["near"] = true
	busy.staleSnapshot = true
	m := newTestMatcher(drivers, busy, 1)

	_, err := m.MatchRide(context.Background(), seed)
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("MatchRide = %v, want ErrNoDriverAvailable (top-1 cut lost its only candidate)", err)
	}
	if len(drivers.acquired) != 0 {
		t.Errorf("store acquisitions = %v, want none past the top-K cut", drivers.acquired)
	}
}

func TestMatchRide_LostRowRaceReleasesDriver(t *testing.T) {
	seed := testSeed("ride-5")
	drivers := newFakeDriverStore(driverAt("d1", -73.979, 40.751))
	drivers.acquireOK = false // row lock says the driver is no longer AVAILABLE
	busy := newFakeBusySet()
	m := newTestMatcher(drivers, busy, 5)

	_, err := m.MatchRide(context.Background(), seed)
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("MatchRide = %v, want ErrNoDriverAvailable", err)
	}
	if len(busy.releases) != 1 || busy.releases[0] != "d1" {
		t.Errorf("releases = %v, want [d1] after lost row race", busy.releases)
	}
	if busy.held["d1"] {
		t.Error("driver d1 still held after lost row race")
	}
}

func TestMatchRide_StoreErrorReleasesDriver(t *testing.T) {
	seed := testSeed("ride-6")
	drivers := newFakeDriverStore(driverAt("d1", -73.979, 40.751))
	drivers.acquireErr = errors.New("store down")
	busy := newFakeBusySet()
	m := newTestMatcher(drivers, busy, 5)

	_, err := m.MatchRide(context.Background(), seed)
	if err == nil || errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("MatchRide = %v, want the store error", err)
	}
	if busy.held["d1"] {
		t.Error("driver d1 still held after store error")
	}
}

func TestMatchRide_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := newTestMatcher(newFakeDriverStore(driverAt("d1", -73.979, 40.751)), newFakeBusySet(), 5)

	_, err := m.MatchRide(ctx, testSeed("ride-7"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("MatchRide = %v, want context.Canceled", err)
	}
}
