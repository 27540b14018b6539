package service

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestWorker(rides *fakeRideStore, matcher RideMatcher, busy *fakeBusySet, maxWait time.Duration) *RideWorker {
	w := NewRideWorker(rides, matcher, busy, maxWait, 100000, time.Millisecond)
	w.pollMin, w.pollMax = time.Millisecond, 2*time.Millisecond
	return w
}

func TestProcessRide_HappyPath(t *testing.T) {
	rides := newFakeRideStore()
	busy := newFakeBusySet()
	busy.held["d1"] = true // the matcher acquired it before handing it over
	matcher := &scriptedMatcher{results: []matchResult{{driverID: "d1"}}}
	w := newTestWorker(rides, matcher, busy, time.Minute)

	seed := testSeed("ride-1")
	outcome, err := w.ProcessRide(context.Background(), seed)
	if err != nil {
		t.Fatalf("ProcessRide = %v, want nil", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want OutcomeCompleted", outcome)
	}

	if len(rides.upserts) != 1 || rides.upserts[0] != "ride-1" {
		t.Errorf("upserts = %v, want [ride-1]", rides.upserts)
	}
	if len(rides.assigned) != 1 || rides.assigned[0] != "ride-1:d1" {
		t.Errorf("assignments = %v, want [ride-1:d1]", rides.assigned)
	}
	if len(rides.enRoute) != 1 {
		t.Errorf("enRoute transitions = %v, want one", rides.enRoute)
	}
	if len(rides.completed) != 1 {
		t.Fatalf("completions = %d, want 1", len(rides.completed))
	}
	trip := rides.completed[0]
	if trip.RideID != "ride-1" || trip.DriverID != "d1" {
		t.Errorf("trip = %+v, want ride-1/d1", trip)
	}
	if trip.TotalAmount != Fare(trip.DistanceKm) {
		t.Errorf("trip fare = %v, want %v", trip.TotalAmount, Fare(trip.DistanceKm))
	}
	if !trip.EndTime.After(trip.StartTime) {
		t.Errorf("trip end %v not after start %v", trip.EndTime, trip.StartTime)
	}

	if busy.held["d1"] {
		t.Error("driver d1 still held after completion")
	}
	if len(busy.releases) != 1 {
		t.Errorf("releases = %v, want exactly one", busy.releases)
	}
}

func TestProcessRide_ExpiresWhenNoDriverAppears(t *testing.T) {
	rides := newFakeRideStore()
	matcher := &scriptedMatcher{} // always ErrNoDriverAvailable
	w := newTestWorker(rides, matcher, newFakeBusySet(), 20*time.Millisecond)

	outcome, err := w.ProcessRide(context.Background(), testSeed("ride-2"))
	if err != nil {
		t.Fatalf("ProcessRide = %v, want nil", err)
	}
	if outcome != OutcomeExpired {
		t.Fatalf("outcome = %v, want OutcomeExpired", outcome)
	}
	if len(rides.expired) != 1 || rides.expired[0] != "ride-2" {
		t.Errorf("expired = %v, want [ride-2]", rides.expired)
	}
	if rides.retryBumps == 0 {
		t.Error("retry counter never bumped during unsuccessful polls")
	}
	if len(rides.completed) != 0 {
		t.Errorf("completions = %d, want 0 for an expired ride", len(rides.completed))
	}
}

func TestProcessRide_LostAssignmentRaceReleasesAndRetries(t *testing.T) {
	rides := newFakeRideStore()
	rides.assignDeny = 1 // first assignment loses the race
	busy := newFakeBusySet()
	busy.held["d1"] = true
	matcher := &scriptedMatcher{results: []matchResult{
		{driverID: "d1"},
		{driverID: "d2"},
	}}
	w := newTestWorker(rides, matcher, busy, time.Minute)

	outcome, err := w.ProcessRide(context.Background(), testSeed("ride-3"))
	if err != nil {
		t.Fatalf("ProcessRide = %v, want nil", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want OutcomeCompleted", outcome)
	}
	if len(rides.assigned) != 1 || rides.assigned[0] != "ride-3:d2" {
		t.Errorf("assignments = %v, want [ride-3:d2]", rides.assigned)
	}
	// d1 released after the lost race, d2 released after completion.
	if len(busy.releases) != 2 || busy.releases[0] != "d1" || busy.releases[1] != "d2" {
		t.Errorf("releases = %v, want [d1 d2]", busy.releases)
	}
}

func TestProcessRide_CancelAfterAssignmentStillCompletes(t *testing.T) {
	rides := newFakeRideStore()
	busy := newFakeBusySet()
	busy.held["d1"] = true
	matcher := &scriptedMatcher{results: []matchResult{{driverID: "d1"}}}
	// 100ms simulated trip so the cancel reliably lands mid-sleep.
	w := NewRideWorker(rides, matcher, busy, time.Minute, 100000, 100*time.Millisecond)
	w.pollMin, w.pollMax = time.Millisecond, 2*time.Millisecond

	// Cancel lands during the simulated trip: the ride already holds a
	// driver, so the drain contract finishes it instead of abandoning it.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	outcome, err := w.ProcessRide(ctx, testSeed("ride-4"))
	if err != nil {
		t.Fatalf("ProcessRide = %v, want nil", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want OutcomeCompleted", outcome)
	}
	if len(rides.completed) != 1 {
		t.Errorf("completions = %d, want 1 despite cancellation", len(rides.completed))
	}
	if busy.held["d1"] {
		t.Error("driver d1 still held after drained completion")
	}
}

func TestProcessRide_CancelBeforeAssignmentStops(t *testing.T) {
	rides := newFakeRideStore()
	matcher := &scriptedMatcher{} // no driver ever
	w := newTestWorker(rides, matcher, newFakeBusySet(), time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.ProcessRide(ctx, testSeed("ride-5"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("ProcessRide = %v, want context.Canceled", err)
	}
	if len(rides.completed) != 0 || len(rides.expired) != 0 {
		t.Error("canceled unmatched ride must not complete or expire")
	}
}

func TestProcessRide_CompletionRetriesOnce(t *testing.T) {
	rides := newFakeRideStore()
	rides.completeErr = errors.New("transient store error")
	rides.completeFailures = 1
	busy := newFakeBusySet()
	busy.held["d1"] = true
	matcher := &scriptedMatcher{results: []matchResult{{driverID: "d1"}}}
	w := newTestWorker(rides, matcher, busy, time.Minute)

	outcome, err := w.ProcessRide(context.Background(), testSeed("ride-6"))
	if err != nil {
		t.Fatalf("ProcessRide = %v, want nil after completion retry", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("outcome = %v, want OutcomeCompleted", outcome)
	}
	if len(rides.completed) != 1 {
		t.Errorf("completions = %d, want 1", len(rides.completed))
	}
}

func TestProcessRide_CompletionExhaustedReturnsError(t *testing.T) {
	rides := newFakeRideStore()
	rides.completeErr = errors.New("store down")
	rides.completeFailures = completeAttempts
	busy := newFakeBusySet()
	busy.held["d1"] = true
	matcher := &scriptedMatcher{results: []matchResult{{driverID: "d1"}}}
	w := newTestWorker(rides, matcher, busy, time.Minute)

	_, err := w.ProcessRide(context.Background(), testSeed("ride-7"))
	if !errors.Is(err, rides.completeErr) {
		t.Fatalf("ProcessRide = %v, want the completion error", err)
	}
	// The busy-set entry stays held: startup reconciliation cleans it up,
	// the worker must not free a driver whose ride never committed.
	if !busy.held["d1"] {
		t.Error("driver d1 released despite failed completion")
	}
}

func TestSimulatedDuration_SpeedupAndFloor(t *testing.T) {
	w := NewRideWorker(newFakeRideStore(), &scriptedMatcher{}, newFakeBusySet(), time.Minute, 30, 3*time.Second)

	seed := testSeed("ride-8") // 20 real minutes
	if got, want := w.simulatedDuration(seed), 40*time.Second; got != want {
		t.Errorf("simulatedDuration(20m at 30x) = %v, want %v", got, want)
	}

	short := testSeed("ride-9")
	short.DropoffDatetime = short.PickupDatetime.Add(30 * time.Second) // 1s at 30x
	if got, want := w.simulatedDuration(short), 3*time.Second; got != want {
		t.Errorf("simulatedDuration floor = %v, want %v", got, want)
	}
}
