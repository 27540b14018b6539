package service

import (
	"context"
	"sync"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/internal/repository"
)

// In-memory doubles for the store interfaces. Each fake is safe for
// concurrent use and records the calls the tests assert on.

// ─── Busy set ───────────────────────────────────────────────

type fakeBusySet struct {
	mu       sync.Mutex
	held     map[string]bool
	acquires []string
	releases []string

	acquireErr error

	// staleSnapshot makes Members report nothing held, simulating an
	// acquire racing in between the snapshot and the acquisition walk.
	staleSnapshot bool
}

func newFakeBusySet() *fakeBusySet {
	return &fakeBusySet{held: make(map[string]bool)}
}

func (b *fakeBusySet) TryAcquire(ctx context.Context, driverID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.acquireErr != nil {
		return false, b.acquireErr
	}
	if b.held[driverID] {
		return false, nil
	}
	b.held[driverID] = true
	b.acquires = append(b.acquires, driverID)
	return true, nil
}

func (b *fakeBusySet) Release(ctx context.Context, driverID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.held, driverID)
	b.releases = append(b.releases, driverID)
	return nil
}

func (b *fakeBusySet) Members(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.staleSnapshot {
		return nil, nil
	}
	members := make([]string, 0, len(b.held))
	for id := range b.held {
		members = append(members, id)
	}
	return members, nil
}

// ─── Driver store ───────────────────────────────────────────

type fakeDriverStore struct {
	mu         sync.Mutex
	candidates []model.Driver
	lastRegion int
	lastExclude []string

	acquired    []string
	acquireOK   bool
	acquireErr  error
	lastLatency float64
}

func newFakeDriverStore(candidates ...model.Driver) *fakeDriverStore {
	return &fakeDriverStore{candidates: candidates, acquireOK: true}
}

func (s *fakeDriverStore) AvailableCandidates(ctx context.Context, region int, exclude []string, limit int) ([]model.Driver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRegion = region
	s.lastExclude = append([]string(nil), exclude...)

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}
	var out []model.Driver
	for _, d := range s.candidates {
		if !excluded[d.DriverID] && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeDriverStore) AcquireForRide(ctx context.Context, driverID string, seed *model.RideSeed, matchLatencyMs float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	if !s.acquireOK {
		return false, nil
	}
	s.acquired = append(s.acquired, driverID)
	s.lastLatency = matchLatencyMs
	return true, nil
}

func (s *fakeDriverStore) BusyDriverIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

// ─── Ride store ─────────────────────────────────────────────

type fakeRideStore struct {
	mu sync.Mutex

	upserts    []string
	assigned   []string
	assignOK   bool
	assignErr  error
	assignDeny int // deny the first n MarkAssigned calls with false

	retryBumps int
	expired    []string
	expireOK   bool
	enRoute    []string
	enRouteErr error

	completed   []*model.Trip
	completeErr error
	completeFailures int // fail the first n Complete calls
}

func newFakeRideStore() *fakeRideStore {
	return &fakeRideStore{assignOK: true, expireOK: true}
}

func (s *fakeRideStore) UpsertRequested(ctx context.Context, seed *model.RideSeed, region int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, seed.RideID)
	return nil
}

func (s *fakeRideStore) MarkAssigned(ctx context.Context, rideID, driverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assignErr != nil {
		return false, s.assignErr
	}
	if s.assignDeny > 0 {
		s.assignDeny--
		return false, nil
	}
	if !s.assignOK {
		return false, nil
	}
	s.assigned = append(s.assigned, rideID+":"+driverID)
	return true, nil
}

func (s *fakeRideStore) IncrementRetries(ctx context.Context, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retryBumps++
	return nil
}

func (s *fakeRideStore) Expire(ctx context.Context, rideID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expireOK {
		return false, nil
	}
	s.expired = append(s.expired, rideID)
	return true, nil
}

func (s *fakeRideStore) MarkEnRoute(ctx context.Context, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enRouteErr != nil {
		return s.enRouteErr
	}
	s.enRoute = append(s.enRoute, rideID)
	return nil
}

func (s *fakeRideStore) Complete(ctx context.Context, trip *model.Trip, dropoff model.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeFailures > 0 {
		s.completeFailures--
		return s.completeErr
	}
	s.completed = append(s.completed, trip)
	return nil
}

// ─── Seed store ─────────────────────────────────────────────

type fakeSeedStore struct {
	seeds []model.RideSeed
	err   error
}

func (s *fakeSeedStore) ReadSeeds(ctx context.Context, limit int) ([]model.RideSeed, error) {
	if s.err != nil {
		return nil, s.err
	}
	if limit < len(s.seeds) {
		return s.seeds[:limit], nil
	}
	return s.seeds, nil
}

// ─── Matcher double ─────────────────────────────────────────

type scriptedMatcher struct {
	mu      sync.Mutex
	results []matchResult
	calls   int
}

type matchResult struct {
	driverID string
	err      error
}

func (m *scriptedMatcher) MatchRide(ctx context.Context, seed *model.RideSeed) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.results) == 0 {
		return "", ErrNoDriverAvailable
	}
	r := m.results[0]
	m.results = m.results[1:]
	return r.driverID, r.err
}

// ─── Metrics doubles ────────────────────────────────────────

type fakeCounts struct {
	counts *repository.Counts
	err    error
}

func (f *fakeCounts) Snapshot(ctx context.Context) (*repository.Counts, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts, nil
}

type memBaseline struct {
	completed int64
	sampledAt time.Time
	set       bool
	saves     int
}

func (b *memBaseline) Baseline(ctx context.Context) (int64, time.Time, bool, error) {
	return b.completed, b.sampledAt, b.set, nil
}

func (b *memBaseline) SaveBaseline(ctx context.Context, completed int64, sampledAt time.Time) error {
	b.completed, b.sampledAt, b.set = completed, sampledAt, true
	b.saves++
	return nil
}

// ─── Seed helper ────────────────────────────────────────────

func testSeed(rideID string) *model.RideSeed {
	pickup := time.Date(2025, 11, 29, 8, 0, 0, 0, time.UTC)
	return &model.RideSeed{
		RideID:          rideID,
		PickupDatetime:  pickup,
		DropoffDatetime: pickup.Add(20 * time.Minute),
		PassengerCount:  2,
		TripDistance:    3.2,
		Pickup:          model.Location{Lon: -73.98, Lat: 40.75},
		Dropoff:         model.Location{Lon: -73.96, Lat: 40.76},
		TotalAmount:     14.50,
	}
}
