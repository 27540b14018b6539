package service

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/nkm-labs/dispatchsim/internal/repository"
)

// ─── Metrics read-side ──────────────────────────────────────

// CountsSource provides the ride/trip/driver aggregates.
type CountsSource interface {
	Snapshot(ctx context.Context) (*repository.Counts, error)
}

// ConsistencyProbe reads the store's commit-latency metric when exposed.
type ConsistencyProbe interface {
	ConsistencyDelayMs(ctx context.Context) (float64, bool)
}

// Report is the /api/metrics response body. Field names match the
// dashboard's expectations.
type Report struct {
	TotalRides      int64   `json:"total_rides"`
	CompletedTrips  int64   `json:"completed_trips"`
	StateRequested  int64   `json:"state_requested"`
	StateEnRoute    int64   `json:"state_enroute"`
	ActiveMatchings int64   `json:"active_matchings"`
	AvgDistance     float64 `json:"avg_distance"`
	AvgAmount       float64 `json:"avg_amount"`
	CompletionRate  float64 `json:"completion_rate"`

	Throughput         float64  `json:"throughput"` // completed rides per minute
	AvgMatchLatencyMs  float64  `json:"avg_match_latency_ms"`
	ConsistencyDelayMs *float64 `json:"consistency_delay_ms"` // null when the store does not expose it

	TransactionRetries int64            `json:"transaction_retries"` // SUM(rides.retries)
	ConcurrentRetries  int64            `json:"concurrent_retries"`
	DriversByStatus    map[string]int64 `json:"drivers_by_status"`
}

// MetricsService computes the dashboard report. All state it needs across
// samples (the throughput baseline) is persisted externally, so any number
// of frontends can serve /api/metrics against the same store.
type MetricsService struct {
	counts   CountsSource
	baseline repository.BaselineStore
	probe    ConsistencyProbe

	now func() time.Time // injectable clock for tests
}

// NewMetricsService wires the metrics read-side. probe may be nil when the
// store exposes no latency metric.
func NewMetricsService(counts CountsSource, baseline repository.BaselineStore, probe ConsistencyProbe) *MetricsService {
	return &MetricsService{
		counts:   counts,
		baseline: baseline,
		probe:    probe,
		now:      time.Now,
	}
}

// Snapshot builds a full metrics report.
func (s *MetricsService) Snapshot(ctx context.Context) (*Report, error) {
	counts, err := s.counts.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		TotalRides:         counts.TotalRides,
		CompletedTrips:     counts.Completed,
		StateRequested:     counts.Requested,
		StateEnRoute:       counts.EnRoute,
		ActiveMatchings:    counts.EnRoute,
		AvgDistance:        counts.AvgDistanceKm,
		AvgAmount:          counts.AvgAmount,
		AvgMatchLatencyMs:  round2(counts.AvgMatchLatencyMs),
		TransactionRetries: counts.RetrySum,
		ConcurrentRetries:  counts.ConcurrentRetries,
		DriversByStatus:    counts.DriversByStatus,
	}
	if counts.TotalRides > 0 {
		report.CompletionRate = round2(float64(counts.Completed) / float64(counts.TotalRides) * 100)
	}

	report.Throughput = s.throughput(ctx, counts.Completed)

	if s.probe != nil {
		if delay, ok := s.probe.ConsistencyDelayMs(ctx); ok {
			d := round2(delay)
			report.ConsistencyDelayMs = &d
		}
	}

	return report, nil
}

// throughput computes completed rides per minute from the delta against
// the externally persisted baseline.
//
// Rules:
//   - no baseline yet → save (completed, now), report 0
//   - completed < baseline → the rides table was truncated: reset the
//     baseline to (completed, now) and report 0
//   - delta == 0 → report 0 and leave the baseline alone, so quiescent
//     samples don't decay the rate window
//   - delta > 0 → advance the baseline and report delta/Δt · 60
//
// Baseline errors degrade to 0: the metrics endpoint is best-effort.
func (s *MetricsService) throughput(ctx context.Context, completedNow int64) float64 {
	now := s.now()

	last, lastAt, ok, err := s.baseline.Baseline(ctx)
	if err != nil {
		log.Printf("[metrics] baseline read failed: %v", err)
		return 0
	}

	if !ok || completedNow < last {
		if err := s.baseline.SaveBaseline(ctx, completedNow, now); err != nil {
			log.Printf("[metrics] baseline reset failed: %v", err)
		}
		return 0
	}

	delta := completedNow - last
	elapsed := now.Sub(lastAt).Seconds()
	if delta <= 0 || elapsed <= 0 {
		return 0
	}

	if err := s.baseline.SaveBaseline(ctx, completedNow, now); err != nil {
		log.Printf("[metrics] baseline advance failed: %v", err)
	}
	return round2(float64(delta) / elapsed * 60)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
