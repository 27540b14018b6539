package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nkm-labs/dispatchsim/internal/model"
	"github.com/nkm-labs/dispatchsim/internal/repository"
	"github.com/nkm-labs/dispatchsim/pkg/db"
)

// RideProcessor is the replayer's view of the lifecycle worker.
type RideProcessor interface {
	ProcessRide(ctx context.Context, seed *model.RideSeed) (Outcome, error)
}

// Summary aggregates a replay run.
type Summary struct {
	Total     int
	Completed int
	Expired   int
	Failed    int
	Canceled  int
	Elapsed   time.Duration
	Txn       db.Stats
}

// Replayer reads ride seeds and drives each through a lifecycle worker,
// bounded by the configured concurrency.
type Replayer struct {
	seeds       repository.SeedStore
	worker      RideProcessor
	gw          *db.Gateway // retry diagnostics for the summary; may be nil
	concurrency int
}

// NewReplayer creates a replay scheduler.
func NewReplayer(seeds repository.SeedStore, worker RideProcessor, gw *db.Gateway, concurrency int) *Replayer {
	return &Replayer{
		seeds:       seeds,
		worker:      worker,
		gw:          gw,
		concurrency: concurrency,
	}
}

// Replay reads up to limit seeds ordered by pickup time and replays them
// through the worker pool. Worker failures are counted, never fatal to the
// run. A canceled ctx drains the pool: running workers finish their
// current state transition (releasing any held busy-set entry) and queued
// seeds are counted as canceled.
func (r *Replayer) Replay(ctx context.Context, limit int) (*Summary, error) {
	seeds, err := r.seeds.ReadSeeds(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("replay: read seeds: %w", err)
	}

	log.Printf("[replay] starting replay of %d rides (concurrency %d)", len(seeds), r.concurrency)
	start := time.Now()

	var completed, expired, failed, canceled atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(r.concurrency)

	for i := range seeds {
		seed := seeds[i]
		idx := i + 1

		if ctx.Err() != nil {
			canceled.Add(1)
			continue
		}

		g.Go(func() error {
			outcome, err := r.worker.ProcessRide(ctx, &seed)
			switch {
			case err == nil && outcome == OutcomeCompleted:
				completed.Add(1)
			case err == nil && outcome == OutcomeExpired:
				expired.Add(1)
			case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
				canceled.Add(1)
			default:
				failed.Add(1)
				log.Printf("[replay] worker %d ride %s failed: %v", idx, seed.RideID, err)
			}
			return nil
		})
	}

	// Workers never return errors; Wait only blocks for the drain.
	_ = g.Wait()

	summary := &Summary{
		Total:     len(seeds),
		Completed: int(completed.Load()),
		Expired:   int(expired.Load()),
		Failed:    int(failed.Load()),
		Canceled:  int(canceled.Load()),
		Elapsed:   time.Since(start),
	}
	if r.gw != nil {
		summary.Txn = r.gw.Stats()
	}

	log.Printf("[replay] done in %s: %d completed, %d expired, %d failed, %d canceled (txn retries=%d, success-after-retry=%d, exhausted=%d)",
		summary.Elapsed.Round(time.Millisecond),
		summary.Completed, summary.Expired, summary.Failed, summary.Canceled,
		summary.Txn.TotalRetries, summary.Txn.SuccessfulAfterRetry, summary.Txn.FailedAfterMaxRetries)

	return summary, nil
}
