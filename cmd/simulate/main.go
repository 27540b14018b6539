// Command simulate seeds the store with synthetic taxi trips and replays
// them through the dispatch engine:
//
//	load staging → clean → init drivers → reconcile busy set → replay
//
// SIGINT/SIGTERM cancels the run; in-flight rides drain (each worker
// finishes its current state transition and releases its driver) before
// the summary is printed.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nkm-labs/dispatchsim/config"
	"github.com/nkm-labs/dispatchsim/internal/repository"
	"github.com/nkm-labs/dispatchsim/internal/service"
	"github.com/nkm-labs/dispatchsim/pkg/cache"
	"github.com/nkm-labs/dispatchsim/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Connect to the store ────────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ store connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── Initialize layers ───────────────────────────────
	gw := db.NewGateway(pgPool, cfg.Simulation.TxnMaxRetries, cfg.Postgres.StatementTimeout)
	gw.SetRetryObserver(func(rideID string, attempt int) {
		log.Printf("[txn] ride %s serialization conflict, retrying (attempt %d)", rideID, attempt)
	})

	busySet := cache.NewBusySet(redisClient)
	driverRepo := repository.NewDriverRepository(gw)
	rideRepo := repository.NewRideRepository(gw)
	seedRepo := repository.NewSeedRepository(gw)

	// ── Seed pipeline ───────────────────────────────────
	log.Printf("[seed] loading %d synthetic trips", cfg.Simulation.SeedRows)
	if err := seedRepo.LoadSynthetic(ctx, cfg.Simulation.SeedRows, true); err != nil {
		log.Fatalf("load synthetic trips: %v", err)
	}
	if err := seedRepo.CleanData(ctx); err != nil {
		log.Fatalf("clean trip data: %v", err)
	}
	if err := seedRepo.InitDrivers(ctx, cfg.Simulation.DriverCount); err != nil {
		log.Fatalf("init drivers: %v", err)
	}

	// ── Reconcile the busy set with the store ───────────
	// After a crash the set can hold drivers whose rides never completed
	// (or miss drivers who are mid-ride). The store rows are the truth.
	busyIDs, err := driverRepo.BusyDriverIDs(ctx)
	if err != nil {
		log.Fatalf("read busy drivers: %v", err)
	}
	if err := busySet.ResetTo(ctx, busyIDs); err != nil {
		log.Fatalf("reconcile busy set: %v", err)
	}
	log.Printf("[seed] busy set reconciled to %d drivers", len(busyIDs))

	// ── Replay ──────────────────────────────────────────
	matcher := service.NewMatcher(driverRepo, busySet, cfg.Simulation.MaxNearestDrivers)
	worker := service.NewRideWorker(
		rideRepo, matcher, busySet,
		cfg.Simulation.MaxWait,
		cfg.Simulation.Speedup,
		cfg.Simulation.MinSimDuration,
	)
	replayer := service.NewReplayer(seedRepo, worker, gw, cfg.Simulation.MaxConcurrency)

	summary, err := replayer.Replay(ctx, cfg.Simulation.RideLimit)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
