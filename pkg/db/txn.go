package db

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// SerializationFailureCode is the SQLSTATE the store uses to signal a
	// retryable serializable conflict (CockroachDB and PostgreSQL both use
	// 40001).
	SerializationFailureCode = "40001"

	// DefaultMaxRetries caps transaction attempts (the first attempt is
	// attempt 0).
	DefaultMaxRetries = 5

	// retryBackoffBase is doubled per attempt: 100ms, 200ms, 400ms, ...
	retryBackoffBase = 100 * time.Millisecond

	// retryBackoffJitter is the uniform random jitter added per sleep.
	retryBackoffJitter = 50 * time.Millisecond
)

// ─── Errors ─────────────────────────────────────────────────

// TxnError is returned when a transaction fails after exhausting its retry
// budget or hits a non-retryable error. It carries the original cause and
// the number of attempts made.
type TxnError struct {
	RideID   string
	Attempts int
	Err      error
}

func (e *TxnError) Error() string {
	return fmt.Sprintf("transaction failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *TxnError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is the store's well-known retryable
// serialization failure.
func IsRetryable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode
}

// ─── Diagnostics ────────────────────────────────────────────

// Stats is a snapshot of the gateway's process-wide retry counters.
// The counters are purely diagnostic; they never affect control flow.
type Stats struct {
	TotalRetries          int64         `json:"total_retries"`
	SuccessfulAfterRetry  int64         `json:"successful_after_retry"`
	FailedAfterMaxRetries int64         `json:"failed_after_max_retries"`
	ConflictsByAttempt    map[int]int64 `json:"conflicts_by_attempt"`
}

// ─── Gateway ────────────────────────────────────────────────

// RetryObserver receives a notification for every serializable conflict,
// with the ride the transaction was working for (empty when the caller has
// no ride in flight). The ride ID is passed explicitly; the gateway keeps
// no ambient "current ride" state.
type RetryObserver func(rideID string, attempt int)

// Gateway wraps the connection pool with the serializable transaction
// harness required by every dispatch state transition.
type Gateway struct {
	pool        *pgxpool.Pool
	maxRetries  int
	stmtTimeout time.Duration
	onRetry     RetryObserver

	mu    sync.Mutex
	stats Stats
}

// NewGateway creates a gateway over the given pool. maxRetries <= 0 falls
// back to DefaultMaxRetries. stmtTimeout, when positive, bounds each
// transaction attempt with a context deadline.
func NewGateway(pool *pgxpool.Pool, maxRetries int, stmtTimeout time.Duration) *Gateway {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Gateway{
		pool:        pool,
		maxRetries:  maxRetries,
		stmtTimeout: stmtTimeout,
		stats:       Stats{ConflictsByAttempt: make(map[int]int64)},
	}
}

// SetRetryObserver registers fn to be called on every serializable
// conflict. Must be called before the gateway is shared across goroutines.
func (g *Gateway) SetRetryObserver(fn RetryObserver) { g.onRetry = fn }

// Pool exposes the underlying pool for plain (non-transactional) reads.
func (g *Gateway) Pool() *pgxpool.Pool { return g.pool }

// WithConn acquires a single connection, runs fn, and releases the
// connection on every exit path. Used for autocommit reads and bulk DDL
// where the serializable harness is not needed.
func (g *Gateway) WithConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := g.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// RunTxn executes fn inside a SERIALIZABLE transaction with automatic
// retries on the store's retryable conflict code.
//
// Contract:
//   - On success the transaction is committed and nil is returned.
//   - On a 40001 conflict: rollback, sleep 100ms·2^attempt + U(0,50ms),
//     retry, up to the gateway's retry cap in total attempts.
//   - On a non-retryable error or an exhausted budget: rollback and return
//     a *TxnError carrying the cause and attempt count.
//   - fn must be idempotent under retry; it may run multiple times, each
//     with a fresh transaction. External side effects performed outside
//     the transaction are the caller's responsibility.
//
// rideID attributes conflicts to the ride being worked on (diagnostics
// only; pass "" when not ride-scoped).
func (g *Gateway) RunTxn(ctx context.Context, rideID string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	return g.runWithRetries(ctx, rideID, func(attemptCtx context.Context) error {
		tx, err := g.pool.BeginTx(attemptCtx, pgx.TxOptions{IsoLevel: pgx.Serializable})
		if err != nil {
			return fmt.Errorf("begin txn: %w", err)
		}
		// Rollback is a no-op once the transaction is committed.
		defer tx.Rollback(attemptCtx)

		if err := fn(attemptCtx, tx); err != nil {
			return err
		}
		return tx.Commit(attemptCtx)
	})
}

// runWithRetries is the retry core shared by RunTxn: it classifies errors,
// applies backoff, and maintains the diagnostic counters. Split out so the
// retry behavior is testable with injected failures.
func (g *Gateway) runWithRetries(ctx context.Context, rideID string, attempt func(ctx context.Context) error) error {
	var lastErr error

	for i := 0; i < g.maxRetries; i++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if g.stmtTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, g.stmtTimeout)
		}

		err := attempt(attemptCtx)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if i > 0 {
				g.mu.Lock()
				g.stats.SuccessfulAfterRetry++
				g.mu.Unlock()
			}
			return nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return &TxnError{RideID: rideID, Attempts: i + 1, Err: err}
		}

		g.mu.Lock()
		g.stats.TotalRetries++
		g.stats.ConflictsByAttempt[i]++
		g.mu.Unlock()

		if g.onRetry != nil {
			g.onRetry(rideID, i)
		}

		if i == g.maxRetries-1 {
			break
		}

		sleep := retryBackoff(i)
		log.Printf("[txn] retryable conflict (ride=%s attempt=%d), retrying in %s", rideID, i, sleep)

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return &TxnError{RideID: rideID, Attempts: i + 1, Err: ctx.Err()}
		}
	}

	g.mu.Lock()
	g.stats.FailedAfterMaxRetries++
	g.mu.Unlock()

	return &TxnError{RideID: rideID, Attempts: g.maxRetries, Err: lastErr}
}

// retryBackoff returns 100ms·2^attempt plus uniform jitter in [0, 50ms).
func retryBackoff(attempt int) time.Duration {
	backoff := retryBackoffBase << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(retryBackoffJitter)))
	return backoff + jitter
}

// Stats returns a snapshot of the retry counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Stats{
		TotalRetries:          g.stats.TotalRetries,
		SuccessfulAfterRetry:  g.stats.SuccessfulAfterRetry,
		FailedAfterMaxRetries: g.stats.FailedAfterMaxRetries,
		ConflictsByAttempt:    make(map[int]int64, len(g.stats.ConflictsByAttempt)),
	}
	for k, v := range g.stats.ConflictsByAttempt {
		snap.ConflictsByAttempt[k] = v
	}
	return snap
}

// ResetStats zeroes the retry counters.
func (g *Gateway) ResetStats() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stats = Stats{ConflictsByAttempt: make(map[int]int64)}
}
