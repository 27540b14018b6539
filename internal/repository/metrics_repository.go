package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nkm-labs/dispatchsim/pkg/db"
)

// MetricsRepository provides the stateless aggregations behind the
// dashboard metrics endpoint, plus the externally persisted throughput
// baseline. The baseline lives in Redis (not process memory) so multiple
// dashboard frontends compute consistent deltas.
type MetricsRepository struct {
	gw    *db.Gateway
	redis *redis.Client
}

// NewMetricsRepository creates a repository over the store and Redis.
func NewMetricsRepository(gw *db.Gateway, redisClient *redis.Client) *MetricsRepository {
	return &MetricsRepository{gw: gw, redis: redisClient}
}

// ─── Aggregations ───────────────────────────────────────────

// Counts is a single snapshot of the ride/trip aggregates.
type Counts struct {
	TotalRides        int64
	Completed         int64
	Requested         int64 // actively pending: REQUESTED and unassigned
	EnRoute           int64
	AvgDistanceKm     float64
	AvgAmount         float64
	RetrySum          int64
	ConcurrentRetries int64 // rides currently retrying (retries>0, still REQUESTED)
	AvgMatchLatencyMs float64
	DriversByStatus   map[string]int64
}

// Snapshot reads all dashboard aggregates in one round of queries.
func (r *MetricsRepository) Snapshot(ctx context.Context) (*Counts, error) {
	c := &Counts{DriversByStatus: make(map[string]int64)}

	var avgDist, avgAmt, avgLatency *float64
	err := r.gw.Pool().QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rides),
			(SELECT COUNT(*) FROM rides WHERE status = 'COMPLETED'),
			(SELECT COUNT(*) FROM rides WHERE status = 'REQUESTED' AND assigned_driver IS NULL),
			(SELECT COUNT(*) FROM rides WHERE status = 'EN_ROUTE'),
			(SELECT AVG(distance) FROM trips),
			(SELECT AVG(total_amount) FROM trips),
			(SELECT COALESCE(SUM(retries), 0) FROM rides),
			(SELECT COUNT(*) FROM rides WHERE retries > 0 AND status = 'REQUESTED'),
			(SELECT AVG(match_latency_ms) FROM rides WHERE match_latency_ms IS NOT NULL)
	`).Scan(
		&c.TotalRides, &c.Completed, &c.Requested, &c.EnRoute,
		&avgDist, &avgAmt, &c.RetrySum, &c.ConcurrentRetries, &avgLatency,
	)
	if err != nil {
		return nil, fmt.Errorf("metrics snapshot: %w", err)
	}
	if avgDist != nil {
		c.AvgDistanceKm = *avgDist
	}
	if avgAmt != nil {
		c.AvgAmount = *avgAmt
	}
	if avgLatency != nil {
		c.AvgMatchLatencyMs = *avgLatency
	}

	rows, err := r.gw.Pool().Query(ctx, `SELECT status, COUNT(*) FROM drivers GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("driver histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan driver histogram: %w", err)
		}
		c.DriversByStatus[status] = count
	}
	return c, rows.Err()
}

// ─── Throughput baseline (Redis) ────────────────────────────

const (
	baselineCompletedKey = "metrics:last_completed"
	baselineTimeKey      = "metrics:last_sample_ts"
)

// Baseline returns the persisted throughput baseline. ok is false when no
// baseline exists yet (fresh deployment or explicit reset).
func (r *MetricsRepository) Baseline(ctx context.Context) (int64, time.Time, bool, error) {
	completedStr, err := r.redis.Get(ctx, baselineCompletedKey).Result()
	if err == redis.Nil {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("baseline: get completed: %w", err)
	}

	tsStr, err := r.redis.Get(ctx, baselineTimeKey).Result()
	if err == redis.Nil {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("baseline: get timestamp: %w", err)
	}

	completed, err := strconv.ParseInt(completedStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("baseline: parse completed %q: %w", completedStr, err)
	}
	tsUnix, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, false, fmt.Errorf("baseline: parse timestamp %q: %w", tsStr, err)
	}
	return completed, time.UnixMilli(tsUnix), true, nil
}

// SaveBaseline overwrites the throughput baseline.
func (r *MetricsRepository) SaveBaseline(ctx context.Context, completed int64, sampledAt time.Time) error {
	pipe := r.redis.TxPipeline()
	pipe.Set(ctx, baselineCompletedKey, strconv.FormatInt(completed, 10), 0)
	pipe.Set(ctx, baselineTimeKey, strconv.FormatInt(sampledAt.UnixMilli(), 10), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("baseline: save: %w", err)
	}
	return nil
}

// ─── Cluster overview (CockroachDB) ─────────────────────────

// ClusterOverview summarizes store cluster health from crdb_internal.
// All fields are zero when the store is not CockroachDB.
type ClusterOverview struct {
	Nodes struct {
		Total    int64 `json:"total"`
		Live     int64 `json:"live"`
		Suspect  int64 `json:"suspect"`
		Draining int64 `json:"draining"`
		Dead     int64 `json:"dead"`
	} `json:"nodes"`
	Replication struct {
		TotalRanges           int64 `json:"total_ranges"`
		UnderReplicatedRanges int64 `json:"under_replicated_ranges"`
		UnavailableRanges     int64 `json:"unavailable_ranges"`
	} `json:"replication"`
}

// scalar runs a single-value query, returning def on any error. Cluster
// introspection is best-effort: a plain Postgres store has no
// crdb_internal schema.
func (r *MetricsRepository) scalar(ctx context.Context, query string, def int64) int64 {
	var v *int64
	if err := r.gw.Pool().QueryRow(ctx, query).Scan(&v); err != nil || v == nil {
		return def
	}
	return *v
}

// ClusterOverviewSnapshot reads node liveness and replication health from
// crdb_internal.
func (r *MetricsRepository) ClusterOverviewSnapshot(ctx context.Context) *ClusterOverview {
	o := &ClusterOverview{}

	o.Nodes.Total = r.scalar(ctx, `SELECT count(*) FROM crdb_internal.gossip_nodes`, 0)
	o.Nodes.Live = r.scalar(ctx, `SELECT count(*) FROM crdb_internal.gossip_nodes WHERE is_live`, 0)
	if dead := o.Nodes.Total - o.Nodes.Live; dead > 0 {
		o.Nodes.Dead = dead
	}
	o.Nodes.Draining = r.scalar(ctx, `
		SELECT count(*) FROM crdb_internal.node_runtime_info WHERE draining
	`, 0)

	o.Replication.TotalRanges = r.scalar(ctx, `SELECT count(*) FROM crdb_internal.ranges`, 0)
	o.Replication.UnderReplicatedRanges = r.scalar(ctx, `
		SELECT COALESCE(sum((metrics->>'ranges.underreplicated')::DECIMAL), 0)::INT
		FROM crdb_internal.kv_store_status
	`, 0)
	o.Replication.UnavailableRanges = r.scalar(ctx, `
		SELECT COALESCE(sum((metrics->>'ranges.unavailable')::DECIMAL), 0)::INT
		FROM crdb_internal.kv_store_status
	`, 0)

	return o
}

// ConsistencyDelayMs reads the store's per-node commit latency metric.
// Returns (0, false) when the store does not expose it.
func (r *MetricsRepository) ConsistencyDelayMs(ctx context.Context) (float64, bool) {
	var v *float64
	err := r.gw.Pool().QueryRow(ctx, `
		SELECT avg((metrics->>'txn.durations-p50')::DECIMAL) / 1e6
		FROM crdb_internal.kv_store_status
	`).Scan(&v)
	if err != nil || v == nil {
		return 0, false
	}
	return *v, true
}
