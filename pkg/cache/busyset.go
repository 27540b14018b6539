package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// BusySetKey is the Redis set holding the IDs of drivers currently held by
// a live matcher or an active ride.
const BusySetKey = "busy_drivers"

// BusySet is the process-external set of busy driver IDs. It is the cheap
// prefilter in front of the store's row lock: TryAcquire collapses the
// contention window before any database work begins, and the row lock
// inside the matching transaction remains the correctness anchor.
//
// Entries have no TTL. A worker that crashes between TryAcquire and its
// store update leaks the entry until ResetTo reconciles against the store
// at the next startup.
type BusySet struct {
	client *redis.Client
	key    string
}

// NewBusySet creates a busy set over the shared Redis instance.
func NewBusySet(client *redis.Client) *BusySet {
	return &BusySet{client: client, key: BusySetKey}
}

// TryAcquire atomically inserts driverID into the set. Returns true iff
// the driver was not already present. SADD is atomic on a single Redis
// instance, which makes the acquire linearizable across all workers in
// the deployment.
func (b *BusySet) TryAcquire(ctx context.Context, driverID string) (bool, error) {
	added, err := b.client.SAdd(ctx, b.key, driverID).Result()
	if err != nil {
		return false, fmt.Errorf("busyset: acquire %s: %w", driverID, err)
	}
	return added == 1, nil
}

// Release removes driverID from the set. Idempotent: releasing an absent
// driver is a no-op. Must be called on every failure path after a
// successful TryAcquire.
func (b *BusySet) Release(ctx context.Context, driverID string) error {
	if err := b.client.SRem(ctx, b.key, driverID).Err(); err != nil {
		return fmt.Errorf("busyset: release %s: %w", driverID, err)
	}
	return nil
}

// Members returns a snapshot of the current holders. The snapshot is
// non-atomic with subsequent acquires; callers use it only for candidate
// exclusion, never for correctness.
func (b *BusySet) Members(ctx context.Context) ([]string, error) {
	members, err := b.client.SMembers(ctx, b.key).Result()
	if err != nil {
		return nil, fmt.Errorf("busyset: members: %w", err)
	}
	return members, nil
}

// ResetTo clears the set and rewrites it from an authoritative store
// query. Used at startup to discard stale entries left by crashed
// processes. The DEL+SADD pair runs in a single pipeline.
func (b *BusySet) ResetTo(ctx context.Context, driverIDs []string) error {
	pipe := b.client.TxPipeline()
	pipe.Del(ctx, b.key)
	if len(driverIDs) > 0 {
		ids := make([]interface{}, len(driverIDs))
		for i, id := range driverIDs {
			ids[i] = id
		}
		pipe.SAdd(ctx, b.key, ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("busyset: reset: %w", err)
	}
	return nil
}

// Size returns the number of held drivers (dashboard diagnostics).
func (b *BusySet) Size(ctx context.Context) (int64, error) {
	n, err := b.client.SCard(ctx, b.key).Result()
	if err != nil {
		return 0, fmt.Errorf("busyset: size: %w", err)
	}
	return n, nil
}
