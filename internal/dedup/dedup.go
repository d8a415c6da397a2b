// Package dedup provides idempotency-key bookkeeping for incoming
// notifications, backed by the same shared key/value store as leader
// election. The store is best-effort: on any store error Registry fails
// open, since duplicate processing is cheaper than dropped work given the
// executor's idempotent side effects.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateProcessing = "processing"
	stateProcessed  = "processed"

	inFlightTTL  = 300 * time.Second
	processedTTL = 86400 * time.Second
)

// Registry tracks notification processing state.
type Registry struct {
	client *redis.Client
}

// New creates a Registry backed by client.
func New(client *redis.Client) *Registry {
	return &Registry{client: client}
}

// Key builds the DedupKey for a notification.
func Key(channel, schema, table string, originPID int) string {
	return fmt.Sprintf("notification:%s:%s.%s:%d", channel, schema, table, originPID)
}

// IsPresent reports whether key is already marked in-flight or processed.
// A store error is treated as "not present" (fail-open).
func (r *Registry) IsPresent(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MarkInFlight records that a worker has started processing key, with a
// short TTL intended for crash recovery rather than mutual exclusion —
// the window may overlap across workers during a leadership transition.
func (r *Registry) MarkInFlight(ctx context.Context, key string) error {
	return r.client.Set(ctx, key, stateProcessing, inFlightTTL).Err()
}

// MarkDone records that key has been fully processed, with a long TTL.
func (r *Registry) MarkDone(ctx context.Context, key string) error {
	return r.client.Set(ctx, key, stateProcessed, processedTTL).Err()
}
