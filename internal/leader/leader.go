// Package leader implements Redis-backed leader election with a TTL lease,
// so that at most one reconciler replica is active at a time.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LockKey is the shared lease key in the key/value store.
const LockKey = "echodb:auto_mirror:leader_lock"

// releaseScript performs a compare-and-delete: it only removes the key if its
// current value still equals the caller's worker ID, so a successor that has
// already acquired the lease is never evicted by a stale release call.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// Elector acquires, renews, and releases the leader lease for one worker.
type Elector struct {
	client   *redis.Client
	workerID string
	ttl      time.Duration
	logger   zerolog.Logger

	mu              sync.Mutex
	isLeader        bool
	heartbeatCancel context.CancelFunc
	heartbeatDone   chan struct{}
}

// New creates an Elector for the given worker ID and lease TTL.
func New(client *redis.Client, workerID string, ttl time.Duration, logger zerolog.Logger) *Elector {
	return &Elector{
		client:   client,
		workerID: workerID,
		ttl:      ttl,
		logger:   logger.With().Str("component", "leader").Str("worker_id", workerID).Logger(),
	}
}

// TryAcquire attempts an atomic set-if-absent-with-expiry on the lease key.
// On success it starts the renewal heartbeat and returns true.
func (e *Elector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := e.client.SetNX(ctx, LockKey, e.workerID, e.ttl).Result()
	if err != nil {
		e.setLeader(false)
		return false, err
	}

	e.setLeader(ok)
	if ok {
		e.logger.Info().Msg("acquired leadership")
		e.startHeartbeat()
	}
	return ok, nil
}

func (e *Elector) startHeartbeat() {
	e.mu.Lock()
	if e.heartbeatCancel != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.heartbeatCancel = cancel
	e.heartbeatDone = done
	e.mu.Unlock()

	go e.heartbeatLoop(ctx, done)
}

func (e *Elector) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.renew(ctx) {
				return
			}
		}
	}
}

// renew refreshes the lease's expiry, surrendering leadership if this worker
// no longer owns the key or the store is unreachable — a worker that cannot
// prove it still holds the lease must conservatively treat it as lost.
func (e *Elector) renew(ctx context.Context) bool {
	renewCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cur, err := e.client.Get(renewCtx, LockKey).Result()
	if err != nil && err != redis.Nil {
		e.surrender("store error during heartbeat")
		return false
	}
	if err == redis.Nil || cur != e.workerID {
		e.surrender("lease no longer held by this worker")
		return false
	}

	if err := e.client.Expire(renewCtx, LockKey, e.ttl).Err(); err != nil {
		e.surrender("failed to refresh lease expiry")
		return false
	}
	return true
}

func (e *Elector) surrender(reason string) {
	e.setLeader(false)
	e.logger.Warn().Str("reason", reason).Msg("surrendering leadership")
}

func (e *Elector) setLeader(v bool) {
	e.mu.Lock()
	e.isLeader = v
	e.mu.Unlock()
}

// IsLeader reports this worker's locally-cached leadership flag.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// CurrentLeader returns the worker ID currently holding the lease, if any.
func (e *Elector) CurrentLeader(ctx context.Context) (string, bool, error) {
	v, err := e.client.Get(ctx, LockKey).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Release gives up leadership via compare-and-delete. It does not stop the
// heartbeat; Stop does both. Safe to call whether or not this worker
// currently holds the lease.
func (e *Elector) Release(ctx context.Context) error {
	e.mu.Lock()
	wasLeader := e.isLeader
	e.isLeader = false
	e.mu.Unlock()

	if !wasLeader {
		return nil
	}

	releaseCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(releaseCtx, e.client, []string{LockKey}, e.workerID).Err(); err != nil && err != redis.Nil {
		return err
	}
	e.logger.Info().Msg("released leadership")
	return nil
}

// Stop halts the heartbeat and releases the lease. It blocks until the
// heartbeat goroutine has exited.
func (e *Elector) Stop(ctx context.Context) {
	e.mu.Lock()
	cancel := e.heartbeatCancel
	done := e.heartbeatDone
	e.heartbeatCancel = nil
	e.heartbeatDone = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	_ = e.Release(ctx)
}
