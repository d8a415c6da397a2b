package leader

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return client, mr
}

func TestTryAcquireIsExclusive(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := New(client, "worker-a", time.Minute, zerolog.Nop())
	b := New(client, "worker-b", time.Minute, zerolog.Nop())

	okA, err := a.TryAcquire(ctx)
	if err != nil || !okA {
		t.Fatalf("worker-a acquire: ok=%v err=%v", okA, err)
	}
	defer a.Stop(ctx)

	okB, err := b.TryAcquire(ctx)
	if err != nil {
		t.Fatalf("worker-b acquire: %v", err)
	}
	if okB {
		t.Fatal("worker-b should not acquire while worker-a holds the lease")
	}

	leader, ok, err := b.CurrentLeader(ctx)
	if err != nil || !ok || leader != "worker-a" {
		t.Fatalf("CurrentLeader = %q, ok=%v, err=%v", leader, ok, err)
	}
}

func TestReleaseFreesLeaseForSuccessor(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := New(client, "worker-a", time.Minute, zerolog.Nop())
	if _, err := a.TryAcquire(ctx); err != nil {
		t.Fatal(err)
	}
	a.Stop(ctx) // releases and halts heartbeat

	// Once worker-a has released, worker-b can now acquire cleanly.
	b := New(client, "worker-b", time.Minute, zerolog.Nop())
	okB, err := b.TryAcquire(ctx)
	if err != nil || !okB {
		t.Fatalf("worker-b acquire after release: ok=%v err=%v", okB, err)
	}
	defer b.Stop(ctx)
}

func TestReleaseDoesNotStealSuccessorsLease(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	a := New(client, "worker-a", time.Minute, zerolog.Nop())
	if _, err := a.TryAcquire(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate the key having already been taken over by a successor
	// (e.g. the lease expired and someone else acquired it) before we
	// call Release: Release must be a no-op, not a steal.
	if err := client.Set(ctx, LockKey, "worker-c", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	leader, ok, err := a.CurrentLeader(ctx)
	if err != nil || !ok || leader != "worker-c" {
		t.Fatalf("CurrentLeader = %q, ok=%v, err=%v, want worker-c", leader, ok, err)
	}
}

func TestHeartbeatSurrendersWhenLeaseStolen(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	a := New(client, "worker-a", 200*time.Millisecond, zerolog.Nop())
	if _, err := a.TryAcquire(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate expiry + another worker winning the race, then fast-forward
	// past the heartbeat interval so the renewal loop observes the theft.
	mr.FastForward(250 * time.Millisecond)
	if err := client.Set(ctx, LockKey, "worker-b", time.Minute).Err(); err != nil {
		t.Fatal(err)
	}
	mr.FastForward(200 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !a.IsLeader() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker-a did not surrender leadership after losing the lease")
}
