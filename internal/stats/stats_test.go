package stats

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCountersAndSnapshot(t *testing.T) {
	a := New("worker-1")
	a.IncCreated()
	a.IncCreated()
	a.IncFailed()
	a.SetLeader(true)
	a.SetLastError(errors.New("boom"))

	snap := a.Snapshot()
	if snap.MirrorsCreated != 2 {
		t.Errorf("MirrorsCreated = %d, want 2", snap.MirrorsCreated)
	}
	if snap.MirrorsFailed != 1 {
		t.Errorf("MirrorsFailed = %d, want 1", snap.MirrorsFailed)
	}
	if !snap.IsLeader {
		t.Error("IsLeader = false, want true")
	}
	if snap.LastError != "boom" {
		t.Errorf("LastError = %q, want boom", snap.LastError)
	}
	if snap.WorkerID != "worker-1" {
		t.Errorf("WorkerID = %q", snap.WorkerID)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	a := New("worker-2")
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.IncCreated()
		}()
	}
	wg.Wait()
	if got := a.Snapshot().MirrorsCreated; got != 100 {
		t.Errorf("MirrorsCreated = %d, want 100", got)
	}
}

func TestSetLastErrorIgnoresNil(t *testing.T) {
	a := New("worker-3")
	a.SetLastError(errors.New("first"))
	a.SetLastError(nil)
	if got := a.Snapshot().LastError; got != "first" {
		t.Errorf("LastError = %q, want first", got)
	}
}

func TestSnapshotIncludesBreakerStatuses(t *testing.T) {
	a := New("worker-4")
	a.SetBreakers(
		func() BreakerStatus { return BreakerStatus{Name: "replicator_api", Phase: "closed"} },
		func() BreakerStatus { return BreakerStatus{Name: "postgres_connection", Phase: "open"} },
	)

	snap := a.Snapshot()
	if len(snap.Breakers) != 2 {
		t.Fatalf("Breakers = %+v, want 2 entries", snap.Breakers)
	}
	if snap.Breakers[0].Name != "replicator_api" || snap.Breakers[1].Phase != "open" {
		t.Errorf("Breakers = %+v", snap.Breakers)
	}
}

func TestSubscribeReceivesBroadcastSnapshot(t *testing.T) {
	a := New("worker-5")
	defer a.Close()

	ch := a.Subscribe()
	defer a.Unsubscribe(ch)

	a.SetConnected(true)

	select {
	case snap := <-ch:
		if !snap.Connected {
			t.Error("snapshot.Connected = false, want true")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast snapshot")
	}
}
