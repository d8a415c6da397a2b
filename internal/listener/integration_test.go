//go:build integration

package listener

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/echodb/automirror/internal/testutil"
)

// TestRunAgainstRealPostgres exercises the listener against a real Postgres
// LISTEN/NOTIFY session. Run with `go test -tags integration` and a
// docker-compose-provisioned database (see testutil.StartContainers).
func TestRunAgainstRealPostgres(t *testing.T) {
	testutil.StartContainers(t)
	t.Cleanup(func() { testutil.StopContainers(t) })

	pool := testutil.MustConnectPool(t, testutil.SourceDSN())

	l := New(WrapConnect(testutil.SourceDSN()), Config{}, zerolog.Nop())
	events := make(chan Event, 8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _ = l.Run(ctx, events) }()
	time.Sleep(500 * time.Millisecond) // let the LISTEN subscription land

	testutil.NotifyCreateMirror(t, pool, "public", "orders")

	select {
	case ev := <-events:
		if ev.Channel != "create" || ev.Table != "orders" {
			t.Errorf("event = %+v, want create/orders", ev)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
