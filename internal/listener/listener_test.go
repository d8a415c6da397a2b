package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

func TestDecodeValidCreatePayload(t *testing.T) {
	n := &pgconn.Notification{PID: 4242, Channel: ChannelCreate, Payload: `{"schema":"public","table":"orders"}`}
	ev, ok := decode(n)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if ev.Channel != "create" || ev.Schema != "public" || ev.Table != "orders" || ev.OriginPID != 4242 {
		t.Errorf("decoded event = %+v", ev)
	}
}

func TestDecodeDropChannel(t *testing.T) {
	n := &pgconn.Notification{PID: 1, Channel: ChannelDrop, Payload: `{"schema":"public","table":"orders"}`}
	ev, ok := decode(n)
	if !ok || ev.Channel != "drop" {
		t.Errorf("decoded event = %+v, ok=%v", ev, ok)
	}
}

func TestDecodeMalformedPayloadIsDropped(t *testing.T) {
	for _, raw := range []string{`not json`, `{}`, `{"schema":"public"}`, `{"table":"orders"}`} {
		n := &pgconn.Notification{PID: 1, Channel: ChannelCreate, Payload: raw}
		if _, ok := decode(n); ok {
			t.Errorf("decode(%q) should fail", raw)
		}
	}
}

// fakeConn is a scriptable notifConn: a queue of notifications to deliver,
// then an error (or ctx cancellation) to simulate the session breaking.
type fakeConn struct {
	mu            sync.Mutex
	notifications []*pgconn.Notification
	breakErr      error
	closed        bool
}

func (f *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, nil
}

func (f *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notifications) > 0 {
		n := f.notifications[0]
		f.notifications = f.notifications[1:]
		return n, nil
	}
	if f.breakErr != nil {
		return nil, f.breakErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func TestRunDeliversDecodedEvents(t *testing.T) {
	conn := &fakeConn{
		notifications: []*pgconn.Notification{
			{PID: 10, Channel: ChannelCreate, Payload: `{"schema":"public","table":"orders"}`},
		},
	}
	dial := func(ctx context.Context) (notifConn, error) { return conn, nil }
	l := New(dial, Config{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 1)
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx, events) }()

	select {
	case ev := <-events:
		if ev.Table != "orders" {
			t.Errorf("ev.Table = %q, want orders", ev.Table)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v, want nil on cancellation", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunReconnectsAfterTransportError(t *testing.T) {
	firstConn := &fakeConn{breakErr: errors.New("connection reset")}
	secondConn := &fakeConn{
		notifications: []*pgconn.Notification{
			{PID: 1, Channel: ChannelDrop, Payload: `{"schema":"public","table":"orders"}`},
		},
	}

	calls := 0
	dial := func(ctx context.Context) (notifConn, error) {
		calls++
		if calls == 1 {
			return firstConn, nil
		}
		return secondConn, nil
	}
	l := New(dial, Config{ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 3}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := make(chan Event, 1)
	go l.Run(ctx, events)

	select {
	case ev := <-events:
		if ev.Channel != "drop" {
			t.Errorf("ev.Channel = %q, want drop", ev.Channel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event after reconnect")
	}
}

func TestRunReturnsErrWhenReconnectExhausted(t *testing.T) {
	conn := &fakeConn{breakErr: errors.New("connection reset")}
	calls := 0
	dial := func(ctx context.Context) (notifConn, error) {
		calls++
		if calls == 1 {
			return conn, nil // initial connect succeeds, then breaks
		}
		return nil, errors.New("dial refused") // every reconnect attempt fails
	}
	l := New(dial, Config{ReconnectDelay: time.Millisecond, MaxReconnectAttempts: 2}, zerolog.Nop())

	events := make(chan Event, 1)
	err := l.Run(context.Background(), events)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("Run() err = %v, want ErrReconnectExhausted", err)
	}
}
