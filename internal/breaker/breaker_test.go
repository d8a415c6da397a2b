package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClosedAllowsAndResetsOnSuccess(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	if b.Status().FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want 1", b.Status().FailureCount)
	}

	_ = b.Call(context.Background(), func(ctx context.Context) error { return nil })
	if b.Status().FailureCount != 0 {
		t.Fatalf("FailureCount after success = %d, want 0", b.Status().FailureCount)
	}
	if b.Phase() != Closed {
		t.Fatalf("Phase = %v, want closed", b.Phase())
	}
}

func TestOpensAtThresholdAndRejects(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 3, SuccessThreshold: 2, Timeout: time.Minute})

	failing := func(ctx context.Context) error { return errors.New("fail") }
	for i := 0; i < 3; i++ {
		if err := b.Call(context.Background(), failing); err == nil || errors.Is(err, ErrOpen) {
			t.Fatalf("attempt %d: expected wrapped failure, got %v", i, err)
		}
	}
	if b.Phase() != Open {
		t.Fatalf("Phase = %v, want open", b.Phase())
	}

	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("wrapped function must not be called while open")
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
}

func TestHalfOpenRecoversAfterTimeout(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 1, SuccessThreshold: 2, Timeout: 20 * time.Millisecond})

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	if b.Phase() != Open {
		t.Fatalf("Phase = %v, want open", b.Phase())
	}

	time.Sleep(30 * time.Millisecond)

	if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first probe: %v", err)
	}
	if b.Phase() != HalfOpen {
		t.Fatalf("Phase after one success = %v, want half_open", b.Phase())
	}

	if err := b.Call(context.Background(), func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("second probe: %v", err)
	}
	if b.Phase() != Closed {
		t.Fatalf("Phase after second success = %v, want closed", b.Phase())
	}
}

func TestHalfOpenFailureReturnsToOpen(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 1, SuccessThreshold: 2, Timeout: 20 * time.Millisecond})

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	time.Sleep(30 * time.Millisecond)

	_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("still broken") })
	if b.Phase() != Open {
		t.Fatalf("Phase = %v, want open", b.Phase())
	}
}

func TestNeverTransitionsClosedToHalfOpenDirectly(t *testing.T) {
	b := New(Config{Name: "t", FailureThreshold: 5, SuccessThreshold: 2, Timeout: time.Minute})
	for i := 0; i < 4; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
		if b.Phase() != Closed {
			t.Fatalf("attempt %d: Phase = %v, want closed (below threshold)", i, b.Phase())
		}
	}
}
