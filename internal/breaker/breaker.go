// Package breaker implements a circuit breaker that wraps a single named
// dependency, fast-failing while that dependency is unhealthy and
// self-testing recovery via a half-open probe.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Phase is one of the three circuit breaker states.
type Phase string

const (
	Closed   Phase = "closed"
	Open     Phase = "open"
	HalfOpen Phase = "half_open"
)

// ErrOpen is returned by Call when the circuit is open (or half-open and the
// probe slot is already taken) and the request is fast-failed without
// invoking the wrapped function.
var ErrOpen = errors.New("breaker: circuit open")

// Config configures a single breaker instance.
type Config struct {
	Name             string
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

// Breaker protects one named dependency. All state mutation is serialized by mu.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	phase         Phase
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	probeInFlight bool
}

// New creates a Breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, phase: Closed}
}

// Call executes fn if the circuit admits the request, recording the outcome.
// It returns ErrOpen without calling fn if the circuit is open (or if a
// half-open probe is already in flight), fn's error if fn fails, or nil on
// success.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn(ctx)
	if err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

// allow reports whether a call should be admitted, transitioning open to
// half_open once the timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case Closed:
		return true
	case Open:
		if time.Since(b.lastFailureAt) >= b.cfg.Timeout {
			b.phase = HalfOpen
			b.successCount = 0
			b.probeInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	}
	return false
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.phase {
	case HalfOpen:
		b.probeInFlight = false
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.phase = Closed
			b.failureCount = 0
			b.successCount = 0
		}
	case Closed:
		b.failureCount = 0
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailureAt = time.Now()

	switch b.phase {
	case HalfOpen:
		b.probeInFlight = false
		b.phase = Open
	case Closed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.phase = Open
		}
	}
}

// Phase returns the breaker's current phase.
func (b *Breaker) Phase() Phase {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.phase
}

// Reset forces the breaker back to closed, clearing counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.phase = Closed
	b.failureCount = 0
	b.successCount = 0
	b.probeInFlight = false
}

// Status is the JSON-serializable view of a breaker exposed on /metrics.
type Status struct {
	Name             string  `json:"name"`
	Phase            Phase   `json:"phase"`
	FailureCount     int     `json:"failure_count"`
	SuccessCount     int     `json:"success_count"`
	FailureThreshold int     `json:"failure_threshold"`
	SuccessThreshold int     `json:"success_threshold"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// Status returns a snapshot of the breaker's configuration and counters.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:             b.cfg.Name,
		Phase:            b.phase,
		FailureCount:     b.failureCount,
		SuccessCount:     b.successCount,
		FailureThreshold: b.cfg.FailureThreshold,
		SuccessThreshold: b.cfg.SuccessThreshold,
		TimeoutSeconds:   b.cfg.Timeout.Seconds(),
	}
}
