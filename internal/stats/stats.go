// Package stats holds the reconciler's process-local aggregate counters,
// replacing the global mutable state of the original worker script with an
// explicit value owned by the reconciler and guarded by a single mutex. It
// also fans snapshots out to subscribers (the HTTP WebSocket hub, the watch
// TUI) on a fixed interval, mirroring the teacher's metrics.Collector.
package stats

import (
	"sync"
	"time"
)

// BreakerStatus is the JSON-serializable view of one circuit breaker,
// duplicated here (rather than importing internal/breaker) to keep this
// package free of a dependency on the component it reports about.
type BreakerStatus struct {
	Name             string  `json:"name"`
	Phase            string  `json:"phase"`
	FailureCount     int     `json:"failure_count"`
	SuccessCount     int     `json:"success_count"`
	FailureThreshold int     `json:"failure_threshold"`
	SuccessThreshold int     `json:"success_threshold"`
	TimeoutSeconds   float64 `json:"timeout_seconds"`
}

// Snapshot is the JSON-serializable view of Aggregate at a point in time.
type Snapshot struct {
	WorkerID           string          `json:"worker_id"`
	IsLeader           bool            `json:"is_leader"`
	Connected          bool            `json:"connected"`
	MirrorsCreated     int64           `json:"mirrors_created"`
	MirrorsFailed      int64           `json:"mirrors_failed"`
	LastNotificationAt time.Time       `json:"last_notification_at,omitzero"`
	LastError          string          `json:"last_error,omitempty"`
	Breakers           []BreakerStatus `json:"breakers,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// BreakerStatusFunc returns one breaker's current status. Callers adapt
// *breaker.Breaker.Status() into this shape so this package need not import
// internal/breaker.
type BreakerStatusFunc func() BreakerStatus

// Aggregate is the process's single source of truth for counters and
// health-relevant flags. All fields are mutated only under mu.
type Aggregate struct {
	mu sync.Mutex

	workerID           string
	isLeader           bool
	connected          bool
	mirrorsCreated     int64
	mirrorsFailed      int64
	lastNotificationAt time.Time
	lastError          string
	breakers           []BreakerStatusFunc

	subMu       sync.Mutex
	subscribers map[chan Snapshot]struct{}
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates an Aggregate for the given worker ID and starts its broadcast
// loop. Call Close when the process shuts down to stop that loop.
func New(workerID string) *Aggregate {
	a := &Aggregate{
		workerID:    workerID,
		subscribers: make(map[chan Snapshot]struct{}),
		done:        make(chan struct{}),
	}
	go a.broadcastLoop()
	return a
}

// IncCreated increments the mirrors_created counter.
func (a *Aggregate) IncCreated() {
	a.mu.Lock()
	a.mirrorsCreated++
	a.mu.Unlock()
}

// IncFailed increments the mirrors_failed counter.
func (a *Aggregate) IncFailed() {
	a.mu.Lock()
	a.mirrorsFailed++
	a.mu.Unlock()
}

// SetLastNotification records the time the most recent notification arrived.
func (a *Aggregate) SetLastNotification(t time.Time) {
	a.mu.Lock()
	a.lastNotificationAt = t
	a.mu.Unlock()
}

// SetLastError records the most recent error's message, replacing any prior one.
func (a *Aggregate) SetLastError(err error) {
	a.mu.Lock()
	if err != nil {
		a.lastError = err.Error()
	}
	a.mu.Unlock()
}

// SetLeader updates the advisory leadership flag.
func (a *Aggregate) SetLeader(leader bool) {
	a.mu.Lock()
	a.isLeader = leader
	a.mu.Unlock()
}

// SetConnected updates whether the Postgres notification session is open,
// backing the /ready distinction from /health.
func (a *Aggregate) SetConnected(connected bool) {
	a.mu.Lock()
	a.connected = connected
	a.mu.Unlock()
}

// SetBreakers registers status providers for every breaker that should
// appear in each Snapshot. Typically called once at startup with the
// replicator_api and postgres_connection breakers.
func (a *Aggregate) SetBreakers(breakers ...BreakerStatusFunc) {
	a.mu.Lock()
	a.breakers = breakers
	a.mu.Unlock()
}

// Snapshot returns a consistent copy of the current counters.
func (a *Aggregate) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	statuses := make([]BreakerStatus, 0, len(a.breakers))
	for _, b := range a.breakers {
		statuses = append(statuses, b())
	}

	return Snapshot{
		WorkerID:           a.workerID,
		IsLeader:           a.isLeader,
		Connected:          a.connected,
		MirrorsCreated:     a.mirrorsCreated,
		MirrorsFailed:      a.mirrorsFailed,
		LastNotificationAt: a.lastNotificationAt,
		LastError:          a.lastError,
		Breakers:           statuses,
		Timestamp:          time.Now(),
	}
}

// Subscribe returns a channel that receives a Snapshot every 500ms until
// Unsubscribe or Close is called.
func (a *Aggregate) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 4)
	a.subMu.Lock()
	a.subscribers[ch] = struct{}{}
	a.subMu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel.
func (a *Aggregate) Unsubscribe(ch chan Snapshot) {
	a.subMu.Lock()
	delete(a.subscribers, ch)
	a.subMu.Unlock()
}

// Close stops the broadcast loop.
func (a *Aggregate) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Aggregate) broadcastLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.done:
			return
		case <-ticker.C:
			snap := a.Snapshot()
			a.subMu.Lock()
			for ch := range a.subscribers {
				select {
				case ch <- snap:
				default:
				}
			}
			a.subMu.Unlock()
		}
	}
}
