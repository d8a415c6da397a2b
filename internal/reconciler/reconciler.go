// Package reconciler implements the top-level state machine that gates
// event processing on leadership, dedups and filters incoming notifications,
// and dispatches them to the mirror executor and consistency verifier.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/echodb/automirror/internal/dedup"
	"github.com/echodb/automirror/internal/executor"
	"github.com/echodb/automirror/internal/listener"
	"github.com/echodb/automirror/internal/stats"
	"github.com/echodb/automirror/internal/verifier"
)

// Phase is the reconciler's top-level state, exposed for /metrics and tests.
type Phase string

const (
	PhaseFollower     Phase = "follower"
	PhaseBootstrap    Phase = "bootstrapping"
	PhaseActive       Phase = "active"
	PhaseReconnecting Phase = "reconnecting"
	PhaseTerminating  Phase = "terminating"
)

type mirrorExecutor interface {
	Create(ctx context.Context, req executor.MirrorRequest) error
	Drop(ctx context.Context, req executor.MirrorRequest) error
}

type consistencyVerifier interface {
	Check(ctx context.Context, schema, table string) (verifier.ConsistencyReport, error)
}

type dedupRegistry interface {
	IsPresent(ctx context.Context, key string) bool
	MarkInFlight(ctx context.Context, key string) error
	MarkDone(ctx context.Context, key string) error
}

type elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	IsLeader() bool
	Stop(ctx context.Context)
}

type notificationSource interface {
	Run(ctx context.Context, events chan<- listener.Event) error
}

// tableLister enumerates tables in a schema, backing the optional periodic
// reconciliation sweep.
type tableLister interface {
	ListTables(ctx context.Context, schema string) ([]string, error)
}

// Config holds filtering rules and orchestration timing.
type Config struct {
	SyncSchemas            map[string]bool
	ExcludedTables          map[string]bool
	LeaderElectionInterval  time.Duration
	ReconcileSweepInterval  time.Duration // not read by Reconciler; RunSweepLoop takes its interval as an argument
}

func (c Config) withDefaults() Config {
	if c.LeaderElectionInterval == 0 {
		c.LeaderElectionInterval = 10 * time.Second
	}
	return c
}

// Reconciler wires the dedup registry, executor, and verifier behind the
// leader-gated listener loop.
type Reconciler struct {
	elector  elector
	listener notificationSource
	dedup    dedupRegistry
	exec     mirrorExecutor
	verifier consistencyVerifier
	lister   tableLister // may be nil when the sweep is disabled
	stats    *stats.Aggregate
	cfg      Config
	logger   zerolog.Logger

	phaseMu sync.Mutex
	phase   Phase
}

// New creates a Reconciler. lister may be nil, in which case Sweep does
// nothing; it is consulted only by Sweep.
func New(
	el elector,
	ls notificationSource,
	dd dedupRegistry,
	ex mirrorExecutor,
	vf consistencyVerifier,
	tl tableLister,
	st *stats.Aggregate,
	cfg Config,
	logger zerolog.Logger,
) *Reconciler {
	return &Reconciler{
		elector:  el,
		listener: ls,
		dedup:    dd,
		exec:     ex,
		verifier: vf,
		lister:   tl,
		stats:    st,
		cfg:      cfg.withDefaults(),
		logger:   logger.With().Str("component", "reconciler").Logger(),
		phase:    PhaseFollower,
	}
}

// Phase returns the reconciler's current top-level state.
func (r *Reconciler) Phase() Phase {
	r.phaseMu.Lock()
	defer r.phaseMu.Unlock()
	return r.phase
}

// Run drives the follower/active state machine until ctx is cancelled. Lease
// loss is an internal transition back to follower, not an error. A listener
// that exhausts its reconnect attempts is a fatal session loss (spec: "if
// exhausted, exit(1)") and terminates the loop, returning the error so the
// caller can exit the process non-zero.
func (r *Reconciler) Run(ctx context.Context) error {
	defer r.setPhase(PhaseTerminating)

	ticker := time.NewTicker(r.cfg.LeaderElectionInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		r.setPhase(PhaseFollower)
		r.stats.SetLeader(false)

		acquired, err := r.elector.TryAcquire(ctx)
		if err != nil {
			r.logger.Warn().Err(err).Msg("leader acquisition attempt failed")
		}

		if acquired {
			activeErr := r.runActive(ctx)
			r.elector.Stop(ctx)

			if activeErr != nil {
				if errors.Is(activeErr, listener.ErrReconnectExhausted) {
					r.logger.Error().Err(activeErr).Msg("listener exhausted reconnect attempts, terminating")
					return activeErr
				}
				r.logger.Error().Err(activeErr).Msg("active session ended with error")
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// runActive owns the listener session for as long as this worker holds
// leadership, returning when the session ends (ctx cancelled, listener
// exhausted its reconnects, or leadership is lost).
func (r *Reconciler) runActive(ctx context.Context) error {
	r.setPhase(PhaseBootstrap)
	r.stats.SetLeader(true)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(sessionCtx)
	events := make(chan listener.Event, 32)

	g.Go(func() error {
		err := r.listener.Run(gctx, events)
		cancel() // listener exited: stop the leadership-watch loop below too
		return err
	})

	g.Go(func() error {
		r.setPhase(PhaseActive)
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if err := r.handleEvent(gctx, ev); err != nil {
					r.logger.Error().Err(err).
						Str("schema", ev.Schema).Str("table", ev.Table).
						Msg("event handling failed")
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		watch := time.NewTicker(r.cfg.LeaderElectionInterval)
		defer watch.Stop()
		for {
			select {
			case <-watch.C:
				if !r.elector.IsLeader() {
					r.setPhase(PhaseReconnecting)
					cancel()
					return nil
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

// handleEvent applies the schema/exclusion filters, dedups, and dispatches
// to the executor and (on successful create) the verifier.
func (r *Reconciler) handleEvent(ctx context.Context, ev listener.Event) error {
	r.stats.SetLastNotification(time.Now())

	if !r.cfg.SyncSchemas[ev.Schema] {
		return nil
	}
	if ev.Channel == "create" && r.cfg.ExcludedTables[ev.Table] {
		return nil
	}

	key := dedup.Key(ev.Channel, ev.Schema, ev.Table, ev.OriginPID)
	if r.dedup.IsPresent(ctx, key) {
		return nil
	}
	if err := r.dedup.MarkInFlight(ctx, key); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("failed to mark notification in-flight, proceeding anyway")
	}

	defer func() {
		if err := r.dedup.MarkDone(ctx, key); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("failed to mark notification done")
		}
	}()

	req := executor.MirrorRequest{Schema: ev.Schema, Table: ev.Table}

	switch ev.Channel {
	case "create":
		if err := r.exec.Create(ctx, req); err != nil {
			return fmt.Errorf("create mirror for %s.%s: %w", ev.Schema, ev.Table, err)
		}
		if r.verifier != nil {
			if _, err := r.verifier.Check(ctx, ev.Schema, ev.Table); err != nil {
				r.logger.Warn().Err(err).Str("schema", ev.Schema).Str("table", ev.Table).Msg("post-create consistency check failed")
			}
		}
	case "drop":
		if err := r.exec.Drop(ctx, req); err != nil {
			return fmt.Errorf("drop mirror for %s.%s: %w", ev.Schema, ev.Table, err)
		}
	}
	return nil
}

func (r *Reconciler) setPhase(p Phase) {
	r.phaseMu.Lock()
	r.phase = p
	r.phaseMu.Unlock()
}

// Sweep lists every table in sync_schemas (minus excluded_tables) and issues
// an idempotent Executor.Create for each, closing the gap where a table
// created while no reconciler held leadership never produced a notification
// this process observed.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if r.lister == nil {
		return nil
	}
	for schema := range r.cfg.SyncSchemas {
		tables, err := r.lister.ListTables(ctx, schema)
		if err != nil {
			return fmt.Errorf("list tables in %s: %w", schema, err)
		}
		for _, table := range tables {
			if r.cfg.ExcludedTables[table] {
				continue
			}
			if err := r.exec.Create(ctx, executor.MirrorRequest{Schema: schema, Table: table}); err != nil {
				r.logger.Warn().Err(err).Str("schema", schema).Str("table", table).Msg("reconciliation sweep create failed")
			}
		}
	}
	return nil
}

// RunSweepLoop runs Sweep every interval until ctx is cancelled. Intended to
// be launched as its own errgroup goroutine alongside Run.
func (r *Reconciler) RunSweepLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.elector.IsLeader() {
				if err := r.Sweep(ctx); err != nil {
					r.logger.Warn().Err(err).Msg("reconciliation sweep failed")
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}
