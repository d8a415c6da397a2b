// Package executor issues CREATE/DROP MIRROR commands against the
// replicator's Postgres-wire-protocol SQL endpoint, wrapping every attempt in
// the replicator circuit breaker and an exponential-backoff retry loop.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/echodb/automirror/internal/breaker"
	"github.com/echodb/automirror/internal/stats"
)

// sqlExecer is the slice of *pgx.Conn this package depends on, narrowed so
// tests can substitute a fake replicator endpoint.
type sqlExecer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// MirrorOp names a mirror lifecycle command. MirrorRequest carries no
// MirrorOp; the command is chosen by calling Executor.Create or Executor.Drop.
type MirrorOp string

const (
	OpCreate MirrorOp = "create"
	OpDrop   MirrorOp = "drop"
)

// MirrorRequest is the executor's input, derived from a notification Event.
type MirrorRequest struct {
	Schema string
	Table  string
}

// MirrorName is a pure function of the table name — the replicator relies on
// this invariant, so it must never be schema-qualified.
func (r MirrorRequest) MirrorName() string {
	return r.Table + "_mirror"
}

// Config holds the retry policy and peer names used to build SQL commands.
type Config struct {
	SourcePeerName string
	TargetPeerName string

	MaxRetries     int
	RetryDelay     time.Duration
	RetryBackoff   float64
	AttemptTimeout time.Duration
}

// Executor runs mirror lifecycle commands against the replicator.
type Executor struct {
	conn   sqlExecer
	br     *breaker.Breaker
	stats  *stats.Aggregate
	cfg    Config
	logger zerolog.Logger
}

// New creates an Executor. conn must be a connection to the replicator's SQL
// endpoint; callers are responsible for its lifecycle.
func New(conn sqlExecer, br *breaker.Breaker, st *stats.Aggregate, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.AttemptTimeout == 0 {
		cfg.AttemptTimeout = 60 * time.Second
	}
	return &Executor{
		conn:   conn,
		br:     br,
		stats:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "executor").Logger(),
	}
}

// Create issues CREATE MIRROR for req. See the outcome table in the design
// doc: a "circuit open" result is a hard failure for create, because a table
// with no mirror is a correctness gap the caller must not silently accept.
func (e *Executor) Create(ctx context.Context, req MirrorRequest) error {
	sql := fmt.Sprintf(
		`CREATE MIRROR %s FROM %s TO %s WITH TABLE MAPPING (%s.%s:%s) WITH (do_initial_copy = true);`,
		req.MirrorName(), e.cfg.SourcePeerName, e.cfg.TargetPeerName, req.Schema, req.Table, req.Table,
	)
	return e.run(ctx, sql, true, isCreateConflict)
}

// Drop issues DROP MIRROR for req. A "circuit open" result is swallowed as
// success here: a drop that cannot reach the replicator will be retried on
// the next reconciliation opportunity, and must not block the caller's DDL
// handling on replicator availability.
func (e *Executor) Drop(ctx context.Context, req MirrorRequest) error {
	sql := fmt.Sprintf(`DROP MIRROR %s;`, req.MirrorName())
	return e.run(ctx, sql, false, isDropConflict)
}

func (e *Executor) run(ctx context.Context, sql string, isCreate bool, isConflict func(error) bool) error {
	delay := e.cfg.RetryDelay
	var lastErr error

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		callErr := e.br.Call(ctx, func(callCtx context.Context) error {
			attemptCtx, cancel := context.WithTimeout(callCtx, e.cfg.AttemptTimeout)
			defer cancel()
			return e.exec(attemptCtx, sql)
		})

		if callErr == nil {
			if isCreate {
				e.stats.IncCreated()
			}
			return nil
		}

		if errors.Is(callErr, breaker.ErrOpen) {
			if isCreate {
				e.stats.SetLastError(callErr)
				return callErr
			}
			return nil
		}

		if isConflict(callErr) {
			return nil
		}

		lastErr = callErr
		e.logger.Warn().
			Int("attempt", attempt+1).
			Err(callErr).
			Str("sql", sql).
			Msg("mirror command failed, will retry")

		if attempt == e.cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = time.Duration(float64(delay) * e.cfg.RetryBackoff)
	}

	if isCreate {
		e.stats.IncFailed()
	}
	e.stats.SetLastError(lastErr)
	return lastErr
}

func (e *Executor) exec(ctx context.Context, sql string) error {
	_, err := e.conn.Exec(ctx, sql)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("replicator command timed out: %w", ctx.Err())
		}
		return err
	}
	return nil
}

// isCreateConflict matches the replicator's "mirror already exists" error
// vocabulary by SQLSTATE where available, falling back to a substring match
// on the message for compatibility with replicator versions that don't set a
// distinguishing code.
func isCreateConflict(err error) bool {
	return matchesPgError(err, "42710") || containsAny(err, "already exists")
}

func isDropConflict(err error) bool {
	return matchesPgError(err, "42704") || containsAny(err, "does not exist", "must acquire")
}

func matchesPgError(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, c := range codes {
		if pgErr.Code == c {
			return true
		}
	}
	return false
}

func containsAny(err error, substrs ...string) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range substrs {
		if strings.Contains(msg, strings.ToLower(s)) {
			return true
		}
	}
	return false
}
