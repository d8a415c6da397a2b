// Package verifier compares row counts between a source Postgres table and
// its ClickHouse mirror, tolerating replication lag with a bounded retry
// window rather than treating a transient mismatch as failure.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/echodb/automirror/internal/stats"
)

// pgRow is the slice of pgx.Row this package depends on.
type pgRow interface {
	Scan(dest ...any) error
}

// pgQuerier is the slice of *pgxpool.Pool this package depends on, narrowed
// so tests can substitute a fake source connection.
type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgRow
}

// chRow is the slice of *sql.Row this package depends on.
type chRow interface {
	Scan(dest ...any) error
}

// chQuerier is the slice of *sql.DB this package depends on, narrowed so
// tests can substitute a fake target connection.
type chQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) chRow
}

// ConsistencyReport is the result of one Check call.
type ConsistencyReport struct {
	Schema     string    `json:"schema"`
	Table      string    `json:"table"`
	PGCount    int64     `json:"pg_count"`
	CHCount    int64     `json:"ch_count"`
	Difference int64     `json:"difference"`
	Match      bool      `json:"match"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config holds the retry policy used while waiting for replication lag to
// resolve.
type Config struct {
	Attempts int
	Interval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Attempts == 0 {
		c.Attempts = 3
	}
	if c.Interval == 0 {
		c.Interval = 10 * time.Second
	}
	return c
}

// Verifier reads row counts from both sides of a mirror.
type Verifier struct {
	pg     pgQuerier
	ch     chQuerier
	cfg    Config
	stats  *stats.Aggregate
	logger zerolog.Logger
}

// New creates a Verifier. pg is the source connection pool; ch is a
// database/sql handle opened via clickhouse.OpenDB.
func New(pg pgQuerier, ch chQuerier, cfg Config, st *stats.Aggregate, logger zerolog.Logger) *Verifier {
	return &Verifier{
		pg:     pg,
		ch:     ch,
		cfg:    cfg.withDefaults(),
		stats:  st,
		logger: logger.With().Str("component", "verifier").Logger(),
	}
}

// Check compares row counts for schema.table, retrying up to cfg.Attempts
// times spaced cfg.Interval apart to tolerate replication lag. Only the
// final attempt's report is returned; a match on any earlier attempt returns
// immediately.
func (v *Verifier) Check(ctx context.Context, schema, table string) (ConsistencyReport, error) {
	var report ConsistencyReport

	for attempt := 1; attempt <= v.cfg.Attempts; attempt++ {
		pgCount, err := v.pgCount(ctx, schema, table)
		if err != nil {
			return ConsistencyReport{}, fmt.Errorf("count postgres %s.%s: %w", schema, table, err)
		}
		chCount, err := v.chCount(ctx, table)
		if err != nil {
			return ConsistencyReport{}, fmt.Errorf("count clickhouse %s: %w", table, err)
		}

		report = ConsistencyReport{
			Schema:     schema,
			Table:      table,
			PGCount:    pgCount,
			CHCount:    chCount,
			Difference: pgCount - chCount,
			Match:      pgCount == chCount,
			Timestamp:  time.Now(),
		}

		if report.Match {
			return report, nil
		}

		v.logger.Warn().
			Str("schema", schema).Str("table", table).
			Int64("pg_count", pgCount).Int64("ch_count", chCount).
			Int("attempt", attempt).
			Msg("row count mismatch, will retry")

		if attempt == v.cfg.Attempts {
			break
		}

		select {
		case <-time.After(v.cfg.Interval):
		case <-ctx.Done():
			return ConsistencyReport{}, ctx.Err()
		}
	}

	v.stats.SetLastError(fmt.Errorf("consistency mismatch for %s.%s: pg=%d ch=%d", schema, table, report.PGCount, report.CHCount))
	return report, nil
}

func (v *Verifier) pgCount(ctx context.Context, schema, table string) (int64, error) {
	var n int64
	sql := fmt.Sprintf(`SELECT count(*) FROM %s.%s`, schema, table)
	err := v.pg.QueryRow(ctx, sql).Scan(&n)
	return n, err
}

// chCount tries the bare table name first, then falls back to a
// "postgres.<table>" namespace — some replicator configurations mirror into
// a database named after the source, others mirror flat into the default
// database.
func (v *Verifier) chCount(ctx context.Context, table string) (int64, error) {
	n, err := v.chCountFrom(ctx, table)
	if err == nil {
		return n, nil
	}
	return v.chCountFrom(ctx, "postgres."+table)
}

func (v *Verifier) chCountFrom(ctx context.Context, qualified string) (int64, error) {
	var n int64
	row := v.ch.QueryRowContext(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, qualified))
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
