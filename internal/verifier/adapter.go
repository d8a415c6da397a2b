package verifier

import (
	"context"
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WrapPgPool adapts a *pgxpool.Pool to pgQuerier for use by New.
func WrapPgPool(pool *pgxpool.Pool) pgQuerier {
	return pgPoolAdapter{pool}
}

type pgPoolAdapter struct {
	pool *pgxpool.Pool
}

func (a pgPoolAdapter) QueryRow(ctx context.Context, sql string, args ...any) pgRow {
	return a.pool.QueryRow(ctx, sql, args...)
}

// WrapClickHouseDB adapts a *sql.DB (opened via clickhouse.OpenDB) to
// chQuerier for use by New.
func WrapClickHouseDB(db *sql.DB) chQuerier {
	return chDBAdapter{db}
}

type chDBAdapter struct {
	db *sql.DB
}

func (a chDBAdapter) QueryRowContext(ctx context.Context, query string, args ...any) chRow {
	return a.db.QueryRowContext(ctx, query, args...)
}
