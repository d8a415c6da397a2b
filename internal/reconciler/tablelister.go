package reconciler

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgQuerier is the slice of *pgxpool.Pool this file depends on, narrowed so
// tests can substitute a fake source database.
type pgQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PgTableLister implements tableLister against a real Postgres source via
// information_schema, backing the optional reconciliation sweep.
type PgTableLister struct {
	db pgQuerier
}

// NewPgTableLister creates a PgTableLister over pool.
func NewPgTableLister(pool *pgxpool.Pool) *PgTableLister {
	return &PgTableLister{db: pool}
}

// ListTables returns every base table name in schema, ordered for
// deterministic sweep output.
func (l *PgTableLister) ListTables(ctx context.Context, schema string) ([]string, error) {
	rows, err := l.db.Query(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, schema)
	if err != nil {
		return nil, fmt.Errorf("query information_schema.tables for %s: %w", schema, err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name in %s: %w", schema, err)
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tables in %s: %w", schema, err)
	}
	return tables, nil
}
