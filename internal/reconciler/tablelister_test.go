package reconciler

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRows struct {
	names []string
	idx   int
	err   error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool {
	if r.idx >= len(r.names) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeRows) Scan(dest ...any) error {
	ptr := dest[0].(*string)
	*ptr = r.names[r.idx-1]
	return nil
}
func (r *fakeRows) Values() ([]any, error)   { return nil, nil }
func (r *fakeRows) RawValues() [][]byte      { return nil }
func (r *fakeRows) Conn() *pgx.Conn          { return nil }

type fakeQuerier struct {
	rows *fakeRows
	err  error
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestListTablesReturnsOrderedNames(t *testing.T) {
	l := &PgTableLister{db: &fakeQuerier{rows: &fakeRows{names: []string{"accounts", "orders"}}}}
	tables, err := l.ListTables(context.Background(), "public")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(tables) != 2 || tables[0] != "accounts" || tables[1] != "orders" {
		t.Errorf("tables = %v", tables)
	}
}

func TestListTablesPropagatesQueryError(t *testing.T) {
	l := &PgTableLister{db: &fakeQuerier{err: errors.New("connection reset")}}
	if _, err := l.ListTables(context.Background(), "public"); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestListTablesPropagatesRowsError(t *testing.T) {
	l := &PgTableLister{db: &fakeQuerier{rows: &fakeRows{names: []string{"orders"}, err: errors.New("row decode failed")}}}
	if _, err := l.ListTables(context.Background(), "public"); err == nil {
		t.Fatal("expected error, got nil")
	}
}
