package schema

import (
	"context"
	"database/sql"
)

// Dialect isolates the SQL differences between the supported databases.
// Identifiers passed to a Dialect have already been validated.
type Dialect interface {
	Name() string
	// Quote quotes a single identifier.
	Quote(ident string) string
	// Table returns the quoted, namespace-qualified name of a table.
	Table(ns, table string) string
	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string
	// SQLType returns the native column type.
	SQLType(c ColumnSpec) (string, error)
	// NamespaceDDL returns the statements that create a namespace.
	NamespaceDDL(ns string) []string
	// DropNamespaceDDL returns the statements that remove a namespace and
	// everything in it, given the tables it currently holds.
	DropNamespaceDDL(ns string, tables []string) []string
	// AlterSQL renders one alteration. Unsupported operations return
	// ErrUnsupported.
	AlterSQL(ns, table string, current *TableSpec, op AlterOp) ([]string, error)
	// Lock serialises DDL on key for the lifetime of tx and returns a
	// function releasing any process-local state.
	Lock(ctx context.Context, tx *sql.Tx, key string) (func(), error)
	// ListTables returns the bare names of the tables in ns.
	ListTables(ctx context.Context, q Queryer, ns string) ([]string, error)
	// Describe introspects a table, returning ErrTableNotFound when absent.
	Describe(ctx context.Context, q Queryer, ns, table string) (*TableSpec, error)
	// BeginReadOnly starts a transaction that rejects writes. The returned
	// function ends it.
	BeginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, func(), error)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// DialectFor returns the dialect registered under name: "postgres" or
// "sqlite".
func DialectFor(name string) (Dialect, error) {
	switch name {
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	case "sqlite", "sqlite3":
		return NewSQLite(), nil
	default:
		return nil, ErrUnsupported
	}
}
