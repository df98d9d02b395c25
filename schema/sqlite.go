package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// SQLite has no schemas, so a namespace is a table name prefix joined with
// namespaceSep. It supports a subset of alterations.
type SQLite struct {
	mu *sync.Mutex
}

// NewSQLite creates the SQLite dialect. DDL is serialised in process.
func NewSQLite() SQLite { return SQLite{mu: &sync.Mutex{}} }

func (SQLite) Name() string { return "sqlite" }

func (SQLite) Quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func (s SQLite) Table(ns, table string) string { return s.Quote(ns + namespaceSep + table) }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) SQLType(c ColumnSpec) (string, error) {
	switch c.Type {
	case TypeText:
		return "TEXT", nil
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length), nil
	case TypeInteger, TypeSerial:
		return "INTEGER", nil
	case TypeBigint:
		return "BIGINT", nil
	case TypeBoolean:
		return "BOOLEAN", nil
	case TypeNumeric:
		return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale), nil
	case TypeDouble:
		return "DOUBLE", nil
	case TypeDate:
		return "DATE", nil
	case TypeTimestamp:
		return "TIMESTAMP", nil
	case TypeTimestampTZ:
		return "TIMESTAMPTZ", nil
	case TypeUUID:
		return "UUID", nil
	case TypeJSON:
		return "JSON", nil
	}
	return "", fmt.Errorf("%w: type %q", ErrUnsupported, c.Type)
}

func (SQLite) NamespaceDDL(string) []string { return nil }

func (s SQLite) DropNamespaceDDL(ns string, tables []string) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = "DROP TABLE IF EXISTS " + s.Table(ns, t)
	}
	return out
}

func (s SQLite) AlterSQL(ns, table string, current *TableSpec, op AlterOp) ([]string, error) {
	prefix := "ALTER TABLE " + s.Table(ns, table) + " "
	col := s.Quote(op.Column)
	switch op.Kind {
	case OpAddColumn:
		if op.Spec.Unique {
			return nil, fmt.Errorf("%w: sqlite cannot add a UNIQUE column", ErrUnsupported)
		}
		if op.Spec.Default != nil {
			if lit, _ := renderDefault(*op.Spec); strings.HasPrefix(lit, "CURRENT_") {
				return nil, fmt.Errorf("%w: sqlite cannot add a column with a non-constant default", ErrUnsupported)
			}
		}
		def, err := columnDef(s, *op.Spec)
		if err != nil {
			return nil, err
		}
		return []string{prefix + "ADD COLUMN " + def}, nil
	case OpDropColumn:
		if c, ok := current.Column(op.Column); ok && c.Unique {
			return nil, fmt.Errorf("%w: sqlite cannot drop a UNIQUE column", ErrUnsupported)
		}
		return []string{prefix + "DROP COLUMN " + col}, nil
	case OpRenameColumn:
		return []string{prefix + "RENAME COLUMN " + col + " TO " + s.Quote(op.NewName)}, nil
	case OpRenameTable:
		return []string{prefix + "RENAME TO " + s.Table(ns, op.NewName)}, nil
	}
	return nil, fmt.Errorf("%w: sqlite does not support %s", ErrUnsupported, op.Kind)
}

func (s SQLite) Lock(ctx context.Context, _ *sql.Tx, _ string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("acquire sqlite lock: %w", err)
	}
	s.mu.Lock()
	return s.mu.Unlock, nil
}

func (SQLite) ListTables(ctx context.Context, q Queryer, ns string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	prefix := ns + namespaceSep
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			out = append(out, rest)
		}
	}
	return out, rows.Err()
}

func (s SQLite) Describe(ctx context.Context, q Queryer, ns, table string) (*TableSpec, error) {
	full := ns + namespaceSep + table
	var ddl string
	err := q.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, full).Scan(&ddl)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	autoinc := strings.Contains(strings.ToUpper(ddl), "AUTOINCREMENT")

	rows, err := q.QueryContext(ctx, `SELECT name, type, "notnull", dflt_value, pk FROM pragma_table_info(?) ORDER BY cid`, full)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	spec := &TableSpec{Name: table}
	pkOrder := map[int]string{}
	for rows.Next() {
		var (
			name, decl string
			notNull    bool
			def        sql.NullString
			pk         int
		)
		if err := rows.Scan(&name, &decl, &notNull, &def, &pk); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		typ, a, b, err := ParseType(decl)
		if err != nil {
			typ = ColumnType(strings.ToLower(decl))
		}
		c := ColumnSpec{Name: name, Type: typ, Nullable: !notNull}
		switch typ {
		case TypeVarchar:
			c.Length = a
		case TypeNumeric:
			c.Precision, c.Scale = a, b
		case TypeInteger:
			if autoinc && pk == 1 {
				c.Type = TypeSerial
			}
		}
		if def.Valid {
			v := normalizeDefault(def.String)
			c.Default = &v
		}
		if pk > 0 {
			pkOrder[pk] = name
		}
		spec.Columns = append(spec.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := 1; i <= len(pkOrder); i++ {
		spec.PrimaryKey = append(spec.PrimaryKey, pkOrder[i])
	}

	urows, err := q.QueryContext(ctx, `
		SELECT il.name, ii.name
		FROM pragma_index_list(?) AS il, pragma_index_info(il.name) AS ii
		WHERE il."unique" = 1 AND il.origin = 'u'
		ORDER BY il.name, ii.seqno`, full)
	if err != nil {
		return nil, fmt.Errorf("describe indexes of %s: %w", table, err)
	}
	defer urows.Close()
	unique := map[string][]string{}
	for urows.Next() {
		var index, column string
		if err := urows.Scan(&index, &column); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		unique[index] = append(unique[index], column)
	}
	if err := urows.Err(); err != nil {
		return nil, err
	}
	finishDescribe(spec, unique)
	return spec, nil
}

// BeginReadOnly pins a connection, switches it to query_only and restores it
// when the transaction ends.
func (SQLite) BeginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA query_only = 1`); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("enable query_only: %w", err)
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		_, _ = conn.ExecContext(context.Background(), `PRAGMA query_only = 0`)
		_ = conn.Close()
		return nil, nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	return tx, func() {
		_ = tx.Rollback()
		_, _ = conn.ExecContext(context.Background(), `PRAGMA query_only = 0`)
		_ = conn.Close()
	}, nil
}
