package schema

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
)

// Postgres keeps each namespace in its own schema.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Quote(ident string) string { return pgx.Identifier{ident}.Sanitize() }

func (Postgres) Table(ns, table string) string { return pgx.Identifier{ns, table}.Sanitize() }

func (Postgres) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (Postgres) SQLType(c ColumnSpec) (string, error) {
	switch c.Type {
	case TypeText:
		return "TEXT", nil
	case TypeVarchar:
		return fmt.Sprintf("VARCHAR(%d)", c.Length), nil
	case TypeInteger:
		return "INTEGER", nil
	case TypeBigint:
		return "BIGINT", nil
	case TypeSerial:
		return "SERIAL", nil
	case TypeBoolean:
		return "BOOLEAN", nil
	case TypeNumeric:
		return fmt.Sprintf("NUMERIC(%d,%d)", c.Precision, c.Scale), nil
	case TypeDouble:
		return "DOUBLE PRECISION", nil
	case TypeDate:
		return "DATE", nil
	case TypeTimestamp:
		return "TIMESTAMP", nil
	case TypeTimestampTZ:
		return "TIMESTAMPTZ", nil
	case TypeUUID:
		return "UUID", nil
	case TypeJSON:
		return "JSONB", nil
	}
	return "", fmt.Errorf("%w: type %q", ErrUnsupported, c.Type)
}

func (p Postgres) NamespaceDDL(ns string) []string {
	return []string{"CREATE SCHEMA IF NOT EXISTS " + p.Quote(ns)}
}

func (p Postgres) DropNamespaceDDL(ns string, _ []string) []string {
	return []string{"DROP SCHEMA IF EXISTS " + p.Quote(ns) + " CASCADE"}
}

func (p Postgres) AlterSQL(ns, table string, current *TableSpec, op AlterOp) ([]string, error) {
	prefix := "ALTER TABLE " + p.Table(ns, table) + " "
	col := p.Quote(op.Column)
	switch op.Kind {
	case OpAddColumn:
		def, err := columnDef(p, *op.Spec)
		if err != nil {
			return nil, err
		}
		return []string{prefix + "ADD COLUMN " + def}, nil
	case OpDropColumn:
		return []string{prefix + "DROP COLUMN " + col}, nil
	case OpRenameColumn:
		return []string{prefix + "RENAME COLUMN " + col + " TO " + p.Quote(op.NewName)}, nil
	case OpAlterType:
		typ, err := p.SQLType(*op.Spec)
		if err != nil {
			return nil, err
		}
		return []string{prefix + "ALTER COLUMN " + col + " TYPE " + typ + " USING " + col + "::" + typ}, nil
	case OpSetNotNull:
		return []string{prefix + "ALTER COLUMN " + col + " SET NOT NULL"}, nil
	case OpDropNotNull:
		return []string{prefix + "ALTER COLUMN " + col + " DROP NOT NULL"}, nil
	case OpSetDefault:
		c, _ := current.Column(op.Column)
		c.Default = op.Default
		lit, err := renderDefault(c)
		if err != nil {
			return nil, err
		}
		return []string{prefix + "ALTER COLUMN " + col + " SET DEFAULT " + lit}, nil
	case OpDropDefault:
		return []string{prefix + "ALTER COLUMN " + col + " DROP DEFAULT"}, nil
	case OpRenameTable:
		return []string{prefix + "RENAME TO " + p.Quote(op.NewName)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, op.Kind)
}

// Lock takes a transaction-scoped advisory lock keyed by an FNV-1a hash.
func (Postgres) Lock(ctx context.Context, tx *sql.Tx, key string) (func(), error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, lockKey(key)); err != nil {
		return nil, fmt.Errorf("pg_advisory_xact_lock: %w", err)
	}
	return func() {}, nil
}

func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF) //nolint:gosec // truncated for an advisory lock key
}

func (Postgres) ListTables(ctx context.Context, q Queryer, ns string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, ns)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan table name: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (Postgres) Describe(ctx context.Context, q Queryer, ns, table string) (*TableSpec, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type, character_maximum_length, numeric_precision,
		       numeric_scale, is_nullable, column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, ns, table)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", table, err)
	}
	defer rows.Close()

	spec := &TableSpec{Name: table}
	for rows.Next() {
		var (
			name, dataType, nullable string
			length, prec, scale      sql.NullInt64
			def                      sql.NullString
		)
		if err := rows.Scan(&name, &dataType, &length, &prec, &scale, &nullable, &def); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		c := ColumnSpec{Name: name, Nullable: nullable == "YES"}
		switch dataType {
		case "text":
			c.Type = TypeText
		case "character varying":
			c.Type, c.Length = TypeVarchar, int(length.Int64)
		case "integer":
			c.Type = TypeInteger
		case "bigint":
			c.Type = TypeBigint
		case "boolean":
			c.Type = TypeBoolean
		case "numeric":
			c.Type, c.Precision, c.Scale = TypeNumeric, int(prec.Int64), int(scale.Int64)
		case "double precision":
			c.Type = TypeDouble
		case "date":
			c.Type = TypeDate
		case "timestamp without time zone":
			c.Type = TypeTimestamp
		case "timestamp with time zone":
			c.Type = TypeTimestampTZ
		case "uuid":
			c.Type = TypeUUID
		case "jsonb", "json":
			c.Type = TypeJSON
		default:
			// Tables created outside the manager may use other types.
			c.Type = ColumnType(dataType)
		}
		if def.Valid {
			if c.Type == TypeInteger && strings.HasPrefix(def.String, "nextval(") {
				c.Type = TypeSerial
			} else {
				v := normalizeDefault(def.String)
				c.Default = &v
			}
		}
		spec.Columns = append(spec.Columns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(spec.Columns) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}

	crows, err := q.QueryContext(ctx, `
		SELECT tc.constraint_type, tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		 AND kcu.table_name = tc.table_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		  AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY tc.constraint_name, kcu.ordinal_position`, ns, table)
	if err != nil {
		return nil, fmt.Errorf("describe constraints of %s: %w", table, err)
	}
	defer crows.Close()
	unique := map[string][]string{}
	for crows.Next() {
		var typ, name, column string
		if err := crows.Scan(&typ, &name, &column); err != nil {
			return nil, fmt.Errorf("scan constraint: %w", err)
		}
		if typ == "PRIMARY KEY" {
			spec.PrimaryKey = append(spec.PrimaryKey, column)
		} else {
			unique[name] = append(unique[name], column)
		}
	}
	if err := crows.Err(); err != nil {
		return nil, err
	}
	finishDescribe(spec, unique)
	return spec, nil
}

// finishDescribe marks single-column unique constraints and forces primary
// key columns to NOT NULL.
func finishDescribe(spec *TableSpec, unique map[string][]string) {
	single := map[string]bool{}
	for _, cols := range unique {
		if len(cols) == 1 {
			single[cols[0]] = true
		}
	}
	pk := map[string]bool{}
	for _, name := range spec.PrimaryKey {
		pk[name] = true
	}
	for i := range spec.Columns {
		c := &spec.Columns[i]
		c.Unique = single[c.Name]
		if pk[c.Name] {
			c.Nullable = false
		}
	}
}

func (Postgres) BeginReadOnly(ctx context.Context, db *sql.DB) (*sql.Tx, func(), error) {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin read-only tx: %w", err)
	}
	return tx, func() { _ = tx.Rollback() }, nil
}
