package schema

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// RowQuery selects a page of rows.
type RowQuery struct {
	Limit  int
	Offset int
	// Sort names the column to order by; empty orders by the primary key.
	Sort string
	Desc bool
	// Filters are equality conditions; values are coerced to the column type.
	Filters map[string]string
}

// RowPage is one page of rows.
type RowPage struct {
	Columns []string         `json:"columns"`
	Rows    []map[string]any `json:"rows"`
	Total   int64            `json:"total"`
	Limit   int              `json:"limit"`
	Offset  int              `json:"offset"`
}

// Rows returns a page of rows from a table.
func (m *Manager) Rows(ctx context.Context, ns, table string, q RowQuery) (*RowPage, error) {
	spec, err := m.DescribeTable(ctx, ns, table)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > m.opts.MaxPageSize {
		q.Limit = m.opts.MaxPageSize
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	b := &builder{d: m.dialect}
	where, err := b.filters(spec, q.Filters)
	if err != nil {
		return nil, err
	}

	var order []string
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.Sort != "" {
		if _, ok := spec.Column(q.Sort); !ok {
			return nil, fmt.Errorf("%w: unknown sort column %s", ErrInvalid, q.Sort)
		}
		order = append(order, m.dialect.Quote(q.Sort)+" "+dir)
	}
	for _, pk := range spec.PrimaryKey {
		if pk != q.Sort {
			order = append(order, m.dialect.Quote(pk)+" "+dir)
		}
	}

	tbl := m.dialect.Table(ns, table)
	var total int64
	countSQL := "SELECT COUNT(*) FROM " + tbl + where
	if err := m.db.QueryRowContext(ctx, countSQL, b.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count rows of %s: %w", table, err)
	}

	selectSQL := "SELECT * FROM " + tbl + where
	if len(order) > 0 {
		selectSQL += " ORDER BY " + strings.Join(order, ", ")
	}
	selectSQL += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	rows, err := m.db.QueryContext(ctx, selectSQL, b.args...)
	if err != nil {
		return nil, fmt.Errorf("query rows of %s: %w", table, err)
	}
	defer rows.Close()
	cols, result, _, err := scanRows(rows, spec, 0)
	if err != nil {
		return nil, err
	}
	return &RowPage{Columns: cols, Rows: result, Total: total, Limit: q.Limit, Offset: q.Offset}, nil
}

// InsertRow inserts one row and returns it as stored.
func (m *Manager) InsertRow(ctx context.Context, ns, table string, values map[string]any) (map[string]any, error) {
	spec, err := m.DescribeTable(ctx, ns, table)
	if err != nil {
		return nil, err
	}
	b := &builder{d: m.dialect}
	names := sortedKeys(values)
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	for i, name := range names {
		c, ok := spec.Column(name)
		if !ok {
			return nil, fmt.Errorf("%w: unknown column %s", ErrInvalid, name)
		}
		v, err := Coerce(c, values[name])
		if err != nil {
			return nil, err
		}
		cols[i] = m.dialect.Quote(name)
		marks[i] = b.bind(v)
	}

	stmt := "INSERT INTO " + m.dialect.Table(ns, table)
	if len(cols) == 0 {
		stmt += " DEFAULT VALUES"
	} else {
		stmt += " (" + strings.Join(cols, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"
	}
	stmt += " RETURNING *"

	rows, err := m.db.QueryContext(ctx, stmt, b.args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	defer rows.Close()
	_, result, _, err := scanRows(rows, spec, 1)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("insert into %s returned no row", table)
	}
	return result[0], nil
}

// UpdateRows sets values on the rows matching key and returns how many
// changed. An empty key is rejected.
func (m *Manager) UpdateRows(ctx context.Context, ns, table string, key, values map[string]any) (int64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("%w: a key is required to update rows", ErrInvalid)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("%w: no values to update", ErrInvalid)
	}
	spec, err := m.DescribeTable(ctx, ns, table)
	if err != nil {
		return 0, err
	}
	b := &builder{d: m.dialect}
	sets := make([]string, 0, len(values))
	for _, name := range sortedKeys(values) {
		c, ok := spec.Column(name)
		if !ok {
			return 0, fmt.Errorf("%w: unknown column %s", ErrInvalid, name)
		}
		v, err := Coerce(c, values[name])
		if err != nil {
			return 0, err
		}
		sets = append(sets, m.dialect.Quote(name)+" = "+b.bind(v))
	}
	where, err := b.key(spec, key)
	if err != nil {
		return 0, err
	}
	stmt := "UPDATE " + m.dialect.Table(ns, table) + " SET " + strings.Join(sets, ", ") + where
	res, err := m.db.ExecContext(ctx, stmt, b.args...)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", table, err)
	}
	return res.RowsAffected()
}

// DeleteRows deletes the rows matching key. An empty key is rejected.
func (m *Manager) DeleteRows(ctx context.Context, ns, table string, key map[string]any) (int64, error) {
	if len(key) == 0 {
		return 0, fmt.Errorf("%w: a key is required to delete rows", ErrInvalid)
	}
	spec, err := m.DescribeTable(ctx, ns, table)
	if err != nil {
		return 0, err
	}
	b := &builder{d: m.dialect}
	where, err := b.key(spec, key)
	if err != nil {
		return 0, err
	}
	res, err := m.db.ExecContext(ctx, "DELETE FROM "+m.dialect.Table(ns, table)+where, b.args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", table, err)
	}
	return res.RowsAffected()
}

// builder accumulates bind arguments in placeholder order.
type builder struct {
	d    Dialect
	args []any
}

func (b *builder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *builder) filters(spec *TableSpec, filters map[string]string) (string, error) {
	if len(filters) == 0 {
		return "", nil
	}
	conds := make([]string, 0, len(filters))
	names := make([]string, 0, len(filters))
	for name := range filters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c, ok := spec.Column(name)
		if !ok {
			return "", fmt.Errorf("%w: unknown filter column %s", ErrInvalid, name)
		}
		v, err := Coerce(c, filters[name])
		if err != nil {
			return "", err
		}
		conds = append(conds, b.d.Quote(name)+" = "+b.bind(v))
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func (b *builder) key(spec *TableSpec, key map[string]any) (string, error) {
	conds := make([]string, 0, len(key))
	for _, name := range sortedKeys(key) {
		c, ok := spec.Column(name)
		if !ok {
			return "", fmt.Errorf("%w: unknown key column %s", ErrInvalid, name)
		}
		if key[name] == nil {
			conds = append(conds, b.d.Quote(name)+" IS NULL")
			continue
		}
		v, err := Coerce(c, key[name])
		if err != nil {
			return "", err
		}
		conds = append(conds, b.d.Quote(name)+" = "+b.bind(v))
	}
	return " WHERE " + strings.Join(conds, " AND "), nil
}

func sortedKeys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Coerce converts a decoded JSON value (decoded with UseNumber) or a string to
// the Go value bound for column c. JSON columns store v encoded as JSON, so the
// string "123" is stored as "\"123\""; pass json.RawMessage to store raw JSON.
func Coerce(c ColumnSpec, v any) (any, error) {
	if v == nil {
		if !c.Nullable && c.Type != TypeSerial {
			return nil, fmt.Errorf("%w: column %s cannot be null", ErrInvalid, c.Name)
		}
		return nil, nil
	}
	bad := func() error {
		return fmt.Errorf("%w: value %v is not valid for column %s (%s)", ErrInvalid, v, c.Name, c.TypeString())
	}
	str, isStr := v.(string)
	num, isNum := v.(json.Number)

	switch c.Type {
	case TypeText, TypeVarchar:
		if !isStr {
			return nil, bad()
		}
		if c.Type == TypeVarchar && utf8.RuneCountInString(str) > c.Length {
			return nil, fmt.Errorf("%w: value for column %s exceeds %d characters", ErrInvalid, c.Name, c.Length)
		}
		return str, nil

	case TypeInteger, TypeBigint, TypeSerial:
		var s string
		switch {
		case isNum:
			s = num.String()
		case isStr:
			s = strings.TrimSpace(str)
		case isFloat(v):
			f := v.(float64)
			if f != math.Trunc(f) {
				return nil, bad()
			}
			s = strconv.FormatFloat(f, 'f', 0, 64)
		default:
			return nil, bad()
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, bad()
		}
		if c.Type == TypeInteger && (n < math.MinInt32 || n > math.MaxInt32) {
			return nil, bad()
		}
		return n, nil

	case TypeNumeric:
		var s string
		switch {
		case isNum:
			s = num.String()
		case isStr:
			s = strings.TrimSpace(str)
		case isFloat(v):
			s = strconv.FormatFloat(v.(float64), 'f', -1, 64)
		default:
			return nil, bad()
		}
		if !numberRe.MatchString(s) {
			return nil, bad()
		}
		return s, nil

	case TypeDouble:
		switch {
		case isNum:
			f, err := num.Float64()
			if err != nil {
				return nil, bad()
			}
			return f, nil
		case isStr:
			f, err := strconv.ParseFloat(strings.TrimSpace(str), 64)
			if err != nil {
				return nil, bad()
			}
			return f, nil
		case isFloat(v):
			return v, nil
		}
		return nil, bad()

	case TypeBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, bad()
			}
			return parsed, nil
		}
		return nil, bad()

	case TypeDate:
		if !isStr {
			return nil, bad()
		}
		d, err := time.Parse(time.DateOnly, strings.TrimSpace(str))
		if err != nil {
			return nil, bad()
		}
		return d.Format(time.DateOnly), nil

	case TypeTimestamp, TypeTimestampTZ:
		if !isStr {
			return nil, bad()
		}
		t, err := parseTimestamp(strings.TrimSpace(str))
		if err != nil {
			return nil, bad()
		}
		if c.Type == TypeTimestamp {
			return t.UTC().Format("2006-01-02 15:04:05.999999"), nil
		}
		return t.UTC(), nil

	case TypeUUID:
		if !isStr {
			return nil, bad()
		}
		u, err := uuid.Parse(strings.TrimSpace(str))
		if err != nil {
			return nil, bad()
		}
		return u.String(), nil

	case TypeJSON:
		// Only json.RawMessage is taken verbatim; a string is a JSON string.
		if raw, ok := v.(json.RawMessage); ok {
			if !json.Valid(raw) {
				return nil, bad()
			}
			return string(raw), nil
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, bad()
		}
		return string(raw), nil
	}
	return nil, fmt.Errorf("%w: column %s has unsupported type %s", ErrUnsupported, c.Name, c.Type)
}

func isFloat(v any) bool {
	_, ok := v.(float64)
	return ok
}

// scanRows reads rows into maps. Byte slices become strings and JSON columns
// become raw JSON. When limit > 0, at most limit rows are read and truncated
// reports whether more were available.
func scanRows(rows *sql.Rows, spec *TableSpec, limit int) ([]string, []map[string]any, bool, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, false, err
	}
	jsonCols := map[string]bool{}
	if spec != nil {
		for _, c := range spec.Columns {
			if c.Type == TypeJSON {
				jsonCols[c.Name] = true
			}
		}
	}

	result := []map[string]any{}
	truncated := false
	for rows.Next() {
		if limit > 0 && len(result) == limit {
			truncated = true
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, false, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = displayValue(values[i], jsonCols[col])
		}
		result = append(result, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, false, err
	}
	return cols, result, truncated, nil
}

func displayValue(v any, isJSON bool) any {
	switch x := v.(type) {
	case []byte:
		if isJSON && json.Valid(x) {
			return json.RawMessage(append([]byte(nil), x...))
		}
		return string(x)
	case string:
		if isJSON && json.Valid([]byte(x)) {
			return json.RawMessage(x)
		}
		return x
	case [16]byte:
		return uuid.UUID(x).String()
	}
	return v
}
