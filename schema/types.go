// Package schema manages tenant-owned tables: DDL generation, introspection,
// plan-based migration, row access and a read-only query console.
package schema

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Errors returned by the schema package.
var (
	ErrInvalid       = errors.New("invalid schema request")
	ErrUnsupported   = errors.New("operation not supported by this database")
	ErrDestructive   = errors.New("destructive change requires confirmation")
	ErrTableNotFound = errors.New("table not found")
	ErrTableExists   = errors.New("table already exists")
	ErrReadOnly      = errors.New("only read-only queries are allowed")
)

// ColumnType is a logical column type, mapped to a native type per dialect.
type ColumnType string

const (
	TypeText        ColumnType = "text"
	TypeVarchar     ColumnType = "varchar"
	TypeInteger     ColumnType = "integer"
	TypeBigint      ColumnType = "bigint"
	TypeSerial      ColumnType = "serial"
	TypeBoolean     ColumnType = "boolean"
	TypeNumeric     ColumnType = "numeric"
	TypeDouble      ColumnType = "double"
	TypeDate        ColumnType = "date"
	TypeTimestamp   ColumnType = "timestamp"
	TypeTimestampTZ ColumnType = "timestamptz"
	TypeUUID        ColumnType = "uuid"
	TypeJSON        ColumnType = "json"
)

var knownTypes = map[ColumnType]bool{
	TypeText: true, TypeVarchar: true, TypeInteger: true, TypeBigint: true,
	TypeSerial: true, TypeBoolean: true, TypeNumeric: true, TypeDouble: true,
	TypeDate: true, TypeTimestamp: true, TypeTimestampTZ: true, TypeUUID: true,
	TypeJSON: true,
}

// ColumnSpec describes one column.
type ColumnSpec struct {
	Name      string     `json:"name"`
	Type      ColumnType `json:"type"`
	Length    int        `json:"length,omitempty"`
	Precision int        `json:"precision,omitempty"`
	Scale     int        `json:"scale,omitempty"`
	Nullable  bool       `json:"nullable"`
	// Default is a literal value rendered for the column's type, or one of
	// CURRENT_TIMESTAMP and CURRENT_DATE.
	Default *string `json:"default,omitempty"`
	Unique  bool    `json:"unique,omitempty"`
}

// TableSpec describes a table.
type TableSpec struct {
	Name       string       `json:"name"`
	Columns    []ColumnSpec `json:"columns"`
	PrimaryKey []string     `json:"primary_key,omitempty"`
}

// Column returns the named column.
func (t *TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// TypeString renders the logical type with its modifiers, e.g. varchar(64).
func (c ColumnSpec) TypeString() string {
	switch c.Type {
	case TypeVarchar:
		return fmt.Sprintf("varchar(%d)", c.Length)
	case TypeNumeric:
		return fmt.Sprintf("numeric(%d,%d)", c.Precision, c.Scale)
	default:
		return string(c.Type)
	}
}

// SameType reports whether two columns have the same logical type and modifiers.
func (c ColumnSpec) SameType(o ColumnSpec) bool {
	return c.TypeString() == o.TypeString()
}

var typeModRe = regexp.MustCompile(`^([a-z]+)\s*\(\s*(\d+)\s*(?:,\s*(\d+)\s*)?\)$`)

// ParseType splits a type such as "numeric(10,2)" into the column's fields.
func ParseType(s string) (ColumnType, int, int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if m := typeModRe.FindStringSubmatch(s); m != nil {
		a, _ := strconv.Atoi(m[2])
		b := 0
		if m[3] != "" {
			b, _ = strconv.Atoi(m[3])
		}
		return ColumnType(m[1]), a, b, nil
	}
	if strings.ContainsAny(s, "() ,") {
		return "", 0, 0, fmt.Errorf("%w: malformed type %q", ErrInvalid, s)
	}
	return ColumnType(s), 0, 0, nil
}

// normalize lower-cases names and expands inline type modifiers.
func (c *ColumnSpec) normalize() error {
	c.Name = strings.ToLower(strings.TrimSpace(c.Name))
	typ, a, b, err := ParseType(string(c.Type))
	if err != nil {
		return err
	}
	c.Type = typ
	switch typ {
	case TypeVarchar:
		if a > 0 {
			c.Length = a
		}
	case TypeNumeric:
		if a > 0 {
			c.Precision, c.Scale = a, b
		}
	}
	return nil
}

// Validate checks the column on its own.
func (c *ColumnSpec) Validate() error {
	if err := c.normalize(); err != nil {
		return err
	}
	if err := ValidateIdentifier(c.Name); err != nil {
		return err
	}
	if !knownTypes[c.Type] {
		return fmt.Errorf("%w: column %s has unknown type %q", ErrInvalid, c.Name, c.Type)
	}
	switch c.Type {
	case TypeVarchar:
		if c.Length < 1 || c.Length > 10485760 {
			return fmt.Errorf("%w: column %s needs a varchar length between 1 and 10485760", ErrInvalid, c.Name)
		}
	case TypeNumeric:
		if c.Precision < 1 || c.Precision > 1000 || c.Scale < 0 || c.Scale > c.Precision {
			return fmt.Errorf("%w: column %s has invalid numeric precision or scale", ErrInvalid, c.Name)
		}
	case TypeSerial:
		if c.Default != nil {
			return fmt.Errorf("%w: serial column %s cannot have a default", ErrInvalid, c.Name)
		}
		c.Nullable = false
	}
	if c.Default != nil {
		if _, err := renderDefault(*c); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the table: a valid name, at least one column, unique
// column names, a primary key over existing columns, and serial only as the
// sole primary key column.
func (t *TableSpec) Validate() error {
	t.Name = strings.ToLower(strings.TrimSpace(t.Name))
	if err := ValidateIdentifier(t.Name); err != nil {
		return err
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: table %s has no columns", ErrInvalid, t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for i := range t.Columns {
		c := &t.Columns[i]
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate column %s", ErrInvalid, c.Name)
		}
		seen[c.Name] = true
	}

	pk := make(map[string]bool, len(t.PrimaryKey))
	for i, name := range t.PrimaryKey {
		name = strings.ToLower(strings.TrimSpace(name))
		t.PrimaryKey[i] = name
		if !seen[name] {
			return fmt.Errorf("%w: primary key column %s does not exist", ErrInvalid, name)
		}
		if pk[name] {
			return fmt.Errorf("%w: primary key lists %s twice", ErrInvalid, name)
		}
		pk[name] = true
	}
	for i := range t.Columns {
		c := &t.Columns[i]
		if pk[c.Name] {
			c.Nullable = false
		}
		if c.Type == TypeSerial && !(len(t.PrimaryKey) == 1 && pk[c.Name]) {
			return fmt.Errorf("%w: serial column %s must be the only primary key column", ErrInvalid, c.Name)
		}
	}
	return nil
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

// namespaceSep joins a namespace and a table name on databases without schemas.
const namespaceSep = "__"

// ValidateIdentifier checks a table, column or namespace name. Names must be
// lower-case, start with a letter or underscore, hold at most 63 characters,
// avoid reserved words and must not contain the namespace separator.
func ValidateIdentifier(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("%w: %q is not a valid identifier", ErrInvalid, name)
	}
	if strings.Contains(name, namespaceSep) {
		return fmt.Errorf("%w: identifier %q must not contain %q", ErrInvalid, name, namespaceSep)
	}
	if reserved[name] {
		return fmt.Errorf("%w: %q is a reserved word", ErrInvalid, name)
	}
	return nil
}

// validateNamespace accepts the tenant namespace, which may be longer than a
// table name prefix but follows the same character rules.
func validateNamespace(ns string) error {
	if !identRe.MatchString(ns) || strings.Contains(ns, namespaceSep) {
		return fmt.Errorf("%w: invalid namespace %q", ErrInvalid, ns)
	}
	if strings.HasPrefix(ns, "pg_") || strings.HasPrefix(ns, "sqlite_") || ns == "public" || ns == "information_schema" {
		return fmt.Errorf("%w: namespace %q is reserved", ErrInvalid, ns)
	}
	return nil
}

// reserved holds SQL keywords that are reserved in PostgreSQL or SQLite and
// so cannot be used as bare identifiers.
var reserved = func() map[string]bool {
	words := []string{
		"abort", "action", "add", "after", "all", "alter", "analyze", "and", "any", "array", "as",
		"asc", "asymmetric", "attach", "autoincrement", "before", "begin", "between", "both", "by",
		"cascade", "case", "cast", "check", "collate", "column", "commit", "conflict", "constraint",
		"create", "cross", "current_catalog", "current_date", "current_role", "current_time",
		"current_timestamp", "current_user", "database", "default", "deferrable", "deferred",
		"delete", "desc", "detach", "distinct", "do", "drop", "each", "else", "end", "escape",
		"except", "exclusive", "exists", "explain", "false", "fetch", "for", "foreign", "from",
		"full", "glob", "grant", "group", "having", "if", "ignore", "immediate", "in", "index",
		"indexed", "initially", "inner", "insert", "instead", "intersect", "into", "is", "isnull",
		"join", "key", "lateral", "leading", "left", "like", "limit", "localtime",
		"localtimestamp", "match", "natural", "no", "not", "notnull", "null", "of", "offset", "on",
		"only", "or", "order", "outer", "placing", "plan", "pragma", "primary", "query", "raise",
		"recursive", "references", "regexp", "reindex", "release", "rename", "replace",
		"restrict", "returning", "right", "rollback", "row", "rowid", "savepoint", "select",
		"session_user", "set", "similar", "some", "symmetric", "table", "temp", "temporary", "then",
		"to", "trailing", "transaction", "trigger", "true", "union", "unique", "update", "user",
		"using", "vacuum", "values", "variadic", "verbose", "view", "virtual", "when", "where",
		"window", "with", "without", "oid", "ctid", "xmin", "xmax", "cmin", "cmax", "tableoid",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
