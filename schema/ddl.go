package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// OpKind names an alteration.
type OpKind string

const (
	OpAddColumn    OpKind = "add_column"
	OpDropColumn   OpKind = "drop_column"
	OpRenameColumn OpKind = "rename_column"
	OpAlterType    OpKind = "alter_type"
	OpSetNotNull   OpKind = "set_not_null"
	OpDropNotNull  OpKind = "drop_not_null"
	OpSetDefault   OpKind = "set_default"
	OpDropDefault  OpKind = "drop_default"
	OpRenameTable  OpKind = "rename_table"
)

// AlterOp is one alteration of an existing table.
type AlterOp struct {
	Kind    OpKind      `json:"op"`
	Column  string      `json:"column,omitempty"`
	NewName string      `json:"new_name,omitempty"`
	Spec    *ColumnSpec `json:"spec,omitempty"`
	Default *string     `json:"default,omitempty"`
}

// Destructive reports whether the operation can lose data.
func (o AlterOp) Destructive() bool {
	return o.Kind == OpDropColumn || o.Kind == OpAlterType
}

func (o AlterOp) String() string {
	switch o.Kind {
	case OpAddColumn, OpAlterType:
		if o.Spec != nil {
			return fmt.Sprintf("%s %s %s", o.Kind, o.Spec.Name, o.Spec.TypeString())
		}
	case OpRenameColumn:
		return fmt.Sprintf("%s %s to %s", o.Kind, o.Column, o.NewName)
	case OpRenameTable:
		return fmt.Sprintf("%s to %s", o.Kind, o.NewName)
	}
	return fmt.Sprintf("%s %s", o.Kind, o.Column)
}

// BuildCreateTable renders the CREATE TABLE statement for spec, which must
// already be valid.
func BuildCreateTable(d Dialect, ns string, spec *TableSpec) (string, error) {
	inlineSerial := d.Name() == "sqlite" && len(spec.PrimaryKey) == 1
	defs := make([]string, 0, len(spec.Columns)+1)
	skipPK := false
	for _, c := range spec.Columns {
		if inlineSerial && c.Type == TypeSerial && spec.PrimaryKey[0] == c.Name {
			defs = append(defs, d.Quote(c.Name)+" INTEGER PRIMARY KEY AUTOINCREMENT")
			skipPK = true
			continue
		}
		def, err := columnDef(d, c)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	if len(spec.PrimaryKey) > 0 && !skipPK {
		cols := make([]string, len(spec.PrimaryKey))
		for i, name := range spec.PrimaryKey {
			cols[i] = d.Quote(name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(cols, ", ")+")")
	}
	return fmt.Sprintf("CREATE TABLE %s (\n    %s\n)", d.Table(ns, spec.Name), strings.Join(defs, ",\n    ")), nil
}

func columnDef(d Dialect, c ColumnSpec) (string, error) {
	typ, err := d.SQLType(c)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(d.Quote(c.Name))
	b.WriteByte(' ')
	b.WriteString(typ)
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}
	if c.Default != nil {
		lit, err := renderDefault(c)
		if err != nil {
			return "", err
		}
		b.WriteString(" DEFAULT ")
		b.WriteString(lit)
	}
	if c.Unique {
		b.WriteString(" UNIQUE")
	}
	return b.String(), nil
}

// BuildAlter validates op against the current table and renders it.
func BuildAlter(d Dialect, ns string, current *TableSpec, op AlterOp) ([]string, error) {
	if err := validateOp(current, &op); err != nil {
		return nil, err
	}
	return d.AlterSQL(ns, current.Name, current, op)
}

// validateOp checks op against t and normalises its names.
func validateOp(t *TableSpec, op *AlterOp) error {
	op.Column = strings.ToLower(strings.TrimSpace(op.Column))
	op.NewName = strings.ToLower(strings.TrimSpace(op.NewName))

	if op.Kind == OpAddColumn {
		if op.Spec == nil {
			return fmt.Errorf("%w: add_column needs a column spec", ErrInvalid)
		}
		if err := op.Spec.Validate(); err != nil {
			return err
		}
		if _, ok := t.Column(op.Spec.Name); ok {
			return fmt.Errorf("%w: column %s already exists", ErrInvalid, op.Spec.Name)
		}
		if op.Spec.Type == TypeSerial {
			return fmt.Errorf("%w: serial columns can only be created with the table", ErrInvalid)
		}
		if !op.Spec.Nullable && op.Spec.Default == nil {
			return fmt.Errorf("%w: NOT NULL column %s added to an existing table needs a default", ErrInvalid, op.Spec.Name)
		}
		op.Column = op.Spec.Name
		return nil
	}
	if op.Kind == OpRenameTable {
		return ValidateIdentifier(op.NewName)
	}

	col, ok := t.Column(op.Column)
	if !ok {
		return fmt.Errorf("%w: column %s does not exist", ErrInvalid, op.Column)
	}
	inPK := false
	for _, name := range t.PrimaryKey {
		if name == col.Name {
			inPK = true
		}
	}

	switch op.Kind {
	case OpDropColumn:
		if inPK {
			return fmt.Errorf("%w: primary key column %s cannot be dropped", ErrInvalid, col.Name)
		}
		if len(t.Columns) == 1 {
			return fmt.Errorf("%w: cannot drop the last column", ErrInvalid)
		}
	case OpRenameColumn:
		if err := ValidateIdentifier(op.NewName); err != nil {
			return err
		}
		if _, exists := t.Column(op.NewName); exists {
			return fmt.Errorf("%w: column %s already exists", ErrInvalid, op.NewName)
		}
	case OpAlterType:
		if op.Spec == nil {
			return fmt.Errorf("%w: alter_type needs a column spec", ErrInvalid)
		}
		next := col
		next.Type, next.Length, next.Precision, next.Scale = op.Spec.Type, op.Spec.Length, op.Spec.Precision, op.Spec.Scale
		next.Default = nil
		if err := next.Validate(); err != nil {
			return err
		}
		if next.Type == TypeSerial || col.Type == TypeSerial {
			return fmt.Errorf("%w: serial columns cannot change type", ErrInvalid)
		}
		next.Default = col.Default
		op.Spec = &next
	case OpSetNotNull:
	case OpDropNotNull:
		if inPK {
			return fmt.Errorf("%w: primary key column %s must stay NOT NULL", ErrInvalid, col.Name)
		}
	case OpSetDefault:
		if op.Default == nil {
			return fmt.Errorf("%w: set_default needs a default", ErrInvalid)
		}
		if col.Type == TypeSerial {
			return fmt.Errorf("%w: serial column %s cannot have a default", ErrInvalid, col.Name)
		}
		next := col
		next.Default = op.Default
		if _, err := renderDefault(next); err != nil {
			return err
		}
	case OpDropDefault:
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalid, op.Kind)
	}
	return nil
}

// apply updates t to reflect a validated op.
func (t *TableSpec) apply(op AlterOp) {
	switch op.Kind {
	case OpAddColumn:
		t.Columns = append(t.Columns, *op.Spec)
	case OpRenameTable:
		t.Name = op.NewName
	case OpDropColumn:
		for i, c := range t.Columns {
			if c.Name == op.Column {
				t.Columns = append(t.Columns[:i:i], t.Columns[i+1:]...)
				break
			}
		}
	default:
		for i := range t.Columns {
			c := &t.Columns[i]
			if c.Name != op.Column {
				continue
			}
			switch op.Kind {
			case OpRenameColumn:
				c.Name = op.NewName
				for j, pk := range t.PrimaryKey {
					if pk == op.Column {
						t.PrimaryKey[j] = op.NewName
					}
				}
			case OpAlterType:
				c.Type, c.Length, c.Precision, c.Scale = op.Spec.Type, op.Spec.Length, op.Spec.Precision, op.Spec.Scale
			case OpSetNotNull:
				c.Nullable = false
			case OpDropNotNull:
				c.Nullable = true
			case OpSetDefault:
				c.Default = op.Default
			case OpDropDefault:
				c.Default = nil
			}
		}
	}
}

func (t *TableSpec) clone() *TableSpec {
	out := &TableSpec{Name: t.Name, PrimaryKey: append([]string(nil), t.PrimaryKey...)}
	out.Columns = append([]ColumnSpec(nil), t.Columns...)
	return out
}

var numberRe = regexp.MustCompile(`^-?\d+(\.\d+)?([eE][-+]?\d+)?$`)

// renderDefault renders c.Default as a SQL literal after checking that it is
// a valid value of the column's type.
func renderDefault(c ColumnSpec) (string, error) {
	raw := strings.TrimSpace(*c.Default)
	bad := func(reason string) error {
		return fmt.Errorf("%w: default for column %s %s", ErrInvalid, c.Name, reason)
	}
	switch upper := strings.ToUpper(raw); upper {
	case "CURRENT_TIMESTAMP", "NOW()":
		if c.Type != TypeTimestamp && c.Type != TypeTimestampTZ {
			return "", bad("CURRENT_TIMESTAMP needs a timestamp column")
		}
		return "CURRENT_TIMESTAMP", nil
	case "CURRENT_DATE":
		if c.Type != TypeDate && c.Type != TypeTimestamp && c.Type != TypeTimestampTZ {
			return "", bad("CURRENT_DATE needs a date column")
		}
		return "CURRENT_DATE", nil
	}

	switch c.Type {
	case TypeInteger, TypeBigint:
		bits := 64
		if c.Type == TypeInteger {
			bits = 32
		}
		n, err := strconv.ParseInt(raw, 10, bits)
		if err != nil {
			return "", bad("is not an integer in range")
		}
		return strconv.FormatInt(n, 10), nil
	case TypeNumeric, TypeDouble:
		if !numberRe.MatchString(raw) {
			return "", bad("is not a number")
		}
		return raw, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return "", bad("is not a boolean")
		}
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
	case TypeDate:
		if _, err := time.Parse(time.DateOnly, raw); err != nil {
			return "", bad("is not a YYYY-MM-DD date")
		}
	case TypeTimestamp, TypeTimestampTZ:
		if _, err := parseTimestamp(raw); err != nil {
			return "", bad("is not a timestamp")
		}
	case TypeUUID:
		u, err := uuid.Parse(raw)
		if err != nil {
			return "", bad("is not a UUID")
		}
		raw = u.String()
	case TypeJSON:
		if !json.Valid([]byte(raw)) {
			return "", bad("is not valid JSON")
		}
	case TypeVarchar:
		if utf8.RuneCountInString(*c.Default) > c.Length {
			return "", bad("exceeds the column length")
		}
		raw = *c.Default
	case TypeText:
		raw = *c.Default
	case TypeSerial:
		return "", bad("is not allowed on serial columns")
	}
	return quoteLiteral(raw)
}

func quoteLiteral(s string) (string, error) {
	if strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: literal contains a NUL byte", ErrInvalid)
	}
	return "'" + strings.ReplaceAll(s, "'", "''") + "'", nil
}

var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", time.DateOnly}

func parseTimestamp(s string) (time.Time, error) {
	var err error
	for _, layout := range timestampLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

var castSuffixRe = regexp.MustCompile(`::[a-z_ ]+(\(\d+(,\s*\d+)?\))?(\[\])?$`)

// normalizeDefault turns a default expression read back from the catalog
// into the literal form accepted by ColumnSpec.Default.
func normalizeDefault(expr string) string {
	s := strings.TrimSpace(expr)
	for {
		trimmed := castSuffixRe.ReplaceAllString(s, "")
		if strings.HasPrefix(trimmed, "(") && strings.HasSuffix(trimmed, ")") {
			trimmed = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
		}
		if trimmed == s {
			break
		}
		s = trimmed
	}
	switch strings.ToUpper(s) {
	case "NOW()", "CURRENT_TIMESTAMP", "TRANSACTION_TIMESTAMP()":
		return "CURRENT_TIMESTAMP"
	case "CURRENT_DATE":
		return "CURRENT_DATE"
	}
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'")
	}
	return s
}

// sameDefault compares two defaults for the column's type.
func sameDefault(c ColumnSpec, a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	x, y := strings.TrimSpace(*a), strings.TrimSpace(*b)
	if strings.EqualFold(x, y) {
		return true
	}
	switch c.Type {
	case TypeInteger, TypeBigint, TypeNumeric, TypeDouble:
		fx, err1 := strconv.ParseFloat(x, 64)
		fy, err2 := strconv.ParseFloat(y, 64)
		return err1 == nil && err2 == nil && fx == fy
	case TypeBoolean:
		bx, err1 := strconv.ParseBool(x)
		by, err2 := strconv.ParseBool(y)
		return err1 == nil && err2 == nil && bx == by
	case TypeTimestamp, TypeTimestampTZ:
		tx, err1 := parseTimestamp(x)
		ty, err2 := parseTimestamp(y)
		return err1 == nil && err2 == nil && tx.Equal(ty)
	}
	return false
}
