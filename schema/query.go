package schema

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// QueryResult is the output of a console query.
type QueryResult struct {
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	Count      int              `json:"count"`
	Truncated  bool             `json:"truncated"`
	DurationMS int64            `json:"duration_ms"`
}

// Query runs a single read-only SELECT against the tenant's tables. Table
// references are resolved against ns and rewritten to their qualified names;
// any other table, schema-qualified names, comments, multiple statements and
// write keywords are rejected. The statement runs in a read-only transaction
// with a timeout and a row cap.
func (m *Manager) Query(ctx context.Context, ns, query string) (*QueryResult, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	tables, err := m.ListTables(ctx, ns)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(tables))
	for _, t := range tables {
		known[t] = true
	}
	rewritten, err := rewriteQuery(query, known, func(t string) string { return m.dialect.Table(ns, t) })
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.QueryTimeout)
	defer cancel()

	tx, done, err := m.dialect.BeginReadOnly(ctx, m.db)
	if err != nil {
		return nil, err
	}
	defer done()

	if m.dialect.Name() == "postgres" {
		// Unqualified names that escape the rewrite still resolve inside the
		// tenant's schema only.
		if _, err := tx.ExecContext(ctx, "SET LOCAL search_path TO "+m.dialect.Quote(ns)); err != nil {
			return nil, fmt.Errorf("set search_path: %w", err)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", m.opts.QueryTimeout.Milliseconds())); err != nil {
			return nil, fmt.Errorf("set statement_timeout: %w", err)
		}
	}

	start := time.Now()
	rows, err := tx.QueryContext(ctx, rewritten)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	defer rows.Close()
	cols, result, truncated, err := scanRows(rows, nil, m.opts.MaxQueryRows)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("console query", "namespace", ns, "rows", len(result), "truncated", truncated)
	return &QueryResult{
		Columns:    cols,
		Rows:       result,
		Count:      len(result),
		Truncated:  truncated,
		DurationMS: time.Since(start).Milliseconds(),
	}, nil
}

type tokKind int

const (
	tokSpace tokKind = iota
	tokWord
	tokQuoted
	tokString
	tokPunct
)

type token struct {
	kind tokKind
	text string
}

// value returns the identifier a word or quoted token names.
func (t token) value() string {
	if t.kind == tokQuoted {
		return strings.ReplaceAll(t.text[1:len(t.text)-1], `""`, `"`)
	}
	return strings.ToLower(t.text)
}

func isWordStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isWordChar(c byte) bool {
	return isWordStart(c) || (c >= '0' && c <= '9')
}

// tokenize splits q into tokens. Comments, dollar quoting, backticks and
// bracket identifiers are rejected.
func tokenize(q string) ([]token, error) {
	var out []token
	for i := 0; i < len(q); {
		c := q[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			j := i
			for j < len(q) && strings.IndexByte(" \t\n\r", q[j]) >= 0 {
				j++
			}
			out = append(out, token{tokSpace, q[i:j]})
			i = j
		case c == '\'' || c == '"':
			j := i + 1
			for {
				if j >= len(q) {
					return nil, fmt.Errorf("%w: unterminated quote", ErrInvalid)
				}
				if q[j] == c {
					if j+1 < len(q) && q[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			kind := tokString
			if c == '"' {
				kind = tokQuoted
			}
			out = append(out, token{kind, q[i : j+1]})
			i = j + 1
		case c == '-' && i+1 < len(q) && q[i+1] == '-', c == '/' && i+1 < len(q) && q[i+1] == '*':
			return nil, fmt.Errorf("%w: SQL comments are not allowed", ErrReadOnly)
		case c == '$' || c == '`' || c == '[' || c == ']' || c == '\\':
			return nil, fmt.Errorf("%w: character %q is not allowed", ErrReadOnly, c)
		case c == ';':
			return nil, fmt.Errorf("%w: multiple statements are not allowed", ErrReadOnly)
		case isWordStart(c):
			j := i + 1
			for j < len(q) && isWordChar(q[j]) {
				j++
			}
			out = append(out, token{tokWord, q[i:j]})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(q) && (isWordChar(q[j]) || q[j] == '.') {
				j++
			}
			out = append(out, token{tokPunct, q[i:j]})
			i = j
		default:
			out = append(out, token{tokPunct, string(c)})
			i++
		}
	}
	return out, nil
}

// deniedWords may not appear anywhere outside string literals.
var deniedWords = map[string]bool{
	"insert": true, "update": true, "delete": true, "merge": true, "upsert": true,
	"into": true, "drop": true, "alter": true, "create": true, "truncate": true,
	"grant": true, "revoke": true, "copy": true, "attach": true, "detach": true,
	"pragma": true, "vacuum": true, "reindex": true, "table": true,
	"nextval": true, "setval": true, "set_config": true, "current_setting": true,
	"load_extension": true, "dblink": true, "information_schema": true,
}

var deniedPrefixes = []string{"pg_", "lo_", "sqlite_", "dblink_"}

// clauseEnd words close a FROM list at the current nesting depth.
var clauseEnd = map[string]bool{
	"where": true, "group": true, "order": true, "having": true, "limit": true,
	"offset": true, "union": true, "intersect": true, "except": true, "window": true,
	"fetch": true, "for": true, "returning": true,
}

// rewriteQuery validates q and replaces every table reference with the
// result of qualify. known holds the tables the caller may read.
func rewriteQuery(q string, known map[string]bool, qualify func(string) string) (string, error) {
	q = strings.TrimSpace(q)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if q == "" {
		return "", fmt.Errorf("%w: query is empty", ErrInvalid)
	}
	toks, err := tokenize(q)
	if err != nil {
		return "", err
	}

	// Indexes of significant tokens.
	var sig []int
	for i, t := range toks {
		if t.kind != tokSpace {
			sig = append(sig, i)
		}
	}
	first := toks[sig[0]]
	if first.kind != tokWord || (first.value() != "select" && first.value() != "with") {
		return "", fmt.Errorf("%w: only SELECT statements are allowed", ErrReadOnly)
	}

	at := func(k int) *token {
		if k < 0 || k >= len(sig) {
			return nil
		}
		return &toks[sig[k]]
	}
	isPunct := func(t *token, s string) bool { return t != nil && t.kind == tokPunct && t.text == s }
	isWord := func(t *token, w string) bool { return t != nil && t.kind == tokWord && t.value() == w }

	// Names introduced by WITH can be referenced without qualification.
	ctes := map[string]bool{}
	for k := range sig {
		t := at(k)
		if (t.kind == tokWord || t.kind == tokQuoted) && isWord(at(k+1), "as") && isPunct(at(k+2), "(") {
			ctes[t.value()] = true
		}
	}

	for k := range sig {
		t := at(k)
		if t.kind == tokWord || t.kind == tokQuoted {
			if err := checkName(t.value()); err != nil {
				return "", err
			}
		}
		if (t.kind == tokWord || t.kind == tokQuoted) && isPunct(at(k+1), ".") {
			if err := checkQualifier(t.value()); err != nil {
				return "", err
			}
		}
	}

	// Every parenthesis opens a frame. FROM and JOIN name tables in any frame
	// that holds a SELECT, function arguments included, so subqueries such as
	// ARRAY(SELECT ...) are resolved like top-level ones. A parenthesis right
	// after FROM either starts a subquery or groups table references.
	type frame struct {
		query  bool
		inFrom bool
	}
	stack := []frame{{query: true}}
	expectRef := false
	for k := range sig {
		t := at(k)
		top := &stack[len(stack)-1]
		switch {
		case isPunct(t, "("):
			if !expectRef {
				stack = append(stack, frame{})
				continue
			}
			prev := at(k - 1)
			if prev != nil && prev.kind != tokPunct && !isWord(prev, "lateral") && !isWord(prev, "from") && !isWord(prev, "join") {
				return "", fmt.Errorf("%w: table functions are not allowed", ErrReadOnly)
			}
			if next := at(k + 1); isWord(next, "select") || isWord(next, "with") || isWord(next, "values") {
				expectRef = false
				stack = append(stack, frame{})
				continue
			}
			stack = append(stack, frame{query: true, inFrom: true})
		case expectRef && t.kind != tokWord && t.kind != tokQuoted:
			return "", fmt.Errorf("%w: unexpected %q after FROM", ErrInvalid, t.text)
		case isPunct(t, ")"):
			if len(stack) == 1 {
				return "", fmt.Errorf("%w: unbalanced parentheses", ErrInvalid)
			}
			stack = stack[:len(stack)-1]
		case isPunct(t, ","):
			if top.inFrom {
				expectRef = true
			}
		case isWord(t, "select"), isWord(t, "with"):
			top.query = true
		case top.query && isWord(t, "from"):
			top.inFrom = true
			expectRef = true
		case top.query && isWord(t, "join"):
			expectRef = true
		case t.kind == tokWord && clauseEnd[t.value()]:
			top.inFrom = false
			expectRef = false
		case expectRef && (isWord(t, "lateral") || isWord(t, "only")):
		case expectRef && (t.kind == tokWord || t.kind == tokQuoted):
			name := t.value()
			expectRef = false
			if isPunct(at(k+1), ".") {
				return "", fmt.Errorf("%w: qualified table names are not allowed", ErrReadOnly)
			}
			if isPunct(at(k+1), "(") {
				return "", fmt.Errorf("%w: table functions are not allowed", ErrReadOnly)
			}
			if ctes[name] {
				continue
			}
			if !known[name] {
				return "", fmt.Errorf("%s: %w", name, ErrTableNotFound)
			}
			t.text = qualify(name)
		}
	}
	if expectRef {
		return "", fmt.Errorf("%w: missing table after FROM", ErrInvalid)
	}
	if len(stack) != 1 {
		return "", fmt.Errorf("%w: unbalanced parentheses", ErrInvalid)
	}

	var b strings.Builder
	for _, t := range toks {
		b.WriteString(t.text)
	}
	return b.String(), nil
}

// checkName rejects denied words, catalog prefixes and names carrying the
// namespace separator, whether written bare or quoted.
func checkName(name string) error {
	w := strings.ToLower(name)
	if deniedWords[w] {
		return fmt.Errorf("%w: %s is not allowed", ErrReadOnly, strings.ToUpper(w))
	}
	for _, p := range deniedPrefixes {
		if strings.HasPrefix(w, p) {
			return fmt.Errorf("%w: %s is not allowed", ErrReadOnly, w)
		}
	}
	if strings.Contains(w, namespaceSep) {
		return fmt.Errorf("%w: identifier %s is not allowed", ErrReadOnly, w)
	}
	return nil
}

// checkQualifier rejects qualifiers that name schemas or attached databases.
func checkQualifier(q string) error {
	q = strings.ToLower(q)
	switch {
	case q == "public", q == "main", q == "temp", q == "information_schema",
		strings.HasPrefix(q, "pg_"), strings.HasPrefix(q, "sqlite_"),
		strings.HasPrefix(q, "t_"), strings.Contains(q, namespaceSep):
		return fmt.Errorf("%w: references to %s are not allowed", ErrReadOnly, q)
	}
	return nil
}
