package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// predicates builds an AND-ed WHERE clause with numbered placeholders.
type predicates struct {
	conds []string
	args  []any
}

// add appends a condition; format holds a single %d for the placeholder
// number of v, as in "tenant_id = $%d".
func (p *predicates) add(format string, v any) {
	p.args = append(p.args, v)
	p.conds = append(p.conds, fmt.Sprintf(format, len(p.args)))
}

func (p *predicates) where() string {
	if len(p.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(p.conds, " AND ")
}

// page binds the page bounds and returns the LIMIT/OFFSET clause. It must be
// the last call before the query runs.
func (p *predicates) page(pg Pagination) string {
	p.args = append(p.args, pg.limit(), pg.Offset)
	n := len(p.args)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n-1, n)
}

// getOne runs a query expected to return at most one row. No row is
// ErrNotFound.
func getOne[T any](ctx context.Context, pool *pgxpool.Pool, scan pgx.RowToFunc[*T], what, query string, args ...any) (*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	v, err := pgx.CollectOneRow(rows, scan)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query %s: %w", what, err)
	}
	return v, nil
}

func getAll[T any](ctx context.Context, pool *pgxpool.Pool, scan pgx.RowToFunc[*T], what, query string, args ...any) ([]*T, error) {
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	out, err := pgx.CollectRows(rows, scan)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", what, err)
	}
	return out, nil
}

// mustAffect maps a zero-row change to ErrNotFound.
func mustAffect(tag pgconn.CommandTag, err error, what string) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
