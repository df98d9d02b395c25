package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique key (email, slug, membership
	// pair) is already taken.
	ErrDuplicate = errors.New("duplicate entry")
	// ErrConflict is returned when a compare-and-set finds the record in an
	// unexpected state.
	ErrConflict  = errors.New("conflict")
	ErrForbidden = errors.New("forbidden")
)

// SQLSTATE codes mapped onto the sentinels above.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func uniqueViolation(err error) bool { return sqlState(err) == codeUniqueViolation }

// fkViolation means a referenced row (user, tenant, group, campaign) is gone.
func fkViolation(err error) bool { return sqlState(err) == codeForeignKeyViolation }
