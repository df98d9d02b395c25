package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectUsers = `SELECT id, email, password_hash, display_name, avatar_url, active, metadata,
	created_at, updated_at, last_login_at FROM users`

// PGUserStore is the Postgres UserStore. Email is unique across the
// installation.
type PGUserStore struct {
	pool *pgxpool.Pool
}

func (s *PGUserStore) Create(ctx context.Context, u *User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, password_hash, display_name, avatar_url, active, metadata, last_login_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.AvatarURL, u.Active, u.Metadata, u.LastLoginAt,
	).Scan(&u.CreatedAt, &u.UpdatedAt)
	switch {
	case uniqueViolation(err):
		return fmt.Errorf("%w: email %s is registered", ErrDuplicate, u.Email)
	case err != nil:
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PGUserStore) Get(ctx context.Context, id uuid.UUID) (*User, error) {
	return getOne(ctx, s.pool, rowToUser, "user", selectUsers+` WHERE id = $1`, id)
}

func (s *PGUserStore) GetByEmail(ctx context.Context, email string) (*User, error) {
	return getOne(ctx, s.pool, rowToUser, "user", selectUsers+` WHERE email = $1`, email)
}

func (s *PGUserStore) Update(ctx context.Context, u *User) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET email = $2, password_hash = $3, display_name = $4, avatar_url = $5,
			active = $6, metadata = $7, last_login_at = $8, updated_at = NOW()
		WHERE id = $1`,
		u.ID, u.Email, u.PasswordHash, u.DisplayName, u.AvatarURL, u.Active, u.Metadata, u.LastLoginAt)
	if uniqueViolation(err) {
		return fmt.Errorf("%w: email %s is registered", ErrDuplicate, u.Email)
	}
	return mustAffect(tag, err, "update user")
}

func (s *PGUserStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, id)
	return mustAffect(tag, err, "delete user")
}

func (s *PGUserStore) List(ctx context.Context, f UserFilter) ([]*User, error) {
	var p predicates
	if f.Email != "" {
		p.add("email = $%d", f.Email)
	}
	if f.Active != nil {
		p.add("active = $%d", *f.Active)
	}
	q := selectUsers + p.where() + ` ORDER BY created_at DESC` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToUser, "users", q, p.args...)
}

func rowToUser(row pgx.CollectableRow) (*User, error) {
	u := new(User)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.DisplayName, &u.AvatarURL,
		&u.Active, &u.Metadata, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	return u, err
}
