package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectMemberships = `SELECT id, user_id, tenant_id, role, created_at, updated_at FROM memberships`

// PGMembershipStore is the Postgres MembershipStore. A user holds at most one
// membership per tenant.
type PGMembershipStore struct {
	pool *pgxpool.Pool
}

func (s *PGMembershipStore) Create(ctx context.Context, m *Membership) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO memberships (id, user_id, tenant_id, role)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`,
		m.ID, m.UserID, m.TenantID, m.Role,
	).Scan(&m.CreatedAt, &m.UpdatedAt)
	switch {
	case uniqueViolation(err):
		return fmt.Errorf("%w: user %s is already a member", ErrDuplicate, m.UserID)
	case fkViolation(err):
		return fmt.Errorf("%w: user %s or tenant %s", ErrNotFound, m.UserID, m.TenantID)
	case err != nil:
		return fmt.Errorf("create membership: %w", err)
	}
	return nil
}

func (s *PGMembershipStore) Get(ctx context.Context, id uuid.UUID) (*Membership, error) {
	return getOne(ctx, s.pool, rowToMembership, "membership", selectMemberships+` WHERE id = $1`, id)
}

// Update changes the role only; the user and tenant of a membership are fixed.
func (s *PGMembershipStore) Update(ctx context.Context, m *Membership) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memberships SET role = $2, updated_at = NOW() WHERE id = $1`, m.ID, m.Role)
	return mustAffect(tag, err, "update membership")
}

func (s *PGMembershipStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM memberships WHERE id = $1`, id)
	return mustAffect(tag, err, "delete membership")
}

func (s *PGMembershipStore) List(ctx context.Context, f MembershipFilter) ([]*Membership, error) {
	var p predicates
	if f.UserID != nil {
		p.add("user_id = $%d", *f.UserID)
	}
	if f.TenantID != nil {
		p.add("tenant_id = $%d", *f.TenantID)
	}
	if f.Role != "" {
		p.add("role = $%d", f.Role)
	}
	q := selectMemberships + p.where() + ` ORDER BY created_at` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToMembership, "memberships", q, p.args...)
}

func (s *PGMembershipStore) GetRole(ctx context.Context, userID, tenantID uuid.UUID) (Role, error) {
	var role Role
	err := s.pool.QueryRow(ctx,
		`SELECT role FROM memberships WHERE user_id = $1 AND tenant_id = $2`, userID, tenantID).Scan(&role)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("membership role: %w", err)
	}
	return role, nil
}

func rowToMembership(row pgx.CollectableRow) (*Membership, error) {
	m := new(Membership)
	err := row.Scan(&m.ID, &m.UserID, &m.TenantID, &m.Role, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}
