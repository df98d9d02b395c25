package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectTenants = `SELECT t.id, t.name, t.slug, t.owner_id, t.metadata, t.created_at, t.updated_at FROM tenants t`

// PGTenantStore is the Postgres TenantStore.
type PGTenantStore struct {
	pool *pgxpool.Pool
}

func (s *PGTenantStore) Create(ctx context.Context, t *Tenant) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO tenants (id, name, slug, owner_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`,
		t.ID, t.Name, t.Slug, t.OwnerID, t.Metadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	switch {
	case uniqueViolation(err):
		return fmt.Errorf("%w: tenant slug %s", ErrDuplicate, t.Slug)
	case err != nil:
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PGTenantStore) Get(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return getOne(ctx, s.pool, rowToTenant, "tenant", selectTenants+` WHERE t.id = $1`, id)
}

func (s *PGTenantStore) GetBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return getOne(ctx, s.pool, rowToTenant, "tenant", selectTenants+` WHERE t.slug = $1`, slug)
}

// Update renames a tenant and replaces its metadata. The slug never changes.
func (s *PGTenantStore) Update(ctx context.Context, t *Tenant) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tenants SET name = $2, metadata = $3, updated_at = NOW() WHERE id = $1`,
		t.ID, t.Name, t.Metadata)
	return mustAffect(tag, err, "update tenant")
}

// Delete removes the tenant; memberships, dashboards and content cascade.
func (s *PGTenantStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	return mustAffect(tag, err, "delete tenant")
}

func (s *PGTenantStore) List(ctx context.Context, f TenantFilter) ([]*Tenant, error) {
	var p predicates
	if f.OwnerID != nil {
		p.add("t.owner_id = $%d", *f.OwnerID)
	}
	if f.Slug != "" {
		p.add("t.slug = $%d", f.Slug)
	}
	q := selectTenants + p.where() + ` ORDER BY t.created_at DESC` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToTenant, "tenants", q, p.args...)
}

// ListForUser returns every tenant the user holds a membership in.
func (s *PGTenantStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]*Tenant, error) {
	q := selectTenants + ` JOIN memberships m ON m.tenant_id = t.id WHERE m.user_id = $1 ORDER BY t.created_at DESC`
	return getAll(ctx, s.pool, rowToTenant, "tenants", q, userID)
}

func rowToTenant(row pgx.CollectableRow) (*Tenant, error) {
	t := new(Tenant)
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.OwnerID, &t.Metadata, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}
