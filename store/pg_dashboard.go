package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const selectDashboards = `SELECT id, tenant_id, name, slug, description, layout, is_default,
	created_by, created_at, updated_at FROM dashboards`

// PGDashboardStore is the Postgres DashboardStore. At most one dashboard per
// tenant is the default; setting a new default clears the old one in the same
// transaction.
type PGDashboardStore struct {
	pool *pgxpool.Pool
}

func (s *PGDashboardStore) Create(ctx context.Context, d *Dashboard) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if d.IsDefault {
			if err := clearDefault(ctx, tx, d.TenantID, d.ID); err != nil {
				return err
			}
		}
		err := tx.QueryRow(ctx, `
			INSERT INTO dashboards (id, tenant_id, name, slug, description, layout, is_default, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING created_at, updated_at`,
			d.ID, d.TenantID, d.Name, d.Slug, d.Description, d.Layout, d.IsDefault, d.CreatedBy,
		).Scan(&d.CreatedAt, &d.UpdatedAt)
		switch {
		case uniqueViolation(err):
			return fmt.Errorf("%w: dashboard slug %s", ErrDuplicate, d.Slug)
		case err != nil:
			return fmt.Errorf("create dashboard: %w", err)
		}
		return nil
	})
}

func (s *PGDashboardStore) Get(ctx context.Context, id uuid.UUID) (*Dashboard, error) {
	return getOne(ctx, s.pool, rowToDashboard, "dashboard", selectDashboards+` WHERE id = $1`, id)
}

func (s *PGDashboardStore) GetBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*Dashboard, error) {
	return getOne(ctx, s.pool, rowToDashboard, "dashboard",
		selectDashboards+` WHERE tenant_id = $1 AND slug = $2`, tenantID, slug)
}

func (s *PGDashboardStore) Update(ctx context.Context, d *Dashboard) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if d.IsDefault {
			if err := clearDefault(ctx, tx, d.TenantID, d.ID); err != nil {
				return err
			}
		}
		tag, err := tx.Exec(ctx, `
			UPDATE dashboards
			SET name = $2, slug = $3, description = $4, layout = $5, is_default = $6, updated_at = NOW()
			WHERE id = $1`,
			d.ID, d.Name, d.Slug, d.Description, d.Layout, d.IsDefault)
		if uniqueViolation(err) {
			return fmt.Errorf("%w: dashboard slug %s", ErrDuplicate, d.Slug)
		}
		return mustAffect(tag, err, "update dashboard")
	})
}

func clearDefault(ctx context.Context, tx pgx.Tx, tenantID, keep uuid.UUID) error {
	_, err := tx.Exec(ctx,
		`UPDATE dashboards SET is_default = FALSE WHERE tenant_id = $1 AND id <> $2 AND is_default`,
		tenantID, keep)
	if err != nil {
		return fmt.Errorf("clear default dashboard: %w", err)
	}
	return nil
}

func (s *PGDashboardStore) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM dashboards WHERE id = $1`, id)
	return mustAffect(tag, err, "delete dashboard")
}

// List orders the default dashboard first, then by name.
func (s *PGDashboardStore) List(ctx context.Context, f DashboardFilter) ([]*Dashboard, error) {
	var p predicates
	if f.TenantID != nil {
		p.add("tenant_id = $%d", *f.TenantID)
	}
	if f.Slug != "" {
		p.add("slug = $%d", f.Slug)
	}
	q := selectDashboards + p.where() + ` ORDER BY is_default DESC, name` + p.page(f.Pagination)
	return getAll(ctx, s.pool, rowToDashboard, "dashboards", q, p.args...)
}

func (s *PGDashboardStore) Count(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM dashboards WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count dashboards: %w", err)
	}
	return n, nil
}

func rowToDashboard(row pgx.CollectableRow) (*Dashboard, error) {
	d := new(Dashboard)
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Slug, &d.Description, &d.Layout,
		&d.IsDefault, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}
