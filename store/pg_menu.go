package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	menuGroupColumns = `id, dashboard_id, title, position, collapsible, created_at, updated_at`
	menuItemColumns  = `id, dashboard_id, group_id, parent_id, title, path, icon, badge, position,
	hidden, created_at, updated_at`
)

// PGMenuStore implements MenuStore backed by PostgreSQL.
type PGMenuStore struct {
	pool *pgxpool.Pool
}

func (s *PGMenuStore) CreateGroup(ctx context.Context, g *MenuGroup) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO menu_groups (id, dashboard_id, title, position, collapsible, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,NOW(),NOW())
		RETURNING created_at, updated_at`,
		g.ID, g.DashboardID, g.Title, g.Position, g.Collapsible).Scan(&g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if fkViolation(err) {
			return fmt.Errorf("%w: dashboard %s", ErrNotFound, g.DashboardID)
		}
		return fmt.Errorf("insert menu group: %w", err)
	}
	return nil
}

func (s *PGMenuStore) GetGroup(ctx context.Context, id uuid.UUID) (*MenuGroup, error) {
	return getOne(ctx, s.pool, rowToMenuGroup, "menu group", `SELECT `+menuGroupColumns+` FROM menu_groups WHERE id = $1`, id)
}

func (s *PGMenuStore) UpdateGroup(ctx context.Context, g *MenuGroup) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE menu_groups SET title=$2, collapsible=$3, updated_at=NOW()
		WHERE id=$1`,
		g.ID, g.Title, g.Collapsible)
	return mustAffect(tag, err, "update menu group")
}

func (s *PGMenuStore) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM menu_groups WHERE id = $1`, id)
	return mustAffect(tag, err, "delete menu group")
}

func (s *PGMenuStore) ListGroups(ctx context.Context, dashboardID uuid.UUID) ([]*MenuGroup, error) {
	return getAll(ctx, s.pool, rowToMenuGroup, "menu groups", `
		SELECT `+menuGroupColumns+` FROM menu_groups
		WHERE dashboard_id = $1
		ORDER BY position, title, id`, dashboardID)
}

func (s *PGMenuStore) CreateItem(ctx context.Context, it *MenuItem) error {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO menu_items (id, dashboard_id, group_id, parent_id, title, path, icon, badge,
			position, hidden, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,NOW(),NOW())
		RETURNING created_at, updated_at`,
		it.ID, it.DashboardID, it.GroupID, it.ParentID, it.Title, it.Path, it.Icon, it.Badge,
		it.Position, it.Hidden).Scan(&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		if fkViolation(err) {
			return fmt.Errorf("%w: group or parent item", ErrNotFound)
		}
		return fmt.Errorf("insert menu item: %w", err)
	}
	return nil
}

func (s *PGMenuStore) GetItem(ctx context.Context, id uuid.UUID) (*MenuItem, error) {
	return getOne(ctx, s.pool, rowToMenuItem, "menu item", `SELECT `+menuItemColumns+` FROM menu_items WHERE id = $1`, id)
}

func (s *PGMenuStore) UpdateItem(ctx context.Context, it *MenuItem) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE menu_items SET title=$2, path=$3, icon=$4, badge=$5, hidden=$6, updated_at=NOW()
		WHERE id=$1`,
		it.ID, it.Title, it.Path, it.Icon, it.Badge, it.Hidden)
	return mustAffect(tag, err, "update menu item")
}

func (s *PGMenuStore) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM menu_items WHERE id = $1`, id)
	return mustAffect(tag, err, "delete menu item")
}

func (s *PGMenuStore) ListItems(ctx context.Context, dashboardID uuid.UUID) ([]*MenuItem, error) {
	return getAll(ctx, s.pool, rowToMenuItem, "menu items", `
		SELECT `+menuItemColumns+` FROM menu_items
		WHERE dashboard_id = $1
		ORDER BY group_id, position, title, id`, dashboardID)
}

func (s *PGMenuStore) RepositionGroups(ctx context.Context, dashboardID uuid.UUID, order []MenuPlacement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range order {
			tag, err := tx.Exec(ctx, `
				UPDATE menu_groups SET position=$3, updated_at=NOW()
				WHERE id=$1 AND dashboard_id=$2`,
				p.ID, dashboardID, p.Position)
			if err != nil {
				return fmt.Errorf("reposition group %s: %w", p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: group %s", ErrNotFound, p.ID)
			}
		}
		return nil
	})
}

func (s *PGMenuStore) RepositionItems(ctx context.Context, dashboardID uuid.UUID, placements []MenuPlacement) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, p := range placements {
			tag, err := tx.Exec(ctx, `
				UPDATE menu_items SET group_id=$3, parent_id=$4, position=$5, updated_at=NOW()
				WHERE id=$1 AND dashboard_id=$2`,
				p.ID, dashboardID, p.GroupID, p.ParentID, p.Position)
			if err != nil {
				return fmt.Errorf("reposition item %s: %w", p.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: item %s", ErrNotFound, p.ID)
			}
		}
		return nil
	})
}

func rowToMenuGroup(row pgx.CollectableRow) (*MenuGroup, error) {
	g := new(MenuGroup)
	err := row.Scan(&g.ID, &g.DashboardID, &g.Title, &g.Position, &g.Collapsible, &g.CreatedAt, &g.UpdatedAt)
	return g, err
}

func rowToMenuItem(row pgx.CollectableRow) (*MenuItem, error) {
	it := new(MenuItem)
	err := row.Scan(&it.ID, &it.DashboardID, &it.GroupID, &it.ParentID, &it.Title, &it.Path,
		&it.Icon, &it.Badge, &it.Position, &it.Hidden, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

// PGPreferenceStore implements PreferenceStore backed by PostgreSQL.
type PGPreferenceStore struct {
	pool *pgxpool.Pool
}

func (s *PGPreferenceStore) GetMenuPreference(ctx context.Context, userID, dashboardID uuid.UUID) (*MenuPreference, error) {
	p := &MenuPreference{UserID: userID, DashboardID: dashboardID}
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT collapsed, updated_at FROM menu_preferences
		WHERE user_id = $1 AND dashboard_id = $2`, userID, dashboardID).Scan(&raw, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get menu preference: %w", err)
	}
	if err := json.Unmarshal(raw, &p.Collapsed); err != nil {
		return nil, fmt.Errorf("decode menu preference: %w", err)
	}
	return p, nil
}

func (s *PGPreferenceStore) SaveMenuPreference(ctx context.Context, p *MenuPreference) error {
	if p.Collapsed == nil {
		p.Collapsed = []uuid.UUID{}
	}
	raw, err := json.Marshal(p.Collapsed)
	if err != nil {
		return fmt.Errorf("encode menu preference: %w", err)
	}
	err = s.pool.QueryRow(ctx, `
		INSERT INTO menu_preferences (user_id, dashboard_id, collapsed, updated_at)
		VALUES ($1,$2,$3,NOW())
		ON CONFLICT (user_id, dashboard_id) DO UPDATE SET collapsed = EXCLUDED.collapsed, updated_at = NOW()
		RETURNING updated_at`,
		p.UserID, p.DashboardID, raw).Scan(&p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save menu preference: %w", err)
	}
	return nil
}
