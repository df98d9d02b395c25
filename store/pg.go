package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGConfig holds PostgreSQL connection configuration.
type PGConfig struct {
	URL             string `yaml:"url" json:"url"`
	MaxConns        int32  `yaml:"max_conns" json:"max_conns"`
	MinConns        int32  `yaml:"min_conns" json:"min_conns"`
	MaxConnIdleTime string `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// PGStore wraps a pgxpool.Pool and provides access to all domain stores.
type PGStore struct {
	pool *pgxpool.Pool

	users       *PGUserStore
	tenants     *PGTenantStore
	memberships *PGMembershipStore
	dashboards  *PGDashboardStore
	menus       *PGMenuStore
	prefs       *PGPreferenceStore
	campaigns   *PGCampaignStore
	posts       *PGPostStore
	audit       *PGAuditStore
}

// NewPGStore connects to PostgreSQL and returns a PGStore with all sub-stores.
func NewPGStore(ctx context.Context, cfg PGConfig) (*PGStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime != "" {
		d, err := time.ParseDuration(cfg.MaxConnIdleTime)
		if err != nil {
			return nil, fmt.Errorf("parse max_conn_idle_time: %w", err)
		}
		poolCfg.MaxConnIdleTime = d
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}

	return NewPGStoreFromPool(pool), nil
}

// NewPGStoreFromPool builds the sub-stores on an existing pool.
func NewPGStoreFromPool(pool *pgxpool.Pool) *PGStore {
	return &PGStore{
		pool:        pool,
		users:       &PGUserStore{pool: pool},
		tenants:     &PGTenantStore{pool: pool},
		memberships: &PGMembershipStore{pool: pool},
		dashboards:  &PGDashboardStore{pool: pool},
		menus:       &PGMenuStore{pool: pool},
		prefs:       &PGPreferenceStore{pool: pool},
		campaigns:   &PGCampaignStore{pool: pool},
		posts:       &PGPostStore{pool: pool},
		audit:       &PGAuditStore{pool: pool},
	}
}

// Pool returns the underlying pgxpool.Pool.
func (s *PGStore) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *PGStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close closes the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// Users returns the UserStore.
func (s *PGStore) Users() UserStore { return s.users }

// Tenants returns the TenantStore.
func (s *PGStore) Tenants() TenantStore { return s.tenants }

// Memberships returns the MembershipStore.
func (s *PGStore) Memberships() MembershipStore { return s.memberships }

// Dashboards returns the DashboardStore.
func (s *PGStore) Dashboards() DashboardStore { return s.dashboards }

// Menus returns the MenuStore.
func (s *PGStore) Menus() MenuStore { return s.menus }

// Preferences returns the PreferenceStore.
func (s *PGStore) Preferences() PreferenceStore { return s.prefs }

// Campaigns returns the CampaignStore.
func (s *PGStore) Campaigns() CampaignStore { return s.campaigns }

// Posts returns the PostStore.
func (s *PGStore) Posts() PostStore { return s.posts }

// Audit returns the AuditStore.
func (s *PGStore) Audit() AuditStore { return s.audit }
