package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Pagination holds common pagination parameters.
type Pagination struct {
	Offset int
	Limit  int
}

// DefaultPagination returns a Pagination with sensible defaults.
func DefaultPagination() Pagination {
	return Pagination{Offset: 0, Limit: 50}
}

func (p Pagination) limit() int {
	if p.Limit <= 0 {
		return 50
	}
	return p.Limit
}

// --- User ---

// UserFilter specifies criteria for listing users.
type UserFilter struct {
	Email      string
	Active     *bool
	Pagination Pagination
}

// UserStore defines persistence operations for users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Get(ctx context.Context, id uuid.UUID) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f UserFilter) ([]*User, error)
}

// --- Tenant ---

// TenantFilter specifies criteria for listing tenants.
type TenantFilter struct {
	OwnerID    *uuid.UUID
	Slug       string
	Pagination Pagination
}

// TenantStore defines persistence operations for tenants.
type TenantStore interface {
	Create(ctx context.Context, t *Tenant) error
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetBySlug(ctx context.Context, slug string) (*Tenant, error)
	Update(ctx context.Context, t *Tenant) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f TenantFilter) ([]*Tenant, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*Tenant, error)
}

// --- Membership ---

// MembershipFilter specifies criteria for listing memberships.
type MembershipFilter struct {
	UserID     *uuid.UUID
	TenantID   *uuid.UUID
	Role       Role
	Pagination Pagination
}

// MembershipStore defines persistence operations for memberships.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Get(ctx context.Context, id uuid.UUID) (*Membership, error)
	Update(ctx context.Context, m *Membership) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f MembershipFilter) ([]*Membership, error)
	// GetRole returns the user's role in the tenant or ErrNotFound.
	GetRole(ctx context.Context, userID, tenantID uuid.UUID) (Role, error)
}

// --- Dashboard ---

// DashboardFilter specifies criteria for listing dashboards.
type DashboardFilter struct {
	TenantID   *uuid.UUID
	Slug       string
	Pagination Pagination
}

// DashboardStore defines persistence operations for dashboards.
type DashboardStore interface {
	Create(ctx context.Context, d *Dashboard) error
	Get(ctx context.Context, id uuid.UUID) (*Dashboard, error)
	GetBySlug(ctx context.Context, tenantID uuid.UUID, slug string) (*Dashboard, error)
	Update(ctx context.Context, d *Dashboard) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f DashboardFilter) ([]*Dashboard, error)
	Count(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// --- Menu ---

// MenuStore persists the groups and items of dashboard menus.
type MenuStore interface {
	CreateGroup(ctx context.Context, g *MenuGroup) error
	GetGroup(ctx context.Context, id uuid.UUID) (*MenuGroup, error)
	UpdateGroup(ctx context.Context, g *MenuGroup) error
	// DeleteGroup removes the group and every item in it.
	DeleteGroup(ctx context.Context, id uuid.UUID) error
	ListGroups(ctx context.Context, dashboardID uuid.UUID) ([]*MenuGroup, error)

	CreateItem(ctx context.Context, it *MenuItem) error
	GetItem(ctx context.Context, id uuid.UUID) (*MenuItem, error)
	UpdateItem(ctx context.Context, it *MenuItem) error
	// DeleteItem removes the item and its sub-items.
	DeleteItem(ctx context.Context, id uuid.UUID) error
	ListItems(ctx context.Context, dashboardID uuid.UUID) ([]*MenuItem, error)

	// RepositionGroups sets group positions in a single transaction.
	RepositionGroups(ctx context.Context, dashboardID uuid.UUID, order []MenuPlacement) error
	// RepositionItems sets item group, parent and position in a single transaction.
	RepositionItems(ctx context.Context, dashboardID uuid.UUID, placements []MenuPlacement) error
}

// PreferenceStore persists per-user menu collapse state.
type PreferenceStore interface {
	GetMenuPreference(ctx context.Context, userID, dashboardID uuid.UUID) (*MenuPreference, error)
	SaveMenuPreference(ctx context.Context, p *MenuPreference) error
}

// --- Content ---

// CampaignFilter specifies criteria for listing campaigns.
type CampaignFilter struct {
	TenantID   *uuid.UUID
	Pagination Pagination
}

// CampaignStore defines persistence operations for campaigns.
type CampaignStore interface {
	Create(ctx context.Context, c *Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*Campaign, error)
	Update(ctx context.Context, c *Campaign) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f CampaignFilter) ([]*Campaign, error)
}

// PostFilter specifies criteria for listing posts.
type PostFilter struct {
	TenantID   *uuid.UUID
	CampaignID *uuid.UUID
	Status     PostStatus
	Platform   Platform
	// ScheduledFrom and ScheduledTo bound ScheduledAt (inclusive, exclusive).
	ScheduledFrom *time.Time
	ScheduledTo   *time.Time
	Pagination    Pagination
}

// PostStore defines persistence operations for posts.
type PostStore interface {
	Create(ctx context.Context, p *Post) error
	Get(ctx context.Context, id uuid.UUID) (*Post, error)
	// Update writes every field of p except its status, and only while the
	// stored post is still in p.Status. Otherwise it returns ErrConflict.
	Update(ctx context.Context, p *Post) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, f PostFilter) ([]*Post, error)
	Count(ctx context.Context, tenantID uuid.UUID, status PostStatus) (int, error)
	// Transition moves the post from one status to another atomically. It
	// returns ErrConflict when the post is not currently in from.
	Transition(ctx context.Context, id uuid.UUID, from, to PostStatus) error
	// Advance moves the post from from to p.Status and writes its other
	// fields in the same step. It returns ErrConflict when the post is not
	// currently in from, leaving it untouched.
	Advance(ctx context.Context, p *Post, from PostStatus) error
	// ListDue returns scheduled posts whose ScheduledAt is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*Post, error)
}

// --- Audit ---

// AuditFilter specifies criteria for querying audit entries.
type AuditFilter struct {
	TenantID     *uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	Since        *time.Time
	Until        *time.Time
	Pagination   Pagination
}

// AuditStore persists audit entries.
type AuditStore interface {
	Record(ctx context.Context, e *AuditEntry) error
	Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error)
}
