package store

import (
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role represents a user's role within a tenant.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// ValidRoles is the set of recognized roles.
var ValidRoles = map[Role]bool{
	RoleOwner:  true,
	RoleAdmin:  true,
	RoleEditor: true,
	RoleViewer: true,
}

// roleWeight maps roles to an integer weight for comparison.
var roleWeight = map[Role]int{
	RoleViewer: 1,
	RoleEditor: 2,
	RoleAdmin:  3,
	RoleOwner:  4,
}

// AtLeast reports whether r grants at least the permissions of min.
// Unknown roles never satisfy any minimum.
func (r Role) AtLeast(min Role) bool {
	w, ok := roleWeight[r]
	if !ok {
		return false
	}
	return w >= roleWeight[min]
}

// User represents a registered user.
type User struct {
	ID           uuid.UUID       `json:"id"`
	Email        string          `json:"email"`
	PasswordHash string          `json:"-"`
	DisplayName  string          `json:"display_name"`
	AvatarURL    string          `json:"avatar_url,omitempty"`
	Active       bool            `json:"active"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	LastLoginAt  *time.Time      `json:"last_login_at,omitempty"`
}

// Tenant is an isolated workspace owning dashboards, tables and content.
type Tenant struct {
	ID        uuid.UUID       `json:"id"`
	Name      string          `json:"name"`
	Slug      string          `json:"slug"`
	OwnerID   uuid.UUID       `json:"owner_id"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Namespace returns the identifier used to isolate the tenant's managed
// tables. It is derived from the tenant id, so it is unique and survives slug
// changes.
func (t *Tenant) Namespace() string {
	id := t.ID
	return "t_" + hex.EncodeToString(id[:])
}

// Membership links a user to a tenant with a role.
type Membership struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dashboard is a named page belonging to a tenant. Each dashboard owns one
// navigation menu tree.
type Dashboard struct {
	ID          uuid.UUID       `json:"id"`
	TenantID    uuid.UUID       `json:"tenant_id"`
	Name        string          `json:"name"`
	Slug        string          `json:"slug"`
	Description string          `json:"description,omitempty"`
	Layout      json.RawMessage `json:"layout,omitempty"`
	IsDefault   bool            `json:"is_default"`
	CreatedBy   uuid.UUID       `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// MenuGroup is a titled section of a dashboard's sidebar.
type MenuGroup struct {
	ID          uuid.UUID `json:"id"`
	DashboardID uuid.UUID `json:"dashboard_id"`
	Title       string    `json:"title"`
	Position    int       `json:"position"`
	Collapsible bool      `json:"collapsible"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MenuItem is a navigation entry inside a group. Items with a ParentID are
// sub-items of another item in the same group.
type MenuItem struct {
	ID          uuid.UUID  `json:"id"`
	DashboardID uuid.UUID  `json:"dashboard_id"`
	GroupID     uuid.UUID  `json:"group_id"`
	ParentID    *uuid.UUID `json:"parent_id,omitempty"`
	Title       string     `json:"title"`
	Path        string     `json:"path,omitempty"`
	Icon        string     `json:"icon,omitempty"`
	Badge       string     `json:"badge,omitempty"`
	Position    int        `json:"position"`
	Hidden      bool       `json:"hidden"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// MenuPlacement is a position/parent assignment applied by a reorder.
type MenuPlacement struct {
	ID       uuid.UUID
	GroupID  uuid.UUID
	ParentID *uuid.UUID
	Position int
}

// MenuPreference stores which groups and items a user has collapsed on a
// dashboard.
type MenuPreference struct {
	UserID      uuid.UUID   `json:"user_id"`
	DashboardID uuid.UUID   `json:"dashboard_id"`
	Collapsed   []uuid.UUID `json:"collapsed"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Platform identifies a social network a post can be published to.
type Platform string

const (
	PlatformX         Platform = "x"
	PlatformFacebook  Platform = "facebook"
	PlatformInstagram Platform = "instagram"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformTikTok    Platform = "tiktok"
	PlatformYouTube   Platform = "youtube"
)

// PostStatus is the lifecycle state of a planned post.
type PostStatus string

const (
	PostDraft      PostStatus = "draft"
	PostInReview   PostStatus = "in_review"
	PostApproved   PostStatus = "approved"
	PostScheduled  PostStatus = "scheduled"
	PostPublishing PostStatus = "publishing"
	PostPublished  PostStatus = "published"
	PostFailed     PostStatus = "failed"
	PostArchived   PostStatus = "archived"
)

// Campaign groups posts under a shared goal and date range.
type Campaign struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	StartsAt    *time.Time `json:"starts_at,omitempty"`
	EndsAt      *time.Time `json:"ends_at,omitempty"`
	CreatedBy   uuid.UUID  `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Publication records the outcome of publishing a post to one platform.
type Publication struct {
	Platform   Platform  `json:"platform"`
	ExternalID string    `json:"external_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Post is a planned piece of social-media content.
type Post struct {
	ID           uuid.UUID     `json:"id"`
	TenantID     uuid.UUID     `json:"tenant_id"`
	CampaignID   *uuid.UUID    `json:"campaign_id,omitempty"`
	Title        string        `json:"title"`
	Body         string        `json:"body"`
	Platforms    []Platform    `json:"platforms"`
	MediaKeys    []string      `json:"media_keys,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	Status       PostStatus    `json:"status"`
	ScheduledAt  *time.Time    `json:"scheduled_at,omitempty"`
	PublishedAt  *time.Time    `json:"published_at,omitempty"`
	Recurrence   string        `json:"recurrence,omitempty"`
	Publications []Publication `json:"publications,omitempty"`
	CreatedBy    uuid.UUID     `json:"created_by"`
	ApprovedBy   *uuid.UUID    `json:"approved_by,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// AuditEntry is a persisted audit record.
type AuditEntry struct {
	ID           int64           `json:"id"`
	TenantID     *uuid.UUID      `json:"tenant_id,omitempty"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Action       string          `json:"action"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	UserAgent    string          `json:"user_agent,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}
