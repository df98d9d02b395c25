package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/google/uuid"
)

// TenantHandler handles tenant CRUD, membership and audit endpoints.
type TenantHandler struct {
	base
	tenants     store.TenantStore
	memberships store.MembershipStore
	users       store.UserStore
	dashboards  store.DashboardStore
	posts       store.PostStore
	auditStore  store.AuditStore
	schema      *schema.Manager
	media       media.Store
	quotas      *tenant.QuotaRegistry
}

// tenantView is a tenant as seen by one of its members.
type tenantView struct {
	*store.Tenant
	Role store.Role `json:"role"`
}

// Create handles POST /api/v1/tenants. The caller becomes the owner and the
// tenant's table namespace is created.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req struct {
		Name     string          `json:"name"`
		Slug     string          `json:"slug"`
		Metadata json.RawMessage `json:"metadata,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Slug == "" {
		req.Slug = slugify(req.Name)
	}
	if !validSlug(req.Slug) {
		WriteError(w, http.StatusBadRequest, "slug must be lowercase letters, digits and single hyphens")
		return
	}

	now := time.Now()
	t := &store.Tenant{
		ID:        uuid.New(),
		Name:      req.Name,
		Slug:      req.Slug,
		OwnerID:   user.ID,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.tenants.Create(r.Context(), t); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteError(w, http.StatusConflict, "tenant slug already exists")
			return
		}
		h.fail(w, r, err)
		return
	}

	// Creator becomes owner
	membership := &store.Membership{
		ID:        uuid.New(),
		UserID:    user.ID,
		TenantID:  t.ID,
		Role:      store.RoleOwner,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := h.memberships.Create(r.Context(), membership)
	if err == nil && h.schema != nil {
		err = h.claimNamespace(r.Context(), t.Namespace())
	}
	if err != nil {
		if delErr := h.tenants.Delete(context.WithoutCancel(r.Context()), t.ID); delErr != nil {
			h.logger.Error("roll back tenant failed", "tenant_id", t.ID, "error", delErr)
		}
		h.fail(w, r, err)
		return
	}

	h.audit.LogChange(r.Context(), audit.EventAdminOp, t.ID, user.ID, "create", "tenant", t.ID.String(),
		map[string]any{"slug": t.Slug})
	WriteJSON(w, http.StatusCreated, tenantView{Tenant: t, Role: store.RoleOwner})
}

// claimNamespace creates ns for a new tenant. A namespace that already holds
// tables belongs to someone else and is never shared.
func (h *TenantHandler) claimNamespace(ctx context.Context, ns string) error {
	tables, err := h.schema.ListTables(ctx, ns)
	if err != nil {
		return err
	}
	if len(tables) > 0 {
		return fmt.Errorf("%w: namespace %s is already in use", store.ErrConflict, ns)
	}
	return h.schema.EnsureNamespace(ctx, ns)
}

// List handles GET /api/v1/tenants.
func (h *TenantHandler) List(w http.ResponseWriter, r *http.Request) {
	user := UserFromContext(r.Context())
	if user == nil {
		WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	tenants, err := h.tenants.ListForUser(r.Context(), user.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]tenantView, 0, len(tenants))
	for _, t := range tenants {
		role, err := h.memberships.GetRole(r.Context(), user.ID, t.ID)
		if err != nil {
			continue
		}
		views = append(views, tenantView{Tenant: t, Role: role})
	}
	WriteJSON(w, http.StatusOK, views)
}

// Get handles GET /api/v1/tenants/{tid}.
func (h *TenantHandler) Get(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	WriteJSON(w, http.StatusOK, tenantView{Tenant: a.Tenant, Role: a.Role})
}

// Update handles PUT /api/v1/tenants/{tid}. The slug is immutable because
// the table namespace derives from it.
func (h *TenantHandler) Update(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		Name     *string          `json:"name"`
		Metadata *json.RawMessage `json:"metadata"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t := *a.Tenant
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			WriteError(w, http.StatusBadRequest, "name is required")
			return
		}
		t.Name = name
	}
	if req.Metadata != nil {
		t.Metadata = *req.Metadata
	}
	t.UpdatedAt = time.Now()
	if err := h.tenants.Update(r.Context(), &t); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventAdminOp, "update", "tenant", t.ID.String(), nil)
	WriteJSON(w, http.StatusOK, tenantView{Tenant: &t, Role: a.Role})
}

// Delete handles DELETE /api/v1/tenants/{tid}. Managed tables and media are
// removed with the tenant.
func (h *TenantHandler) Delete(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	ctx := r.Context()
	if h.schema != nil {
		if err := h.schema.DropNamespace(ctx, a.Tenant.Namespace()); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if h.media != nil {
		assets, err := h.media.List(ctx, a.Tenant.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		for _, as := range assets {
			if err := h.media.Delete(ctx, a.Tenant.ID, as.Key); err != nil && !errors.Is(err, media.ErrNotFound) {
				h.logger.Warn("delete tenant media failed", "tenant_id", a.Tenant.ID, "key", as.Key, "error", err)
			}
		}
	}
	if err := h.tenants.Delete(ctx, a.Tenant.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.quotas != nil {
		h.quotas.RemoveQuota(a.Tenant.ID)
	}
	h.record(r, audit.EventAdminOp, "delete", "tenant", a.Tenant.ID.String(), map[string]any{"slug": a.Tenant.Slug})
	w.WriteHeader(http.StatusNoContent)
}

// usage is the tenant's consumption of each quota.
type usage struct {
	Quota          tenant.Quota `json:"quota"`
	Dashboards     int          `json:"dashboards"`
	Tables         int          `json:"tables"`
	ScheduledPosts int          `json:"scheduled_posts"`
	MediaBytes     int64        `json:"media_bytes"`
}

// Usage handles GET /api/v1/tenants/{tid}/usage.
func (h *TenantHandler) Usage(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	ctx := r.Context()
	var u usage
	if h.quotas != nil {
		u.Quota = h.quotas.Quota(a.Tenant.ID)
	}
	var err error
	if u.Dashboards, err = h.dashboards.Count(ctx, a.Tenant.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.schema != nil {
		tables, err := h.schema.ListTables(ctx, a.Tenant.Namespace())
		if err != nil {
			h.fail(w, r, err)
			return
		}
		u.Tables = len(tables)
	}
	if u.ScheduledPosts, err = h.posts.Count(ctx, a.Tenant.ID, store.PostScheduled); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.media != nil {
		if u.MediaBytes, err = mediaBytes(ctx, h.media, a.Tenant.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	WriteJSON(w, http.StatusOK, u)
}

func mediaBytes(ctx context.Context, s media.Store, tenantID uuid.UUID) (int64, error) {
	assets, err := s.List(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, as := range assets {
		total += as.Size
	}
	return total, nil
}

// AddMember handles POST /api/v1/tenants/{tid}/members. The user is named by
// id or email. Only owners may grant the owner role.
func (h *TenantHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		UserID string     `json:"user_id"`
		Email  string     `json:"email"`
		Role   store.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !store.ValidRoles[req.Role] {
		WriteError(w, http.StatusBadRequest, "invalid role")
		return
	}
	if req.Role == store.RoleOwner && a.Role != store.RoleOwner {
		WriteError(w, http.StatusForbidden, "only owners can grant the owner role")
		return
	}

	var user *store.User
	var err error
	switch {
	case req.UserID != "":
		id, perr := uuid.Parse(req.UserID)
		if perr != nil {
			WriteError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		user, err = h.users.Get(r.Context(), id)
	case req.Email != "":
		user, err = h.users.GetByEmail(r.Context(), strings.TrimSpace(strings.ToLower(req.Email)))
	default:
		WriteError(w, http.StatusBadRequest, "user_id or email is required")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}

	now := time.Now()
	m := &store.Membership{
		ID:        uuid.New(),
		UserID:    user.ID,
		TenantID:  a.Tenant.ID,
		Role:      req.Role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.memberships.Create(r.Context(), m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteError(w, http.StatusConflict, "user already a member")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventAdminOp, "add_member", "membership", user.ID.String(), map[string]any{"role": req.Role})
	WriteJSON(w, http.StatusCreated, m)
}

// ListMembers handles GET /api/v1/tenants/{tid}/members.
func (h *TenantHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	page, pageSize := parsePagination(r)
	members, err := h.memberships.List(r.Context(), store.MembershipFilter{
		TenantID:   &a.Tenant.ID,
		Pagination: pagination(page, pageSize),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WritePaginated(w, members, len(members), page, pageSize)
}

// UpdateMember handles PUT /api/v1/tenants/{tid}/members/{uid}.
func (h *TenantHandler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	memberUserID, ok := pathUUID(w, r, "uid", "user")
	if !ok {
		return
	}
	var req struct {
		Role store.Role `json:"role"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !store.ValidRoles[req.Role] {
		WriteError(w, http.StatusBadRequest, "invalid role")
		return
	}

	m, err := h.membership(r.Context(), a.Tenant.ID, memberUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if (m.Role == store.RoleOwner || req.Role == store.RoleOwner) && a.Role != store.RoleOwner {
		WriteError(w, http.StatusForbidden, "only owners can change the owner role")
		return
	}
	if m.Role == store.RoleOwner && req.Role != store.RoleOwner {
		if err := h.keepAnOwner(r.Context(), a.Tenant.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	from := m.Role
	m.Role = req.Role
	m.UpdatedAt = time.Now()
	if err := h.memberships.Update(r.Context(), m); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventAdminOp, "update_member", "membership", memberUserID.String(),
		map[string]any{"from": from, "to": req.Role})
	WriteJSON(w, http.StatusOK, m)
}

// RemoveMember handles DELETE /api/v1/tenants/{tid}/members/{uid}.
func (h *TenantHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	memberUserID, ok := pathUUID(w, r, "uid", "user")
	if !ok {
		return
	}
	m, err := h.membership(r.Context(), a.Tenant.ID, memberUserID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if m.Role == store.RoleOwner {
		if a.Role != store.RoleOwner {
			WriteError(w, http.StatusForbidden, "only owners can remove an owner")
			return
		}
		if err := h.keepAnOwner(r.Context(), a.Tenant.ID); err != nil {
			h.fail(w, r, err)
			return
		}
	}
	if err := h.memberships.Delete(r.Context(), m.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventAdminOp, "remove_member", "membership", memberUserID.String(), nil)
	w.WriteHeader(http.StatusNoContent)
}

func (h *TenantHandler) membership(ctx context.Context, tenantID, userID uuid.UUID) (*store.Membership, error) {
	members, err := h.memberships.List(ctx, store.MembershipFilter{UserID: &userID, TenantID: &tenantID})
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, store.ErrNotFound
	}
	return members[0], nil
}

// keepAnOwner fails when the tenant has a single owner left.
func (h *TenantHandler) keepAnOwner(ctx context.Context, tenantID uuid.UUID) error {
	owners, err := h.memberships.List(ctx, store.MembershipFilter{
		TenantID:   &tenantID,
		Role:       store.RoleOwner,
		Pagination: store.Pagination{Limit: 2},
	})
	if err != nil {
		return err
	}
	if len(owners) < 2 {
		return fmt.Errorf("%w: a tenant must keep at least one owner", store.ErrConflict)
	}
	return nil
}

// Audit handles GET /api/v1/tenants/{tid}/audit.
func (h *TenantHandler) Audit(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	page, pageSize := parsePagination(r)
	q := r.URL.Query()
	f := store.AuditFilter{
		TenantID:     &a.Tenant.ID,
		Action:       q.Get("action"),
		ResourceType: q.Get("resource_type"),
		Pagination:   pagination(page, pageSize),
	}
	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid user_id")
			return
		}
		f.UserID = &id
	}
	for name, dst := range map[string]**time.Time{"since": &f.Since, "until": &f.Until} {
		if v := q.Get(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				WriteError(w, http.StatusBadRequest, "invalid "+name+" (RFC 3339 expected)")
				return
			}
			*dst = &t
		}
	}
	entries, err := h.auditStore.Query(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WritePaginated(w, entries, len(entries), page, pageSize)
}
