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
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/google/uuid"
)

// DashboardHandler handles dashboard CRUD within a tenant.
type DashboardHandler struct {
	base
	dashboards store.DashboardStore
	menus      *navigation.Service
	quotas     *tenant.QuotaRegistry
}

type dashboardRequest struct {
	Name        *string          `json:"name"`
	Slug        *string          `json:"slug"`
	Description *string          `json:"description"`
	Layout      *json.RawMessage `json:"layout"`
	IsDefault   *bool            `json:"is_default"`
}

// apply copies the set fields onto d, validating name and slug.
func (req dashboardRequest) apply(d *store.Dashboard) error {
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return errors.New("name is required")
		}
		d.Name = name
	}
	if req.Slug != nil {
		if !validSlug(*req.Slug) {
			return errors.New("slug must be lowercase letters, digits and single hyphens")
		}
		d.Slug = *req.Slug
	}
	if req.Description != nil {
		d.Description = *req.Description
	}
	if req.Layout != nil {
		if len(*req.Layout) > 0 && !json.Valid(*req.Layout) {
			return errors.New("layout must be valid JSON")
		}
		d.Layout = *req.Layout
	}
	if req.IsDefault != nil {
		d.IsDefault = *req.IsDefault
	}
	return nil
}

// Create handles POST /api/v1/tenants/{tid}/dashboards.
func (h *DashboardHandler) Create(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req dashboardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == nil {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}

	if h.quotas != nil {
		n, err := h.dashboards.Count(r.Context(), a.Tenant.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		if err := h.quotas.Check(a.Tenant.ID, tenant.ResourceDashboards, n); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	d := &store.Dashboard{
		ID:        uuid.New(),
		TenantID:  a.Tenant.ID,
		CreatedBy: a.UserID,
	}
	if err := req.apply(d); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if d.Slug == "" {
		d.Slug = slugify(d.Name)
		if d.Slug == "" {
			d.Slug = "dashboard"
		}
	}
	if err := h.dashboards.Create(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteError(w, http.StatusConflict, "dashboard slug already exists")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "create", "dashboard", d.ID.String(), map[string]any{"slug": d.Slug})
	WriteJSON(w, http.StatusCreated, d)
}

// List handles GET /api/v1/tenants/{tid}/dashboards.
func (h *DashboardHandler) List(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	page, pageSize := parsePagination(r)
	dashboards, err := h.dashboards.List(r.Context(), store.DashboardFilter{
		TenantID:   &a.Tenant.ID,
		Pagination: pagination(page, pageSize),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	total, err := h.dashboards.Count(r.Context(), a.Tenant.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WritePaginated(w, dashboards, total, page, pageSize)
}

// Get handles GET /api/v1/tenants/{tid}/dashboards/{did}.
func (h *DashboardHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, ok := dashboardFromPath(w, r, h.base, h.dashboards)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, d)
}

// Update handles PUT /api/v1/tenants/{tid}/dashboards/{did}.
func (h *DashboardHandler) Update(w http.ResponseWriter, r *http.Request) {
	d, ok := dashboardFromPath(w, r, h.base, h.dashboards)
	if !ok {
		return
	}
	var req dashboardRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := req.apply(d); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.UpdatedAt = time.Now()
	if err := h.dashboards.Update(r.Context(), d); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteError(w, http.StatusConflict, "dashboard slug already exists")
			return
		}
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "update", "dashboard", d.ID.String(), nil)
	WriteJSON(w, http.StatusOK, d)
}

// Delete handles DELETE /api/v1/tenants/{tid}/dashboards/{did}. The menu is
// removed with the dashboard.
func (h *DashboardHandler) Delete(w http.ResponseWriter, r *http.Request) {
	d, ok := dashboardFromPath(w, r, h.base, h.dashboards)
	if !ok {
		return
	}
	if err := h.dashboards.Delete(r.Context(), d.ID); err != nil {
		h.fail(w, r, err)
		return
	}
	if h.menus != nil {
		h.menus.Purge(r.Context(), d.ID)
	}
	h.record(r, audit.EventDataChange, "delete", "dashboard", d.ID.String(), map[string]any{"slug": d.Slug})
	w.WriteHeader(http.StatusNoContent)
}

// loadDashboard returns the dashboard when it belongs to the tenant. A
// dashboard of another tenant is reported as not found.
func loadDashboard(ctx context.Context, dashboards store.DashboardStore, tenantID, id uuid.UUID) (*store.Dashboard, error) {
	d, err := dashboards.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TenantID != tenantID {
		return nil, fmt.Errorf("dashboard %s: %w", id, store.ErrNotFound)
	}
	return d, nil
}

// dashboardFromPath resolves the {did} wildcard within the request's tenant.
func dashboardFromPath(w http.ResponseWriter, r *http.Request, b base, dashboards store.DashboardStore) (*store.Dashboard, bool) {
	id, ok := pathUUID(w, r, "did", "dashboard")
	if !ok {
		return nil, false
	}
	d, err := loadDashboard(r.Context(), dashboards, access(r).Tenant.ID, id)
	if err != nil {
		b.fail(w, r, err)
		return nil, false
	}
	return d, true
}
