package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
)

func TestTenantCreate(t *testing.T) {
	e := newTestEnv(t)
	owner, token := e.newUser("owner@example.com")

	t.Run("slug derived from name", func(t *testing.T) {
		tn := e.newTenant(token, "Café Crème Ltd")
		if tn.Slug != "cafe-creme-ltd" {
			t.Errorf("expected slug cafe-creme-ltd, got %q", tn.Slug)
		}
		role, err := e.memberships.GetRole(context.Background(), owner.ID, tn.ID)
		if err != nil || role != store.RoleOwner {
			t.Errorf("expected creator to be owner, got %q (%v)", role, err)
		}
	})

	t.Run("duplicate slug", func(t *testing.T) {
		w := e.do("POST", "/api/v1/tenants", token, map[string]string{"name": "Other", "slug": "cafe-creme-ltd"})
		expectStatus(t, w, http.StatusConflict)
	})

	t.Run("invalid slug", func(t *testing.T) {
		w := e.do("POST", "/api/v1/tenants", token, map[string]string{"name": "Bad", "slug": "Bad Slug"})
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		expectStatus(t, e.do("POST", "/api/v1/tenants", "", map[string]string{"name": "X"}), http.StatusUnauthorized)
	})
}

func TestTenantAccess(t *testing.T) {
	e := newTestEnv(t)
	_, ownerToken := e.newUser("owner@example.com")
	viewer, viewerToken := e.newUser("viewer@example.com")
	_, strangerToken := e.newUser("stranger@example.com")
	tn := e.newTenant(ownerToken, "Acme")
	e.addMember(tn.ID, viewer.ID, store.RoleViewer)

	path := "/api/v1/tenants/" + tn.ID.String()

	t.Run("member reads by id and slug", func(t *testing.T) {
		expectStatus(t, e.do("GET", path, viewerToken, nil), http.StatusOK)
		expectStatus(t, e.do("GET", "/api/v1/tenants/acme", viewerToken, nil), http.StatusOK)
	})

	t.Run("non-member sees not found", func(t *testing.T) {
		expectStatus(t, e.do("GET", path, strangerToken, nil), http.StatusNotFound)
	})

	t.Run("viewer cannot update", func(t *testing.T) {
		expectStatus(t, e.do("PUT", path, viewerToken, map[string]string{"name": "Hacked"}), http.StatusForbidden)
	})

	t.Run("owner updates name", func(t *testing.T) {
		w := e.do("PUT", path, ownerToken, map[string]string{"name": "Acme Corp"})
		expectStatus(t, w, http.StatusOK)
		if got := decodeData[*store.Tenant](t, w); got.Name != "Acme Corp" || got.Slug != "acme" {
			t.Errorf("unexpected tenant %+v", got)
		}
	})

	t.Run("list shows only own tenants", func(t *testing.T) {
		w := e.do("GET", "/api/v1/tenants", strangerToken, nil)
		expectStatus(t, w, http.StatusOK)
		if got := decodeData[[]tenantView](t, w); len(got) != 0 {
			t.Errorf("expected no tenants, got %d", len(got))
		}
		w = e.do("GET", "/api/v1/tenants", viewerToken, nil)
		if got := decodeData[[]tenantView](t, w); len(got) != 1 || got[0].Role != store.RoleViewer {
			t.Errorf("expected one tenant with viewer role, got %+v", got)
		}
	})

	t.Run("only owner deletes", func(t *testing.T) {
		expectStatus(t, e.do("DELETE", path, viewerToken, nil), http.StatusForbidden)
		expectStatus(t, e.do("DELETE", path, ownerToken, nil), http.StatusNoContent)
		if _, err := e.tenants.Get(context.Background(), tn.ID); err == nil {
			t.Error("expected tenant to be deleted")
		}
	})
}

func TestTenantMembers(t *testing.T) {
	e := newTestEnv(t)
	owner, ownerToken := e.newUser("owner@example.com")
	admin, adminToken := e.newUser("admin@example.com")
	editor, _ := e.newUser("editor@example.com")
	tn := e.newTenant(ownerToken, "Members")
	e.addMember(tn.ID, admin.ID, store.RoleAdmin)
	base := "/api/v1/tenants/" + tn.ID.String() + "/members"

	t.Run("add by email", func(t *testing.T) {
		w := e.do("POST", base, adminToken, map[string]string{"email": "Editor@example.com", "role": "editor"})
		expectStatus(t, w, http.StatusCreated)
		if role, _ := e.memberships.GetRole(context.Background(), editor.ID, tn.ID); role != store.RoleEditor {
			t.Errorf("expected editor role, got %q", role)
		}
	})

	t.Run("already a member", func(t *testing.T) {
		w := e.do("POST", base, adminToken, map[string]string{"user_id": editor.ID.String(), "role": "viewer"})
		expectStatus(t, w, http.StatusConflict)
	})

	t.Run("admin cannot grant owner", func(t *testing.T) {
		w := e.do("PUT", base+"/"+editor.ID.String(), adminToken, map[string]string{"role": "owner"})
		expectStatus(t, w, http.StatusForbidden)
	})

	t.Run("invalid role", func(t *testing.T) {
		w := e.do("PUT", base+"/"+editor.ID.String(), adminToken, map[string]string{"role": "superuser"})
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("unknown user", func(t *testing.T) {
		w := e.do("POST", base, adminToken, map[string]string{"email": "ghost@example.com", "role": "viewer"})
		expectStatus(t, w, http.StatusNotFound)
	})

	t.Run("last owner is kept", func(t *testing.T) {
		w := e.do("PUT", base+"/"+owner.ID.String(), ownerToken, map[string]string{"role": "admin"})
		expectStatus(t, w, http.StatusConflict)
		expectStatus(t, e.do("DELETE", base+"/"+owner.ID.String(), ownerToken, nil), http.StatusConflict)
	})

	t.Run("list", func(t *testing.T) {
		w := e.do("GET", base, adminToken, nil)
		expectStatus(t, w, http.StatusOK)
		if got := decodeData[[]store.Membership](t, w); len(got) != 3 {
			t.Errorf("expected 3 members, got %d", len(got))
		}
	})

	t.Run("remove", func(t *testing.T) {
		expectStatus(t, e.do("DELETE", base+"/"+editor.ID.String(), adminToken, nil), http.StatusNoContent)
		if _, err := e.memberships.GetRole(context.Background(), editor.ID, tn.ID); err == nil {
			t.Error("expected membership to be removed")
		}
	})

	t.Run("changes are audited", func(t *testing.T) {
		w := e.do("GET", "/api/v1/tenants/"+tn.ID.String()+"/audit?action=admin_op.add_member", adminToken, nil)
		expectStatus(t, w, http.StatusOK)
		entries := decodeData[[]store.AuditEntry](t, w)
		if len(entries) != 1 || entries[0].ResourceID != editor.ID.String() {
			t.Errorf("expected one add_member entry, got %+v", entries)
		}
	})
}

func TestTenantUsage(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.newUser("owner@example.com")
	tn := e.newTenant(token, "Usage")
	e.quotas.SetQuota(tn.ID, tenant.Quota{MaxDashboards: 1})

	expectStatus(t, e.do("POST", "/api/v1/tenants/usage/dashboards", token, map[string]string{"name": "One"}), http.StatusCreated)

	w := e.do("GET", "/api/v1/tenants/usage/usage", token, nil)
	expectStatus(t, w, http.StatusOK)
	u := decodeData[usage](t, w)
	if u.Dashboards != 1 || u.Quota.MaxDashboards != 1 {
		t.Errorf("unexpected usage %+v", u)
	}

	w = e.do("POST", "/api/v1/tenants/usage/dashboards", token, map[string]string{"name": "Two"})
	expectStatus(t, w, http.StatusForbidden)
}
