package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

type userKey struct{}

func withUser(r *http.Request, id uuid.UUID) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), userKey{}, id))
}

func setup(t *testing.T) (*Resolver, *store.Tenant, map[store.Role]uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	members := store.NewMockMembershipStore()
	tenants := store.NewMockTenantStore(members)

	tn := &store.Tenant{Name: "Acme", Slug: "acme"}
	if err := tenants.Create(ctx, tn); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	users := map[store.Role]uuid.UUID{}
	for _, role := range []store.Role{store.RoleViewer, store.RoleEditor, store.RoleAdmin} {
		users[role] = uuid.New()
		if err := members.Create(ctx, &store.Membership{UserID: users[role], TenantID: tn.ID, Role: role}); err != nil {
			t.Fatalf("create membership: %v", err)
		}
	}

	res := &Resolver{
		Tenants: tenants,
		Members: members,
		User: func(ctx context.Context) (uuid.UUID, bool) {
			id, ok := ctx.Value(userKey{}).(uuid.UUID)
			return id, ok
		},
	}
	return res, tn, users
}

func serve(res *Resolver, min store.Role, req *http.Request) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle("GET /tenants/{tid}/thing", res.Require(min, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, ok := FromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(a.Tenant.Slug + ":" + string(a.Role)))
	})))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestResolverRequire(t *testing.T) {
	res, tn, users := setup(t)

	tests := []struct {
		name     string
		ref      string
		user     *uuid.UUID
		min      store.Role
		wantCode int
		wantBody string
	}{
		{"by slug", "acme", ptr(users[store.RoleViewer]), store.RoleViewer, http.StatusOK, "acme:viewer"},
		{"by id", tn.ID.String(), ptr(users[store.RoleEditor]), store.RoleEditor, http.StatusOK, "acme:editor"},
		{"slug is case-insensitive", "ACME", ptr(users[store.RoleAdmin]), store.RoleAdmin, http.StatusOK, "acme:admin"},
		{"role too low", "acme", ptr(users[store.RoleViewer]), store.RoleEditor, http.StatusForbidden, ""},
		{"not a member", "acme", ptr(uuid.New()), store.RoleViewer, http.StatusNotFound, ""},
		{"unknown tenant", "globex", ptr(users[store.RoleAdmin]), store.RoleViewer, http.StatusNotFound, ""},
		{"anonymous", "acme", nil, store.RoleViewer, http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/tenants/"+tt.ref+"/thing", nil)
			if tt.user != nil {
				req = withUser(req, *tt.user)
			}
			rec := serve(res, tt.min, req)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d (%s)", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantBody != "" && rec.Body.String() != tt.wantBody {
				t.Errorf("expected body %q, got %q", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestResolverRateLimit(t *testing.T) {
	res, tn, users := setup(t)
	res.Quotas = NewQuotaRegistry(Quota{APIRequestsPerMinute: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := withUser(httptest.NewRequest(http.MethodGet, "/tenants/acme/thing", nil), users[store.RoleViewer])
		rec := serve(res, store.RoleViewer, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") == "" {
			t.Error("expected Retry-After header")
		}
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected status sequence %v", codes)
	}

	// Raising the limit takes effect immediately.
	res.Quotas.SetQuota(tn.ID, Quota{APIRequestsPerMinute: 100})
	req := withUser(httptest.NewRequest(http.MethodGet, "/tenants/acme/thing", nil), users[store.RoleViewer])
	if rec := serve(res, store.RoleViewer, req); rec.Code != http.StatusOK {
		t.Errorf("expected 200 after raising quota, got %d", rec.Code)
	}
}

func ptr[T any](v T) *T { return &v }
