// Package tenant resolves the tenant a request addresses, gates it by the
// caller's role and enforces per-tenant quotas.
package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/GoCodeAlone/dashboard/store"
	"github.com/google/uuid"
)

type contextKey string

const accessKey contextKey = "tenant_access"

// PathParam is the route wildcard carrying the tenant id or slug.
const PathParam = "tid"

// Access describes the caller's access to the resolved tenant.
type Access struct {
	Tenant *store.Tenant
	UserID uuid.UUID
	Role   store.Role
}

// FromContext returns the tenant access stored by Resolver.
func FromContext(ctx context.Context) (*Access, bool) {
	a, ok := ctx.Value(accessKey).(*Access)
	return a, ok
}

// ContextWithAccess returns a context carrying a.
func ContextWithAccess(ctx context.Context, a *Access) context.Context {
	return context.WithValue(ctx, accessKey, a)
}

// Resolver is an HTTP middleware that loads the tenant named by the {tid}
// path wildcard (an id or a slug), checks the caller's membership and the
// tenant's API rate, and stores the result in the request context.
type Resolver struct {
	Tenants store.TenantStore
	Members store.MembershipStore
	// Quotas, when set, enforces the per-tenant API rate.
	Quotas *QuotaRegistry
	// User returns the authenticated user of a request.
	User   func(ctx context.Context) (uuid.UUID, bool)
	Logger *slog.Logger
}

// Require wraps next so it runs only for members holding at least min.
// Non-members get 404 so tenant existence is not disclosed.
func (res *Resolver) Require(min store.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := res.User(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}

		t, err := res.lookup(r.Context(), strings.TrimSpace(r.PathValue(PathParam)))
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if err != nil {
			res.logger().Error("resolve tenant failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		role, err := res.Members.GetRole(r.Context(), userID, t.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if err != nil {
			res.logger().Error("load membership failed", "tenant_id", t.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !role.AtLeast(min) {
			writeError(w, http.StatusForbidden, "requires role "+string(min))
			return
		}

		if res.Quotas != nil {
			if err := res.Quotas.AllowAPI(t.ID); err != nil {
				w.Header().Set("Retry-After", "60")
				writeError(w, http.StatusTooManyRequests, err.Error())
				return
			}
		}

		ctx := ContextWithAccess(r.Context(), &Access{Tenant: t, UserID: userID, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (res *Resolver) lookup(ctx context.Context, ref string) (*store.Tenant, error) {
	if ref == "" {
		return nil, store.ErrNotFound
	}
	if id, err := uuid.Parse(ref); err == nil {
		return res.Tenants.Get(ctx, id)
	}
	return res.Tenants.GetBySlug(ctx, strings.ToLower(ref))
}

func (res *Resolver) logger() *slog.Logger {
	if res.Logger != nil {
		return res.Logger
	}
	return slog.Default()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
