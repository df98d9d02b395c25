package api

import (
	"log/slog"
	"net/http"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/google/uuid"
)

// base carries what every tenant-scoped handler needs.
type base struct {
	logger *slog.Logger
	audit  *audit.Logger
}

func (b base) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, b.logger, err)
}

// record writes an audit entry for a successful change in the request's
// tenant.
func (b base) record(r *http.Request, typ audit.EventType, action, resourceType, resourceID string, meta map[string]any) {
	a, ok := tenant.FromContext(r.Context())
	if !ok {
		return
	}
	b.audit.LogChange(r.Context(), typ, a.Tenant.ID, a.UserID, action, resourceType, resourceID, meta)
}

// access returns the tenant access stored by the resolver. Routes are only
// reachable through it, so a missing value is a wiring bug.
func access(r *http.Request) *tenant.Access {
	a, ok := tenant.FromContext(r.Context())
	if !ok {
		panic("api: tenant route registered without the tenant resolver")
	}
	return a
}

// pathUUID parses the named path wildcard, writing a 400 when malformed.
func pathUUID(w http.ResponseWriter, r *http.Request, name, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid "+what+" id")
		return uuid.Nil, false
	}
	return id, true
}
