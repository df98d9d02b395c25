package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/observability/tracing"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/tenant"
)

// filterPrefix marks row filter query parameters, e.g. ?filter.status=open.
const filterPrefix = "filter."

// QueryRecorder counts query console requests by result.
type QueryRecorder interface {
	RecordQuery(result string)
}

// TableHandler exposes the tenant's managed tables, their rows and the
// read-only query console.
type TableHandler struct {
	base
	schema  *schema.Manager
	quotas  *tenant.QuotaRegistry
	tracing *tracing.Operations
	queries QueryRecorder
}

func allowDestructive(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("allow_destructive"))
	return v
}

// checkTableQuota fails when the tenant cannot create another table.
func (h *TableHandler) checkTableQuota(r *http.Request, ns string) error {
	if h.quotas == nil {
		return nil
	}
	tables, err := h.schema.ListTables(r.Context(), ns)
	if err != nil {
		return err
	}
	return h.quotas.Check(access(r).Tenant.ID, tenant.ResourceTables, len(tables))
}

// List handles GET /api/v1/tenants/{tid}/tables.
func (h *TableHandler) List(w http.ResponseWriter, r *http.Request) {
	tables, err := h.schema.ListTables(r.Context(), access(r).Tenant.Namespace())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, tables)
}

// Create handles POST /api/v1/tenants/{tid}/tables.
func (h *TableHandler) Create(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var spec schema.TableSpec
	if !decodeJSON(w, r, &spec) {
		return
	}
	ns := a.Tenant.Namespace()
	if err := h.checkTableQuota(r, ns); err != nil {
		h.fail(w, r, err)
		return
	}

	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "create_table", spec.Name)
	err := h.schema.CreateTable(ctx, ns, &spec)
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventSchemaChange, "create_table", "table", spec.Name,
		map[string]any{"columns": len(spec.Columns)})

	created, err := h.schema.DescribeTable(r.Context(), ns, spec.Name)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusCreated, created)
}

// Get handles GET /api/v1/tenants/{tid}/tables/{name}.
func (h *TableHandler) Get(w http.ResponseWriter, r *http.Request) {
	spec, err := h.schema.DescribeTable(r.Context(), access(r).Tenant.Namespace(), r.PathValue("name"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, spec)
}

// decodeSpec reads a table definition whose name must match the path.
func decodeSpec(w http.ResponseWriter, r *http.Request) (*schema.TableSpec, bool) {
	var spec schema.TableSpec
	if !decodeJSON(w, r, &spec) {
		return nil, false
	}
	name := r.PathValue("name")
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name {
		WriteError(w, http.StatusBadRequest, "table name does not match the path")
		return nil, false
	}
	return &spec, true
}

// Put handles PUT /api/v1/tenants/{tid}/tables/{name}: the table is created
// or migrated to the submitted definition. Drops and type changes need
// ?allow_destructive=true.
func (h *TableHandler) Put(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}
	ns := a.Tenant.Namespace()
	if _, err := h.schema.DescribeTable(r.Context(), ns, spec.Name); errors.Is(err, schema.ErrTableNotFound) {
		if err := h.checkTableQuota(r, ns); err != nil {
			h.fail(w, r, err)
			return
		}
	}

	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "apply_spec", spec.Name)
	res, err := h.schema.ApplySpec(ctx, ns, spec, allowDestructive(r))
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventSchemaChange, "apply_spec", "table", spec.Name,
		map[string]any{"created": res.Create, "statements": res.Statements})
	WriteJSON(w, http.StatusOK, res)
}

// Plan handles POST /api/v1/tenants/{tid}/tables/{name}/plan. Nothing is
// applied.
func (h *TableHandler) Plan(w http.ResponseWriter, r *http.Request) {
	spec, ok := decodeSpec(w, r)
	if !ok {
		return
	}
	res, err := h.schema.PlanSpec(r.Context(), access(r).Tenant.Namespace(), spec, allowDestructive(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Alter handles POST /api/v1/tenants/{tid}/tables/{name}/alter.
func (h *TableHandler) Alter(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		Ops              []schema.AlterOp `json:"ops"`
		AllowDestructive bool             `json:"allow_destructive"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	table := r.PathValue("name")

	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "alter_table", table)
	spec, err := h.schema.AlterTable(ctx, a.Tenant.Namespace(), table, req.Ops, req.AllowDestructive || allowDestructive(r))
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ops := make([]string, len(req.Ops))
	for i, op := range req.Ops {
		ops[i] = op.String()
	}
	h.record(r, audit.EventSchemaChange, "alter_table", "table", table, map[string]any{"ops": ops})
	WriteJSON(w, http.StatusOK, spec)
}

// Delete handles DELETE /api/v1/tenants/{tid}/tables/{name}.
func (h *TableHandler) Delete(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	table := r.PathValue("name")
	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "drop_table", table)
	err := h.schema.DropTable(ctx, a.Tenant.Namespace(), table)
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventSchemaChange, "drop_table", "table", table, nil)
	w.WriteHeader(http.StatusNoContent)
}

// Rows handles GET /api/v1/tenants/{tid}/tables/{name}/rows. Supported
// parameters are limit, offset, sort, desc and filter.<column>.
func (h *TableHandler) Rows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rq := schema.RowQuery{Sort: q.Get("sort"), Filters: map[string]string{}}
	for name, dst := range map[string]*int{"limit": &rq.Limit, "offset": &rq.Offset} {
		if v := q.Get(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				WriteError(w, http.StatusBadRequest, "invalid "+name)
				return
			}
			*dst = n
		}
	}
	rq.Desc, _ = strconv.ParseBool(q.Get("desc"))
	for key, vals := range q {
		if col, ok := strings.CutPrefix(key, filterPrefix); ok && len(vals) > 0 {
			rq.Filters[col] = vals[0]
		}
	}

	page, err := h.schema.Rows(r.Context(), access(r).Tenant.Namespace(), r.PathValue("name"), rq)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, page)
}

// InsertRow handles POST /api/v1/tenants/{tid}/tables/{name}/rows.
func (h *TableHandler) InsertRow(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var values map[string]any
	if !decodeRowJSON(w, r, &values) {
		return
	}
	table := r.PathValue("name")
	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "insert_row", table)
	row, err := h.schema.InsertRow(ctx, a.Tenant.Namespace(), table, values)
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "insert_row", "table", table, nil)
	WriteJSON(w, http.StatusCreated, row)
}

// UpdateRows handles PATCH /api/v1/tenants/{tid}/tables/{name}/rows. The
// body is {"key": {...}, "values": {...}}; key must not be empty.
func (h *TableHandler) UpdateRows(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		Key    map[string]any `json:"key"`
		Values map[string]any `json:"values"`
	}
	if !decodeRowJSON(w, r, &req) {
		return
	}
	table := r.PathValue("name")
	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "update_rows", table)
	n, err := h.schema.UpdateRows(ctx, a.Tenant.Namespace(), table, req.Key, req.Values)
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "update_rows", "table", table, map[string]any{"rows": n})
	WriteJSON(w, http.StatusOK, map[string]int64{"affected": n})
}

// DeleteRows handles DELETE /api/v1/tenants/{tid}/tables/{name}/rows with a
// {"key": {...}} body.
func (h *TableHandler) DeleteRows(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		Key map[string]any `json:"key"`
	}
	if !decodeRowJSON(w, r, &req) {
		return
	}
	table := r.PathValue("name")
	ctx, span := h.tracing.StartSchema(r.Context(), a.Tenant.ID, "delete_rows", table)
	n, err := h.schema.DeleteRows(ctx, a.Tenant.Namespace(), table, req.Key)
	h.tracing.End(span, err)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.record(r, audit.EventDataChange, "delete_rows", "table", table, map[string]any{"rows": n})
	WriteJSON(w, http.StatusOK, map[string]int64{"affected": n})
}

// Query handles POST /api/v1/tenants/{tid}/query.
func (h *TableHandler) Query(w http.ResponseWriter, r *http.Request) {
	a := access(r)
	var req struct {
		SQL string `json:"sql"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SQL) == "" {
		WriteError(w, http.StatusBadRequest, "sql is required")
		return
	}

	ctx, span := h.tracing.StartQuery(r.Context(), a.Tenant.ID)
	res, err := h.schema.Query(ctx, a.Tenant.Namespace(), req.SQL)
	h.tracing.End(span, err)

	result := "ok"
	switch {
	case errors.Is(err, schema.ErrInvalid), errors.Is(err, schema.ErrReadOnly):
		result = "rejected"
	case err != nil:
		result = "error"
	}
	if h.queries != nil {
		h.queries.RecordQuery(result)
	}
	meta := map[string]any{"result": result, "length": len(req.SQL)}
	if res != nil {
		meta["rows"] = res.Count
	}
	h.record(r, audit.EventQuery, "run", "query", "", meta)

	if err != nil {
		h.fail(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}
