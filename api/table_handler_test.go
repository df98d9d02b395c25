package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func tablesPath(t *store.Tenant) string {
	return "/api/v1/tenants/" + t.ID.String() + "/tables"
}

func productsSpec() map[string]any {
	return map[string]any{
		"name": "products",
		"columns": []map[string]any{
			{"name": "id", "type": "serial"},
			{"name": "name", "type": "text"},
			{"name": "price", "type": "numeric(10,2)", "default": "0"},
			{"name": "active", "type": "boolean", "default": "true"},
		},
		"primary_key": []string{"id"},
	}
}

func TestTableLifecycle(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.newUser("owner@example.com")
	ten := e.newTenant(token, "Acme")
	base := tablesPath(ten)

	w := e.do(http.MethodPost, base, token, productsSpec())
	expectStatus(t, w, http.StatusCreated)
	spec := decodeData[*schema.TableSpec](t, w)
	if len(spec.Columns) != 4 || len(spec.PrimaryKey) != 1 {
		t.Fatalf("unexpected spec %+v", spec)
	}

	t.Run("duplicate", func(t *testing.T) {
		w := e.do(http.MethodPost, base, token, productsSpec())
		expectStatus(t, w, http.StatusConflict)
	})

	t.Run("hostile identifiers", func(t *testing.T) {
		for _, name := range []string{`x"; DROP TABLE products; --`, "1abc", "select"} {
			body := productsSpec()
			body["name"] = name
			w := e.do(http.MethodPost, base, token, body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%q: expected 400, got %d", name, w.Code)
			}
		}
	})

	t.Run("list and describe", func(t *testing.T) {
		w := e.do(http.MethodGet, base, token, nil)
		expectStatus(t, w, http.StatusOK)
		names := decodeData[[]string](t, w)
		if len(names) != 1 || names[0] != "products" {
			t.Errorf("expected [products], got %v", names)
		}
		w = e.do(http.MethodGet, base+"/missing", token, nil)
		expectStatus(t, w, http.StatusNotFound)
	})

	t.Run("rows", func(t *testing.T) {
		for _, row := range []map[string]any{
			{"name": "widget", "price": 12.5},
			{"name": "bolt", "price": 0.25, "active": false},
			{"name": "nut"},
		} {
			w := e.do(http.MethodPost, base+"/products/rows", token, row)
			expectStatus(t, w, http.StatusCreated)
		}

		w := e.do(http.MethodPost, base+"/products/rows", token, map[string]any{"price": "abc", "name": "x"})
		expectStatus(t, w, http.StatusBadRequest)

		w = e.do(http.MethodGet, base+"/products/rows?sort=name&filter.active=true", token, nil)
		expectStatus(t, w, http.StatusOK)
		page := decodeData[*schema.RowPage](t, w)
		if page.Total != 2 || len(page.Rows) != 2 {
			t.Fatalf("expected 2 active rows, got %+v", page)
		}
		if page.Rows[0]["name"] != "nut" || page.Rows[1]["name"] != "widget" {
			t.Errorf("expected nut, widget, got %v", page.Rows)
		}

		w = e.do(http.MethodGet, base+"/products/rows?sort=name%3Bdrop", token, nil)
		expectStatus(t, w, http.StatusBadRequest)
		w = e.do(http.MethodGet, base+"/products/rows?limit=-1", token, nil)
		expectStatus(t, w, http.StatusBadRequest)

		w = e.do(http.MethodPatch, base+"/products/rows", token, map[string]any{
			"key": map[string]any{"name": "nut"}, "values": map[string]any{"price": "1.10"},
		})
		expectStatus(t, w, http.StatusOK)
		if got := decodeData[map[string]int64](t, w)["affected"]; got != 1 {
			t.Errorf("expected 1 updated row, got %d", got)
		}

		w = e.do(http.MethodDelete, base+"/products/rows", token, map[string]any{"key": map[string]any{}})
		expectStatus(t, w, http.StatusBadRequest)
		w = e.do(http.MethodDelete, base+"/products/rows", token, map[string]any{"key": map[string]any{"name": "bolt"}})
		expectStatus(t, w, http.StatusOK)
	})

	t.Run("plan and apply", func(t *testing.T) {
		desired := productsSpec()
		desired["columns"] = append(desired["columns"].([]map[string]any),
			map[string]any{"name": "sku", "type": "varchar(32)", "nullable": true})

		w := e.do(http.MethodPost, base+"/products/plan", token, desired)
		expectStatus(t, w, http.StatusOK)
		plan := decodeData[*schema.PlanResult](t, w)
		if plan.Create || len(plan.Ops) != 1 || plan.Ops[0].Kind != schema.OpAddColumn || plan.Applied {
			t.Fatalf("unexpected plan %+v", plan)
		}

		w = e.do(http.MethodPut, base+"/products", token, desired)
		expectStatus(t, w, http.StatusOK)
		if res := decodeData[*schema.PlanResult](t, w); !res.Applied {
			t.Errorf("expected the plan applied, got %+v", res)
		}

		w = e.do(http.MethodPut, base+"/other", token, desired)
		expectStatus(t, w, http.StatusBadRequest)
	})

	t.Run("destructive changes need confirmation", func(t *testing.T) {
		drop := map[string]any{"ops": []map[string]any{{"op": "drop_column", "column": "sku"}}}
		w := e.do(http.MethodPost, base+"/products/alter", token, drop)
		expectStatus(t, w, http.StatusConflict)

		w = e.do(http.MethodPost, base+"/products/alter?allow_destructive=true", token, drop)
		expectStatus(t, w, http.StatusOK)
		spec := decodeData[*schema.TableSpec](t, w)
		if _, ok := spec.Column("sku"); ok {
			t.Error("expected sku dropped")
		}
	})

	t.Run("audited", func(t *testing.T) {
		entries, err := e.auditStore.Query(context.Background(), store.AuditFilter{TenantID: &ten.ID})
		if err != nil {
			t.Fatal(err)
		}
		actions := map[string]bool{}
		for _, en := range entries {
			actions[en.Action] = true
		}
		for _, want := range []string{"schema_change.create_table", "data_change.insert_row", "schema_change.alter_table"} {
			if !actions[want] {
				t.Errorf("expected audit action %s", want)
			}
		}
	})

	t.Run("drop", func(t *testing.T) {
		w := e.do(http.MethodDelete, base+"/products", token, nil)
		expectStatus(t, w, http.StatusNoContent)
		w = e.do(http.MethodGet, base+"/products", token, nil)
		expectStatus(t, w, http.StatusNotFound)
	})
}

func TestTableRoles(t *testing.T) {
	e := newTestEnv(t)
	_, ownerToken := e.newUser("owner@example.com")
	ten := e.newTenant(ownerToken, "Acme")
	w := e.do(http.MethodPost, tablesPath(ten), ownerToken, productsSpec())
	expectStatus(t, w, http.StatusCreated)

	editor, editorToken := e.newUser("editor@example.com")
	e.addMember(ten.ID, editor.ID, store.RoleEditor)
	viewer, viewerToken := e.newUser("viewer@example.com")
	e.addMember(ten.ID, viewer.ID, store.RoleViewer)

	w = e.do(http.MethodDelete, tablesPath(ten)+"/products", editorToken, nil)
	expectStatus(t, w, http.StatusForbidden)
	w = e.do(http.MethodPost, tablesPath(ten)+"/products/rows", editorToken, map[string]any{"name": "x"})
	expectStatus(t, w, http.StatusCreated)
	w = e.do(http.MethodPost, tablesPath(ten)+"/products/rows", viewerToken, map[string]any{"name": "y"})
	expectStatus(t, w, http.StatusForbidden)
	w = e.do(http.MethodGet, tablesPath(ten)+"/products/rows", viewerToken, nil)
	expectStatus(t, w, http.StatusOK)
}

func TestTableIsolation(t *testing.T) {
	e := newTestEnv(t)
	_, tokenA := e.newUser("a@example.com")
	a := e.newTenant(tokenA, "Alpha")
	_, tokenB := e.newUser("b@example.com")
	b := e.newTenant(tokenB, "Beta")

	w := e.do(http.MethodPost, tablesPath(a), tokenA, productsSpec())
	expectStatus(t, w, http.StatusCreated)

	w = e.do(http.MethodGet, tablesPath(b)+"/products", tokenB, nil)
	expectStatus(t, w, http.StatusNotFound)
	w = e.do(http.MethodPost, "/api/v1/tenants/"+b.ID.String()+"/query", tokenB, map[string]string{"sql": "SELECT * FROM products"})
	expectStatus(t, w, http.StatusNotFound)
	w = e.do(http.MethodGet, tablesPath(a)+"/products", tokenB, nil)
	expectStatus(t, w, http.StatusNotFound)
}

func TestTableQuota(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.newUser("owner@example.com")
	ten := e.newTenant(token, "Acme")
	q := tenant.DefaultQuota()
	q.MaxTables = 1
	e.quotas.SetQuota(ten.ID, q)

	w := e.do(http.MethodPost, tablesPath(ten), token, productsSpec())
	expectStatus(t, w, http.StatusCreated)
	second := productsSpec()
	second["name"] = "orders"
	w = e.do(http.MethodPut, tablesPath(ten)+"/orders", token, second)
	expectStatus(t, w, http.StatusForbidden)
}

func TestQueryConsole(t *testing.T) {
	e := newTestEnv(t)
	_, token := e.newUser("owner@example.com")
	ten := e.newTenant(token, "Acme")
	w := e.do(http.MethodPost, tablesPath(ten), token, productsSpec())
	expectStatus(t, w, http.StatusCreated)
	for _, name := range []string{"widget", "bolt"} {
		w := e.do(http.MethodPost, tablesPath(ten)+"/products/rows", token, map[string]any{"name": name})
		expectStatus(t, w, http.StatusCreated)
	}
	queryPath := "/api/v1/tenants/" + ten.ID.String() + "/query"

	w = e.do(http.MethodPost, queryPath, token, map[string]string{"sql": "SELECT name FROM products ORDER BY name"})
	expectStatus(t, w, http.StatusOK)
	res := decodeData[*schema.QueryResult](t, w)
	if res.Count != 2 || res.Rows[0]["name"] != "bolt" {
		t.Errorf("unexpected result %+v", res)
	}

	for _, sql := range []string{
		"DELETE FROM products",
		"SELECT 1; DROP TABLE products",
		"SELECT * FROM sqlite_master",
		"SELECT * FROM main.products",
	} {
		w := e.do(http.MethodPost, queryPath, token, map[string]string{"sql": sql})
		if w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d: %s", sql, w.Code, w.Body.String())
		}
	}

	w = e.do(http.MethodPost, queryPath, token, map[string]string{"sql": " "})
	expectStatus(t, w, http.StatusBadRequest)

	if got := testutil.ToFloat64(e.metrics.Queries.WithLabelValues("ok")); got != 1 {
		t.Errorf("expected 1 ok query, got %v", got)
	}
	if got := testutil.ToFloat64(e.metrics.Queries.WithLabelValues("rejected")); got != 4 {
		t.Errorf("expected 4 rejected queries, got %v", got)
	}
}
