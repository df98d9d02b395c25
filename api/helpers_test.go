package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/metrics"
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const testSecret = "test-secret-key-for-jwt-signing!"

// testEnv is a router over in-memory stores, a temporary SQLite database
// and a temporary media directory.
type testEnv struct {
	t           *testing.T
	router      *Router
	auth        *AuthHandler
	users       *store.MockUserStore
	tenants     *store.MockTenantStore
	memberships *store.MockMembershipStore
	dashboards  *store.MockDashboardStore
	menus       *store.MockMenuStore
	posts       *store.MockPostStore
	auditStore  *store.MockAuditStore
	revocations *cache.Memory
	bus         *events.Bus
	quotas      *tenant.QuotaRegistry
	metrics     *metrics.Collector
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := quietLogger()

	memberships := store.NewMockMembershipStore()
	menus := store.NewMockMenuStore()
	e := &testEnv{
		t:           t,
		users:       store.NewMockUserStore(),
		tenants:     store.NewMockTenantStore(memberships),
		memberships: memberships,
		menus:       menus,
		dashboards:  store.NewMockDashboardStore(menus),
		posts:       store.NewMockPostStore(),
		auditStore:  store.NewMockAuditStore(),
		revocations: cache.NewMemory(cache.Config{}),
		bus:         events.NewBus(),
		quotas:      tenant.NewQuotaRegistry(tenant.DefaultQuota()),
		metrics:     metrics.New(metrics.Config{Namespace: "test"}),
	}

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "tables.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	auditLog := audit.NewLogger(io.Discard, e.auditStore)
	svc := Services{
		Menus: navigation.NewService(menus, store.NewMockPreferenceStore(), cache.NewMemory(cache.Config{}), e.bus,
			navigation.Options{Logger: logger}),
		Schema:      schema.NewManager(db, schema.NewSQLite(), schema.Options{Logger: logger}),
		Content:     content.NewService(e.posts, store.NewMockCampaignStore(), content.Options{Logger: logger}),
		Media:       media.NewService(media.NewLocalStore(t.TempDir()), media.Policy{MaxSize: 1 << 16}, logger),
		Events:      e.bus,
		Quotas:      e.quotas,
		Revocations: e.revocations,
		Audit:       auditLog,
		Metrics:     e.metrics,
		Logger:      logger,
	}
	stores := Stores{
		Users:       e.users,
		Tenants:     e.tenants,
		Memberships: memberships,
		Dashboards:  e.dashboards,
		Posts:       e.posts,
		Audit:       e.auditStore,
	}
	cfg := Config{JWTSecret: testSecret, JWTIssuer: "test", AccessTTL: time.Hour, RefreshTTL: 24 * time.Hour}
	e.router = NewRouter(stores, svc, cfg)
	t.Cleanup(e.router.Close)
	e.auth = NewAuthHandler(e.users, e.revocations, auditLog, logger, []byte(testSecret), "test", time.Hour, 24*time.Hour)
	return e
}

// newUser stores an active user and returns it with an access token.
func (e *testEnv) newUser(email string) (*store.User, string) {
	e.t.Helper()
	u := &store.User{ID: uuid.New(), Email: email, DisplayName: email, Active: true}
	if err := e.users.Create(context.Background(), u); err != nil {
		e.t.Fatalf("create user: %v", err)
	}
	pair, err := e.auth.tokens.issue(u.ID, u.Email)
	if err != nil {
		e.t.Fatalf("generate tokens: %v", err)
	}
	return u, pair.AccessToken
}

// newTenant creates a tenant owned by the holder of token through the API.
func (e *testEnv) newTenant(token, name string) *store.Tenant {
	e.t.Helper()
	w := e.do(http.MethodPost, "/api/v1/tenants", token, map[string]string{"name": name})
	if w.Code != http.StatusCreated {
		e.t.Fatalf("create tenant: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	return decodeData[*store.Tenant](e.t, w)
}

func (e *testEnv) addMember(tenantID, userID uuid.UUID, role store.Role) {
	e.t.Helper()
	m := &store.Membership{ID: uuid.New(), TenantID: tenantID, UserID: userID, Role: role}
	if err := e.memberships.Create(context.Background(), m); err != nil {
		e.t.Fatalf("add member: %v", err)
	}
}

// do sends a request through the full router. body is JSON-encoded unless
// it is already an io.Reader.
func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case io.Reader:
		r = b
	default:
		data, err := json.Marshal(b)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func makeJSON(v any) *bytes.Buffer {
	b, _ := json.Marshal(v)
	return bytes.NewBuffer(b)
}

// decodeData decodes the data member of a response envelope.
func decodeData[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var env struct {
		Data  T      `json:"data"`
		Error string `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return env.Data
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}
