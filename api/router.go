package api

import (
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/health"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/metrics"
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/observability/tracing"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
)

// Config holds configuration for the API layer.
type Config struct {
	JWTSecret  string //nolint:gosec // G117: config field
	JWTIssuer  string
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	// AuthRateLimit is the maximum number of requests per minute per IP
	// allowed on the /auth/register and /auth/login endpoints.
	// Defaults to 10 when zero.
	AuthRateLimit int

	// MaxBodyBytes caps JSON request bodies. Defaults to 1 MiB. Media
	// uploads are bounded by the media policy instead.
	MaxBodyBytes int64
}

// Stores groups all store interfaces needed by the API.
type Stores struct {
	Users       store.UserStore
	Tenants     store.TenantStore
	Memberships store.MembershipStore
	Dashboards  store.DashboardStore
	Posts       store.PostStore
	Audit       store.AuditStore
}

// Services groups the domain services behind the API. Media, Events,
// Health, Metrics and Tracing are optional.
type Services struct {
	Menus   *navigation.Service
	Schema  *schema.Manager
	Content *content.Service
	Media   *media.Service
	Events  Subscriber
	Quotas  *tenant.QuotaRegistry
	// Revocations holds revoked token ids. Defaults to an in-memory cache.
	Revocations cache.Store
	Audit       *audit.Logger
	Health      *health.Monitor
	Metrics     *metrics.Collector
	Tracing     *tracing.Operations
	Logger      *slog.Logger
}

// Router is the server's HTTP handler.
type Router struct {
	handler   http.Handler
	mw        *Middleware
	stop      chan struct{}
	closeOnce sync.Once
}

// NewRouter creates a Router with all API v1 routes, the health probes and
// the metrics endpoint registered.
func NewRouter(stores Stores, svc Services, cfg Config) *Router {
	logger := svc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if svc.Revocations == nil {
		svc.Revocations = cache.NewMemory(cache.Config{})
	}
	if svc.Audit == nil {
		svc.Audit = audit.NewLogger(io.Discard, stores.Audit)
	}
	if svc.Tracing == nil {
		svc.Tracing = tracing.NewOperations(nil)
	}
	if svc.Quotas == nil {
		svc.Quotas = tenant.NewQuotaRegistry(tenant.DefaultQuota())
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}

	rt := &Router{stop: make(chan struct{})}
	mux := http.NewServeMux()

	secret := []byte(cfg.JWTSecret)
	mw := NewMiddleware(secret, cfg.JWTIssuer, stores.Users, svc.Revocations, logger)
	rt.mw = mw
	res := &tenant.Resolver{
		Tenants: stores.Tenants,
		Members: stores.Memberships,
		Quotas:  svc.Quotas,
		User:    userID,
		Logger:  logger,
	}
	b := base{logger: logger, audit: svc.Audit}

	authed := func(h http.HandlerFunc) http.Handler {
		return mw.RequireAuth(limitBody(cfg.MaxBodyBytes, h))
	}
	scoped := func(role store.Role, h http.HandlerFunc) http.Handler {
		return mw.RequireAuth(res.Require(role, limitBody(cfg.MaxBodyBytes, h)))
	}

	// --- Probes and metrics ---
	mux.HandleFunc("GET /healthz", health.LiveHandler())
	if svc.Health != nil {
		mux.HandleFunc("GET /readyz", svc.Health.ReadyHandler())
	} else {
		mux.HandleFunc("GET /readyz", health.LiveHandler())
	}
	if svc.Metrics != nil {
		mux.Handle("GET "+svc.Metrics.Path(), svc.Metrics.Handler())
	}

	// --- Auth ---
	authH := NewAuthHandler(stores.Users, svc.Revocations, svc.Audit, logger, secret, cfg.JWTIssuer, cfg.AccessTTL, cfg.RefreshTTL)
	authRL := mw.RateLimit(cfg.AuthRateLimit)
	mux.Handle("POST /api/v1/auth/register", authRL(limitBody(cfg.MaxBodyBytes, http.HandlerFunc(authH.Register))))
	mux.Handle("POST /api/v1/auth/login", authRL(limitBody(cfg.MaxBodyBytes, http.HandlerFunc(authH.Login))))
	mux.Handle("POST /api/v1/auth/refresh", authRL(limitBody(cfg.MaxBodyBytes, http.HandlerFunc(authH.Refresh))))
	mux.Handle("POST /api/v1/auth/logout", authed(authH.Logout))
	mux.Handle("GET /api/v1/auth/me", authed(authH.Me))
	mux.Handle("PUT /api/v1/auth/me", authed(authH.UpdateMe))

	// --- Tenants ---
	var mediaStore media.Store
	if svc.Media != nil {
		mediaStore = svc.Media.Store()
	}
	tenH := &TenantHandler{
		base:        b,
		tenants:     stores.Tenants,
		memberships: stores.Memberships,
		users:       stores.Users,
		dashboards:  stores.Dashboards,
		posts:       stores.Posts,
		auditStore:  stores.Audit,
		schema:      svc.Schema,
		media:       mediaStore,
		quotas:      svc.Quotas,
	}
	mux.Handle("POST /api/v1/tenants", authed(tenH.Create))
	mux.Handle("GET /api/v1/tenants", authed(tenH.List))
	mux.Handle("GET /api/v1/tenants/{tid}", scoped(store.RoleViewer, tenH.Get))
	mux.Handle("PUT /api/v1/tenants/{tid}", scoped(store.RoleAdmin, tenH.Update))
	mux.Handle("DELETE /api/v1/tenants/{tid}", scoped(store.RoleOwner, tenH.Delete))
	mux.Handle("GET /api/v1/tenants/{tid}/usage", scoped(store.RoleViewer, tenH.Usage))
	mux.Handle("POST /api/v1/tenants/{tid}/members", scoped(store.RoleAdmin, tenH.AddMember))
	mux.Handle("GET /api/v1/tenants/{tid}/members", scoped(store.RoleViewer, tenH.ListMembers))
	mux.Handle("PUT /api/v1/tenants/{tid}/members/{uid}", scoped(store.RoleAdmin, tenH.UpdateMember))
	mux.Handle("DELETE /api/v1/tenants/{tid}/members/{uid}", scoped(store.RoleAdmin, tenH.RemoveMember))
	mux.Handle("GET /api/v1/tenants/{tid}/audit", scoped(store.RoleAdmin, tenH.Audit))

	// --- Dashboards ---
	dashH := &DashboardHandler{base: b, dashboards: stores.Dashboards, menus: svc.Menus, quotas: svc.Quotas}
	mux.Handle("POST /api/v1/tenants/{tid}/dashboards", scoped(store.RoleEditor, dashH.Create))
	mux.Handle("GET /api/v1/tenants/{tid}/dashboards", scoped(store.RoleViewer, dashH.List))
	mux.Handle("GET /api/v1/tenants/{tid}/dashboards/{did}", scoped(store.RoleViewer, dashH.Get))
	mux.Handle("PUT /api/v1/tenants/{tid}/dashboards/{did}", scoped(store.RoleEditor, dashH.Update))
	mux.Handle("DELETE /api/v1/tenants/{tid}/dashboards/{did}", scoped(store.RoleEditor, dashH.Delete))

	// --- Menus ---
	menuH := &MenuHandler{base: b, dashboards: stores.Dashboards, menus: svc.Menus, events: svc.Events, stop: rt.stop}
	const menu = "/api/v1/tenants/{tid}/dashboards/{did}/menu"
	mux.Handle("GET "+menu, scoped(store.RoleViewer, menuH.Get))
	mux.Handle("GET "+menu+"/events", scoped(store.RoleViewer, menuH.Events))
	mux.Handle("PUT "+menu+"/collapsed", scoped(store.RoleViewer, menuH.SetCollapsed))
	mux.Handle("POST "+menu+"/groups", scoped(store.RoleEditor, menuH.CreateGroup))
	mux.Handle("PUT "+menu+"/groups/{gid}", scoped(store.RoleEditor, menuH.UpdateGroup))
	mux.Handle("DELETE "+menu+"/groups/{gid}", scoped(store.RoleEditor, menuH.DeleteGroup))
	mux.Handle("POST "+menu+"/groups/{gid}/move", scoped(store.RoleEditor, menuH.MoveGroup))
	mux.Handle("POST "+menu+"/items", scoped(store.RoleEditor, menuH.CreateItem))
	mux.Handle("PUT "+menu+"/items/{iid}", scoped(store.RoleEditor, menuH.UpdateItem))
	mux.Handle("DELETE "+menu+"/items/{iid}", scoped(store.RoleEditor, menuH.DeleteItem))
	mux.Handle("POST "+menu+"/items/{iid}/move", scoped(store.RoleEditor, menuH.MoveItem))

	// --- Tables ---
	tblH := &TableHandler{base: b, schema: svc.Schema, quotas: svc.Quotas, tracing: svc.Tracing}
	if svc.Metrics != nil {
		tblH.queries = svc.Metrics
	}
	const tables = "/api/v1/tenants/{tid}/tables"
	mux.Handle("GET "+tables, scoped(store.RoleViewer, tblH.List))
	mux.Handle("POST "+tables, scoped(store.RoleAdmin, tblH.Create))
	mux.Handle("GET "+tables+"/{name}", scoped(store.RoleViewer, tblH.Get))
	mux.Handle("PUT "+tables+"/{name}", scoped(store.RoleAdmin, tblH.Put))
	mux.Handle("DELETE "+tables+"/{name}", scoped(store.RoleAdmin, tblH.Delete))
	mux.Handle("POST "+tables+"/{name}/plan", scoped(store.RoleAdmin, tblH.Plan))
	mux.Handle("POST "+tables+"/{name}/alter", scoped(store.RoleAdmin, tblH.Alter))
	mux.Handle("GET "+tables+"/{name}/rows", scoped(store.RoleViewer, tblH.Rows))
	mux.Handle("POST "+tables+"/{name}/rows", scoped(store.RoleEditor, tblH.InsertRow))
	mux.Handle("PATCH "+tables+"/{name}/rows", scoped(store.RoleEditor, tblH.UpdateRows))
	mux.Handle("DELETE "+tables+"/{name}/rows", scoped(store.RoleEditor, tblH.DeleteRows))
	mux.Handle("POST /api/v1/tenants/{tid}/query", scoped(store.RoleEditor, tblH.Query))

	// --- Content ---
	conH := &ContentHandler{base: b, content: svc.Content, quotas: svc.Quotas}
	const tenantPath = "/api/v1/tenants/{tid}"
	mux.Handle("POST "+tenantPath+"/campaigns", scoped(store.RoleEditor, conH.CreateCampaign))
	mux.Handle("GET "+tenantPath+"/campaigns", scoped(store.RoleViewer, conH.ListCampaigns))
	mux.Handle("GET "+tenantPath+"/campaigns/{cid}", scoped(store.RoleViewer, conH.GetCampaign))
	mux.Handle("PUT "+tenantPath+"/campaigns/{cid}", scoped(store.RoleEditor, conH.UpdateCampaign))
	mux.Handle("DELETE "+tenantPath+"/campaigns/{cid}", scoped(store.RoleEditor, conH.DeleteCampaign))
	mux.Handle("POST "+tenantPath+"/posts", scoped(store.RoleEditor, conH.CreatePost))
	mux.Handle("GET "+tenantPath+"/posts", scoped(store.RoleViewer, conH.ListPosts))
	mux.Handle("GET "+tenantPath+"/posts/{pid}", scoped(store.RoleViewer, conH.GetPost))
	mux.Handle("PUT "+tenantPath+"/posts/{pid}", scoped(store.RoleEditor, conH.UpdatePost))
	mux.Handle("DELETE "+tenantPath+"/posts/{pid}", scoped(store.RoleEditor, conH.DeletePost))
	mux.Handle("POST "+tenantPath+"/posts/{pid}/transition", scoped(store.RoleEditor, conH.Transition))
	mux.Handle("GET "+tenantPath+"/calendar", scoped(store.RoleViewer, conH.Calendar))
	mux.Handle("GET "+tenantPath+"/recurrence", scoped(store.RoleViewer, conH.Recurrence))

	// --- Media ---
	if svc.Media != nil {
		medH := &MediaHandler{base: b, media: svc.Media, quotas: svc.Quotas}
		mux.Handle("POST "+tenantPath+"/media",
			mw.RequireAuth(res.Require(store.RoleEditor, http.HandlerFunc(medH.Upload))))
		mux.Handle("GET "+tenantPath+"/media", scoped(store.RoleViewer, medH.List))
		mux.Handle("GET "+tenantPath+"/media/{key}", scoped(store.RoleViewer, medH.Get))
		mux.Handle("DELETE "+tenantPath+"/media/{key}", scoped(store.RoleEditor, medH.Delete))
	}

	// Route-aware layers wrap the mux directly and see r.Pattern once it
	// returns; everything between them and the mux passes r unchanged.
	var h http.Handler = tracing.NameSpans(mux)
	if svc.Metrics != nil {
		h = svc.Metrics.Middleware(h)
	}
	h = Logging(logger)(h)
	h = RequestID(h)
	h = Recover(logger)(h)
	rt.handler = h
	return rt
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// Close ends open menu streams and stops the rate limiter cleanup.
func (rt *Router) Close() {
	rt.closeOnce.Do(func() {
		close(rt.stop)
		rt.mw.Stop()
	})
}
