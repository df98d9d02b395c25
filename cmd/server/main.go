package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/GoCodeAlone/dashboard/api"
	"github.com/GoCodeAlone/dashboard/audit"
	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/config"
	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/health"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/metrics"
	"github.com/GoCodeAlone/dashboard/navigation"
	"github.com/GoCodeAlone/dashboard/observability/tracing"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/GoCodeAlone/dashboard/tenant"
	"github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"
)

var (
	configFile  = flag.String("config", "", "Path to the server configuration YAML file")
	addr        = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	migrateOnly = flag.Bool("migrate", false, "Apply database migrations and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Log.SlogLevel())
	logger := newLogger(os.Stdout, cfg.Log.Format, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if *migrateOnly {
		err = migrate(ctx, cfg, logger)
	} else {
		err = run(ctx, cfg, *configFile, level, logger)
	}
	stop()
	if err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// newLogger returns a text or JSON logger whose level follows level.
func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Database.URL == "" {
		return errors.New("-migrate requires database.url")
	}
	pg, err := store.NewPGStore(ctx, store.PGConfig{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return err
	}
	defer pg.Close()
	return store.NewMigrator(pg.Pool(), logger).Migrate(ctx)
}

func run(ctx context.Context, cfg *config.Config, path string, level *slog.LevelVar, logger *slog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if path != "" {
		a.watcher = config.NewWatcher(path,
			func(ev config.ChangeEvent) { a.reload(ev, level) },
			config.WithWatchLogger(logger))
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr, err)
	}
	return a.serve(ctx, ln)
}

// app is the assembled server: the HTTP handler plus the background loops
// that run next to it.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler
	router  *api.Router

	quotas     *tenant.QuotaRegistry
	monitor    *health.Monitor
	dispatcher *content.Dispatcher
	janitor    *cache.Memory
	watcher    *config.Watcher

	closers []func()
}

// backend holds the persistent stores, either Postgres or in-memory.
type backend struct {
	users       store.UserStore
	tenants     store.TenantStore
	memberships store.MembershipStore
	dashboards  store.DashboardStore
	menus       store.MenuStore
	prefs       store.PreferenceStore
	campaigns   store.CampaignStore
	posts       store.PostStore
	audit       store.AuditStore
	pg          *store.PGStore
}

func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backend, error) {
	if cfg.Database.URL == "" {
		logger.Warn("no database configured, using in-memory stores")
		memberships := store.NewMockMembershipStore()
		menus := store.NewMockMenuStore()
		return &backend{
			users:       store.NewMockUserStore(),
			tenants:     store.NewMockTenantStore(memberships),
			memberships: memberships,
			dashboards:  store.NewMockDashboardStore(menus),
			menus:       menus,
			prefs:       store.NewMockPreferenceStore(),
			campaigns:   store.NewMockCampaignStore(),
			posts:       store.NewMockPostStore(),
			audit:       store.NewMockAuditStore(),
		}, nil
	}

	pg, err := store.NewPGStore(ctx, store.PGConfig{URL: cfg.Database.URL, MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := store.NewMigrator(pg.Pool(), logger).Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return &backend{
		users:       pg.Users(),
		tenants:     pg.Tenants(),
		memberships: pg.Memberships(),
		dashboards:  pg.Dashboards(),
		menus:       pg.Menus(),
		prefs:       pg.Preferences(),
		campaigns:   pg.Campaigns(),
		posts:       pg.Posts(),
		audit:       pg.Audit(),
		pg:          pg,
	}, nil
}

// openTables opens the database that holds tenant-managed tables.
func openTables(cfg *config.Config, pg *store.PGStore) (*sql.DB, schema.Dialect, error) {
	dialect, err := schema.DialectFor(cfg.Schema.Dialect)
	if err != nil {
		return nil, nil, fmt.Errorf("schema dialect %q: %w", cfg.Schema.Dialect, err)
	}
	if _, ok := dialect.(schema.Postgres); ok {
		if pg == nil {
			return nil, nil, errors.New("postgres tables require database.url")
		}
		return stdlib.OpenDBFromPool(pg.Pool()), dialect, nil
	}
	db, err := sql.Open("sqlite", cfg.Schema.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite %s: %w", cfg.Schema.SQLitePath, err)
	}
	db.SetMaxOpenConns(1)
	return db, dialect, nil
}

func openMedia(ctx context.Context, cfg config.MediaConfig) (media.Store, error) {
	if cfg.Backend == "s3" {
		client, err := media.NewS3Client(ctx, cfg.S3)
		if err != nil {
			return nil, err
		}
		return media.NewS3Store(client, cfg.S3.Bucket, cfg.S3.Prefix), nil
	}
	return media.NewLocalStore(cfg.Dir), nil
}

// newApp connects every backend named by cfg and builds the router. On error
// everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			a.Close()
		}
	}()

	provider, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a.onClose(func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	})
	ops := tracing.NewOperations(provider.Tracer())
	collector := metrics.New(cfg.Metrics)

	b, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if b.pg != nil {
		a.onClose(b.pg.Close)
	}

	var c cache.Store
	switch cfg.Cache.Backend {
	case "redis":
		r, err := cache.NewRedis(ctx, cfg.Cache.Redis)
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = r.Close() })
		c = r
	default:
		m := cache.NewMemory(cfg.Cache.Memory)
		collector.ObserveMemoryCache("memory", m.Stats)
		a.janitor = m
		c = m
	}

	bus := events.NewBus()
	collector.WatchBus(bus)
	var menuEvents events.Publisher = bus
	var nc *events.NATS
	if cfg.NATS.URL != "" {
		nc, err = events.ConnectNATS(cfg.NATS.URL, cfg.NATS.Name, logger)
		if err != nil {
			return nil, err
		}
		a.onClose(nc.Close)
		// Menu changes go through NATS and come back on the local bus, so
		// every instance streams them.
		menuEvents = nc
		subjects := cfg.NATS.Forward
		if menuSubject := navigation.TopicChanged + ".>"; !slices.Contains(subjects, menuSubject) {
			subjects = append(slices.Clone(subjects), menuSubject)
		}
		for _, s := range subjects {
			if err := nc.Forward(s, bus); err != nil {
				return nil, err
			}
		}
	}

	db, dialect, err := openTables(cfg, b.pg)
	if err != nil {
		return nil, err
	}
	a.onClose(func() { _ = db.Close() })
	schemaOpts := cfg.Schema.Options
	schemaOpts.Logger = logger
	tables := schema.NewManager(db, dialect, schemaOpts)

	menus := navigation.NewService(b.menus, b.prefs, c, menuEvents, navigation.Options{
		TTL:      cfg.Navigation.CacheTTL,
		StaleTTL: cfg.Navigation.StaleTTL,
		Logger:   logger,
		OnCache:  collector.CacheObserver("menu"),
	})

	posts := content.NewService(b.posts, b.campaigns, content.Options{Logger: logger})
	var publisher content.Publisher = content.LogPublisher{Logger: logger}
	if cfg.Content.Publisher == "nats" {
		publisher = content.BusPublisher{Events: nc}
	}
	dispOpts := cfg.Content.Dispatcher
	dispOpts.Logger = logger
	dispOpts.OnPublish = collector.RecordPublish
	dispOpts.Tracer = ops
	a.dispatcher = content.NewDispatcher(b.posts, publisher, dispOpts)

	mediaStore, err := openMedia(ctx, cfg.Media)
	if err != nil {
		return nil, err
	}

	a.monitor = health.NewMonitor(cfg.Health, logger)
	a.monitor.Register("navigation", menus.Ping)
	a.monitor.Register("tables", tables.Ping)
	a.monitor.Register("cache", c.Ping)
	if b.pg != nil {
		a.monitor.Register("database", b.pg.Ping)
	}
	if nc != nil {
		a.monitor.Register("nats", nc.Ping)
	}
	collector.WatchHealth(a.monitor)

	a.quotas = tenant.NewQuotaRegistry(cfg.Quota)
	a.router = api.NewRouter(api.Stores{
		Users:       b.users,
		Tenants:     b.tenants,
		Memberships: b.memberships,
		Dashboards:  b.dashboards,
		Posts:       b.posts,
		Audit:       b.audit,
	}, api.Services{
		Menus:       menus,
		Schema:      tables,
		Content:     posts,
		Media:       media.NewService(mediaStore, cfg.Media.Policy, logger),
		Events:      bus,
		Quotas:      a.quotas,
		Revocations: c,
		Audit:       audit.NewLogger(os.Stdout, b.audit),
		Health:      a.monitor,
		Metrics:     collector,
		Tracing:     ops,
		Logger:      logger,
	}, api.Config{
		JWTSecret:     cfg.Auth.JWTSecret,
		JWTIssuer:     cfg.Auth.Issuer,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		AuthRateLimit: cfg.Auth.LoginRate,
		MaxBodyBytes:  cfg.Server.MaxBodyBytes,
	})
	a.onClose(a.router.Close)

	a.handler = a.router
	if cfg.Tracing.Enabled {
		a.handler = tracing.Middleware(cfg.Tracing.ServiceName)(a.router)
	}
	built = true
	return a, nil
}

func (a *app) onClose(fn func()) { a.closers = append(a.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// serve runs the HTTP server on ln with the health monitor, the content
// dispatcher and the config watcher until ctx is cancelled or one of them
// fails.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down")
		return srv.Shutdown(sctx)
	})
	g.Go(func() error { return a.monitor.Run(gctx) })
	g.Go(func() error { return a.dispatcher.Run(gctx) })
	if a.janitor != nil {
		g.Go(func() error {
			a.janitor.RunJanitor(gctx, time.Minute)
			return nil
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}
	return g.Wait()
}

// reload applies the settings that can change without a restart: the log
// level and the default tenant quota.
func (a *app) reload(ev config.ChangeEvent, level *slog.LevelVar) {
	next := ev.Config
	level.Set(next.Log.SlogLevel())
	a.quotas.SetDefault(next.Quota)
	a.logger.Info("configuration reloaded", "path", ev.Path, "hash", ev.Hash[:12],
		"log_level", next.Log.SlogLevel().String())
	if next.Server.Addr != a.cfg.Server.Addr || next.Database.URL != a.cfg.Database.URL ||
		next.Cache.Backend != a.cfg.Cache.Backend || next.Media.Backend != a.cfg.Media.Backend {
		a.logger.Warn("backend settings changed; they take effect after a restart")
	}
}
