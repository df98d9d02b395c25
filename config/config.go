// Package config loads the server configuration from YAML, applies defaults
// and DASHBOARD_* environment overrides, and watches the file for changes.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/content"
	"github.com/GoCodeAlone/dashboard/health"
	"github.com/GoCodeAlone/dashboard/media"
	"github.com/GoCodeAlone/dashboard/metrics"
	"github.com/GoCodeAlone/dashboard/observability/tracing"
	"github.com/GoCodeAlone/dashboard/schema"
	"github.com/GoCodeAlone/dashboard/tenant"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DASHBOARD_"

// Config is the complete server configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Auth       AuthConfig       `yaml:"auth"`
	Cache      CacheConfig      `yaml:"cache"`
	NATS       NATSConfig       `yaml:"nats"`
	Navigation NavigationConfig `yaml:"navigation"`
	Schema     SchemaConfig     `yaml:"schema"`
	Content    ContentConfig    `yaml:"content"`
	Media      MediaConfig      `yaml:"media"`
	Health     health.Config    `yaml:"health"`
	Quota      tenant.Quota     `yaml:"quota"`
	Metrics    metrics.Config   `yaml:"metrics"`
	Tracing    tracing.Config   `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps JSON request bodies. Media uploads use the media policy.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SlogLevel parses Level, defaulting to info.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// DatabaseConfig configures the Postgres pool. An empty URL runs the server
// on in-memory stores.
type DatabaseConfig struct {
	URL      string `yaml:"url"`
	Migrate  bool   `yaml:"migrate"`
	MaxConns int32  `yaml:"max_conns"`
}

// AuthConfig configures token issuance.
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret"` //nolint:gosec // G117: config field
	Issuer     string        `yaml:"issuer"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
	// LoginRate is the per-IP allowance of auth requests per minute.
	LoginRate int `yaml:"login_rate"`
}

// CacheConfig selects the cache backend shared by menus and token revocation.
type CacheConfig struct {
	Backend string            `yaml:"backend"` // memory or redis
	Memory  cache.Config      `yaml:"memory"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// NATSConfig configures the optional NATS connection. Empty URL disables it.
type NATSConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
	// Forward lists subjects bridged from NATS into the in-process bus.
	Forward []string `yaml:"forward"`
}

// NavigationConfig configures menu caching.
type NavigationConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	StaleTTL time.Duration `yaml:"stale_ttl"`
}

// SchemaConfig configures the managed-table backend.
type SchemaConfig struct {
	// Dialect is postgres or sqlite. Defaults to postgres when a database URL
	// is configured.
	Dialect    string         `yaml:"dialect"`
	SQLitePath string         `yaml:"sqlite_path"`
	Options    schema.Options `yaml:",inline"`
}

// ContentConfig configures the content dispatcher.
type ContentConfig struct {
	Dispatcher content.DispatcherOptions `yaml:"dispatcher"`
	// Publisher is log or nats.
	Publisher string `yaml:"publisher"`
}

// MediaConfig selects the media store.
type MediaConfig struct {
	Backend string         `yaml:"backend"` // local or s3
	Dir     string         `yaml:"dir"`
	S3      media.S3Config `yaml:"s3"`
	Policy  media.Policy   `yaml:"policy"`
}

// LoadFromFile parses a YAML config file without defaults or overrides.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{})
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Parse decodes YAML data and finishes it the way Load does.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyEnv()
	cfg.Defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults fills zero values.
func (c *Config) Defaults() {
	setDefault(&c.Server.Addr, ":8080")
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.WriteTimeout, 30*time.Second)
	setDefault(&c.Server.ShutdownTimeout, 15*time.Second)
	setDefault(&c.Server.MaxBodyBytes, 1<<20)

	setDefault(&c.Log.Level, "info")
	setDefault(&c.Log.Format, "text")

	setDefault(&c.Database.MaxConns, 10)

	setDefault(&c.Auth.Issuer, "dashboard")
	setDefault(&c.Auth.AccessTTL, 15*time.Minute)
	setDefault(&c.Auth.RefreshTTL, 7*24*time.Hour)
	setDefault(&c.Auth.LoginRate, 20)

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
		if c.Cache.Redis.Address != "" {
			c.Cache.Backend = "redis"
		}
	}
	def := cache.DefaultConfig()
	setDefault(&c.Cache.Memory.MaxSize, def.MaxSize)
	setDefault(&c.Cache.Memory.DefaultTTL, def.DefaultTTL)
	setDefault(&c.Cache.Redis.Prefix, "dashboard:")
	setDefault(&c.Cache.Redis.DefaultTTL, def.DefaultTTL)

	setDefault(&c.NATS.Name, "dashboard")

	setDefault(&c.Navigation.CacheTTL, 5*time.Minute)
	setDefault(&c.Navigation.StaleTTL, time.Hour)

	if c.Schema.Dialect == "" {
		c.Schema.Dialect = "sqlite"
		if c.Database.URL != "" {
			c.Schema.Dialect = "postgres"
		}
	}
	setDefault(&c.Schema.SQLitePath, "file:tables.db?_pragma=foreign_keys(1)")

	setDefault(&c.Content.Dispatcher.Interval, 30*time.Second)
	setDefault(&c.Content.Dispatcher.Batch, 25)
	setDefault(&c.Content.Dispatcher.PublishTimeout, 20*time.Second)
	if c.Content.Publisher == "" {
		c.Content.Publisher = "log"
		if c.NATS.URL != "" {
			c.Content.Publisher = "nats"
		}
	}

	setDefault(&c.Media.Backend, "local")
	setDefault(&c.Media.Dir, "data/media")
	policy := media.DefaultPolicy()
	setDefault(&c.Media.Policy.MaxSize, policy.MaxSize)
	if len(c.Media.Policy.Types) == 0 {
		c.Media.Policy.Types = policy.Types
	}

	c.Health = c.Health.WithDefaults()

	if c.Quota == (tenant.Quota{}) {
		c.Quota = tenant.DefaultQuota()
	}

	mc := metrics.DefaultConfig()
	if c.Metrics == (metrics.Config{}) {
		c.Metrics = mc
	}
	setDefault(&c.Metrics.Namespace, mc.Namespace)
	setDefault(&c.Metrics.Path, mc.Path)

	tc := tracing.DefaultConfig()
	setDefault(&c.Tracing.Endpoint, tc.Endpoint)
	setDefault(&c.Tracing.ServiceName, tc.ServiceName)
	setDefault(&c.Tracing.SampleRate, tc.SampleRate)
}

// ApplyEnv overrides fields from DASHBOARD_* environment variables.
func (c *Config) ApplyEnv() {
	envString("DATABASE_URL", &c.Database.URL)
	envString("REDIS_ADDR", &c.Cache.Redis.Address)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("LISTEN_ADDR", &c.Server.Addr)
	envString("NATS_URL", &c.NATS.URL)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("SCHEMA_DIALECT", &c.Schema.Dialect)
	envString("MEDIA_DIR", &c.Media.Dir)
	envString("S3_BUCKET", &c.Media.S3.Bucket)
	envString("OTLP_ENDPOINT", &c.Tracing.Endpoint)
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes"))
	}
	if c.Auth.AccessTTL >= c.Auth.RefreshTTL {
		errs = append(errs, errors.New("auth.access_ttl must be shorter than auth.refresh_ttl"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Redis.Address == "" {
			errs = append(errs, errors.New("cache.redis.address is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q must be memory or redis", c.Cache.Backend))
	}
	if _, err := schema.DialectFor(c.Schema.Dialect); err != nil {
		errs = append(errs, fmt.Errorf("schema.dialect %q: %w", c.Schema.Dialect, err))
	} else if c.Schema.Dialect == "postgres" && c.Database.URL == "" {
		errs = append(errs, errors.New("schema.dialect postgres requires database.url"))
	}
	switch c.Content.Publisher {
	case "log":
	case "nats":
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("content.publisher nats requires nats.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("content.publisher %q must be log or nats", c.Content.Publisher))
	}
	switch c.Media.Backend {
	case "local":
		if c.Media.Dir == "" {
			errs = append(errs, errors.New("media.dir is required for the local backend"))
		}
	case "s3":
		if c.Media.S3.Bucket == "" {
			errs = append(errs, errors.New("media.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("media.backend %q must be local or s3", c.Media.Backend))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, errors.New("tracing.sample_rate must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}
