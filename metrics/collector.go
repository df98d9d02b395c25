// Package metrics exposes the server's Prometheus metrics on a dedicated
// registry.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/health"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/felixge/httpsnoop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds configuration for the Collector.
type Config struct {
	Namespace string `yaml:"namespace"`
	Path      string `yaml:"path"`
	// GoRuntime adds the Go runtime and process collectors.
	GoRuntime bool `yaml:"go_runtime"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{Namespace: "dashboard", Path: "/metrics", GoRuntime: true}
}

// Collector wraps the Prometheus metric vectors of the server.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HealthState         *prometheus.GaugeVec
	CacheReads          *prometheus.CounterVec
	PostsPublished      *prometheus.CounterVec
	Queries             *prometheus.CounterVec
}

// New creates a Collector with its own Prometheus registry.
func New(cfg Config) *Collector {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	reg := prometheus.NewRegistry()
	ns := cfg.Namespace
	c := &Collector{
		config:   cfg,
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		HealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "health_check_state",
			Help:      "State of a health check: 0 healthy, 1 degraded, 2 unhealthy",
		}, []string{"check"}),
		CacheReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "cache_reads_total",
			Help:      "Cache reads by result (hit, miss, stale)",
		}, []string{"cache", "result"}),
		PostsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "content_publish_total",
			Help:      "Platform publish attempts by result",
		}, []string{"platform", "result"}),
		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "query_console_total",
			Help:      "Query console requests by result",
		}, []string{"result"}),
	}
	reg.MustRegister(c.HTTPRequestsTotal, c.HTTPRequestDuration, c.HealthState,
		c.CacheReads, c.PostsPublished, c.Queries)
	if cfg.GoRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return c
}

// Path returns the configured metrics endpoint path.
func (c *Collector) Path() string { return c.config.Path }

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler that serves Prometheus metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records an HTTP request metric.
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// CacheObserver returns a callback counting reads of the named cache.
func (c *Collector) CacheObserver(cache string) func(result string) {
	return func(result string) {
		c.CacheReads.WithLabelValues(cache, result).Inc()
	}
}

// RecordPublish counts one platform publish attempt.
func (c *Collector) RecordPublish(platform store.Platform, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.PostsPublished.WithLabelValues(string(platform), result).Inc()
}

// RecordQuery counts one query console request.
func (c *Collector) RecordQuery(result string) {
	c.Queries.WithLabelValues(result).Inc()
}

// WatchBus exports the subscriber count of b and how many subscribers it
// evicted for falling behind.
func (c *Collector) WatchBus(b *events.Bus) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: c.config.Namespace,
			Name:      "event_subscribers",
			Help:      "Active event bus subscriptions",
		}, func() float64 { return float64(b.Subscribers()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Name:      "event_subscribers_evicted_total",
			Help:      "Event bus subscribers closed because their buffer was full",
		}, func() float64 { return float64(b.Dropped()) }),
	)
}

// SetHealthState sets the gauge of one check.
func (c *Collector) SetHealthState(check string, state health.State) {
	c.HealthState.WithLabelValues(check).Set(float64(state))
}

// WatchHealth keeps the health gauges in step with m. Checks must be
// registered before it is called.
func (c *Collector) WatchHealth(m *health.Monitor) {
	for _, st := range m.Status().Checks {
		c.SetHealthState(st.Name, st.State)
	}
	m.OnStateChange(func(name string, _, to health.State) {
		c.SetHealthState(name, to)
	})
}

// Middleware records request count and latency by route pattern. It must
// wrap the ServeMux directly so the matched pattern is visible after routing.
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := Serve(next, w, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		c.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// Serve runs next and returns the status it answered with. The first
// WriteHeader wins; a hijacked connection counts as 101.
func Serve(next http.Handler, w http.ResponseWriter, r *http.Request) int {
	status, written := http.StatusOK, false
	hooked := httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(h httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if !written {
					status, written = code, true
				}
				h(code)
			}
		},
		Write: func(h httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				written = true
				return h(b)
			}
		},
		Hijack: func(h httpsnoop.HijackFunc) httpsnoop.HijackFunc {
			return func() (net.Conn, *bufio.ReadWriter, error) {
				status, written = http.StatusSwitchingProtocols, true
				return h()
			}
		},
	})
	next.ServeHTTP(hooked, r)
	return status
}

// ObserveMemoryCache exports the size and evictions of an in-process cache.
func (c *Collector) ObserveMemoryCache(name string, stats func() cache.Stats) {
	labels := prometheus.Labels{"cache": name}
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Name:        "cache_entries",
			Help:        "Entries held by the in-process cache, expired ones included",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Size) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Name:        "cache_evictions_total",
			Help:        "Entries evicted to stay within the size bound",
			ConstLabels: labels,
		}, func() float64 { return float64(stats().Evictions) }),
	)
}
