package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/GoCodeAlone/dashboard/cache"
	"github.com/GoCodeAlone/dashboard/events"
	"github.com/GoCodeAlone/dashboard/health"
	"github.com/GoCodeAlone/dashboard/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	c := New(Config{Namespace: "test"})
	if c.Path() != "/metrics" {
		t.Errorf("expected default path /metrics, got %q", c.Path())
	}
	if c.Registry() == nil {
		t.Fatal("expected registry")
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	c := New(Config{Namespace: "test"})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /items/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	h := c.Middleware(mux)

	for _, path := range []string{"/items/1", "/items/2", "/nowhere"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("GET", "GET /items/{id}", "418")); got != 2 {
		t.Errorf("expected 2 requests on the pattern, got %v", got)
	}
	if got := testutil.ToFloat64(c.HTTPRequestsTotal.WithLabelValues("GET", "unmatched", "404")); got != 1 {
		t.Errorf("expected 1 unmatched request, got %v", got)
	}
}

func TestRecorders(t *testing.T) {
	c := New(Config{Namespace: "test"})

	obs := c.CacheObserver("menu")
	obs("hit")
	obs("hit")
	obs("miss")
	if got := testutil.ToFloat64(c.CacheReads.WithLabelValues("menu", "hit")); got != 2 {
		t.Errorf("expected 2 hits, got %v", got)
	}

	c.RecordPublish(store.PlatformX, true)
	c.RecordPublish(store.PlatformX, false)
	if got := testutil.ToFloat64(c.PostsPublished.WithLabelValues("x", "error")); got != 1 {
		t.Errorf("expected 1 failed publish, got %v", got)
	}

	c.RecordQuery("rejected")
	if got := testutil.ToFloat64(c.Queries.WithLabelValues("rejected")); got != 1 {
		t.Errorf("expected 1 rejected query, got %v", got)
	}
}

func TestWatchHealth(t *testing.T) {
	c := New(Config{Namespace: "test"})
	m := health.NewMonitor(health.Config{FailureThreshold: 1}, nil)
	fail := true
	m.Register("menu", func(context.Context) error {
		if fail {
			return errors.New("down")
		}
		return nil
	})
	c.WatchHealth(m)

	if got := testutil.ToFloat64(c.HealthState.WithLabelValues("menu")); got != 0 {
		t.Errorf("expected initial healthy gauge, got %v", got)
	}
	m.CheckNow(context.Background())
	if got := testutil.ToFloat64(c.HealthState.WithLabelValues("menu")); got != float64(health.Unhealthy) {
		t.Errorf("expected unhealthy gauge, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := New(Config{Namespace: "test"})
	c.RecordQuery("ok")

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `test_query_console_total{result="ok"} 1`) {
		t.Errorf("expected query counter in output, got:\n%s", body)
	}
}

func TestServeStatus(t *testing.T) {
	cases := map[string]struct {
		h    http.HandlerFunc
		want int
	}{
		"implicit": {func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "ok") }, http.StatusOK},
		"first header wins": {func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusAccepted)
			w.WriteHeader(http.StatusBadGateway)
		}, http.StatusAccepted},
		"write before header": {func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "x")
			w.WriteHeader(http.StatusNotFound)
		}, http.StatusOK},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			got := Serve(tc.h, httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
			if got != tc.want {
				t.Errorf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestServeHijack(t *testing.T) {
	got := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- Serve(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			conn, _, err := http.NewResponseController(w).Hijack()
			if err != nil {
				t.Errorf("hijack: %v", err)
				return
			}
			_ = conn.Close()
		}), w, r)
	}))
	defer srv.Close()

	if resp, err := http.Get(srv.URL); err == nil {
		_ = resp.Body.Close()
	}
	if status := <-got; status != http.StatusSwitchingProtocols {
		t.Errorf("expected a hijacked connection to count as 101, got %d", status)
	}
}

func TestObserveMemoryCache(t *testing.T) {
	c := New(Config{Namespace: "test"})
	m := cache.NewMemory(cache.Config{MaxSize: 2})
	c.ObserveMemoryCache("menu", m.Stats)

	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		_ = m.Set(ctx, k, []byte("v"), 0)
	}

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{`test_cache_entries{cache="menu"} 2`, `test_cache_evictions_total{cache="menu"} 1`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}

func TestWatchBus(t *testing.T) {
	c := New(Config{Namespace: "test"})
	bus := events.NewBus()
	c.WatchBus(bus)

	_, cancel := bus.Subscribe("t", 1)
	defer cancel()
	_, keep := bus.Subscribe("other", 1)
	defer keep()
	ctx := context.Background()
	_ = bus.Publish(ctx, "t", nil)
	_ = bus.Publish(ctx, "t", nil)

	w := httptest.NewRecorder()
	c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	for _, want := range []string{"test_event_subscribers 1", "test_event_subscribers_evicted_total 1"} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %q in output", want)
		}
	}
}
