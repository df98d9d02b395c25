package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestMonitor(cfg Config) (*Monitor, *safeBuffer) {
	buf := &safeBuffer{}
	logger := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewMonitor(cfg, logger), buf
}

// toggle is a check whose outcome is controlled by the test.
type toggle struct{ fail atomic.Bool }

func (t *toggle) check(context.Context) error {
	if t.fail.Load() {
		return errors.New("connection refused")
	}
	return nil
}

func TestMonitorThresholds(t *testing.T) {
	m, logs := newTestMonitor(Config{FailureThreshold: 3, RecoveryThreshold: 2})
	var tg toggle
	m.Register("menu", tg.check)
	ctx := context.Background()

	var transitions []string
	m.OnStateChange(func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	})

	tg.fail.Store(true)
	m.CheckNow(ctx)
	assert.Equal(t, Degraded, m.Status().State)
	m.CheckNow(ctx)
	assert.Equal(t, Degraded, m.Status().State)
	m.CheckNow(ctx)
	assert.Equal(t, Unhealthy, m.Status().State)
	m.CheckNow(ctx)
	m.CheckNow(ctx)

	assert.Equal(t, 1, strings.Count(logs.String(), "health check failing"), "alert is logged once")
	st := m.Status().Checks[0]
	assert.Equal(t, 5, st.Failures)
	assert.Equal(t, "connection refused", st.LastError)

	tg.fail.Store(false)
	m.CheckNow(ctx)
	assert.Equal(t, Unhealthy, m.Status().State, "one success is not enough to recover")
	m.CheckNow(ctx)
	assert.Equal(t, Healthy, m.Status().State)
	assert.Equal(t, 1, strings.Count(logs.String(), "health check recovered"))

	assert.Equal(t, []string{"healthy->degraded", "degraded->unhealthy", "unhealthy->healthy"}, transitions)
}

func TestMonitorFailureDuringRecovery(t *testing.T) {
	m, _ := newTestMonitor(Config{FailureThreshold: 1, RecoveryThreshold: 3})
	var tg toggle
	m.Register("db", tg.check)
	ctx := context.Background()

	tg.fail.Store(true)
	m.CheckNow(ctx)
	require.Equal(t, Unhealthy, m.Status().State)

	tg.fail.Store(false)
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	tg.fail.Store(true)
	m.CheckNow(ctx)
	tg.fail.Store(false)
	m.CheckNow(ctx)
	m.CheckNow(ctx)
	assert.Equal(t, Unhealthy, m.Status().State, "success streak restarts after a failure")
	m.CheckNow(ctx)
	assert.Equal(t, Healthy, m.Status().State)
}

func TestMonitorOverallIsWorst(t *testing.T) {
	m, _ := newTestMonitor(Config{FailureThreshold: 2})
	m.Register("ok", func(context.Context) error { return nil })
	m.Register("flaky", func(context.Context) error { return errors.New("boom") })

	m.CheckNow(context.Background())
	st := m.Status()
	assert.Equal(t, Degraded, st.State)
	require.Len(t, st.Checks, 2)
	assert.Equal(t, "flaky", st.Checks[0].Name)
	assert.Equal(t, "ok", st.Checks[1].Name)
}

func TestMonitorCheckTimeout(t *testing.T) {
	m, _ := newTestMonitor(Config{Timeout: 20 * time.Millisecond, FailureThreshold: 1})
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.CheckNow(context.Background())
	assert.Equal(t, Unhealthy, m.Status().State)
}

func TestMonitorRun(t *testing.T) {
	m, _ := newTestMonitor(Config{Interval: 10 * time.Millisecond})
	var calls atomic.Int32
	m.Register("count", func(context.Context) error {
		calls.Add(1)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestHandlers(t *testing.T) {
	m, _ := newTestMonitor(Config{FailureThreshold: 1})
	var tg toggle
	m.Register("menu", tg.check)

	rec := httptest.NewRecorder()
	LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	m.CheckNow(context.Background())
	rec = httptest.NewRecorder()
	m.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	tg.fail.Store(true)
	m.CheckNow(context.Background())
	rec = httptest.NewRecorder()
	m.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string `json:"status"`
		Checks []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
	require.Len(t, body.Checks, 1)
	assert.Equal(t, "unhealthy", body.Checks[0].State)
}
