// Package health polls dependency checks and reports their state.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// State is the health of a single check or of the whole monitor.
type State int

const (
	Healthy State = iota
	Degraded
	Unhealthy
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// MarshalText encodes the state as its name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// CheckFunc probes one dependency.
type CheckFunc func(ctx context.Context) error

// Config holds the polling parameters.
type Config struct {
	// Interval between polls. Defaults to 15s.
	Interval time.Duration `yaml:"interval"`
	// Timeout per check. Defaults to 5s.
	Timeout time.Duration `yaml:"timeout"`
	// FailureThreshold consecutive failures mark a check unhealthy. Defaults to 3.
	FailureThreshold int `yaml:"failure_threshold"`
	// RecoveryThreshold consecutive successes bring an unhealthy check back.
	// Defaults to 2.
	RecoveryThreshold int `yaml:"recovery_threshold"`
}

// WithDefaults fills zero fields with the defaults documented above.
func (c Config) WithDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.RecoveryThreshold <= 0 {
		c.RecoveryThreshold = 2
	}
	return c
}

// CheckStatus is a snapshot of one check.
type CheckStatus struct {
	Name        string    `json:"name"`
	State       State     `json:"state"`
	Failures    int       `json:"consecutive_failures"`
	Successes   int       `json:"consecutive_successes"`
	LastError   string    `json:"last_error,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`
	LastChange  time.Time `json:"last_change,omitempty"`
}

// Status is a snapshot of every check.
type Status struct {
	State  State         `json:"status"`
	Checks []CheckStatus `json:"checks"`
}

type check struct {
	fn     CheckFunc
	status CheckStatus
}

// Monitor runs named checks on an interval. A failing check is degraded until
// it has failed FailureThreshold times in a row, at which point it becomes
// unhealthy and a single alert is logged. It stays unhealthy until it has
// succeeded RecoveryThreshold times in a row.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	checks map[string]*check
	// onChange is called with the lock held and must not call back into the monitor.
	onChange func(name string, from, to State)
	now      func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg.WithDefaults(),
		logger: logger,
		checks: make(map[string]*check),
		now:    time.Now,
	}
}

// Register adds a check. Registering an existing name replaces it.
func (m *Monitor) Register(name string, fn CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = &check{fn: fn, status: CheckStatus{Name: name, State: Healthy}}
}

// OnStateChange registers a callback for check state transitions.
func (m *Monitor) OnStateChange(fn func(name string, from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

// Run polls until ctx is cancelled. The first poll happens immediately.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// CheckNow runs every check once, concurrently, and records the results.
func (m *Monitor) CheckNow(ctx context.Context) {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	fns := make([]CheckFunc, 0, len(m.checks))
	for name, c := range m.checks {
		names = append(names, name)
		fns = append(fns, c.fn)
	}
	m.mu.RUnlock()

	errs := make([]error, len(fns))
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func(i int, fn CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
			defer cancel()
			errs[i] = fn(cctx)
		}(i, fn)
	}
	wg.Wait()

	for i, name := range names {
		m.record(name, errs[i])
	}
}

func (m *Monitor) record(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.checks[name]
	if !ok {
		return
	}
	st := &c.status
	now := m.now()
	st.LastChecked = now
	prev := st.State

	if err != nil {
		st.Failures++
		st.Successes = 0
		st.LastError = err.Error()
		switch {
		case st.Failures >= m.cfg.FailureThreshold:
			st.State = Unhealthy
		case prev != Unhealthy:
			st.State = Degraded
		}
	} else {
		st.Successes++
		st.Failures = 0
		st.LastError = ""
		if prev != Unhealthy || st.Successes >= m.cfg.RecoveryThreshold {
			st.State = Healthy
		}
	}

	if st.State == prev {
		return
	}
	st.LastChange = now
	switch {
	case st.State == Unhealthy:
		m.logger.Error("health check failing",
			"check", name, "consecutive_failures", st.Failures, "error", st.LastError)
	case prev == Unhealthy && st.State == Healthy:
		m.logger.Info("health check recovered", "check", name, "consecutive_successes", st.Successes)
	default:
		m.logger.Debug("health check state changed", "check", name, "from", prev.String(), "to", st.State.String())
	}
	if m.onChange != nil {
		m.onChange(name, prev, st.State)
	}
}

// Status returns a snapshot sorted by check name. The overall state is the
// worst check state.
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Status{State: Healthy, Checks: make([]CheckStatus, 0, len(m.checks))}
	for _, c := range m.checks {
		out.Checks = append(out.Checks, c.status)
		if c.status.State > out.State {
			out.State = c.status.State
		}
	}
	sort.Slice(out.Checks, func(i, j int) bool { return out.Checks[i].Name < out.Checks[j].Name })
	return out
}
