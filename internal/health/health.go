// Package health watches the services a reply depends on and reports
// their reachability.
//
// Each dependency gets its own goroutine. While a probe keeps failing
// the delay between attempts grows exponentially up to a ceiling; once
// it succeeds the dependency is re-checked at a fixed interval.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// Schedule controls how often a dependency is probed.
type Schedule struct {
	// InitialDelay is the wait after the first failure.
	InitialDelay time.Duration

	// MaxDelay caps backoff growth.
	MaxDelay time.Duration

	// Multiplier scales the delay after each consecutive failure.
	Multiplier float64

	// Interval is the wait between probes while the dependency is up.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration
}

// DefaultSchedule backs off 2s, 4s, 8s ... up to 60s and polls a
// healthy dependency once a minute.
func DefaultSchedule() Schedule {
	return Schedule{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Interval:     60 * time.Second,
		Timeout:      10 * time.Second,
	}
}

func (s Schedule) backoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return s.InitialDelay
	}
	next := time.Duration(float64(prev) * s.Multiplier)
	if next > s.MaxDelay || next <= 0 {
		next = s.MaxDelay
	}
	return next
}

// Status is a point-in-time view of one dependency.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Failures  int       `json:"consecutive_failures"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Observer is told the outcome of every probe.
type Observer interface {
	ObserveDependency(name string, up bool)
}

// Monitor owns the dependency watchers.
type Monitor struct {
	logger   *slog.Logger
	observer Observer

	mu     sync.Mutex
	checks map[string]*check
	wg     sync.WaitGroup
}

// NewMonitor creates an empty monitor.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		logger: logger.With("component", "health"),
		checks: make(map[string]*check),
	}
}

// SetObserver configures the probe observer. Call before Watch.
func (m *Monitor) SetObserver(o Observer) {
	m.observer = o
}

// Watch starts probing a dependency until ctx is cancelled. Watching
// a name twice replaces the earlier entry in Status but does not stop
// its goroutine.
func (m *Monitor) Watch(ctx context.Context, name string, probe ProbeFunc, sched Schedule) {
	c := &check{
		name:   name,
		probe:  probe,
		sched:  sched,
		status: Status{Name: name},
	}
	m.mu.Lock()
	m.checks[name] = c
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, c)
	}()
}

// Status returns a snapshot of every watched dependency.
func (m *Monitor) Status() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.checks))
	for name, c := range m.checks {
		out[name] = c.snapshot()
	}
	return out
}

// Healthy reports whether every watched dependency is ready. A monitor
// with nothing to watch is healthy.
func (m *Monitor) Healthy() bool {
	for _, st := range m.Status() {
		if !st.Ready {
			return false
		}
	}
	return true
}

// Wait blocks until all watchers have exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) run(ctx context.Context, c *check) {
	var (
		delay   time.Duration
		backoff time.Duration
	)
	for {
		if !sleepCtx(ctx, delay) {
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, c.sched.Timeout)
		err := c.probe(probeCtx)
		cancel()
		if ctx.Err() != nil {
			return
		}

		m.record(c, err)
		if err == nil {
			backoff = 0
			delay = c.sched.Interval
		} else {
			backoff = c.sched.backoff(backoff)
			delay = backoff
		}
	}
}

func (m *Monitor) record(c *check, err error) {
	c.mu.Lock()
	wasReady, first := c.status.Ready, c.status.LastCheck.IsZero()
	c.status.LastCheck = time.Now()
	if err == nil {
		c.status.Ready = true
		c.status.Failures = 0
		c.status.LastError = ""
	} else {
		c.status.Ready = false
		c.status.Failures++
		c.status.LastError = err.Error()
	}
	failures := c.status.Failures
	c.mu.Unlock()

	switch {
	case err == nil && (first || !wasReady):
		m.logger.Info("dependency reachable", "service", c.name)
	case err != nil && (first || wasReady):
		m.logger.Warn("dependency unreachable", "service", c.name, "error", err)
	case err != nil:
		m.logger.Debug("dependency still unreachable", "service", c.name, "failures", failures, "error", err)
	}

	if m.observer != nil {
		m.observer.ObserveDependency(c.name, err == nil)
	}
}

type check struct {
	name  string
	probe ProbeFunc
	sched Schedule

	mu     sync.Mutex
	status Status
}

func (c *check) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// sleepCtx waits for d or until ctx is done. Returns false if ctx ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
