// Package connwatch keeps an eye on the services the sampler depends on,
// such as the import endpoint or the MQTT broker. It complements the
// per-request retry in httpkit: that one absorbs sub-second dial
// hiccups, this one tracks outages lasting seconds to hours and reports
// when a service goes down or comes back.
//
// A Monitor checks its service in a loop. While the service is down the
// gap between checks grows geometrically from Schedule.First up to
// Schedule.Max; once it is up the gap is a flat Schedule.Interval.
package connwatch

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Check reports whether a service is reachable. nil means healthy.
type Check func(ctx context.Context) error

// Schedule controls how often a Monitor checks.
type Schedule struct {
	// First is the retry gap after the first failure.
	First time.Duration
	// Max caps the retry gap.
	Max time.Duration
	// Factor grows the retry gap after each consecutive failure.
	Factor float64
	// Interval is the gap between checks while the service is up.
	Interval time.Duration
	// Timeout bounds a single check.
	Timeout time.Duration
}

// DefaultSchedule retries at 2s, 4s, 8s and so on up to 5m, and checks a
// healthy service every minute.
func DefaultSchedule() Schedule {
	return Schedule{
		First:    2 * time.Second,
		Max:      5 * time.Minute,
		Factor:   2,
		Interval: time.Minute,
		Timeout:  10 * time.Second,
	}
}

func (s Schedule) withDefaults() Schedule {
	d := DefaultSchedule()
	if s.First <= 0 {
		s.First = d.First
	}
	if s.Max < s.First {
		s.Max = max(d.Max, s.First)
	}
	if s.Factor < 1 {
		s.Factor = d.Factor
	}
	if s.Interval <= 0 {
		s.Interval = d.Interval
	}
	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}
	return s
}

// Health is a monitor's last known state, shaped for JSON.
type Health struct {
	Name      string    `json:"name"`
	Up        bool      `json:"up"`
	CheckedAt time.Time `json:"checked_at,omitzero"`
	Failures  int       `json:"consecutive_failures,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Options configure a Monitor.
type Options struct {
	Schedule Schedule
	// OnChange runs on the monitor goroutine after the first check and
	// whenever the service flips between up and down. err is the failing
	// check's error, or nil.
	OnChange func(up bool, err error)
	Logger   *slog.Logger
}

// Monitor checks one service until stopped.
type Monitor struct {
	name  string
	check Check
	opts  Options

	up     atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	health Health
}

// Start launches a monitor for name. The first check runs immediately.
func Start(ctx context.Context, name string, check Check, opts Options) *Monitor {
	if name == "" || check == nil {
		panic("connwatch: Start requires a name and a check")
	}
	opts.Schedule = opts.Schedule.withDefaults()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		name:   name,
		check:  check,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
		health: Health{Name: name},
	}
	go m.loop(ctx)
	return m
}

// Name returns the monitored service name.
func (m *Monitor) Name() string { return m.name }

// Up reports whether the last check succeeded.
func (m *Monitor) Up() bool { return m.up.Load() }

// Health returns a copy of the latest state.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// Stop ends the monitor and waits for its goroutine.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	sched := m.opts.Schedule
	log := m.opts.Logger.With("service", m.name)
	gap := sched.First
	known := false

	for {
		err := m.runCheck(ctx)
		if ctx.Err() != nil {
			return
		}
		up := err == nil
		failures := m.record(err)

		if !known || up != m.up.Load() {
			m.up.Store(up)
			switch {
			case up:
				log.Info("service up")
			case !known:
				log.Warn("service unreachable", "error", err)
			default:
				log.Warn("service down", "error", err)
			}
			if m.opts.OnChange != nil {
				m.opts.OnChange(up, err)
			}
			known = true
		}

		var wait time.Duration
		if up {
			gap = sched.First
			wait = sched.Interval
		} else {
			wait = gap
			log.Debug("service check failed", "failures", failures, "retry_in", wait, "error", err)
			gap = min(time.Duration(float64(gap)*sched.Factor), sched.Max)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) runCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.Schedule.Timeout)
	defer cancel()
	return m.check(ctx)
}

// record stores the outcome and returns the consecutive failure count.
func (m *Monitor) record(err error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health.CheckedAt = time.Now()
	m.health.Up = err == nil
	if err == nil {
		m.health.Failures = 0
		m.health.Error = ""
	} else {
		m.health.Failures++
		m.health.Error = err.Error()
	}
	return m.health.Failures
}

// Group holds the monitors reported by the status server.
type Group struct {
	mu       sync.RWMutex
	monitors []*Monitor
}

// Add registers m with the group.
func (g *Group) Add(m *Monitor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.monitors = append(g.monitors, m)
}

// Health returns every monitor's state sorted by name. A nil group has
// none.
func (g *Group) Health() []Health {
	if g == nil {
		return nil
	}
	g.mu.RLock()
	out := make([]Health, 0, len(g.monitors))
	for _, m := range g.monitors {
		out = append(out, m.Health())
	}
	g.mu.RUnlock()

	slices.SortFunc(out, func(a, b Health) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// AllUp reports whether every monitor's last check succeeded.
func (g *Group) AllUp() bool {
	for _, h := range g.Health() {
		if !h.Up {
			return false
		}
	}
	return true
}

// Stop stops every monitor.
func (g *Group) Stop() {
	g.mu.RLock()
	ms := slices.Clone(g.monitors)
	g.mu.RUnlock()
	for _, m := range ms {
		m.Stop()
	}
}
