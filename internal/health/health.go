// Package health reports whether the watchdog daemon should receive new
// sessions. Checks are cached briefly so frequent probes do not hammer the
// store, and a draining daemon reports not ready while sessions close.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Status represents the health status of a dependency.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Overall readiness values carried in a Report.
const (
	ReportReady    = "ready"
	ReportDegraded = "degraded"
	ReportDraining = "draining"
	ReportNotReady = "not_ready"
)

// DefaultMaxAge is how long check results are reused.
const DefaultMaxAge = 2 * time.Second

// CheckFunc is a function that checks a dependency's health.
type CheckFunc func(ctx context.Context) Status

// Report is one readiness evaluation.
type Report struct {
	Status    string            `json:"status"`
	Checks    map[string]Status `json:"checks"`
	Sessions  int               `json:"sessions"`
	CheckedAt time.Time         `json:"checked_at"`
}

// Ready reports whether new sessions may be accepted. Degraded still counts.
func (r Report) Ready() bool {
	return r.Status == ReportReady || r.Status == ReportDegraded
}

// Checker runs registered checks and assembles reports.
type Checker struct {
	mu        sync.RWMutex
	checks    map[string]CheckFunc
	cached    map[string]Status
	checkedAt time.Time
	maxAge    time.Duration
	sessions  func() int

	draining atomic.Bool
	now      func() time.Time
	logger   zerolog.Logger
}

// NewChecker creates a new health checker.
func NewChecker(logger zerolog.Logger) *Checker {
	return &Checker{
		checks: make(map[string]CheckFunc),
		maxAge: DefaultMaxAge,
		now:    time.Now,
		logger: logger.With().Str("component", "health").Logger(),
	}
}

// Register adds a named health check.
func (c *Checker) Register(name string, fn CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = fn
	c.cached = nil
}

// SetSessionCounter sets the live session count shown in reports.
func (c *Checker) SetSessionCounter(fn func() int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = fn
}

// SetMaxAge sets how long results are reused. Zero disables caching.
func (c *Checker) SetMaxAge(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxAge = d
}

// Drain marks the daemon as shutting down. Reports are never ready again.
func (c *Checker) Drain() {
	if c.draining.CompareAndSwap(false, true) {
		c.logger.Info().Msg("draining; readiness now fails")
	}
}

// Draining reports whether Drain was called.
func (c *Checker) Draining() bool { return c.draining.Load() }

// RunAll executes all health checks concurrently, bypassing the cache.
func (c *Checker) RunAll(ctx context.Context) map[string]Status {
	c.mu.RLock()
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()

	results := make(map[string]Status, len(checks))
	var wg sync.WaitGroup
	var mu sync.Mutex

	for name, fn := range checks {
		wg.Add(1)
		go func(n string, f CheckFunc) {
			defer wg.Done()
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			s := f(checkCtx)
			mu.Lock()
			results[n] = s
			mu.Unlock()
		}(name, fn)
	}
	wg.Wait()

	for name, s := range results {
		if s == StatusDown {
			c.logger.Warn().Str("check", name).Msg("health check down")
		}
	}

	c.mu.Lock()
	c.cached = results
	c.checkedAt = c.now()
	c.mu.Unlock()

	return results
}

func (c *Checker) fresh() (map[string]Status, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cached == nil || c.maxAge <= 0 || c.now().Sub(c.checkedAt) >= c.maxAge {
		return nil, time.Time{}, false
	}
	out := make(map[string]Status, len(c.cached))
	for k, v := range c.cached {
		out[k] = v
	}
	return out, c.checkedAt, true
}

// Report evaluates readiness, reusing results younger than the max age.
// The session count and draining flag are always read live.
func (c *Checker) Report(ctx context.Context) Report {
	checks, at, ok := c.fresh()
	if !ok {
		checks = c.RunAll(ctx)
		c.mu.RLock()
		at = c.checkedAt
		c.mu.RUnlock()
	}

	rep := Report{Status: ReportReady, Checks: checks, CheckedAt: at}
	c.mu.RLock()
	count := c.sessions
	c.mu.RUnlock()
	if count != nil {
		rep.Sessions = count()
	}

	for _, s := range checks {
		switch s {
		case StatusDown:
			rep.Status = ReportNotReady
		case StatusDegraded:
			if rep.Status == ReportReady {
				rep.Status = ReportDegraded
			}
		}
	}
	if c.Draining() && rep.Status != ReportNotReady {
		rep.Status = ReportDraining
	}
	return rep
}

// IsReady reports whether new sessions may be accepted.
func (c *Checker) IsReady(ctx context.Context) bool {
	return c.Report(ctx).Ready()
}

// Pinger is satisfied by *sql.DB and the session store.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingCheck reports down when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return StatusDown
		}
		return StatusOK
	}
}

// CapacityCheck reports degraded once count reaches limit. A limit of zero
// disables the check.
func CapacityCheck(count func() int, limit int) CheckFunc {
	return func(context.Context) Status {
		if limit > 0 && count() >= limit {
			return StatusDegraded
		}
		return StatusOK
	}
}

// LivenessHandler returns an HTTP handler for /healthz (liveness).
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// ReadinessHandler returns an HTTP handler for /readyz that writes the Report.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Ready() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(rep)
	}
}
