package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLivenessHandler(t *testing.T) {
	handler := LivenessHandler()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ok")
}

func TestChecker_AllHealthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("cache", func(ctx context.Context) Status { return StatusOK })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_OneDown(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusOK })
	c.Register("cache", func(ctx context.Context) Status { return StatusDown })

	assert.False(t, c.IsReady(context.Background()))
}

func TestChecker_Degraded_StillReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("db", func(ctx context.Context) Status { return StatusDegraded })

	assert.True(t, c.IsReady(context.Background()))
}

func TestChecker_NoChecks(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	assert.True(t, c.IsReady(context.Background()))
}

func TestReadinessHandler_Healthy(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("svc", func(ctx context.Context) Status { return StatusOK })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "ready")
}

func TestReadinessHandler_NotReady(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("svc", func(ctx context.Context) Status { return StatusDown })

	handler := c.ReadinessHandler()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func TestPingCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusOK, PingCheck(fakePinger{})(ctx))
	assert.Equal(t, StatusDown, PingCheck(fakePinger{err: errors.New("closed")})(ctx))
}

func TestCapacityCheck(t *testing.T) {
	ctx := context.Background()
	n := 3
	count := func() int { return n }
	assert.Equal(t, StatusOK, CapacityCheck(count, 0)(ctx))
	assert.Equal(t, StatusOK, CapacityCheck(count, 4)(ctx))
	n = 4
	assert.Equal(t, StatusDegraded, CapacityCheck(count, 4)(ctx))
}

func TestReport_Statuses(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.SetMaxAge(0)
	status := StatusOK
	c.Register("store", func(context.Context) Status { return status })
	c.SetSessionCounter(func() int { return 7 })

	rep := c.Report(context.Background())
	assert.Equal(t, ReportReady, rep.Status)
	assert.Equal(t, 7, rep.Sessions)
	assert.Equal(t, map[string]Status{"store": StatusOK}, rep.Checks)
	assert.False(t, rep.CheckedAt.IsZero())

	status = StatusDegraded
	rep = c.Report(context.Background())
	assert.Equal(t, ReportDegraded, rep.Status)
	assert.True(t, rep.Ready())

	status = StatusDown
	assert.Equal(t, ReportNotReady, c.Report(context.Background()).Status)
}

func TestReport_CachesResults(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	calls := 0
	c.Register("store", func(context.Context) Status { calls++; return StatusOK })

	c.Report(context.Background())
	c.Report(context.Background())
	assert.Equal(t, 1, calls)

	now = now.Add(DefaultMaxAge)
	c.Report(context.Background())
	assert.Equal(t, 2, calls)

	c.RunAll(context.Background())
	assert.Equal(t, 3, calls, "RunAll bypasses the cache")
}

func TestReport_Draining(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", PingCheck(fakePinger{}))
	assert.True(t, c.IsReady(context.Background()))

	c.Drain()
	c.Drain()
	assert.True(t, c.Draining())
	rep := c.Report(context.Background())
	assert.Equal(t, ReportDraining, rep.Status)
	assert.False(t, rep.Ready())

	rr := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "draining")
}

func TestReport_DownWinsOverDraining(t *testing.T) {
	c := NewChecker(zerolog.Nop())
	c.Register("store", PingCheck(fakePinger{err: errors.New("closed")}))
	c.Drain()
	assert.Equal(t, ReportNotReady, c.Report(context.Background()).Status)
}
