package watchdog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/retry"
)

type uiMarker struct{}

// syncUI runs scheduled tasks immediately on the caller's goroutine.
type syncUI struct {
	mu          sync.Mutex
	dead        bool
	unavailable bool
	scheduled   int
}

func (u *syncUI) context() context.Context {
	return context.WithValue(context.Background(), uiMarker{}, u)
}

func (u *syncUI) IsAlive() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.dead
}

func (u *syncUI) InContext(ctx context.Context) bool {
	return ctx.Value(uiMarker{}) == u
}

func (u *syncUI) Schedule(task func(ctx context.Context)) error {
	u.mu.Lock()
	if u.unavailable {
		u.mu.Unlock()
		return werrors.Wrap("test", "schedule", werrors.ErrUnavailable)
	}
	u.scheduled++
	u.mu.Unlock()
	task(u.context())
	return nil
}

func (u *syncUI) setUnavailable(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.unavailable = v
}

func (u *syncUI) scheduledCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.scheduled
}

type fakeSurface struct {
	mu         sync.Mutex
	countdowns []CountdownView
	modes      []ModeView
	infos      []string
	hides      int
}

func (s *fakeSurface) ShowCountdown(_ context.Context, v CountdownView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdowns = append(s.countdowns, v)
	return nil
}

func (s *fakeSurface) ShowMode(_ context.Context, v ModeView) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes = append(s.modes, v)
	return nil
}

func (s *fakeSurface) ShowInfo(_ context.Context, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.infos = append(s.infos, msg)
	return nil
}

func (s *fakeSurface) Hide(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hides++
	return nil
}

func (s *fakeSurface) lastMode() ModeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.modes) == 0 {
		return ModeView{}
	}
	return s.modes[len(s.modes)-1]
}

type fakeSecurity struct {
	mu       sync.Mutex
	password string
	identity string
	reasons  []string
}

func (f *fakeSecurity) Logout(force bool, redirect, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reasons = append(f.reasons, reason)
	return nil
}

func (f *fakeSecurity) ValidatePassword(p string) bool { return p == f.password }

func (f *fakeSecurity) AuthenticatedIdentity() (string, bool) {
	return f.identity, f.identity != ""
}

func (f *fakeSecurity) logouts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

type fakeRegistry struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *fakeRegistry) Deregister(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeSpawned struct {
	mu    sync.Mutex
	sends []bool
}

func (f *fakeSpawned) SendToSpawned(_ context.Context, _ string, locked bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, locked)
	return 1
}

type fakeNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (f *fakeNotifier) Notify(_ context.Context, n notify.Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.notices)
}

type fakeRecorder struct {
	nopRecorder
	mu          sync.Mutex
	transitions []string
	dead        int
	logouts     []string
}

func (r *fakeRecorder) ModeTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *fakeRecorder) SessionDead() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dead++
}

func (r *fakeRecorder) SessionLogout(mode string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logouts = append(r.logouts, mode)
}

func (r *fakeRecorder) transitionList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.transitions...)
}

type fakeClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
}

func newFakeClock() *fakeClock {
	t0 := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	return &fakeClock{start: t0, now: t0}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now.Sub(c.start)
}

type fixture struct {
	w        *Watchdog
	ui       *syncUI
	surface  *fakeSurface
	security *fakeSecurity
	registry *fakeRegistry
	spawned  *fakeSpawned
	notifier *fakeNotifier
	rec      *fakeRecorder
	clock    *fakeClock

	heartbeat bool
}

func testModes() ModeTable {
	return DefaultModeTable().
		With(ModeBaseline, Durations{Inactivity: 10 * time.Second, Countdown: 4 * time.Second}).
		With(ModeLock, Durations{Inactivity: 10 * time.Second, Countdown: 4 * time.Second}).
		With(ModeLogout, Durations{Countdown: 4 * time.Second})
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	fx := &fixture{
		ui:       &syncUI{},
		surface:  &fakeSurface{},
		security: &fakeSecurity{password: "secret"},
		registry: &fakeRegistry{},
		spawned:  &fakeSpawned{},
		notifier: &fakeNotifier{},
		rec:      &fakeRecorder{},
		clock:    newFakeClock(),
	}
	opts := Options{
		SessionID:         "s-1",
		App:               "desktop",
		Modes:             testModes(),
		MaxInactivity:     time.Hour,
		CountdownInterval: 2 * time.Second,
		UI:                fx.ui,
		Surface:           fx.surface,
		Security:          fx.security,
		Registry:          fx.registry,
		Spawned:           fx.spawned,
		Notifier:          fx.notifier,
		Metrics:           fx.rec,
		Retry:             retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
		Now:               fx.clock.Now,
		Logger:            zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("new watchdog: %v", err)
	}
	fx.w = w
	return fx
}

// start mirrors the first thing Run does.
func (fx *fixture) start() {
	fx.w.SetMode(context.Background(), ModeBaseline)
}

// step emulates one pass of the monitor loop: an early wake skips the wait,
// otherwise the clock advances by the computed wait.
func (fx *fixture) step() {
	select {
	case <-fx.w.wake:
	default:
		fx.clock.Advance(fx.w.nextWake(fx.clock.Now()))
	}
	if fx.heartbeat {
		fx.w.ResetActivity(false)
	}
	fx.w.iterate(context.Background())
}

// drive steps until cond holds or max steps ran.
func (fx *fixture) drive(max int, cond func() bool) bool {
	for i := 0; i < max; i++ {
		if cond() {
			return true
		}
		fx.step()
	}
	return cond()
}
