// Package watchdog implements the per-session inactivity monitor.
//
// Each session gets one Watchdog. Its loop classifies the session on every
// iteration (initial, countdown, timed out, dead) and escalates through the
// modes baseline, lock and logout. An administrative shutdown overrides the
// current mode with its own countdown. Everything the user sees is produced
// by actions executed on the session's UI context; the loop itself never
// touches the surface.
package watchdog

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/retry"
)

const (
	DefaultMaxInactivity     = 5 * time.Minute
	DefaultCountdownInterval = 2 * time.Second
	DefaultShutdownDelay     = 5 * time.Minute
	DefaultUnavailableLimit  = 10
)

// Options configures a Watchdog. UI and SessionID are required.
type Options struct {
	SessionID string
	// App identifies the entry point; exclusion matching is done against it.
	App string

	Modes ModeTable
	// MaxInactivity is the silence after which the session is presumed dead.
	MaxInactivity     time.Duration
	CountdownInterval time.Duration
	// DefaultShutdownDelay applies when a shutdown is started without a delay.
	DefaultShutdownDelay time.Duration
	// UnavailableLimit is the number of consecutive dispatches rejected by an
	// unavailable UI context after which the session is presumed dead.
	// Zero selects the default; negative disables the limit.
	UnavailableLimit   int
	AutoLockExclusions []string
	EventRoot          string
	Messages           Messages

	UI       UIContext
	Surface  Surface
	Security Security
	Registry Registry
	Spawned  Spawned
	Bus      Bus
	Notifier notify.Notifier
	Metrics  Recorder
	Retry    retry.Config

	// KeepAlive is called on every hard activity reset.
	KeepAlive func()
	// Now overrides the clock (for testing).
	Now    func() time.Time
	Logger zerolog.Logger
}

// Watchdog monitors one session.
type Watchdog struct {
	id          string
	app         string
	canAutoLock bool
	root        string
	maxIdle     time.Duration
	tick        time.Duration
	shutdownDef time.Duration
	unavailMax  int
	msgs        Messages

	ui       UIContext
	surface  Surface
	security Security
	registry Registry
	spawned  Spawned
	bus      Bus
	notifier notify.Notifier
	metrics  Recorder
	retryCfg retry.Config
	keep     func()
	now      func() time.Time
	logger   zerolog.Logger

	clock *ActivityClock

	mu              sync.Mutex
	modes           ModeTable
	mode            Mode
	previousMode    Mode
	state           State
	stale           bool
	countdown       time.Duration
	pollingInterval time.Duration
	expired         Mode
	unavailable     int
	pending         []Action

	running    atomic.Bool
	terminate  atomic.Bool
	dead       atomic.Bool
	loggingOut atomic.Bool

	wake chan struct{}
	done chan struct{}

	// touched only on the UI context
	fanout int
}

// New validates opts and returns a Watchdog in baseline mode.
func New(opts Options) (*Watchdog, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("watchdog: session id: %w", werrors.ErrInvalidInput)
	}
	if opts.UI == nil {
		return nil, fmt.Errorf("watchdog: ui context: %w", werrors.ErrInvalidInput)
	}
	if opts.Modes == (ModeTable{}) {
		opts.Modes = DefaultModeTable()
	}
	if opts.MaxInactivity <= 0 {
		opts.MaxInactivity = DefaultMaxInactivity
	}
	if opts.CountdownInterval <= 0 {
		opts.CountdownInterval = DefaultCountdownInterval
	}
	if opts.DefaultShutdownDelay <= 0 {
		opts.DefaultShutdownDelay = DefaultShutdownDelay
	}
	if opts.UnavailableLimit == 0 {
		opts.UnavailableLimit = DefaultUnavailableLimit
	}
	if opts.EventRoot == "" {
		opts.EventRoot = event.DefaultRoot
	}
	if opts.Metrics == nil {
		opts.Metrics = nopRecorder{}
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	w := &Watchdog{
		id:          opts.SessionID,
		app:         strings.TrimSpace(opts.App),
		root:        opts.EventRoot,
		maxIdle:     opts.MaxInactivity,
		tick:        opts.CountdownInterval,
		shutdownDef: opts.DefaultShutdownDelay,
		unavailMax:  opts.UnavailableLimit,
		msgs:        opts.Messages.merge(DefaultMessages()),
		ui:          opts.UI,
		surface:     opts.Surface,
		security:    opts.Security,
		registry:    opts.Registry,
		spawned:     opts.Spawned,
		bus:         opts.Bus,
		notifier:    opts.Notifier,
		metrics:     opts.Metrics,
		retryCfg:    opts.Retry,
		keep:        opts.KeepAlive,
		now:         opts.Now,
		logger: opts.Logger.With().
			Str("component", "watchdog").
			Str("session_id", opts.SessionID).
			Logger(),
		clock:        NewActivityClock(opts.Now()),
		modes:        opts.Modes,
		mode:         ModeBaseline,
		previousMode: ModeBaseline,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		fanout:       -1,
	}
	w.canAutoLock = !excluded(w.app, opts.AutoLockExclusions)
	w.pollingInterval = w.modes.Inactivity(ModeBaseline)
	w.countdown = w.modes.Countdown(ModeBaseline)
	return w, nil
}

func excluded(app string, exclusions []string) bool {
	for _, e := range exclusions {
		if app != "" && strings.TrimSpace(e) == app {
			return true
		}
	}
	return false
}

// Start runs the loop in a background goroutine.
func (w *Watchdog) Start(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watchdog %s: %w", w.id, werrors.ErrAlreadyRunning)
	}
	go w.run(ctx)
	return nil
}

// Run blocks until the session terminates, is presumed dead, or ctx is done.
func (w *Watchdog) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watchdog %s: %w", w.id, werrors.ErrAlreadyRunning)
	}
	w.run(ctx)
	return nil
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	unsubscribe := w.listen()
	defer unsubscribe()

	w.logger.Debug().
		Str("app", w.app).
		Bool("auto_lock", w.canAutoLock).
		Msg("watchdog started")

	w.SetMode(ctx, ModeBaseline)

	for w.alive(ctx) {
		w.iterate(ctx)
		if !w.alive(ctx) {
			break
		}
		if err := w.wait(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("watchdog interrupted, terminating")
			w.terminate.Store(true)
		}
	}
	if ctx.Err() != nil {
		w.terminate.Store(true)
	}

	w.finish()
}

// Stop requests termination. The loop exits on its next wake.
func (w *Watchdog) Stop() {
	w.terminate.Store(true)
	w.signal()
}

// Done is closed when Run returns.
func (w *Watchdog) Done() <-chan struct{} { return w.done }

func (w *Watchdog) alive(ctx context.Context) bool {
	return !w.terminate.Load() && ctx.Err() == nil && w.ui.IsAlive()
}

func (w *Watchdog) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// wait sleeps for the polling interval, capped by the time left before the
// session would be presumed dead.
func (w *Watchdog) wait(ctx context.Context) error {
	d := w.nextWake(w.now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.wake:
		return nil
	case <-timer.C:
		return nil
	}
}

func (w *Watchdog) nextWake(now time.Time) time.Duration {
	w.mu.Lock()
	d := w.pollingInterval
	w.mu.Unlock()
	silence, _ := w.clock.Since(now)
	if left := w.maxIdle - silence; left < d {
		d = left
	}
	return d
}

func (w *Watchdog) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Msg("watchdog iteration failed")
		}
	}()
	w.mu.Lock()
	w.step(w.now())
	w.mu.Unlock()
	w.flush(ctx)
}

// step classifies the session and advances escalation. Caller holds mu.
func (w *Watchdog) step(now time.Time) {
	silence, interval := w.clock.Since(now)
	delta := w.modes.Inactivity(w.mode) - interval

	old := w.state
	switch {
	case silence >= w.maxIdle || w.unavailableExceeded():
		w.state = StateDead
	case delta > 0:
		w.state = StateInitial
	case w.countdown <= 0:
		w.state = StateTimedOut
	default:
		w.state = StateCountdown
	}
	changed := old != w.state || w.stale
	w.stale = false

	switch w.state {
	case StateInitial:
		if changed {
			w.pollingInterval = w.modes.Inactivity(w.mode)
			w.countdown = w.modes.Countdown(w.mode)
			w.queue(ActionUpdateMode)
		} else {
			w.pollingInterval = delta
		}
	case StateCountdown:
		if changed {
			w.pollingInterval = w.tick
		} else {
			w.countdown -= w.tick
		}
		if w.countdown > 0 {
			w.queue(ActionUpdateCountdown)
			break
		}
		w.countdown = 0
		w.state = StateTimedOut
		w.expire()
	case StateTimedOut:
		w.expire()
	case StateDead:
		w.dead.Store(true)
		w.terminate.Store(true)
	}
}

// expire moves to the next mode after a countdown ran out. Caller holds mu.
func (w *Watchdog) expire() {
	from := w.mode
	next := ModeLogout
	if from == ModeBaseline && w.canAutoLock {
		next = ModeLock
	}
	if from != ModeLogout {
		w.expired = from
	}
	w.logger.Debug().Str("from", from.String()).Str("to", next.String()).Msg("countdown expired")
	w.setMode(next)
	if w.mode == ModeLogout {
		w.requestLogout()
	}
}

func (w *Watchdog) requestLogout() {
	if w.loggingOut.Load() {
		w.logger.Debug().Msg("logout already underway")
		return
	}
	w.queue(ActionLogout)
}

// setMode switches to m (ModeUnset restores the previous mode) with a hard
// activity reset. The next iteration treats the state as newly entered.
// Caller holds mu.
func (w *Watchdog) setMode(m Mode) {
	w.resetActivity(true)
	if m == ModeUnset {
		m = w.previousMode
	}
	old := w.mode
	w.mode = m
	if old != m {
		w.pollingInterval = w.modes.Inactivity(m)
		w.metrics.ModeTransition(old.String(), m.String())
		w.logger.Info().Str("from", old.String()).Str("to", m.String()).Msg("mode changed")
	}
	w.countdown = w.modes.Countdown(m)
	if m == ModeBaseline || m == ModeLock {
		w.previousMode = m
	}
	w.stale = true
	w.queue(ActionUpdateMode)
	w.signal()
}

func (w *Watchdog) queue(a Action) {
	w.pending = append(w.pending, a)
}

// flush dispatches actions queued under mu. It must be called without mu held
// so handlers running inline can read watchdog state.
func (w *Watchdog) flush(ctx context.Context) {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()
	for _, a := range pending {
		w.dispatch(ctx, a)
	}
}

func (w *Watchdog) unavailableExceeded() bool {
	return w.unavailMax > 0 && w.unavailable >= w.unavailMax
}

func (w *Watchdog) noteDispatch(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		w.unavailable = 0
		return
	}
	if werrors.Is(err, werrors.ErrUnavailable) {
		w.unavailable++
		if w.unavailableExceeded() {
			w.signal()
		}
	}
}

func (w *Watchdog) resetActivity(keepAlive bool) {
	w.clock.Reset(w.now(), keepAlive)
	if keepAlive && w.keep != nil {
		w.keep()
	}
}

// ResetActivity records session activity. A hard reset (keepAlive) also
// postpones escalation and wakes the loop; a soft reset only proves liveness.
func (w *Watchdog) ResetActivity(keepAlive bool) {
	w.resetActivity(keepAlive)
	if keepAlive {
		w.signal()
	}
}

// SetMode switches modes. ModeUnset restores the previous mode. Once the
// session is logging out, mode requests are ignored.
func (w *Watchdog) SetMode(ctx context.Context, m Mode) {
	w.mu.Lock()
	if w.mode == ModeLogout && m != ModeLogout {
		w.mu.Unlock()
		w.logger.Debug().Str("mode", m.String()).Msg("ignoring mode change after logout")
		return
	}
	w.setMode(m)
	if w.mode == ModeLogout {
		w.requestLogout()
	}
	w.mu.Unlock()
	w.flush(ctx)
}

// Lock locks (true) or unlocks (false) the session. Ignored during shutdown
// and after logout.
func (w *Watchdog) Lock(ctx context.Context, lock bool) {
	w.mu.Lock()
	mode := w.mode
	w.mu.Unlock()
	if mode == ModeShutdown || mode == ModeLogout {
		w.logger.Debug().Bool("lock", lock).Str("mode", mode.String()).Msg("lock request ignored")
		return
	}
	if lock {
		w.SetMode(ctx, ModeLock)
	} else {
		w.SetMode(ctx, ModeBaseline)
	}
}

// StartShutdown begins a shutdown countdown. A non-positive delay selects
// the default.
func (w *Watchdog) StartShutdown(ctx context.Context, delay time.Duration) {
	if delay <= 0 {
		delay = w.shutdownDef
	}
	w.UpdateShutdown(ctx, delay)
}

// UpdateShutdown sets the remaining shutdown delay. A non-positive delay
// aborts a running shutdown and restores the previous mode.
func (w *Watchdog) UpdateShutdown(ctx context.Context, delay time.Duration) {
	w.mu.Lock()
	switch {
	case w.mode == ModeLogout:
		w.mu.Unlock()
		w.logger.Debug().Msg("shutdown request ignored after logout")
		return
	case delay > 0:
		w.modes = w.modes.With(ModeShutdown, Durations{Countdown: delay})
		w.setMode(ModeShutdown)
	case w.mode == ModeShutdown:
		w.setMode(ModeUnset)
	default:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.flush(ctx)
}

// AbortShutdown cancels a running shutdown and broadcasts message to the
// session (the default text when empty). It is a no-op outside shutdown.
func (w *Watchdog) AbortShutdown(ctx context.Context, message string) {
	if w.Mode() != ModeShutdown {
		return
	}
	w.UpdateShutdown(ctx, 0)
	if message == "" {
		message = w.msgs.ShutdownAborted
	}
	w.broadcast(ctx, message)
}

func (w *Watchdog) broadcast(ctx context.Context, message string) {
	if w.bus != nil {
		ev, err := event.NewEvent(event.Topic(w.root, event.TopicMessage), message, event.Targeted(w.id))
		if err == nil && w.bus.Publish(ev) > 0 {
			return
		}
	}
	w.onUI(ctx, func(c context.Context) {
		if w.surface != nil {
			w.surfaceErr(w.surface.ShowInfo(c, message), "info")
		}
	})
}

// KeepOpen is the user's answer to a countdown warning: a hard reset.
func (w *Watchdog) KeepOpen() {
	w.ResetActivity(true)
}

// Unlock validates password and returns to baseline on success. A wrong
// password shows a message; an empty one is ignored.
func (w *Watchdog) Unlock(ctx context.Context, password string) bool {
	if password == "" || w.security == nil {
		return false
	}
	if !w.security.ValidatePassword(password) {
		w.logger.Info().Msg("unlock rejected")
		w.onUI(ctx, func(c context.Context) {
			if w.surface != nil {
				w.surfaceErr(w.surface.ShowInfo(c, w.msgs.BadPassword), "info")
			}
		})
		return false
	}
	w.SetMode(ctx, ModeBaseline)
	return true
}

// Logout ends the session at the user's request.
func (w *Watchdog) Logout(ctx context.Context) {
	w.onUI(ctx, func(c context.Context) {
		w.logout(c, w.msgs.UserLogout)
	})
}

// SetDurations replaces the durations for m. They apply from the next mode entry.
func (w *Watchdog) SetDurations(m Mode, d Durations) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.modes = w.modes.With(m, d)
}

// Status is a point-in-time view of a watchdog.
type Status struct {
	SessionID     string        `json:"session_id"`
	App           string        `json:"app,omitempty"`
	Mode          string        `json:"mode"`
	PreviousMode  string        `json:"previous_mode"`
	State         string        `json:"state"`
	Countdown     time.Duration `json:"countdown"`
	CanAutoLock   bool          `json:"can_auto_lock"`
	LoggingOut    bool          `json:"logging_out"`
	LastActivity  time.Time     `json:"last_activity"`
	LastKeepAlive time.Time     `json:"last_keep_alive"`
}

// Status returns a point-in-time snapshot for listings.
func (w *Watchdog) Status() Status {
	a, k := w.clock.Snapshot()
	w.mu.Lock()
	defer w.mu.Unlock()
	return Status{
		SessionID:     w.id,
		App:           w.app,
		Mode:          w.mode.String(),
		PreviousMode:  w.previousMode.String(),
		State:         w.state.String(),
		Countdown:     w.countdown,
		CanAutoLock:   w.canAutoLock,
		LoggingOut:    w.loggingOut.Load(),
		LastActivity:  a,
		LastKeepAlive: k,
	}
}

// ID returns the session ID.
func (w *Watchdog) ID() string { return w.id }

// CanAutoLock reports whether the app is outside the auto-lock exclusions.
func (w *Watchdog) CanAutoLock() bool { return w.canAutoLock }

// Terminated reports whether the loop has been asked to exit.
func (w *Watchdog) Terminated() bool { return w.terminate.Load() }

// Dead reports whether the session was classified DEAD.
func (w *Watchdog) Dead() bool { return w.dead.Load() }

// LoggingOut reports whether the logout action has started.
func (w *Watchdog) LoggingOut() bool { return w.loggingOut.Load() }

// Mode returns the current mode.
func (w *Watchdog) Mode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

// PreviousMode returns the mode restored when a shutdown is aborted.
func (w *Watchdog) PreviousMode() Mode {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.previousMode
}

// State returns the state computed by the last iteration.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Countdown returns the time left in the current countdown.
func (w *Watchdog) Countdown() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.countdown
}

// PollingInterval returns the wait before the next iteration.
func (w *Watchdog) PollingInterval() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pollingInterval
}

// finish runs once when the loop exits.
func (w *Watchdog) finish() {
	w.logger.Debug().Msg("watchdog terminated")
	if !w.dead.Load() {
		return
	}
	w.logger.Warn().Dur("max_inactivity", w.maxIdle).Msg("session presumed dead due to prolonged inactivity")
	w.metrics.SessionDead()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var derr error
	if w.registry != nil {
		cfg := w.retryCfg
		cfg.Retryable = func(err error) bool { return !werrors.Is(err, werrors.ErrNotFound) }
		derr = retry.Do(ctx, cfg, func(c context.Context) error {
			return w.registry.Deregister(c, w.id)
		})
		switch {
		case werrors.Is(derr, werrors.ErrNotFound):
			w.logger.Debug().Msg("session already deregistered")
			derr = nil
		case derr != nil:
			w.logger.Error().Err(derr).Msg("failed to deregister dead session")
		}
	}
	if w.notifier != nil {
		err := w.notifier.Notify(ctx, notify.Notice{
			Level:     notify.LevelWarning,
			Title:     "Session presumed dead",
			Message:   fmt.Sprintf("No activity for %s; session %s was removed.", FormatDuration(w.maxIdle), w.id),
			SessionID: w.id,
			Err:       derr,
		})
		if err != nil {
			w.logger.Warn().Err(err).Msg("dead session notice failed")
		}
	}
}
