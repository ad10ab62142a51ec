package watchdog

import (
	"context"
	"time"
)

// dispatch runs a inline when ctx is already the session's UI context and
// schedules it otherwise.
func (w *Watchdog) dispatch(ctx context.Context, a Action) {
	if w.ui.InContext(ctx) {
		w.metrics.ActionDispatched(a.String(), true)
		w.handle(ctx, a)
		return
	}
	err := w.ui.Schedule(func(c context.Context) { w.handle(c, a) })
	w.noteDispatch(err)
	if err != nil {
		w.metrics.DispatchError(a.String())
		w.logger.Warn().Err(err).Str("action", a.String()).Msg("action dispatch failed")
		return
	}
	w.metrics.ActionDispatched(a.String(), false)
}

// onUI runs fn on the UI context, inline when possible.
func (w *Watchdog) onUI(ctx context.Context, fn func(context.Context)) {
	if w.ui.InContext(ctx) {
		fn(ctx)
		return
	}
	if err := w.ui.Schedule(fn); err != nil {
		w.logger.Warn().Err(err).Msg("ui task dispatch failed")
	}
}

func (w *Watchdog) handle(ctx context.Context, a Action) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Interface("panic", r).Str("action", a.String()).Msg("action failed")
		}
	}()
	w.logger.Trace().Str("action", a.String()).Msg("executing action")

	switch a {
	case ActionUpdateCountdown:
		w.updateCountdown(ctx)
	case ActionUpdateMode:
		w.updateMode(ctx)
	case ActionLogout:
		w.mu.Lock()
		reason, ok := w.msgs.Expiration[w.expired]
		w.mu.Unlock()
		if !ok {
			reason = w.msgs.Expiration[ModeLogout]
		}
		w.logout(ctx, reason)
	}
}

type snapshot struct {
	mode, previous Mode
	state          State
	countdown      time.Duration
}

func (w *Watchdog) snapshot() snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return snapshot{mode: w.mode, previous: w.previousMode, state: w.state, countdown: w.countdown}
}

// nextMode is where the countdown for mode leads.
func (w *Watchdog) nextMode(mode Mode) Mode {
	if mode == ModeBaseline && w.canAutoLock {
		return ModeLock
	}
	return ModeLogout
}

// updateCountdown renders the countdown. Running proves the UI context is
// alive, so it also soft-resets activity.
func (w *Watchdog) updateCountdown(ctx context.Context) {
	w.resetActivity(false)
	s := w.snapshot()
	if s.state != StateCountdown || w.surface == nil {
		return
	}
	textMode := w.nextMode(s.mode)
	if s.mode == ModeShutdown {
		textMode = ModeShutdown
	}
	v := CountdownView{
		Mode:      s.mode,
		Text:      w.msgs.warning(textMode, s.countdown),
		Remaining: s.countdown,
		Severity:  severityFor(s.countdown),
	}
	if w.canAutoLock {
		v.Class = styleClass(s.mode, s.previous, "countdown")
	}
	w.surfaceErr(w.surface.ShowCountdown(ctx, v), "countdown")
}

// updateMode renders the mode surface and fans lock state out to spawned
// sessions. Sessions excluded from auto-lock get neither.
func (w *Watchdog) updateMode(ctx context.Context) {
	if !w.canAutoLock {
		return
	}
	s := w.snapshot()
	locked := s.mode == ModeLock || (s.mode == ModeShutdown && s.previous == ModeLock)
	if w.surface != nil {
		v := ModeView{
			Mode:     s.mode,
			Previous: s.previous,
			State:    s.state,
			Class:    styleClass(s.mode, s.previous, "idle"),
			Visible:  s.mode != ModeBaseline,
			Locked:   locked,
		}
		if locked && w.security != nil {
			if id, ok := w.security.AuthenticatedIdentity(); ok {
				v.LockedBy = w.msgs.lockedBy(id)
			}
		}
		w.surfaceErr(w.surface.ShowMode(ctx, v), "mode")
	}
	w.fanOut(ctx, locked)
}

func (w *Watchdog) fanOut(ctx context.Context, locked bool) {
	if w.spawned == nil {
		return
	}
	state := 0
	if locked {
		state = 1
	}
	if w.fanout == state {
		return
	}
	w.fanout = state
	n := w.spawned.SendToSpawned(ctx, w.id, locked)
	if n > 0 {
		w.logger.Debug().Bool("locked", locked).Int("children", n).Msg("lock state sent to spawned sessions")
	}
}

// logout ends the session once. Later calls, from either path, are no-ops.
func (w *Watchdog) logout(ctx context.Context, reason string) {
	if !w.loggingOut.CompareAndSwap(false, true) {
		w.logger.Debug().Msg("logout already underway")
		return
	}
	mode := w.Mode()
	ev := w.logger.Info().Str("mode", mode.String())
	if !w.canAutoLock {
		ev = ev.Bool("excluded", true)
	}
	ev.Msg("logging out session")

	w.terminate.Store(true)
	if w.surface != nil {
		w.surfaceErr(w.surface.Hide(ctx), "hide")
	}
	if w.security != nil {
		if err := w.security.Logout(true, "", reason); err != nil {
			w.logger.Error().Err(err).Msg("logout failed")
		}
	}
	w.metrics.SessionLogout(mode.String())
	w.signal()
}

func (w *Watchdog) surfaceErr(err error, what string) {
	if err != nil {
		w.logger.Warn().Err(err).Str("surface", what).Msg("surface update failed")
	}
}
