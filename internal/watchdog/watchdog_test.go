package watchdog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
)

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{UI: &syncUI{}})
	assert.ErrorIs(t, err, werrors.ErrInvalidInput)

	_, err = New(Options{SessionID: "s"})
	assert.ErrorIs(t, err, werrors.ErrInvalidInput)
}

func TestNew_Defaults(t *testing.T) {
	w, err := New(Options{SessionID: "s", UI: &syncUI{}, Logger: zerolog.Nop()})
	require.NoError(t, err)

	assert.Equal(t, ModeBaseline, w.Mode())
	assert.Equal(t, ModeBaseline, w.PreviousMode())
	assert.Equal(t, StatePending, w.State())
	assert.Equal(t, 15*time.Minute, w.PollingInterval())
	assert.Equal(t, time.Minute, w.Countdown())
	assert.True(t, w.CanAutoLock())
	assert.False(t, w.Terminated())
}

func TestEscalation_BaselineLockLogout(t *testing.T) {
	fx := newFixture(t, nil)
	fx.start()

	fx.step()
	assert.Equal(t, StateInitial, fx.w.State())

	ok := fx.drive(50, fx.w.Terminated)
	require.True(t, ok, "session never logged out")

	assert.Equal(t, []string{"baseline->lock", "lock->logout"}, fx.rec.transitionList())
	assert.Equal(t, ModeLogout, fx.w.Mode())
	assert.Equal(t, ModeLock, fx.w.PreviousMode())
	assert.Equal(t, []string{"Your locked session expired."}, fx.security.logouts())
	assert.True(t, fx.w.LoggingOut())
	assert.False(t, fx.w.Dead())
	assert.Equal(t, 1, fx.surface.hides)
	assert.Equal(t, 0, fx.registry.count())
}

func TestEscalation_ExcludedSkipsLock(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.App = " kiosk "
		o.AutoLockExclusions = []string{"reports", "kiosk"}
	})
	require.False(t, fx.w.CanAutoLock())
	fx.start()

	require.True(t, fx.drive(50, fx.w.Terminated))

	assert.Equal(t, []string{"baseline->logout"}, fx.rec.transitionList())
	assert.Empty(t, fx.surface.modes, "excluded sessions get no mode surface")
	require.NotEmpty(t, fx.surface.countdowns)
	for _, v := range fx.surface.countdowns {
		assert.Empty(t, v.Class)
		assert.Contains(t, v.Text, "logged out")
	}
	assert.Equal(t, []string{"You were logged out due to inactivity."}, fx.security.logouts())
	assert.Empty(t, fx.spawned.sends)
}

func TestExampleScenario(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Modes = DefaultModeTable().
			With(ModeBaseline, Durations{Inactivity: 900 * time.Second, Countdown: 60 * time.Second})
		o.MaxInactivity = 5 * time.Minute
	})
	fx.heartbeat = true
	fx.start()

	fx.step()
	assert.Equal(t, ModeBaseline, fx.w.Mode())
	assert.Equal(t, StateInitial, fx.w.State())

	require.True(t, fx.drive(20, func() bool { return fx.w.State() == StateCountdown }))
	assert.Equal(t, 900*time.Second, fx.clock.Elapsed())
	assert.Equal(t, 60*time.Second, fx.w.Countdown())

	last := fx.w.Countdown()
	for fx.w.Mode() == ModeBaseline {
		before := fx.clock.Elapsed()
		fx.step()
		if fx.w.Mode() != ModeBaseline {
			break
		}
		assert.Equal(t, 2*time.Second, fx.clock.Elapsed()-before)
		assert.Equal(t, last-2*time.Second, fx.w.Countdown())
		last = fx.w.Countdown()
	}
	assert.Equal(t, 960*time.Second, fx.clock.Elapsed())
	assert.Equal(t, ModeLock, fx.w.Mode())
	assert.Equal(t, StateTimedOut, fx.w.State())

	fx.step()
	assert.Equal(t, ModeLock, fx.w.Mode())
	assert.Equal(t, StateInitial, fx.w.State())
	assert.Equal(t, 15*time.Minute, fx.w.PollingInterval())
	assert.False(t, fx.w.Dead())
}

func TestActivityReset_ReturnsToInitial(t *testing.T) {
	fx := newFixture(t, nil)
	fx.start()
	require.True(t, fx.drive(10, func() bool { return fx.w.State() == StateCountdown }))
	fx.step()
	require.Equal(t, 2*time.Second, fx.w.Countdown())

	fx.w.KeepOpen()
	fx.step()

	assert.Equal(t, StateInitial, fx.w.State())
	assert.Equal(t, ModeBaseline, fx.w.Mode())
	assert.Equal(t, 4*time.Second, fx.w.Countdown())
	assert.Equal(t, 10*time.Second, fx.w.PollingInterval())
}

func TestCountdown_SeverityAndMonotonic(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.Modes = testModes().With(ModeBaseline, Durations{Inactivity: 10 * time.Second, Countdown: 20 * time.Second})
	})
	fx.start()
	require.True(t, fx.drive(30, func() bool { return fx.w.Mode() == ModeLock }))

	views := fx.surface.countdowns
	require.Len(t, views, 10)
	for i, v := range views {
		if i > 0 {
			assert.Less(t, v.Remaining, views[i-1].Remaining)
		}
		if v.Remaining <= 10*time.Second {
			assert.Equal(t, SeverityDanger, v.Severity, v.Remaining)
		} else {
			assert.Equal(t, SeverityWarning, v.Severity, v.Remaining)
		}
		assert.Equal(t, "watchdog-baseline-countdown", v.Class)
		assert.Contains(t, v.Text, "locked")
	}
	assert.Equal(t, "Your session will be locked in 20 seconds due to inactivity.", views[0].Text)
}

func TestKeepAliveHook(t *testing.T) {
	var n int
	fx := newFixture(t, func(o *Options) { o.KeepAlive = func() { n++ } })

	fx.w.ResetActivity(false)
	assert.Equal(t, 0, n)
	fx.w.ResetActivity(true)
	assert.Equal(t, 1, n)
	fx.w.SetMode(context.Background(), ModeLock)
	assert.Equal(t, 2, n)
}

func TestShutdown_OverridesAndRestores(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.start()

	fx.w.Lock(ctx, true)
	require.Equal(t, ModeLock, fx.w.Mode())

	fx.w.StartShutdown(ctx, 30*time.Second)
	assert.Equal(t, ModeShutdown, fx.w.Mode())
	assert.Equal(t, ModeLock, fx.w.PreviousMode())
	assert.Equal(t, 30*time.Second, fx.w.Countdown())

	fx.w.Lock(ctx, false)
	assert.Equal(t, ModeShutdown, fx.w.Mode(), "lock requests are ignored during shutdown")

	fx.w.AbortShutdown(ctx, "")
	assert.Equal(t, ModeLock, fx.w.Mode())
	assert.Equal(t, []string{"Shutdown was cancelled."}, fx.surface.infos)

	fx.w.AbortShutdown(ctx, "ignored")
	assert.Len(t, fx.surface.infos, 1, "abort outside shutdown is a no-op")
}

func TestShutdown_DefaultDelay(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.DefaultShutdownDelay = 90 * time.Second })
	fx.w.StartShutdown(context.Background(), 0)
	assert.Equal(t, ModeShutdown, fx.w.Mode())
	assert.Equal(t, 90*time.Second, fx.w.Countdown())
}

func TestShutdown_ZeroDelayOutsideShutdownIsNoop(t *testing.T) {
	fx := newFixture(t, nil)
	fx.w.Lock(context.Background(), true)
	fx.w.UpdateShutdown(context.Background(), 0)
	assert.Equal(t, ModeLock, fx.w.Mode())
}

func TestShutdown_CountdownLogsOut(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.start()
	fx.w.Lock(ctx, true)
	fx.w.StartShutdown(ctx, 6*time.Second)

	fx.step()
	assert.Equal(t, StateCountdown, fx.w.State())

	require.True(t, fx.drive(20, fx.w.Terminated))
	assert.Equal(t, []string{"You were logged out because the application shut down."}, fx.security.logouts())

	require.NotEmpty(t, fx.surface.countdowns)
	v := fx.surface.countdowns[0]
	assert.Equal(t, ModeShutdown, v.Mode)
	assert.Equal(t, "watchdog-shutdown-countdown watchdog-lock-countdown", v.Class)
	assert.Contains(t, v.Text, "shutting down")
}

func TestShutdown_ModeViewCarriesLock(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.w.Lock(ctx, true)
	fx.w.StartShutdown(ctx, time.Minute)

	v := fx.surface.lastMode()
	assert.Equal(t, ModeShutdown, v.Mode)
	assert.True(t, v.Locked)
	assert.True(t, v.Visible)
	assert.Equal(t, "watchdog-shutdown-idle watchdog-lock-idle", v.Class)
}

func TestDead_DetectedRegardlessOfMode(t *testing.T) {
	for _, mode := range []Mode{ModeBaseline, ModeLock} {
		t.Run(mode.String(), func(t *testing.T) {
			fx := newFixture(t, func(o *Options) {
				o.MaxInactivity = 30 * time.Second
				o.Modes = DefaultModeTable().
					With(ModeBaseline, Durations{Inactivity: time.Hour, Countdown: time.Hour}).
					With(ModeLock, Durations{Inactivity: time.Hour, Countdown: time.Hour})
			})
			fx.start()
			if mode == ModeLock {
				fx.w.Lock(context.Background(), true)
			}
			fx.step()
			require.False(t, fx.w.Dead())

			fx.step()
			assert.Equal(t, 30*time.Second, fx.clock.Elapsed(), "wait is capped by the dead threshold")
			assert.Equal(t, StateDead, fx.w.State())
			assert.Equal(t, mode, fx.w.Mode())
			assert.True(t, fx.w.Dead())
			assert.True(t, fx.w.Terminated())
			assert.Empty(t, fx.security.logouts())
		})
	}
}

func TestDead_DuringShutdownWhenUIStalls(t *testing.T) {
	fx := newFixture(t, func(o *Options) {
		o.MaxInactivity = 30 * time.Second
		o.UnavailableLimit = -1
	})
	fx.start()
	fx.w.StartShutdown(context.Background(), time.Hour)
	fx.ui.setUnavailable(true)

	require.True(t, fx.drive(50, fx.w.Dead))
	assert.Equal(t, ModeShutdown, fx.w.Mode())
	assert.Equal(t, 30*time.Second, fx.clock.Elapsed())
}

func TestFinish_DeregistersDeadSessionOnce(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.MaxInactivity = time.Second })
	fx.clock.Advance(2 * time.Second)
	fx.w.iterate(context.Background())
	require.True(t, fx.w.Dead())

	fx.w.finish()
	assert.Equal(t, 1, fx.registry.count())
	assert.Equal(t, 1, fx.notifier.count())
	assert.Equal(t, 1, fx.rec.dead)
}

func TestFinish_NotFoundIsNotRetried(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.MaxInactivity = time.Second })
	fx.registry.err = werrors.ErrNotFound
	fx.clock.Advance(2 * time.Second)
	fx.w.iterate(context.Background())

	fx.w.finish()
	assert.Equal(t, 1, fx.registry.count())
	require.Len(t, fx.notifier.notices, 1)
	assert.NoError(t, fx.notifier.notices[0].Err)
}

func TestFinish_RetriesTransientFailure(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.MaxInactivity = time.Second })
	fx.registry.err = errors.New("database is locked")
	fx.clock.Advance(2 * time.Second)
	fx.w.iterate(context.Background())

	fx.w.finish()
	assert.Equal(t, 2, fx.registry.count())
	require.Len(t, fx.notifier.notices, 1)
	assert.Error(t, fx.notifier.notices[0].Err)
}

func TestFinish_AliveSessionSkipsDeregistration(t *testing.T) {
	fx := newFixture(t, nil)
	fx.w.finish()
	assert.Equal(t, 0, fx.registry.count())
	assert.Equal(t, 0, fx.notifier.count())
}

func TestRun_DeadSessionEndsLoop(t *testing.T) {
	reg := &fakeRegistry{}
	w, err := New(Options{
		SessionID:     "s-run",
		UI:            &syncUI{},
		Registry:      reg,
		MaxInactivity: 50 * time.Millisecond,
		Modes:         DefaultModeTable().With(ModeBaseline, Durations{Inactivity: time.Hour, Countdown: time.Minute}),
		Logger:        zerolog.Nop(),
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watchdog did not detect dead session")
	}
	require.NoError(t, <-errCh)
	assert.True(t, w.Dead())
	assert.Equal(t, 1, reg.count())

	err = w.Run(context.Background())
	assert.ErrorIs(t, err, werrors.ErrAlreadyRunning)
}

func TestRun_StopAndCancel(t *testing.T) {
	w, err := New(Options{SessionID: "s-stop", UI: &syncUI{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	assert.ErrorIs(t, w.Start(context.Background()), werrors.ErrAlreadyRunning)

	w.Stop()
	select {
	case <-w.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not end the loop")
	}
	assert.False(t, w.Dead())

	ctx, cancel := context.WithCancel(context.Background())
	w2, err := New(Options{SessionID: "s-cancel", UI: &syncUI{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w2.Start(ctx))
	cancel()
	select {
	case <-w2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not end the loop")
	}
	assert.True(t, w2.Terminated())
}

func TestRun_DetachedUIEndsLoop(t *testing.T) {
	ui := &syncUI{dead: true}
	w, err := New(Options{SessionID: "s-detached", UI: ui, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, w.Run(context.Background()))
	assert.False(t, w.Dead())
}

func TestUnavailableLimit_ForcesDead(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.UnavailableLimit = 3 })
	ctx := context.Background()
	fx.ui.setUnavailable(true)
	for i := 0; i < 3; i++ {
		fx.w.SetMode(ctx, ModeBaseline)
	}
	fx.step()
	assert.Equal(t, StateDead, fx.w.State())
	assert.True(t, fx.w.Dead())
}

func TestUnavailableLimit_ResetBySuccess(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.UnavailableLimit = 3 })
	ctx := context.Background()

	fx.ui.setUnavailable(true)
	fx.w.SetMode(ctx, ModeBaseline)
	fx.w.SetMode(ctx, ModeBaseline)
	fx.ui.setUnavailable(false)
	fx.w.SetMode(ctx, ModeBaseline)
	fx.ui.setUnavailable(true)
	fx.w.SetMode(ctx, ModeBaseline)
	fx.w.SetMode(ctx, ModeBaseline)

	fx.step()
	assert.NotEqual(t, StateDead, fx.w.State())
	assert.False(t, fx.w.Dead())
}

func TestUnavailableLimit_Disabled(t *testing.T) {
	fx := newFixture(t, func(o *Options) { o.UnavailableLimit = -1 })
	fx.ui.setUnavailable(true)
	for i := 0; i < 20; i++ {
		fx.w.SetMode(context.Background(), ModeBaseline)
	}
	fx.step()
	assert.False(t, fx.w.Dead())
}

func TestDispatch_InlineOnUIContext(t *testing.T) {
	fx := newFixture(t, nil)

	fx.w.Lock(fx.ui.context(), true)

	assert.Equal(t, 0, fx.ui.scheduledCount())
	assert.True(t, fx.surface.lastMode().Locked)

	fx.w.Lock(context.Background(), false)
	assert.Equal(t, 1, fx.ui.scheduledCount())
	assert.False(t, fx.surface.lastMode().Locked)
}

func TestLogout_RunsOnce(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := fx.ui.context()

	fx.w.Logout(ctx)
	fx.w.handle(ctx, ActionLogout)
	fx.w.Logout(ctx)

	assert.Equal(t, []string{"You logged out."}, fx.security.logouts())
	assert.True(t, fx.w.Terminated())
	assert.Equal(t, []string{"baseline"}, fx.rec.logouts)
}

func TestSetMode_IgnoredAfterLogout(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.w.SetMode(ctx, ModeLogout)
	require.Len(t, fx.security.logouts(), 1)

	fx.w.Lock(ctx, false)
	fx.w.StartShutdown(ctx, time.Minute)
	fx.w.SetMode(ctx, ModeBaseline)
	assert.Equal(t, ModeLogout, fx.w.Mode())
}

func TestUnlock(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := fx.ui.context()
	fx.w.Lock(ctx, true)

	assert.False(t, fx.w.Unlock(ctx, ""))
	assert.Empty(t, fx.surface.infos)

	assert.False(t, fx.w.Unlock(ctx, "wrong"))
	assert.Equal(t, []string{"The password is not correct."}, fx.surface.infos)
	assert.Equal(t, ModeLock, fx.w.Mode())

	assert.True(t, fx.w.Unlock(ctx, "secret"))
	assert.Equal(t, ModeBaseline, fx.w.Mode())
}

func TestSpawnedFanOut_OnChangeOnly(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	fx.w.Lock(ctx, true)
	fx.w.Lock(ctx, true)
	fx.w.Lock(ctx, false)
	fx.w.SetMode(ctx, ModeBaseline)

	assert.Equal(t, []bool{true, false}, fx.spawned.sends)
}

func TestModeView_LockedBy(t *testing.T) {
	fx := newFixture(t, nil)
	fx.security.identity = "Ada Lovelace@lab"

	fx.w.Lock(context.Background(), true)
	v := fx.surface.lastMode()
	assert.Equal(t, "Locked by Ada Lovelace@lab", v.LockedBy)
	assert.Equal(t, "watchdog-lock-idle", v.Class)
	assert.True(t, v.Visible)

	fx.w.Lock(context.Background(), false)
	v = fx.surface.lastMode()
	assert.Empty(t, v.LockedBy)
	assert.False(t, v.Visible)
}

func TestSetDurations_AppliesOnNextEntry(t *testing.T) {
	fx := newFixture(t, nil)
	fx.w.SetDurations(ModeLock, Durations{Inactivity: time.Minute, Countdown: 30 * time.Second})
	fx.w.Lock(context.Background(), true)
	assert.Equal(t, time.Minute, fx.w.PollingInterval())
	assert.Equal(t, 30*time.Second, fx.w.Countdown())
}

func TestStatus(t *testing.T) {
	fx := newFixture(t, nil)
	fx.w.Lock(context.Background(), true)
	s := fx.w.Status()
	assert.Equal(t, "s-1", s.SessionID)
	assert.Equal(t, "desktop", s.App)
	assert.Equal(t, "lock", s.Mode)
	assert.Equal(t, "lock", s.PreviousMode)
	assert.Equal(t, fx.clock.Now(), s.LastKeepAlive)
}
