package watchdog

import (
	"context"
	"time"

	"github.com/p-blackswan/session-watchdog/internal/event"
)

// UIContext is the single-consumer execution context that owns a session's
// user-facing state. uictx.Executor satisfies it.
type UIContext interface {
	IsAlive() bool
	InContext(ctx context.Context) bool
	Schedule(task func(ctx context.Context)) error
}

// CountdownView is what the user sees while a countdown runs.
type CountdownView struct {
	Mode      Mode          `json:"mode"`
	Text      string        `json:"text"`
	Remaining time.Duration `json:"remaining"`
	Severity  Severity      `json:"severity"`
	Class     string        `json:"class,omitempty"`
}

// ModeView describes the per-mode surface: lock overlay, shutdown banner or nothing.
type ModeView struct {
	Mode     Mode   `json:"mode"`
	Previous Mode   `json:"previous"`
	State    State  `json:"state"`
	Class    string `json:"class,omitempty"`
	Visible  bool   `json:"visible"`
	Locked   bool   `json:"locked"`
	LockedBy string `json:"locked_by,omitempty"`
}

// Surface renders watchdog output for one session. Methods are only called
// from the session's UI context.
type Surface interface {
	ShowCountdown(ctx context.Context, v CountdownView) error
	ShowMode(ctx context.Context, v ModeView) error
	ShowInfo(ctx context.Context, message string) error
	Hide(ctx context.Context) error
}

// Security is the per-session authentication service.
type Security interface {
	Logout(force bool, redirect, reason string) error
	ValidatePassword(password string) bool
	AuthenticatedIdentity() (string, bool)
}

// Registry removes sessions presumed dead.
type Registry interface {
	Deregister(ctx context.Context, sessionID string) error
}

// Spawned fans lock state out to sessions spawned from this one.
type Spawned interface {
	SendToSpawned(ctx context.Context, parentID string, locked bool) int
}

// Bus is the administrative event source and message sink.
type Bus interface {
	Subscribe(topic string, h event.Handler) func()
	Publish(ev event.Event) int
}

// Recorder receives lifecycle counters. *metrics.Metrics satisfies it.
type Recorder interface {
	ModeTransition(from, to string)
	ActionDispatched(action string, inline bool)
	SessionLogout(mode string)
	SessionDead()
	DispatchError(kind string)
}

type nopRecorder struct{}

func (nopRecorder) ModeTransition(string, string) {}
func (nopRecorder) ActionDispatched(string, bool) {}
func (nopRecorder) SessionLogout(string) {}
func (nopRecorder) SessionDead() {}
func (nopRecorder) DispatchError(string) {}
