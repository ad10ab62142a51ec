package watchdog

import (
	"fmt"
	"strings"
	"time"
)

// Messages holds the user-facing text. Warning texts take the formatted
// remaining time as their only verb; LockedBy takes the user identity.
type Messages struct {
	Warning         map[Mode]string
	Expiration      map[Mode]string
	LockedBy        string
	BadPassword     string
	ShutdownAborted string
	UserLogout      string
}

// DefaultMessages returns the stock English texts.
func DefaultMessages() Messages {
	return Messages{
		Warning: map[Mode]string{
			ModeLock:     "Your session will be locked in %s due to inactivity.",
			ModeLogout:   "You will be logged out in %s due to inactivity.",
			ModeShutdown: "The application is shutting down. You will be logged out in %s.",
		},
		Expiration: map[Mode]string{
			ModeBaseline: "You were logged out due to inactivity.",
			ModeLock:     "Your locked session expired.",
			ModeLogout:   "You were logged out due to inactivity.",
			ModeShutdown: "You were logged out because the application shut down.",
		},
		LockedBy:        "Locked by %s",
		BadPassword:     "The password is not correct.",
		ShutdownAborted: "Shutdown was cancelled.",
		UserLogout:      "You logged out.",
	}
}

// merge fills empty fields of m from def.
func (m Messages) merge(def Messages) Messages {
	out := def
	out.Warning = mergeModeText(def.Warning, m.Warning)
	out.Expiration = mergeModeText(def.Expiration, m.Expiration)
	if m.LockedBy != "" {
		out.LockedBy = m.LockedBy
	}
	if m.BadPassword != "" {
		out.BadPassword = m.BadPassword
	}
	if m.ShutdownAborted != "" {
		out.ShutdownAborted = m.ShutdownAborted
	}
	if m.UserLogout != "" {
		out.UserLogout = m.UserLogout
	}
	return out
}

func mergeModeText(def, over map[Mode]string) map[Mode]string {
	out := make(map[Mode]string, len(def)+len(over))
	for k, v := range def {
		out[k] = v
	}
	for k, v := range over {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func (m Messages) warning(mode Mode, remaining time.Duration) string {
	tmpl := m.Warning[mode]
	if tmpl == "" {
		return FormatDuration(remaining)
	}
	return fmt.Sprintf(tmpl, FormatDuration(remaining))
}

func (m Messages) lockedBy(identity string) string {
	if identity == "" || m.LockedBy == "" {
		return ""
	}
	return fmt.Sprintf(m.LockedBy, identity)
}

// FormatDuration renders d at second resolution as "1 hour, 2 minutes, 5 seconds".
// Zero components are omitted except when d is under a second.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "0 seconds"
	}
	units := []struct {
		size time.Duration
		name string
	}{
		{24 * time.Hour, "day"},
		{time.Hour, "hour"},
		{time.Minute, "minute"},
		{time.Second, "second"},
	}
	var parts []string
	for _, u := range units {
		n := d / u.size
		if n == 0 {
			continue
		}
		d -= n * u.size
		s := fmt.Sprintf("%d %s", n, u.name)
		if n != 1 {
			s += "s"
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ", ")
}

// styleClass builds the CSS class list for kind ("countdown" or "idle").
// A shutdown that interrupted a locked session carries the lock class too.
func styleClass(mode, previous Mode, kind string) string {
	cls := "watchdog-" + mode.String() + "-" + kind
	if mode == ModeShutdown && previous == ModeLock {
		cls += " watchdog-" + ModeLock.String() + "-" + kind
	}
	return cls
}
