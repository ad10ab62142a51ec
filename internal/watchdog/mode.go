package watchdog

import (
	"strings"
	"time"
)

// Mode is the escalation stage of a session's inactivity response.
type Mode int

// ModeUnset is the zero value; passed to SetMode it restores the previous mode.
const (
	ModeUnset Mode = iota
	ModeBaseline
	ModeLock
	ModeLogout
	ModeShutdown
	modeCount
)

func (m Mode) String() string {
	switch m {
	case ModeBaseline:
		return "baseline"
	case ModeLock:
		return "lock"
	case ModeLogout:
		return "logout"
	case ModeShutdown:
		return "shutdown"
	default:
		return "unset"
	}
}

// ParseMode maps a case-insensitive name to a Mode.
func ParseMode(s string) (Mode, bool) {
	for m := ModeBaseline; m < modeCount; m++ {
		if strings.EqualFold(strings.TrimSpace(s), m.String()) {
			return m, true
		}
	}
	return ModeUnset, false
}

// MarshalText encodes the mode by name.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText accepts a mode name; unknown names decode as ModeUnset.
func (m *Mode) UnmarshalText(b []byte) error {
	*m, _ = ParseMode(string(b))
	return nil
}

// format replaces each '%' in value with the mode name.
func (m Mode) format(value string) string {
	return strings.ReplaceAll(value, "%", m.String())
}

// State classifies a session's timing condition for one monitor iteration.
// The zero value means the session has not been evaluated yet.
type State int

const (
	StatePending State = iota
	StateInitial
	StateCountdown
	StateTimedOut
	StateDead
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateCountdown:
		return "countdown"
	case StateTimedOut:
		return "timedout"
	case StateDead:
		return "dead"
	default:
		return "pending"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText accepts a state name; unknown names decode as StatePending.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for _, st := range []State{StateInitial, StateCountdown, StateTimedOut, StateDead} {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	*s = StatePending
	return nil
}

// Action is a command executed on the session's UI execution context. It
// carries no data; handlers re-read watchdog state when they run.
type Action int

const (
	ActionUpdateCountdown Action = iota + 1
	ActionUpdateMode
	ActionLogout
)

func (a Action) String() string {
	switch a {
	case ActionUpdateCountdown:
		return "update_countdown"
	case ActionUpdateMode:
		return "update_mode"
	case ActionLogout:
		return "logout"
	default:
		return "unknown"
	}
}

// Severity selects the visual treatment of the countdown.
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityDanger  Severity = "danger"
)

// dangerThreshold is the remaining time at or below which countdowns turn danger.
const dangerThreshold = 10 * time.Second

func severityFor(remaining time.Duration) Severity {
	if remaining <= dangerThreshold {
		return SeverityDanger
	}
	return SeverityWarning
}

// Durations configures one mode: how long the session may stay silent before
// the countdown begins, and how long the visible countdown lasts.
type Durations struct {
	Inactivity time.Duration `yaml:"inactivity" json:"inactivity"`
	Countdown  time.Duration `yaml:"countdown" json:"countdown"`
}

// ModeTable holds Durations per Mode. It is a value type; With returns a copy.
type ModeTable struct {
	d [modeCount]Durations
}

// DefaultModeTable returns the stock durations.
func DefaultModeTable() ModeTable {
	var t ModeTable
	t.d[ModeBaseline] = Durations{Inactivity: 15 * time.Minute, Countdown: time.Minute}
	t.d[ModeLock] = Durations{Inactivity: 15 * time.Minute, Countdown: time.Minute}
	t.d[ModeLogout] = Durations{Inactivity: 0, Countdown: time.Minute}
	t.d[ModeShutdown] = Durations{Inactivity: 0, Countdown: DefaultShutdownDelay}
	return t
}

// With returns a copy of t with m set to d. Unknown modes are ignored.
func (t ModeTable) With(m Mode, d Durations) ModeTable {
	if m > ModeUnset && m < modeCount {
		t.d[m] = d
	}
	return t
}

// Get returns the durations for m.
func (t ModeTable) Get(m Mode) Durations {
	if m <= ModeUnset || m >= modeCount {
		return Durations{}
	}
	return t.d[m]
}

// Inactivity returns the allowed silence for m.
func (t ModeTable) Inactivity(m Mode) time.Duration { return t.Get(m).Inactivity }

// Countdown returns the countdown length for m.
func (t ModeTable) Countdown(m Mode) time.Duration { return t.Get(m).Countdown }
