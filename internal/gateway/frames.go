package gateway

import (
	"encoding/json"
)

// Inbound frame types.
const (
	FrameActivity  = "activity"
	FrameHeartbeat = "heartbeat"
	FrameUnlock    = "unlock"
	FrameKeepOpen  = "keep_open"
	FrameLogout    = "logout"
)

// Outbound frame types.
const (
	FrameCountdown    = "countdown"
	FrameMode         = "mode"
	FrameInfo         = "info"
	FrameHide         = "hide"
	FrameUnlockResult = "unlock_result"
	FrameLoggedOut    = "logout"
	FrameWelcome      = "welcome"
)

// DefaultIgnoredCommands are activity commands that prove liveness without
// counting as user activity.
var DefaultIgnoredCommands = []string{"dummy", "onTimer", "onClientInfo"}

// inbound is a frame sent by the client.
type inbound struct {
	Type     string `json:"type"`
	Command  string `json:"command,omitempty"`
	Password string `json:"password,omitempty"`
}

// Outbound is a frame sent to the client.
type Outbound struct {
	Type    string          `json:"type"`
	Session string          `json:"session,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type infoPayload struct {
	Message string `json:"message"`
}

type unlockPayload struct {
	OK bool `json:"ok"`
}

type logoutPayload struct {
	Reason   string `json:"reason"`
	Redirect string `json:"redirect,omitempty"`
	Force    bool   `json:"force"`
}

type welcomePayload struct {
	User        string `json:"user"`
	App         string `json:"app,omitempty"`
	CanAutoLock bool   `json:"can_auto_lock"`
}

func newOutbound(kind, session string, payload interface{}) (Outbound, error) {
	out := Outbound{Type: kind, Session: session}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Outbound{}, err
		}
		out.Payload = raw
	}
	return out, nil
}
