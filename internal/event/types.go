// Package event defines the Event type and the in-process Bus that carries
// administrative commands (shutdown, lock) to session watchdogs.
package event

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultRoot is the topic root used when none is configured.
const DefaultRoot = "DESKTOP"

// Sub-topics appended to the root.
const (
	TopicShutdownStart = "SHUTDOWN.START"
	TopicShutdownAbort = "SHUTDOWN.ABORT"
	TopicShutdown      = "SHUTDOWN" // progress: "<seconds>^<message>"
	TopicLock          = "LOCK"
	TopicMessage       = "MESSAGE"
)

// MetaTarget restricts an event to a single session.
const MetaTarget = "target"

// Topic joins a root with a sub-topic.
func Topic(root, sub string) string {
	if root == "" {
		root = DefaultRoot
	}
	return root + "." + sub
}

// Event is one published command or notice.
type Event struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewEvent constructs an Event with a generated ID and current timestamp.
// A nil payload is encoded as JSON null.
func NewEvent(topic string, payload interface{}, meta map[string]string) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   raw,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Targeted returns a metadata map addressing a single session.
func Targeted(sessionID string) map[string]string {
	return map[string]string{MetaTarget: sessionID}
}

// Target returns the addressed session, or "" for broadcasts.
func (e Event) Target() string {
	return e.Metadata[MetaTarget]
}

// AppliesTo reports whether a session should act on the event.
func (e Event) AppliesTo(sessionID string) bool {
	t := e.Target()
	return t == "" || t == sessionID
}

// IsNull reports whether the payload is absent or JSON null.
func (e Event) IsNull() bool {
	s := strings.TrimSpace(string(e.Payload))
	return s == "" || s == "null"
}

// Text returns the payload as a string. JSON strings are unquoted; any other
// value is returned in its JSON form. Null yields "".
func (e Event) Text() string {
	if e.IsNull() {
		return ""
	}
	var s string
	if err := json.Unmarshal(e.Payload, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(e.Payload))
}

// Int64 reads the payload as an integer, accepting numbers and numeric strings.
// Anything unparseable yields 0.
func (e Event) Int64() int64 {
	n, err := strconv.ParseFloat(strings.TrimSpace(e.Text()), 64)
	if err != nil {
		return 0
	}
	return int64(n)
}

// Bool reads the payload as a boolean; null yields def.
func (e Event) Bool(def bool) bool {
	if e.IsNull() {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(e.Text()))
	if err != nil {
		return false
	}
	return b
}
