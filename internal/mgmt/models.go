package mgmt

import (
	"github.com/p-blackswan/session-watchdog/internal/store"
	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

// ShutdownRequest is the body for POST /api/v1/shutdown. A zero delay
// selects each session's default.
type ShutdownRequest struct {
	DelayMS int64 `json:"delay_ms"`
}

// AbortRequest is the body for DELETE /api/v1/shutdown.
type AbortRequest struct {
	Message string `json:"message"`
}

// ProgressRequest is the body for POST /api/v1/shutdown/progress.
type ProgressRequest struct {
	Seconds int64  `json:"seconds"`
	Message string `json:"message"`
}

// LockRequest is the body for the lock endpoints. A missing lock field locks.
type LockRequest struct {
	Lock *bool `json:"lock"`
}

func (r LockRequest) locked() bool {
	return r.Lock == nil || *r.Lock
}

// PublishResponse reports how many subscribers received an event.
type PublishResponse struct {
	Topic     string `json:"topic"`
	Delivered int    `json:"delivered"`
}

// SessionListResponse is the response for GET /api/v1/sessions.
type SessionListResponse struct {
	Sessions []watchdog.Status `json:"sessions"`
	Total    int               `json:"total"`
}

// SessionResponse is the response for GET /api/v1/sessions/:id.
type SessionResponse struct {
	Session watchdog.Status `json:"session"`
}

// AuditListResponse is the response for GET /api/v1/audit.
type AuditListResponse struct {
	Entries []store.AuditEntry `json:"entries"`
}

// HealthDetailResponse is the response for GET /api/v1/health.
type HealthDetailResponse struct {
	Status   string            `json:"status"`
	Checks   map[string]string `json:"checks"`
	Sessions int               `json:"sessions"`
	Uptime   string            `json:"uptime"`
	Version  string            `json:"version"`
}

// ProblemDetail follows RFC 7807 for error responses.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}
