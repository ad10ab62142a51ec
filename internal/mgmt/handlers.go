package mgmt

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/health"
	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/store"
	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

// Version is reported by the health detail endpoint.
var Version = "dev"

// SessionSource lists connected sessions. *gateway.Gateway satisfies it.
type SessionSource interface {
	Sessions() []watchdog.Status
	Session(id string) (watchdog.Status, bool)
}

// Publisher delivers administrative events to session watchdogs.
type Publisher interface {
	Publish(ev event.Event) int
}

// AuditStore persists and lists audit entries. *store.Store satisfies it.
type AuditStore interface {
	RecordAudit(ctx context.Context, e *store.AuditEntry) error
	ListAudit(ctx context.Context, limit int) ([]store.AuditEntry, error)
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	sessions  SessionSource
	bus       Publisher
	root      string
	checker   *health.Checker
	audit     AuditStore
	notifier  notify.Notifier
	logger    zerolog.Logger
	startTime time.Time
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(sessions SessionSource, bus Publisher, root string, checker *health.Checker, logger zerolog.Logger) *Handlers {
	if root == "" {
		root = event.DefaultRoot
	}
	return &Handlers{
		sessions:  sessions,
		bus:       bus,
		root:      root,
		checker:   checker,
		logger:    logger.With().Str("component", "handlers").Logger(),
		startTime: time.Now(),
	}
}

// SetAuditStore enables audit listing.
func (h *Handlers) SetAuditStore(a AuditStore) { h.audit = a }

// SetNotifier enables operator notices for shutdown start and abort.
func (h *Handlers) SetNotifier(n notify.Notifier) { h.notifier = n }

func (h *Handlers) publish(c *fiber.Ctx, sub string, payload interface{}, meta map[string]string) error {
	topic := event.Topic(h.root, sub)
	ev, err := event.NewEvent(topic, payload, meta)
	if err != nil {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_payload", "Bad Request", err.Error())
	}
	n := h.bus.Publish(ev)
	h.logger.Info().
		Str("topic", topic).
		Str("target", ev.Target()).
		Int("delivered", n).
		Msg("administrative event published")
	return c.Status(fiber.StatusAccepted).JSON(PublishResponse{Topic: topic, Delivered: n})
}

func (h *Handlers) notice(c *fiber.Ctx, title, message string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(c.UserContext(), notify.Notice{
		Level:   notify.LevelInfo,
		Title:   title,
		Message: message,
	}); err != nil {
		h.logger.Warn().Err(err).Str("title", title).Msg("notice failed")
	}
}

// bindOptional parses a JSON body when one was sent.
func bindOptional(c *fiber.Ctx, out interface{}) error {
	if len(c.Body()) == 0 {
		return nil
	}
	return c.BodyParser(out)
}

func badBody(c *fiber.Ctx, err error) error {
	return problemResponse(c, fiber.StatusBadRequest,
		"invalid_body", "Bad Request",
		"Invalid request body: "+err.Error())
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handlers) ListSessions(c *fiber.Ctx) error {
	list := h.sessions.Sessions()
	if list == nil {
		list = []watchdog.Status{}
	}
	if mode := c.Query("mode"); mode != "" {
		filtered := list[:0]
		for _, s := range list {
			if s.Mode == mode {
				filtered = append(filtered, s)
			}
		}
		list = filtered
	}
	return c.JSON(SessionListResponse{Sessions: list, Total: len(list)})
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handlers) GetSession(c *fiber.Ctx) error {
	id := c.Params("id")
	s, ok := h.sessions.Session(id)
	if !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+id)
	}
	return c.JSON(SessionResponse{Session: s})
}

// StartShutdown handles POST /api/v1/shutdown.
func (h *Handlers) StartShutdown(c *fiber.Ctx) error {
	var req ShutdownRequest
	if err := bindOptional(c, &req); err != nil {
		return badBody(c, err)
	}
	if req.DelayMS < 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_delay", "Bad Request",
			"delay_ms must not be negative")
	}
	h.notice(c, "Shutdown started", fmt.Sprintf("Sessions will close in %s.",
		watchdog.FormatDuration(time.Duration(req.DelayMS)*time.Millisecond)))
	return h.publish(c, event.TopicShutdownStart, req.DelayMS, nil)
}

// AbortShutdown handles DELETE /api/v1/shutdown.
func (h *Handlers) AbortShutdown(c *fiber.Ctx) error {
	var req AbortRequest
	if err := bindOptional(c, &req); err != nil {
		return badBody(c, err)
	}
	var payload interface{}
	if req.Message != "" {
		payload = req.Message
	}
	h.notice(c, "Shutdown aborted", req.Message)
	return h.publish(c, event.TopicShutdownAbort, payload, nil)
}

// ShutdownProgress handles POST /api/v1/shutdown/progress.
func (h *Handlers) ShutdownProgress(c *fiber.Ctx) error {
	var req ProgressRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c, err)
	}
	if req.Seconds < 0 {
		return problemResponse(c, fiber.StatusBadRequest,
			"invalid_seconds", "Bad Request",
			"seconds must not be negative")
	}
	return h.publish(c, event.TopicShutdown, watchdog.ProgressPayload(req.Seconds, req.Message), nil)
}

// LockAll handles POST /api/v1/lock.
func (h *Handlers) LockAll(c *fiber.Ctx) error {
	var req LockRequest
	if err := bindOptional(c, &req); err != nil {
		return badBody(c, err)
	}
	return h.publish(c, event.TopicLock, req.locked(), nil)
}

// LockSession handles POST /api/v1/sessions/:id/lock.
func (h *Handlers) LockSession(c *fiber.Ctx) error {
	id := c.Params("id")
	if _, ok := h.sessions.Session(id); !ok {
		return problemResponse(c, fiber.StatusNotFound,
			"session_not_found", "Not Found",
			"Session not found: "+id)
	}
	var req LockRequest
	if err := bindOptional(c, &req); err != nil {
		return badBody(c, err)
	}
	return h.publish(c, event.TopicLock, req.locked(), event.Targeted(id))
}

// ListAudit handles GET /api/v1/audit.
func (h *Handlers) ListAudit(c *fiber.Ctx) error {
	if h.audit == nil {
		return problemResponse(c, fiber.StatusNotImplemented,
			"audit_disabled", "Not Implemented",
			"Persistence is disabled")
	}
	entries, err := h.audit.ListAudit(c.UserContext(), c.QueryInt("limit", 50))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return c.JSON(AuditListResponse{Entries: entries})
}

// HealthDetail handles GET /api/v1/health.
func (h *Handlers) HealthDetail(c *fiber.Ctx) error {
	rep := h.checker.Report(c.UserContext())

	checks := make(map[string]string, len(rep.Checks))
	for name, status := range rep.Checks {
		checks[name] = string(status)
	}

	return c.JSON(HealthDetailResponse{
		Status:   rep.Status,
		Checks:   checks,
		Sessions: len(h.sessions.Sessions()),
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		Version:  Version,
	})
}

// Liveness handles GET /healthz.
func (h *Handlers) Liveness(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Readiness handles GET /readyz.
func (h *Handlers) Readiness(c *fiber.Ctx) error {
	rep := h.checker.Report(c.UserContext())
	if !rep.Ready() {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": rep.Status,
		})
	}
	return c.JSON(fiber.Map{"status": rep.Status})
}
