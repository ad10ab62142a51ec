// Package mgmt is the administrative HTTP API: session listing, shutdown
// broadcast and remote lock, published to session watchdogs over the event bus.
package mgmt

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-watchdog/internal/requestid"
	"github.com/p-blackswan/session-watchdog/internal/store"
)

// ServerConfig holds configuration for the management API server.
type ServerConfig struct {
	ListenAddr  string
	AuthConfig  AuthConfig
	RateLimit   RateLimitConfig
	CORSOrigins string
	TLSCert     string
	TLSKey      string
}

// Server is the management API Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	config   ServerConfig
}

// NewServer creates and configures a new management API server. metrics may be nil.
func NewServer(cfg ServerConfig, handlers *Handlers, metrics http.Handler, logger zerolog.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "mgmt_server").Logger(),
		config:   cfg,
	}

	s.setupMiddleware(cfg, logger)
	s.setupRoutes(handlers, metrics)

	return s
}

func (s *Server) setupMiddleware(cfg ServerConfig, logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	// Request ID; an inbound X-Request-ID is kept.
	s.app.Use(func(c *fiber.Ctx) error {
		reqID := c.Get(requestid.Header)
		if reqID == "" {
			_, reqID = requestid.New(c.UserContext())
		}
		c.Set(requestid.Header, reqID)
		c.Locals("request_id", reqID)
		c.SetUserContext(requestid.WithRequestID(c.UserContext(), reqID))
		return c.Next()
	})

	if cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
			AllowMethods: "GET, POST, DELETE, OPTIONS",
		}))
	}

	if cfg.RateLimit.RPS > 0 {
		s.app.Use(NewRateLimitMiddleware(cfg.RateLimit))
	}

	s.app.Use(NewAuthMiddleware(cfg.AuthConfig, logger))

	s.app.Use(s.auditMiddleware)
}

// auditMiddleware logs every request and persists mutating ones.
func (s *Server) auditMiddleware(c *fiber.Ctx) error {
	path := c.Path()
	if isProbe(path) {
		return c.Next()
	}

	err := c.Next()

	status := c.Response().StatusCode()
	if err != nil {
		if fe, ok := err.(*fiber.Error); ok {
			status = fe.Code
		} else {
			status = fiber.StatusInternalServerError
		}
	}
	subject, _ := c.Locals("subject").(string)

	s.logger.Info().
		Str("method", c.Method()).
		Str("path", path).
		Str("ip", c.IP()).
		Str("subject", subject).
		Int("status", status).
		Str("request_id", fmt.Sprintf("%v", c.Locals("request_id"))).
		Msg("mgmt api request")

	if s.handlers.audit != nil && c.Method() != fiber.MethodGet && c.Method() != fiber.MethodOptions {
		entry := &store.AuditEntry{
			UserID:   subject,
			Action:   c.Method() + " " + c.Route().Path,
			Resource: c.Params("id"),
			Result:   strconv.Itoa(status),
			Details:  fmt.Sprintf("request_id=%v", c.Locals("request_id")),
		}
		if aerr := s.handlers.audit.RecordAudit(c.UserContext(), entry); aerr != nil {
			s.logger.Warn().Err(aerr).Msg("failed to record audit entry")
		}
	}
	return err
}

func (s *Server) setupRoutes(h *Handlers, metrics http.Handler) {
	// Probe endpoints skip auth in the auth middleware.
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)

	if metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(metrics))
	} else {
		s.app.Get("/metrics", func(c *fiber.Ctx) error {
			return c.SendString("# No metrics collector configured\n")
		})
	}

	v1 := s.app.Group("/api/v1")

	v1.Get("/sessions", h.ListSessions)
	v1.Get("/sessions/:id", h.GetSession)
	v1.Post("/sessions/:id/lock", requireRole(RoleOperator), h.LockSession)

	v1.Post("/shutdown", requireRole(RoleOperator), h.StartShutdown)
	v1.Delete("/shutdown", requireRole(RoleOperator), h.AbortShutdown)
	v1.Post("/shutdown/progress", requireRole(RoleOperator), h.ShutdownProgress)

	v1.Post("/lock", requireRole(RoleOperator), h.LockAll)

	v1.Get("/health", h.HealthDetail)
	v1.Get("/audit", requireRole(RoleAdmin), h.ListAudit)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start() error {
	addr := s.config.ListenAddr
	if addr == "" {
		addr = ":8090"
	}

	s.logger.Info().Str("addr", addr).Msg("management API server starting")

	if s.config.TLSCert != "" && s.config.TLSKey != "" {
		return s.app.ListenTLS(addr, s.config.TLSCert, s.config.TLSKey)
	}
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("management API server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		title := http.StatusText(code)
		errType := strings.ReplaceAll(strings.ToLower(title), " ", "_")
		// Don't leak internal details
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
			errType = "internal_error"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     errType,
			Title:    title,
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
