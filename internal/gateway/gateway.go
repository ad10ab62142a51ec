// Package gateway is the session transport. Each websocket connection is one
// UI session: it gets an execution context, a surface that renders frames,
// a security service, a registry entry and its own watchdog.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/registry"
	"github.com/p-blackswan/session-watchdog/internal/security"
	"github.com/p-blackswan/session-watchdog/internal/uictx"
	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 64 << 10
)

// Config holds per-session watchdog settings and transport tuning.
type Config struct {
	Modes              watchdog.ModeTable
	MaxInactivity      time.Duration
	CountdownInterval  time.Duration
	ShutdownDelay      time.Duration
	UnavailableLimit   int
	AutoLockExclusions []string
	EventRoot          string
	Messages           watchdog.Messages
	QueueSize          int
	// MaxSessions caps concurrent sessions; zero is unlimited.
	MaxSessions int

	PingInterval    time.Duration
	WriteTimeout    time.Duration
	IgnoredCommands []string
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string
}

// EventRecorder persists per-session lifecycle events. *store.Store satisfies it.
type EventRecorder interface {
	RecordEvent(ctx context.Context, sessionID, kind, detail string) error
}

// Deps are the shared collaborators. Registry and Bus are required.
type Deps struct {
	Registry *registry.Registry
	Bus      *event.Bus
	Users    *security.Directory
	Metrics  watchdog.Recorder
	Notifier notify.Notifier
	Events   EventRecorder
}

// Gateway accepts session connections.
type Gateway struct {
	cfg      Config
	deps     Deps
	ignored  map[string]bool
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a gateway.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Gateway, error) {
	if deps.Registry == nil || deps.Bus == nil {
		return nil, fmt.Errorf("gateway: registry and bus are required: %w", werrors.ErrInvalidInput)
	}
	if cfg.EventRoot == "" {
		cfg.EventRoot = event.DefaultRoot
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.IgnoredCommands == nil {
		cfg.IgnoredCommands = DefaultIgnoredCommands
	}
	ignored := make(map[string]bool, len(cfg.IgnoredCommands))
	for _, c := range cfg.IgnoredCommands {
		ignored[c] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cfg:      cfg,
		deps:     deps,
		ignored:  ignored,
		logger:   logger.With().Str("component", "gateway").Logger(),
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     g.checkOrigin,
	}
	return g, nil
}

func (g *Gateway) checkOrigin(r *http.Request) bool {
	if len(g.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, o := range g.cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades /ws?session=&app=&user=&parent= and serves the session
// until the connection closes.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user, err := g.deps.Users.Resolve(q.Get("user"))
	if err != nil {
		g.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("session rejected")
		http.Error(w, "unknown user", http.StatusForbidden)
		return
	}
	if max := g.cfg.MaxSessions; max > 0 && g.Count() >= max {
		http.Error(w, "too many sessions", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimSpace(q.Get("session"))
	if id == "" {
		id = uuid.NewString()
	}
	if _, live := g.deps.Registry.Get(id); live {
		http.Error(w, "session already connected", http.StatusConflict)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s, err := g.open(conn, id, user, strings.TrimSpace(q.Get("app")), strings.TrimSpace(q.Get("parent")))
	if err != nil {
		g.logger.Warn().Err(err).Str("session_id", id).Msg("failed to open session")
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session rejected"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()
	s.serve()
}

func (g *Gateway) open(conn *websocket.Conn, id string, user security.User, app, parent string) (*session, error) {
	ctx, cancel := context.WithCancel(g.baseCtx)
	logger := g.logger.With().Str("session_id", id).Str("app", app).Logger()

	s := &session{
		id:     id,
		app:    app,
		parent: parent,
		user:   user,
		conn:   conn,
		gw:     g,
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	s.exec = uictx.New(id, g.cfg.QueueSize, logger)
	s.surface = &wsSurface{session: id, conn: conn, writeTimeout: g.cfg.WriteTimeout}
	s.sec = security.NewService(user, s.onLogout, logger)

	wd, err := watchdog.New(watchdog.Options{
		SessionID:            id,
		App:                  app,
		Modes:                g.cfg.Modes,
		MaxInactivity:        g.cfg.MaxInactivity,
		CountdownInterval:    g.cfg.CountdownInterval,
		DefaultShutdownDelay: g.cfg.ShutdownDelay,
		UnavailableLimit:     g.cfg.UnavailableLimit,
		AutoLockExclusions:   g.cfg.AutoLockExclusions,
		EventRoot:            g.cfg.EventRoot,
		Messages:             g.cfg.Messages,
		UI:                   s.exec,
		Surface:              s.surface,
		Security:             s.sec,
		Registry:             g.deps.Registry,
		Spawned:              g.deps.Registry,
		Bus:                  g.deps.Bus,
		Notifier:             g.deps.Notifier,
		Metrics:              g.deps.Metrics,
		KeepAlive:            func() { g.deps.Registry.Touch(id) },
		Logger:               logger,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	s.wd = wd

	err = g.deps.Registry.Register(ctx, registry.Session{
		ID:       id,
		ParentID: parent,
		App:      app,
		UserID:   user.Name,
	}, s.teardown)
	if err != nil {
		cancel()
		return nil, err
	}

	s.exec.Start(ctx)
	s.unsubscribe = g.deps.Bus.Subscribe(event.Topic(g.cfg.EventRoot, event.TopicMessage), s.onMessage)

	g.mu.Lock()
	g.sessions[id] = s
	g.mu.Unlock()

	s.record("connected", user.Name)
	logger.Info().Str("user", user.Name).Str("parent_id", parent).Msg("session connected")
	return s, nil
}

func (g *Gateway) remove(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	g.mu.Unlock()
}

func (g *Gateway) get(id string) (*session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[id]
	return s, ok
}

// Sessions returns the status of every connected session, ordered by ID.
func (g *Gateway) Sessions() []watchdog.Status {
	g.mu.RLock()
	out := make([]watchdog.Status, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s.wd.Status())
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Session returns the status of one connected session.
func (g *Gateway) Session(id string) (watchdog.Status, bool) {
	s, ok := g.get(id)
	if !ok {
		return watchdog.Status{}, false
	}
	return s.wd.Status(), true
}

// Disconnect ends a session with the given reason.
func (g *Gateway) Disconnect(ctx context.Context, id, reason string) error {
	s, ok := g.get(id)
	if !ok {
		return werrors.Wrap(id, "disconnect", werrors.ErrNotFound)
	}
	s.end(ctx, reason)
	return nil
}

// Count returns the number of connected sessions.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.sessions)
}

// Close ends every session and waits for their handlers to return.
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.RLock()
	open := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		open = append(open, s)
	}
	g.mu.RUnlock()

	for _, s := range open {
		s.end(ctx, registry.ReasonClosed)
	}
	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: close: %w", ctx.Err())
	}
}
