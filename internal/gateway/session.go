package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/registry"
	"github.com/p-blackswan/session-watchdog/internal/security"
	"github.com/p-blackswan/session-watchdog/internal/uictx"
	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

// session is one connected UI. Frames are written only from exec; control
// frames (ping, close) may be written from any goroutine.
type session struct {
	id     string
	app    string
	parent string
	user   security.User

	conn    *websocket.Conn
	exec    *uictx.Executor
	surface *wsSurface
	sec     *security.Service
	wd      *watchdog.Watchdog
	gw      *Gateway

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	logger      zerolog.Logger

	teardownOnce sync.Once
}

// serve runs the watchdog and the read loop until either side ends.
func (s *session) serve() {
	_ = s.exec.Schedule(func(context.Context) {
		_ = s.surface.send(FrameWelcome, welcomePayload{
			User:        s.user.Name,
			App:         s.app,
			CanAutoLock: s.wd.CanAutoLock(),
		})
	})

	go func() {
		if err := s.wd.Run(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("watchdog did not start")
		}
		s.end(context.Background(), registry.ReasonClosed)
	}()
	go s.pingLoop()

	s.readLoop()
	s.end(context.Background(), registry.ReasonClosed)
	<-s.wd.Done()
}

// end removes the session from the registry, which tears it down through
// the registered hook. If the registry no longer knows the session the
// teardown runs directly.
func (s *session) end(ctx context.Context, reason string) {
	err := s.gw.deps.Registry.End(ctx, s.id, reason)
	switch {
	case err == nil:
	case werrors.Is(err, werrors.ErrNotFound):
		s.teardown(reason)
	default:
		s.logger.Warn().Err(err).Str("reason", reason).Msg("failed to end session")
		s.teardown(reason)
	}
}

// teardown releases the connection. It runs once, from whichever path ends
// the session first: disconnect, logout, dead-session reclaim or shutdown.
func (s *session) teardown(reason string) {
	s.teardownOnce.Do(func() {
		s.wd.Stop()
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		_ = s.conn.WriteControl(websocket.CloseMessage, closeFrame(reason), time.Now().Add(time.Second))
		s.conn.Close()
		s.exec.Detach()
		s.cancel()
		s.gw.remove(s.id)
		s.record("ended", reason)
		s.logger.Info().Str("reason", reason).Msg("session disconnected")
	})
}

func (s *session) readLoop() {
	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetPongHandler(func(string) error {
		s.wd.ResetActivity(false)
		return nil
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var f inbound
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Debug().Err(err).Msg("ignoring malformed frame")
			continue
		}
		s.handle(f)
	}
}

func (s *session) handle(f inbound) {
	switch f.Type {
	case FrameActivity:
		s.wd.ResetActivity(!s.gw.ignored[f.Command])
	case FrameHeartbeat:
		s.wd.ResetActivity(false)
	case FrameKeepOpen:
		s.wd.KeepOpen()
	case FrameUnlock:
		ok := s.wd.Unlock(s.ctx, f.Password)
		if !ok {
			s.record("unlock_rejected", "")
		}
		_ = s.exec.Schedule(func(context.Context) {
			_ = s.surface.send(FrameUnlockResult, unlockPayload{OK: ok})
		})
	case FrameLogout:
		s.wd.Logout(s.ctx)
	default:
		s.logger.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
	}
}

func (s *session) pingLoop() {
	ticker := time.NewTicker(s.gw.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.gw.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// onMessage shows administrative messages addressed to this session. It is
// the consumer of the watchdog's shutdown-abort broadcast.
func (s *session) onMessage(ev event.Event) {
	if !ev.AppliesTo(s.id) {
		return
	}
	text := ev.Text()
	if err := s.exec.Schedule(func(ctx context.Context) {
		_ = s.surface.ShowInfo(ctx, text)
	}); err != nil {
		s.logger.Debug().Err(err).Msg("dropping message")
	}
}

// flagLoggingOut marks a session whose logout frame has been sent.
const flagLoggingOut = "@logging_out"

// onLogout is the security service hook. The watchdog invokes it from the
// logout action, so it runs on exec and may write frames directly.
func (s *session) onLogout(req security.LogoutRequest) {
	if !s.exec.Mark(flagLoggingOut) {
		s.logger.Debug().Msg("logout already sent")
		return
	}
	_ = s.surface.send(FrameLoggedOut, logoutPayload{
		Reason:   req.Reason,
		Redirect: req.Redirect,
		Force:    req.Force,
	})
	s.record("logout", req.Reason)
	s.end(context.Background(), registry.ReasonLogout)
}

func (s *session) record(kind, detail string) {
	if s.gw.deps.Events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.gw.deps.Events.RecordEvent(ctx, s.id, kind, detail); err != nil {
		s.logger.Warn().Err(err).Str("kind", kind).Msg("failed to record session event")
	}
}
