package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/p-blackswan/session-watchdog/internal/watchdog"
)

// frameWriter is the part of *websocket.Conn the surface needs.
type frameWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteJSON(v interface{}) error
}

// wsSurface renders watchdog output as websocket frames. It is only used
// from the session's executor goroutine, which makes it the connection's
// single writer.
type wsSurface struct {
	session      string
	conn         frameWriter
	writeTimeout time.Duration
}

var _ watchdog.Surface = (*wsSurface)(nil)

func (s *wsSurface) send(kind string, payload interface{}) error {
	out, err := newOutbound(kind, s.session, payload)
	if err != nil {
		return fmt.Errorf("gateway: encode %s frame: %w", kind, err)
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteJSON(out); err != nil {
		return fmt.Errorf("gateway: write %s frame: %w", kind, err)
	}
	return nil
}

func (s *wsSurface) ShowCountdown(_ context.Context, v watchdog.CountdownView) error {
	return s.send(FrameCountdown, v)
}

func (s *wsSurface) ShowMode(_ context.Context, v watchdog.ModeView) error {
	return s.send(FrameMode, v)
}

func (s *wsSurface) ShowInfo(_ context.Context, message string) error {
	return s.send(FrameInfo, infoPayload{Message: message})
}

func (s *wsSurface) Hide(context.Context) error {
	return s.send(FrameHide, nil)
}

// closeFrame builds a normal-closure control message.
func closeFrame(text string) []byte {
	return websocket.FormatCloseMessage(websocket.CloseNormalClosure, text)
}
