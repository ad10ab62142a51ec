// Package notify tells operators about session lifecycle events that nobody
// is watching for in a UI: sessions presumed dead, forced logouts, shutdown
// broadcasts.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Level describes the urgency of a notice.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Notice is a single operator notification.
type Notice struct {
	Level     Level
	Title     string
	Message   string
	SessionID string
	Err       error
}

// Notifier delivers notices.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi fans out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notice) error {
	var errs []error
	for _, nt := range m {
		if nt == nil {
			continue
		}
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes notices to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify").Logger()}
}

func (l *LogNotifier) Notify(_ context.Context, n Notice) error {
	ev := l.logger.Info()
	switch n.Level {
	case LevelWarning:
		ev = l.logger.Warn()
	case LevelCritical:
		ev = l.logger.Error()
	}
	ev.Str("title", n.Title).
		Str("session_id", n.SessionID).
		AnErr("cause", n.Err).
		Msg(n.Message)
	return nil
}

// SlackPoster is the subset of *slack.Client used for notices.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts notices to a channel.
type SlackNotifier struct {
	client  SlackPoster
	channel string
	logger  zerolog.Logger
}

// NewSlackNotifier creates a notifier backed by a bot token.
func NewSlackNotifier(botToken, channel string, logger zerolog.Logger) *SlackNotifier {
	return NewSlackNotifierWithClient(slack.New(botToken), channel, logger)
}

// NewSlackNotifierWithClient creates a notifier with an injected client (for testing).
func NewSlackNotifierWithClient(client SlackPoster, channel string, logger zerolog.Logger) *SlackNotifier {
	return &SlackNotifier{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "notify.slack").Logger(),
	}
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Summary(n), false),
		slack.MsgOptionBlocks(Blocks(n)...),
	)
	if err != nil {
		return fmt.Errorf("notify slack: %w", err)
	}
	s.logger.Debug().Str("channel", s.channel).Str("ts", ts).Str("title", n.Title).Msg("notice posted")
	return nil
}

// Summary is the plain-text fallback for a notice.
func Summary(n Notice) string {
	s := fmt.Sprintf("%s [%s] %s", levelEmoji(n.Level), n.Level, n.Title)
	if n.Message != "" {
		s += ": " + n.Message
	}
	return s
}

// Blocks renders a notice as Slack blocks.
func Blocks(n Notice) []slack.Block {
	blocks := []slack.Block{
		slack.NewHeaderBlock(
			slack.NewTextBlockObject("plain_text", levelEmoji(n.Level)+" "+n.Title, false, false),
		),
	}
	if n.Message != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", n.Message, false, false), nil, nil,
		))
	}
	var ctxElems []slack.MixedElement
	if n.SessionID != "" {
		ctxElems = append(ctxElems, slack.NewTextBlockObject("mrkdwn", "*Session:* `"+n.SessionID+"`", false, false))
	}
	if n.Err != nil {
		ctxElems = append(ctxElems, slack.NewTextBlockObject("mrkdwn", "*Error:* "+n.Err.Error(), false, false))
	}
	if len(ctxElems) > 0 {
		blocks = append(blocks, slack.NewContextBlock("", ctxElems...))
	}
	return blocks
}

func levelEmoji(l Level) string {
	switch l {
	case LevelCritical:
		return "🚨"
	case LevelWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}
