package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/session-watchdog/internal/notify"
	"github.com/p-blackswan/session-watchdog/internal/store"
)

// ReasonStale is the end reason written for orphaned rows.
const ReasonStale = "stale"

// SessionDB abstracts the persisted session table for cleanup.
type SessionDB interface {
	ListActiveSessions(ctx context.Context) ([]*store.Session, error)
	EndSession(ctx context.Context, id, reason string) error
	RunRetention(ctx context.Context, p store.RetentionPolicy) error
	DBSizeBytes() (int64, error)
	RecordAudit(ctx context.Context, e *store.AuditEntry) error
}

// LiveFunc reports whether a session is owned by a running watchdog.
type LiveFunc func(id string) bool

// Cleaner ends orphaned session rows and applies history retention.
type Cleaner struct {
	cfg      CleanupConfig
	db       SessionDB
	live     LiveFunc
	notifier notify.Notifier
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCleaner creates a new Cleaner. notifier may be nil.
func NewCleaner(cfg CleanupConfig, db SessionDB, live LiveFunc, notifier notify.Notifier, logger zerolog.Logger) *Cleaner {
	return &Cleaner{
		cfg:      cfg,
		db:       db,
		live:     live,
		notifier: notifier,
		now:      time.Now,
		logger:   logger.With().Str("component", "cleanup").Logger(),
	}
}

// FindStaleSessions returns active rows with no live owner whose last_seen is
// older than StaleAfter.
func (c *Cleaner) FindStaleSessions(ctx context.Context) ([]StaleSession, error) {
	rows, err := c.db.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	cutoff := c.now().Add(-c.cfg.StaleAfter).UnixMilli()
	var result []StaleSession
	for _, s := range rows {
		if s.LastSeen >= cutoff {
			continue
		}
		if c.live != nil && c.live(s.ID) {
			continue
		}
		result = append(result, StaleSession{SessionID: s.ID, UserID: s.UserID, LastSeen: s.LastSeen})
	}
	return result, nil
}

// CloseStaleSessions ends every stale row and returns how many were closed.
func (c *Cleaner) CloseStaleSessions(ctx context.Context) (int, error) {
	sessions, err := c.FindStaleSessions(ctx)
	if err != nil {
		return 0, err
	}
	if len(sessions) == 0 {
		c.logger.Debug().Msg("no stale sessions found")
		return 0, nil
	}

	closed := 0
	for _, s := range sessions {
		select {
		case <-ctx.Done():
			return closed, ctx.Err()
		default:
		}

		if err := c.db.EndSession(ctx, s.SessionID, ReasonStale); err != nil {
			c.logger.Warn().Err(err).Str("session", s.SessionID).Msg("failed to end stale session")
			continue
		}
		closed++

		_ = c.db.RecordAudit(ctx, &store.AuditEntry{
			UserID:   "system",
			Action:   "session_cleanup",
			Resource: s.SessionID,
			Result:   ReasonStale,
			Details:  fmt.Sprintf("user=%s last_seen=%d", s.UserID, s.LastSeen),
		})
		c.logger.Info().Str("session", s.SessionID).Msg("stale session closed")
	}

	if closed > 0 && c.notifier != nil {
		_ = c.notifier.Notify(ctx, notify.Notice{
			Level:   notify.LevelInfo,
			Title:   "Stale sessions closed",
			Message: fmt.Sprintf("%d orphaned session(s) ended", closed),
		})
	}
	return closed, nil
}

// RunOnce closes stale sessions and then applies retention.
func (c *Cleaner) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	n, err := c.CloseStaleSessions(ctx)
	rep.Closed = n
	if err != nil {
		return rep, err
	}
	if err := c.db.RunRetention(ctx, c.cfg.Retention); err != nil {
		return rep, fmt.Errorf("retention: %w", err)
	}
	if size, err := c.db.DBSizeBytes(); err == nil {
		rep.DBBytes = size
	}
	return rep, nil
}

// Run calls RunOnce every CheckInterval until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	interval := c.cfg.CheckInterval
	if interval <= 0 {
		interval = DefaultConfig().CheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep, err := c.RunOnce(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("cleanup pass failed")
				continue
			}
			c.logger.Debug().Int("closed", rep.Closed).Int64("bytes", rep.DBBytes).Msg("cleanup complete")
		}
	}
}
