package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
)

// Session states.
const (
	SessionActive = "active"
	SessionEnded  = "ended"
)

// Session is a persisted session record. Times are unix milliseconds.
type Session struct {
	ID        string `json:"id"`
	ParentID  string `json:"parent_id,omitempty"`
	App       string `json:"app,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	State     string `json:"state"`
	CreatedAt int64  `json:"created_at"`
	LastSeen  int64  `json:"last_seen"`
	EndedAt   int64  `json:"ended_at,omitempty"`
	EndReason string `json:"end_reason,omitempty"`
}

// SessionEvent is one entry in a session's lifecycle trail.
type SessionEvent struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveSession inserts or replaces a session record.
func (s *Store) SaveSession(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.LastSeen == 0 {
		sess.LastSeen = now
	}
	if sess.State == "" {
		sess.State = SessionActive
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO sessions (
		id, parent_id, app, user_id, state, created_at, last_seen, ended_at, end_reason
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, nullString(sess.ParentID), sess.App, sess.UserID, sess.State,
		sess.CreatedAt, sess.LastSeen,
		sql.NullInt64{Int64: sess.EndedAt, Valid: sess.EndedAt != 0},
		nullString(sess.EndReason),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns a session by ID, or an error wrapping ErrNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, parent_id, app, user_id, state, created_at, last_seen, ended_at, end_reason
	FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, werrors.Wrap(id, "get session", werrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return sess, nil
}

// ListActiveSessions returns active sessions, newest first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
	SELECT id, parent_id, app, user_id, state, created_at, last_seen, ended_at, end_reason
	FROM sessions WHERE state = ? ORDER BY created_at DESC, id`, SessionActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// TouchSession updates last_seen for an active session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_seen = ? WHERE id = ? AND state = ?`,
		at.UnixMilli(), id, SessionActive)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	return nil
}

// EndSession marks an active session ended. Ending a session that is unknown
// or already ended returns an error wrapping ErrNotFound.
func (s *Store) EndSession(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ?, end_reason = ? WHERE id = ? AND state = ?`,
		SessionEnded, time.Now().UnixMilli(), nullString(reason), id, SessionActive)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}
	if n == 0 {
		return werrors.Wrap(id, "end session", werrors.ErrNotFound)
	}
	return nil
}

// EndAllSessions marks every active session ended. Used at startup to close
// records left behind by a previous process.
func (s *Store) EndAllSessions(ctx context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, ended_at = ?, end_reason = ? WHERE state = ?`,
		SessionEnded, time.Now().UnixMilli(), nullString(reason), SessionActive)
	if err != nil {
		return 0, fmt.Errorf("failed to end sessions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeEnded deletes sessions that ended before the cutoff.
func (s *Store) PurgeEnded(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE state = ? AND ended_at < ?`,
		SessionEnded, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// RecordEvent appends to a session's lifecycle trail.
func (s *Store) RecordEvent(ctx context.Context, sessionID, kind, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_events (session_id, kind, detail, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, kind, detail, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session event: %w", err)
	}
	return nil
}

// ListEvents returns a session's trail, oldest first.
func (s *Store) ListEvents(ctx context.Context, sessionID string) ([]SessionEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, detail, created_at FROM session_events
		WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list session events: %w", err)
	}
	defer rows.Close()

	var out []SessionEvent
	for rows.Next() {
		var e SessionEvent
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Kind, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (*Session, error) {
	var (
		sess      Session
		parentID  sql.NullString
		endedAt   sql.NullInt64
		endReason sql.NullString
	)
	err := r.Scan(&sess.ID, &parentID, &sess.App, &sess.UserID, &sess.State,
		&sess.CreatedAt, &sess.LastSeen, &endedAt, &endReason)
	if err != nil {
		return nil, err
	}
	sess.ParentID = parentID.String
	sess.EndedAt = endedAt.Int64
	sess.EndReason = endReason.String
	return &sess, nil
}
