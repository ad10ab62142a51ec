package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds how long history is kept.
type RetentionPolicy struct {
	EndedSessions time.Duration
	Events        time.Duration
	Audit         time.Duration
}

// DefaultRetention keeps ended sessions and their trail for 7 days and audit
// entries for 30.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		EndedSessions: 7 * 24 * time.Hour,
		Events:        7 * 24 * time.Hour,
		Audit:         30 * 24 * time.Hour,
	}
}

// RunRetention cleans up old data according to p.
func (s *Store) RunRetention(ctx context.Context, p RetentionPolicy) error {
	now := time.Now()

	if _, err := s.PurgeEnded(ctx, now.Add(-p.EndedSessions)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM session_events WHERE created_at < ?",
		now.Add(-p.Events).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete old session events: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"DELETE FROM audit_log WHERE created_at < ?",
		now.Add(-p.Audit).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete old audit logs: %w", err)
	}
	return nil
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
