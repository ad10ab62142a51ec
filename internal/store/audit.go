package store

import (
	"context"
	"fmt"
	"time"
)

// AuditEntry records one administrative request.
type AuditEntry struct {
	ID        int64  `json:"id"`
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource,omitempty"`
	Result    string `json:"result"`
	Details   string `json:"details,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// RecordAudit appends an audit entry.
func (s *Store) RecordAudit(ctx context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().UnixMilli()
	}
	res, err := s.db.ExecContext(ctx, `
	INSERT INTO audit_log (user_id, action, resource, result, details, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`,
		e.UserID, e.Action, nullString(e.Resource), e.Result, nullString(e.Details), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record audit: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// ListAudit returns the most recent entries, newest first.
func (s *Store) ListAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
	SELECT id, user_id, action, COALESCE(resource, ''), result, COALESCE(details, ''), created_at
	FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Action, &e.Resource, &e.Result, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
