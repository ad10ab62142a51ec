package cleanup

import (
	"time"

	"github.com/p-blackswan/session-watchdog/internal/store"
)

// CleanupConfig holds configuration for the persisted-session janitor.
type CleanupConfig struct {
	StaleAfter    time.Duration // default 15m
	CheckInterval time.Duration // default 1h
	Retention     store.RetentionPolicy
}

// DefaultConfig returns sane defaults.
func DefaultConfig() CleanupConfig {
	return CleanupConfig{
		StaleAfter:    15 * time.Minute,
		CheckInterval: 1 * time.Hour,
		Retention:     store.DefaultRetention(),
	}
}

// StaleSession is a persisted session that is active in the store but has
// no live owner in this process.
type StaleSession struct {
	SessionID string
	UserID    string
	LastSeen  int64 // Unix ms
}

// Report summarizes one cleanup pass.
type Report struct {
	Closed  int
	DBBytes int64
}
