package watchdog

import (
	"sync"
	"time"
)

// ActivityClock tracks when a session last did anything (lastActivity) and
// when it last did something that should postpone escalation (lastKeepAlive).
// It is safe for concurrent use.
type ActivityClock struct {
	mu            sync.Mutex
	lastActivity  time.Time
	lastKeepAlive time.Time
}

// NewActivityClock returns a clock with both timestamps at now.
func NewActivityClock(now time.Time) *ActivityClock {
	return &ActivityClock{lastActivity: now, lastKeepAlive: now}
}

// Reset advances lastActivity to now, and lastKeepAlive too when keepAlive is set.
func (c *ActivityClock) Reset(now time.Time, keepAlive bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = now
	if keepAlive {
		c.lastKeepAlive = now
	}
}

// Snapshot returns both timestamps read under one lock.
func (c *ActivityClock) Snapshot() (lastActivity, lastKeepAlive time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity, c.lastKeepAlive
}

// Since returns silence (now - lastActivity) and interval (now - lastKeepAlive).
func (c *ActivityClock) Since(now time.Time) (silence, interval time.Duration) {
	a, k := c.Snapshot()
	return now.Sub(a), now.Sub(k)
}
