// Package registry tracks live sessions and their spawn relationships.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
	"github.com/p-blackswan/session-watchdog/internal/event"
	"github.com/p-blackswan/session-watchdog/internal/lru"
	"github.com/p-blackswan/session-watchdog/internal/store"
)

// End reasons recorded by the registry.
const (
	ReasonDeregistered = "deregistered"
	ReasonDead         = "dead"
	ReasonClosed       = "closed"
	ReasonLogout       = "logout"
)

// Session describes a registered session.
type Session struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	App       string    `json:"app,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	LastSeen  time.Time `json:"last_seen"`
}

// Store persists session records.
type Store interface {
	SaveSession(ctx context.Context, s *store.Session) error
	EndSession(ctx context.Context, id, reason string) error
}

// Publisher delivers administrative events.
type Publisher interface {
	Publish(ev event.Event) int
}

// Gauge receives the number of registered sessions.
type Gauge interface {
	SetActiveSessions(n int)
}

type entry struct {
	Session
	onEnd func(reason string)
}

// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	ended    *lru.Cache[string, string]

	store  Store
	bus    Publisher
	root   string
	gauge  Gauge
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists registrations and endings.
func WithStore(s Store) Option { return func(r *Registry) { r.store = s } }

// WithBus enables lock fan-out to spawned sessions over the event bus.
func WithBus(bus Publisher, root string) Option {
	return func(r *Registry) {
		r.bus = bus
		if root != "" {
			r.root = root
		}
	}
}

// WithGauge reports the session count after every change.
func WithGauge(g Gauge) Option { return func(r *Registry) { r.gauge = g } }

// WithTombstones sizes the memory of recently ended IDs.
func WithTombstones(capacity int, ttl time.Duration) Option {
	return func(r *Registry) {
		r.ended = lru.New[string, string](capacity, lru.WithTTL[string, string](ttl))
	}
}

// New creates an empty Registry.
func New(logger zerolog.Logger, opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[string]*entry),
		ended:    lru.New[string, string](4096, lru.WithTTL[string, string](time.Hour)),
		root:     event.DefaultRoot,
		now:      time.Now,
		logger:   logger.With().Str("component", "registry").Logger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds s. onEnd, if set, runs once when the session is removed.
// Registering an ID that is already live fails with ErrInvalidInput.
func (r *Registry) Register(ctx context.Context, s Session, onEnd func(reason string)) error {
	if s.ID == "" {
		return fmt.Errorf("registry: empty session id: %w", werrors.ErrInvalidInput)
	}
	now := r.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastSeen = now

	r.mu.Lock()
	if _, exists := r.sessions[s.ID]; exists {
		r.mu.Unlock()
		return werrors.Wrap(s.ID, "register", fmt.Errorf("already registered: %w", werrors.ErrInvalidInput))
	}
	r.sessions[s.ID] = &entry{Session: s, onEnd: onEnd}
	r.ended.Delete(s.ID)
	n := len(r.sessions)
	r.mu.Unlock()

	r.report(n)
	if r.store != nil {
		err := r.store.SaveSession(ctx, &store.Session{
			ID:        s.ID,
			ParentID:  s.ParentID,
			App:       s.App,
			UserID:    s.UserID,
			CreatedAt: s.CreatedAt.UnixMilli(),
			LastSeen:  s.LastSeen.UnixMilli(),
		})
		if err != nil {
			r.logger.Warn().Err(err).Str("session_id", s.ID).Msg("failed to persist session")
		}
	}
	r.logger.Info().
		Str("session_id", s.ID).
		Str("parent_id", s.ParentID).
		Str("app", s.App).
		Msg("session registered")
	return nil
}

// Deregister removes a session presumed dead.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	return r.End(ctx, id, ReasonDead)
}

// End removes a session exactly once. Ending an ID that already ended (or
// was never registered) returns an error wrapping ErrNotFound. A store
// failure leaves the session registered so the call can be retried.
func (r *Registry) End(ctx context.Context, id, reason string) error {
	r.mu.RLock()
	_, live := r.sessions[id]
	r.mu.RUnlock()
	if !live {
		if prev, ok := r.ended.Peek(id); ok {
			return werrors.Wrap(id, "end", fmt.Errorf("already ended (%s): %w", prev, werrors.ErrNotFound))
		}
		return werrors.Wrap(id, "end", werrors.ErrNotFound)
	}

	if r.store != nil {
		if err := r.store.EndSession(ctx, id, reason); err != nil && !werrors.Is(err, werrors.ErrNotFound) {
			return werrors.Wrap(id, "end", err)
		}
	}

	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return werrors.Wrap(id, "end", werrors.ErrNotFound)
	}
	delete(r.sessions, id)
	r.ended.Put(id, reason)
	n := len(r.sessions)
	r.mu.Unlock()

	r.report(n)
	r.logger.Info().Str("session_id", id).Str("reason", reason).Msg("session ended")
	if e.onEnd != nil {
		e.onEnd(reason)
	}
	return nil
}

// Ended reports whether id ended recently, and why.
func (r *Registry) Ended(id string) (string, bool) {
	return r.ended.Peek(id)
}

// Touch records that a session is still active.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.LastSeen = r.now()
	}
}

// Get returns a copy of a live session.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.Session, true
}

// List returns live sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.Session)
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// Children returns the live sessions spawned from parentID.
func (r *Registry) Children(parentID string) []Session {
	r.mu.RLock()
	var out []Session
	for _, e := range r.sessions {
		if parentID != "" && e.ParentID == parentID {
			out = append(out, e.Session)
		}
	}
	r.mu.RUnlock()
	sortSessions(out)
	return out
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SendToSpawned publishes a targeted lock event to every child of parentID
// and returns how many children were addressed.
func (r *Registry) SendToSpawned(_ context.Context, parentID string, locked bool) int {
	children := r.Children(parentID)
	if r.bus == nil {
		return 0
	}
	topic := event.Topic(r.root, event.TopicLock)
	for _, c := range children {
		ev, err := event.NewEvent(topic, locked, event.Targeted(c.ID))
		if err != nil {
			r.logger.Error().Err(err).Str("session_id", c.ID).Msg("failed to build lock event")
			continue
		}
		r.bus.Publish(ev)
	}
	return len(children)
}

func (r *Registry) report(n int) {
	if r.gauge != nil {
		r.gauge.SetActiveSessions(n)
	}
}

func sortSessions(s []Session) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].CreatedAt.Equal(s[j].CreatedAt) {
			return s[i].ID < s[j].ID
		}
		return s[i].CreatedAt.Before(s[j].CreatedAt)
	})
}
