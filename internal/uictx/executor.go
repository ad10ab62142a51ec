// Package uictx implements the single-threaded UI execution context that owns
// a session's visible state. Work is queued to one consumer goroutine; code
// already running on that goroutine can detect it and run inline instead.
package uictx

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
)

// DefaultQueueSize bounds pending tasks per session.
const DefaultQueueSize = 64

// Task is a unit of work run on the executor goroutine. The context passed in
// identifies the executor (see InContext).
type Task = func(ctx context.Context)

type ctxKey struct{}

// Executor is a session-scoped, single-consumer task queue.
type Executor struct {
	id     string
	queue  chan Task
	logger zerolog.Logger

	alive    atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	flagMu sync.Mutex
	flags  map[string]struct{}
}

// New creates an executor for sessionID. Call Start to begin consuming.
func New(sessionID string, queueSize int, logger zerolog.Logger) *Executor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Executor{
		id:     sessionID,
		queue:  make(chan Task, queueSize),
		logger: logger.With().Str("component", "uictx").Str("session_id", sessionID).Logger(),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		flags:  make(map[string]struct{}),
	}
}

// Start launches the consumer goroutine. It returns immediately; the executor
// detaches when ctx is cancelled or Detach is called.
func (e *Executor) Start(ctx context.Context) {
	e.alive.Store(true)
	go e.run(ctx)
}

// ID returns the owning session ID.
func (e *Executor) ID() string { return e.id }

// IsAlive reports whether the executor still accepts work.
func (e *Executor) IsAlive() bool { return e.alive.Load() }

// InContext reports whether ctx belongs to a task running on this executor.
func (e *Executor) InContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(ctxKey{}).(*Executor)
	return owner == e
}

// Schedule queues t without blocking. It fails with ErrUnavailable when the
// executor is detached or its queue is full.
func (e *Executor) Schedule(t Task) error {
	if !e.IsAlive() {
		return fmt.Errorf("schedule on %s: detached: %w", e.id, werrors.ErrUnavailable)
	}
	select {
	case e.queue <- t:
		return nil
	default:
		return fmt.Errorf("schedule on %s: queue full: %w", e.id, werrors.ErrUnavailable)
	}
}

// Detach stops accepting work. Queued tasks are dropped. Idempotent.
func (e *Executor) Detach() {
	e.stopOnce.Do(func() {
		e.alive.Store(false)
		close(e.stopCh)
	})
}

// Done is closed once the consumer goroutine has exited.
func (e *Executor) Done() <-chan struct{} { return e.done }

// Mark records key as a per-session flag and reports whether it was newly
// set. Flags are never cleared.
func (e *Executor) Mark(key string) bool {
	e.flagMu.Lock()
	defer e.flagMu.Unlock()
	if _, ok := e.flags[key]; ok {
		return false
	}
	e.flags[key] = struct{}{}
	return true
}

func (e *Executor) run(ctx context.Context) {
	defer close(e.done)
	defer e.Detach()

	taskCtx := context.WithValue(ctx, ctxKey{}, e)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case t := <-e.queue:
			e.exec(taskCtx, t)
		}
	}
}

func (e *Executor) exec(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Msg("ui task panicked")
		}
	}()
	t(ctx)
}
