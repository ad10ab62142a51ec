package event

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives events for a subscription.
type Handler func(Event)

// Bus is an in-process, topic-addressed publish/subscribe channel.
// A subscription to "A.B" also receives "A.B.C". Delivery is synchronous
// on the publisher's goroutine. It is safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[uint64]Handler
	nextID uint64
	logger zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:   make(map[string]map[uint64]Handler),
		logger: logger.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers h for topic and returns a func that removes it.
// The returned func is idempotent.
func (b *Bus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
			if len(b.subs[topic]) == 0 {
				delete(b.subs, topic)
			}
		})
	}
}

// Publish delivers ev to every matching subscriber and returns how many
// handlers ran. A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(ev Event) int {
	handlers := b.matching(ev.Topic)
	for _, h := range handlers {
		b.deliver(h, ev)
	}
	if len(handlers) > 0 {
		b.logger.Debug().
			Str("topic", ev.Topic).
			Str("target", ev.Target()).
			Int("subscribers", len(handlers)).
			Msg("event published")
	}
	return len(handlers)
}

func (b *Bus) matching(topic string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Handler
	for sub, hs := range b.subs {
		if sub != topic && !strings.HasPrefix(topic, sub+".") {
			continue
		}
		for _, h := range hs {
			out = append(out, h)
		}
	}
	return out
}

func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Interface("panic", r).
				Str("topic", ev.Topic).
				Msg("event handler panicked")
		}
	}()
	h(ev)
}
