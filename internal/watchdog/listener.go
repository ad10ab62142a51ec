package watchdog

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/p-blackswan/session-watchdog/internal/event"
)

// ProgressSeparator splits a shutdown progress payload into seconds and message.
const ProgressSeparator = "^"

// listen subscribes to the shutdown and lock topics. The shutdown
// subscription also receives its START and ABORT subtopics. Events addressed
// to another session are ignored.
func (w *Watchdog) listen() func() {
	if w.bus == nil {
		return func() {}
	}
	unsubShutdown := w.bus.Subscribe(event.Topic(w.root, event.TopicShutdown), w.onEvent)
	unsubLock := w.bus.Subscribe(event.Topic(w.root, event.TopicLock), w.onEvent)
	return func() {
		unsubShutdown()
		unsubLock()
	}
}

func (w *Watchdog) onEvent(ev event.Event) {
	if !ev.AppliesTo(w.id) {
		return
	}
	ctx := context.Background()
	switch strings.TrimPrefix(ev.Topic, w.root+".") {
	case event.TopicShutdownStart:
		w.StartShutdown(ctx, time.Duration(ev.Int64())*time.Millisecond)
	case event.TopicShutdownAbort:
		w.AbortShutdown(ctx, ev.Text())
	case event.TopicShutdown:
		seconds, _ := ParseProgress(ev.Text())
		w.UpdateShutdown(ctx, time.Duration(seconds)*time.Second)
	case event.TopicLock:
		w.Lock(ctx, ev.Bool(true))
	}
}

// ParseProgress splits "seconds^message". Unparseable seconds yield 0.
func ParseProgress(data string) (seconds int64, message string) {
	head, tail, _ := strings.Cut(data, ProgressSeparator)
	n, err := strconv.ParseInt(strings.TrimSpace(head), 10, 64)
	if err != nil {
		n = 0
	}
	return n, tail
}

// ProgressPayload builds a payload for ParseProgress.
func ProgressPayload(seconds int64, message string) string {
	return strconv.FormatInt(seconds, 10) + ProgressSeparator + message
}
