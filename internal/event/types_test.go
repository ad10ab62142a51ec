package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent_Fields(t *testing.T) {
	before := time.Now().UTC()
	ev, err := NewEvent(Topic("", TopicShutdownStart), 60000, Targeted("s-1"))
	after := time.Now().UTC()

	require.NoError(t, err)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "DESKTOP.SHUTDOWN.START", ev.Topic)
	assert.Equal(t, "s-1", ev.Target())
	assert.True(t, !ev.Timestamp.Before(before) && !ev.Timestamp.After(after))
}

func TestEvent_AppliesTo(t *testing.T) {
	broadcast, _ := NewEvent("X.LOCK", true, nil)
	assert.True(t, broadcast.AppliesTo("any"))

	targeted, _ := NewEvent("X.LOCK", true, Targeted("a"))
	assert.True(t, targeted.AppliesTo("a"))
	assert.False(t, targeted.AppliesTo("b"))
}

func TestEvent_Int64(t *testing.T) {
	cases := map[string]int64{
		`60000`:   60000,
		`"1500"`:  1500,
		`12.9`:    12,
		`"abc"`:   0,
		`null`:    0,
		``:        0,
		`"  42 "`: 42,
	}
	for raw, want := range cases {
		ev := Event{Payload: json.RawMessage(raw)}
		assert.Equal(t, want, ev.Int64(), "payload %q", raw)
	}
}

func TestEvent_Bool(t *testing.T) {
	assert.True(t, Event{Payload: json.RawMessage(`null`)}.Bool(true))
	assert.True(t, Event{}.Bool(true))
	assert.True(t, Event{Payload: json.RawMessage(`true`)}.Bool(false))
	assert.True(t, Event{Payload: json.RawMessage(`"true"`)}.Bool(false))
	assert.False(t, Event{Payload: json.RawMessage(`false`)}.Bool(true))
	assert.False(t, Event{Payload: json.RawMessage(`"nope"`)}.Bool(true))
}

func TestEvent_Text(t *testing.T) {
	assert.Equal(t, "bye", Event{Payload: json.RawMessage(`"bye"`)}.Text())
	assert.Equal(t, "30^going down", Event{Payload: json.RawMessage(`"30^going down"`)}.Text())
	assert.Equal(t, "15", Event{Payload: json.RawMessage(`15`)}.Text())
	assert.Equal(t, "", Event{Payload: json.RawMessage(`null`)}.Text())
}

func TestEventID_Unique(t *testing.T) {
	a, _ := NewEvent("T", nil, nil)
	b, _ := NewEvent("T", nil, nil)
	assert.NotEqual(t, a.ID, b.ID)
}
