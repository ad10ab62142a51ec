package uictx

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/p-blackswan/session-watchdog/internal/errors"
)

func startExecutor(t *testing.T, size int) *Executor {
	t.Helper()
	e := New("s-1", size, zerolog.Nop())
	e.Start(t.Context())
	t.Cleanup(e.Detach)
	return e
}

func TestExecutor_RunsScheduledTasksInOrder(t *testing.T) {
	e := startExecutor(t, 8)

	out := make(chan int, 3)
	for i := 1; i <= 3; i++ {
		i := i
		require.NoError(t, e.Schedule(func(ctx context.Context) { out <- i }))
	}

	for want := 1; want <= 3; want++ {
		select {
		case got := <-out:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatal("task did not run")
		}
	}
}

func TestExecutor_InContext(t *testing.T) {
	e := startExecutor(t, 8)
	other := New("s-2", 1, zerolog.Nop())

	assert.False(t, e.InContext(context.Background()))

	result := make(chan [2]bool, 1)
	require.NoError(t, e.Schedule(func(ctx context.Context) {
		result <- [2]bool{e.InContext(ctx), other.InContext(ctx)}
	}))

	got := <-result
	assert.True(t, got[0])
	assert.False(t, got[1])
}

func TestExecutor_QueueFull(t *testing.T) {
	e := startExecutor(t, 1)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Schedule(func(context.Context) {
		close(started)
		<-block
	}))
	<-started

	require.NoError(t, e.Schedule(func(context.Context) {}))
	err := e.Schedule(func(context.Context) {})
	assert.ErrorIs(t, err, werrors.ErrUnavailable)
	close(block)
}

func TestExecutor_Detach(t *testing.T) {
	e := startExecutor(t, 4)
	assert.True(t, e.IsAlive())

	e.Detach()
	e.Detach()

	assert.False(t, e.IsAlive())
	assert.ErrorIs(t, e.Schedule(func(context.Context) {}), werrors.ErrUnavailable)

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("executor goroutine did not exit")
	}
}

func TestExecutor_ContextCancelDetaches(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New("s-3", 1, zerolog.Nop())
	e.Start(ctx)
	cancel()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("executor goroutine did not exit")
	}
	assert.False(t, e.IsAlive())
}

func TestExecutor_PanicRecovered(t *testing.T) {
	e := startExecutor(t, 4)
	ran := make(chan struct{})
	require.NoError(t, e.Schedule(func(context.Context) { panic("boom") }))
	require.NoError(t, e.Schedule(func(context.Context) { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("executor stopped after panic")
	}
}

func TestExecutor_Mark(t *testing.T) {
	e := New("s-4", 1, zerolog.Nop())

	assert.True(t, e.Mark("@logging_out"))
	assert.False(t, e.Mark("@logging_out"))
	assert.True(t, e.Mark("other"))
}
