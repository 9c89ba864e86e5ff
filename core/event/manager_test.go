package event_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventbus/core/event"
)

func TestManager_PerRoomBuses(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr := event.NewManager()
	t.Cleanup(func() { _ = mgr.Shutdown(ctx) })

	room1, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)
	again, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.Same(t, room1, again)
	assert.Equal(t, "room-1", room1.Room())
	assert.True(t, room1.IsRunning())

	room2, err := mgr.Get(ctx, "room-2")
	require.NoError(t, err)
	assert.NotSame(t, room1, room2)

	def, err := mgr.Default(ctx)
	require.NoError(t, err)
	assert.Empty(t, def.Room())

	assert.Equal(t, []string{"", "room-1", "room-2"}, mgr.Rooms())

	var seen atomic.Value
	_, err = room1.Subscribe(event.TurnStarted, event.NewHandler("turns", func(_ context.Context, e *event.Event) error {
		seen.Store(e.RoomID)
		return nil
	}))
	require.NoError(t, err)
	assert.Zero(t, room2.HandlerCount(event.TurnStarted), "rooms do not share handlers")

	require.NoError(t, room1.Publish(ctx, event.New(event.TurnStarted), nil))
	require.Eventually(t, func() bool { return seen.Load() == "room-1" }, time.Second, 5*time.Millisecond)
}

func TestManager_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr := event.NewManager()
	t.Cleanup(func() { _ = mgr.Shutdown(ctx) })

	first, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)

	require.NoError(t, mgr.Reset("room-1"))
	assert.False(t, first.IsRunning())
	assert.Empty(t, mgr.Rooms())
	require.NoError(t, mgr.Reset("missing"))

	second, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestManager_SetupAndAutoStart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	var (
		mu    sync.Mutex
		rooms []string
	)
	mgr := event.NewManager(
		event.WithAutoStart(false),
		event.WithBusOptions(event.WithHistorySize(5)),
		event.WithBusSetup(func(b *event.Bus) error {
			mu.Lock()
			defer mu.Unlock()
			rooms = append(rooms, b.Room())
			if b.Room() == "broken" {
				return errors.New("no seat map")
			}
			return nil
		}),
	)
	t.Cleanup(func() { _ = mgr.Shutdown(ctx) })

	b, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)
	assert.False(t, b.IsRunning())

	_, err = mgr.Get(ctx, "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no seat map")
	assert.Equal(t, []string{"room-1"}, mgr.Rooms(), "failed setup does not register the bus")

	for range 8 {
		require.NoError(t, b.Publish(ctx, event.New(event.StateUpdated), nil))
	}
	assert.Len(t, b.GetEventHistory(0), 5, "bus options are applied")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"room-1", "broken"}, rooms)
}

func TestManager_Shutdown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr := event.NewManager()

	buses := make([]*event.Bus, 0, 3)
	for _, room := range []string{"a", "b", "c"} {
		b, err := mgr.Get(ctx, room)
		require.NoError(t, err)
		buses = append(buses, b)
	}

	require.NoError(t, mgr.Shutdown(ctx))
	for _, b := range buses {
		assert.False(t, b.IsRunning(), b.Room())
	}
	assert.Empty(t, mgr.Rooms())
	require.NoError(t, mgr.Shutdown(ctx))
}

func TestManager_ShutdownReportsTimeouts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mgr := event.NewManager(event.WithBusOptions(event.WithShutdownTimeout(10 * time.Millisecond)))

	b, err := mgr.Get(ctx, "slow-room")
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	_, err = b.Subscribe(event.StateSaved, event.NewHandler("slow", func(context.Context, *event.Event) error {
		close(started)
		<-release
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, event.New(event.StateSaved), nil))
	<-started

	err = mgr.Shutdown(ctx)
	require.ErrorIs(t, err, event.ErrShutdownTimeout)
	assert.Contains(t, err.Error(), `room "slow-room"`)
}

func TestNewManagerFromConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := event.DefaultConfig()
	cfg.StrictValidation = true

	mgr := event.NewManagerFromConfig(cfg, nil)
	t.Cleanup(func() { _ = mgr.Shutdown(ctx) })

	b, err := mgr.Get(ctx, "room-1")
	require.NoError(t, err)

	names := make([]string, 0, 4)
	for _, mw := range b.Middlewares() {
		names = append(names, mw.Name())
	}
	assert.Equal(t, []string{"validation", "logging", "metrics", "error_handling"}, names)

	e := event.New(event.ActionReceived)
	require.NoError(t, b.Publish(ctx, e, nil))
	assert.True(t, e.IsCancelled(), "strict validation from config is active")
	assert.Equal(t, "room-1", e.RoomID)
}
