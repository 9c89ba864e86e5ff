package event_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventbus/core/event"
)

func TestAsyncHandler_DoesNotBlockConsumer(t *testing.T) {
	t.Parallel()

	bus := startBus(t)

	release := make(chan struct{})
	notifier := event.NewAsyncHandler(event.NewHandler("bot-notifier", func(context.Context, *event.Event) error {
		<-release
		return nil
	}), event.WithMaxConcurrent(5))

	var after atomic.Int32
	_, err := bus.Subscribe(event.BotNotificationSent, notifier)
	require.NoError(t, err)
	_, err = bus.Subscribe(event.BotNotificationSent, counter("after", &after))
	require.NoError(t, err)

	for range 3 {
		require.NoError(t, bus.Publish(context.Background(), event.NewBotEvent(event.BotNotificationSent, "bot-1"), nil))
	}

	require.Eventually(t, func() bool { return after.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, notifier.InFlight())

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, notifier.Wait(ctx))
	assert.Zero(t, notifier.InFlight())
	assert.Equal(t, int64(3), notifier.Completed())
}

func TestAsyncHandler_BoundedConcurrency(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	release := make(chan struct{})
	h := event.NewAsyncHandler(event.NewHandler("bounded", func(context.Context, *event.Event) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}), event.WithMaxConcurrent(2))

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, event.New(event.GameStarted)))
	require.NoError(t, h.Handle(ctx, event.New(event.GameStarted)))

	third := make(chan error, 1)
	go func() {
		third <- h.Handle(ctx, event.New(event.GameStarted))
	}()

	select {
	case <-third:
		t.Fatal("third Handle must wait for a free slot")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-third)
	require.NoError(t, h.Wait(ctx))
	assert.Equal(t, int32(2), peak.Load())
}

func TestAsyncHandler_Errors(t *testing.T) {
	t.Parallel()

	reported := make(chan error, 1)
	h := event.NewAsyncHandler(
		event.NewHandler("flaky", func(context.Context, *event.Event) error {
			return errors.New("socket closed")
		}, event.BotNotificationSent),
		event.WithAsyncErrorHandler(func(_ context.Context, _ *event.Event, err error) {
			reported <- err
		}),
	)
	assert.Equal(t, "flaky", h.Name())
	assert.Equal(t, []event.EventType{event.BotNotificationSent}, h.EventTypes())

	e := event.New(event.BotNotificationSent)
	require.NoError(t, h.Handle(context.Background(), e))

	select {
	case err := <-reported:
		assert.EqualError(t, err, "socket closed")
	case <-time.After(time.Second):
		t.Fatal("error callback not called")
	}
	require.NoError(t, h.Wait(context.Background()))
	assert.Equal(t, int64(1), h.Failed())
	assert.False(t, e.HasErrors(), "background failures are not recorded on the event")
}

func TestAsyncHandler_CancelAll(t *testing.T) {
	t.Parallel()

	h := event.NewAsyncHandler(event.NewHandler("waiter", func(ctx context.Context, _ *event.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}), event.WithMaxConcurrent(1))

	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, event.New(event.GameStarted)))

	blocked := make(chan error, 1)
	go func() {
		blocked <- h.Handle(ctx, event.New(event.GameStarted))
	}()
	time.Sleep(20 * time.Millisecond)

	h.CancelAll()

	select {
	case err := <-blocked:
		require.Error(t, err, "waiting for a slot is interrupted")
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("blocked Handle was not released")
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, h.Wait(waitCtx))
	assert.Equal(t, int64(1), h.Failed())

	require.NoError(t, h.Handle(ctx, event.New(event.GameStarted)), "handler is usable after CancelAll")
	h.CancelAll()
	require.NoError(t, h.Wait(waitCtx))
}

func TestAsyncHandler_OutlivesPublisherContext(t *testing.T) {
	t.Parallel()

	done := make(chan error, 1)
	h := event.NewAsyncHandler(event.NewHandler("detached", func(ctx context.Context, _ *event.Event) error {
		time.Sleep(10 * time.Millisecond)
		done <- ctx.Err()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.Handle(ctx, event.New(event.GameStarted)))
	cancel()

	assert.NoError(t, <-done)
}
