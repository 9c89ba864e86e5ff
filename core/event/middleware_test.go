package event_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/eventbus/core/event"
)

// syncBuffer lets consumer goroutines and the test share a log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger() (*slog.Logger, *syncBuffer) {
	buf := &syncBuffer{}
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

func TestResult(t *testing.T) {
	t.Parallel()

	assert.False(t, event.Continue().Cancelled())
	assert.Empty(t, event.Continue().Reason())

	r := event.Cancel("stop")
	assert.True(t, r.Cancelled())
	assert.Equal(t, "stop", r.Reason())
}

func TestLoggingMiddleware(t *testing.T) {
	t.Parallel()

	log, buf := newTestLogger()
	mw := event.NewLoggingMiddleware(log, slog.LevelInfo)
	assert.Equal(t, "logging", mw.Name())

	ctx := context.Background()
	e := event.New(event.ActionReceived, event.WithRoom("room-1"), event.WithPlayer("p-1"))
	h := noop("referee")

	assert.False(t, mw.PreProcess(ctx, e).Cancelled())
	assert.False(t, mw.PreHandle(ctx, e, h).Cancelled())
	mw.PostHandle(ctx, e, h, event.HandlerResult{Duration: time.Millisecond})
	mw.PostHandle(ctx, e, h, event.HandlerResult{Err: errors.New("bad move")})
	mw.PostProcess(event.WithEventMeta(ctx, e, time.Now()), e)

	out := buf.String()
	assert.Contains(t, out, `"msg":"event received"`)
	assert.Contains(t, out, `"msg":"handler started"`)
	assert.Contains(t, out, `"msg":"handler completed"`)
	assert.Contains(t, out, `"msg":"handler failed"`)
	assert.Contains(t, out, `"level":"ERROR"`)
	assert.Contains(t, out, `"msg":"event completed"`)
	assert.Contains(t, out, `"room_id":"room-1"`)
	assert.Contains(t, out, e.ID)
}

func TestLoggingMiddleware_RespectsLevel(t *testing.T) {
	t.Parallel()

	buf := &syncBuffer{}
	log := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	mw := event.NewLoggingMiddleware(log, slog.LevelDebug)

	e := event.New(event.GameStarted)
	mw.PreProcess(context.Background(), e)
	assert.Empty(t, buf.String())
}

func TestMetricsMiddleware(t *testing.T) {
	t.Parallel()

	log, buf := newTestLogger()
	reg := prometheus.NewRegistry()
	metrics := event.NewMetricsMiddleware(
		event.WithMetricsLogger(log),
		event.WithReportInterval(time.Nanosecond),
		event.WithTopN(2),
		event.WithMetricsRegisterer(reg),
	)
	bus := startBus(t, event.WithMiddleware(metrics))

	_, err := bus.Subscribe(event.ActionReceived, event.NewHandler("slow", func(context.Context, *event.Event) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	}))
	require.NoError(t, err)
	_, err = bus.Subscribe(event.ActionReceived, event.NewHandler("broken", func(context.Context, *event.Event) error {
		return errors.New("nope")
	}))
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, bus.Publish(ctx, event.NewActionEvent(event.ActionReceived, "p-1", "play"), nil))
	}
	require.NoError(t, bus.Publish(ctx, event.NewSystemEvent(event.HealthCheck), nil))

	require.Eventually(t, func() bool {
		return metrics.Snapshot().Handlers["slow"].Calls == 3 && bus.GetMetrics().EventsProcessed == 4
	}, time.Second, 5*time.Millisecond)

	snap := metrics.Snapshot()
	assert.Equal(t, int64(3), snap.EventsByType[event.ActionReceived])
	assert.Equal(t, int64(1), snap.EventsByType[event.HealthCheck])
	assert.Equal(t, int64(3), snap.EventsByPriority[event.PriorityNormal])
	assert.Equal(t, int64(1), snap.EventsByPriority[event.PriorityLow])

	slow := snap.Handlers["slow"]
	assert.GreaterOrEqual(t, slow.Min, 2*time.Millisecond)
	assert.GreaterOrEqual(t, slow.Max, slow.Min)
	assert.Equal(t, slow.Total/3, slow.Average)
	assert.Zero(t, slow.Errors)
	assert.Equal(t, int64(3), snap.Handlers["broken"].Errors)

	assert.Contains(t, buf.String(), `"msg":"event metrics"`)

	n, err := testutil.GatherAndCount(reg, "eventbus_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per type/priority pair")

	n, err = testutil.GatherAndCount(reg, "eventbus_handler_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP eventbus_handler_errors_total Handler invocations that returned an error.
# TYPE eventbus_handler_errors_total counter
eventbus_handler_errors_total{handler="broken"} 3
`), "eventbus_handler_errors_total")
	assert.NoError(t, err)
}

func TestMetricsMiddleware_SharedRegisterer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	assert.NotPanics(t, func() {
		event.NewMetricsMiddleware(event.WithMetricsRegisterer(reg))
		event.NewMetricsMiddleware(event.WithMetricsRegisterer(reg))
	})
}

func TestValidationMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("validate", func(t *testing.T) {
		t.Parallel()

		v := event.NewValidationMiddleware(event.WithRequiredFields(event.StateUpdated, event.KeyStateKey))

		assert.Empty(t, v.Validate(event.NewActionEvent(event.ActionReceived, "p-1", "play", event.WithRoom("r"))))
		assert.ElementsMatch(t, []string{"missing room_id", "missing player_id", `missing data field "action_type"`},
			v.Validate(event.New(event.ActionReceived)))
		assert.Equal(t, []string{`missing data field "state_key"`},
			v.Validate(event.New(event.StateUpdated, event.WithRoom("r"))))
		assert.Empty(t, v.Validate(event.NewSystemEvent(event.HealthCheck)))
		assert.Contains(t, v.Validate(&event.Event{Type: event.HealthCheck}), "missing event id")
	})

	t.Run("custom requirements", func(t *testing.T) {
		t.Parallel()

		v := event.NewValidationMiddleware(
			event.WithRoomRequired(event.HealthCheck),
			event.WithPlayerRequired(event.HealthCheck),
		)
		assert.Equal(t, []string{"missing room_id", "missing player_id"}, v.Validate(event.New(event.HealthCheck)))
	})

	t.Run("strict cancels", func(t *testing.T) {
		t.Parallel()

		v := event.NewValidationMiddleware(event.WithStrictValidation(true))
		e := event.NewPhaseChangeEvent(event.PhaseChangeRequested, "A", "B")
		r := v.PreProcess(context.Background(), e)
		require.True(t, r.Cancelled())
		assert.Equal(t, "validation failed: missing room_id", r.Reason())
	})

	t.Run("lenient warns", func(t *testing.T) {
		t.Parallel()

		log, buf := newTestLogger()
		v := event.NewValidationMiddleware(event.WithValidationLogger(log))
		e := event.New(event.BroadcastRequested, event.WithRoom("r"))
		assert.False(t, v.PreProcess(context.Background(), e).Cancelled())

		warnings, ok := e.Meta(event.MetaValidationWarnings)
		require.True(t, ok)
		assert.Equal(t, []string{`missing data field "event_name"`}, warnings)
		assert.Contains(t, buf.String(), "event failed validation")
	})

	t.Run("post process flags unfinished events", func(t *testing.T) {
		t.Parallel()

		v := event.NewValidationMiddleware()
		ctx := context.Background()

		stuck := event.New(event.GameStarted)
		v.PostProcess(ctx, stuck)
		flag, ok := stuck.Meta(event.MetaValidationFlag)
		require.True(t, ok)
		assert.Equal(t, true, flag)

		retrying := event.New(event.GameStarted)
		retrying.AddError("h", errors.New("x"))
		retrying.ResetForRetry()
		v.PostProcess(ctx, retrying)
		_, ok = retrying.Meta(event.MetaValidationFlag)
		assert.False(t, ok)

		cancelled := event.New(event.GameStarted)
		cancelled.Cancel("done")
		v.PostProcess(ctx, cancelled)
		_, ok = cancelled.Meta(event.MetaValidationFlag)
		assert.False(t, ok)
	})
}

func TestErrorHandlingMiddleware_CircuitBreaker(t *testing.T) {
	t.Parallel()

	mw := event.NewErrorHandlingMiddleware(
		event.WithErrorThreshold(2),
		event.WithBreakerTimeout(time.Hour),
		event.WithMaxRetries(0),
	)
	bus := startBus(t, event.WithMiddleware(mw))

	var flaky, healthy atomic.Int32
	_, err := bus.Subscribe(event.BotResponseReceived, event.NewHandler("flaky", func(context.Context, *event.Event) error {
		flaky.Add(1)
		return errors.New("timeout")
	}))
	require.NoError(t, err)
	_, err = bus.Subscribe(event.BotResponseReceived, counter("healthy", &healthy))
	require.NoError(t, err)

	ctx := context.Background()
	var last *event.Event
	for range 3 {
		last = event.NewBotEvent(event.BotResponseReceived, "bot-1")
		require.NoError(t, bus.Publish(ctx, last, nil))
	}
	require.Eventually(t, last.IsProcessed, time.Second, 5*time.Millisecond)
	assert.Equal(t, gobreaker.StateOpen, mw.BreakerState("flaky"))
	assert.Equal(t, gobreaker.StateClosed, mw.BreakerState("healthy"))

	blocked := event.NewBotEvent(event.BotResponseReceived, "bot-1")
	require.NoError(t, bus.Publish(ctx, blocked, nil))
	require.Eventually(t, blocked.IsCancelled, time.Second, 5*time.Millisecond)
	assert.Equal(t, "circuit open for handler flaky", blocked.CancelReason())
	assert.Equal(t, int32(3), flaky.Load())
	assert.Equal(t, int32(3), healthy.Load(), "cancelling aborts the remaining handlers too")

	n, err := mw.DeadLetter().Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "without retries failed events go straight to dead letter")
	assert.Equal(t, int64(3), mw.DeadLettered())
}

func TestErrorHandlingMiddleware_Retry(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	mw := event.NewErrorHandlingMiddleware(
		event.WithRepublisher(bus),
		event.WithMaxRetries(2),
		event.WithRetryBaseDelay(time.Millisecond),
	)
	bus.AddMiddleware(mw)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	var calls atomic.Int32
	_, err := bus.Subscribe(event.StateSaved, event.NewHandler("saver", func(_ context.Context, e *event.Event) error {
		calls.Add(1)
		return errors.New("disk full")
	}))
	require.NoError(t, err)

	e := event.New(event.StateSaved, event.WithRoom("room-1"))
	require.NoError(t, bus.Publish(context.Background(), e, nil))

	require.Eventually(t, func() bool { return mw.DeadLettered() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
	assert.Equal(t, int64(2), mw.Retried())
	assert.Equal(t, int64(2), bus.GetMetrics().EventsRequeued)

	dead, err := mw.DeadLetter().List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, e.ID, dead[0].ID)
	assert.Equal(t, 2, dead[0].RetryCount())
	assert.Equal(t, []string{"Handler saver: disk full"}, dead[0].Errors())
}

func TestErrorHandlingMiddleware_RetrySucceeds(t *testing.T) {
	t.Parallel()

	bus := event.NewBus()
	mw := event.NewErrorHandlingMiddleware(
		event.WithRepublisher(bus),
		event.WithRetryBaseDelay(time.Millisecond),
	)
	bus.AddMiddleware(mw)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() { _ = bus.Stop() })

	var calls atomic.Int32
	_, err := bus.Subscribe(event.StateLoaded, event.NewHandler("loader", func(ctx context.Context, _ *event.Event) error {
		if calls.Add(1) == 1 {
			return errors.New("cold cache")
		}
		if event.RetryAttempt(ctx) != 1 {
			return errors.New("retry attempt missing from context")
		}
		return nil
	}))
	require.NoError(t, err)

	e := event.New(event.StateLoaded)
	require.NoError(t, bus.Publish(context.Background(), e, nil))

	require.Eventually(t, func() bool {
		return calls.Load() == 2 && e.IsProcessed()
	}, time.Second, 5*time.Millisecond)
	assert.False(t, e.HasErrors())
	assert.Equal(t, 1, e.RetryCount())
	lastErrs, ok := e.Meta(event.MetaLastErrors)
	require.True(t, ok)
	assert.Equal(t, []string{"Handler loader: cold cache"}, lastErrs)
	assert.Zero(t, mw.DeadLettered())
}

func TestErrorHandlingMiddleware_RequeueFailure(t *testing.T) {
	t.Parallel()

	requeued := make(chan struct{})
	mw := event.NewErrorHandlingMiddleware(
		event.WithRetryBaseDelay(0),
		event.WithRepublisher(event.RepublisherFunc(func(context.Context, *event.Event) error {
			close(requeued)
			return event.ErrBusNotRunning
		})),
	)

	e := event.New(event.GameStarted)
	e.AddError("h", errors.New("x"))
	mw.PostProcess(context.Background(), e)

	<-requeued
	require.Eventually(t, func() bool { return mw.DeadLettered() == 1 }, time.Second, 5*time.Millisecond)
}

func TestErrorHandlingMiddleware_IgnoresCleanEvents(t *testing.T) {
	t.Parallel()

	mw := event.NewErrorHandlingMiddleware()
	ctx := context.Background()

	mw.PostProcess(ctx, event.New(event.GameStarted))

	cancelled := event.New(event.GameStarted)
	cancelled.AddError("h", errors.New("x"))
	cancelled.Cancel("stop")
	mw.PostProcess(ctx, cancelled)

	assert.Zero(t, mw.Retried())
	assert.Zero(t, mw.DeadLettered())
}

func TestMemoryDeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := event.NewMemoryDeadLetter(2)

	ids := make([]string, 0, 3)
	for range 3 {
		e := event.New(event.ActionFailed)
		ids = append(ids, e.ID)
		require.NoError(t, store.Add(ctx, e))
	}

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ids[1], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)

	got, err = store.List(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[2], got[0].ID)

	require.NoError(t, store.Clear(ctx))
	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
