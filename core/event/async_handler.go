package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// AsyncHandler runs the wrapped handler on its own goroutine, bounded by a semaphore.
//
// Handle returns as soon as the work is started, so the consumer loop moves on to
// the next event. When all slots are taken Handle blocks until one frees up.
// Failures of the background work cannot be recorded on the event; they go to the
// error callback instead.
type AsyncHandler struct {
	next    Handler
	max     int64
	sem     *semaphore.Weighted
	onError func(ctx context.Context, e *Event, err error)
	logger  *slog.Logger

	mu     sync.Mutex
	life   context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	inFlight atomic.Int64
	done     atomic.Int64
	failed   atomic.Int64
}

// AsyncOption configures an AsyncHandler.
type AsyncOption func(*AsyncHandler)

// WithMaxConcurrent sets how many invocations may run at once. Default is 10.
func WithMaxConcurrent(n int) AsyncOption {
	return func(a *AsyncHandler) {
		if n > 0 {
			a.max = int64(n)
		}
	}
}

// WithAsyncErrorHandler sets a callback for errors returned by the wrapped handler.
func WithAsyncErrorHandler(fn func(ctx context.Context, e *Event, err error)) AsyncOption {
	return func(a *AsyncHandler) {
		a.onError = fn
	}
}

// WithAsyncLogger sets the logger.
func WithAsyncLogger(l *slog.Logger) AsyncOption {
	return func(a *AsyncHandler) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewAsyncHandler wraps h for concurrent execution.
//
// Example:
//
//	notifier := event.NewAsyncHandler(botNotifier, event.WithMaxConcurrent(20))
//	bus.Subscribe(event.BotNotificationSent, notifier)
//	defer notifier.Wait(ctx)
func NewAsyncHandler(h Handler, opts ...AsyncOption) *AsyncHandler {
	a := &AsyncHandler{
		next:   h,
		max:    10,
		logger: defaultLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.sem = semaphore.NewWeighted(a.max)
	a.life, a.cancel = context.WithCancel(context.Background())
	return a
}

func (a *AsyncHandler) Name() string { return a.next.Name() }
func (a *AsyncHandler) Alive() bool  { return isAlive(a.next) }

// EventTypes forwards to the wrapped handler when it declares types.
func (a *AsyncHandler) EventTypes() []EventType {
	if th, ok := a.next.(TypedHandler); ok {
		return th.EventTypes()
	}
	return nil
}

// Handle acquires a slot and starts the wrapped handler in the background.
// It returns an error only when no slot could be acquired.
func (a *AsyncHandler) Handle(ctx context.Context, e *Event) error {
	a.mu.Lock()
	life := a.life
	a.mu.Unlock()

	if err := a.sem.Acquire(life, 1); err != nil {
		return fmt.Errorf("async handler %s: %w", a.Name(), err)
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(life, cancel)

	a.wg.Add(1)
	a.inFlight.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.inFlight.Add(-1)
		defer a.sem.Release(1)
		defer stop()
		defer cancel()

		if err := invokeHandler(taskCtx, a.next, e); err != nil {
			a.failed.Add(1)
			a.logger.ErrorContext(taskCtx, "async handler failed",
				logger.EventID(e.ID),
				logger.Handler(a.Name()),
				logger.Error(err))
			if a.onError != nil {
				a.onError(taskCtx, e, err)
			}
			return
		}
		a.done.Add(1)
	}()

	return nil
}

// InFlight returns the number of running invocations.
func (a *AsyncHandler) InFlight() int {
	return int(a.inFlight.Load())
}

// Completed returns how many invocations finished without error.
func (a *AsyncHandler) Completed() int64 {
	return a.done.Load()
}

// Failed returns how many invocations returned an error.
func (a *AsyncHandler) Failed() int64 {
	return a.failed.Load()
}

// Wait blocks until every started invocation finished or ctx is done.
func (a *AsyncHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelAll cancels the context of every running invocation and unblocks callers
// waiting for a slot. The handler stays usable for new events.
func (a *AsyncHandler) CancelAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cancel()
	a.life, a.cancel = context.WithCancel(context.Background())
}
