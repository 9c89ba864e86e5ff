package event

import (
	"context"
	"fmt"
	"time"
)

// Decorator wraps a Handler with a per-handler policy.
// Decorators compose with Decorate.
type Decorator func(Handler) Handler

type decoratedHandler struct {
	next Handler
	fn   func(ctx context.Context, e *Event) error
}

func (h *decoratedHandler) Name() string { return h.next.Name() }

func (h *decoratedHandler) Handle(ctx context.Context, e *Event) error {
	return h.fn(ctx, e)
}

// Alive lets the registry see through the decorator to a weak handler.
func (h *decoratedHandler) Alive() bool { return isAlive(h.next) }

// EventTypes forwards to the wrapped handler so decorated handlers work with SubscribeAll.
func (h *decoratedHandler) EventTypes() []EventType {
	if th, ok := h.next.(TypedHandler); ok {
		return th.EventTypes()
	}
	return nil
}

// WithRetry retries the handler immediately up to maxRetries times.
// The event records a single error only if every attempt fails.
//
// Example:
//
//	bus.Subscribe(event.StateSaved, event.WithRetry(persistHandler, 3))
func WithRetry(h Handler, maxRetries int) Handler {
	return &decoratedHandler{
		next: h,
		fn: func(ctx context.Context, e *Event) error {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				if attempt > 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				if lastErr = h.Handle(ctx, e); lastErr == nil {
					return nil
				}
			}
			return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
		},
	}
}

// WithBackoff retries the handler with exponentially growing delays capped at maxDelay.
// While it waits, the consumer loop of the event's priority is blocked.
func WithBackoff(h Handler, maxRetries int, initialDelay, maxDelay time.Duration) Handler {
	return &decoratedHandler{
		next: h,
		fn: func(ctx context.Context, e *Event) error {
			var lastErr error
			delay := initialDelay

			for attempt := 0; attempt <= maxRetries; attempt++ {
				if attempt > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
					delay = min(delay*2, maxDelay)
				}
				if lastErr = h.Handle(ctx, e); lastErr == nil {
					return nil
				}
			}
			return fmt.Errorf("failed after %d retries with backoff: %w", maxRetries, lastErr)
		},
	}
}

// WithTimeout bounds the handler's run time, which limits how long one slow
// handler can hold up its priority queue. The handler's context is cancelled
// on timeout; a handler that ignores it keeps running in the background.
//
// Example:
//
//	bus.Subscribe(event.BotActionRequest, event.WithTimeout(botHandler, 2*time.Second))
func WithTimeout(h Handler, timeout time.Duration) Handler {
	return &decoratedHandler{
		next: h,
		fn: func(ctx context.Context, e *Event) error {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				errCh <- invokeHandler(ctx, h, e)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				return fmt.Errorf("%w after %s", ErrHandlerTimeout, timeout)
			}
		},
	}
}

// Retry returns a Decorator for WithRetry.
func Retry(maxRetries int) Decorator {
	return func(h Handler) Handler {
		return WithRetry(h, maxRetries)
	}
}

// Backoff returns a Decorator for WithBackoff.
func Backoff(maxRetries int, initialDelay, maxDelay time.Duration) Decorator {
	return func(h Handler) Handler {
		return WithBackoff(h, maxRetries, initialDelay, maxDelay)
	}
}

// Timeout returns a Decorator for WithTimeout.
func Timeout(timeout time.Duration) Decorator {
	return func(h Handler) Handler {
		return WithTimeout(h, timeout)
	}
}

// Decorate applies decorators left to right: the first one wraps innermost.
//
// Example:
//
//	h := event.Decorate(persistHandler,
//	    event.Retry(3),
//	    event.Timeout(5*time.Second),
//	)
func Decorate(h Handler, decorators ...Decorator) Handler {
	for _, d := range decorators {
		h = d(h)
	}
	return h
}
