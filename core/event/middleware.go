package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// Result is returned by the pre-stage hooks. It is either Continue or a cancellation
// carrying a reason. Cancellation is an intentional short-circuit, not an error.
type Result struct {
	cancelled bool
	reason    string
}

// Continue lets the event proceed.
func Continue() Result {
	return Result{}
}

// Cancel stops processing of the event with the given reason.
func Cancel(reason string) Result {
	return Result{cancelled: true, reason: reason}
}

// Cancelled reports whether the result stops processing.
func (r Result) Cancelled() bool {
	return r.cancelled
}

// Reason returns the cancellation reason.
func (r Result) Reason() string {
	return r.reason
}

// HandlerResult is passed to PostHandle after each handler invocation.
type HandlerResult struct {
	Err      error
	Duration time.Duration
}

// Middleware intercepts events at four lifecycle points.
//
// PreProcess runs on the publisher goroutine before the event is enqueued.
// PreHandle and PostHandle run around every handler invocation on the consumer
// goroutine. PostProcess runs once after all selected handlers were attempted,
// including when a PreHandle cancellation aborted the pipeline.
//
// All hooks run in insertion order. A panic in a hook is recovered and treated
// as Continue.
type Middleware interface {
	Name() string
	PreProcess(ctx context.Context, e *Event) Result
	PreHandle(ctx context.Context, e *Event, h Handler) Result
	PostHandle(ctx context.Context, e *Event, h Handler, res HandlerResult)
	PostProcess(ctx context.Context, e *Event)
}

// NopMiddleware implements every hook as a no-op. Embed it to override only the hooks you need.
type NopMiddleware struct{}

func (NopMiddleware) PreProcess(context.Context, *Event) Result                  { return Continue() }
func (NopMiddleware) PreHandle(context.Context, *Event, Handler) Result          { return Continue() }
func (NopMiddleware) PostHandle(context.Context, *Event, Handler, HandlerResult) {}
func (NopMiddleware) PostProcess(context.Context, *Event)                        {}

// chain runs middleware hooks in insertion order and applies cancellation to the event.
type chain struct {
	logger *slog.Logger
}

func (c chain) preProcess(ctx context.Context, mws []Middleware, e *Event) bool {
	for _, mw := range mws {
		res := c.guard(ctx, mw, "pre_process", func() Result { return mw.PreProcess(ctx, e) })
		if res.Cancelled() {
			e.Cancel(res.Reason())
		}
		if e.IsCancelled() {
			c.logger.DebugContext(ctx, "event cancelled in pre-process",
				logger.EventID(e.ID),
				logger.EventType(string(e.Type)),
				logger.Middleware(mw.Name()),
				logger.Reason(e.CancelReason()))
			return false
		}
	}
	return true
}

func (c chain) preHandle(ctx context.Context, mws []Middleware, e *Event, h Handler) bool {
	for _, mw := range mws {
		res := c.guard(ctx, mw, "pre_handle", func() Result { return mw.PreHandle(ctx, e, h) })
		if res.Cancelled() {
			e.Cancel(res.Reason())
		}
		if e.IsCancelled() {
			c.logger.DebugContext(ctx, "event cancelled in pre-handle",
				logger.EventID(e.ID),
				logger.EventType(string(e.Type)),
				logger.Handler(h.Name()),
				logger.Middleware(mw.Name()),
				logger.Reason(e.CancelReason()))
			return false
		}
	}
	return true
}

func (c chain) postHandle(ctx context.Context, mws []Middleware, e *Event, h Handler, res HandlerResult) {
	for _, mw := range mws {
		c.guard(ctx, mw, "post_handle", func() Result {
			mw.PostHandle(ctx, e, h, res)
			return Continue()
		})
	}
}

func (c chain) postProcess(ctx context.Context, mws []Middleware, e *Event) {
	for _, mw := range mws {
		c.guard(ctx, mw, "post_process", func() Result {
			mw.PostProcess(ctx, e)
			return Continue()
		})
	}
}

func (c chain) guard(ctx context.Context, mw Middleware, hook string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.ErrorContext(ctx, "middleware panicked",
				logger.Middleware(mw.Name()),
				slog.String("hook", hook),
				logger.Panic(r))
			res = Continue()
		}
	}()
	return fn()
}

// invokeHandler calls h and converts a panic into an ErrHandlerPanic error.
func invokeHandler(ctx context.Context, h Handler, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	return h.Handle(ctx, e)
}
