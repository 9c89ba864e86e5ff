package event

import (
	"context"
	"fmt"
	"reflect"
	"weak"
)

// Handler processes events delivered by a Bus.
type Handler interface {
	// Name identifies the handler in logs, metrics, routing rules and error records.
	Name() string

	// Handle processes the event. A returned error is recorded on the event and
	// does not stop other handlers from running.
	Handle(ctx context.Context, e *Event) error
}

// TypedHandler is implemented by handlers that declare the event types they accept.
// Bus.SubscribeAll uses it to register the handler under each of them.
type TypedHandler interface {
	Handler
	EventTypes() []EventType
}

// HandlerFunc is the function signature used by NewHandler.
type HandlerFunc func(ctx context.Context, e *Event) error

// NewHandler creates a named handler from a function.
//
// Example:
//
//	h := event.NewHandler("phase-announcer", func(ctx context.Context, e *event.Event) error {
//	    return announce(ctx, e.RoomID, e.GetString(event.KeyNewPhase))
//	}, event.PhaseChangeCompleted)
func NewHandler(name string, fn HandlerFunc, types ...EventType) TypedHandler {
	return &funcHandler{name: name, fn: fn, types: types}
}

type funcHandler struct {
	name  string
	fn    HandlerFunc
	types []EventType
}

func (h *funcHandler) Name() string            { return h.name }
func (h *funcHandler) EventTypes() []EventType { return h.types }
func (h *funcHandler) Handle(ctx context.Context, e *Event) error {
	return h.fn(ctx, e)
}

// namedHandler overrides the name of a registered handler while keeping its identity.
type namedHandler struct {
	name string
	next Handler
}

func (h *namedHandler) Name() string    { return h.name }
func (h *namedHandler) Unwrap() Handler { return h.next }
func (h *namedHandler) Alive() bool     { return isAlive(h.next) }
func (h *namedHandler) Handle(ctx context.Context, e *Event) error {
	return h.next.Handle(ctx, e)
}

// WeakHandler holds a non-owning reference to a handler. Once the handler is
// garbage collected the registry skips the entry and eventually drops it.
type WeakHandler struct {
	name string
	// id holds the weak.Pointer of the target. Pointers made from the same
	// object compare equal, so it identifies the target across Weak calls.
	id  any
	get func() Handler
}

// Weak wraps a pointer handler in a WeakHandler. The caller keeps ownership:
// the bus does not keep the handler alive.
//
// Example:
//
//	sm := &StateMachine{}
//	bus.Subscribe(event.ActionReceived, event.Weak(sm))
func Weak[T any, P interface {
	*T
	Handler
}](h P) *WeakHandler {
	name := h.Name()
	wp := weak.Make((*T)(h))
	return &WeakHandler{
		name: name,
		id:   wp,
		get: func() Handler {
			p := wp.Value()
			if p == nil {
				return nil
			}
			return P(p)
		},
	}
}

func (w *WeakHandler) Name() string { return w.name }

// Alive reports whether the referenced handler still exists.
func (w *WeakHandler) Alive() bool {
	return w.get() != nil
}

// Handle forwards to the referenced handler, or returns ErrHandlerCollected.
func (w *WeakHandler) Handle(ctx context.Context, e *Event) error {
	h := w.get()
	if h == nil {
		return ErrHandlerCollected
	}
	return h.Handle(ctx, e)
}

// EventTypes forwards to the referenced handler when it declares types.
func (w *WeakHandler) EventTypes() []EventType {
	if th, ok := w.get().(TypedHandler); ok {
		return th.EventTypes()
	}
	return nil
}

// EventStore is the capability a game state owner exposes for recording events.
type EventStore interface {
	StoreGameEvent(ctx context.Context, e *Event) error
}

// NewStoreHandler returns a handler that forwards every event it receives to store.
func NewStoreHandler(name string, store EventStore, types ...EventType) TypedHandler {
	return NewHandler(name, func(ctx context.Context, e *Event) error {
		if err := store.StoreGameEvent(ctx, e); err != nil {
			return fmt.Errorf("failed to store event %s: %w", e.ID, err)
		}
		return nil
	}, types...)
}

type unwrapper interface {
	Unwrap() Handler
}

type aliveChecker interface {
	Alive() bool
}

func unwrapHandler(h Handler) Handler {
	for {
		u, ok := h.(unwrapper)
		if !ok {
			return h
		}
		h = u.Unwrap()
	}
}

// isAlive reports whether h and every handler it wraps still exist.
func isAlive(h Handler) bool {
	for h != nil {
		if a, ok := h.(aliveChecker); ok {
			return a.Alive()
		}
		u, ok := h.(unwrapper)
		if !ok {
			return true
		}
		h = u.Unwrap()
	}
	return false
}

// sameHandler compares handlers by identity. A weak handler matches another weak
// handler of the same target and the strong target itself.
func sameHandler(a, b Handler) bool {
	a, b = unwrapHandler(a), unwrapHandler(b)
	wa, aWeak := a.(*WeakHandler)
	wb, bWeak := b.(*WeakHandler)
	switch {
	case aWeak && bWeak:
		return wa == wb || wa.id == wb.id
	case aWeak:
		return sameTarget(wa.get(), b)
	case bWeak:
		return sameTarget(a, wb.get())
	}
	return sameTarget(a, b)
}

// sameTarget compares strong handlers. Func values compare by code pointer,
// other non-comparable values never match.
func sameTarget(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == nil || ta != tb {
		return false
	}
	if ta.Kind() == reflect.Func {
		return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
	}
	if !ta.Comparable() {
		return false
	}
	return a == b
}
