// Package event provides an in-process, priority-queued event bus for turn-based
// game rooms. Producers publish events; handlers registered for an event type
// consume them on per-priority consumer goroutines, with a middleware pipeline
// around every step.
//
// # Core Components
//
// Event is the record that travels through the bus. Its identity (ID, Type,
// Priority, Timestamp, RoomID, PlayerID) is fixed once published; its payload,
// metadata and processing outcome (processed, cancelled, handler errors) are
// guarded by an internal lock and may be changed by middleware and handlers.
// Typed constructors such as NewPhaseChangeEvent and NewActionEvent pick the
// payload keys and default priority for each kind of event.
//
// Handler consumes events. Registry maps event types to handlers with set
// semantics per type. Weak wraps a handler in a non-owning reference so the bus
// never keeps it alive.
//
// Middleware intercepts events at four points: PreProcess on the publisher
// goroutine, PreHandle and PostHandle around each handler, and PostProcess once
// all handlers were attempted. Pre hooks return Continue() or Cancel(reason).
// All hooks run in insertion order. Built-ins: LoggingMiddleware,
// MetricsMiddleware, ErrorHandlingMiddleware (circuit breaker per handler,
// retries, dead-letter store) and ValidationMiddleware.
//
// Router narrows delivery when several handlers match, using prioritized rules
// with Broadcast, RoundRobin, PriorityPick, Random or FirstMatch strategies and
// optional per-rule rate limits.
//
// Bus owns one bounded FIFO queue per priority and one consumer goroutine per
// queue. Manager keeps one bus per room.
//
// # Ordering and Delivery
//
// Events of the same priority are handled one at a time in publish order, so a
// slow handler delays later events of that priority. Different priorities never
// block each other. Delivery is at most once: Publish returns ErrQueueFull when
// the queue is at capacity, and Stop discards events that are still queued.
// Handler errors are recorded on the event and never reach the Publish caller.
//
// # Basic Usage
//
//	bus := event.NewBus(
//		event.WithScope("room-1"),
//		event.WithMiddleware(event.NewValidationMiddleware(event.WithStrictValidation(true))),
//	)
//	if err := bus.Start(ctx); err != nil {
//		return err
//	}
//	defer bus.Stop()
//
//	sub, err := bus.Subscribe(event.PhaseChangeRequested,
//		event.NewHandler("phase-controller", func(ctx context.Context, e *event.Event) error {
//			return machine.Transition(ctx, e.GetString(event.KeyNewPhase))
//		}))
//	if err != nil {
//		return err
//	}
//	defer sub.Unsubscribe()
//
//	e := event.NewPhaseChangeEvent(event.PhaseChangeRequested, "PREPARATION", "DECLARATION")
//	if err := bus.Publish(ctx, e, nil); err != nil {
//		return err
//	}
//
// # Retries
//
// ErrorHandlingMiddleware cannot reach a queue on its own. Give it the bus as its
// Republisher and failed events are requeued after base_delay * (retry_count + 1):
//
//	bus.AddMiddleware(event.NewErrorHandlingMiddleware(
//		event.WithRepublisher(bus),
//		event.WithMaxRetries(3),
//	))
//
// # Configuration
//
// Config is read from EVENTBUS_* environment variables with LoadConfig.
// NewManagerFromConfig creates a manager whose buses carry DefaultMiddleware.
// Module wires the manager into a go.uber.org/fx application.
package event
