package event

import "errors"

var (
	// ErrInvalidEvent is returned when an event is nil, has an unknown type or an unknown priority.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrQueueFull is returned by Publish when the priority queue for the event is at capacity.
	ErrQueueFull = errors.New("event queue is full")

	// ErrNilHandler is returned when registering a nil handler.
	ErrNilHandler = errors.New("handler is nil")

	// ErrHandlerCollected is returned when a weakly referenced handler was garbage collected.
	ErrHandlerCollected = errors.New("handler was garbage collected")

	// ErrHandlerPanic wraps a panic recovered from a handler.
	ErrHandlerPanic = errors.New("handler panicked")

	// ErrHandlerTimeout is returned by handlers wrapped with WithTimeout when they run too long.
	ErrHandlerTimeout = errors.New("handler timeout")

	// ErrBusNotRunning is reported by Healthcheck when the bus is not running.
	ErrBusNotRunning = errors.New("event bus is not running")

	// ErrBusOverloaded is reported by Healthcheck when queued events exceed the stuck threshold.
	ErrBusOverloaded = errors.New("event bus is overloaded")

	// ErrHealthcheckFailed is joined with the specific cause by Healthcheck.
	ErrHealthcheckFailed = errors.New("healthcheck failed")

	// ErrShutdownTimeout is returned by Stop when consumer loops do not exit in time.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrConsumersActive is returned by Start while consumers abandoned by a timed out Stop are still running.
	ErrConsumersActive = errors.New("event bus consumers from a previous run are still active")

	// ErrInvalidRule is returned when a routing rule fails validation.
	ErrInvalidRule = errors.New("invalid routing rule")

	// ErrDuplicateRule is returned when a routing rule name is already registered.
	ErrDuplicateRule = errors.New("routing rule already registered")

	// ErrRuleNotFound is returned when a routing rule name is unknown.
	ErrRuleNotFound = errors.New("routing rule not found")
)
