package event

import (
	"io"
	"log/slog"
	"time"
)

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithScope binds the bus to a room. Events published without a room inherit it.
func WithScope(roomID string) BusOption {
	return func(b *Bus) {
		b.roomID = roomID
	}
}

// WithQueueSize sets the capacity of each priority queue. Publish returns
// ErrQueueFull once a queue is at capacity. Default is 10000.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// WithHistorySize sets how many published events the history ring keeps. Default is 1000.
func WithHistorySize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.historySize = n
		}
	}
}

// WithShutdownTimeout configures how long Stop waits for consumer loops to finish
// the event they are processing. Default is 5 seconds.
func WithShutdownTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		if d > 0 {
			b.shutdownTimeout = d
		}
	}
}

// WithStuckThreshold configures the number of queued events that makes
// Healthcheck report the bus as overloaded. Default is 1000.
func WithStuckThreshold(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.stuckThreshold = n
		}
	}
}

// WithBusLogger configures structured logging for bus operations.
// Use slog.New(slog.NewTextHandler(io.Discard, nil)) to disable logging.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithRegistry shares a handler registry between buses.
func WithRegistry(r *Registry) BusOption {
	return func(b *Bus) {
		if r != nil {
			b.registry = r
		}
	}
}

// WithRouter enables rule-based handler selection.
func WithRouter(r *Router) BusOption {
	return func(b *Bus) {
		b.router = r
	}
}

// WithMiddleware appends middleware in the given order.
//
// Example:
//
//	bus := event.NewBus(
//	    event.WithScope("room-1"),
//	    event.WithMiddleware(
//	        event.NewValidationMiddleware(event.WithStrictValidation(true)),
//	        event.NewLoggingMiddleware(logger, slog.LevelDebug),
//	    ),
//	)
func WithMiddleware(mws ...Middleware) BusOption {
	return func(b *Bus) {
		for _, mw := range mws {
			if mw != nil {
				b.initial = append(b.initial, mw)
			}
		}
	}
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
