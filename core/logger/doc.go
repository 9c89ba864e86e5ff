// Package logger provides slog attribute helpers shared by the event bus packages.
//
// Every helper returns a plain slog.Attr. Helpers that wrap optional values
// (errors, identifiers) return an empty Attr for zero input, and slog drops empty
// attributes, so call sites never need nil checks:
//
//	log.ErrorContext(ctx, "handler failed",
//		logger.EventID(e.ID),
//		logger.EventType(string(e.Type)),
//		logger.Handler(h.Name()),
//		logger.Error(err),
//	)
//
// # Attribute Groups
//
//   - Errors: Error, Errors, Panic
//   - Timing: Duration, Elapsed, Timeout, Delay
//   - Event bus: EventID, EventType, Priority, Handler, Middleware, Rule, Room, Player, Reason
//   - Generic: Group, Component, Count, Key, RetryCount
//   - Debugging: Stack
//
// Room is the one exception to the empty-Attr rule: an empty room id is logged as
// "default" because it identifies the unscoped bus.
package logger
