package event

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// LoggingMiddleware records event receipt, every handler invocation and overall
// completion. It never cancels events.
type LoggingMiddleware struct {
	NopMiddleware
	logger *slog.Logger
	level  slog.Level
}

// NewLoggingMiddleware creates a logging middleware. Routine messages are written
// at level; handler failures always use slog.LevelError.
//
// Example:
//
//	bus.AddMiddleware(event.NewLoggingMiddleware(logger, slog.LevelDebug))
func NewLoggingMiddleware(log *slog.Logger, level slog.Level) *LoggingMiddleware {
	if log == nil {
		log = defaultLogger()
	}
	return &LoggingMiddleware{logger: log, level: level}
}

func (m *LoggingMiddleware) Name() string { return "logging" }

func (m *LoggingMiddleware) PreProcess(ctx context.Context, e *Event) Result {
	m.logger.Log(ctx, m.level, "event received",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.Priority(e.Priority.String()),
		logger.Room(e.RoomID),
		logger.Player(e.PlayerID))
	return Continue()
}

func (m *LoggingMiddleware) PreHandle(ctx context.Context, e *Event, h Handler) Result {
	m.logger.Log(ctx, m.level, "handler started",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.Handler(h.Name()))
	return Continue()
}

func (m *LoggingMiddleware) PostHandle(ctx context.Context, e *Event, h Handler, res HandlerResult) {
	if res.Err != nil {
		m.logger.ErrorContext(ctx, "handler failed",
			logger.EventID(e.ID),
			logger.EventType(string(e.Type)),
			logger.Handler(h.Name()),
			logger.Duration(res.Duration),
			logger.Error(res.Err))
		return
	}
	m.logger.Log(ctx, m.level, "handler completed",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.Handler(h.Name()),
		logger.Duration(res.Duration))
}

func (m *LoggingMiddleware) PostProcess(ctx context.Context, e *Event) {
	attrs := []any{
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		slog.String("outcome", e.Outcome().String()),
	}
	if start := StartProcessingTime(ctx); !start.IsZero() {
		attrs = append(attrs, logger.Elapsed(start))
	}
	if errs := e.Errors(); len(errs) > 0 {
		attrs = append(attrs, slog.Any("errors", errs))
	}
	m.logger.Log(ctx, m.level, "event completed", attrs...)
}
