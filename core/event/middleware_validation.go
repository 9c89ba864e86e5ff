package event

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// ValidationMiddleware checks that events carry the fields their type needs.
// In strict mode invalid events are cancelled; otherwise problems are logged and
// recorded in the event metadata under MetaValidationWarnings.
//
// After processing it flags any event that ended neither processed, cancelled
// nor failed, unless the event is waiting for a retry.
type ValidationMiddleware struct {
	NopMiddleware

	logger      *slog.Logger
	strict      bool
	required    map[EventType][]string
	needsRoom   map[EventType]bool
	needsPlayer map[EventType]bool
}

// ValidationOption configures a ValidationMiddleware.
type ValidationOption func(*ValidationMiddleware)

// WithStrictValidation cancels invalid events instead of warning.
func WithStrictValidation(strict bool) ValidationOption {
	return func(m *ValidationMiddleware) {
		m.strict = strict
	}
}

// WithRequiredFields adds payload keys required for an event type.
func WithRequiredFields(t EventType, keys ...string) ValidationOption {
	return func(m *ValidationMiddleware) {
		m.required[t] = append(m.required[t], keys...)
	}
}

// WithRoomRequired requires a room for the given event types.
func WithRoomRequired(types ...EventType) ValidationOption {
	return func(m *ValidationMiddleware) {
		for _, t := range types {
			m.needsRoom[t] = true
		}
	}
}

// WithPlayerRequired requires a player for the given event types.
func WithPlayerRequired(types ...EventType) ValidationOption {
	return func(m *ValidationMiddleware) {
		for _, t := range types {
			m.needsPlayer[t] = true
		}
	}
}

// WithValidationLogger sets the logger.
func WithValidationLogger(l *slog.Logger) ValidationOption {
	return func(m *ValidationMiddleware) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewValidationMiddleware creates a validation middleware preloaded with the
// requirements of the built-in event types.
func NewValidationMiddleware(opts ...ValidationOption) *ValidationMiddleware {
	m := &ValidationMiddleware{
		logger:      defaultLogger(),
		required:    make(map[EventType][]string),
		needsRoom:   make(map[EventType]bool),
		needsPlayer: make(map[EventType]bool),
	}

	for _, t := range []EventType{PhaseChangeRequested, PhaseChangeStarted, PhaseChangeCompleted, PhaseChangeFailed} {
		m.required[t] = []string{KeyNewPhase}
		m.needsRoom[t] = true
	}
	for _, t := range []EventType{ActionReceived, ActionValidated, ActionExecuted, ActionRejected, ActionFailed} {
		m.required[t] = []string{KeyActionType}
		m.needsRoom[t] = true
		m.needsPlayer[t] = true
	}
	for _, t := range []EventType{BotNotificationSent, BotActionRequest, BotResponseReceived} {
		m.required[t] = []string{KeyBotID}
		m.needsRoom[t] = true
	}
	m.required[BroadcastRequested] = []string{KeyEventName}
	m.required[ErrorOccurred] = []string{KeyComponent}
	for _, t := range []EventType{
		BroadcastRequested, BroadcastSent, BroadcastFailed,
		StateUpdated, StateSaved, StateLoaded, StateCorrupted,
		GameStarted, GameEnded, RoundStarted, RoundEnded, TurnStarted, TurnEnded,
	} {
		m.needsRoom[t] = true
	}

	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *ValidationMiddleware) Name() string { return "validation" }

// Validate returns every problem found on the event.
func (m *ValidationMiddleware) Validate(e *Event) []string {
	var problems []string
	if e.ID == "" {
		problems = append(problems, "missing event id")
	}
	if e.Type == "" {
		problems = append(problems, "missing event type")
	} else if !e.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown event type %q", e.Type))
	}
	if e.Timestamp.IsZero() {
		problems = append(problems, "missing timestamp")
	}
	if m.needsRoom[e.Type] && e.RoomID == "" {
		problems = append(problems, "missing room_id")
	}
	if m.needsPlayer[e.Type] && e.PlayerID == "" {
		problems = append(problems, "missing player_id")
	}

	data := e.Data()
	for _, key := range m.required[e.Type] {
		if _, ok := data[key]; !ok {
			problems = append(problems, fmt.Sprintf("missing data field %q", key))
		}
	}
	return slices.Clip(problems)
}

// PreProcess validates the event before it is enqueued.
func (m *ValidationMiddleware) PreProcess(ctx context.Context, e *Event) Result {
	problems := m.Validate(e)
	if len(problems) == 0 {
		return Continue()
	}

	reason := "validation failed: " + strings.Join(problems, "; ")
	if m.strict {
		return Cancel(reason)
	}

	m.logger.WarnContext(ctx, "event failed validation",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.Reason(reason))
	e.SetMeta(MetaValidationWarnings, problems)
	return Continue()
}

// PostProcess flags events that left the pipeline in no terminal state.
func (m *ValidationMiddleware) PostProcess(ctx context.Context, e *Event) {
	if e.Outcome() != OutcomeInFlight || e.RetryPending() {
		return
	}
	e.SetMeta(MetaValidationFlag, true)
	m.logger.WarnContext(ctx, "event left pipeline without a terminal state",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)))
}
