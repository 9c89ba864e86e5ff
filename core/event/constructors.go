package event

// Payload keys used by the typed constructors and checked by ValidationMiddleware.
const (
	KeyNewPhase   = "new_phase"
	KeyOldPhase   = "old_phase"
	KeyActionType = "action_type"
	KeyEventName  = "event_name"
	KeyBotID      = "bot_id"
	KeyMessage    = "message"
	KeyComponent  = "component"
	KeyStateKey   = "state_key"
)

// NewPhaseChangeEvent creates a phase transition event. Phase changes default to PriorityCritical.
func NewPhaseChangeEvent(t EventType, oldPhase, newPhase string, opts ...Option) *Event {
	e := New(t, append([]Option{WithPriority(PriorityCritical)}, opts...)...)
	e.Set(KeyNewPhase, newPhase)
	if oldPhase != "" {
		e.Set(KeyOldPhase, oldPhase)
	}
	return e
}

// NewActionEvent creates a player action event.
func NewActionEvent(t EventType, playerID, actionType string, opts ...Option) *Event {
	e := New(t, append([]Option{WithPlayer(playerID)}, opts...)...)
	e.Set(KeyActionType, actionType)
	return e
}

// NewStateEvent creates a game state event for the given state key.
func NewStateEvent(t EventType, stateKey string, opts ...Option) *Event {
	e := New(t, opts...)
	if stateKey != "" {
		e.Set(KeyStateKey, stateKey)
	}
	return e
}

// NewBroadcastEvent creates a broadcast event carrying the client-facing event name.
func NewBroadcastEvent(t EventType, eventName string, opts ...Option) *Event {
	e := New(t, opts...)
	e.Set(KeyEventName, eventName)
	return e
}

// NewBotEvent creates a bot notification or request event.
func NewBotEvent(t EventType, botID string, opts ...Option) *Event {
	e := New(t, append([]Option{WithPlayer(botID)}, opts...)...)
	e.Set(KeyBotID, botID)
	return e
}

// NewGameEvent creates a game, round or turn flow event.
func NewGameEvent(t EventType, opts ...Option) *Event {
	return New(t, opts...)
}

// NewErrorEvent creates an error, warning or recovery event. Defaults to PriorityHigh.
func NewErrorEvent(t EventType, component string, err error, opts ...Option) *Event {
	e := New(t, append([]Option{WithPriority(PriorityHigh)}, opts...)...)
	e.Set(KeyComponent, component)
	if err != nil {
		e.Set(KeyMessage, err.Error())
	}
	return e
}

// NewSystemEvent creates a system lifecycle or telemetry event. Defaults to PriorityLow.
func NewSystemEvent(t EventType, opts ...Option) *Event {
	return New(t, append([]Option{WithPriority(PriorityLow)}, opts...)...)
}
