package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened. The set is closed: Publish rejects unknown types.
type EventType string

// Phase transitions.
const (
	PhaseChangeRequested EventType = "phase_change_requested"
	PhaseChangeStarted   EventType = "phase_change_started"
	PhaseChangeCompleted EventType = "phase_change_completed"
	PhaseChangeFailed    EventType = "phase_change_failed"
)

// Player actions.
const (
	ActionReceived  EventType = "action_received"
	ActionValidated EventType = "action_validated"
	ActionExecuted  EventType = "action_executed"
	ActionRejected  EventType = "action_rejected"
	ActionFailed    EventType = "action_failed"
)

// Game state.
const (
	StateUpdated   EventType = "state_updated"
	StateSaved     EventType = "state_saved"
	StateLoaded    EventType = "state_loaded"
	StateCorrupted EventType = "state_corrupted"
)

// Broadcasts.
const (
	BroadcastRequested EventType = "broadcast_requested"
	BroadcastSent      EventType = "broadcast_sent"
	BroadcastFailed    EventType = "broadcast_failed"
)

// Bots.
const (
	BotNotificationSent EventType = "bot_notification_sent"
	BotActionRequest    EventType = "bot_action_request"
	BotResponseReceived EventType = "bot_response_received"
)

// Game flow.
const (
	GameStarted  EventType = "game_started"
	GameEnded    EventType = "game_ended"
	RoundStarted EventType = "round_started"
	RoundEnded   EventType = "round_ended"
	TurnStarted  EventType = "turn_started"
	TurnEnded    EventType = "turn_ended"
)

// Errors and recovery.
const (
	ErrorOccurred     EventType = "error_occurred"
	WarningIssued     EventType = "warning_issued"
	RecoveryAttempted EventType = "recovery_attempted"
)

// System.
const (
	SystemInitialized EventType = "system_initialized"
	SystemShutdown    EventType = "system_shutdown"
	HealthCheck       EventType = "health_check"
	MetricsCollected  EventType = "metrics_collected"
)

var eventTypes = []EventType{
	PhaseChangeRequested, PhaseChangeStarted, PhaseChangeCompleted, PhaseChangeFailed,
	ActionReceived, ActionValidated, ActionExecuted, ActionRejected, ActionFailed,
	StateUpdated, StateSaved, StateLoaded, StateCorrupted,
	BroadcastRequested, BroadcastSent, BroadcastFailed,
	BotNotificationSent, BotActionRequest, BotResponseReceived,
	GameStarted, GameEnded, RoundStarted, RoundEnded, TurnStarted, TurnEnded,
	ErrorOccurred, WarningIssued, RecoveryAttempted,
	SystemInitialized, SystemShutdown, HealthCheck, MetricsCollected,
}

// EventTypes returns every known event type.
func EventTypes() []EventType {
	return slices.Clone(eventTypes)
}

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	return slices.Contains(eventTypes, t)
}

func (t EventType) String() string {
	return string(t)
}

// Priority selects the queue an event goes to. Each level has its own consumer loop.
type Priority int

const (
	PriorityLow       Priority = 1
	PriorityNormal    Priority = 5
	PriorityHigh      Priority = 10
	PriorityCritical  Priority = 20
	PriorityEmergency Priority = 99
)

// priorities is ordered from the most to the least urgent.
var priorities = []Priority{PriorityEmergency, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Priorities returns all priority levels, most urgent first.
func Priorities() []Priority {
	return slices.Clone(priorities)
}

// Valid reports whether p is one of the defined levels.
func (p Priority) Valid() bool {
	return slices.Contains(priorities, p)
}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	case PriorityEmergency:
		return "EMERGENCY"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// Outcome describes where an event stands after a pipeline pass.
type Outcome int

const (
	OutcomeInFlight Outcome = iota
	OutcomeProcessed
	OutcomeCancelled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeProcessed:
		return "processed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeFailed:
		return "failed"
	default:
		return "in_flight"
	}
}

// Metadata keys written by the built-in middleware.
const (
	MetaRetryCount         = "retry_count"
	MetaLastErrors         = "last_errors"
	MetaValidationWarnings = "validation_warnings"
	MetaValidationFlag     = "validation_incomplete"
)

// Event is a record of something that happened in a game room.
//
// Identity fields (ID, Type, Priority, Timestamp, RoomID, PlayerID) must not be
// changed once the event is published. Payload, metadata and the processing
// outcome are guarded by an internal lock, because middleware and handlers on
// consumer goroutines mutate them while producers may still read them.
// Events must always be passed by pointer.
type Event struct {
	ID        string
	Type      EventType
	Priority  Priority
	Timestamp time.Time
	RoomID    string
	PlayerID  string

	mu           sync.RWMutex
	data         map[string]any
	metadata     map[string]any
	processed    bool
	cancelled    bool
	cancelReason string
	errs         []string
	retryPending bool
}

// Option configures an Event at construction time.
type Option func(*Event)

// WithPriority sets the event priority.
func WithPriority(p Priority) Option {
	return func(e *Event) {
		e.Priority = p
	}
}

// WithRoom scopes the event to a room.
func WithRoom(roomID string) Option {
	return func(e *Event) {
		e.RoomID = roomID
	}
}

// WithPlayer attaches the acting player.
func WithPlayer(playerID string) Option {
	return func(e *Event) {
		e.PlayerID = playerID
	}
}

// WithData merges the given key/value pairs into the payload.
func WithData(data map[string]any) Option {
	return func(e *Event) {
		maps.Copy(e.data, data)
	}
}

// WithMetadata merges the given key/value pairs into the metadata.
func WithMetadata(meta map[string]any) Option {
	return func(e *Event) {
		maps.Copy(e.metadata, meta)
	}
}

// New creates an event of the given type with a fresh UUID, the current time and
// PriorityNormal unless overridden.
//
// Example:
//
//	e := event.New(event.ActionReceived,
//	    event.WithRoom("room-1"),
//	    event.WithPlayer("p-7"),
//	    event.WithData(map[string]any{"action_type": "declare"}),
//	)
func New(t EventType, opts ...Option) *Event {
	e := &Event{
		ID:        uuid.New().String(),
		Type:      t,
		Priority:  PriorityNormal,
		Timestamp: time.Now(),
		data:      make(map[string]any),
		metadata:  make(map[string]any),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Get returns a payload value.
func (e *Event) Get(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

// GetString returns a payload value as a string, or "" when absent or of another type.
func (e *Event) GetString(key string) string {
	v, _ := e.Get(key)
	s, _ := v.(string)
	return s
}

// Set stores a payload value.
func (e *Event) Set(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		e.data = make(map[string]any)
	}
	e.data[key] = value
}

// Merge copies all pairs from data into the payload, overwriting existing keys.
func (e *Event) Merge(data map[string]any) {
	if len(data) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		e.data = make(map[string]any)
	}
	maps.Copy(e.data, data)
}

// Data returns a shallow copy of the payload.
func (e *Event) Data() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.data)
}

// Meta returns a metadata value.
func (e *Event) Meta(key string) (any, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.metadata[key]
	return v, ok
}

// SetMeta stores a metadata value.
func (e *Event) SetMeta(key string, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metadata == nil {
		e.metadata = make(map[string]any)
	}
	e.metadata[key] = value
}

// Metadata returns a shallow copy of the metadata.
func (e *Event) Metadata() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.metadata)
}

// RetryCount returns how many times the event was scheduled for retry.
func (e *Event) RetryCount() int {
	v, ok := e.Meta(MetaRetryCount)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// Cancel marks the event as cancelled. The first reason wins; cancellation is never undone.
func (e *Event) Cancel(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancelled {
		return
	}
	e.cancelled = true
	e.cancelReason = reason
}

// IsCancelled reports whether the event was cancelled.
func (e *Event) IsCancelled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelled
}

// CancelReason returns the reason given to Cancel.
func (e *Event) CancelReason() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cancelReason
}

// IsProcessed reports whether every selected handler was attempted.
func (e *Event) IsProcessed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.processed
}

// AddError records a handler failure as "Handler <name>: <err>".
func (e *Event) AddError(handlerName string, err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, fmt.Sprintf("Handler %s: %v", handlerName, err))
}

// Errors returns the recorded handler errors in the order they occurred.
func (e *Event) Errors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.errs)
}

// HasErrors reports whether any handler failed.
func (e *Event) HasErrors() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.errs) > 0
}

// ResetForRetry clears errors and the processed flag so the event can run through
// the pipeline again. Cancellation is not reset.
func (e *Event) ResetForRetry() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = nil
	e.processed = false
	e.retryPending = true
}

// RetryPending reports whether the event was reset for retry and not yet reprocessed.
func (e *Event) RetryPending() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.retryPending
}

// Outcome classifies the event. Cancellation wins over errors, errors win over success.
func (e *Event) Outcome() Outcome {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch {
	case e.cancelled:
		return OutcomeCancelled
	case len(e.errs) > 0:
		return OutcomeFailed
	case e.processed:
		return OutcomeProcessed
	default:
		return OutcomeInFlight
	}
}

func (e *Event) markProcessed() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.processed = true
	e.retryPending = false
}

// Snapshot returns a detached copy. Payload and metadata maps are copied shallowly.
func (e *Event) Snapshot() *Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return &Event{
		ID:           e.ID,
		Type:         e.Type,
		Priority:     e.Priority,
		Timestamp:    e.Timestamp,
		RoomID:       e.RoomID,
		PlayerID:     e.PlayerID,
		data:         maps.Clone(e.data),
		metadata:     maps.Clone(e.metadata),
		processed:    e.processed,
		cancelled:    e.cancelled,
		cancelReason: e.cancelReason,
		errs:         slices.Clone(e.errs),
		retryPending: e.retryPending,
	}
}

func (e *Event) String() string {
	return fmt.Sprintf("%s(%s, %s)", e.Type, e.ID, e.Priority)
}

// eventJSON is the wire shape used by external dead-letter stores.
type eventJSON struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Priority     Priority       `json:"priority"`
	Timestamp    time.Time      `json:"timestamp"`
	RoomID       string         `json:"room_id,omitempty"`
	PlayerID     string         `json:"player_id,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Processed    bool           `json:"processed"`
	Cancelled    bool           `json:"cancelled"`
	CancelReason string         `json:"cancel_reason,omitempty"`
	Errors       []string       `json:"errors,omitempty"`
}

// MarshalJSON encodes the event including its processing outcome.
func (e *Event) MarshalJSON() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return json.Marshal(eventJSON{
		ID:           e.ID,
		Type:         e.Type,
		Priority:     e.Priority,
		Timestamp:    e.Timestamp,
		RoomID:       e.RoomID,
		PlayerID:     e.PlayerID,
		Data:         e.data,
		Metadata:     e.metadata,
		Processed:    e.processed,
		Cancelled:    e.cancelled,
		CancelReason: e.cancelReason,
		Errors:       e.errs,
	})
}

// UnmarshalJSON decodes an event produced by MarshalJSON.
func (e *Event) UnmarshalJSON(b []byte) error {
	var v eventJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.ID = v.ID
	e.Type = v.Type
	e.Priority = v.Priority
	e.Timestamp = v.Timestamp
	e.RoomID = v.RoomID
	e.PlayerID = v.PlayerID
	e.data = v.Data
	e.metadata = v.Metadata
	if e.data == nil {
		e.data = make(map[string]any)
	}
	if e.metadata == nil {
		e.metadata = make(map[string]any)
	}
	e.processed = v.Processed
	e.cancelled = v.Cancelled
	e.cancelReason = v.CancelReason
	e.errs = v.Errors
	return nil
}
