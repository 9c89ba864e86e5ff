package event

import (
	"slices"
	"sync"
	"time"
)

// HandlerInfo describes a registered handler for introspection.
type HandlerInfo struct {
	Name         string
	EventTypes   []EventType
	RegisteredAt time.Time
	Weak         bool
	Alive        bool
}

type registration struct {
	handler      Handler
	name         string
	registeredAt time.Time
}

// Registry maps event types to the handlers interested in them.
// Registration has set semantics per event type: registering the same handler
// twice for one type keeps a single entry. Handlers are returned in registration order.
// Registry is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[EventType][]*registration
	named    map[string]*registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[EventType][]*registration),
		named:    make(map[string]*registration),
	}
}

// Register adds h for eventType. It returns false when h was already registered for that type.
func (r *Registry) Register(eventType EventType, h Handler) (bool, error) {
	return r.RegisterAs(eventType, h, "")
}

// RegisterAs adds h for eventType under an explicit name. An empty name keeps h.Name().
func (r *Registry) RegisterAs(eventType EventType, h Handler, name string) (bool, error) {
	if h == nil {
		return false, ErrNilHandler
	}
	if !eventType.Valid() {
		return false, ErrInvalidEvent
	}
	if name != "" && name != h.Name() {
		h = &namedHandler{name: name, next: h}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.handlers[eventType] {
		if sameHandler(reg.handler, h) {
			return false, nil
		}
	}

	reg := &registration{
		handler:      h,
		name:         h.Name(),
		registeredAt: time.Now(),
	}
	r.handlers[eventType] = append(r.handlers[eventType], reg)
	r.named[reg.name] = reg
	return true, nil
}

// RegisterMulti registers h for every given type and returns how many registrations were added.
func (r *Registry) RegisterMulti(eventTypes []EventType, h Handler) (int, error) {
	added := 0
	for _, t := range eventTypes {
		ok, err := r.Register(t, h)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Unregister removes h from eventType. It reports whether an entry was removed.
func (r *Registry) Unregister(eventType EventType, h Handler) bool {
	if h == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	regs := r.handlers[eventType]
	idx := slices.IndexFunc(regs, func(reg *registration) bool {
		return sameHandler(reg.handler, h)
	})
	if idx < 0 {
		return false
	}

	removed := regs[idx]
	regs = slices.Delete(regs, idx, idx+1)
	if len(regs) == 0 {
		delete(r.handlers, eventType)
	} else {
		r.handlers[eventType] = regs
	}
	r.dropNameLocked(removed)
	return true
}

// UnregisterAll removes h from every event type and returns the number of removed entries.
func (r *Registry) UnregisterAll(h Handler) int {
	removed := 0
	for _, t := range r.EventTypes() {
		if r.Unregister(t, h) {
			removed++
		}
	}
	return removed
}

// GetHandlers returns live handlers for eventType in registration order.
// Weak handlers whose target was collected are skipped.
func (r *Registry) GetHandlers(eventType EventType) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[eventType]
	out := make([]Handler, 0, len(regs))
	for _, reg := range regs {
		if isAlive(reg.handler) {
			out = append(out, reg.handler)
		}
	}
	return out
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.named[name]
	if !ok || !isAlive(reg.handler) {
		return nil, false
	}
	return reg.handler, true
}

// CleanupDeadReferences drops registrations whose weak target was collected
// and returns how many were removed.
func (r *Registry) CleanupDeadReferences() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var dead []*registration
	for t, regs := range r.handlers {
		live := make([]*registration, 0, len(regs))
		for _, reg := range regs {
			if isAlive(reg.handler) {
				live = append(live, reg)
			} else {
				dead = append(dead, reg)
			}
		}
		if len(live) == 0 {
			delete(r.handlers, t)
		} else {
			r.handlers[t] = live
		}
	}
	for _, reg := range dead {
		r.dropNameLocked(reg)
	}
	return len(dead)
}

// Info returns introspection data for the handlers of eventType.
func (r *Registry) Info(eventType EventType) []HandlerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	regs := r.handlers[eventType]
	out := make([]HandlerInfo, 0, len(regs))
	for _, reg := range regs {
		_, isWeak := unwrapHandler(reg.handler).(*WeakHandler)
		out = append(out, HandlerInfo{
			Name:         reg.name,
			EventTypes:   r.typesOfLocked(reg.handler),
			RegisteredAt: reg.registeredAt,
			Weak:         isWeak,
			Alive:        isAlive(reg.handler),
		})
	}
	return out
}

// Count returns the number of live handlers for eventType.
func (r *Registry) Count(eventType EventType) int {
	return len(r.GetHandlers(eventType))
}

// EventTypes returns the event types that have at least one registration.
func (r *Registry) EventTypes() []EventType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]EventType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (r *Registry) typesOfLocked(h Handler) []EventType {
	var out []EventType
	for t, regs := range r.handlers {
		if slices.ContainsFunc(regs, func(reg *registration) bool {
			return sameHandler(reg.handler, h)
		}) {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

// dropNameLocked removes the named index entry once no event type references the handler.
func (r *Registry) dropNameLocked(removed *registration) {
	for _, regs := range r.handlers {
		for _, reg := range regs {
			if reg.name == removed.name && sameHandler(reg.handler, removed.handler) {
				r.named[reg.name] = reg
				return
			}
		}
	}
	if cur, ok := r.named[removed.name]; ok && sameHandler(cur.handler, removed.handler) {
		delete(r.named, removed.name)
	}
}
