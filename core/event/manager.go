package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// Manager owns one Bus per room plus a default, unscoped bus.
// It replaces process-wide bus registries: the application creates a Manager,
// passes it to whoever needs a bus and shuts it down explicitly.
type Manager struct {
	mu        sync.Mutex
	buses     map[string]*Bus
	busOpts   []BusOption
	setup     func(*Bus) error
	autoStart bool
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBusOptions sets options applied to every bus the manager creates.
// The room scope is always set by the manager.
func WithBusOptions(opts ...BusOption) ManagerOption {
	return func(m *Manager) {
		m.busOpts = append(m.busOpts, opts...)
	}
}

// WithAutoStart controls whether Get starts newly created buses. Default is true.
func WithAutoStart(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.autoStart = enabled
	}
}

// WithBusSetup registers a hook run on every new bus before it starts,
// typically to add middleware and subscribe room handlers.
//
// Example:
//
//	mgr := event.NewManager(event.WithBusSetup(func(b *event.Bus) error {
//	    b.AddMiddleware(event.NewErrorHandlingMiddleware(event.WithRepublisher(b)))
//	    return nil
//	}))
func WithBusSetup(fn func(*Bus) error) ManagerOption {
	return func(m *Manager) {
		m.setup = fn
	}
}

// WithManagerLogger configures structured logging for the manager and its buses.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		buses:     make(map[string]*Bus),
		autoStart: true,
		logger:    defaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the bus for roomID, creating and starting it on first use.
// An empty roomID selects the default bus.
func (m *Manager) Get(ctx context.Context, roomID string) (*Bus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buses[roomID]; ok {
		return b, nil
	}

	opts := append(slices.Clone(m.busOpts), WithBusLogger(m.logger), WithScope(roomID))
	b := NewBus(opts...)

	if m.setup != nil {
		if err := m.setup(b); err != nil {
			return nil, fmt.Errorf("failed to set up event bus for room %q: %w", roomID, err)
		}
	}
	if m.autoStart {
		if err := b.Start(ctx); err != nil {
			return nil, fmt.Errorf("failed to start event bus for room %q: %w", roomID, err)
		}
	}

	m.buses[roomID] = b
	m.logger.InfoContext(ctx, "event bus created", logger.Room(roomID))
	return b, nil
}

// Default returns the unscoped bus.
func (m *Manager) Default(ctx context.Context) (*Bus, error) {
	return m.Get(ctx, "")
}

// Reset stops and forgets the bus for roomID. The next Get creates a fresh bus.
func (m *Manager) Reset(roomID string) error {
	m.mu.Lock()
	b, ok := m.buses[roomID]
	delete(m.buses, roomID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	m.logger.Info("event bus reset", logger.Room(roomID))
	return b.Stop()
}

// Rooms returns the rooms that currently have a bus, sorted. The default bus is reported as "".
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := make([]string, 0, len(m.buses))
	for room := range m.buses {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)
	return rooms
}

// Shutdown stops every bus in parallel and forgets them. Errors are joined.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	buses := m.buses
	m.buses = make(map[string]*Bus)
	m.mu.Unlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	g, _ := errgroup.WithContext(ctx)
	for room, b := range buses {
		g.Go(func() error {
			if err := b.Stop(); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("room %q: %w", room, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.InfoContext(ctx, "event buses shut down", logger.Count("buses", len(buses)))
	return errors.Join(errs...)
}
