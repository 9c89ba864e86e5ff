package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// State is the lifecycle state of a Bus.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

// Filter decides whether an event of its type is enqueued. Returning false drops the event.
type Filter func(e *Event) bool

// Metrics is a snapshot of bus counters.
type Metrics struct {
	EventsPublished       int64
	EventsProcessed       int64
	EventsFailed          int64
	EventsCancelled       int64
	EventsDropped         int64
	EventsRequeued        int64
	AverageProcessingTime time.Duration
	QueueSizes            map[string]int
	HandlerCount          int
	State                 State
	IsRunning             bool
	LastActivityAt        time.Time
}

// Bus is an in-process publish/subscribe event bus with one FIFO queue per priority.
//
// Every priority level has its own consumer goroutine, so a backlog at one level
// never blocks another. Within a level events are processed one at a time in
// publish order, and a slow handler delays every later event of that priority.
// Delivery is at most once: events still queued when Stop is called are discarded.
type Bus struct {
	roomID          string
	queueSize       int
	historySize     int
	shutdownTimeout time.Duration
	stuckThreshold  int
	logger          *slog.Logger

	registry *Registry
	router   *Router
	chain    chain
	queues   map[Priority]chan *Event
	history  *ring[*Event]

	// publishMu serializes the publish-side pipeline and guards filters.
	publishMu  sync.Mutex
	filters    map[EventType][]Filter
	initial    []Middleware
	middleware atomic.Pointer[[]Middleware]

	mu      sync.Mutex
	state   atomic.Int32
	cancel  context.CancelFunc
	baseCtx context.Context
	// done is closed once every consumer of the latest Start has returned.
	done chan struct{}

	published      atomic.Int64
	processed      atomic.Int64
	failed         atomic.Int64
	cancelled      atomic.Int64
	dropped        atomic.Int64
	requeued       atomic.Int64
	lastActivityAt atomic.Int64

	avgMu  sync.Mutex
	avgN   int64
	avgDur float64
}

// NewBus creates a stopped bus. Call Start to begin processing.
//
// Example:
//
//	bus := event.NewBus(event.WithScope("room-1"))
//	if err := bus.Start(ctx); err != nil {
//	    return err
//	}
//	defer bus.Stop()
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		queueSize:       10000,
		historySize:     1000,
		shutdownTimeout: 5 * time.Second,
		stuckThreshold:  1000,
		logger:          defaultLogger(),
		filters:         make(map[EventType][]Filter),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.registry == nil {
		b.registry = NewRegistry()
	}
	b.chain = chain{logger: b.logger}
	b.history = newRing[*Event](b.historySize)
	b.queues = make(map[Priority]chan *Event, len(priorities))
	for _, p := range priorities {
		b.queues[p] = make(chan *Event, b.queueSize)
	}

	mws := slices.Clone(b.initial)
	b.initial = nil
	b.middleware.Store(&mws)

	return b
}

// Room returns the room the bus is scoped to, or "" for the default bus.
func (b *Bus) Room() string {
	return b.roomID
}

// Registry returns the handler registry used by the bus.
func (b *Bus) Registry() *Registry {
	return b.registry
}

// Start launches one consumer loop per priority. Calling Start on a running bus is a no-op.
// The loops are detached from ctx cancellation; use Stop or Run to end them.
//
// After a Stop that timed out, Start returns ErrConsumersActive until the
// abandoned consumers have finished their current handlers.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) == StateRunning {
		b.logger.InfoContext(ctx, "event bus already running", logger.Room(b.roomID))
		return nil
	}

	if b.done != nil {
		select {
		case <-b.done:
		default:
			return ErrConsumersActive
		}
	}

	b.state.Store(int32(StateStarting))

	b.baseCtx = context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(b.baseCtx)
	b.cancel = cancel

	var wg sync.WaitGroup
	for _, p := range priorities {
		wg.Add(1)
		go func(q <-chan *Event) {
			defer wg.Done()
			b.consume(loopCtx, b.baseCtx, q)
		}(b.queues[p])
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	b.done = done

	b.state.Store(int32(StateRunning))
	b.logger.InfoContext(ctx, "event bus started",
		logger.Room(b.roomID),
		logger.Count("consumers", len(priorities)))
	return nil
}

// Stop cancels the consumer loops, waits up to the shutdown timeout for the events
// they are processing, then discards everything still queued. Stopping a stopped
// bus is a no-op.
func (b *Bus) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if State(b.state.Load()) != StateRunning {
		return nil
	}

	b.state.Store(int32(StateStopping))
	b.cancel()
	b.cancel = nil

	b.logger.Info("event bus stopping, waiting for consumers",
		logger.Room(b.roomID),
		logger.Timeout(b.shutdownTimeout))

	var err error
	select {
	case <-b.done:
	case <-time.After(b.shutdownTimeout):
		b.logger.Warn("event bus shutdown timeout exceeded, consumers abandoned",
			logger.Room(b.roomID),
			logger.Timeout(b.shutdownTimeout))
		err = fmt.Errorf("%w after %s", ErrShutdownTimeout, b.shutdownTimeout)
	}

	discarded := b.drain()
	b.state.Store(int32(StateStopped))
	b.logger.Info("event bus stopped",
		logger.Room(b.roomID),
		logger.Count("discarded", discarded))
	return err
}

// Run provides errgroup compatibility: it starts the bus and stops it when ctx is cancelled.
//
// Example:
//
//	g, ctx := errgroup.WithContext(ctx)
//	g.Go(bus.Run(ctx))
func (b *Bus) Run(ctx context.Context) func() error {
	return func() error {
		if err := b.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return b.Stop()
	}
}

// State returns the current lifecycle state.
func (b *Bus) State() State {
	return State(b.state.Load())
}

// IsRunning reports whether consumer loops are active.
func (b *Bus) IsRunning() bool {
	return b.State() == StateRunning
}

// Publish runs the pre-process middleware and filters, then enqueues the event
// on its priority queue. extra is merged into the event data.
//
// Publish returns nil for events cancelled by middleware or dropped by a filter.
// Errors raised while handling the event are never reported here; inspect the
// event, GetMetrics or the dead-letter store instead.
func (b *Bus) Publish(ctx context.Context, e *Event, extra map[string]any) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidEvent, int(e.Priority))
	}

	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	if e.RoomID == "" {
		e.RoomID = b.roomID
	}
	e.Merge(extra)

	if !b.chain.preProcess(ctx, b.middlewares(), e) {
		b.cancelled.Add(1)
		return nil
	}

	for _, f := range b.filters[e.Type] {
		if !b.applyFilter(ctx, f, e) {
			b.dropped.Add(1)
			b.logger.DebugContext(ctx, "event dropped by filter",
				logger.EventID(e.ID),
				logger.EventType(string(e.Type)))
			return nil
		}
	}

	// Taken before enqueueing so the consumer cannot race ahead of the copy.
	snap := e.Snapshot()
	select {
	case b.queues[e.Priority] <- e:
	default:
		b.failed.Add(1)
		return fmt.Errorf("%w: %s", ErrQueueFull, e.Priority)
	}

	b.published.Add(1)
	b.history.push(snap)
	b.logger.DebugContext(ctx, "event published",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.Priority(e.Priority.String()),
		logger.Room(e.RoomID))
	return nil
}

// Requeue puts an already published event back on its queue without running
// pre-process middleware or filters again. It is the Republisher used for retries.
func (b *Bus) Requeue(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if !b.IsRunning() {
		return ErrBusNotRunning
	}
	q, ok := b.queues[e.Priority]
	if !ok {
		return fmt.Errorf("%w: unknown priority %d", ErrInvalidEvent, int(e.Priority))
	}

	select {
	case q <- e:
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, e.Priority)
	}

	b.requeued.Add(1)
	b.logger.DebugContext(ctx, "event requeued",
		logger.EventID(e.ID),
		logger.RetryCount(e.RetryCount()))
	return nil
}

func (b *Bus) applyFilter(ctx context.Context, f Filter, e *Event) (pass bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WarnContext(ctx, "event filter panicked, letting event through",
				logger.EventID(e.ID),
				logger.EventType(string(e.Type)),
				logger.Panic(r))
			pass = true
		}
	}()
	return f(e)
}

// consume processes events from q one at a time until ctx is cancelled.
// Handlers receive base, which is never cancelled by Stop. An event received
// after cancellation is discarded like the rest of the queue.
func (b *Bus) consume(ctx, base context.Context, q <-chan *Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-q:
			if ctx.Err() != nil {
				b.dropped.Add(1)
				return
			}
			b.process(base, e)
		}
	}
}

// process drives one event through the handler pipeline.
func (b *Bus) process(base context.Context, e *Event) {
	start := time.Now()
	ctx := WithEventMeta(base, e, start)
	defer func() {
		b.lastActivityAt.Store(time.Now().UnixNano())
	}()

	handlers := b.registry.GetHandlers(e.Type)
	if b.router != nil {
		handlers = b.router.RouteEvent(e, handlers)
	}

	if len(handlers) == 0 {
		b.logger.DebugContext(ctx, "no handlers for event",
			logger.EventID(e.ID),
			logger.EventType(string(e.Type)))
		e.markProcessed()
		b.observe(time.Since(start))
		return
	}

	mws := b.middlewares()
	aborted := false
	for _, h := range handlers {
		if !isAlive(h) {
			continue
		}
		if !b.chain.preHandle(ctx, mws, e, h) {
			aborted = true
			break
		}

		hStart := time.Now()
		err := invokeHandler(ctx, h, e)
		dur := time.Since(hStart)
		if errors.Is(err, ErrHandlerCollected) {
			// Collected between lookup and invocation: nothing ran.
			b.logger.DebugContext(ctx, "handler collected, skipped",
				logger.EventID(e.ID),
				logger.Handler(h.Name()))
			err = nil
		}
		if err != nil {
			e.AddError(h.Name(), err)
			b.failed.Add(1)
			b.logger.ErrorContext(ctx, "event handler failed",
				logger.EventID(e.ID),
				logger.EventType(string(e.Type)),
				logger.Handler(h.Name()),
				logger.Duration(dur),
				logger.Error(err))
		}

		b.chain.postHandle(ctx, mws, e, h, HandlerResult{Err: err, Duration: dur})
	}

	if aborted {
		b.cancelled.Add(1)
	} else {
		e.markProcessed()
	}

	b.chain.postProcess(ctx, mws, e)

	if !aborted {
		b.observe(time.Since(start))
	}
}

// observe counts a processed event and folds its duration into the running mean.
func (b *Bus) observe(d time.Duration) {
	b.processed.Add(1)

	b.avgMu.Lock()
	defer b.avgMu.Unlock()
	b.avgN++
	b.avgDur += (float64(d) - b.avgDur) / float64(b.avgN)
}

func (b *Bus) drain() int {
	discarded := 0
	for _, p := range priorities {
		q := b.queues[p]
	drainQueue:
		for {
			select {
			case <-q:
				discarded++
			default:
				break drainQueue
			}
		}
	}
	b.dropped.Add(int64(discarded))
	return discarded
}

// Subscription is returned by Subscribe and removes exactly that registration.
type Subscription struct {
	bus     *Bus
	handler Handler
	types   []EventType
	once    sync.Once
}

// Unsubscribe removes the handler from every event type it was subscribed to.
// Calling it more than once is safe.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		for _, t := range s.types {
			s.bus.registry.Unregister(t, s.handler)
		}
	})
}

// EventTypes returns the event types covered by the subscription.
func (s *Subscription) EventTypes() []EventType {
	return slices.Clone(s.types)
}

// Subscribe registers h for eventType.
func (b *Bus) Subscribe(eventType EventType, h Handler) (*Subscription, error) {
	return b.SubscribeMulti([]EventType{eventType}, h)
}

// SubscribeAs registers h for eventType under an explicit handler name.
func (b *Bus) SubscribeAs(eventType EventType, h Handler, name string) (*Subscription, error) {
	if _, err := b.registry.RegisterAs(eventType, h, name); err != nil {
		return nil, err
	}
	return &Subscription{bus: b, handler: h, types: []EventType{eventType}}, nil
}

// SubscribeMulti registers h for every given event type.
func (b *Bus) SubscribeMulti(eventTypes []EventType, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	if _, err := b.registry.RegisterMulti(eventTypes, h); err != nil {
		return nil, err
	}
	b.logger.Debug("handler subscribed",
		logger.Handler(h.Name()),
		logger.Count("event_types", len(eventTypes)))
	return &Subscription{bus: b, handler: h, types: slices.Clone(eventTypes)}, nil
}

// SubscribeAll registers h for the event types it declares.
func (b *Bus) SubscribeAll(h TypedHandler) (*Subscription, error) {
	if h == nil {
		return nil, ErrNilHandler
	}
	return b.SubscribeMulti(h.EventTypes(), h)
}

// Unsubscribe removes h from eventType and reports whether it was registered.
func (b *Bus) Unsubscribe(eventType EventType, h Handler) bool {
	return b.registry.Unregister(eventType, h)
}

// HandlerCount returns the number of live handlers for eventType.
func (b *Bus) HandlerCount(eventType EventType) int {
	return b.registry.Count(eventType)
}

// AddMiddleware appends m to the middleware chain.
func (b *Bus) AddMiddleware(m Middleware) {
	if m == nil {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	mws := append(slices.Clone(b.middlewares()), m)
	b.middleware.Store(&mws)
}

// RemoveMiddleware removes m from the chain and reports whether it was present.
func (b *Bus) RemoveMiddleware(m Middleware) bool {
	if m == nil {
		return false
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()

	cur := b.middlewares()
	idx := slices.IndexFunc(cur, func(x Middleware) bool {
		return sameMiddleware(x, m)
	})
	if idx < 0 {
		return false
	}
	mws := slices.Delete(slices.Clone(cur), idx, idx+1)
	b.middleware.Store(&mws)
	return true
}

// Middlewares returns the current chain in execution order.
func (b *Bus) Middlewares() []Middleware {
	return slices.Clone(b.middlewares())
}

func (b *Bus) middlewares() []Middleware {
	if p := b.middleware.Load(); p != nil {
		return *p
	}
	return nil
}

func sameMiddleware(a, b Middleware) bool {
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

// AddFilter adds a predicate for eventType. An event is dropped when any of its
// type's filters returns false. A panicking filter lets the event through.
func (b *Bus) AddFilter(eventType EventType, f Filter) {
	if f == nil {
		return
	}
	b.publishMu.Lock()
	defer b.publishMu.Unlock()
	b.filters[eventType] = append(b.filters[eventType], f)
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.avgMu.Lock()
	avg := time.Duration(b.avgDur)
	b.avgMu.Unlock()

	var last time.Time
	if ts := b.lastActivityAt.Load(); ts > 0 {
		last = time.Unix(0, ts)
	}

	handlers := 0
	for _, t := range b.registry.EventTypes() {
		handlers += b.registry.Count(t)
	}

	state := b.State()
	return Metrics{
		EventsPublished:       b.published.Load(),
		EventsProcessed:       b.processed.Load(),
		EventsFailed:          b.failed.Load(),
		EventsCancelled:       b.cancelled.Load(),
		EventsDropped:         b.dropped.Load(),
		EventsRequeued:        b.requeued.Load(),
		AverageProcessingTime: avg,
		QueueSizes:            b.GetQueueSizes(),
		HandlerCount:          handlers,
		State:                 state,
		IsRunning:             state == StateRunning,
		LastActivityAt:        last,
	}
}

// GetEventHistory returns copies of the limit most recently published events,
// oldest first, as they were when enqueued. limit <= 0 returns the whole history.
func (b *Bus) GetEventHistory(limit int) []*Event {
	events := b.history.last(limit)
	out := make([]*Event, len(events))
	for i, e := range events {
		out[i] = e.Snapshot()
	}
	return out
}

// GetQueueSizes returns the number of queued events per priority name.
func (b *Bus) GetQueueSizes() map[string]int {
	out := make(map[string]int, len(b.queues))
	for p, q := range b.queues {
		out[p.String()] = len(q)
	}
	return out
}

// Healthcheck reports whether the bus is running and not overloaded.
func (b *Bus) Healthcheck(ctx context.Context) error {
	if !b.IsRunning() {
		return errors.Join(ErrHealthcheckFailed, ErrBusNotRunning)
	}

	queued := 0
	for _, n := range b.GetQueueSizes() {
		queued += n
	}
	if queued > b.stuckThreshold {
		b.logger.WarnContext(ctx, "event bus overloaded",
			logger.Room(b.roomID),
			logger.Count("queued", queued))
		return errors.Join(ErrHealthcheckFailed, ErrBusOverloaded)
	}
	return nil
}
