package event

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// Republisher puts an already published event back onto a queue. Bus implements it with Requeue.
type Republisher interface {
	Requeue(ctx context.Context, e *Event) error
}

// RepublisherFunc adapts a function to the Republisher interface.
type RepublisherFunc func(ctx context.Context, e *Event) error

func (f RepublisherFunc) Requeue(ctx context.Context, e *Event) error {
	return f(ctx, e)
}

// ErrorHandlingMiddleware isolates failing handlers and retries failed events.
//
// Every handler gets its own circuit breaker. When a handler fails more than the
// error threshold within the error window, the breaker opens and events are
// cancelled before they reach that handler until the breaker timeout passes.
//
// After processing, an event that carries handler errors is reset and handed to
// the Republisher after base_delay * (retry_count + 1). Once the retry count
// reaches the maximum, or when no Republisher is configured, the event is moved
// to the dead-letter store.
type ErrorHandlingMiddleware struct {
	NopMiddleware

	logger      *slog.Logger
	threshold   uint32
	window      time.Duration
	timeout     time.Duration
	maxRetries  int
	baseDelay   time.Duration
	republisher Republisher
	deadLetter  DeadLetterStore

	mu       sync.Mutex
	breakers *lru.Cache[string, *gobreaker.CircuitBreaker]

	retried      atomic.Int64
	deadLettered atomic.Int64
}

// ErrorHandlingOption configures an ErrorHandlingMiddleware.
type ErrorHandlingOption func(*ErrorHandlingMiddleware)

// WithErrorThreshold sets how many failures inside the window open a handler's breaker.
func WithErrorThreshold(n int) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if n > 0 {
			m.threshold = uint32(n)
		}
	}
}

// WithErrorWindow sets the rolling window after which failure counts reset.
func WithErrorWindow(d time.Duration) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithBreakerTimeout sets how long an open breaker skips its handler before probing again.
func WithBreakerTimeout(d time.Duration) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithMaxRetries sets how many times a failed event is requeued. Zero disables retries.
func WithMaxRetries(n int) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if n >= 0 {
			m.maxRetries = n
		}
	}
}

// WithRetryBaseDelay sets the base of the linear retry backoff.
func WithRetryBaseDelay(d time.Duration) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if d >= 0 {
			m.baseDelay = d
		}
	}
}

// WithRepublisher sets the target for retried events, usually the Bus itself.
func WithRepublisher(r Republisher) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		m.republisher = r
	}
}

// WithDeadLetterStore replaces the default in-memory dead-letter list.
func WithDeadLetterStore(s DeadLetterStore) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if s != nil {
			m.deadLetter = s
		}
	}
}

// WithErrorLogger sets the logger.
func WithErrorLogger(l *slog.Logger) ErrorHandlingOption {
	return func(m *ErrorHandlingMiddleware) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewErrorHandlingMiddleware creates the middleware with a threshold of 10 errors per
// minute, a 30s breaker timeout, 3 retries with a 1s base delay and an in-memory
// dead-letter list of 1000 events.
//
// Example:
//
//	bus := event.NewBus(event.WithScope("room-1"))
//	bus.AddMiddleware(event.NewErrorHandlingMiddleware(
//	    event.WithRepublisher(bus),
//	    event.WithMaxRetries(5),
//	))
func NewErrorHandlingMiddleware(opts ...ErrorHandlingOption) *ErrorHandlingMiddleware {
	m := &ErrorHandlingMiddleware{
		logger:     defaultLogger(),
		threshold:  10,
		window:     time.Minute,
		timeout:    30 * time.Second,
		maxRetries: 3,
		baseDelay:  time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.deadLetter == nil {
		m.deadLetter = NewMemoryDeadLetter(1000)
	}

	// lru.New only fails for a non-positive size.
	m.breakers, _ = lru.New[string, *gobreaker.CircuitBreaker](1024)
	return m
}

func (m *ErrorHandlingMiddleware) Name() string { return "error_handling" }

// PreHandle cancels the event when the handler's breaker is open.
func (m *ErrorHandlingMiddleware) PreHandle(_ context.Context, _ *Event, h Handler) Result {
	if m.breaker(h.Name()).State() == gobreaker.StateOpen {
		return Cancel(fmt.Sprintf("circuit open for handler %s", h.Name()))
	}
	return Continue()
}

// PostHandle records the handler outcome in its breaker.
func (m *ErrorHandlingMiddleware) PostHandle(_ context.Context, _ *Event, h Handler, res HandlerResult) {
	_, _ = m.breaker(h.Name()).Execute(func() (any, error) {
		return nil, res.Err
	})
}

// PostProcess schedules a retry or moves the event to the dead-letter store.
func (m *ErrorHandlingMiddleware) PostProcess(ctx context.Context, e *Event) {
	if e.IsCancelled() || !e.HasErrors() {
		return
	}

	retries := e.RetryCount()
	if m.republisher == nil || retries >= m.maxRetries {
		m.toDeadLetter(ctx, e)
		return
	}

	e.SetMeta(MetaLastErrors, e.Errors())
	e.ResetForRetry()
	e.SetMeta(MetaRetryCount, retries+1)
	m.retried.Add(1)

	delay := m.baseDelay * time.Duration(retries+1)
	m.logger.DebugContext(ctx, "event scheduled for retry",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.RetryCount(retries+1),
		logger.Delay(delay))

	ctx = context.WithoutCancel(ctx)
	time.AfterFunc(delay, func() {
		if err := m.republisher.Requeue(ctx, e); err != nil {
			m.logger.WarnContext(ctx, "failed to requeue event",
				logger.EventID(e.ID),
				logger.Error(err))
			m.toDeadLetter(ctx, e)
		}
	})
}

func (m *ErrorHandlingMiddleware) toDeadLetter(ctx context.Context, e *Event) {
	m.deadLettered.Add(1)
	m.logger.WarnContext(ctx, "event moved to dead letter",
		logger.EventID(e.ID),
		logger.EventType(string(e.Type)),
		logger.RetryCount(e.RetryCount()),
		slog.Any("errors", e.Errors()))

	if err := m.deadLetter.Add(ctx, e); err != nil {
		m.logger.ErrorContext(ctx, "failed to store dead letter",
			logger.EventID(e.ID),
			logger.Error(err))
	}
}

// DeadLetter returns the store holding events that exhausted their retries.
func (m *ErrorHandlingMiddleware) DeadLetter() DeadLetterStore {
	return m.deadLetter
}

// BreakerState returns the breaker state for a handler name.
func (m *ErrorHandlingMiddleware) BreakerState(handler string) gobreaker.State {
	return m.breaker(handler).State()
}

// Retried returns how many retries were scheduled.
func (m *ErrorHandlingMiddleware) Retried() int64 {
	return m.retried.Load()
}

// DeadLettered returns how many events were moved to the dead-letter store.
func (m *ErrorHandlingMiddleware) DeadLettered() int64 {
	return m.deadLettered.Load()
}

func (m *ErrorHandlingMiddleware) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers.Get(name); ok {
		return cb
	}

	threshold := m.threshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: m.window,
		Timeout:  m.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures > threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("handler circuit state changed",
				logger.Handler(name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	m.breakers.Add(name, cb)
	return cb
}
