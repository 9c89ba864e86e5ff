package event

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// HandlerStats aggregates invocation timings for one handler.
type HandlerStats struct {
	Calls   int64
	Errors  int64
	Total   time.Duration
	Min     time.Duration
	Max     time.Duration
	Average time.Duration
}

// MetricsSnapshot is a point-in-time copy of MetricsMiddleware counters.
type MetricsSnapshot struct {
	EventsByType     map[EventType]int64
	EventsByPriority map[Priority]int64
	Handlers         map[string]HandlerStats
}

// MetricsMiddleware counts events by type and priority and tracks per-handler
// durations. Every report interval it logs the top event types and the slowest handlers.
type MetricsMiddleware struct {
	NopMiddleware

	logger         *slog.Logger
	reportInterval time.Duration
	topN           int
	now            func() time.Time

	mu         sync.Mutex
	byType     map[EventType]int64
	byPriority map[Priority]int64
	handlers   map[string]*HandlerStats
	lastReport time.Time

	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	failures *prometheus.CounterVec
}

// MetricsOption configures a MetricsMiddleware.
type MetricsOption func(*MetricsMiddleware)

// WithMetricsLogger sets the logger used for periodic rollups.
func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(m *MetricsMiddleware) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithReportInterval sets how often the rollup is logged. Zero disables rollups.
func WithReportInterval(d time.Duration) MetricsOption {
	return func(m *MetricsMiddleware) {
		if d >= 0 {
			m.reportInterval = d
		}
	}
}

// WithTopN sets how many event types and handlers the rollup lists.
func WithTopN(n int) MetricsOption {
	return func(m *MetricsMiddleware) {
		if n > 0 {
			m.topN = n
		}
	}
}

// WithMetricsRegisterer additionally exports counters and a duration histogram
// to Prometheus. Collectors already registered by another middleware instance are reused.
//
// Example:
//
//	mw := event.NewMetricsMiddleware(event.WithMetricsRegisterer(prometheus.DefaultRegisterer))
func WithMetricsRegisterer(reg prometheus.Registerer) MetricsOption {
	return func(m *MetricsMiddleware) {
		if reg == nil {
			return
		}
		m.events = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "events_total",
			Help:      "Events that reached the handler pipeline, by type and priority.",
		}, []string{"type", "priority"}))
		m.duration = registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "eventbus",
			Name:      "handler_duration_seconds",
			Help:      "Handler invocation duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}))
		m.failures = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventbus",
			Name:      "handler_errors_total",
			Help:      "Handler invocations that returned an error.",
		}, []string{"handler"}))
	}
}

func registerCollector[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// NewMetricsMiddleware creates a metrics middleware. The default report interval is one minute.
func NewMetricsMiddleware(opts ...MetricsOption) *MetricsMiddleware {
	m := &MetricsMiddleware{
		logger:         defaultLogger(),
		reportInterval: time.Minute,
		topN:           5,
		now:            time.Now,
		byType:         make(map[EventType]int64),
		byPriority:     make(map[Priority]int64),
		handlers:       make(map[string]*HandlerStats),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.lastReport = m.now()
	return m
}

func (m *MetricsMiddleware) Name() string { return "metrics" }

// PreProcess counts the event by type and priority.
func (m *MetricsMiddleware) PreProcess(_ context.Context, e *Event) Result {
	m.mu.Lock()
	m.byType[e.Type]++
	m.byPriority[e.Priority]++
	m.mu.Unlock()

	if m.events != nil {
		m.events.WithLabelValues(string(e.Type), e.Priority.String()).Inc()
	}
	return Continue()
}

// PostHandle records the handler duration and outcome.
func (m *MetricsMiddleware) PostHandle(_ context.Context, _ *Event, h Handler, res HandlerResult) {
	name := h.Name()

	m.mu.Lock()
	st, ok := m.handlers[name]
	if !ok {
		st = &HandlerStats{Min: res.Duration}
		m.handlers[name] = st
	}
	st.Calls++
	st.Total += res.Duration
	st.Min = min(st.Min, res.Duration)
	st.Max = max(st.Max, res.Duration)
	st.Average = st.Total / time.Duration(st.Calls)
	if res.Err != nil {
		st.Errors++
	}
	m.mu.Unlock()

	if m.duration != nil {
		m.duration.WithLabelValues(name).Observe(res.Duration.Seconds())
	}
	if m.failures != nil && res.Err != nil {
		m.failures.WithLabelValues(name).Inc()
	}
}

// PostProcess logs the rollup once the report interval has elapsed.
func (m *MetricsMiddleware) PostProcess(ctx context.Context, _ *Event) {
	if m.reportInterval <= 0 {
		return
	}

	m.mu.Lock()
	now := m.now()
	if now.Sub(m.lastReport) < m.reportInterval {
		m.mu.Unlock()
		return
	}
	m.lastReport = now
	m.mu.Unlock()

	m.Report(ctx)
}

// Report logs the top event types and the slowest handlers.
func (m *MetricsMiddleware) Report(ctx context.Context) {
	snap := m.Snapshot()

	types := slices.SortedFunc(maps.Keys(snap.EventsByType), func(a, b EventType) int {
		return cmp.Or(cmp.Compare(snap.EventsByType[b], snap.EventsByType[a]), cmp.Compare(a, b))
	})
	handlers := slices.SortedFunc(maps.Keys(snap.Handlers), func(a, b string) int {
		return cmp.Or(cmp.Compare(snap.Handlers[b].Average, snap.Handlers[a].Average), cmp.Compare(a, b))
	})

	typeAttrs := make([]slog.Attr, 0, m.topN)
	for _, t := range types[:min(m.topN, len(types))] {
		typeAttrs = append(typeAttrs, slog.Int64(string(t), snap.EventsByType[t]))
	}
	handlerAttrs := make([]slog.Attr, 0, m.topN)
	for _, name := range handlers[:min(m.topN, len(handlers))] {
		handlerAttrs = append(handlerAttrs, slog.Duration(name, snap.Handlers[name].Average))
	}

	m.logger.InfoContext(ctx, "event metrics",
		logger.Group("top_event_types", typeAttrs...),
		logger.Group("slowest_handlers", handlerAttrs...))
}

// Snapshot returns a copy of the collected counters.
func (m *MetricsMiddleware) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	handlers := make(map[string]HandlerStats, len(m.handlers))
	for name, st := range m.handlers {
		handlers[name] = *st
	}
	return MetricsSnapshot{
		EventsByType:     maps.Clone(m.byType),
		EventsByPriority: maps.Clone(m.byPriority),
		Handlers:         handlers,
	}
}
