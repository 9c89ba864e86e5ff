package event

import (
	"cmp"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"regexp"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dmitrymomot/eventbus/core/logger"
)

// Strategy selects which of the matching handlers receive an event.
type Strategy int

const (
	// Broadcast delivers to every handler.
	Broadcast Strategy = iota
	// RoundRobin delivers to one handler, rotating through them per rule.
	RoundRobin
	// PriorityPick delivers to the first handler. Handlers carry no priority of their own,
	// so the order of the rule's target list decides.
	PriorityPick
	// Random delivers to one uniformly chosen handler.
	Random
	// FirstMatch delivers to the first handler.
	FirstMatch
)

func (s Strategy) String() string {
	switch s {
	case Broadcast:
		return "broadcast"
	case RoundRobin:
		return "round_robin"
	case PriorityPick:
		return "priority"
	case Random:
		return "random"
	case FirstMatch:
		return "first_match"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Condition is a custom predicate evaluated against an event.
type Condition func(e *Event) bool

// Rule narrows delivery for events it matches. Empty filter fields match everything.
type Rule struct {
	Name string

	// Filters. Pattern is matched against the event type.
	EventTypes []EventType
	Pattern    *regexp.Regexp
	Rooms      []string
	Players    []string
	Conditions []Condition

	// MaxEventsPerSecond throttles the rule. With Burst == 0 a match is rejected
	// while less than 1/MaxEventsPerSecond has passed since the last accepted match.
	// With Burst > 0 a token bucket of that size is used instead.
	MaxEventsPerSecond float64
	Burst              int

	// TargetHandlers limits and orders the candidate handlers by name.
	TargetHandlers  []string
	ExcludeHandlers []string
	Strategy        Strategy

	// Priority orders rule evaluation, highest first. Equal priorities keep registration order.
	Priority int
	Disabled bool
}

// RuleStats reports how often a rule matched.
type RuleStats struct {
	Name        string
	Priority    int
	Strategy    Strategy
	Enabled     bool
	Matches     int64
	Throttled   int64
	LastMatched time.Time
}

type routeRule struct {
	Rule
	seq        int
	limiter    *rate.Limiter
	index      int
	matchCount int64
	throttled  int64
	lastMatch  time.Time
}

// Router selects handlers for events using prioritized rules. When no rule
// matches, the default strategy is applied to all handlers.
type Router struct {
	mu       sync.Mutex
	rules    []*routeRule
	seq      int
	fallback Strategy
	fallIdx  int
	logger   *slog.Logger
	now      func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefaultStrategy sets the strategy used when no rule matches. Defaults to Broadcast.
func WithDefaultStrategy(s Strategy) RouterOption {
	return func(r *Router) {
		r.fallback = s
	}
}

// WithRouterLogger sets the logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter creates an empty router.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		fallback: Broadcast,
		logger:   defaultLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddRule registers a rule. Names must be unique.
//
// Example:
//
//	router.AddRule(event.Rule{
//	    Name:       "bots-round-robin",
//	    EventTypes: []event.EventType{event.BotActionRequest},
//	    Strategy:   event.RoundRobin,
//	    Priority:   10,
//	})
func (r *Router) AddRule(rule Rule) error {
	if rule.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if rule.MaxEventsPerSecond < 0 || rule.Burst < 0 {
		return fmt.Errorf("%w: rate limit must not be negative", ErrInvalidRule)
	}
	if rule.Strategy < Broadcast || rule.Strategy > FirstMatch {
		return fmt.Errorf("%w: unknown strategy %d", ErrInvalidRule, rule.Strategy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if slices.ContainsFunc(r.rules, func(rr *routeRule) bool { return rr.Name == rule.Name }) {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name)
	}

	rr := &routeRule{Rule: rule, seq: r.seq}
	r.seq++
	if rule.MaxEventsPerSecond > 0 && rule.Burst > 0 {
		rr.limiter = rate.NewLimiter(rate.Limit(rule.MaxEventsPerSecond), rule.Burst)
	}

	r.rules = append(r.rules, rr)
	slices.SortStableFunc(r.rules, func(a, b *routeRule) int {
		return cmp.Or(cmp.Compare(b.Priority, a.Priority), cmp.Compare(a.seq, b.seq))
	})
	return nil
}

// RemoveRule deletes a rule by name.
func (r *Router) RemoveRule(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.rules, func(rr *routeRule) bool { return rr.Name == name })
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.rules = slices.Delete(r.rules, idx, idx+1)
	return nil
}

// EnableRule toggles a rule without removing it.
func (r *Router) EnableRule(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rr := range r.rules {
		if rr.Name == name {
			rr.Disabled = !enabled
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
}

// Rules returns rule statistics in evaluation order.
func (r *Router) Rules() []RuleStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RuleStats, 0, len(r.rules))
	for _, rr := range r.rules {
		out = append(out, RuleStats{
			Name:        rr.Name,
			Priority:    rr.Priority,
			Strategy:    rr.Strategy,
			Enabled:     !rr.Disabled,
			Matches:     rr.matchCount,
			Throttled:   rr.throttled,
			LastMatched: rr.lastMatch,
		})
	}
	return out
}

// RouteEvent returns the handlers that should receive e. The first enabled rule
// that matches decides; otherwise the default strategy applies to all handlers.
func (r *Router) RouteEvent(e *Event, handlers []Handler) []Handler {
	if len(handlers) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for _, rr := range r.rules {
		if rr.Disabled || !rr.matches(e) {
			continue
		}
		if !rr.allow(now) {
			rr.throttled++
			continue
		}
		rr.matchCount++
		rr.lastMatch = now

		selected := rr.apply(rr.candidates(handlers))
		r.logger.Debug("event routed",
			logger.EventID(e.ID),
			logger.Rule(rr.Name),
			slog.String("strategy", rr.Strategy.String()),
			logger.Count("handlers", len(selected)))
		return selected
	}

	return pick(r.fallback, handlers, &r.fallIdx)
}

func (rr *routeRule) matches(e *Event) bool {
	if len(rr.EventTypes) > 0 && !slices.Contains(rr.EventTypes, e.Type) {
		return false
	}
	if rr.Pattern != nil && !rr.Pattern.MatchString(string(e.Type)) {
		return false
	}
	if len(rr.Rooms) > 0 && !slices.Contains(rr.Rooms, e.RoomID) {
		return false
	}
	if len(rr.Players) > 0 && !slices.Contains(rr.Players, e.PlayerID) {
		return false
	}
	for _, cond := range rr.Conditions {
		if !safeCondition(cond, e) {
			return false
		}
	}
	return true
}

func (rr *routeRule) allow(now time.Time) bool {
	if rr.MaxEventsPerSecond <= 0 {
		return true
	}
	if rr.limiter != nil {
		return rr.limiter.AllowN(now, 1)
	}
	if rr.lastMatch.IsZero() {
		return true
	}
	minGap := time.Duration(float64(time.Second) / rr.MaxEventsPerSecond)
	return now.Sub(rr.lastMatch) >= minGap
}

// candidates filters handlers by the rule's target and exclude lists. Targets
// also define the order of the result.
func (rr *routeRule) candidates(handlers []Handler) []Handler {
	var out []Handler
	if len(rr.TargetHandlers) > 0 {
		for _, name := range rr.TargetHandlers {
			for _, h := range handlers {
				if h.Name() == name {
					out = append(out, h)
				}
			}
		}
	} else {
		out = slices.Clone(handlers)
	}

	if len(rr.ExcludeHandlers) > 0 {
		out = slices.DeleteFunc(out, func(h Handler) bool {
			return slices.Contains(rr.ExcludeHandlers, h.Name())
		})
	}
	return out
}

func (rr *routeRule) apply(handlers []Handler) []Handler {
	return pick(rr.Strategy, handlers, &rr.index)
}

func pick(s Strategy, handlers []Handler, index *int) []Handler {
	if len(handlers) == 0 {
		return nil
	}
	switch s {
	case RoundRobin:
		i := *index % len(handlers)
		*index = (i + 1) % len(handlers)
		return handlers[i : i+1]
	case PriorityPick, FirstMatch:
		return handlers[:1]
	case Random:
		i := rand.IntN(len(handlers))
		return handlers[i : i+1]
	default:
		return handlers
	}
}

func safeCondition(cond Condition, e *Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return cond(e)
}
