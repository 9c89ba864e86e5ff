package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	goredis "github.com/redis/go-redis/v9"

	"github.com/dmitrymomot/eventbus/core/event"
)

var _ event.DeadLetterStore = (*Store)(nil)

// ErrInvalidCapacity is returned by NewStore for a non-positive capacity.
var ErrInvalidCapacity = errors.New("dead letter capacity must be positive")

// Store is a DeadLetterStore backed by a capped Redis list.
// Newest events sit at the head of the list; the oldest are trimmed once the
// capacity is reached.
type Store struct {
	client   goredis.UniversalClient
	key      string
	capacity int64
}

// NewStore creates a store that keeps at most capacity events under key.
//
// Example:
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	store, err := dlredis.NewStore(client, "eventbus:deadletter:room-1", 1000)
//	if err != nil {
//	    return err
//	}
//	mw := event.NewErrorHandlingMiddleware(event.WithDeadLetterStore(store))
func NewStore(client goredis.UniversalClient, key string, capacity int) (*Store, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if key == "" {
		key = "eventbus:deadletter"
	}
	return &Store{client: client, key: key, capacity: int64(capacity)}, nil
}

// Add pushes a JSON snapshot of the event and trims the list in one transaction.
func (s *Store) Add(ctx context.Context, e *event.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode dead letter %s: %w", e.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, s.key, payload)
	pipe.LTrim(ctx, s.key, 0, s.capacity-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store dead letter %s: %w", e.ID, err)
	}
	return nil
}

// List returns the limit most recent events, oldest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*event.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}

	raw, err := s.client.LRange(ctx, s.key, 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	events := make([]*event.Event, 0, len(raw))
	for _, item := range raw {
		var e event.Event
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("failed to decode dead letter: %w", err)
		}
		events = append(events, &e)
	}
	slices.Reverse(events)
	return events, nil
}

// Len returns the number of stored events.
func (s *Store) Len(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letters: %w", err)
	}
	return int(n), nil
}

// Clear removes all stored events.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear dead letters: %w", err)
	}
	return nil
}
