package event

import "context"

// DeadLetterStore keeps events that exhausted their retries, for inspection only.
type DeadLetterStore interface {
	// Add stores a snapshot of the event.
	Add(ctx context.Context, e *Event) error
	// List returns the limit most recent events, oldest first. limit <= 0 returns all.
	List(ctx context.Context, limit int) ([]*Event, error)
	// Len returns the number of stored events.
	Len(ctx context.Context) (int, error)
	// Clear removes all stored events.
	Clear(ctx context.Context) error
}

// MemoryDeadLetter is an in-memory DeadLetterStore that evicts the oldest event
// once its capacity is reached.
type MemoryDeadLetter struct {
	buf *ring[*Event]
}

// NewMemoryDeadLetter creates an in-memory dead-letter list holding at most capacity events.
func NewMemoryDeadLetter(capacity int) *MemoryDeadLetter {
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryDeadLetter{buf: newRing[*Event](capacity)}
}

func (d *MemoryDeadLetter) Add(_ context.Context, e *Event) error {
	d.buf.push(e.Snapshot())
	return nil
}

func (d *MemoryDeadLetter) List(_ context.Context, limit int) ([]*Event, error) {
	return d.buf.last(limit), nil
}

func (d *MemoryDeadLetter) Len(context.Context) (int, error) {
	return d.buf.len(), nil
}

func (d *MemoryDeadLetter) Clear(context.Context) error {
	d.buf.reset()
	return nil
}
