package outbox

import (
	"context"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
)

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	*lease.MemoryQueue[*Entry]
}

var _ Queue = (*MemoryQueue)(nil)

func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	return &MemoryQueue{MemoryQueue: lease.NewMemoryQueue[*Entry](clk)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *Entry) error {
	q.Add(e)
	return nil
}

func (q *MemoryQueue) HasPending(_ context.Context, entityType, entityID string) (bool, error) {
	for _, e := range q.All() {
		if e.EntityType == entityType && e.EntityID == entityID && !e.Status.IsTerminal() {
			return true, nil
		}
	}
	return false, nil
}
