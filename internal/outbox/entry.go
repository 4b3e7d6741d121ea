// Package outbox implements the embedding outbox: durable "entity changed,
// re-embed it" markers that a lease worker drains in deduplicated batches.
package outbox

import (
	"context"
	"sort"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/google/uuid"
)

// Entry marks one observed change to an entity.
type Entry struct {
	lease.State

	ID          string
	EntityType  string
	EntityID    string
	ProcessedAt time.Time
}

func (e *Entry) ItemID() string      { return e.ID }
func (e *Entry) Lease() *lease.State { return &e.State }

// Key identifies the entity an entry refers to.
func (e *Entry) Key() EntityKey {
	return EntityKey{Type: e.EntityType, ID: e.EntityID}
}

// EntityKey groups entries that refer to the same entity.
type EntityKey struct {
	Type string
	ID   string
}

// NewEntry returns a pending entry created at now.
func NewEntry(entityType, entityID string, now time.Time) *Entry {
	return &Entry{
		State:      lease.NewState(now),
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
	}
}

// Queue is the lease queue of outbox entries.
type Queue interface {
	lease.Queue[*Entry]
	Enqueue(ctx context.Context, e *Entry) error

	// HasPending reports whether an unresolved entry exists for the entity.
	HasPending(ctx context.Context, entityType, entityID string) (bool, error)
}

// Dedupe keeps only the most recently created entry per entity. The result
// is ordered by creation time.
func Dedupe(entries []*Entry) []*Entry {
	latest := make(map[EntityKey]*Entry, len(entries))
	for _, e := range entries {
		cur, ok := latest[e.Key()]
		if !ok || e.CreatedAt.After(cur.CreatedAt) {
			latest[e.Key()] = e
		}
	}

	out := make([]*Entry, 0, len(latest))
	for _, e := range latest {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Recorder enqueues entries for entity changes. It satisfies
// signal.EntityChangeRecorder.
type Recorder struct {
	queue Queue
	clock clock.Clock
}

// NewRecorder returns a Recorder writing to queue.
func NewRecorder(queue Queue, clk clock.Clock) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}
	return &Recorder{queue: queue, clock: clk}
}

// RecordChange enqueues a re-embedding marker for the entity.
func (r *Recorder) RecordChange(ctx context.Context, entityType, entityID string) error {
	return r.queue.Enqueue(ctx, NewEntry(entityType, entityID, r.clock.Now()))
}
