package lease

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/abhisek/nudge/internal/clock"
)

// AcquireRequest describes one batch acquisition.
type AcquireRequest struct {
	WorkerID      string
	LeaseDuration time.Duration
	BatchSize     int
	MaxRetries    int
}

// Validate checks the request before it reaches storage.
func (r AcquireRequest) Validate() error {
	switch {
	case r.WorkerID == "":
		return errors.New("lease: worker id is required")
	case r.LeaseDuration <= 0:
		return fmt.Errorf("lease: lease duration must be positive, got %s", r.LeaseDuration)
	case r.BatchSize <= 0:
		return fmt.Errorf("lease: batch size must be positive, got %d", r.BatchSize)
	}
	return nil
}

// Queue is the contract shared by the signal queue and the embedding
// outbox queue. AcquireBatch must be atomic per item: two concurrent
// callers never receive the same item.
//
// MarkProcessed, MarkFailed and ReleaseLease apply only to items the
// holder still leases. Items leased by another worker or already resolved
// are left untouched and reported through an error for which IsLost holds.
type Queue[T any] interface {
	// ReleaseExpiredLeases returns Processing items whose lease has lapsed
	// to Pending and reports how many were released.
	ReleaseExpiredLeases(ctx context.Context) (int, error)

	AcquireBatch(ctx context.Context, req AcquireRequest) ([]T, error)
	MarkProcessed(ctx context.Context, holder string, ids ...string) error
	MarkFailed(ctx context.Context, holder, id string, cause error, maxRetries int) error
	// MarkExpired applies regardless of lease state.
	MarkExpired(ctx context.Context, ids ...string) error
	ReleaseLease(ctx context.Context, holder, id string) error
}

// Item is implemented by work items stored in a MemoryQueue.
type Item interface {
	ItemID() string
	Lease() *State
}

// MemoryQueue is an in-process Queue guarded by a single mutex. It backs
// tests and single-process deployments.
type MemoryQueue[T Item] struct {
	mu    sync.Mutex
	clock clock.Clock
	items map[string]T
}

// NewMemoryQueue returns an empty queue using clk for lease timing.
func NewMemoryQueue[T Item](clk clock.Clock) *MemoryQueue[T] {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryQueue[T]{clock: clk, items: make(map[string]T)}
}

// Add enqueues an item.
func (q *MemoryQueue[T]) Add(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[item.ItemID()] = item
}

// Get returns the item with id.
func (q *MemoryQueue[T]) Get(id string) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	return item, ok
}

// All returns every item ordered by creation time.
func (q *MemoryQueue[T]) All() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedLocked()
}

func (q *MemoryQueue[T]) ReleaseExpiredLeases(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	released := 0
	for _, item := range q.items {
		if ReleaseExpired(item.Lease(), now) {
			released++
		}
	}
	return released, nil
}

func (q *MemoryQueue[T]) AcquireBatch(ctx context.Context, req AcquireRequest) ([]T, error) {
	return q.AcquireWhere(ctx, req, nil)
}

// AcquireWhere acquires up to req.BatchSize items for which match returns
// true, oldest first. A nil match accepts every acquirable item.
func (q *MemoryQueue[T]) AcquireWhere(_ context.Context, req AcquireRequest, match func(T) bool) ([]T, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	var out []T
	for _, item := range q.sortedLocked() {
		if len(out) == req.BatchSize {
			break
		}
		if match != nil && !match(item) {
			continue
		}
		if err := Acquire(item.Lease(), req.WorkerID, req.LeaseDuration, now, req.MaxRetries); err != nil {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (q *MemoryQueue[T]) MarkProcessed(_ context.Context, holder string, ids ...string) error {
	return q.Resolve(holder, func(item T) error { return MarkProcessed(item.Lease()) }, ids...)
}

func (q *MemoryQueue[T]) MarkExpired(_ context.Context, ids ...string) error {
	return q.Update(func(item T) error { return MarkExpired(item.Lease()) }, ids...)
}

// MarkSkipped resolves ids without processing them.
func (q *MemoryQueue[T]) MarkSkipped(_ context.Context, holder string, ids ...string) error {
	return q.Resolve(holder, func(item T) error { return MarkSkipped(item.Lease()) }, ids...)
}

func (q *MemoryQueue[T]) MarkFailed(_ context.Context, holder, id string, cause error, maxRetries int) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return q.Resolve(holder, func(item T) error {
		_, err := MarkFailed(item.Lease(), msg, maxRetries)
		return err
	}, id)
}

func (q *MemoryQueue[T]) ReleaseLease(_ context.Context, holder, id string) error {
	return q.Resolve(holder, func(item T) error { return Release(item.Lease()) }, id)
}

// Resolve runs fn under the queue lock on each item holder still leases.
// The other items are left untouched and returned in a *LostError. An
// unknown id fails the call before anything changes.
func (q *MemoryQueue[T]) Resolve(holder string, fn func(T) error, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		if _, ok := q.items[id]; !ok {
			return fmt.Errorf("lease: item %s not found", id)
		}
	}
	var (
		lost        []string
		allTerminal = true
		seen        = make(map[string]bool, len(ids))
	)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		item := q.items[id]
		if err := CheckHeld(item.Lease(), holder); err != nil {
			lost = append(lost, id)
			allTerminal = allTerminal && errors.Is(err, ErrTerminal)
			continue
		}
		if err := fn(item); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
	}
	return Lost(lost, allTerminal)
}

// Update runs fn on each item under the queue lock, stopping at the first
// error. Item types use it for transitions beyond the lease lifecycle.
func (q *MemoryQueue[T]) Update(fn func(T) error, ids ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range ids {
		item, ok := q.items[id]
		if !ok {
			return fmt.Errorf("lease: item %s not found", id)
		}
		if err := fn(item); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
	}
	return nil
}

// Now returns the queue clock's current time.
func (q *MemoryQueue[T]) Now() time.Time {
	return q.clock.Now()
}

func (q *MemoryQueue[T]) sortedLocked() []T {
	out := make([]T, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Lease().CreatedAt, out[j].Lease().CreatedAt
		if a.Equal(b) {
			return out[i].ItemID() < out[j].ItemID()
		}
		return a.Before(b)
	})
	return out
}
