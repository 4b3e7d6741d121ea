package signal

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
)

// MemoryQueue is an in-process Queue for tests and single-process runs.
type MemoryQueue struct {
	*lease.MemoryQueue[*Signal]
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue returns an empty queue.
func NewMemoryQueue(clk clock.Clock) *MemoryQueue {
	return &MemoryQueue{MemoryQueue: lease.NewMemoryQueue[*Signal](clk)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, s *Signal) error {
	q.Add(s)
	return nil
}

func (q *MemoryQueue) AcquireReady(ctx context.Context, req lease.AcquireRequest, f Filter) ([]*Signal, error) {
	now := q.Now()
	return q.AcquireWhere(ctx, req, func(s *Signal) bool {
		return f.Matches(s) && s.IsReadyForWindow(now) && !s.IsExpired(now)
	})
}

func (q *MemoryQueue) ReadyUsers(_ context.Context, f Filter, limit int) ([]string, error) {
	now := q.Now()
	var users []string
	for _, s := range q.All() {
		if limit > 0 && len(users) == limit {
			break
		}
		if !f.Matches(s) || !s.IsReadyForWindow(now) || s.IsExpired(now) || slices.Contains(users, s.UserID) {
			continue
		}
		users = append(users, s.UserID)
	}
	return users, nil
}

func (q *MemoryQueue) ExpireStale(_ context.Context) (int, error) {
	now := q.Now()
	var ids []string
	for _, s := range q.All() {
		if !s.Status.IsTerminal() && s.IsExpired(now) {
			ids = append(ids, s.ID)
		}
	}
	err := q.Update(func(s *Signal) error { return lease.MarkExpired(&s.State) }, ids...)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *MemoryQueue) MarkProcessedWithTier(_ context.Context, holder string, tier ProcessingTier, ids ...string) error {
	now := q.Now()
	return q.Resolve(holder, func(s *Signal) error { return s.MarkProcessed(tier, now) }, ids...)
}

func (q *MemoryQueue) MarkSkipped(_ context.Context, holder, reason string, ids ...string) error {
	now := q.Now()
	return q.Resolve(holder, func(s *Signal) error { return s.MarkSkipped(reason, now) }, ids...)
}

// Defer does not enforce a deferral cap; callers check
// HasReachedMaxDeferrals before deferring.
func (q *MemoryQueue) Defer(_ context.Context, holder, id string, until time.Time) error {
	return q.Resolve(holder, func(s *Signal) error { return s.Defer(until, math.MaxInt) }, id)
}
