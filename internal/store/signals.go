package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/lease"
	"github.com/abhisek/nudge/internal/signal"
)

// SignalQueue is the SQLite-backed signal.Queue.
type SignalQueue struct {
	leaseTable
}

var _ signal.Queue = (*SignalQueue)(nil)

var signalColumnNames = append([]string{"id"}, append(leaseColumnNames,
	"user_id", "event_type", "payload", "priority", "window_type",
	"scheduled_window_start", "target_entity_type", "target_entity_id",
	"processing_tier", "skip_reason", "deferral_count", "next_process_after", "processed_at",
)...)

func (q *SignalQueue) Enqueue(ctx context.Context, s *signal.Signal) error {
	values := append([]any{s.ID}, leaseValues(&s.State)...)
	values = append(values,
		s.UserID, s.EventType, string(s.Payload), string(s.Priority), string(s.WindowType),
		millis(s.ScheduledWindowStart), s.TargetEntityType, s.TargetEntityID,
		string(s.ProcessingTier), s.SkipReason, s.DeferralCount, millis(s.NextProcessAfter), millis(s.ProcessedAt),
	)
	if _, err := exec(ctx, q.db, builder().
		Insert(signalsTable).
		Columns(signalColumnNames...).
		Values(values...)); err != nil {
		return fmt.Errorf("insert signal %s: %w", s.ID, err)
	}
	return nil
}

// Get loads one signal.
func (q *SignalQueue) Get(ctx context.Context, id string) (*signal.Signal, error) {
	sigs, err := q.list(ctx, entsql.EQ("id", id), 0)
	if err != nil {
		return nil, err
	}
	if len(sigs) == 0 {
		return nil, fmt.Errorf("signal %s: %w", id, ErrNotFound)
	}
	return sigs[0], nil
}

// ListByUser returns a user's signals, oldest first.
func (q *SignalQueue) ListByUser(ctx context.Context, userID string, limit int) ([]*signal.Signal, error) {
	return q.list(ctx, entsql.EQ("user_id", userID), limit)
}

func (q *SignalQueue) AcquireBatch(ctx context.Context, req lease.AcquireRequest) ([]*signal.Signal, error) {
	ids, err := q.acquire(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	return q.byIDs(ctx, ids)
}

func (q *SignalQueue) AcquireReady(ctx context.Context, req lease.AcquireRequest, f signal.Filter) ([]*signal.Signal, error) {
	ids, err := q.acquire(ctx, req, func(now int64) []*entsql.Predicate {
		return append(filterPreds(f), readyPreds(now)...)
	})
	if err != nil {
		return nil, err
	}
	return q.byIDs(ctx, ids)
}

func (q *SignalQueue) ReadyUsers(ctx context.Context, f signal.Filter, limit int) ([]string, error) {
	now := millis(q.clock.Now())
	preds := append(filterPreds(f), readyPreds(now)...)
	sel := builder().
		Select("user_id", entsql.As(entsql.Min("created_at"), "first_created_at")).
		From(entsql.Table(signalsTable)).
		Where(entsql.And(preds...)).
		GroupBy("user_id").
		OrderBy("first_created_at", "user_id")
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select ready users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var (
			user  string
			first int64
		)
		if err := rows.Scan(&user, &first); err != nil {
			return nil, fmt.Errorf("scan ready user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (q *SignalQueue) ExpireStale(ctx context.Context) (int, error) {
	now := millis(q.clock.Now())
	n, err := exec(ctx, q.db, builder().
		Update(signalsTable).
		Set("status", string(lease.StatusExpired)).
		Set("lease_holder", "").
		Set("lease_expires_at", 0).
		Where(entsql.And(
			entsql.In("status", string(lease.StatusPending), string(lease.StatusProcessing)),
			entsql.GT("expires_at", 0),
			entsql.LTE("expires_at", now),
		)))
	if err != nil {
		return 0, fmt.Errorf("expire stale signals: %w", err)
	}
	return int(n), nil
}

func (q *SignalQueue) MarkProcessed(ctx context.Context, holder string, ids ...string) error {
	return q.MarkProcessedWithTier(ctx, holder, signal.TierNone, ids...)
}

func (q *SignalQueue) MarkProcessedWithTier(ctx context.Context, holder string, tier signal.ProcessingTier, ids ...string) error {
	now := millis(q.clock.Now())
	return q.resolve(ctx, holder, lease.StatusProcessed, ids, func(u *entsql.UpdateBuilder) {
		u.Set("processing_tier", string(tier)).Set("processed_at", now)
	})
}

func (q *SignalQueue) MarkSkipped(ctx context.Context, holder, reason string, ids ...string) error {
	now := millis(q.clock.Now())
	return q.resolve(ctx, holder, lease.StatusSkipped, ids, func(u *entsql.UpdateBuilder) {
		u.Set("processing_tier", string(signal.TierSkipped)).
			Set("skip_reason", reason).
			Set("processed_at", now)
	})
}

func (q *SignalQueue) MarkExpired(ctx context.Context, ids ...string) error {
	return q.resolve(ctx, "", lease.StatusExpired, ids, nil)
}

// Defer does not enforce a deferral cap; callers check
// HasReachedMaxDeferrals before deferring.
func (q *SignalQueue) Defer(ctx context.Context, holder, id string, until time.Time) error {
	for range maxUpdateAttempts {
		s, err := q.Get(ctx, id)
		if err != nil {
			return err
		}
		before := *s
		if err := lease.CheckHeld(&s.State, holder); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		if err := s.Defer(until, math.MaxInt); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		n, err := exec(ctx, q.db, builder().
			Update(signalsTable).
			Set("status", string(s.Status)).
			Set("lease_holder", s.LeaseHolder).
			Set("lease_expires_at", millis(s.LeaseExpiresAt)).
			Set("deferral_count", s.DeferralCount).
			Set("next_process_after", millis(s.NextProcessAfter)).
			Where(entsql.And(
				entsql.EQ("id", id),
				entsql.EQ("status", string(before.Status)),
				entsql.EQ("lease_holder", before.LeaseHolder),
				entsql.EQ("deferral_count", before.DeferralCount),
			)))
		if err != nil {
			return fmt.Errorf("defer signal %s: %w", id, err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("defer signal %s: %w", id, errConcurrentUpdate)
}

// filterPreds translates a signal.Filter into predicates.
func filterPreds(f signal.Filter) []*entsql.Predicate {
	var preds []*entsql.Predicate
	if f.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", f.UserID))
	}
	if len(f.Priorities) > 0 {
		preds = append(preds, entsql.In("priority", anys(stringsOf(f.Priorities))...))
	}
	if len(f.Windows) > 0 {
		preds = append(preds, entsql.In("window_type", anys(stringsOf(f.Windows))...))
	}
	return preds
}

// readyPreds matches pending, unexpired signals whose window has opened
// and whose deferral has elapsed.
func readyPreds(now int64) []*entsql.Predicate {
	return []*entsql.Predicate{
		entsql.EQ("status", string(lease.StatusPending)),
		entsql.Or(entsql.EQ("expires_at", 0), entsql.GT("expires_at", now)),
		entsql.Or(entsql.EQ("next_process_after", 0), entsql.LTE("next_process_after", now)),
		entsql.Or(
			entsql.EQ("window_type", string(signal.WindowImmediate)),
			entsql.EQ("scheduled_window_start", 0),
			entsql.LTE("scheduled_window_start", now),
		),
	}
}

func stringsOf[T ~string](xs []T) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = string(x)
	}
	return out
}

func (q *SignalQueue) byIDs(ctx context.Context, ids []string) ([]*signal.Signal, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return q.list(ctx, entsql.In("id", anys(ids)...), 0)
}

func (q *SignalQueue) list(ctx context.Context, where *entsql.Predicate, limit int) ([]*signal.Signal, error) {
	sel := builder().
		Select(signalColumnNames...).
		From(entsql.Table(signalsTable)).
		Where(where).
		OrderBy("created_at", "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		s, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate signals: %w", err)
	}
	return out, nil
}

func scanSignal(rows *sql.Rows) (*signal.Signal, error) {
	var (
		s                                 signal.Signal
		ls                                leaseScan
		payload, priority, window, tier   string
		windowStart, nextAfter, processed int64
	)
	dest := append([]any{&s.ID}, ls.dest(&s.State)...)
	dest = append(dest,
		&s.UserID, &s.EventType, &payload, &priority, &window,
		&windowStart, &s.TargetEntityType, &s.TargetEntityID,
		&tier, &s.SkipReason, &s.DeferralCount, &nextAfter, &processed,
	)
	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan signal: %w", err)
	}
	ls.fill(&s.State)
	if payload != "" {
		s.Payload = []byte(payload)
	}
	s.Priority = signal.Priority(priority)
	s.WindowType = signal.WindowType(window)
	s.ProcessingTier = signal.ProcessingTier(tier)
	s.ScheduledWindowStart = fromMillis(windowStart)
	s.NextProcessAfter = fromMillis(nextAfter)
	s.ProcessedAt = fromMillis(processed)
	return &s, nil
}
