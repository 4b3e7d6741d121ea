package store

import (
	"context"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/lease"
	"github.com/abhisek/nudge/internal/outbox"
)

// OutboxQueue is the SQLite-backed outbox.Queue.
type OutboxQueue struct {
	leaseTable
}

var _ outbox.Queue = (*OutboxQueue)(nil)

var outboxColumnNames = append([]string{"id"}, append(leaseColumnNames,
	"entity_type", "entity_id", "processed_at",
)...)

func (q *OutboxQueue) Enqueue(ctx context.Context, e *outbox.Entry) error {
	values := append([]any{e.ID}, leaseValues(&e.State)...)
	values = append(values, e.EntityType, e.EntityID, millis(e.ProcessedAt))
	if _, err := exec(ctx, q.db, builder().
		Insert(outboxTable).
		Columns(outboxColumnNames...).
		Values(values...)); err != nil {
		return fmt.Errorf("insert outbox entry %s: %w", e.ID, err)
	}
	return nil
}

func (q *OutboxQueue) HasPending(ctx context.Context, entityType, entityID string) (bool, error) {
	query, args := builder().
		Select("id").
		From(entsql.Table(outboxTable)).
		Where(entsql.And(
			entsql.EQ("entity_type", entityType),
			entsql.EQ("entity_id", entityID),
			entsql.In("status", string(lease.StatusPending), string(lease.StatusProcessing)),
		)).
		Limit(1).
		Query()
	ids, err := q.queryIDs(ctx, query, args)
	if err != nil {
		return false, fmt.Errorf("query pending outbox entries: %w", err)
	}
	return len(ids) > 0, nil
}

func (q *OutboxQueue) AcquireBatch(ctx context.Context, req lease.AcquireRequest) ([]*outbox.Entry, error) {
	ids, err := q.acquire(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return q.list(ctx, entsql.In("id", anys(ids)...))
}

// Get loads one entry.
func (q *OutboxQueue) Get(ctx context.Context, id string) (*outbox.Entry, error) {
	entries, err := q.list(ctx, entsql.EQ("id", id))
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("outbox entry %s: %w", id, ErrNotFound)
	}
	return entries[0], nil
}

func (q *OutboxQueue) MarkProcessed(ctx context.Context, holder string, ids ...string) error {
	now := millis(q.clock.Now())
	return q.resolve(ctx, holder, lease.StatusProcessed, ids, func(u *entsql.UpdateBuilder) {
		u.Set("processed_at", now)
	})
}

func (q *OutboxQueue) MarkExpired(ctx context.Context, ids ...string) error {
	return q.resolve(ctx, "", lease.StatusExpired, ids, nil)
}

func (q *OutboxQueue) list(ctx context.Context, where *entsql.Predicate) ([]*outbox.Entry, error) {
	query, args := builder().
		Select(outboxColumnNames...).
		From(entsql.Table(outboxTable)).
		Where(where).
		OrderBy("created_at", "id").
		Query()
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox entries: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Entry
	for rows.Next() {
		var (
			e         outbox.Entry
			ls        leaseScan
			processed int64
		)
		dest := append([]any{&e.ID}, ls.dest(&e.State)...)
		dest = append(dest, &e.EntityType, &e.EntityID, &processed)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		ls.fill(&e.State)
		e.ProcessedAt = fromMillis(processed)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entries: %w", err)
	}
	return out, nil
}
