package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
)

// maxUpdateAttempts bounds optimistic read-modify-write retries.
const maxUpdateAttempts = 5

var errConcurrentUpdate = errors.New("store: concurrent update")

var leaseColumnNames = []string{
	"status", "lease_holder", "lease_expires_at", "retry_count", "last_error", "created_at", "expires_at",
}

func leaseValues(s *lease.State) []any {
	return []any{
		string(s.Status), s.LeaseHolder, millis(s.LeaseExpiresAt), s.RetryCount,
		s.LastError, millis(s.CreatedAt), millis(s.ExpiresAt),
	}
}

// leaseScan receives the lease columns of a row.
type leaseScan struct {
	status                           string
	leaseExpires, created, expiresAt int64
}

func (ls *leaseScan) dest(s *lease.State) []any {
	return []any{&ls.status, &s.LeaseHolder, &ls.leaseExpires, &s.RetryCount, &s.LastError, &ls.created, &ls.expiresAt}
}

func (ls *leaseScan) fill(s *lease.State) {
	s.Status = lease.Status(ls.status)
	s.LeaseExpiresAt = fromMillis(ls.leaseExpires)
	s.CreatedAt = fromMillis(ls.created)
	s.ExpiresAt = fromMillis(ls.expiresAt)
}

// leaseTable applies the lease transitions to one table with conditional
// updates. A row changes only when its stored state still permits the
// transition, so concurrent workers race on the UPDATE and exactly one wins.
type leaseTable struct {
	db    *sql.DB
	clock clock.Clock
	table string
}

// acquirable matches rows a worker may lease at now.
func acquirable(now int64, maxRetries int) *entsql.Predicate {
	preds := []*entsql.Predicate{
		entsql.Or(entsql.EQ("expires_at", 0), entsql.GT("expires_at", now)),
		entsql.Or(
			entsql.EQ("status", string(lease.StatusPending)),
			entsql.And(
				entsql.EQ("status", string(lease.StatusProcessing)),
				entsql.GT("lease_expires_at", 0),
				entsql.LTE("lease_expires_at", now),
			),
		),
	}
	if maxRetries > 0 {
		preds = append(preds, entsql.LT("retry_count", maxRetries))
	}
	return entsql.And(preds...)
}

// acquire leases up to req.BatchSize rows, oldest first, for which where
// holds. It returns the IDs this caller won.
func (l *leaseTable) acquire(ctx context.Context, req lease.AcquireRequest, where func(now int64) []*entsql.Predicate) ([]string, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	now := l.clock.Now()
	cond := func() *entsql.Predicate {
		preds := []*entsql.Predicate{acquirable(millis(now), req.MaxRetries)}
		if where != nil {
			preds = append(preds, where(millis(now))...)
		}
		return entsql.And(preds...)
	}

	query, args := builder().
		Select("id").
		From(entsql.Table(l.table)).
		Where(cond()).
		OrderBy("created_at", "id").
		Limit(req.BatchSize).
		Query()
	candidates, err := l.queryIDs(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("select acquirable %s: %w", l.table, err)
	}

	until := millis(now.Add(req.LeaseDuration))
	var won []string
	for _, id := range candidates {
		n, err := exec(ctx, l.db, builder().
			Update(l.table).
			Set("status", string(lease.StatusProcessing)).
			Set("lease_holder", req.WorkerID).
			Set("lease_expires_at", until).
			Where(entsql.And(entsql.EQ("id", id), cond())))
		if err != nil {
			return nil, fmt.Errorf("lease %s %s: %w", l.table, id, err)
		}
		if n == 1 {
			won = append(won, id)
		}
	}
	return won, nil
}

func (l *leaseTable) queryIDs(ctx context.Context, query string, args []any) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (l *leaseTable) ReleaseExpiredLeases(ctx context.Context) (int, error) {
	now := millis(l.clock.Now())
	n, err := exec(ctx, l.db, builder().
		Update(l.table).
		Set("status", string(lease.StatusPending)).
		Set("lease_holder", "").
		Set("lease_expires_at", 0).
		Where(entsql.And(
			entsql.EQ("status", string(lease.StatusProcessing)),
			entsql.GT("lease_expires_at", 0),
			entsql.LTE("lease_expires_at", now),
		)))
	if err != nil {
		return 0, fmt.Errorf("release expired %s leases: %w", l.table, err)
	}
	return int(n), nil
}

// resolve moves the rows of ids that holder still leases to the terminal
// status to. set adds columns to the update. Rows leased by another worker
// or already resolved are left untouched and reported in a
// *lease.LostError. An empty holder skips the lease check, which only
// expiry uses. An unknown id fails the call before anything changes.
func (l *leaseTable) resolve(ctx context.Context, holder string, to lease.Status, ids []string, set func(*entsql.UpdateBuilder)) error {
	ids = unique(ids)
	if len(ids) == 0 {
		return nil
	}
	var lostErr error
	err := inTx(ctx, l.db, func(tx *sql.Tx) error {
		part, err := l.partitionHeld(ctx, tx, holder, ids)
		if err != nil {
			return err
		}
		held := part.held
		lostErr = lease.Lost(part.lost, part.allTerminal)
		if len(held) == 0 {
			return nil
		}
		u := builder().
			Update(l.table).
			Set("status", string(to)).
			Set("lease_holder", "").
			Set("lease_expires_at", 0).
			Where(entsql.And(entsql.In("id", anys(held)...), heldBy(holder)))
		if set != nil {
			set(u)
		}
		n, err := exec(ctx, tx, u)
		if err != nil {
			return fmt.Errorf("mark %s %s: %w", l.table, to, err)
		}
		if int(n) != len(held) {
			return fmt.Errorf("mark %s %s: %w", l.table, to, errConcurrentUpdate)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return lostErr
}

// heldBy matches rows holder leases, or every unresolved row when holder
// is empty.
func heldBy(holder string) *entsql.Predicate {
	if holder == "" {
		return entsql.NotIn("status", anys(terminalStatuses)...)
	}
	return entsql.And(
		entsql.EQ("status", string(lease.StatusProcessing)),
		entsql.EQ("lease_holder", holder),
	)
}

var terminalStatuses = []string{
	string(lease.StatusProcessed), string(lease.StatusSkipped),
	string(lease.StatusFailed), string(lease.StatusExpired),
}

type heldPartition struct {
	held, lost  []string
	allTerminal bool
}

// partitionHeld splits ids into rows holder may resolve and the rest.
func (l *leaseTable) partitionHeld(ctx context.Context, tx *sql.Tx, holder string, ids []string) (heldPartition, error) {
	query, args := builder().
		Select("id", "status", "lease_holder").
		From(entsql.Table(l.table)).
		Where(entsql.In("id", anys(ids)...)).
		Query()
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return heldPartition{}, fmt.Errorf("load %s statuses: %w", l.table, err)
	}
	defer rows.Close()
	states := make(map[string]lease.State, len(ids))
	for rows.Next() {
		var (
			id, status string
			st         lease.State
		)
		if err := rows.Scan(&id, &status, &st.LeaseHolder); err != nil {
			return heldPartition{}, fmt.Errorf("scan %s status: %w", l.table, err)
		}
		st.Status = lease.Status(status)
		states[id] = st
	}
	if err := rows.Err(); err != nil {
		return heldPartition{}, fmt.Errorf("iterate %s statuses: %w", l.table, err)
	}

	p := heldPartition{allTerminal: true}
	for _, id := range ids {
		st, ok := states[id]
		if !ok {
			return heldPartition{}, fmt.Errorf("%s %s: %w", l.table, id, ErrNotFound)
		}
		err := lease.CheckHeld(&st, holder)
		if holder == "" && !st.Status.IsTerminal() {
			err = nil
		}
		if err != nil {
			p.lost = append(p.lost, id)
			p.allTerminal = p.allTerminal && errors.Is(err, lease.ErrTerminal)
			continue
		}
		p.held = append(p.held, id)
	}
	return p, nil
}

func (l *leaseTable) loadState(ctx context.Context, id string) (lease.State, error) {
	var (
		st lease.State
		ls leaseScan
	)
	query, args := builder().
		Select(leaseColumnNames...).
		From(entsql.Table(l.table)).
		Where(entsql.EQ("id", id)).
		Query()
	err := l.db.QueryRowContext(ctx, query, args...).Scan(ls.dest(&st)...)
	if errors.Is(err, sql.ErrNoRows) {
		return st, fmt.Errorf("%s %s: %w", l.table, id, ErrNotFound)
	}
	if err != nil {
		return st, fmt.Errorf("load %s %s: %w", l.table, id, err)
	}
	ls.fill(&st)
	return st, nil
}

// update applies fn to the stored lease state of id and writes the result
// back only if the row is unchanged since it was read.
func (l *leaseTable) update(ctx context.Context, id string, fn func(*lease.State) error) error {
	for range maxUpdateAttempts {
		before, err := l.loadState(ctx, id)
		if err != nil {
			return err
		}
		after := before
		if err := fn(&after); err != nil {
			return fmt.Errorf("item %s: %w", id, err)
		}
		n, err := exec(ctx, l.db, builder().
			Update(l.table).
			Set("status", string(after.Status)).
			Set("lease_holder", after.LeaseHolder).
			Set("lease_expires_at", millis(after.LeaseExpiresAt)).
			Set("retry_count", after.RetryCount).
			Set("last_error", after.LastError).
			Where(entsql.And(
				entsql.EQ("id", id),
				entsql.EQ("status", string(before.Status)),
				entsql.EQ("lease_holder", before.LeaseHolder),
				entsql.EQ("retry_count", before.RetryCount),
			)))
		if err != nil {
			return fmt.Errorf("update %s %s: %w", l.table, id, err)
		}
		if n == 1 {
			return nil
		}
	}
	return fmt.Errorf("%s %s: %w", l.table, id, errConcurrentUpdate)
}

func (l *leaseTable) MarkFailed(ctx context.Context, holder, id string, cause error, maxRetries int) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.update(ctx, id, func(s *lease.State) error {
		if err := lease.CheckHeld(s, holder); err != nil {
			return err
		}
		_, err := lease.MarkFailed(s, msg, maxRetries)
		return err
	})
}

func (l *leaseTable) ReleaseLease(ctx context.Context, holder, id string) error {
	return l.update(ctx, id, func(s *lease.State) error {
		if err := lease.CheckHeld(s, holder); err != nil {
			return err
		}
		return lease.Release(s)
	})
}

func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
