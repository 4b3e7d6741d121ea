package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// QueryOpts configures audit queries with filtering and pagination.
type QueryOpts struct {
	UserID string    // only rows of this user when set
	Limit  int       // max results (0 = unlimited)
	From   time.Time // started at or after From
	To     time.Time // started at or before To
}

func (o QueryOpts) apply(sel *entsql.Selector, timeColumn string) *entsql.Selector {
	var preds []*entsql.Predicate
	if o.UserID != "" {
		preds = append(preds, entsql.EQ("user_id", o.UserID))
	}
	if !o.From.IsZero() {
		preds = append(preds, entsql.GTE(timeColumn, millis(o.From)))
	}
	if !o.To.IsZero() {
		preds = append(preds, entsql.LTE(timeColumn, millis(o.To)))
	}
	if len(preds) > 0 {
		sel.Where(entsql.And(preds...))
	}
	sel.OrderBy(entsql.Desc(timeColumn))
	if o.Limit > 0 {
		sel.Limit(o.Limit)
	}
	return sel
}

func builder() *entsql.DialectBuilder {
	return entsql.Dialect(dialect.SQLite)
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeJSON stores empty values as "" so unset columns stay cheap.
func encodeJSON[T any](v []T) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}

func anys[T any](xs []T) []any {
	out := make([]any, len(xs))
	for i, x := range xs {
		out[i] = x
	}
	return out
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	Query() (string, []any)
}

// exec runs q and returns the number of affected rows.
func exec(ctx context.Context, db execer, q querier) (int64, error) {
	query, args := q.Query()
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// inTx runs fn in a transaction, rolling back when fn fails.
func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
