package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/learning"
	"github.com/abhisek/nudge/internal/recommend"
)

// PlaybookRepo implements learning.Repository.
type PlaybookRepo struct {
	db *sql.DB
}

var _ learning.Repository = (*PlaybookRepo)(nil)

var playbookColumnNames = []string{
	"user_id", "type", "context_key", "success_weight", "accepted", "dismissed",
	"completed", "not_completed", "experiment_runs", "dismiss_reasons", "updated_at",
}

func (r *PlaybookRepo) Load(ctx context.Context, userID string) (*learning.Playbook, error) {
	entries, err := loadEntries(ctx, r.db, entsql.EQ("user_id", userID))
	if err != nil {
		return nil, fmt.Errorf("load playbook of %s: %w", userID, err)
	}
	return &learning.Playbook{UserID: userID, Entries: entries}, nil
}

// UpdateEntry reads and writes the entry in one transaction. Transactions
// take the write lock when they begin, so a concurrent writer in another
// process waits and then reads the committed entry.
func (r *PlaybookRepo) UpdateEntry(ctx context.Context, userID string, typ recommend.Type, key string, fn func(*learning.Entry)) error {
	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		entries, err := loadEntries(ctx, tx, entsql.And(
			entsql.EQ("user_id", userID),
			entsql.EQ("type", string(typ)),
			entsql.EQ("context_key", key),
		))
		if err != nil {
			return fmt.Errorf("load playbook entry %s/%s: %w", typ, key, err)
		}
		e := learning.NewEntry(userID, typ, key)
		if len(entries) > 0 {
			e = entries[0]
		}
		fn(e)
		return saveEntry(ctx, tx, e)
	})
}

func loadEntries(ctx context.Context, db rowsQuerier, where *entsql.Predicate) ([]*learning.Entry, error) {
	query, args := builder().
		Select(playbookColumnNames...).
		From(entsql.Table(playbookTable)).
		Where(where).
		OrderBy("type", "context_key").
		Query()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*learning.Entry
	for rows.Next() {
		var (
			e       = learning.Entry{DismissReasons: map[string]int{}}
			typ     string
			reasons string
			updated int64
		)
		err := rows.Scan(&e.UserID, &typ, &e.ContextKey, &e.SuccessWeight, &e.Accepted, &e.Dismissed,
			&e.Completed, &e.NotCompleted, &e.ExperimentRuns, &reasons, &updated)
		if err != nil {
			return nil, fmt.Errorf("scan playbook entry: %w", err)
		}
		e.Type = recommend.Type(typ)
		if reasons != "" {
			if err := json.Unmarshal([]byte(reasons), &e.DismissReasons); err != nil {
				return nil, fmt.Errorf("decode dismiss reasons: %w", err)
			}
		}
		e.UpdatedAt = fromMillis(updated)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func saveEntry(ctx context.Context, db execer, e *learning.Entry) error {
	reasons := ""
	if len(e.DismissReasons) > 0 {
		b, err := json.Marshal(e.DismissReasons)
		if err != nil {
			return fmt.Errorf("encode dismiss reasons: %w", err)
		}
		reasons = string(b)
	}
	_, err := exec(ctx, db, builder().
		Insert(playbookTable).
		Columns(playbookColumnNames...).
		Values(
			e.UserID, string(e.Type), e.ContextKey, e.SuccessWeight, e.Accepted, e.Dismissed,
			e.Completed, e.NotCompleted, e.ExperimentRuns, reasons, millis(e.UpdatedAt),
		).
		OnConflict(
			entsql.ConflictColumns("user_id", "type", "context_key"),
			entsql.ResolveWithNewValues(),
		))
	if err != nil {
		return fmt.Errorf("save playbook entry %s/%s: %w", e.Type, e.ContextKey, err)
	}
	return nil
}
