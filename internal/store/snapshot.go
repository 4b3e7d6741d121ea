package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/outbox"
	"github.com/abhisek/nudge/internal/state"
)

// SnapshotRepo keeps the history of user state snapshots and the flattened
// entity text of each user's latest snapshot. It implements state.Provider
// and outbox.TextSource.
type SnapshotRepo struct {
	db    *sql.DB
	clock clock.Clock
}

var (
	_ state.Provider    = (*SnapshotRepo)(nil)
	_ outbox.TextSource = (*SnapshotRepo)(nil)
)

// Save stores snap as the user's latest snapshot and refreshes the entity
// table. It returns the entities whose text changed or that disappeared,
// which are the ones needing a new embedding.
func (r *SnapshotRepo) Save(ctx context.Context, snap *state.UserStateSnapshot) ([]outbox.EntityKey, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	if snap.CapturedAt.IsZero() {
		snap.CapturedAt = r.clock.Now()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var changed []outbox.EntityKey
	err = inTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := exec(ctx, tx, builder().
			Insert(snapshotsTable).
			Columns("user_id", "captured_at", "data").
			Values(snap.UserID, millis(snap.CapturedAt), string(data))); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}

		before, err := entityTexts(ctx, tx, snap.UserID)
		if err != nil {
			return err
		}
		if _, err := exec(ctx, tx, builder().
			Delete(entitiesTable).
			Where(entsql.EQ("user_id", snap.UserID))); err != nil {
			return fmt.Errorf("clear entities: %w", err)
		}
		for _, e := range snap.Entities() {
			key := outbox.EntityKey{Type: e.Type, ID: e.ID}
			if old, ok := before[key]; !ok || old != e.Text {
				changed = append(changed, key)
			}
			delete(before, key)
			if _, err := exec(ctx, tx, builder().
				Insert(entitiesTable).
				Columns("entity_type", "entity_id", "user_id", "text", "updated_at").
				Values(e.Type, e.ID, e.UserID, e.Text, millis(e.UpdatedAt)).
				OnConflict(
					entsql.ConflictColumns("entity_type", "entity_id"),
					entsql.ResolveWithNewValues(),
				)); err != nil {
				return fmt.Errorf("save entity %s/%s: %w", e.Type, e.ID, err)
			}
		}
		for key := range before {
			changed = append(changed, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

type rowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func entityTexts(ctx context.Context, db rowsQuerier, userID string) (map[outbox.EntityKey]string, error) {
	query, args := builder().
		Select("entity_type", "entity_id", "text").
		From(entsql.Table(entitiesTable)).
		Where(entsql.EQ("user_id", userID)).
		Query()
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()
	out := map[outbox.EntityKey]string{}
	for rows.Next() {
		var (
			key  outbox.EntityKey
			text string
		)
		if err := rows.Scan(&key.Type, &key.ID, &text); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out[key] = text
	}
	return out, rows.Err()
}

// Snapshot returns the user's latest snapshot.
func (r *SnapshotRepo) Snapshot(ctx context.Context, userID string) (*state.UserStateSnapshot, error) {
	query, args := builder().
		Select("data").
		From(entsql.Table(snapshotsTable)).
		Where(entsql.EQ("user_id", userID)).
		OrderBy(entsql.Desc("captured_at"), entsql.Desc("id")).
		Limit(1).
		Query()
	var data string
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", userID, state.ErrNoSnapshot)
	}
	if err != nil {
		return nil, fmt.Errorf("query latest snapshot: %w", err)
	}
	var snap state.UserStateSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Prune deletes all but the keep most recent snapshots of a user.
func (r *SnapshotRepo) Prune(ctx context.Context, userID string, keep int) (int, error) {
	keep = max(keep, 0)
	query, args := builder().
		Select("id").
		From(entsql.Table(snapshotsTable)).
		Where(entsql.EQ("user_id", userID)).
		OrderBy(entsql.Desc("captured_at"), entsql.Desc("id")).
		Limit(keep).
		Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query snapshots for prune: %w", err)
	}
	var ids []any
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan snapshot id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate snapshots: %w", err)
	}

	where := entsql.EQ("user_id", userID)
	if len(ids) > 0 {
		where = entsql.And(where, entsql.NotIn("id", ids...))
	}
	n, err := exec(ctx, r.db, builder().Delete(snapshotsTable).Where(where))
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(n), nil
}

func (r *SnapshotRepo) EntityText(ctx context.Context, entityType, entityID string) (outbox.EntityText, bool, error) {
	query, args := builder().
		Select("user_id", "text").
		From(entsql.Table(entitiesTable)).
		Where(entsql.And(
			entsql.EQ("entity_type", entityType),
			entsql.EQ("entity_id", entityID),
		)).
		Query()
	var text outbox.EntityText
	err := r.db.QueryRowContext(ctx, query, args...).Scan(&text.UserID, &text.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return outbox.EntityText{}, false, nil
	}
	if err != nil {
		return outbox.EntityText{}, false, fmt.Errorf("query entity %s/%s: %w", entityType, entityID, err)
	}
	return text, true, nil
}
