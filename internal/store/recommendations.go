package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/recommend"
)

// RecommendationRepo implements recommend.Repository.
type RecommendationRepo struct {
	db *sql.DB
}

var _ recommend.Repository = (*RecommendationRepo)(nil)

var recommendationColumnNames = []string{
	"id", "user_id", "run_id", "type", "target_entity_type", "target_entity_id",
	"action_kind", "title", "rationale", "score", "estimated_minutes", "action_payload",
	"signal_ids", "status", "context_key", "warnings", "dismiss_reason", "snoozed_until",
	"completed", "created_at", "updated_at", "expires_at",
}

// Save inserts recs with a single statement.
func (r *RecommendationRepo) Save(ctx context.Context, recs ...*recommend.Recommendation) error {
	if len(recs) == 0 {
		return nil
	}
	ins := builder().Insert(recommendationsTable).Columns(recommendationColumnNames...)
	for _, rec := range recs {
		values, err := recommendationValues(rec)
		if err != nil {
			return err
		}
		ins.Values(values...)
	}
	if _, err := exec(ctx, r.db, ins); err != nil {
		return fmt.Errorf("insert recommendations: %w", err)
	}
	return nil
}

func (r *RecommendationRepo) Get(ctx context.Context, id string) (*recommend.Recommendation, error) {
	recs, err := r.list(ctx, entsql.EQ("id", id), 0)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%s: %w", id, recommend.ErrNotFound)
	}
	return recs[0], nil
}

// Update writes every mutable column of rec.
func (r *RecommendationRepo) Update(ctx context.Context, rec *recommend.Recommendation) error {
	u := builder().
		Update(recommendationsTable).
		Set("status", string(rec.Status)).
		Set("dismiss_reason", rec.DismissReason).
		Set("snoozed_until", millis(rec.SnoozedUntil)).
		Set("updated_at", millis(rec.UpdatedAt)).
		Set("expires_at", millis(rec.ExpiresAt)).
		Where(entsql.EQ("id", rec.ID))
	if rec.Completed != nil {
		u.Set("completed", *rec.Completed)
	} else {
		u.SetNull("completed")
	}
	n, err := exec(ctx, r.db, u)
	if err != nil {
		return fmt.Errorf("update recommendation %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", rec.ID, recommend.ErrNotFound)
	}
	return nil
}

func (r *RecommendationRepo) ListByUser(ctx context.Context, userID string, statuses ...recommend.Status) ([]*recommend.Recommendation, error) {
	where := entsql.EQ("user_id", userID)
	if len(statuses) > 0 {
		where = entsql.And(where, entsql.In("status", anys(stringsOf(statuses))...))
	}
	return r.list(ctx, where, 0)
}

func (r *RecommendationRepo) ListDue(ctx context.Context, now time.Time) ([]*recommend.Recommendation, error) {
	at := millis(now)
	return r.list(ctx, entsql.Or(
		entsql.And(
			entsql.In("status", string(recommend.StatusPending), string(recommend.StatusSnoozed)),
			entsql.GT("expires_at", 0),
			entsql.LTE("expires_at", at),
		),
		entsql.And(
			entsql.EQ("status", string(recommend.StatusSnoozed)),
			entsql.LTE("snoozed_until", at),
		),
	), 0)
}

func recommendationValues(rec *recommend.Recommendation) ([]any, error) {
	signalIDs, err := encodeJSON(rec.SignalIDs)
	if err != nil {
		return nil, fmt.Errorf("encode signal ids of %s: %w", rec.ID, err)
	}
	warnings, err := encodeJSON(rec.Warnings)
	if err != nil {
		return nil, fmt.Errorf("encode warnings of %s: %w", rec.ID, err)
	}
	var completed any
	if rec.Completed != nil {
		completed = *rec.Completed
	}
	return []any{
		rec.ID, rec.UserID, rec.RunID, string(rec.Type), rec.TargetEntityType, rec.TargetEntityID,
		string(rec.ActionKind), rec.Title, rec.Rationale, rec.Score, rec.EstimatedMinutes, string(rec.ActionPayload),
		signalIDs, string(rec.Status), rec.ContextKey, warnings, rec.DismissReason, millis(rec.SnoozedUntil),
		completed, millis(rec.CreatedAt), millis(rec.UpdatedAt), millis(rec.ExpiresAt),
	}, nil
}

// list returns matching recommendations, newest first.
func (r *RecommendationRepo) list(ctx context.Context, where *entsql.Predicate, limit int) ([]*recommend.Recommendation, error) {
	sel := builder().
		Select(recommendationColumnNames...).
		From(entsql.Table(recommendationsTable)).
		Where(where).
		OrderBy(entsql.Desc("created_at"), "id")
	if limit > 0 {
		sel.Limit(limit)
	}
	query, args := sel.Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()

	var out []*recommend.Recommendation
	for rows.Next() {
		var (
			rec                                  recommend.Recommendation
			typ, kind, payload, status           string
			signalIDs, warnings                  string
			completed                            sql.NullBool
			snoozed, created, updated, expiresAt int64
		)
		err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.RunID, &typ, &rec.TargetEntityType, &rec.TargetEntityID,
			&kind, &rec.Title, &rec.Rationale, &rec.Score, &rec.EstimatedMinutes, &payload,
			&signalIDs, &status, &rec.ContextKey, &warnings, &rec.DismissReason, &snoozed,
			&completed, &created, &updated, &expiresAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		rec.Type = recommend.Type(typ)
		rec.ActionKind = recommend.ActionKind(kind)
		rec.Status = recommend.Status(status)
		if payload != "" {
			rec.ActionPayload = []byte(payload)
		}
		if err := decodeJSON(signalIDs, &rec.SignalIDs); err != nil {
			return nil, fmt.Errorf("decode signal ids of %s: %w", rec.ID, err)
		}
		if err := decodeJSON(warnings, &rec.Warnings); err != nil {
			return nil, fmt.Errorf("decode warnings of %s: %w", rec.ID, err)
		}
		if completed.Valid {
			rec.Completed = &completed.Bool
		}
		rec.SnoozedUntil = fromMillis(snoozed)
		rec.CreatedAt = fromMillis(created)
		rec.UpdatedAt = fromMillis(updated)
		rec.ExpiresAt = fromMillis(expiresAt)
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recommendations: %w", err)
	}
	return out, nil
}
