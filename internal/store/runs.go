package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/assessment"
	"github.com/abhisek/nudge/internal/signal"
)

// RunRepo stores assessment run records. It implements
// assessment.RunStore.
type RunRepo struct {
	db *sql.DB
}

var _ assessment.RunStore = (*RunRepo)(nil)

var runColumnNames = []string{
	"id", "user_id", "window_type", "started_at", "completed_at", "signal_ids",
	"signals_received", "signals_processed", "signals_skipped", "final_tier", "tier0_rules",
	"tier1_score", "tier1_degraded", "tier2_executed", "rag_skipped",
	"recommendation_ids", "rejected", "error",
}

func (r *RunRepo) AppendRun(ctx context.Context, rec *assessment.RunRecord) error {
	signalIDs, err := encodeJSON(rec.SignalIDs)
	if err != nil {
		return fmt.Errorf("encode signal ids: %w", err)
	}
	rules, err := encodeJSON(rec.Tier0RulesTriggered)
	if err != nil {
		return fmt.Errorf("encode tier0 rules: %w", err)
	}
	recIDs, err := encodeJSON(rec.RecommendationIDs)
	if err != nil {
		return fmt.Errorf("encode recommendation ids: %w", err)
	}
	var score any
	if rec.Tier1CombinedScore != nil {
		score = *rec.Tier1CombinedScore
	}
	_, err = exec(ctx, r.db, builder().
		Insert(runsTable).
		Columns(runColumnNames...).
		Values(
			rec.ID, rec.UserID, string(rec.WindowType), millis(rec.StartedAt), millis(rec.CompletedAt), signalIDs,
			rec.SignalsReceived, rec.SignalsProcessed, rec.SignalsSkipped, string(rec.FinalTier), rules,
			score, rec.Tier1Degraded, rec.Tier2Executed, rec.RAGSkipped,
			recIDs, rec.Rejected, rec.Error,
		))
	if err != nil {
		return fmt.Errorf("insert assessment run %s: %w", rec.ID, err)
	}
	return nil
}

// LastRunAt returns the completion time of the user's latest run that
// finished without error.
func (r *RunRepo) LastRunAt(ctx context.Context, userID string) (time.Time, error) {
	query, args := builder().
		Select(entsql.Max("completed_at")).
		From(entsql.Table(runsTable)).
		Where(entsql.And(
			entsql.EQ("user_id", userID),
			entsql.EQ("error", ""),
			entsql.GT("completed_at", 0),
		)).
		Query()
	var last sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("query last run of %s: %w", userID, err)
	}
	if !last.Valid {
		return time.Time{}, nil
	}
	return fromMillis(last.Int64), nil
}

// List returns runs, newest first.
func (r *RunRepo) List(ctx context.Context, opts QueryOpts) ([]*assessment.RunRecord, error) {
	sel := builder().Select(runColumnNames...).From(entsql.Table(runsTable))
	query, args := opts.apply(sel, "started_at").Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assessment runs: %w", err)
	}
	defer rows.Close()

	var out []*assessment.RunRecord
	for rows.Next() {
		var (
			rec                      assessment.RunRecord
			window, tier             string
			signalIDs, rules, recIDs string
			score                    sql.NullFloat64
			started, completed       int64
		)
		err := rows.Scan(
			&rec.ID, &rec.UserID, &window, &started, &completed, &signalIDs,
			&rec.SignalsReceived, &rec.SignalsProcessed, &rec.SignalsSkipped, &tier, &rules,
			&score, &rec.Tier1Degraded, &rec.Tier2Executed, &rec.RAGSkipped,
			&recIDs, &rec.Rejected, &rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan assessment run: %w", err)
		}
		rec.WindowType = signal.WindowType(window)
		rec.FinalTier = signal.ProcessingTier(tier)
		rec.StartedAt = fromMillis(started)
		rec.CompletedAt = fromMillis(completed)
		if score.Valid {
			rec.Tier1CombinedScore = &score.Float64
		}
		for _, f := range []struct {
			src string
			dst *[]string
		}{
			{signalIDs, &rec.SignalIDs},
			{rules, &rec.Tier0RulesTriggered},
			{recIDs, &rec.RecommendationIDs},
		} {
			if err := decodeJSON(f.src, f.dst); err != nil {
				return nil, fmt.Errorf("decode run %s: %w", rec.ID, err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessment runs: %w", err)
	}
	return out, nil
}
