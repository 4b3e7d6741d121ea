package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	entsql "entgo.io/ent/dialect/sql"

	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/outbox"
)

// AuditRepo appends and lists operational audit rows: outbox cycles and
// LLM calls. It implements outbox.CycleRecorder and llm.CallRecorder.
type AuditRepo struct {
	db *sql.DB
}

var (
	_ outbox.CycleRecorder = (*AuditRepo)(nil)
	_ llm.CallRecorder     = (*AuditRepo)(nil)
)

var outboxCycleColumnNames = []string{
	"id", "worker_id", "started_at", "completed_at", "released_expired",
	"leased", "unique_entries", "processed", "failed", "error",
}

var llmCallColumnNames = []string{
	"id", "user_id", "provider", "model", "purpose", "started_at", "latency_ms",
	"input_tokens", "output_tokens", "cost_usd", "success", "error_kind",
	"error_message", "request", "response",
}

func (r *AuditRepo) AppendOutboxCycle(ctx context.Context, rec outbox.CycleRecord) error {
	_, err := exec(ctx, r.db, builder().
		Insert(outboxCyclesTable).
		Columns(outboxCycleColumnNames...).
		Values(
			rec.ID, rec.WorkerID, millis(rec.StartedAt), millis(rec.CompletedAt), rec.ReleasedExpired,
			rec.Leased, rec.Unique, rec.Processed, rec.Failed, rec.Error,
		))
	if err != nil {
		return fmt.Errorf("insert outbox cycle %s: %w", rec.ID, err)
	}
	return nil
}

func (r *AuditRepo) AppendLLMCall(ctx context.Context, rec llm.CallRecord) error {
	_, err := exec(ctx, r.db, builder().
		Insert(llmCallsTable).
		Columns(llmCallColumnNames...).
		Values(
			rec.ID, rec.UserID, rec.Provider, rec.Model, string(rec.Purpose), millis(rec.StartedAt), rec.LatencyMs,
			rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.Success, rec.ErrorKind,
			rec.ErrorMessage, rec.Request, rec.Response,
		))
	if err != nil {
		return fmt.Errorf("insert llm call %s: %w", rec.ID, err)
	}
	return nil
}

// ListOutboxCycles returns cycle rows, newest first. opts.UserID is
// ignored.
func (r *AuditRepo) ListOutboxCycles(ctx context.Context, opts QueryOpts) ([]outbox.CycleRecord, error) {
	opts.UserID = ""
	sel := builder().Select(outboxCycleColumnNames...).From(entsql.Table(outboxCyclesTable))
	query, args := opts.apply(sel, "started_at").Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox cycles: %w", err)
	}
	defer rows.Close()

	var out []outbox.CycleRecord
	for rows.Next() {
		var (
			rec                outbox.CycleRecord
			started, completed int64
		)
		err := rows.Scan(&rec.ID, &rec.WorkerID, &started, &completed, &rec.ReleasedExpired,
			&rec.Leased, &rec.Unique, &rec.Processed, &rec.Failed, &rec.Error)
		if err != nil {
			return nil, fmt.Errorf("scan outbox cycle: %w", err)
		}
		rec.StartedAt = fromMillis(started)
		rec.CompletedAt = fromMillis(completed)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListLLMCalls returns call rows, newest first.
func (r *AuditRepo) ListLLMCalls(ctx context.Context, opts QueryOpts) ([]llm.CallRecord, error) {
	sel := builder().Select(llmCallColumnNames...).From(entsql.Table(llmCallsTable))
	query, args := opts.apply(sel, "started_at").Query()
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query llm calls: %w", err)
	}
	defer rows.Close()

	var out []llm.CallRecord
	for rows.Next() {
		rec, err := scanLLMCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetLLMCall returns one call row. A missing row wraps ErrNotFound.
func (r *AuditRepo) GetLLMCall(ctx context.Context, id string) (llm.CallRecord, error) {
	query, args := builder().
		Select(llmCallColumnNames...).
		From(entsql.Table(llmCallsTable)).
		Where(entsql.EQ("id", id)).
		Query()
	rec, err := scanLLMCall(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return llm.CallRecord{}, fmt.Errorf("llm call %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func scanLLMCall(row interface{ Scan(dest ...any) error }) (llm.CallRecord, error) {
	var (
		rec     llm.CallRecord
		purpose string
		started int64
	)
	err := row.Scan(&rec.ID, &rec.UserID, &rec.Provider, &rec.Model, &purpose, &started, &rec.LatencyMs,
		&rec.InputTokens, &rec.OutputTokens, &rec.CostUSD, &rec.Success, &rec.ErrorKind,
		&rec.ErrorMessage, &rec.Request, &rec.Response)
	if errors.Is(err, sql.ErrNoRows) {
		return llm.CallRecord{}, err
	}
	if err != nil {
		return llm.CallRecord{}, fmt.Errorf("scan llm call: %w", err)
	}
	rec.Purpose = llm.Purpose(purpose)
	rec.StartedAt = fromMillis(started)
	return rec, nil
}
