package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/google/uuid"
)

// Processor computes embeddings for a deduplicated batch. A returned error
// fails the whole batch.
type Processor interface {
	Process(ctx context.Context, entries []*Entry) error
}

// CycleRecord is the audit row written for every outbox cycle that leased
// at least one entry.
type CycleRecord struct {
	ID              string
	WorkerID        string
	StartedAt       time.Time
	CompletedAt     time.Time
	ReleasedExpired int
	Leased          int
	Unique          int
	Processed       int
	Failed          int
	Error           string
}

// CycleRecorder persists cycle audit rows.
type CycleRecorder interface {
	AppendOutboxCycle(ctx context.Context, rec CycleRecord) error
}

// Settings tunes a Dispatcher.
type Settings struct {
	WorkerID      string
	BatchSize     int
	LeaseDuration time.Duration
	MaxRetries    int
}

// Dispatcher runs outbox cycles: release expired leases, acquire a batch,
// dedupe, embed, and resolve every leased entry.
type Dispatcher struct {
	queue     Queue
	processor Processor
	audit     CycleRecorder
	clock     clock.Clock
	settings  Settings
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. audit may be nil.
func NewDispatcher(queue Queue, processor Processor, audit CycleRecorder, clk clock.Clock, settings Settings, logger *slog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if settings.WorkerID == "" {
		settings.WorkerID = "outbox-" + uuid.NewString()[:8]
	}
	return &Dispatcher{
		queue:     queue,
		processor: processor,
		audit:     audit,
		clock:     clk,
		settings:  settings,
		logger:    logger.With("worker_id", settings.WorkerID),
	}
}

// RunCycle performs one outbox cycle. On success every leased entry is
// marked processed, including entries superseded by a newer change to the
// same entity: the embedding computed from the newest entry covers them
// all. On processor failure every leased entry consumes one retry. When ctx
// is cancelled mid-batch the entries are left leased so another worker can
// pick them up after expiry.
func (d *Dispatcher) RunCycle(ctx context.Context) (CycleRecord, error) {
	rec := CycleRecord{
		ID:        uuid.NewString(),
		WorkerID:  d.settings.WorkerID,
		StartedAt: d.clock.Now(),
	}

	released, err := d.queue.ReleaseExpiredLeases(ctx)
	if err != nil {
		return rec, fmt.Errorf("release expired outbox leases: %w", err)
	}
	rec.ReleasedExpired = released

	batch, err := d.queue.AcquireBatch(ctx, lease.AcquireRequest{
		WorkerID:      d.settings.WorkerID,
		LeaseDuration: d.settings.LeaseDuration,
		BatchSize:     d.settings.BatchSize,
		MaxRetries:    d.settings.MaxRetries,
	})
	if err != nil {
		return rec, fmt.Errorf("acquire outbox batch: %w", err)
	}
	if len(batch) == 0 {
		return rec, nil
	}
	rec.Leased = len(batch)

	unique := Dedupe(batch)
	rec.Unique = len(unique)

	procErr := d.processor.Process(ctx, unique)
	if procErr != nil && ctx.Err() != nil {
		d.logger.Info("outbox cycle cancelled; leases left to expire", "leased", len(batch))
		return rec, ctx.Err()
	}

	// Bookkeeping must complete even if shutdown starts after processing.
	writeCtx := context.WithoutCancel(ctx)
	ids := entryIDs(batch)

	if procErr != nil {
		rec.Error = lease.TruncateError(procErr.Error())
		var markErrs []error
		for _, id := range ids {
			err := d.queue.MarkFailed(writeCtx, d.settings.WorkerID, id, procErr, d.settings.MaxRetries)
			switch {
			case lease.IsLost(err):
				d.logger.Warn("outbox lease lost; failure not recorded", "entry_id", id)
			case err != nil:
				markErrs = append(markErrs, err)
			default:
				rec.Failed++
			}
		}
		d.logger.Warn("outbox batch failed",
			"leased", rec.Leased,
			"unique", rec.Unique,
			"error", procErr,
		)
		d.finish(writeCtx, &rec)
		if len(markErrs) > 0 {
			return rec, fmt.Errorf("mark outbox entries failed: %w", errors.Join(markErrs...))
		}
		return rec, nil
	}

	err = d.queue.MarkProcessed(writeCtx, d.settings.WorkerID, ids...)
	if err != nil && !lease.IsLost(err) {
		rec.Error = lease.TruncateError(err.Error())
		d.finish(writeCtx, &rec)
		return rec, fmt.Errorf("mark outbox entries processed: %w", err)
	}
	if err != nil {
		d.logger.Warn("outbox lease lost on some entries; another worker owns them", "error", err)
	}
	rec.Processed = len(ids) - lease.LostCount(err)

	d.logger.Info("outbox batch processed",
		"leased", rec.Leased,
		"unique", rec.Unique,
		"released_expired", rec.ReleasedExpired,
	)
	d.finish(writeCtx, &rec)
	return rec, nil
}

func (d *Dispatcher) finish(ctx context.Context, rec *CycleRecord) {
	rec.CompletedAt = d.clock.Now()
	if d.audit == nil {
		return
	}
	if err := d.audit.AppendOutboxCycle(ctx, *rec); err != nil {
		d.logger.Warn("append outbox cycle audit failed", "error", err)
	}
}

func entryIDs(entries []*Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids
}
