package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/config"
	"github.com/abhisek/nudge/internal/outbox"
)

// OutboxWorker drains the embedding outbox.
type OutboxWorker struct {
	id        string
	queue     outbox.Queue
	processor outbox.Processor
	audit     outbox.CycleRecorder
	config    *config.Holder
	clock     clock.Clock
	logger    *slog.Logger
}

// NewOutboxWorker creates an OutboxWorker. audit may be nil.
func NewOutboxWorker(queue outbox.Queue, processor outbox.Processor, audit outbox.CycleRecorder, cfg *config.Holder, clk clock.Clock, logger *slog.Logger) *OutboxWorker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &OutboxWorker{
		id:        "outbox-" + uuid.NewString()[:8],
		queue:     queue,
		processor: processor,
		audit:     audit,
		config:    cfg,
		clock:     clk,
		logger:    logger,
	}
}

// RunCycle runs one dispatcher cycle with the current settings.
func (w *OutboxWorker) RunCycle(ctx context.Context) error {
	c := w.config.Get().Outbox
	d := outbox.NewDispatcher(w.queue, w.processor, w.audit, w.clock, outbox.Settings{
		WorkerID:      w.id,
		BatchSize:     c.BatchSize,
		LeaseDuration: c.LeaseDuration,
		MaxRetries:    c.MaxRetries,
	}, w.logger)
	_, err := d.RunCycle(ctx)
	return err
}

func (w *OutboxWorker) Loop() *Loop {
	return &Loop{
		Name:     "outbox",
		Interval: func() time.Duration { return w.config.Get().Outbox.PollInterval },
		Enabled:  func() bool { return w.config.Get().Outbox.Enabled },
		Cycle:    w.RunCycle,
		Clock:    w.clock,
		Logger:   w.logger,
	}
}
