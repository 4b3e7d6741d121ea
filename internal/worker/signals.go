package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/abhisek/nudge/internal/assessment"
	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/config"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/state"
)

// Kind selects a signal sub-worker.
type Kind string

const (
	// KindUrgent polls often and leases urgent signals directly.
	KindUrgent Kind = "urgent"
	// KindWindow serves signals waiting for the morning or evening window.
	KindWindow Kind = "window"
	// KindBatch sweeps batch-window signals per user.
	KindBatch Kind = "batch"
)

// Assessor runs one assessment cycle for a user.
type Assessor interface {
	Run(ctx context.Context, in assessment.Input) (*assessment.Result, error)
}

// PendingEmbeddings reports whether an entity still has a re-embedding in
// flight. outbox.Queue satisfies it.
type PendingEmbeddings interface {
	HasPending(ctx context.Context, entityType, entityID string) (bool, error)
}

// CycleStats summarises one sub-worker cycle.
type CycleStats struct {
	Expired   int
	Released  int
	Users     int
	Acquired  int
	Processed int
	Skipped   int
	Deferred  int
	Failed    int
	// Lost counts signals whose lease another worker took over before
	// this worker could resolve them.
	Lost int
}

func (s *CycleStats) add(o CycleStats) {
	s.Acquired += o.Acquired
	s.Processed += o.Processed
	s.Skipped += o.Skipped
	s.Deferred += o.Deferred
	s.Failed += o.Failed
	s.Lost += o.Lost
}

// SignalWorker leases signals, groups them per user and hands each user's
// batch to the assessment engine.
type SignalWorker struct {
	id      string
	queue   signal.Queue
	pending PendingEmbeddings
	engine  Assessor
	config  *config.Holder
	clock   clock.Clock
	logger  *slog.Logger
}

// NewSignalWorker creates a SignalWorker. pending may be nil, in which case
// signals are never deferred.
func NewSignalWorker(queue signal.Queue, pending PendingEmbeddings, engine Assessor, cfg *config.Holder, clk clock.Clock, logger *slog.Logger) *SignalWorker {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id := "signals-" + uuid.NewString()[:8]
	return &SignalWorker{
		id:      id,
		queue:   queue,
		pending: pending,
		engine:  engine,
		config:  cfg,
		clock:   clk,
		logger:  logger.With("worker_id", id),
	}
}

// Loops returns the urgent, window and batch sub-worker loops.
func (w *SignalWorker) Loops() []*Loop {
	return []*Loop{w.loop(KindUrgent), w.loop(KindWindow), w.loop(KindBatch)}
}

func (w *SignalWorker) loop(kind Kind) *Loop {
	return &Loop{
		Name: "signals-" + string(kind),
		Interval: func() time.Duration {
			s := w.config.Get().Signals
			switch kind {
			case KindUrgent:
				return s.Urgent.Interval
			case KindWindow:
				return s.Window.Interval
			}
			return s.Batch.Interval
		},
		Enabled: func() bool {
			s := w.config.Get().Signals
			switch kind {
			case KindUrgent:
				return s.Enabled && s.Urgent.Enabled
			case KindWindow:
				return s.Enabled && s.Window.Enabled
			}
			return s.Enabled && s.Batch.Enabled
		},
		Cycle: func(ctx context.Context) error {
			_, err := w.RunCycle(ctx, kind)
			return err
		},
		Clock:  w.clock,
		Logger: w.logger,
	}
}

type userBatch struct {
	userID  string
	signals []*signal.Signal
}

// RunCycle expires stale signals, releases lapsed leases, lists the users
// with ready work for kind and assesses each user with a bounded timeout.
// A user's signals are leased only when a parallelism slot frees up for
// that user, so the lease clock starts with the user's own work. Users are
// independent: one user's failure or timeout never affects another.
func (w *SignalWorker) RunCycle(ctx context.Context, kind Kind) (CycleStats, error) {
	cfg := w.config.Get()
	var stats CycleStats

	expired, err := w.queue.ExpireStale(ctx)
	if err != nil {
		return stats, fmt.Errorf("expire stale signals: %w", err)
	}
	stats.Expired = expired

	released, err := w.queue.ReleaseExpiredLeases(ctx)
	if err != nil {
		return stats, fmt.Errorf("release expired signal leases: %w", err)
	}
	stats.Released = released

	filter, maxUsers := readyFilter(kind, cfg.Signals)
	users, err := w.queue.ReadyUsers(ctx, filter, maxUsers)
	if err != nil {
		return stats, fmt.Errorf("list ready users: %w", err)
	}

	var budget *signalBudget
	if kind == KindUrgent {
		budget = &signalBudget{left: cfg.Signals.Urgent.MaxSignals}
	}
	results := make([]CycleStats, len(users))
	var g errgroup.Group
	g.SetLimit(max(cfg.Signals.UserParallelism, 1))
	for i, u := range users {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			signals := w.acquireUser(ctx, kind, cfg.Signals, filter, u, budget)
			if len(signals) == 0 {
				return nil
			}
			results[i] = w.processUser(ctx, kind, cfg, userBatch{userID: u, signals: signals})
			return nil
		})
	}
	_ = g.Wait()
	for _, r := range results {
		if r.Acquired > 0 {
			stats.Users++
		}
		stats.add(r)
	}

	attrs := []any{
		"kind", kind,
		"users", stats.Users,
		"acquired", stats.Acquired,
		"processed", stats.Processed,
		"skipped", stats.Skipped,
		"deferred", stats.Deferred,
		"failed", stats.Failed,
		"lost", stats.Lost,
		"expired", stats.Expired,
		"released_expired", stats.Released,
	}
	if stats.Acquired > 0 || stats.Expired > 0 {
		w.logger.Info("signal cycle complete", attrs...)
	} else {
		w.logger.Debug("signal cycle complete", attrs...)
	}
	return stats, ctx.Err()
}

// readyFilter returns the signals kind serves and how many users one cycle
// may take on.
func readyFilter(kind Kind, cfg config.SignalsConfig) (signal.Filter, int) {
	switch kind {
	case KindUrgent:
		return signal.Filter{Priorities: []signal.Priority{signal.PriorityUrgent}}, cfg.Urgent.MaxSignals
	case KindWindow:
		return signal.Filter{Windows: []signal.WindowType{signal.WindowMorning, signal.WindowEvening}}, cfg.Window.MaxUsers
	}
	return signal.Filter{Windows: []signal.WindowType{signal.WindowBatch}}, cfg.Batch.MaxUsers
}

// signalBudget caps the signals one cycle leases across all users. A nil
// budget is unlimited.
type signalBudget struct {
	mu   sync.Mutex
	left int
}

func (b *signalBudget) take(n int) int {
	if b == nil {
		return n
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n = min(n, b.left)
	b.left -= n
	return n
}

func (b *signalBudget) giveBack(n int) {
	if b == nil || n <= 0 {
		return
	}
	b.mu.Lock()
	b.left += n
	b.mu.Unlock()
}

func (w *SignalWorker) acquireUser(ctx context.Context, kind Kind, cfg config.SignalsConfig, filter signal.Filter, userID string, budget *signalBudget) []*signal.Signal {
	size := cfg.Batch.MaxSignalsPerUser
	if kind == KindUrgent {
		size = cfg.Urgent.MaxSignals
	}
	size = budget.take(size)
	if size == 0 {
		return nil
	}
	filter.UserID = userID
	signals, err := w.queue.AcquireReady(ctx, lease.AcquireRequest{
		WorkerID:      w.id,
		LeaseDuration: cfg.LeaseDuration,
		BatchSize:     size,
		MaxRetries:    cfg.MaxRetries,
	}, filter)
	budget.giveBack(size - len(signals))
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("acquire user signals failed", "user_id", userID, "kind", kind, "error", err)
		}
		return nil
	}
	return signals
}

// processUser resolves one user's leased signals. Resolution writes use a
// context detached from shutdown so that finished work is recorded; when
// shutdown interrupts the assessment itself the leases are left to expire.
// Signals whose lease passed to another worker meanwhile are left to that
// worker.
func (w *SignalWorker) processUser(ctx context.Context, kind Kind, cfg config.Config, b userBatch) CycleStats {
	st := CycleStats{Acquired: len(b.signals)}
	logger := w.logger.With("user_id", b.userID, "kind", kind)
	writeCtx := context.WithoutCancel(ctx)
	now := w.clock.Now()

	live, superseded, nonActionable := triage(b.signals)
	w.skip(writeCtx, logger, &st, signal.SkipNonActionable, nonActionable)
	w.skip(writeCtx, logger, &st, signal.SkipSuperseded, superseded)

	skipRAG := !cfg.RAG.Enabled
	var ready []*signal.Signal
	for _, s := range live {
		if skipRAG || !w.embeddingPending(ctx, logger, s) {
			ready = append(ready, s)
			continue
		}
		if s.HasReachedMaxDeferrals(cfg.Signals.MaxDeferrals) {
			logger.Info("deferral limit reached; assessing without retrieval",
				"signal_id", s.ID,
				"deferrals", s.DeferralCount,
			)
			skipRAG = true
			ready = append(ready, s)
			continue
		}
		err := w.queue.Defer(writeCtx, w.id, s.ID, now.Add(cfg.Signals.DeferralDelay))
		switch {
		case lease.IsLost(err):
			logger.Warn("signal lease lost before deferral", "signal_id", s.ID, "error", err)
			st.Lost++
		case err != nil:
			logger.Warn("defer signal failed; assessing now", "signal_id", s.ID, "error", err)
			ready = append(ready, s)
		default:
			st.Deferred++
		}
	}
	if len(ready) == 0 {
		return st
	}

	uctx, cancel := context.WithTimeout(ctx, cfg.Signals.UserTimeout)
	defer cancel()
	res, err := w.engine.Run(uctx, assessment.Input{
		UserID:  b.userID,
		Window:  windowFor(kind, ready),
		Signals: ready,
		Skipped: st.Skipped,
		SkipRAG: skipRAG,
	})
	ids := signalIDs(ready)

	switch {
	case err == nil:
		err := w.queue.MarkProcessedWithTier(writeCtx, w.id, res.Tier(), ids...)
		if err != nil && !lease.IsLost(err) {
			logger.Error("mark signals processed failed", "error", err)
			return st
		}
		if err != nil {
			logger.Warn("signal lease lost during assessment; result dropped for those signals", "error", err)
		}
		lost := lease.LostCount(err)
		st.Lost += lost
		st.Processed += len(ids) - lost
	case errors.Is(err, state.ErrNoSnapshot):
		w.skip(writeCtx, logger, &st, signal.SkipNoState, ready)
	case ctx.Err() != nil:
		logger.Info("assessment interrupted by shutdown; leases left to expire", "signals", len(ids))
	default:
		if uctx.Err() != nil {
			err = fmt.Errorf("user assessment timed out after %s: %w", cfg.Signals.UserTimeout, err)
		}
		for _, id := range ids {
			merr := w.queue.MarkFailed(writeCtx, w.id, id, err, cfg.Signals.MaxRetries)
			switch {
			case lease.IsLost(merr):
				logger.Warn("signal lease lost; failure not recorded", "signal_id", id)
				st.Lost++
			case merr != nil:
				logger.Error("mark signal failed", "signal_id", id, "error", merr)
			default:
				st.Failed++
			}
		}
		logger.Warn("user assessment failed", "signals", len(ids), "error", err)
	}
	return st
}

func (w *SignalWorker) skip(ctx context.Context, logger *slog.Logger, st *CycleStats, reason string, signals []*signal.Signal) {
	if len(signals) == 0 {
		return
	}
	err := w.queue.MarkSkipped(ctx, w.id, reason, signalIDs(signals)...)
	if err != nil && !lease.IsLost(err) {
		logger.Error("mark signals skipped failed", "reason", reason, "error", err)
		return
	}
	if err != nil {
		logger.Warn("signal lease lost before skip", "reason", reason, "error", err)
	}
	lost := lease.LostCount(err)
	st.Lost += lost
	st.Skipped += len(signals) - lost
}

func (w *SignalWorker) embeddingPending(ctx context.Context, logger *slog.Logger, s *signal.Signal) bool {
	if w.pending == nil || !s.HasTarget() {
		return false
	}
	pending, err := w.pending.HasPending(ctx, s.TargetEntityType, s.TargetEntityID)
	if err != nil {
		logger.Warn("check pending embeddings failed", "signal_id", s.ID, "error", err)
		return false
	}
	return pending
}

type supersedeKey struct {
	eventType  string
	entityType string
	entityID   string
}

func keyOf(s *signal.Signal) supersedeKey {
	return supersedeKey{eventType: s.EventType, entityType: s.TargetEntityType, entityID: s.TargetEntityID}
}

// triage splits a user's batch. Non-actionable events are never assessed;
// of several actionable signals with the same event type and target only
// the newest is kept.
func triage(signals []*signal.Signal) (live, superseded, nonActionable []*signal.Signal) {
	newest := make(map[supersedeKey]*signal.Signal)
	for _, s := range signals {
		if !signal.Classify(s.EventType).Actionable || !s.HasTarget() {
			continue
		}
		if cur, ok := newest[keyOf(s)]; !ok || s.CreatedAt.After(cur.CreatedAt) {
			newest[keyOf(s)] = s
		}
	}
	for _, s := range signals {
		switch {
		case !signal.Classify(s.EventType).Actionable:
			nonActionable = append(nonActionable, s)
		case s.HasTarget() && newest[keyOf(s)] != s:
			superseded = append(superseded, s)
		default:
			live = append(live, s)
		}
	}
	return live, superseded, nonActionable
}

func windowFor(kind Kind, signals []*signal.Signal) signal.WindowType {
	switch kind {
	case KindUrgent:
		return signal.WindowImmediate
	case KindBatch:
		return signal.WindowBatch
	}
	return signals[0].WindowType
}

func signalIDs(signals []*signal.Signal) []string {
	ids := make([]string, len(signals))
	for i, s := range signals {
		ids[i] = s.ID
	}
	return ids
}
