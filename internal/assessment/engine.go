// Package assessment decides how much work a user's pending signals
// deserve. Tier0 applies deterministic rules, Tier1 scores relevance, state
// delta and urgency, and Tier2 runs the retrieval-augmented model pipeline.
// Each cycle ends with one RunRecord.
package assessment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/learning"
	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/policy"
	"github.com/abhisek/nudge/internal/rag"
	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/state"
)

// ErrTier2Unavailable is returned when Tier2 is warranted but no language
// model is configured.
var ErrTier2Unavailable = errors.New("assessment: tier2 requested but no llm provider is configured")

// RunStore persists run records.
type RunStore interface {
	AppendRun(ctx context.Context, rec *RunRecord) error

	// LastRunAt returns when the user's last successful run completed, or
	// the zero time.
	LastRunAt(ctx context.Context, userID string) (time.Time, error)
}

// WeightSource supplies learned success weights.
type WeightSource interface {
	GetWeightsForTypes(ctx context.Context, userID string, types []recommend.Type, key learning.ContextKey) (map[recommend.Type]float64, error)
}

// Config tunes the engine.
type Config struct {
	// RecommendationTTL is how long a generated recommendation stays open.
	RecommendationTTL time.Duration

	// DefaultLookback bounds the state delta for users with no prior run.
	DefaultLookback time.Duration

	Pipeline PipelineConfig
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RecommendationTTL: 72 * time.Hour,
		DefaultLookback:   24 * time.Hour,
		Pipeline:          DefaultPipelineConfig(),
	}
}

// Deps are the engine's collaborators. Retriever and LLM may be nil:
// without a retriever Tier1 runs without relevance and Tier2 without
// history; without an LLM a cycle that warrants Tier2 fails.
type Deps struct {
	States    state.Provider
	Runs      RunStore
	Recs      recommend.Repository
	Weights   WeightSource
	Enforcer  *policy.Enforcer
	Retriever *rag.Retriever
	LLM       llm.Provider
	Rules     []Rule
	Clock     clock.Clock
	Logger    *slog.Logger
}

// Engine runs assessment cycles.
type Engine struct {
	deps     Deps
	cfg      Config
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(deps Deps, cfg Config) *Engine {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	if deps.Rules == nil {
		deps.Rules = DefaultRules()
	}
	if deps.Enforcer == nil {
		deps.Enforcer = policy.NewEnforcer(deps.Logger, policy.DefaultRules()...)
	}
	e := &Engine{deps: deps, cfg: cfg, logger: deps.Logger}
	if deps.LLM != nil {
		e.pipeline = NewPipeline(deps.LLM, cfg.Pipeline, deps.Logger)
	}
	return e
}

// Input is one user's batch of signals for a cycle.
type Input struct {
	UserID  string
	Window  signal.WindowType
	Signals []*signal.Signal

	// Skipped counts signals resolved before assessment, for the run record.
	Skipped int

	// SkipRAG disables retrieval, e.g. once a signal has exhausted its
	// deferrals while embeddings were still pending.
	SkipRAG bool
}

// Result is the outcome of one cycle.
type Result struct {
	Run             *RunRecord
	Recommendations []*recommend.Recommendation
	Quick           *QuickAssessment
}

// Tier returns the tier to record on the cycle's signals.
func (r *Result) Tier() signal.ProcessingTier {
	return r.Run.FinalTier
}

// Run assesses in.Signals and persists approved recommendations. The run
// record is written even when the cycle fails.
func (e *Engine) Run(ctx context.Context, in Input) (*Result, error) {
	now := e.deps.Clock.Now()
	run := NewRunRecord(in.UserID, in.Window, now)
	run.SignalsReceived = len(in.Signals) + in.Skipped
	run.SignalsSkipped = in.Skipped
	run.RAGSkipped = in.SkipRAG
	for _, s := range in.Signals {
		run.SignalIDs = append(run.SignalIDs, s.ID)
	}

	res := &Result{Run: run}
	err := e.run(ctx, in, now, res)
	if err == nil {
		run.SignalsProcessed = len(in.Signals)
	}

	if cerr := run.Complete(e.deps.Clock.Now(), err); cerr != nil {
		return res, cerr
	}
	if e.deps.Runs != nil {
		if aerr := e.deps.Runs.AppendRun(context.WithoutCancel(ctx), run); aerr != nil {
			e.logger.Warn("append run record failed", "user_id", in.UserID, "run_id", run.ID, "error", aerr)
		}
	}

	attrs := []any{
		"user_id", in.UserID,
		"run_id", run.ID,
		"window", in.Window,
		"signals", len(in.Signals),
		"final_tier", run.FinalTier,
		"recommendations", len(run.RecommendationIDs),
		"duration", run.Duration(),
	}
	if err != nil {
		e.logger.Warn("assessment failed", append(attrs, "error", err)...)
		return res, err
	}
	e.logger.Info("assessment complete", attrs...)
	return res, nil
}

func (e *Engine) run(ctx context.Context, in Input, now time.Time, res *Result) error {
	run := res.Run
	snap, err := e.deps.States.Snapshot(ctx, in.UserID)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	// Tier0.
	t0 := RunTier0(e.deps.Rules, &RuleInput{State: snap, Signals: in.Signals, Now: now})
	run.Tier0RulesTriggered = t0.Triggered()
	run.reach(signal.TierDeterministic)
	candidates := t0.Recommendations()
	if t0.ShortCircuited() {
		return e.emit(ctx, in, snap, now, candidates, res)
	}

	// Tier1.
	var session *rag.Session
	if e.deps.Retriever != nil && !in.SkipRAG {
		session = e.deps.Retriever.NewSession(in.UserID)
	}
	since, err := e.lastRun(ctx, in.UserID, now)
	if err != nil {
		return err
	}
	t1in := Tier1Input{
		State:     snap,
		Signals:   in.Signals,
		Now:       now,
		Since:     since,
		QueryText: rag.BuildQuery(rag.StageAssessment, rag.QueryInput{State: snap, Now: now, EventTypes: eventTypes(in.Signals)}),
	}
	if session != nil {
		t1in.Relevance = session
	}
	qa, err := RunTier1(ctx, t1in)
	if err != nil {
		return fmt.Errorf("tier1: %w", err)
	}
	res.Quick = qa
	run.Tier1CombinedScore = &qa.Combined
	run.Tier1Degraded = !qa.RelevanceAvailable
	run.reach(signal.TierQuick)
	if !qa.Escalate {
		return e.emit(ctx, in, snap, now, candidates, res)
	}

	// Tier2.
	if e.pipeline == nil {
		return ErrTier2Unavailable
	}
	run.Tier2Executed = true
	t2, err := e.pipeline.Run(ctx, Tier2Input{
		UserID:   in.UserID,
		State:    snap,
		Signals:  in.Signals,
		Now:      now,
		RAG:      session,
		Findings: run.Tier0RulesTriggered,
	})
	if err != nil {
		return fmt.Errorf("tier2: %w", err)
	}
	run.reach(signal.TierFullPipeline)
	return e.emit(ctx, in, snap, now, append(candidates, t2.Candidates...), res)
}

func (e *Engine) lastRun(ctx context.Context, userID string, now time.Time) (time.Time, error) {
	fallback := now.Add(-e.cfg.DefaultLookback)
	if e.deps.Runs == nil {
		return fallback, nil
	}
	at, err := e.deps.Runs.LastRunAt(ctx, userID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load last run: %w", err)
	}
	if at.IsZero() {
		return fallback, nil
	}
	return at, nil
}

// emit weights candidates by the learned playbook, runs the policy chain
// and saves what it approves.
func (e *Engine) emit(ctx context.Context, in Input, snap *state.UserStateSnapshot, now time.Time, candidates []recommend.Candidate, res *Result) error {
	if len(candidates) == 0 {
		return nil
	}
	key := learning.NewContextKey(snap.EnergyLevel, snap.CapacityUtilization(now), now, string(snap.SeasonIntensity))
	e.applyWeights(ctx, in.UserID, key, candidates)

	pending, err := e.deps.Recs.ListByUser(ctx, in.UserID, recommend.StatusPending, recommend.StatusSnoozed)
	if err != nil {
		return fmt.Errorf("load open recommendations: %w", err)
	}
	ptrs := make([]*recommend.Candidate, len(candidates))
	for i := range candidates {
		ptrs[i] = &candidates[i]
	}
	decision, err := e.deps.Enforcer.Enforce(ctx, &policy.Context{
		UserID:  in.UserID,
		Now:     now,
		State:   snap,
		Pending: pending,
	}, ptrs)
	if err != nil {
		return err
	}
	res.Run.Rejected = len(decision.Rejected)

	recs := make([]*recommend.Recommendation, 0, len(decision.Approved))
	for _, c := range decision.Approved {
		rec := recommend.New(in.UserID, res.Run.ID, *c, key.String(), now, e.cfg.RecommendationTTL)
		rec.Warnings = decision.WarningsFor(c)
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return nil
	}
	if err := e.deps.Recs.Save(ctx, recs...); err != nil {
		return fmt.Errorf("save recommendations: %w", err)
	}
	for _, r := range recs {
		res.Run.RecommendationIDs = append(res.Run.RecommendationIDs, r.ID)
	}
	res.Recommendations = recs
	return nil
}

// applyWeights scales scores by the learned weight: the neutral 0.5 leaves
// a score unchanged, 0.95 raises it by 45%, 0.1 lowers it by 40%.
func (e *Engine) applyWeights(ctx context.Context, userID string, key learning.ContextKey, candidates []recommend.Candidate) {
	if e.deps.Weights == nil {
		return
	}
	types := make([]recommend.Type, 0, len(candidates))
	for _, c := range candidates {
		types = append(types, c.Type)
	}
	weights, err := e.deps.Weights.GetWeightsForTypes(ctx, userID, types, key)
	if err != nil {
		e.logger.Warn("load playbook weights failed; using neutral weights", "user_id", userID, "error", err)
	}
	for i := range candidates {
		w, ok := weights[candidates[i].Type]
		if !ok {
			w = learning.DefaultWeight
		}
		candidates[i].Score = min(candidates[i].Score*(0.5+w), 1)
	}
}

func eventTypes(signals []*signal.Signal) []string {
	out := make([]string, 0, len(signals))
	for _, s := range signals {
		out = append(out, s.EventType)
	}
	return out
}
