package learning

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/recommend"
)

const (
	// LearningRate is the step taken toward each observed signal.
	LearningRate = 0.15

	// ExperimentMultiplier amplifies the mapped signal of an experiment
	// outcome. The amplified signal is capped at 1.0.
	ExperimentMultiplier = 2.0

	acceptSignal         = 0.7
	completedSignal      = 1.0
	notCompletedSignal   = 0.3
	defaultDismissSignal = 0.2
)

// Dismissal reasons get different signals: bad timing says little about
// the recommendation type itself.
var dismissSignals = map[string]float64{
	"not_relevant": 0.1,
	"too_much":     0.2,
	"bad_timing":   0.4,
	"already_done": 0.5,
}

var experimentSignals = map[recommend.ExperimentResult]float64{
	recommend.ExperimentPositive:     1.0,
	recommend.ExperimentNeutral:      0.5,
	recommend.ExperimentInconclusive: 0.4,
	recommend.ExperimentNegative:     0.1,
}

// Engine updates and serves contextual weights. It implements
// recommend.Learner.
type Engine struct {
	repo   Repository
	clock  clock.Clock
	logger *slog.Logger
}

// NewEngine creates an Engine over repo.
func NewEngine(repo Repository, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{repo: repo, clock: clk, logger: logger}
}

// GetWeight returns the weight for typ under key.
func (e *Engine) GetWeight(ctx context.Context, userID string, typ recommend.Type, key ContextKey) (float64, error) {
	pb, err := e.repo.Load(ctx, userID)
	if err != nil {
		return DefaultWeight, fmt.Errorf("load playbook for %s: %w", userID, err)
	}
	return pb.Weight(typ, key.String()), nil
}

// GetWeightsForTypes resolves weights for several types with one load.
func (e *Engine) GetWeightsForTypes(ctx context.Context, userID string, types []recommend.Type, key ContextKey) (map[recommend.Type]float64, error) {
	out := make(map[recommend.Type]float64, len(types))
	pb, err := e.repo.Load(ctx, userID)
	if err != nil {
		for _, t := range types {
			out[t] = DefaultWeight
		}
		return out, fmt.Errorf("load playbook for %s: %w", userID, err)
	}
	for _, t := range types {
		out[t] = pb.Weight(t, key.String())
	}
	return out, nil
}

// RecordOutcomeWithContext records an acceptance or dismissal. A completion
// already known at acceptance time is folded in immediately.
func (e *Engine) RecordOutcomeWithContext(ctx context.Context, o recommend.Outcome) error {
	return e.update(ctx, o.UserID, o.Type, o.ContextKey, func(en *Entry) {
		now := e.clock.Now()
		if !o.Accepted {
			en.Dismissed++
			reason := o.DismissReason
			if reason == "" {
				reason = "unspecified"
			}
			en.DismissReasons[reason]++
			signal, ok := dismissSignals[reason]
			if !ok {
				signal = defaultDismissSignal
			}
			en.apply(signal, LearningRate, now)
			return
		}
		en.Accepted++
		en.apply(acceptSignal, LearningRate, now)
		if o.Completed != nil {
			foldCompletion(en, *o.Completed, now)
		}
	})
}

// RecordActualCompletion closes the loop for an accepted recommendation.
func (e *Engine) RecordActualCompletion(ctx context.Context, userID string, typ recommend.Type, contextKey string, completed bool) error {
	return e.update(ctx, userID, typ, contextKey, func(en *Entry) {
		foldCompletion(en, completed, e.clock.Now())
	})
}

// RecordExperimentOutcome applies an experiment result to the experiment
// type with an amplified signal.
func (e *Engine) RecordExperimentOutcome(ctx context.Context, userID, contextKey string, result recommend.ExperimentResult) error {
	raw, ok := experimentSignals[result]
	if !ok {
		return fmt.Errorf("unknown experiment result %q", result)
	}
	signal := min(raw*ExperimentMultiplier, 1.0)
	return e.update(ctx, userID, recommend.TypeExperiment, contextKey, func(en *Entry) {
		en.ExperimentRuns++
		en.apply(signal, LearningRate, e.clock.Now())
	})
}

func foldCompletion(en *Entry, completed bool, now time.Time) {
	if completed {
		en.Completed++
		en.apply(completedSignal, LearningRate, now)
		return
	}
	en.NotCompleted++
	en.apply(notCompletedSignal, LearningRate, now)
}

func (e *Engine) update(ctx context.Context, userID string, typ recommend.Type, key string, fn func(*Entry)) error {
	if userID == "" || key == "" {
		return fmt.Errorf("record outcome: user id and context key are required")
	}
	if !typ.Valid() {
		return fmt.Errorf("record outcome: unknown recommendation type %q", typ)
	}

	var before, after float64
	err := e.repo.UpdateEntry(ctx, userID, typ, key, func(en *Entry) {
		if en.DismissReasons == nil {
			en.DismissReasons = map[string]int{}
		}
		before = en.SuccessWeight
		fn(en)
		after = en.SuccessWeight
	})
	if err != nil {
		return fmt.Errorf("update playbook entry for %s: %w", userID, err)
	}
	e.logger.Debug("playbook weight updated",
		"user_id", userID,
		"recommendation_type", typ,
		"context_key", key,
		"weight_before", before,
		"weight_after", after,
	)
	return nil
}
