package recommend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/clock"
)

// ErrNotFound is returned by repositories for unknown recommendation IDs.
var ErrNotFound = errors.New("recommendation not found")

// Repository persists recommendations.
type Repository interface {
	Save(ctx context.Context, recs ...*Recommendation) error
	Get(ctx context.Context, id string) (*Recommendation, error)
	Update(ctx context.Context, rec *Recommendation) error

	// ListByUser returns a user's recommendations, newest first, limited to
	// the given statuses when any are passed.
	ListByUser(ctx context.Context, userID string, statuses ...Status) ([]*Recommendation, error)

	// ListDue returns open recommendations whose expiry or snooze has
	// passed at now.
	ListDue(ctx context.Context, now time.Time) ([]*Recommendation, error)
}

// ExperimentResult is the recorded conclusion of an experiment.
type ExperimentResult string

const (
	ExperimentPositive     ExperimentResult = "positive"
	ExperimentNeutral      ExperimentResult = "neutral"
	ExperimentInconclusive ExperimentResult = "inconclusive"
	ExperimentNegative     ExperimentResult = "negative"
)

func (r ExperimentResult) Valid() bool {
	switch r {
	case ExperimentPositive, ExperimentNeutral, ExperimentInconclusive, ExperimentNegative:
		return true
	}
	return false
}

// Outcome describes a user's decision on a recommendation.
type Outcome struct {
	UserID        string
	Type          Type
	ContextKey    string
	Accepted      bool
	DismissReason string
	Completed     *bool
}

// Learner receives outcomes so future scoring can adapt.
type Learner interface {
	RecordOutcomeWithContext(ctx context.Context, o Outcome) error
	RecordActualCompletion(ctx context.Context, userID string, typ Type, contextKey string, completed bool) error
	RecordExperimentOutcome(ctx context.Context, userID, contextKey string, result ExperimentResult) error
}

// Service applies user decisions to recommendations and forwards them to
// the learner.
type Service struct {
	repo    Repository
	learner Learner
	clock   clock.Clock
	logger  *slog.Logger
}

// NewService creates a Service. learner may be nil.
func NewService(repo Repository, learner Learner, clk clock.Clock, logger *slog.Logger) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, learner: learner, clock: clk, logger: logger}
}

// List returns a user's recommendations filtered by status.
func (s *Service) List(ctx context.Context, userID string, statuses ...Status) ([]*Recommendation, error) {
	return s.repo.ListByUser(ctx, userID, statuses...)
}

func (s *Service) Accept(ctx context.Context, id string) (*Recommendation, error) {
	rec, err := s.transition(ctx, id, StatusAccepted, nil)
	if err != nil {
		return nil, err
	}
	s.learn(ctx, rec, Outcome{
		UserID:     rec.UserID,
		Type:       rec.Type,
		ContextKey: rec.ContextKey,
		Accepted:   true,
		Completed:  rec.Completed,
	})
	return rec, nil
}

func (s *Service) Dismiss(ctx context.Context, id, reason string) (*Recommendation, error) {
	rec, err := s.transition(ctx, id, StatusDismissed, func(r *Recommendation) {
		r.DismissReason = reason
	})
	if err != nil {
		return nil, err
	}
	s.learn(ctx, rec, Outcome{
		UserID:        rec.UserID,
		Type:          rec.Type,
		ContextKey:    rec.ContextKey,
		DismissReason: reason,
	})
	return rec, nil
}

// Snooze hides the recommendation until the given time.
func (s *Service) Snooze(ctx context.Context, id string, until time.Time) (*Recommendation, error) {
	if !until.After(s.clock.Now()) {
		return nil, fmt.Errorf("snooze %s: time %s is not in the future", id, until.Format(time.RFC3339))
	}
	return s.transition(ctx, id, StatusSnoozed, func(r *Recommendation) {
		r.SnoozedUntil = until
	})
}

// Execute records that an accepted recommendation's action was carried out.
func (s *Service) Execute(ctx context.Context, id string) (*Recommendation, error) {
	return s.transition(ctx, id, StatusExecuted, nil)
}

// RecordCompletion closes the loop once the task or habit behind an
// accepted recommendation is completed or undone.
func (s *Service) RecordCompletion(ctx context.Context, id string, completed bool) (*Recommendation, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status != StatusAccepted && rec.Status != StatusExecuted {
		return nil, fmt.Errorf("%w: completion recorded on %s recommendation %s", ErrInvalidTransition, rec.Status, id)
	}
	rec.Completed = &completed
	rec.UpdatedAt = s.clock.Now()
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update recommendation %s: %w", id, err)
	}
	if s.learner != nil {
		if err := s.learner.RecordActualCompletion(ctx, rec.UserID, rec.Type, rec.ContextKey, completed); err != nil {
			s.logger.Warn("record completion in playbook failed", "recommendation_id", id, "error", err)
		}
	}
	return rec, nil
}

// RecordExperimentOutcome feeds the result of an accepted experiment
// recommendation to the learner.
func (s *Service) RecordExperimentOutcome(ctx context.Context, id string, result ExperimentResult) error {
	if !result.Valid() {
		return fmt.Errorf("unknown experiment result %q", result)
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if rec.Type != TypeExperiment {
		return fmt.Errorf("recommendation %s is %s, not an experiment", id, rec.Type)
	}
	if rec.Status != StatusAccepted && rec.Status != StatusExecuted {
		return fmt.Errorf("%w: experiment %s was never accepted", ErrInvalidTransition, id)
	}
	if s.learner == nil {
		return nil
	}
	return s.learner.RecordExperimentOutcome(ctx, rec.UserID, rec.ContextKey, result)
}

// ExpireDue expires stale open recommendations and returns snoozed ones
// whose snooze elapsed to pending. It reports how many were expired.
func (s *Service) ExpireDue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	due, err := s.repo.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due recommendations: %w", err)
	}
	expired := 0
	for _, rec := range due {
		var to Status
		switch {
		case rec.DueToExpire(now):
			to = StatusExpired
		case rec.Status == StatusSnoozed && !now.Before(rec.SnoozedUntil):
			to = StatusPending
		default:
			continue
		}
		if err := rec.Transition(to, now); err != nil {
			return expired, err
		}
		if err := s.repo.Update(ctx, rec); err != nil {
			return expired, fmt.Errorf("update recommendation %s: %w", rec.ID, err)
		}
		if to == StatusExpired {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) transition(ctx context.Context, id string, to Status, mutate func(*Recommendation)) (*Recommendation, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.Transition(to, s.clock.Now()); err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(rec)
	}
	if err := s.repo.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update recommendation %s: %w", id, err)
	}
	s.logger.Info("recommendation status changed", "recommendation_id", id, "user_id", rec.UserID, "status", to)
	return rec, nil
}

// learn is best effort: a playbook failure never undoes the user's decision.
func (s *Service) learn(ctx context.Context, rec *Recommendation, o Outcome) {
	if s.learner == nil {
		return
	}
	if err := s.learner.RecordOutcomeWithContext(ctx, o); err != nil {
		s.logger.Warn("record outcome in playbook failed", "recommendation_id", rec.ID, "error", err)
	}
}
