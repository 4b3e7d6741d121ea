package assessment

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/abhisek/nudge/internal/signal"
)

// ErrRunCompleted is returned when a completed run record is modified.
var ErrRunCompleted = errors.New("assessment: run already completed")

// RunRecord is the audit row written once per assessment cycle.
type RunRecord struct {
	ID         string
	UserID     string
	WindowType signal.WindowType
	StartedAt  time.Time

	CompletedAt time.Time

	SignalIDs        []string
	SignalsReceived  int
	SignalsProcessed int
	SignalsSkipped   int

	// FinalTier is the highest tier that finished, which can be lower than
	// the highest tier attempted when Tier2 fails.
	FinalTier           signal.ProcessingTier
	Tier0RulesTriggered []string
	Tier1CombinedScore  *float64
	Tier1Degraded       bool
	Tier2Executed       bool
	RAGSkipped          bool

	RecommendationIDs []string
	Rejected          int
	Error             string
}

// NewRunRecord opens a run for userID.
func NewRunRecord(userID string, window signal.WindowType, now time.Time) *RunRecord {
	return &RunRecord{
		ID:         uuid.NewString(),
		UserID:     userID,
		WindowType: window,
		StartedAt:  now,
	}
}

// Completed reports whether Complete has been called.
func (r *RunRecord) Completed() bool {
	return !r.CompletedAt.IsZero()
}

// reach raises FinalTier to tier when it ranks higher.
func (r *RunRecord) reach(tier signal.ProcessingTier) {
	if tier.Rank() > r.FinalTier.Rank() {
		r.FinalTier = tier
	}
}

// Complete closes the run. cause, when non-nil, is stored as the run error.
func (r *RunRecord) Complete(now time.Time, cause error) error {
	if r.Completed() {
		return ErrRunCompleted
	}
	r.CompletedAt = now
	if cause != nil {
		r.Error = cause.Error()
	}
	return nil
}

// Duration is the wall time of a completed run.
func (r *RunRecord) Duration() time.Duration {
	if !r.Completed() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}
