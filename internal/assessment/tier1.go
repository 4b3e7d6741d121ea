package assessment

import (
	"context"
	"time"

	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/state"
)

// Tier1 weights. Without a relevance score the remaining two are
// renormalized so the combined score keeps the same range.
const (
	RelevanceWeight = 0.3
	DeltaWeight     = 0.4
	UrgencyWeight   = 0.3

	// EscalationThreshold is the combined score at or above which Tier2
	// runs.
	EscalationThreshold = 0.5
)

// CalculateCombinedScore blends the three Tier1 components.
func CalculateCombinedScore(relevance, delta, urgency float64) float64 {
	return RelevanceWeight*relevance + DeltaWeight*delta + UrgencyWeight*urgency
}

// combinedWithoutRelevance is used when the vector store could not score
// relevance.
func combinedWithoutRelevance(delta, urgency float64) float64 {
	total := DeltaWeight + UrgencyWeight
	return (DeltaWeight/total)*delta + (UrgencyWeight/total)*urgency
}

// ShouldEscalate reports whether score warrants the full pipeline.
func ShouldEscalate(score float64) bool {
	return score >= EscalationThreshold
}

var priorityUrgency = map[signal.Priority]float64{
	signal.PriorityUrgent:        1.0,
	signal.PriorityWindowAligned: 0.6,
	signal.PriorityStandard:      0.4,
	signal.PriorityLow:           0.2,
}

// maxAgeBoost is the urgency added to a signal that has used its whole TTL.
const maxAgeBoost = 0.2

// Urgency scores a batch of signals by its most urgent member. A signal
// gains up to maxAgeBoost as it approaches its expiry.
func Urgency(signals []*signal.Signal, now time.Time) float64 {
	best := 0.0
	for _, s := range signals {
		u := priorityUrgency[s.Priority]
		if !s.ExpiresAt.IsZero() && s.ExpiresAt.After(s.CreatedAt) {
			ttl := s.ExpiresAt.Sub(s.CreatedAt)
			u += maxAgeBoost * min(float64(s.Age(now))/float64(ttl), 1)
		}
		best = max(best, min(u, 1))
	}
	return best
}

// RelevanceScorer returns the best similarity between text and the user's
// history.
type RelevanceScorer interface {
	TopScore(ctx context.Context, text string) (float64, error)
}

// QuickAssessment is the Tier1 result.
type QuickAssessment struct {
	Relevance float64

	// RelevanceAvailable is false when relevance could not be scored and
	// the combined score was renormalized over delta and urgency.
	RelevanceAvailable bool

	Delta      state.Delta
	DeltaScore float64
	Urgency    float64
	Combined   float64
	Escalate   bool
}

// Tier1Input is what the quick assessment needs.
type Tier1Input struct {
	State     *state.UserStateSnapshot
	Signals   []*signal.Signal
	Now       time.Time
	Since     time.Time // last completed assessment for the user
	QueryText string
	Relevance RelevanceScorer // nil disables relevance
}

// RunTier1 computes the combined score. A relevance failure degrades the
// score instead of failing the cycle.
func RunTier1(ctx context.Context, in Tier1Input) (*QuickAssessment, error) {
	delta := state.DeltaSince(in.State, in.Since)
	qa := &QuickAssessment{
		Delta:      delta,
		DeltaScore: delta.Score(),
		Urgency:    Urgency(in.Signals, in.Now),
	}

	if in.Relevance != nil && in.QueryText != "" {
		rel, err := in.Relevance.TopScore(ctx, in.QueryText)
		if err == nil {
			qa.Relevance = min(max(rel, 0), 1)
			qa.RelevanceAvailable = true
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	if qa.RelevanceAvailable {
		qa.Combined = CalculateCombinedScore(qa.Relevance, qa.DeltaScore, qa.Urgency)
	} else {
		qa.Combined = combinedWithoutRelevance(qa.DeltaScore, qa.Urgency)
	}
	qa.Escalate = ShouldEscalate(qa.Combined)
	return qa, nil
}
