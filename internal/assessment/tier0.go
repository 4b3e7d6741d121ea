package assessment

import (
	"fmt"
	"slices"
	"time"

	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/state"
)

// Severity grades a triggered Tier0 rule.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// RuleInput is what Tier0 rules evaluate.
type RuleInput struct {
	State   *state.UserStateSnapshot
	Signals []*signal.Signal
	Now     time.Time
}

func (in *RuleInput) hasEvent(eventType string) bool {
	return slices.ContainsFunc(in.Signals, func(s *signal.Signal) bool { return s.EventType == eventType })
}

func (in *RuleInput) signalIDs() []string {
	ids := make([]string, len(in.Signals))
	for i, s := range in.Signals {
		ids[i] = s.ID
	}
	return ids
}

// RuleResult is the outcome of one Tier0 rule.
type RuleResult struct {
	Rule      string
	Triggered bool
	Severity  Severity

	// ShortCircuit ends assessment at Tier0 when the rule triggers.
	ShortCircuit bool

	// Recommendations are emitted without a language-model call.
	Recommendations []recommend.Candidate
}

// Rule is a deterministic Tier0 check.
type Rule interface {
	Name() string
	Evaluate(in *RuleInput) RuleResult
}

// DefaultRules returns the built-in Tier0 rules in evaluation order.
func DefaultRules() []Rule {
	return []Rule{
		&OverloadedLowEnergyRule{},
		&WeeklyReviewRule{},
		&SlippingHabitRule{},
		&OverdueTaskRule{},
	}
}

// Tier0Result aggregates every rule outcome.
type Tier0Result struct {
	Results []RuleResult
}

// Triggered lists the names of triggered rules.
func (r *Tier0Result) Triggered() []string {
	var out []string
	for _, res := range r.Results {
		if res.Triggered {
			out = append(out, res.Rule)
		}
	}
	return out
}

// ShortCircuited reports whether a triggered rule ended assessment.
func (r *Tier0Result) ShortCircuited() bool {
	return slices.ContainsFunc(r.Results, func(res RuleResult) bool { return res.Triggered && res.ShortCircuit })
}

// Recommendations returns the direct recommendations of triggered rules.
func (r *Tier0Result) Recommendations() []recommend.Candidate {
	var out []recommend.Candidate
	for _, res := range r.Results {
		if res.Triggered {
			out = append(out, res.Recommendations...)
		}
	}
	return out
}

// MaxSeverity returns the highest severity among triggered rules.
func (r *Tier0Result) MaxSeverity() Severity {
	rank := map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}
	var best Severity
	for _, res := range r.Results {
		if res.Triggered && rank[res.Severity] > rank[best] {
			best = res.Severity
		}
	}
	return best
}

// RunTier0 evaluates every rule. Unlike the first-match classifier chain,
// all rules run so their direct recommendations can be combined.
func RunTier0(rules []Rule, in *RuleInput) *Tier0Result {
	out := &Tier0Result{Results: make([]RuleResult, 0, len(rules))}
	for _, r := range rules {
		res := r.Evaluate(in)
		res.Rule = r.Name()
		out.Results = append(out.Results, res)
	}
	return out
}

// OverloadedLowEnergyRule fires when a low-energy user has scheduled more
// than today's capacity. It trims the day without consulting a model.
type OverloadedLowEnergyRule struct{}

// LowEnergyThreshold is the highest energy level treated as low.
const LowEnergyThreshold = 2

func (r *OverloadedLowEnergyRule) Name() string { return "overloaded_low_energy" }

func (r *OverloadedLowEnergyRule) Evaluate(in *RuleInput) RuleResult {
	s := in.State
	if s.EnergyLevel == 0 || s.EnergyLevel > LowEnergyThreshold {
		return RuleResult{}
	}
	util := s.CapacityUtilization(in.Now)
	if util <= 1 {
		return RuleResult{}
	}
	limit := s.CapacityLimit(in.Now)
	over := s.ScheduledMinutes(in.Now) - limit
	return RuleResult{
		Triggered:    true,
		Severity:     SeverityHigh,
		ShortCircuit: true,
		Recommendations: []recommend.Candidate{
			{
				Type:       recommend.TypeCapacityTrim,
				ActionKind: recommend.ActionReschedule,
				Title:      "Trim today's plan",
				Rationale: fmt.Sprintf("Energy is %d/5 and today's plan is %d minutes over your %d minute capacity.",
					s.EnergyLevel, over, limit),
				Score:     0.9,
				SignalIDs: in.signalIDs(),
			},
			{
				Type:             recommend.TypeRecovery,
				ActionKind:       recommend.ActionSchedule,
				Title:            "Block 20 minutes to recover",
				Rationale:        "A short recovery block protects the rest of the day when energy is low.",
				Score:            0.7,
				EstimatedMinutes: 20,
				SignalIDs:        in.signalIDs(),
			},
		},
	}
}

// WeeklyReviewRule answers a due weekly review with a reflection prompt.
type WeeklyReviewRule struct{}

func (r *WeeklyReviewRule) Name() string { return "weekly_review_due" }

func (r *WeeklyReviewRule) Evaluate(in *RuleInput) RuleResult {
	if !in.hasEvent(signal.EventWeeklyReviewDue) {
		return RuleResult{}
	}
	return RuleResult{
		Triggered:    true,
		Severity:     SeverityLow,
		ShortCircuit: true,
		Recommendations: []recommend.Candidate{{
			Type:             recommend.TypeReflection,
			ActionKind:       recommend.ActionReview,
			Title:            "Run your weekly review",
			Rationale:        "Your weekly review is due.",
			Score:            0.6,
			EstimatedMinutes: 30,
			SignalIDs:        in.signalIDs(),
		}},
	}
}

// SlippingHabitMisses is the number of misses in seven days that marks a
// habit as slipping.
const SlippingHabitMisses = 3

// SlippingHabitRule suggests shrinking habits that keep being missed.
type SlippingHabitRule struct{}

func (r *SlippingHabitRule) Name() string { return "slipping_habit" }

func (r *SlippingHabitRule) Evaluate(in *RuleInput) RuleResult {
	var res RuleResult
	for _, h := range in.State.ActiveHabits() {
		if h.MissedLast7 < SlippingHabitMisses {
			continue
		}
		res.Triggered = true
		res.Severity = SeverityMedium
		res.Recommendations = append(res.Recommendations, recommend.Candidate{
			Type:             recommend.TypeHabitAdjust,
			TargetEntityType: state.EntityHabit,
			TargetEntityID:   h.ID,
			ActionKind:       recommend.ActionUpdate,
			Title:            "Make " + h.Title + " smaller",
			Rationale:        fmt.Sprintf("Missed %d of the last 7 days.", h.MissedLast7),
			Score:            0.5 + 0.05*float64(min(h.MissedLast7, 7)),
			SignalIDs:        in.signalIDs(),
		})
	}
	return res
}

// MaxOverdueSuggestions caps reschedule suggestions per cycle.
const MaxOverdueSuggestions = 3

// OverdueTaskRule proposes rescheduling overdue tasks.
type OverdueTaskRule struct{}

func (r *OverdueTaskRule) Name() string { return "overdue_tasks" }

func (r *OverdueTaskRule) Evaluate(in *RuleInput) RuleResult {
	overdue := in.State.OverdueTasks(in.Now)
	if len(overdue) == 0 {
		return RuleResult{}
	}
	res := RuleResult{Triggered: true, Severity: SeverityLow}
	if len(overdue) > MaxOverdueSuggestions {
		res.Severity = SeverityMedium
		overdue = overdue[:MaxOverdueSuggestions]
	}
	for _, t := range overdue {
		days := int(in.Now.Sub(t.Due).Hours() / 24)
		res.Recommendations = append(res.Recommendations, recommend.Candidate{
			Type:             recommend.TypeTaskSchedule,
			TargetEntityType: state.EntityTask,
			TargetEntityID:   t.ID,
			ActionKind:       recommend.ActionReschedule,
			Title:            "Reschedule " + t.Title,
			Rationale:        fmt.Sprintf("Overdue by %d days.", days),
			Score:            0.55,
			EstimatedMinutes: t.EstimatedMinutes,
			SignalIDs:        in.signalIDs(),
		})
	}
	return res
}
