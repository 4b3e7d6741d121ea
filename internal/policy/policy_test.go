package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func candidate(typ recommend.Type, kind recommend.ActionKind, entityID string, score float64) *recommend.Candidate {
	c := &recommend.Candidate{Type: typ, ActionKind: kind, Title: "t", Score: score}
	if entityID != "" {
		c.TargetEntityType = "task"
		c.TargetEntityID = entityID
	}
	return c
}

func pendingRec(c *recommend.Candidate) *recommend.Recommendation {
	return recommend.New("u1", "", *c, "", monday, 0)
}

func newContext() *Context {
	return &Context{
		UserID: "u1",
		Now:    monday,
		State: &state.UserStateSnapshot{
			UserID:   "u1",
			Capacity: state.Capacity{WeekdayMinutes: 120, WeekendMinutes: 60},
		},
	}
}

func TestDuplicate_PendingTargetRejected(t *testing.T) {
	pc := newContext()
	pc.Pending = []*recommend.Recommendation{
		pendingRec(candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.5)),
	}
	dup := candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.9)
	fresh := candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t2", 0.6)

	d, err := NewEnforcer(nil, DuplicateRecommendation{}).Enforce(context.Background(), pc, []*recommend.Candidate{dup, fresh})
	require.NoError(t, err)
	require.Len(t, d.Approved, 1)
	assert.Same(t, fresh, d.Approved[0])
	require.Len(t, d.Rejected, 1)
	assert.Equal(t, "duplicate_recommendation", d.Rejected[0].Rule)
}

func TestDuplicate_WithinBatchKeepsHighestScore(t *testing.T) {
	low := candidate(recommend.TypeHabitAdjust, recommend.ActionUpdate, "h1", 0.4)
	high := candidate(recommend.TypeHabitAdjust, recommend.ActionUpdate, "h1", 0.8)
	untargeted := candidate(recommend.TypeReflection, recommend.ActionReview, "", 0.3)

	d, err := NewEnforcer(nil, DuplicateRecommendation{}).Enforce(context.Background(), newContext(), []*recommend.Candidate{low, high, untargeted})
	require.NoError(t, err)
	assert.ElementsMatch(t, []*recommend.Candidate{high, untargeted}, d.Approved)
}

func TestDuplicate_ResolvedRecommendationsIgnored(t *testing.T) {
	pc := newContext()
	old := pendingRec(candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.5))
	require.NoError(t, old.Transition(recommend.StatusDismissed, monday))
	pc.Pending = []*recommend.Recommendation{old}

	d, err := NewEnforcer(nil, DuplicateRecommendation{}).Enforce(context.Background(), pc,
		[]*recommend.Candidate{candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.5)})
	require.NoError(t, err)
	assert.Len(t, d.Approved, 1)
}

func TestSingleActiveExperiment_RejectsWhenActive(t *testing.T) {
	pc := newContext()
	pc.State.Experiments = []state.Experiment{{ID: "e1", Status: state.ExperimentActive}}
	exp := candidate(recommend.TypeExperiment, recommend.ActionCreate, "", 0.9)
	review := candidate(recommend.TypeExperiment, recommend.ActionReview, "", 0.5)

	d, err := NewEnforcer(nil, SingleActiveExperiment{}).Enforce(context.Background(), pc, []*recommend.Candidate{exp, review})
	require.NoError(t, err)
	assert.Equal(t, []*recommend.Candidate{review}, d.Approved)
	require.Len(t, d.Rejected, 1)
	assert.Contains(t, d.Rejected[0].Reason, "active or draft")
}

func TestSingleActiveExperiment_OnlyOneNewPerBatch(t *testing.T) {
	a := candidate(recommend.TypeExperiment, recommend.ActionCreate, "", 0.4)
	b := candidate(recommend.TypeExperiment, recommend.ActionCreate, "", 0.7)

	d, err := NewEnforcer(nil, SingleActiveExperiment{}).Enforce(context.Background(), newContext(), []*recommend.Candidate{a, b})
	require.NoError(t, err)
	assert.Equal(t, []*recommend.Candidate{b}, d.Approved)
}

func TestCapacityBudget_WarnsWithOverage(t *testing.T) {
	pc := newContext()
	pc.State.Tasks = []state.Task{
		{ID: "t9", Status: state.TaskOpen, EstimatedMinutes: 90, ScheduledFor: monday.Add(time.Hour)},
	}
	sched := candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.6)
	sched.EstimatedMinutes = 60
	other := candidate(recommend.TypeReflection, recommend.ActionReview, "", 0.4)

	d, err := NewEnforcer(nil, CapacityBudget{}).Enforce(context.Background(), pc, []*recommend.Candidate{sched, other})
	require.NoError(t, err)
	assert.Len(t, d.Approved, 2)
	require.Len(t, d.Warnings, 1)
	assert.Same(t, sched, d.Warnings[0].Candidate)
	assert.Contains(t, d.Warnings[0].Reason, "25% over capacity")
	assert.Equal(t, []string{d.Warnings[0].Reason}, d.WarningsFor(sched))
}

func TestCapacityBudget_WithinLimit(t *testing.T) {
	sched := candidate(recommend.TypeTaskSchedule, recommend.ActionSchedule, "t1", 0.6)
	sched.EstimatedMinutes = 30

	d, err := NewEnforcer(nil, CapacityBudget{}).Enforce(context.Background(), newContext(), []*recommend.Candidate{sched})
	require.NoError(t, err)
	assert.Empty(t, d.Warnings)
}

type recordingRule struct {
	name  string
	order int
	seen  *[]string
	seenN *[]int
	rej   func(*recommend.Candidate) bool
	err   error
}

func (r recordingRule) Name() string { return r.name }
func (r recordingRule) Order() int   { return r.order }

func (r recordingRule) Evaluate(_ context.Context, _ *Context, cs []*recommend.Candidate) ([]Result, error) {
	*r.seen = append(*r.seen, r.name)
	*r.seenN = append(*r.seenN, len(cs))
	if r.err != nil {
		return nil, r.err
	}
	var out []Result
	for _, c := range cs {
		if r.rej != nil && r.rej(c) {
			out = append(out, Result{Candidate: c, Verdict: Rejected, Reason: "no"})
		}
	}
	return out, nil
}

func TestEnforcer_OrderAndNarrowing(t *testing.T) {
	var seen []string
	var counts []int
	first := recordingRule{name: "first", order: 10, seen: &seen, seenN: &counts,
		rej: func(c *recommend.Candidate) bool { return c.Score < 0.5 }}
	second := recordingRule{name: "second", order: 20, seen: &seen, seenN: &counts}

	cs := []*recommend.Candidate{
		candidate(recommend.TypeReflection, recommend.ActionReview, "", 0.2),
		candidate(recommend.TypeReflection, recommend.ActionReview, "", 0.8),
	}
	d, err := NewEnforcer(nil, second, first).Enforce(context.Background(), newContext(), cs)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, []int{2, 1}, counts)
	assert.Len(t, d.Approved, 1)
	assert.Equal(t, "first", d.Rejected[0].Rule)
}

func TestEnforcer_StopsWhenNothingApproved(t *testing.T) {
	var seen []string
	var counts []int
	all := recordingRule{name: "all", order: 1, seen: &seen, seenN: &counts,
		rej: func(*recommend.Candidate) bool { return true }}
	never := recordingRule{name: "never", order: 2, seen: &seen, seenN: &counts}

	d, err := NewEnforcer(nil, all, never).Enforce(context.Background(), newContext(),
		[]*recommend.Candidate{candidate(recommend.TypeRecovery, recommend.ActionPause, "", 0.5)})
	require.NoError(t, err)
	assert.Empty(t, d.Approved)
	assert.Equal(t, []string{"all"}, seen)
}

func TestEnforcer_RuleErrorPropagates(t *testing.T) {
	var seen []string
	var counts []int
	bad := recordingRule{name: "bad", order: 1, seen: &seen, seenN: &counts, err: errors.New("boom")}

	_, err := NewEnforcer(nil, bad).Enforce(context.Background(), newContext(),
		[]*recommend.Candidate{candidate(recommend.TypeRecovery, recommend.ActionPause, "", 0.5)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy bad")
}

func TestDefaultRulesOrder(t *testing.T) {
	e := NewEnforcer(nil, DefaultRules()...)
	var names []string
	for _, r := range e.Rules() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"duplicate_recommendation", "single_active_experiment", "capacity_budget"}, names)
}
