package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func validCandidate() Candidate {
	return Candidate{
		Type:             TypeTaskSchedule,
		TargetEntityType: "task",
		TargetEntityID:   "t1",
		ActionKind:       ActionSchedule,
		Title:            "Block 45 minutes for the report",
		Rationale:        "Due tomorrow and not started",
		Score:            0.7,
		EstimatedMinutes: 45,
	}
}

func TestCandidateValidate(t *testing.T) {
	c := validCandidate()
	require.NoError(t, c.Validate())

	cases := map[string]func(*Candidate){
		"type":    func(c *Candidate) { c.Type = "bogus" },
		"action":  func(c *Candidate) { c.ActionKind = "" },
		"title":   func(c *Candidate) { c.Title = "" },
		"score":   func(c *Candidate) { c.Score = 1.2 },
		"target":  func(c *Candidate) { c.TargetEntityID = "" },
		"minutes": func(c *Candidate) { c.EstimatedMinutes = -5 },
		"payload": func(c *Candidate) { c.ActionPayload = json.RawMessage(`{bad`) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validCandidate()
			mutate(&c)
			assert.ErrorIs(t, c.Validate(), ErrInvalidCandidate)
		})
	}
}

func TestTransitions(t *testing.T) {
	r := New("u1", "run1", validCandidate(), "ctx", t0, time.Hour)
	require.Equal(t, StatusPending, r.Status)

	require.NoError(t, r.Transition(StatusSnoozed, t0))
	require.NoError(t, r.Transition(StatusAccepted, t0))
	assert.ErrorIs(t, r.Transition(StatusPending, t0), ErrInvalidTransition)
	require.NoError(t, r.Transition(StatusExecuted, t0))

	for _, to := range []Status{StatusPending, StatusAccepted, StatusDismissed, StatusExpired} {
		assert.ErrorIs(t, r.Transition(to, t0), ErrTerminalStatus)
	}
}

func TestDueToExpire(t *testing.T) {
	r := New("u1", "", validCandidate(), "", t0, time.Hour)
	assert.False(t, r.DueToExpire(t0.Add(59*time.Minute)))
	assert.True(t, r.DueToExpire(t0.Add(time.Hour)))

	require.NoError(t, r.Transition(StatusAccepted, t0))
	assert.False(t, r.DueToExpire(t0.Add(2*time.Hour)))

	noTTL := New("u1", "", validCandidate(), "", t0, 0)
	assert.False(t, noTTL.DueToExpire(t0.Add(1000*time.Hour)))
}

type memRepo struct {
	recs map[string]*Recommendation
}

func newMemRepo(recs ...*Recommendation) *memRepo {
	m := &memRepo{recs: map[string]*Recommendation{}}
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return m
}

func (m *memRepo) Save(_ context.Context, recs ...*Recommendation) error {
	for _, r := range recs {
		m.recs[r.ID] = r
	}
	return nil
}

func (m *memRepo) Get(_ context.Context, id string) (*Recommendation, error) {
	r, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) Update(_ context.Context, rec *Recommendation) error {
	m.recs[rec.ID] = rec
	return nil
}

func (m *memRepo) ListByUser(_ context.Context, userID string, statuses ...Status) ([]*Recommendation, error) {
	var out []*Recommendation
	for _, r := range m.recs {
		if r.UserID != userID {
			continue
		}
		if len(statuses) > 0 && !containsStatus(statuses, r.Status) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepo) ListDue(_ context.Context, now time.Time) ([]*Recommendation, error) {
	var out []*Recommendation
	for _, r := range m.recs {
		if r.DueToExpire(now) || (r.Status == StatusSnoozed && !now.Before(r.SnoozedUntil)) {
			out = append(out, r)
		}
	}
	return out, nil
}

func containsStatus(xs []Status, s Status) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

type fakeLearner struct {
	outcomes    []Outcome
	completions []bool
	experiments []ExperimentResult
	err         error
}

func (f *fakeLearner) RecordOutcomeWithContext(_ context.Context, o Outcome) error {
	f.outcomes = append(f.outcomes, o)
	return f.err
}

func (f *fakeLearner) RecordActualCompletion(_ context.Context, _ string, _ Type, _ string, completed bool) error {
	f.completions = append(f.completions, completed)
	return f.err
}

func (f *fakeLearner) RecordExperimentOutcome(_ context.Context, _, _ string, r ExperimentResult) error {
	f.experiments = append(f.experiments, r)
	return f.err
}

func TestService_AcceptFeedsLearner(t *testing.T) {
	rec := New("u1", "run1", validCandidate(), "e3|cap:medium|weekday|season:moderate", t0, 24*time.Hour)
	repo := newMemRepo(rec)
	learner := &fakeLearner{}
	svc := NewService(repo, learner, clock.NewFake(t0), nil)

	got, err := svc.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, got.Status)

	require.Len(t, learner.outcomes, 1)
	assert.True(t, learner.outcomes[0].Accepted)
	assert.Equal(t, rec.ContextKey, learner.outcomes[0].ContextKey)
	assert.Equal(t, TypeTaskSchedule, learner.outcomes[0].Type)

	_, err = svc.RecordCompletion(context.Background(), rec.ID, true)
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, learner.completions)
}

func TestService_DismissRecordsReason(t *testing.T) {
	rec := New("u1", "", validCandidate(), "k", t0, 0)
	learner := &fakeLearner{}
	svc := NewService(newMemRepo(rec), learner, clock.NewFake(t0), nil)

	got, err := svc.Dismiss(context.Background(), rec.ID, "bad_timing")
	require.NoError(t, err)
	assert.Equal(t, "bad_timing", got.DismissReason)
	require.Len(t, learner.outcomes, 1)
	assert.False(t, learner.outcomes[0].Accepted)
	assert.Equal(t, "bad_timing", learner.outcomes[0].DismissReason)

	_, err = svc.Accept(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrTerminalStatus)
}

func TestService_LearnerFailureDoesNotUndoDecision(t *testing.T) {
	rec := New("u1", "", validCandidate(), "k", t0, 0)
	repo := newMemRepo(rec)
	svc := NewService(repo, &fakeLearner{err: errors.New("db locked")}, clock.NewFake(t0), nil)

	_, err := svc.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	stored, _ := repo.Get(context.Background(), rec.ID)
	assert.Equal(t, StatusAccepted, stored.Status)
}

func TestService_SnoozeAndWake(t *testing.T) {
	clk := clock.NewFake(t0)
	rec := New("u1", "", validCandidate(), "k", t0, 48*time.Hour)
	repo := newMemRepo(rec)
	svc := NewService(repo, nil, clk, nil)

	_, err := svc.Snooze(context.Background(), rec.ID, t0.Add(-time.Minute))
	require.Error(t, err)

	_, err = svc.Snooze(context.Background(), rec.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)

	clk.Advance(3 * time.Hour)
	n, err := svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	stored, _ := repo.Get(context.Background(), rec.ID)
	assert.Equal(t, StatusPending, stored.Status)
	assert.True(t, stored.SnoozedUntil.IsZero())

	clk.Advance(48 * time.Hour)
	n, err = svc.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stored, _ = repo.Get(context.Background(), rec.ID)
	assert.Equal(t, StatusExpired, stored.Status)
}

func TestService_ExperimentOutcome(t *testing.T) {
	c := validCandidate()
	c.Type = TypeExperiment
	c.ActionKind = ActionCreate
	rec := New("u1", "", c, "k", t0, 0)
	learner := &fakeLearner{}
	svc := NewService(newMemRepo(rec), learner, clock.NewFake(t0), nil)

	assert.ErrorIs(t, svc.RecordExperimentOutcome(context.Background(), rec.ID, ExperimentPositive), ErrInvalidTransition)

	_, err := svc.Accept(context.Background(), rec.ID)
	require.NoError(t, err)
	require.NoError(t, svc.RecordExperimentOutcome(context.Background(), rec.ID, ExperimentPositive))
	assert.Equal(t, []ExperimentResult{ExperimentPositive}, learner.experiments)

	assert.Error(t, svc.RecordExperimentOutcome(context.Background(), rec.ID, "great"))
}
