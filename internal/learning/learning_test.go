package learning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/recommend"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type memRepo struct {
	mu      sync.Mutex
	entries map[string]*Entry
	loadErr error
}

func newMemRepo() *memRepo { return &memRepo{entries: map[string]*Entry{}} }

func (m *memRepo) Load(_ context.Context, userID string) (*Playbook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	pb := &Playbook{UserID: userID}
	for _, e := range m.entries {
		if e.UserID == userID {
			cp := *e
			pb.Entries = append(pb.Entries, &cp)
		}
	}
	return pb, nil
}

func (m *memRepo) SaveEntry(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[e.UserID+"/"+string(e.Type)+"/"+e.ContextKey] = &cp
	return nil
}

func (m *memRepo) UpdateEntry(_ context.Context, userID string, typ recommend.Type, key string, fn func(*Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := userID + "/" + string(typ) + "/" + key
	e := NewEntry(userID, typ, key)
	if cur, ok := m.entries[id]; ok {
		cp := *cur
		e = &cp
	}
	fn(e)
	m.entries[id] = e
	return nil
}

func TestContextKeyRoundTrip(t *testing.T) {
	k := NewContextKey(4, 0.9, monday, "intense")
	assert.Equal(t, "e4|cap:high|weekday|season:intense", k.String())

	parsed, err := ParseContextKey(k.String())
	require.NoError(t, err)
	assert.Equal(t, k, parsed)

	_, err = ParseContextKey("e4|cap:high")
	assert.Error(t, err)
	_, err = ParseContextKey("x|cap:high|weekday|season:light")
	assert.Error(t, err)
}

func TestNewContextKeyDefaults(t *testing.T) {
	k := NewContextKey(0, 1.4, monday.Add(5*24*time.Hour), "")
	assert.Equal(t, 3, k.Energy)
	assert.Equal(t, CapacityOver, k.Capacity)
	assert.Equal(t, Weekend, k.Day)
	assert.Equal(t, "moderate", k.Season)
}

func TestBucketCapacity(t *testing.T) {
	assert.Equal(t, CapacityLow, BucketCapacity(0.2))
	assert.Equal(t, CapacityMedium, BucketCapacity(0.5))
	assert.Equal(t, CapacityHigh, BucketCapacity(1.0))
	assert.Equal(t, CapacityOver, BucketCapacity(1.01))
}

func TestGetWeight_ColdStartIsNeutral(t *testing.T) {
	eng := NewEngine(newMemRepo(), clock.NewFake(monday), nil)
	w, err := eng.GetWeight(context.Background(), "new-user", recommend.TypeHabitAdjust, NewContextKey(3, 0.4, monday, ""))
	require.NoError(t, err)
	assert.Equal(t, 0.5, w)
}

func TestAcceptedAndCompletedIncreasesWeight(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(newMemRepo(), clock.NewFake(monday), nil)
	key := NewContextKey(3, 0.4, monday, "")

	done := true
	prev := 0.5
	for i := 0; i < 3; i++ {
		require.NoError(t, eng.RecordOutcomeWithContext(ctx, recommend.Outcome{
			UserID: "u1", Type: recommend.TypeTaskSchedule, ContextKey: key.String(),
			Accepted: true, Completed: &done,
		}))
		w, err := eng.GetWeight(ctx, "u1", recommend.TypeTaskSchedule, key)
		require.NoError(t, err)
		assert.Greater(t, w, prev)
		prev = w
	}
	assert.LessOrEqual(t, prev, MaxWeight)
}

func TestDismissalLowersWeightAndCountsReason(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	eng := NewEngine(repo, clock.NewFake(monday), nil)
	key := NewContextKey(2, 0.9, monday, "").String()

	require.NoError(t, eng.RecordOutcomeWithContext(ctx, recommend.Outcome{
		UserID: "u1", Type: recommend.TypeReflection, ContextKey: key, DismissReason: "not_relevant",
	}))
	pb, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	e := pb.Find(recommend.TypeReflection, key)
	require.NotNil(t, e)
	assert.InDelta(t, 0.5+0.15*(0.1-0.5), e.SuccessWeight, 1e-9)
	assert.Equal(t, 1, e.Dismissed)
	assert.Equal(t, 1, e.DismissReasons["not_relevant"])
}

func TestWeightClamped(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine(newMemRepo(), clock.NewFake(monday), nil)
	key := NewContextKey(3, 0.4, monday, "")
	for i := 0; i < 100; i++ {
		require.NoError(t, eng.RecordOutcomeWithContext(ctx, recommend.Outcome{
			UserID: "u1", Type: recommend.TypeRecovery, ContextKey: key.String(), DismissReason: "not_relevant",
		}))
	}
	w, err := eng.GetWeight(ctx, "u1", recommend.TypeRecovery, key)
	require.NoError(t, err)
	assert.Equal(t, MinWeight, w)
}

func TestActualCompletionSignals(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	eng := NewEngine(repo, clock.NewFake(monday), nil)
	key := "e3|cap:low|weekday|season:moderate"

	require.NoError(t, eng.RecordActualCompletion(ctx, "u1", recommend.TypeHabitAdjust, key, false))
	pb, _ := repo.Load(ctx, "u1")
	e := pb.Find(recommend.TypeHabitAdjust, key)
	assert.InDelta(t, 0.5+0.15*(0.3-0.5), e.SuccessWeight, 1e-9)
	assert.Equal(t, 1, e.NotCompleted)
	assert.Zero(t, e.CompletionRate())
}

func TestExperimentOutcomeUsesAmplifiedSignal(t *testing.T) {
	tests := []struct {
		result recommend.ExperimentResult
		signal float64
	}{
		{recommend.ExperimentPositive, 1.0},
		{recommend.ExperimentNeutral, 1.0},
		{recommend.ExperimentInconclusive, 0.8},
		{recommend.ExperimentNegative, 0.2},
	}
	for _, tt := range tests {
		t.Run(string(tt.result), func(t *testing.T) {
			ctx := context.Background()
			repo := newMemRepo()
			eng := NewEngine(repo, clock.NewFake(monday), nil)
			key := "e3|cap:low|weekday|season:moderate"

			require.NoError(t, eng.RecordExperimentOutcome(ctx, "u1", key, tt.result))
			pb, _ := repo.Load(ctx, "u1")
			e := pb.Find(recommend.TypeExperiment, key)
			assert.InDelta(t, 0.5+LearningRate*(tt.signal-0.5), e.SuccessWeight, 1e-9)
			assert.Equal(t, 1, e.ExperimentRuns)
		})
	}

	eng := NewEngine(newMemRepo(), clock.NewFake(monday), nil)
	assert.Error(t, eng.RecordExperimentOutcome(context.Background(), "u1", "k", "great"))
}

func TestConcurrentOutcomesAreAllCounted(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	engines := []*Engine{
		NewEngine(repo, clock.NewFake(monday), nil),
		NewEngine(repo, clock.NewFake(monday), nil),
	}
	key := "e3|cap:ok|weekday|season:moderate"

	const perEngine = 25
	var wg sync.WaitGroup
	for _, eng := range engines {
		for range perEngine {
			wg.Add(1)
			go func() {
				defer wg.Done()
				o := recommend.Outcome{UserID: "u1", Type: recommend.TypeHabitAdjust, ContextKey: key, Accepted: true}
				assert.NoError(t, eng.RecordOutcomeWithContext(ctx, o))
			}()
		}
	}
	wg.Wait()

	pb, err := repo.Load(ctx, "u1")
	require.NoError(t, err)
	e := pb.Find(recommend.TypeHabitAdjust, key)
	require.NotNil(t, e)
	assert.Equal(t, 2*perEngine, e.Accepted)
}

func TestWeightFallsBackToTypeMean(t *testing.T) {
	ctx := context.Background()
	repo := newMemRepo()
	require.NoError(t, repo.SaveEntry(ctx, &Entry{UserID: "u1", Type: recommend.TypeGoalCheckin, ContextKey: "a", SuccessWeight: 0.8}))
	require.NoError(t, repo.SaveEntry(ctx, &Entry{UserID: "u1", Type: recommend.TypeGoalCheckin, ContextKey: "b", SuccessWeight: 0.4}))
	eng := NewEngine(repo, clock.NewFake(monday), nil)

	weights, err := eng.GetWeightsForTypes(ctx, "u1",
		[]recommend.Type{recommend.TypeGoalCheckin, recommend.TypeRecovery},
		NewContextKey(5, 0.1, monday, "light"))
	require.NoError(t, err)
	assert.InDelta(t, 0.6, weights[recommend.TypeGoalCheckin], 1e-9)
	assert.Equal(t, 0.5, weights[recommend.TypeRecovery])
}

func TestGetWeightsDegradeOnLoadError(t *testing.T) {
	repo := newMemRepo()
	repo.loadErr = errors.New("disk I/O")
	eng := NewEngine(repo, clock.NewFake(monday), nil)

	weights, err := eng.GetWeightsForTypes(context.Background(), "u1",
		[]recommend.Type{recommend.TypeGoalCheckin}, NewContextKey(3, 0.5, monday, ""))
	require.Error(t, err)
	assert.Equal(t, 0.5, weights[recommend.TypeGoalCheckin])
}

func TestRecordOutcomeValidates(t *testing.T) {
	eng := NewEngine(newMemRepo(), clock.NewFake(monday), nil)
	err := eng.RecordOutcomeWithContext(context.Background(), recommend.Outcome{UserID: "u1", Type: "bogus", ContextKey: "k"})
	assert.Error(t, err)
}
