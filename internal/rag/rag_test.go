package rag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/state"
	"github.com/abhisek/nudge/internal/vectorstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func snapshot() *state.UserStateSnapshot {
	return &state.UserStateSnapshot{
		UserID:      "u1",
		EnergyLevel: 2,
		Capacity:    state.Capacity{WeekdayMinutes: 60},
		Habits:      []state.Habit{{ID: "h1", Title: "Meditate", Active: true, MissedLast7: 4}},
		Goals:       []state.Goal{{ID: "g1", Title: "Ship v2", AtRisk: true}},
		Tasks: []state.Task{
			{ID: "t1", Status: state.TaskOpen, EstimatedMinutes: 90, ScheduledFor: monday},
		},
	}
}

func TestBuildQuery_AssessmentKeywords(t *testing.T) {
	q := BuildQuery(StageAssessment, QueryInput{State: snapshot(), Now: monday, EventTypes: []string{"habit.missed"}})
	for _, kw := range []string{"energy level 2", "low energy", "capacity utilization 150%", "overcommitted", "habit adherence Meditate", "goal at risk Ship v2", "habit.missed"} {
		assert.Contains(t, q, kw)
	}
}

func TestBuildQuery_StrategyKeywords(t *testing.T) {
	q := BuildQuery(StageStrategy, QueryInput{State: snapshot(), RiskAreas: []string{"habit consistency"}, Patterns: []string{"evening slumps"}})
	for _, kw := range []string{"risk areas: habit consistency", "patterns: evening slumps", "what worked", "what failed"} {
		assert.Contains(t, q, kw)
	}
	assert.Empty(t, BuildQuery("unknown", QueryInput{}))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "the quick brown", Truncate("the quick brown fox jumps", 18))
	assert.Equal(t, "abcdefghij", Truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "héllo", Truncate("héllo wörld", 8))
	assert.Equal(t, "anything", Truncate("anything", 0))
}

type fakeSearcher struct {
	mu      sync.Mutex
	matches []vectorstore.Match
	err     error
	delay   time.Duration
	queries []vectorstore.Query
}

func (f *fakeSearcher) Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.matches, f.err
}

func match(text string, score float64) vectorstore.Match {
	return vectorstore.Match{Document: vectorstore.Document{EntityType: "task", EntityID: "x", Text: text}, Score: score}
}

func TestRetrieve_FiltersAndTruncates(t *testing.T) {
	s := &fakeSearcher{matches: []vectorstore.Match{
		match("rescheduled deep work to mornings and it stuck for weeks", 0.9),
		match("irrelevant", 0.1),
	}}
	r := NewRetriever(s, embedding.NewHashProvider(32), Config{MinScore: 0.3, MaxItemChars: 20}, nil)

	got := r.NewSession("u1").Retrieve(context.Background(), StageAssessment, QueryInput{State: snapshot(), Now: monday})
	require.Len(t, got.Items, 1)
	assert.Equal(t, "rescheduled deep", got.Items[0].Text)
	assert.False(t, got.Degraded)
	assert.Equal(t, "u1", s.queries[0].UserID)
	assert.Contains(t, got.Render(), "similarity 0.90")
}

func TestRetrieve_ErrorYieldsNoContext(t *testing.T) {
	s := &fakeSearcher{err: errors.New("index unavailable")}
	r := NewRetriever(s, embedding.NewHashProvider(32), Config{}, nil)

	got := r.NewSession("u1").Retrieve(context.Background(), StageStrategy, QueryInput{})
	assert.True(t, got.Degraded)
	assert.Empty(t, got.Items)
	assert.Equal(t, "No relevant history.", got.Render())
}

func TestRetrieve_TimeoutYieldsNoContext(t *testing.T) {
	s := &fakeSearcher{delay: time.Second, matches: []vectorstore.Match{match("late", 0.9)}}
	r := NewRetriever(s, embedding.NewHashProvider(32), Config{Timeout: 20 * time.Millisecond}, nil)

	got := r.NewSession("u1").Retrieve(context.Background(), StageAssessment, QueryInput{State: snapshot(), Now: monday})
	assert.True(t, got.Degraded)
	assert.Empty(t, got.Items)
}

type countingEmbedder struct {
	embedding.Provider
	mu    sync.Mutex
	texts []string
}

func (c *countingEmbedder) Embed(ctx context.Context, in []string) ([][]float32, error) {
	c.mu.Lock()
	c.texts = append(c.texts, in...)
	c.mu.Unlock()
	return c.Provider.Embed(ctx, in)
}

func TestSession_EmbedsEachQueryOnce(t *testing.T) {
	emb := &countingEmbedder{Provider: embedding.NewHashProvider(16)}
	r := NewRetriever(&fakeSearcher{}, emb, Config{}, nil)
	sess := r.NewSession("u1")
	in := QueryInput{State: snapshot(), Now: monday}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Retrieve(context.Background(), StageAssessment, in)
		}()
	}
	wg.Wait()
	sess.Retrieve(context.Background(), StageStrategy, in)

	assert.Equal(t, 2, sess.EmbedCalls())
	assert.Len(t, emb.texts, 2)

	// A new session does not share the cache.
	r.NewSession("u1").Retrieve(context.Background(), StageAssessment, in)
	assert.Len(t, emb.texts, 3)
}

func TestTopScore(t *testing.T) {
	r := NewRetriever(&fakeSearcher{matches: []vectorstore.Match{match("a", 0.72), match("b", 0.5)}}, embedding.NewHashProvider(8), Config{}, nil)
	score, err := r.NewSession("u1").TopScore(context.Background(), "task completed")
	require.NoError(t, err)
	assert.Equal(t, 0.72, score)

	r = NewRetriever(&fakeSearcher{err: errors.New("down")}, embedding.NewHashProvider(8), Config{}, nil)
	_, err = r.NewSession("u1").TopScore(context.Background(), "task completed")
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "vector search"))
}
