package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/abhisek/nudge/internal/clock"
	"github.com/abhisek/nudge/internal/lease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) // Monday

func TestNew_DefaultTTLByPriority(t *testing.T) {
	tests := []struct {
		event string
		want  time.Duration
	}{
		{EventTaskMissed, time.Hour},
		{EventCheckInCompleted, 24 * time.Hour},
		{EventTaskCompleted, 48 * time.Hour},
		{EventTaskCreated, 72 * time.Hour},
		{"something.unmapped", 72 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			s, err := New(Event{UserID: "u1", Type: tt.event}, base, DefaultOptions())
			require.NoError(t, err)
			assert.Equal(t, base.Add(tt.want), s.ExpiresAt)
		})
	}
}

func TestNew_ExplicitTTLOverrides(t *testing.T) {
	s, err := New(Event{UserID: "u1", Type: EventTaskMissed, TTL: 10 * time.Minute}, base, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, base.Add(10*time.Minute), s.ExpiresAt)
}

func TestNew_UrgentExpiresAfterOneHour(t *testing.T) {
	s, err := New(Event{UserID: "u1", Type: EventGoalAtRisk}, base, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, PriorityUrgent, s.Priority)
	assert.False(t, s.IsExpired(base.Add(59*time.Minute)))
	assert.True(t, s.IsExpired(base.Add(time.Hour)))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Event{Type: EventTaskMissed}, base, DefaultOptions())
	assert.Error(t, err)

	_, err = New(Event{UserID: "u1", Type: EventTaskMissed, EntityType: "task"}, base, DefaultOptions())
	assert.Error(t, err)
}

func TestWindowSchedule_NextStart(t *testing.T) {
	w := DefaultWindowSchedule()

	assert.True(t, w.NextStart(WindowImmediate, base).IsZero())
	assert.Equal(t, time.Date(2026, 3, 3, 7, 0, 0, 0, time.UTC), w.NextStart(WindowMorning, base))
	assert.Equal(t, time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC), w.NextStart(WindowEvening, base))
	assert.Equal(t, time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), w.NextStart(WindowBatch, base))

	exact := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)
	assert.Equal(t, exact, w.NextStart(WindowEvening, exact))
}

func TestIsReadyForWindow(t *testing.T) {
	urgent, err := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	require.NoError(t, err)
	assert.True(t, urgent.IsReadyForWindow(base))

	evening, err := New(Event{UserID: "u1", Type: EventHabitMissed}, base, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, evening.IsReadyForWindow(base))
	assert.True(t, evening.IsReadyForWindow(evening.ScheduledWindowStart))

	require.NoError(t, lease.Acquire(&urgent.State, "w", time.Minute, base, 3))
	assert.False(t, urgent.IsReadyForWindow(base), "processing signals are not ready")
}

func TestDeferUntilCap(t *testing.T) {
	s, err := New(Event{UserID: "u1", Type: EventTaskMissed, EntityType: "task", EntityID: "t1"}, base, DefaultOptions())
	require.NoError(t, err)
	const maxDeferrals = 2

	for i := 0; i < maxDeferrals; i++ {
		require.NoError(t, lease.Acquire(&s.State, "w", time.Minute, base, 3))
		require.False(t, s.HasReachedMaxDeferrals(maxDeferrals))
		require.NoError(t, s.Defer(base.Add(time.Minute), maxDeferrals))
		assert.Equal(t, lease.StatusPending, s.Status)
		assert.Empty(t, s.LeaseHolder)
	}

	assert.Equal(t, maxDeferrals, s.DeferralCount)
	assert.True(t, s.HasReachedMaxDeferrals(maxDeferrals))
	assert.ErrorIs(t, s.Defer(base.Add(time.Hour), maxDeferrals), ErrMaxDeferrals)

	assert.False(t, s.IsReadyForWindow(base))
	assert.True(t, s.IsReadyForWindow(base.Add(time.Minute)))
}

func TestMarkProcessedAndSkipped(t *testing.T) {
	s, err := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, s.MarkProcessed(TierQuick, base))
	assert.Equal(t, lease.StatusProcessed, s.Status)
	assert.Equal(t, TierQuick, s.ProcessingTier)
	assert.ErrorIs(t, s.MarkSkipped(SkipSuperseded, base), lease.ErrTerminal)
}

func TestFilterMatches(t *testing.T) {
	s := &Signal{UserID: "u1", Priority: PriorityLow, WindowType: WindowBatch}
	assert.True(t, Filter{}.Matches(s))
	assert.True(t, Filter{Priorities: []Priority{PriorityLow}}.Matches(s))
	assert.False(t, Filter{Priorities: []Priority{PriorityUrgent}}.Matches(s))
	assert.False(t, Filter{UserID: "u2"}.Matches(s))
	assert.False(t, Filter{Windows: []WindowType{WindowMorning}}.Matches(s))
}

type memStore struct{ signals []*Signal }

func (m *memStore) Enqueue(_ context.Context, s *Signal) error {
	m.signals = append(m.signals, s)
	return nil
}

type recorder struct {
	calls [][2]string
	err   error
}

func (r *recorder) RecordChange(_ context.Context, entityType, entityID string) error {
	r.calls = append(r.calls, [2]string{entityType, entityID})
	return r.err
}

func TestIngestor_RecordsEntityChanges(t *testing.T) {
	store := &memStore{}
	rec := &recorder{}
	ing := NewIngestor(store, rec, clock.NewFake(base), DefaultOptions(), nil)

	_, err := ing.Ingest(context.Background(), Event{UserID: "u1", Type: EventTaskCompleted, EntityType: "task", EntityID: "t1"})
	require.NoError(t, err)
	_, err = ing.Ingest(context.Background(), Event{UserID: "u1", Type: EventWeeklyReviewDue})
	require.NoError(t, err)

	assert.Len(t, store.signals, 2)
	assert.Equal(t, [][2]string{{"task", "t1"}}, rec.calls)
}

func TestIngestor_ChangeFailureDoesNotRejectSignal(t *testing.T) {
	store := &memStore{}
	rec := &recorder{err: errors.New("outbox down")}
	ing := NewIngestor(store, rec, clock.NewFake(base), DefaultOptions(), nil)

	s, err := ing.Ingest(context.Background(), Event{UserID: "u1", Type: EventTaskMissed, EntityType: "task", EntityID: "t1"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Len(t, store.signals, 1)
}

func TestMemoryQueue_WindowAwareAcquisition(t *testing.T) {
	clk := clock.NewFake(base)
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	urgent, err := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	require.NoError(t, err)
	evening, err := New(Event{UserID: "u2", Type: EventHabitMissed}, base, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, urgent))
	require.NoError(t, q.Enqueue(ctx, evening))

	users, err := q.ReadyUsers(ctx, Filter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)

	req := lease.AcquireRequest{WorkerID: "w1", LeaseDuration: time.Minute, BatchSize: 10, MaxRetries: 3}
	got, err := q.AcquireReady(ctx, req, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, urgent.ID, got[0].ID)

	clk.Set(evening.ScheduledWindowStart)
	got, err = q.AcquireReady(ctx, req, Filter{Windows: []WindowType{WindowEvening}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, evening.ID, got[0].ID)
}

func TestMemoryQueue_ResolveAndExpire(t *testing.T) {
	clk := clock.NewFake(base)
	q := NewMemoryQueue(clk)
	ctx := context.Background()

	a, _ := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	b, _ := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	c, _ := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	d, _ := New(Event{UserID: "u1", Type: EventTaskMissed}, base, DefaultOptions())
	for _, s := range []*Signal{a, b, c, d} {
		require.NoError(t, q.Enqueue(ctx, s))
	}

	held, err := q.AcquireWhere(ctx, lease.AcquireRequest{WorkerID: "w0", LeaseDuration: time.Minute, BatchSize: 10, MaxRetries: 3},
		func(s *Signal) bool { return s != d })
	require.NoError(t, err)
	require.Len(t, held, 3)

	assert.ErrorIs(t, q.Defer(ctx, "other", c.ID, base.Add(10*time.Minute)), lease.ErrNotHeld)
	assert.Zero(t, c.DeferralCount)

	require.NoError(t, q.MarkProcessedWithTier(ctx, "w0", TierQuick, a.ID))
	require.NoError(t, q.MarkSkipped(ctx, "w0", SkipSuperseded, b.ID))
	require.NoError(t, q.Defer(ctx, "w0", c.ID, base.Add(10*time.Minute)))

	assert.Equal(t, TierQuick, a.ProcessingTier)
	assert.Equal(t, SkipSuperseded, b.SkipReason)
	assert.Equal(t, 1, c.DeferralCount)

	req := lease.AcquireRequest{WorkerID: "w1", LeaseDuration: time.Minute, BatchSize: 10, MaxRetries: 3}
	got, err := q.AcquireReady(ctx, req, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1, "the deferred signal waits")
	assert.Equal(t, d.ID, got[0].ID)

	clk.Advance(2 * time.Hour)
	n, err := q.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "pending and leased signals both expire")
	assert.Equal(t, lease.StatusExpired, c.Status)
	assert.Equal(t, lease.StatusExpired, d.Status)
	assert.Equal(t, lease.StatusProcessed, a.Status)
}
