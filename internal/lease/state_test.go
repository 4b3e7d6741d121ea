package lease

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func TestAcquireFromPending(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))

	assert.Equal(t, StatusProcessing, s.Status)
	assert.Equal(t, "w1", s.LeaseHolder)
	assert.Equal(t, t0.Add(time.Minute), s.LeaseExpiresAt)
	assert.True(t, s.HeldBy("w1", t0.Add(30*time.Second)))
	assert.False(t, s.HeldBy("w2", t0.Add(30*time.Second)))
}

func TestAcquireRejectsActiveLease(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))

	err := Acquire(&s, "w2", time.Minute, t0.Add(59*time.Second), 3)
	require.ErrorIs(t, err, ErrNotAcquirable)
	assert.Equal(t, "w1", s.LeaseHolder)
}

func TestAcquireTakesOverExpiredLease(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, Acquire(&s, "crashed", time.Minute, t0, 3))

	require.NoError(t, Acquire(&s, "w2", time.Minute, t0.Add(time.Minute), 3))
	assert.Equal(t, "w2", s.LeaseHolder)
}

func TestAcquireRespectsRetryBudgetAndTTL(t *testing.T) {
	s := NewState(t0)
	s.RetryCount = 3
	assert.False(t, s.Acquirable(t0, 3))

	s = NewState(t0)
	s.ExpiresAt = t0.Add(time.Hour)
	assert.True(t, s.Acquirable(t0, 3))
	assert.False(t, s.Acquirable(t0.Add(time.Hour), 3))
}

func TestReleaseExpired(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))

	assert.False(t, ReleaseExpired(&s, t0.Add(30*time.Second)))
	assert.True(t, ReleaseExpired(&s, t0.Add(2*time.Minute)))
	assert.Equal(t, StatusPending, s.Status)
	assert.Empty(t, s.LeaseHolder)
	assert.True(t, s.LeaseExpiresAt.IsZero())
}

func TestMarkFailedRetriesThenFails(t *testing.T) {
	s := NewState(t0)

	for i := 1; i < 3; i++ {
		require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))
		terminal, err := MarkFailed(&s, "boom", 3)
		require.NoError(t, err)
		assert.False(t, terminal, "attempt %d", i)
		assert.Equal(t, StatusPending, s.Status)
		assert.Equal(t, i, s.RetryCount)
	}

	require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))
	terminal, err := MarkFailed(&s, "boom", 3)
	require.NoError(t, err)
	assert.True(t, terminal)
	assert.Equal(t, StatusFailed, s.Status)
	assert.Empty(t, s.LeaseHolder)
}

func TestResolvedItemsStayResolved(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, MarkProcessed(&s))

	assert.ErrorIs(t, MarkExpired(&s), ErrTerminal)
	assert.ErrorIs(t, Release(&s), ErrTerminal)
	_, err := MarkFailed(&s, "late", 3)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.Equal(t, StatusProcessed, s.Status)
}

func TestMarkExpiredIgnoresLease(t *testing.T) {
	s := NewState(t0)
	require.NoError(t, Acquire(&s, "w1", time.Hour, t0, 3))
	require.NoError(t, MarkExpired(&s))
	assert.Equal(t, StatusExpired, s.Status)
	assert.Empty(t, s.LeaseHolder)
}

func TestCheckHeld(t *testing.T) {
	s := NewState(t0)
	assert.ErrorIs(t, CheckHeld(&s, "w1"), ErrNotHeld)

	require.NoError(t, Acquire(&s, "w1", time.Minute, t0, 3))
	assert.NoError(t, CheckHeld(&s, "w1"))
	assert.ErrorIs(t, CheckHeld(&s, "w2"), ErrNotHeld)

	require.NoError(t, MarkProcessed(&s))
	assert.ErrorIs(t, CheckHeld(&s, "w1"), ErrTerminal)
}

func TestLost(t *testing.T) {
	assert.NoError(t, Lost(nil, true))

	err := Lost([]string{"a", "b"}, false)
	assert.ErrorIs(t, err, ErrNotHeld)
	assert.True(t, IsLost(err))
	assert.Equal(t, 2, LostCount(err))
	assert.Contains(t, err.Error(), "a, b")

	assert.ErrorIs(t, Lost([]string{"a"}, true), ErrTerminal)
	assert.False(t, IsLost(errors.New("disk full")))
	assert.Zero(t, LostCount(errors.New("disk full")))
}

func TestReleaseRequiresLease(t *testing.T) {
	s := NewState(t0)
	assert.ErrorIs(t, Release(&s), ErrNotHeld)
}

func TestTruncateError(t *testing.T) {
	assert.Equal(t, "short", TruncateError("short"))

	long := strings.Repeat("é", MaxErrorLength)
	got := TruncateError(long)
	assert.LessOrEqual(t, len(got), MaxErrorLength)
	assert.True(t, strings.HasPrefix(long, got))
	assert.Equal(t, 0, len(got)%2, "cut must not split a two-byte rune")
}
