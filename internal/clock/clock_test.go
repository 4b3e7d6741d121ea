package clock

import (
	"testing"
	"time"
)

func TestFakeAdvanceFiresWaiters(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	f := NewFake(start)

	short := f.After(time.Second)
	long := f.After(time.Minute)

	f.Advance(2 * time.Second)

	select {
	case got := <-short:
		if !got.Equal(start.Add(2 * time.Second)) {
			t.Errorf("fired at %v, want %v", got, start.Add(2*time.Second))
		}
	default:
		t.Fatal("short waiter did not fire")
	}

	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if f.Waiters() != 1 {
		t.Errorf("waiters = %d, want 1", f.Waiters())
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	select {
	case <-f.After(0):
	default:
		t.Fatal("After(0) should fire immediately")
	}
}
