// Package lease holds the lease bookkeeping shared by every queued work
// item (signals and embedding outbox entries) and the transitions that
// move an item between Pending, Processing and its terminal states.
//
// The transition functions mutate a *State in memory. Storage backends
// apply the same rules with conditional updates so that two workers can
// never both observe a successful acquisition of the same item.
package lease

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the lifecycle state of a leasable work item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusProcessed, StatusSkipped, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusProcessed, StatusSkipped, StatusFailed, StatusExpired:
		return true
	}
	return false
}

// MaxErrorLength bounds LastError so a noisy failure cannot grow a row
// without limit.
const MaxErrorLength = 1000

var (
	// ErrNotAcquirable is returned when an item is neither pending nor
	// holding an expired lease.
	ErrNotAcquirable = errors.New("lease: item not acquirable")

	// ErrNotHeld is returned when a transition requires an active lease.
	ErrNotHeld = errors.New("lease: item not held")

	// ErrTerminal is returned when an item has already been resolved.
	ErrTerminal = errors.New("lease: item already resolved")
)

// State is embedded by every leasable work item.
type State struct {
	Status         Status
	LeaseHolder    string
	LeaseExpiresAt time.Time // zero when no lease is held
	RetryCount     int
	LastError      string
	CreatedAt      time.Time
	ExpiresAt      time.Time // zero means the item never expires
}

// NewState returns a pending state created at now.
func NewState(now time.Time) State {
	return State{Status: StatusPending, CreatedAt: now}
}

// LeaseExpired reports whether a Processing item's lease has lapsed.
func (s *State) LeaseExpired(now time.Time) bool {
	return s.Status == StatusProcessing && !s.LeaseExpiresAt.IsZero() && !now.Before(s.LeaseExpiresAt)
}

// Expired reports whether the item has outlived its time-to-live.
func (s *State) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// HeldBy reports whether holder owns an unexpired lease at now.
func (s *State) HeldBy(holder string, now time.Time) bool {
	return s.Status == StatusProcessing && s.LeaseHolder == holder && now.Before(s.LeaseExpiresAt)
}

// Acquirable reports whether a worker may take the item at now. Items that
// have used up maxRetries or passed their TTL are never acquirable.
func (s *State) Acquirable(now time.Time, maxRetries int) bool {
	if s.Expired(now) {
		return false
	}
	if maxRetries > 0 && s.RetryCount >= maxRetries {
		return false
	}
	return s.Status == StatusPending || s.LeaseExpired(now)
}

// CheckHeld returns ErrTerminal for a resolved item and ErrNotHeld unless
// holder leases it. A lapsed lease still counts as held until the item is
// released or another worker acquires it.
func CheckHeld(s *State, holder string) error {
	switch {
	case s.Status.IsTerminal():
		return ErrTerminal
	case s.Status != StatusProcessing || s.LeaseHolder != holder:
		return ErrNotHeld
	}
	return nil
}

// LostError lists the items of one transition that the caller no longer
// held. Every other item of the call was transitioned.
type LostError struct {
	IDs []string
	// Err is ErrTerminal when every listed item was already resolved and
	// ErrNotHeld otherwise.
	Err error
}

func (e *LostError) Error() string {
	return fmt.Sprintf("lease lost on %s: %v", strings.Join(e.IDs, ", "), e.Err)
}

func (e *LostError) Unwrap() error { return e.Err }

// Lost returns a *LostError for ids, or nil when ids is empty.
func Lost(ids []string, allTerminal bool) error {
	if len(ids) == 0 {
		return nil
	}
	err := ErrNotHeld
	if allTerminal {
		err = ErrTerminal
	}
	return &LostError{IDs: ids, Err: err}
}

// IsLost reports whether err means the caller's lease is gone, either
// taken by another worker or resolved underneath it.
func IsLost(err error) bool {
	return errors.Is(err, ErrNotHeld) || errors.Is(err, ErrTerminal)
}

// LostCount returns how many items err reports as lost.
func LostCount(err error) int {
	var lost *LostError
	if errors.As(err, &lost) {
		return len(lost.IDs)
	}
	return 0
}

// Acquire moves the item to Processing under holder until now+d.
func Acquire(s *State, holder string, d time.Duration, now time.Time, maxRetries int) error {
	if !s.Acquirable(now, maxRetries) {
		return fmt.Errorf("%w: status %s", ErrNotAcquirable, s.Status)
	}
	s.Status = StatusProcessing
	s.LeaseHolder = holder
	s.LeaseExpiresAt = now.Add(d)
	return nil
}

// ReleaseExpired returns an item with a lapsed lease to Pending. It reports
// whether anything changed.
func ReleaseExpired(s *State, now time.Time) bool {
	if !s.LeaseExpired(now) {
		return false
	}
	s.Status = StatusPending
	clearLease(s)
	return true
}

// Release gives the lease back voluntarily, without success or failure.
func Release(s *State) error {
	if s.Status.IsTerminal() {
		return ErrTerminal
	}
	if s.Status != StatusProcessing {
		return ErrNotHeld
	}
	s.Status = StatusPending
	clearLease(s)
	return nil
}

// MarkProcessed resolves the item successfully.
func MarkProcessed(s *State) error {
	return resolve(s, StatusProcessed)
}

// MarkSkipped resolves the item without doing the work.
func MarkSkipped(s *State) error {
	return resolve(s, StatusSkipped)
}

// MarkExpired resolves the item as expired. Expiry applies regardless of
// lease state.
func MarkExpired(s *State) error {
	return resolve(s, StatusExpired)
}

// MarkFailed records a failed attempt. The item returns to Pending until
// RetryCount reaches maxRetries, at which point it becomes Failed. It
// reports whether the failure was terminal.
func MarkFailed(s *State, cause string, maxRetries int) (bool, error) {
	if s.Status.IsTerminal() {
		return false, ErrTerminal
	}
	s.RetryCount++
	s.LastError = TruncateError(cause)
	clearLease(s)
	if s.RetryCount >= maxRetries {
		s.Status = StatusFailed
		return true, nil
	}
	s.Status = StatusPending
	return false, nil
}

func resolve(s *State, to Status) error {
	if s.Status.IsTerminal() {
		return ErrTerminal
	}
	s.Status = to
	clearLease(s)
	return nil
}

func clearLease(s *State) {
	s.LeaseHolder = ""
	s.LeaseExpiresAt = time.Time{}
}

// TruncateError bounds msg to MaxErrorLength bytes without splitting a
// UTF-8 sequence.
func TruncateError(msg string) string {
	if len(msg) <= MaxErrorLength {
		return msg
	}
	cut := MaxErrorLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
