// Package signal models queued units of work derived from domain events
// and decides when each one becomes eligible for tiered assessment.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/nudge/internal/lease"
)

// Priority orders signals by how quickly they deserve attention.
type Priority string

const (
	PriorityUrgent        Priority = "urgent"
	PriorityWindowAligned Priority = "window_aligned"
	PriorityStandard      Priority = "standard"
	PriorityLow           Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityWindowAligned, PriorityStandard, PriorityLow:
		return true
	}
	return false
}

// WindowType selects the processing window a signal waits for.
type WindowType string

const (
	WindowImmediate WindowType = "immediate"
	WindowMorning   WindowType = "morning"
	WindowEvening   WindowType = "evening"
	WindowBatch     WindowType = "batch"
)

// Valid reports whether w is a known window.
func (w WindowType) Valid() bool {
	switch w {
	case WindowImmediate, WindowMorning, WindowEvening, WindowBatch:
		return true
	}
	return false
}

// ProcessingTier records how far assessment escalated for a signal.
type ProcessingTier string

const (
	TierNone          ProcessingTier = ""
	TierDeterministic ProcessingTier = "tier0_deterministic"
	TierQuick         ProcessingTier = "tier1_quick_assessment"
	TierFullPipeline  ProcessingTier = "tier2_full_pipeline"
	TierSkipped       ProcessingTier = "skipped"
)

// Rank orders tiers so the highest reached tier can be chosen.
func (t ProcessingTier) Rank() int {
	switch t {
	case TierDeterministic:
		return 1
	case TierQuick:
		return 2
	case TierFullPipeline:
		return 3
	}
	return 0
}

// Skip reasons recorded on signals resolved without assessment.
const (
	SkipSuperseded    = "superseded"
	SkipNonActionable = "non_actionable"
	SkipNoState       = "no_user_state"
)

// ErrMaxDeferrals is returned by Defer once the deferral cap is reached.
var ErrMaxDeferrals = errors.New("signal: deferral limit reached")

// Signal is a queued, leasable unit of assessment work.
type Signal struct {
	lease.State

	ID                   string
	UserID               string
	EventType            string
	Payload              json.RawMessage
	Priority             Priority
	WindowType           WindowType
	ScheduledWindowStart time.Time // zero for Immediate
	TargetEntityType     string
	TargetEntityID       string
	ProcessingTier       ProcessingTier
	SkipReason           string
	DeferralCount        int
	NextProcessAfter     time.Time
	ProcessedAt          time.Time
}

func (s *Signal) ItemID() string      { return s.ID }
func (s *Signal) Lease() *lease.State { return &s.State }

// HasTarget reports whether the signal refers to a specific entity.
func (s *Signal) HasTarget() bool {
	return s.TargetEntityType != "" && s.TargetEntityID != ""
}

// IsReadyForWindow reports whether a pending signal may be processed at now.
func (s *Signal) IsReadyForWindow(now time.Time) bool {
	if s.Status != lease.StatusPending {
		return false
	}
	if !s.NextProcessAfter.IsZero() && now.Before(s.NextProcessAfter) {
		return false
	}
	if s.WindowType == WindowImmediate {
		return true
	}
	return s.ScheduledWindowStart.IsZero() || !now.Before(s.ScheduledWindowStart)
}

// IsExpired reports whether the signal outlived its TTL. Expiry applies
// regardless of priority or lease state.
func (s *Signal) IsExpired(now time.Time) bool {
	return s.State.Expired(now)
}

// HasReachedMaxDeferrals reports whether further deferral is forbidden.
func (s *Signal) HasReachedMaxDeferrals(max int) bool {
	return s.DeferralCount >= max
}

// Defer postpones processing until the given time and gives back the
// lease. Callers must check HasReachedMaxDeferrals first.
func (s *Signal) Defer(until time.Time, max int) error {
	if s.HasReachedMaxDeferrals(max) {
		return ErrMaxDeferrals
	}
	if s.Status.IsTerminal() {
		return lease.ErrTerminal
	}
	if s.Status == lease.StatusProcessing {
		if err := lease.Release(&s.State); err != nil {
			return fmt.Errorf("release deferred signal: %w", err)
		}
	}
	s.DeferralCount++
	s.NextProcessAfter = until
	return nil
}

// MarkProcessed resolves the signal with the tier it reached.
func (s *Signal) MarkProcessed(tier ProcessingTier, now time.Time) error {
	if err := lease.MarkProcessed(&s.State); err != nil {
		return err
	}
	s.ProcessingTier = tier
	s.ProcessedAt = now
	return nil
}

// MarkSkipped resolves the signal without assessment.
func (s *Signal) MarkSkipped(reason string, now time.Time) error {
	if err := lease.MarkSkipped(&s.State); err != nil {
		return err
	}
	s.ProcessingTier = TierSkipped
	s.SkipReason = reason
	s.ProcessedAt = now
	return nil
}

// Age returns how long the signal has been queued at now.
func (s *Signal) Age(now time.Time) time.Duration {
	if s.CreatedAt.IsZero() || now.Before(s.CreatedAt) {
		return 0
	}
	return now.Sub(s.CreatedAt)
}
