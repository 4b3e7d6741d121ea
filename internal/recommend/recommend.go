// Package recommend defines recommendation candidates, the persisted
// recommendation record and its status machine.
package recommend

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvalidCandidate wraps every candidate validation failure.
	ErrInvalidCandidate = errors.New("invalid recommendation candidate")

	// ErrTerminalStatus is returned when a resolved recommendation is
	// asked to change status.
	ErrTerminalStatus = errors.New("recommendation is in a terminal status")

	// ErrInvalidTransition is returned for transitions the status machine
	// does not allow.
	ErrInvalidTransition = errors.New("invalid recommendation status transition")
)

// Type is the kind of advice a recommendation gives.
type Type string

const (
	TypeTaskSchedule Type = "task_schedule"
	TypeHabitAdjust  Type = "habit_adjust"
	TypeGoalCheckin  Type = "goal_checkin"
	TypeExperiment   Type = "experiment"
	TypeRecovery     Type = "recovery"
	TypeReflection   Type = "reflection"
	TypeCapacityTrim Type = "capacity_trim"
)

// Types lists every known recommendation type.
var Types = []Type{
	TypeTaskSchedule, TypeHabitAdjust, TypeGoalCheckin,
	TypeExperiment, TypeRecovery, TypeReflection, TypeCapacityTrim,
}

func (t Type) Valid() bool {
	for _, v := range Types {
		if v == t {
			return true
		}
	}
	return false
}

// ActionKind is what accepting the recommendation would do.
type ActionKind string

const (
	ActionCreate     ActionKind = "create"
	ActionUpdate     ActionKind = "update"
	ActionSchedule   ActionKind = "schedule"
	ActionReschedule ActionKind = "reschedule"
	ActionPause      ActionKind = "pause"
	ActionReview     ActionKind = "review"
)

func (a ActionKind) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionSchedule, ActionReschedule, ActionPause, ActionReview:
		return true
	}
	return false
}

// IsScheduling reports whether the action books time on the calendar.
func (a ActionKind) IsScheduling() bool {
	return a == ActionSchedule || a == ActionReschedule
}

// Candidate is a generated, not yet vetted recommendation.
type Candidate struct {
	Type             Type            `json:"type"`
	TargetEntityType string          `json:"target_entity_type,omitempty"`
	TargetEntityID   string          `json:"target_entity_id,omitempty"`
	ActionKind       ActionKind      `json:"action_kind"`
	Title            string          `json:"title"`
	Rationale        string          `json:"rationale"`
	Score            float64         `json:"score"`
	EstimatedMinutes int             `json:"estimated_minutes,omitempty"`
	ActionPayload    json.RawMessage `json:"action_payload,omitempty"`
	SignalIDs        []string        `json:"signal_ids,omitempty"`
}

// HasTarget reports whether the candidate refers to a specific entity.
func (c *Candidate) HasTarget() bool {
	return c.TargetEntityType != "" && c.TargetEntityID != ""
}

// Validate checks the candidate. Failures wrap ErrInvalidCandidate.
func (c *Candidate) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidCandidate, fmt.Sprintf(format, args...))
	}
	switch {
	case !c.Type.Valid():
		return fail("unknown type %q", c.Type)
	case !c.ActionKind.Valid():
		return fail("unknown action kind %q", c.ActionKind)
	case c.Title == "":
		return fail("title is required")
	case math.IsNaN(c.Score) || c.Score < 0 || c.Score > 1:
		return fail("score %v outside [0, 1]", c.Score)
	case (c.TargetEntityType == "") != (c.TargetEntityID == ""):
		return fail("target type and id must be set together")
	case c.EstimatedMinutes < 0:
		return fail("estimated minutes must not be negative")
	case len(c.ActionPayload) > 0 && !json.Valid(c.ActionPayload):
		return fail("action payload is not valid JSON")
	}
	return nil
}

// Status is the lifecycle state of a persisted recommendation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusDismissed Status = "dismissed"
	StatusSnoozed   Status = "snoozed"
	StatusExpired   Status = "expired"
	StatusExecuted  Status = "executed"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusDismissed || s == StatusExpired || s == StatusExecuted
}

// IsOpen reports whether the recommendation still awaits a user decision.
func (s Status) IsOpen() bool {
	return s == StatusPending || s == StatusSnoozed
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusAccepted, StatusDismissed, StatusSnoozed, StatusExpired},
	StatusSnoozed:  {StatusPending, StatusAccepted, StatusDismissed, StatusExpired},
	StatusAccepted: {StatusExecuted, StatusExpired},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Recommendation is a policy-approved candidate owned by a user.
type Recommendation struct {
	Candidate

	ID            string
	UserID        string
	RunID         string
	Status        Status
	ContextKey    string
	Warnings      []string
	DismissReason string
	SnoozedUntil  time.Time
	Completed     *bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
	ExpiresAt     time.Time
}

// New creates a pending recommendation from an approved candidate.
func New(userID, runID string, c Candidate, contextKey string, now time.Time, ttl time.Duration) *Recommendation {
	r := &Recommendation{
		Candidate:  c,
		ID:         uuid.NewString(),
		UserID:     userID,
		RunID:      runID,
		Status:     StatusPending,
		ContextKey: contextKey,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if ttl > 0 {
		r.ExpiresAt = now.Add(ttl)
	}
	return r
}

// Transition moves the recommendation to status to.
func (r *Recommendation) Transition(to Status, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalStatus, r.ID, r.Status)
	}
	if !CanTransition(r.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	if to != StatusSnoozed {
		r.SnoozedUntil = time.Time{}
	}
	return nil
}

// DueToExpire reports whether an unresolved recommendation has outlived
// its expiry.
func (r *Recommendation) DueToExpire(now time.Time) bool {
	return !r.Status.IsTerminal() && r.Status != StatusAccepted &&
		!r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}
