// Package state defines the read-only, point-in-time view of a user that
// the assessment tiers evaluate.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoSnapshot is returned when a user has no stored state.
var ErrNoSnapshot = errors.New("state: no snapshot for user")

// Entity types carried in a snapshot. They double as outbox entity types
// and recommendation target types.
const (
	EntityGoal       = "goal"
	EntityHabit      = "habit"
	EntityTask       = "task"
	EntityExperiment = "experiment"
)

// Task statuses.
const (
	TaskOpen      = "open"
	TaskCompleted = "completed"
	TaskMissed    = "missed"
)

// Experiment statuses.
const (
	ExperimentDraft     = "draft"
	ExperimentActive    = "active"
	ExperimentCompleted = "completed"
	ExperimentAbandoned = "abandoned"
)

// SeasonIntensity describes how demanding the user's current life season is.
type SeasonIntensity string

const (
	SeasonLight    SeasonIntensity = "light"
	SeasonModerate SeasonIntensity = "moderate"
	SeasonIntense  SeasonIntensity = "intense"
)

// Timestamps shared by every entity.
type Timestamps struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Goal struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Status   string    `json:"status"`
	Progress float64   `json:"progress"`
	AtRisk   bool      `json:"at_risk"`
	Due      time.Time `json:"due,omitzero"`
	Timestamps
}

type Habit struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Active       bool      `json:"active"`
	StreakDays   int       `json:"streak_days"`
	MissedLast7  int       `json:"missed_last_7"`
	Adherence7d  float64   `json:"adherence_7d"`
	LastMissedAt time.Time `json:"last_missed_at,omitzero"`
	Timestamps
}

type Task struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	Status           string    `json:"status"`
	GoalID           string    `json:"goal_id,omitempty"`
	EstimatedMinutes int       `json:"estimated_minutes"`
	ScheduledFor     time.Time `json:"scheduled_for,omitzero"`
	Due              time.Time `json:"due,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
	Timestamps
}

type Experiment struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Hypothesis string `json:"hypothesis"`
	Status     string `json:"status"`
	Timestamps
}

// Capacity is the number of minutes the user is willing to schedule per day.
type Capacity struct {
	WeekdayMinutes int `json:"weekday_minutes"`
	WeekendMinutes int `json:"weekend_minutes"`
}

// UserStateSnapshot is a point-in-time view of one user.
type UserStateSnapshot struct {
	UserID          string          `json:"user_id"`
	CapturedAt      time.Time       `json:"captured_at"`
	EnergyLevel     int             `json:"energy_level"` // 1-5, 0 when unknown
	Capacity        Capacity        `json:"capacity"`
	SeasonIntensity SeasonIntensity `json:"season_intensity"`
	Goals           []Goal          `json:"goals"`
	Habits          []Habit         `json:"habits"`
	Tasks           []Task          `json:"tasks"`
	Experiments     []Experiment    `json:"experiments"`
}

// Validate checks the fields the assessment tiers rely on.
func (s *UserStateSnapshot) Validate() error {
	if s.UserID == "" {
		return errors.New("state: user id is required")
	}
	if s.EnergyLevel < 0 || s.EnergyLevel > 5 {
		return fmt.Errorf("state: energy level must be 0-5, got %d", s.EnergyLevel)
	}
	if s.Capacity.WeekdayMinutes < 0 || s.Capacity.WeekendMinutes < 0 {
		return errors.New("state: capacity minutes must not be negative")
	}
	switch s.SeasonIntensity {
	case "", SeasonLight, SeasonModerate, SeasonIntense:
	default:
		return fmt.Errorf("state: unknown season intensity %q", s.SeasonIntensity)
	}
	return nil
}

// IsWeekend reports whether t falls on Saturday or Sunday.
func IsWeekend(t time.Time) bool {
	d := t.Weekday()
	return d == time.Saturday || d == time.Sunday
}

// CapacityLimit returns the minute budget for the day containing at.
func (s *UserStateSnapshot) CapacityLimit(at time.Time) int {
	if IsWeekend(at) {
		return s.Capacity.WeekendMinutes
	}
	return s.Capacity.WeekdayMinutes
}

// ScheduledMinutes sums estimates of open tasks scheduled on the same
// calendar day as at.
func (s *UserStateSnapshot) ScheduledMinutes(at time.Time) int {
	y, m, d := at.Date()
	total := 0
	for _, t := range s.Tasks {
		if t.Status != TaskOpen || t.ScheduledFor.IsZero() {
			continue
		}
		ty, tm, td := t.ScheduledFor.In(at.Location()).Date()
		if ty == y && tm == m && td == d {
			total += t.EstimatedMinutes
		}
	}
	return total
}

// CapacityUtilization returns scheduled minutes over the day's limit. A
// zero limit with scheduled work reports 1.
func (s *UserStateSnapshot) CapacityUtilization(at time.Time) float64 {
	limit := s.CapacityLimit(at)
	used := s.ScheduledMinutes(at)
	if limit <= 0 {
		if used > 0 {
			return 1
		}
		return 0
	}
	return float64(used) / float64(limit)
}

// HasActiveExperiment reports whether an active or draft experiment exists.
func (s *UserStateSnapshot) HasActiveExperiment() bool {
	for _, e := range s.Experiments {
		if e.Status == ExperimentActive || e.Status == ExperimentDraft {
			return true
		}
	}
	return false
}

// ActiveHabits returns habits currently being tracked.
func (s *UserStateSnapshot) ActiveHabits() []Habit {
	var out []Habit
	for _, h := range s.Habits {
		if h.Active {
			out = append(out, h)
		}
	}
	return out
}

// AtRiskGoals returns goals flagged at risk.
func (s *UserStateSnapshot) AtRiskGoals() []Goal {
	var out []Goal
	for _, g := range s.Goals {
		if g.AtRisk {
			out = append(out, g)
		}
	}
	return out
}

// OverdueTasks returns open tasks whose due time is before now.
func (s *UserStateSnapshot) OverdueTasks(now time.Time) []Task {
	var out []Task
	for _, t := range s.Tasks {
		if t.Status == TaskOpen && !t.Due.IsZero() && t.Due.Before(now) {
			out = append(out, t)
		}
	}
	return out
}

// HasEntity reports whether the snapshot contains the entity.
func (s *UserStateSnapshot) HasEntity(typ, id string) bool {
	for _, e := range s.Entities() {
		if e.Type == typ && e.ID == id {
			return true
		}
	}
	return false
}

// Entity is the embeddable form of one snapshot item.
type Entity struct {
	Type      string
	ID        string
	UserID    string
	Text      string
	UpdatedAt time.Time
}

// Entities flattens the snapshot into embeddable entities.
func (s *UserStateSnapshot) Entities() []Entity {
	var out []Entity
	add := func(typ, id string, ts Timestamps, parts ...string) {
		out = append(out, Entity{
			Type:      typ,
			ID:        id,
			UserID:    s.UserID,
			Text:      strings.Join(nonEmpty(parts), ". "),
			UpdatedAt: latest(ts),
		})
	}
	for _, g := range s.Goals {
		risk := ""
		if g.AtRisk {
			risk = "at risk"
		}
		add(EntityGoal, g.ID, g.Timestamps, "Goal: "+g.Title, g.Status, fmt.Sprintf("progress %.0f%%", g.Progress*100), risk)
	}
	for _, h := range s.Habits {
		add(EntityHabit, h.ID, h.Timestamps, "Habit: "+h.Title,
			fmt.Sprintf("streak %d days", h.StreakDays),
			fmt.Sprintf("missed %d of last 7 days", h.MissedLast7))
	}
	for _, t := range s.Tasks {
		add(EntityTask, t.ID, t.Timestamps, "Task: "+t.Title, t.Status,
			fmt.Sprintf("estimated %d minutes", t.EstimatedMinutes))
	}
	for _, e := range s.Experiments {
		add(EntityExperiment, e.ID, e.Timestamps, "Experiment: "+e.Title, e.Hypothesis, e.Status)
	}
	return out
}

func nonEmpty(parts []string) []string {
	out := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func latest(ts Timestamps) time.Time {
	if ts.UpdatedAt.After(ts.CreatedAt) {
		return ts.UpdatedAt
	}
	return ts.CreatedAt
}

// Provider returns the current snapshot for a user. Implementations return
// ErrNoSnapshot when the user is unknown.
type Provider interface {
	Snapshot(ctx context.Context, userID string) (*UserStateSnapshot, error)
}
