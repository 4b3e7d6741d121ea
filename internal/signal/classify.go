package signal

import "time"

// Classification is the scheduling metadata attached to an event type.
type Classification struct {
	Priority Priority
	Window   WindowType

	// Actionable is false for events that are recorded but never assessed.
	Actionable bool

	// MutatesEntity marks events whose target entity must be re-embedded.
	MutatesEntity bool
}

// Event types emitted by the productivity domain.
const (
	EventCheckInCompleted  = "checkin.completed"
	EventEnergyLowReported = "energy.low_reported"
	EventGoalAtRisk        = "goal.at_risk"
	EventGoalCreated       = "goal.created"
	EventGoalUpdated       = "goal.updated"
	EventHabitMissed       = "habit.missed"
	EventHabitCompleted    = "habit.completed"
	EventHabitCreated      = "habit.created"
	EventTaskCreated       = "task.created"
	EventTaskUpdated       = "task.updated"
	EventTaskCompleted     = "task.completed"
	EventTaskMissed        = "task.missed"
	EventTaskUncompleted   = "task.uncompleted"
	EventProjectUpdated    = "project.updated"
	EventExperimentEnded   = "experiment.ended"
	EventWeeklyReviewDue   = "weekly.review_due"
	EventEntityDeleted     = "entity.deleted"
)

// Classifications maps event types to their scheduling metadata. It is
// consulted once, when a signal is created.
var Classifications = map[string]Classification{
	EventEnergyLowReported: {Priority: PriorityUrgent, Window: WindowImmediate, Actionable: true},
	EventGoalAtRisk:        {Priority: PriorityUrgent, Window: WindowImmediate, Actionable: true, MutatesEntity: true},
	EventTaskMissed:        {Priority: PriorityUrgent, Window: WindowImmediate, Actionable: true, MutatesEntity: true},

	EventCheckInCompleted: {Priority: PriorityWindowAligned, Window: WindowMorning, Actionable: true, MutatesEntity: true},
	EventHabitMissed:      {Priority: PriorityWindowAligned, Window: WindowEvening, Actionable: true, MutatesEntity: true},
	EventExperimentEnded:  {Priority: PriorityWindowAligned, Window: WindowEvening, Actionable: true, MutatesEntity: true},

	EventTaskCompleted:   {Priority: PriorityStandard, Window: WindowEvening, Actionable: true, MutatesEntity: true},
	EventTaskUncompleted: {Priority: PriorityStandard, Window: WindowEvening, Actionable: true, MutatesEntity: true},
	EventHabitCompleted:  {Priority: PriorityStandard, Window: WindowEvening, Actionable: true, MutatesEntity: true},
	EventGoalCreated:     {Priority: PriorityStandard, Window: WindowMorning, Actionable: true, MutatesEntity: true},
	EventGoalUpdated:     {Priority: PriorityStandard, Window: WindowMorning, Actionable: true, MutatesEntity: true},

	EventTaskCreated:     {Priority: PriorityLow, Window: WindowBatch, Actionable: true, MutatesEntity: true},
	EventTaskUpdated:     {Priority: PriorityLow, Window: WindowBatch, Actionable: true, MutatesEntity: true},
	EventHabitCreated:    {Priority: PriorityLow, Window: WindowBatch, Actionable: true, MutatesEntity: true},
	EventProjectUpdated:  {Priority: PriorityLow, Window: WindowBatch, Actionable: true, MutatesEntity: true},
	EventWeeklyReviewDue: {Priority: PriorityLow, Window: WindowBatch, Actionable: true},
	EventEntityDeleted:   {Priority: PriorityLow, Window: WindowBatch, Actionable: false, MutatesEntity: true},
}

// Classify returns the classification for eventType. Unknown events are
// low priority and wait for the batch window.
func Classify(eventType string) Classification {
	if c, ok := Classifications[eventType]; ok {
		return c
	}
	return Classification{Priority: PriorityLow, Window: WindowBatch, Actionable: true}
}

// TTLs holds the time-to-live per priority.
type TTLs map[Priority]time.Duration

// DefaultTTLs returns the default time-to-live for each priority.
func DefaultTTLs() TTLs {
	return TTLs{
		PriorityUrgent:        time.Hour,
		PriorityWindowAligned: 24 * time.Hour,
		PriorityStandard:      48 * time.Hour,
		PriorityLow:           72 * time.Hour,
	}
}

// For returns the TTL for p, falling back to the defaults.
func (t TTLs) For(p Priority) time.Duration {
	if d, ok := t[p]; ok && d > 0 {
		return d
	}
	return DefaultTTLs()[p]
}

// WindowSchedule places the morning, evening and batch windows in a day.
type WindowSchedule struct {
	MorningHour int
	EveningHour int
	BatchHour   int
	Location    *time.Location
}

// DefaultWindowSchedule opens windows at 07:00, 19:00 and 02:00 UTC.
func DefaultWindowSchedule() WindowSchedule {
	return WindowSchedule{MorningHour: 7, EveningHour: 19, BatchHour: 2, Location: time.UTC}
}

// NextStart returns the first opening of window at or after from. The
// zero time is returned for Immediate.
func (w WindowSchedule) NextStart(window WindowType, from time.Time) time.Time {
	var hour int
	switch window {
	case WindowMorning:
		hour = w.MorningHour
	case WindowEvening:
		hour = w.EveningHour
	case WindowBatch:
		hour = w.BatchHour
	default:
		return time.Time{}
	}

	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := from.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if start.Before(local) {
		start = start.AddDate(0, 0, 1)
	}
	return start.UTC()
}
