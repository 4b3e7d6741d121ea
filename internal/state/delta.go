package state

import "time"

// Delta summarises what changed in a snapshot since the last assessment.
type Delta struct {
	New       int
	Modified  int
	Completed int
	Missed    int
}

// Total returns the number of changed items.
func (d Delta) Total() int {
	return d.New + d.Modified + d.Completed + d.Missed
}

// deltaSaturation is the weighted change count treated as maximal.
const deltaSaturation = 5.0

// Score maps the delta to [0, 1]. Misses weigh more than new items since
// they are the usual reason an intervention helps.
func (d Delta) Score() float64 {
	weighted := 0.5*float64(d.New) + 0.5*float64(d.Modified) + 0.75*float64(d.Completed) + 1.5*float64(d.Missed)
	if weighted >= deltaSaturation {
		return 1
	}
	return weighted / deltaSaturation
}

// DeltaSince counts items that changed after since. A zero since treats
// every item as new.
func DeltaSince(s *UserStateSnapshot, since time.Time) Delta {
	var d Delta
	classify := func(ts Timestamps) {
		switch {
		case since.IsZero() || ts.CreatedAt.After(since):
			d.New++
		case ts.UpdatedAt.After(since):
			d.Modified++
		}
	}

	for _, g := range s.Goals {
		classify(g.Timestamps)
	}
	for _, h := range s.Habits {
		if !h.LastMissedAt.IsZero() && h.LastMissedAt.After(since) {
			d.Missed++
			continue
		}
		classify(h.Timestamps)
	}
	for _, t := range s.Tasks {
		switch {
		case t.Status == TaskCompleted && t.CompletedAt.After(since):
			d.Completed++
		case t.Status == TaskMissed && t.UpdatedAt.After(since):
			d.Missed++
		default:
			classify(t.Timestamps)
		}
	}
	for _, e := range s.Experiments {
		classify(e.Timestamps)
	}
	return d
}
