package policy

import (
	"context"
	"fmt"
	"math"

	"github.com/abhisek/nudge/internal/recommend"
)

type targetKey struct {
	typ        recommend.Type
	entityType string
	entityID   string
}

func keyOf(typ recommend.Type, entityType, entityID string) targetKey {
	return targetKey{typ: typ, entityType: entityType, entityID: entityID}
}

// DuplicateRecommendation rejects candidates whose type and target match an
// open recommendation or a higher scored candidate in the same batch.
type DuplicateRecommendation struct{}

func (DuplicateRecommendation) Name() string { return "duplicate_recommendation" }
func (DuplicateRecommendation) Order() int   { return 50 }

func (DuplicateRecommendation) Evaluate(_ context.Context, pc *Context, candidates []*recommend.Candidate) ([]Result, error) {
	open := make(map[targetKey]bool)
	for _, r := range pc.Pending {
		if r.Status.IsOpen() && r.HasTarget() {
			open[keyOf(r.Type, r.TargetEntityType, r.TargetEntityID)] = true
		}
	}

	best := make(map[targetKey]*recommend.Candidate)
	for _, c := range candidates {
		if !c.HasTarget() {
			continue
		}
		k := keyOf(c.Type, c.TargetEntityType, c.TargetEntityID)
		if cur, ok := best[k]; !ok || c.Score > cur.Score {
			best[k] = c
		}
	}

	var out []Result
	for _, c := range candidates {
		if !c.HasTarget() {
			continue
		}
		k := keyOf(c.Type, c.TargetEntityType, c.TargetEntityID)
		switch {
		case open[k]:
			out = append(out, Result{
				Candidate: c,
				Verdict:   Rejected,
				Reason:    fmt.Sprintf("a pending %s recommendation already targets %s %s", c.Type, c.TargetEntityType, c.TargetEntityID),
			})
		case best[k] != c:
			out = append(out, Result{
				Candidate: c,
				Verdict:   Rejected,
				Reason:    fmt.Sprintf("duplicate %s candidate for %s %s in this batch", c.Type, c.TargetEntityType, c.TargetEntityID),
			})
		}
	}
	return out, nil
}

// SingleActiveExperiment allows at most one experiment at a time.
type SingleActiveExperiment struct{}

func (SingleActiveExperiment) Name() string { return "single_active_experiment" }
func (SingleActiveExperiment) Order() int   { return 100 }

func isExperimentCreate(c *recommend.Candidate) bool {
	return c.Type == recommend.TypeExperiment && c.ActionKind == recommend.ActionCreate
}

func (SingleActiveExperiment) Evaluate(_ context.Context, pc *Context, candidates []*recommend.Candidate) ([]Result, error) {
	reason := ""
	switch {
	case pc.State != nil && pc.State.HasActiveExperiment():
		reason = "user already has an active or draft experiment"
	default:
		for _, r := range pc.Pending {
			if r.Status.IsOpen() && isExperimentCreate(&r.Candidate) {
				reason = "an experiment recommendation is already pending"
				break
			}
		}
	}

	var keep *recommend.Candidate
	if reason == "" {
		for _, c := range candidates {
			if isExperimentCreate(c) && (keep == nil || c.Score > keep.Score) {
				keep = c
			}
		}
	}

	var out []Result
	for _, c := range candidates {
		if !isExperimentCreate(c) || c == keep {
			continue
		}
		r := reason
		if r == "" {
			r = "only one new experiment may be proposed at a time"
		}
		out = append(out, Result{Candidate: c, Verdict: Rejected, Reason: r})
	}
	return out, nil
}

// CapacityBudget warns when scheduling candidates would push the day past
// the user's capacity.
type CapacityBudget struct{}

func (CapacityBudget) Name() string { return "capacity_budget" }
func (CapacityBudget) Order() int   { return 200 }

func (CapacityBudget) Evaluate(_ context.Context, pc *Context, candidates []*recommend.Candidate) ([]Result, error) {
	if pc.State == nil {
		return nil, nil
	}
	limit := pc.State.CapacityLimit(pc.Now)
	if limit <= 0 {
		return nil, nil
	}

	total := pc.State.ScheduledMinutes(pc.Now)
	var scheduling []*recommend.Candidate
	for _, c := range candidates {
		if c.ActionKind.IsScheduling() {
			total += c.EstimatedMinutes
			scheduling = append(scheduling, c)
		}
	}
	if total <= limit || len(scheduling) == 0 {
		return nil, nil
	}

	over := math.Round(float64(total-limit) / float64(limit) * 100)
	reason := fmt.Sprintf("schedules %d of %d available minutes (%.0f%% over capacity)", total, limit, over)
	out := make([]Result, 0, len(scheduling))
	for _, c := range scheduling {
		out = append(out, Result{Candidate: c, Verdict: Warning, Reason: reason})
	}
	return out, nil
}
