// Package policy vets generated recommendation candidates against hard and
// soft constraints before they are persisted.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/state"
)

// Verdict is the outcome of a rule for one candidate.
type Verdict string

const (
	Warning  Verdict = "warning"
	Rejected Verdict = "rejected"
)

// Result is a rule's finding about one candidate. Candidates without a
// result are approved by that rule.
type Result struct {
	Candidate *recommend.Candidate
	Rule      string
	Verdict   Verdict
	Reason    string
}

// Context is the user state rules evaluate against.
type Context struct {
	UserID  string
	Now     time.Time
	State   *state.UserStateSnapshot
	Pending []*recommend.Recommendation // the user's open recommendations
}

// Rule is one check in the chain. Evaluate only sees candidates that every
// earlier rule approved.
type Rule interface {
	Name() string
	Order() int
	Evaluate(ctx context.Context, pc *Context, candidates []*recommend.Candidate) ([]Result, error)
}

// Decision is the outcome of running the chain.
type Decision struct {
	Approved []*recommend.Candidate
	Rejected []Result
	Warnings []Result
}

// WarningsFor returns the warning reasons recorded for c.
func (d *Decision) WarningsFor(c *recommend.Candidate) []string {
	var out []string
	for _, w := range d.Warnings {
		if w.Candidate == c {
			out = append(out, w.Reason)
		}
	}
	return out
}

// Enforcer runs rules in ascending Order.
type Enforcer struct {
	rules  []Rule
	logger *slog.Logger
}

// NewEnforcer orders rules once. Rules with equal Order keep the order
// they were passed in.
func NewEnforcer(logger *slog.Logger, rules ...Rule) *Enforcer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Enforcer{rules: sorted, logger: logger}
}

// DefaultRules returns the built-in chain.
func DefaultRules() []Rule {
	return []Rule{
		DuplicateRecommendation{},
		SingleActiveExperiment{},
		CapacityBudget{},
	}
}

// Rules returns the rules in evaluation order.
func (e *Enforcer) Rules() []Rule {
	return append([]Rule(nil), e.rules...)
}

// Enforce runs the chain over candidates. It stops early once nothing is
// left to approve.
func (e *Enforcer) Enforce(ctx context.Context, pc *Context, candidates []*recommend.Candidate) (*Decision, error) {
	d := &Decision{Approved: append([]*recommend.Candidate(nil), candidates...)}

	for _, rule := range e.rules {
		if len(d.Approved) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		results, err := rule.Evaluate(ctx, pc, d.Approved)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", rule.Name(), err)
		}

		rejected := make(map[*recommend.Candidate]bool)
		for _, r := range results {
			r.Rule = rule.Name()
			switch r.Verdict {
			case Rejected:
				rejected[r.Candidate] = true
				d.Rejected = append(d.Rejected, r)
				e.logger.Info("candidate rejected",
					"user_id", pc.UserID,
					"rule", r.Rule,
					"recommendation_type", r.Candidate.Type,
					"reason", r.Reason,
				)
			case Warning:
				d.Warnings = append(d.Warnings, r)
				e.logger.Warn("candidate warning",
					"user_id", pc.UserID,
					"rule", r.Rule,
					"recommendation_type", r.Candidate.Type,
					"reason", r.Reason,
				)
			default:
				return nil, fmt.Errorf("policy %s: unknown verdict %q", rule.Name(), r.Verdict)
			}
		}

		if len(rejected) > 0 {
			kept := d.Approved[:0:0]
			for _, c := range d.Approved {
				if !rejected[c] {
					kept = append(kept, c)
				}
			}
			d.Approved = kept
		}
	}
	return d, nil
}
