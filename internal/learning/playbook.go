package learning

import (
	"context"
	"time"

	"github.com/abhisek/nudge/internal/recommend"
)

const (
	DefaultWeight = 0.5
	MinWeight     = 0.1
	MaxWeight     = 0.95
)

// Entry is the learned weight of one recommendation type in one context.
type Entry struct {
	UserID         string
	Type           recommend.Type
	ContextKey     string
	SuccessWeight  float64
	Accepted       int
	Dismissed      int
	Completed      int
	NotCompleted   int
	ExperimentRuns int
	DismissReasons map[string]int
	UpdatedAt      time.Time
}

// NewEntry returns an entry with no history at DefaultWeight.
func NewEntry(userID string, typ recommend.Type, key string) *Entry {
	return &Entry{
		UserID:         userID,
		Type:           typ,
		ContextKey:     key,
		SuccessWeight:  DefaultWeight,
		DismissReasons: map[string]int{},
	}
}

// AcceptanceRate is accepted over decided recommendations.
func (e *Entry) AcceptanceRate() float64 {
	return ratio(e.Accepted, e.Accepted+e.Dismissed)
}

// CompletionRate is completed over accepted recommendations with a known
// completion.
func (e *Entry) CompletionRate() float64 {
	return ratio(e.Completed, e.Completed+e.NotCompleted)
}

func ratio(n, d int) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

// apply moves the weight toward signal by rate and clamps it.
func (e *Entry) apply(signal, rate float64, now time.Time) {
	e.SuccessWeight = clamp(e.SuccessWeight + rate*(signal-e.SuccessWeight))
	e.UpdatedAt = now
}

func clamp(w float64) float64 {
	switch {
	case w < MinWeight:
		return MinWeight
	case w > MaxWeight:
		return MaxWeight
	}
	return w
}

// Playbook is the set of entries learned for one user.
type Playbook struct {
	UserID  string
	Entries []*Entry
}

// Find returns the entry for (typ, key) or nil.
func (p *Playbook) Find(typ recommend.Type, key string) *Entry {
	for _, e := range p.Entries {
		if e.Type == typ && e.ContextKey == key {
			return e
		}
	}
	return nil
}

// Weight resolves the weight for typ in key: the exact context, else the
// mean across the type's contexts, else DefaultWeight.
func (p *Playbook) Weight(typ recommend.Type, key string) float64 {
	if e := p.Find(typ, key); e != nil {
		return e.SuccessWeight
	}
	sum, n := 0.0, 0
	for _, e := range p.Entries {
		if e.Type == typ {
			sum += e.SuccessWeight
			n++
		}
	}
	if n == 0 {
		return DefaultWeight
	}
	return sum / float64(n)
}

// Repository persists playbook entries.
type Repository interface {
	// Load returns every entry of a user. Unknown users yield an empty
	// playbook.
	Load(ctx context.Context, userID string) (*Playbook, error)

	// UpdateEntry applies fn to the stored entry of (userID, typ, key), or
	// to a NewEntry when there is none, and saves the result. Updates of
	// the same entry are serialised across processes, so none is lost.
	UpdateEntry(ctx context.Context, userID string, typ recommend.Type, key string, fn func(*Entry)) error
}
