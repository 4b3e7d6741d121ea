// Package learning keeps per-user contextual weights for recommendation
// types and updates them from observed outcomes.
package learning

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CapacityBucket discretises capacity utilisation.
type CapacityBucket string

const (
	CapacityLow    CapacityBucket = "low"    // under 50%
	CapacityMedium CapacityBucket = "medium" // 50% to 85%
	CapacityHigh   CapacityBucket = "high"   // 85% to 100%
	CapacityOver   CapacityBucket = "over"
)

// BucketCapacity maps a utilisation ratio to its bucket.
func BucketCapacity(utilization float64) CapacityBucket {
	switch {
	case utilization < 0.5:
		return CapacityLow
	case utilization < 0.85:
		return CapacityMedium
	case utilization <= 1.0:
		return CapacityHigh
	}
	return CapacityOver
}

// DayBucket separates weekdays from weekends.
type DayBucket string

const (
	Weekday DayBucket = "weekday"
	Weekend DayBucket = "weekend"
)

// BucketDay returns the day bucket of t.
func BucketDay(t time.Time) DayBucket {
	if d := t.Weekday(); d == time.Saturday || d == time.Sunday {
		return Weekend
	}
	return Weekday
}

// ContextKey is the coarse state under which an outcome was observed.
type ContextKey struct {
	Energy   int // 1-5
	Capacity CapacityBucket
	Day      DayBucket
	Season   string
}

// NewContextKey builds a key. Unknown energy is treated as the midpoint
// and an empty season as moderate.
func NewContextKey(energy int, utilization float64, at time.Time, season string) ContextKey {
	if energy < 1 || energy > 5 {
		energy = 3
	}
	if season == "" {
		season = "moderate"
	}
	return ContextKey{
		Energy:   energy,
		Capacity: BucketCapacity(utilization),
		Day:      BucketDay(at),
		Season:   season,
	}
}

// String renders the key in its storage form, e.g.
// "e3|cap:medium|weekday|season:moderate".
func (k ContextKey) String() string {
	return fmt.Sprintf("e%d|cap:%s|%s|season:%s", k.Energy, k.Capacity, k.Day, k.Season)
}

// ParseContextKey is the inverse of ContextKey.String.
func ParseContextKey(s string) (ContextKey, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 4 {
		return ContextKey{}, fmt.Errorf("context key %q: want 4 parts, got %d", s, len(parts))
	}
	energy, err := strconv.Atoi(strings.TrimPrefix(parts[0], "e"))
	if err != nil || !strings.HasPrefix(parts[0], "e") {
		return ContextKey{}, fmt.Errorf("context key %q: bad energy %q", s, parts[0])
	}
	capacity, ok := strings.CutPrefix(parts[1], "cap:")
	if !ok {
		return ContextKey{}, fmt.Errorf("context key %q: bad capacity %q", s, parts[1])
	}
	season, ok := strings.CutPrefix(parts[3], "season:")
	if !ok {
		return ContextKey{}, fmt.Errorf("context key %q: bad season %q", s, parts[3])
	}
	return ContextKey{
		Energy:   energy,
		Capacity: CapacityBucket(capacity),
		Day:      DayBucket(parts[2]),
		Season:   season,
	}, nil
}
