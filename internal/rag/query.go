// Package rag retrieves similar historical items from the vector store to
// ground LLM reasoning. Retrieval is best effort: failures yield an empty
// context, never an error.
package rag

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/abhisek/nudge/internal/state"
)

// Stage is the pipeline step a query is built for.
type Stage string

const (
	StageAssessment Stage = "assessment"
	StageStrategy   Stage = "strategy"
)

// QueryInput is the structured state a query is built from.
type QueryInput struct {
	State      *state.UserStateSnapshot
	Now        time.Time
	EventTypes []string

	// Strategy stage only.
	RiskAreas []string
	Patterns  []string
}

// BuildQuery renders the free-text query for stage.
func BuildQuery(stage Stage, in QueryInput) string {
	var b strings.Builder
	switch stage {
	case StageAssessment:
		writeAssessment(&b, in)
	case StageStrategy:
		writeStrategy(&b, in)
	default:
		return ""
	}
	return strings.TrimSpace(b.String())
}

func writeAssessment(b *strings.Builder, in QueryInput) {
	b.WriteString("recent state assessment.")
	if len(in.EventTypes) > 0 {
		fmt.Fprintf(b, " events: %s.", strings.Join(in.EventTypes, ", "))
	}
	s := in.State
	if s == nil {
		return
	}
	if s.EnergyLevel > 0 {
		fmt.Fprintf(b, " energy level %d of 5", s.EnergyLevel)
		if s.EnergyLevel <= 2 {
			b.WriteString(" low energy fatigue")
		}
		b.WriteString(".")
	}
	if limit := s.CapacityLimit(in.Now); limit > 0 {
		u := s.CapacityUtilization(in.Now)
		fmt.Fprintf(b, " capacity utilization %.0f%%", u*100)
		if u > 1 {
			b.WriteString(" overcommitted")
		}
		b.WriteString(".")
	}
	for _, h := range s.ActiveHabits() {
		fmt.Fprintf(b, " habit adherence %s missed %d of 7 days streak %d.", h.Title, h.MissedLast7, h.StreakDays)
	}
	for _, g := range s.AtRiskGoals() {
		fmt.Fprintf(b, " goal at risk %s.", g.Title)
	}
}

func writeStrategy(b *strings.Builder, in QueryInput) {
	b.WriteString("strategy for next steps.")
	if len(in.RiskAreas) > 0 {
		fmt.Fprintf(b, " risk areas: %s.", strings.Join(in.RiskAreas, ", "))
	}
	if len(in.Patterns) > 0 {
		fmt.Fprintf(b, " patterns: %s.", strings.Join(in.Patterns, ", "))
	}
	if in.State != nil {
		if in.State.HasActiveExperiment() {
			b.WriteString(" active experiment in progress.")
		}
		if in.State.SeasonIntensity != "" {
			fmt.Fprintf(b, " season %s.", in.State.SeasonIntensity)
		}
	}
	b.WriteString(" what worked before. what failed before. successful approaches and unsuccessful approaches.")
}

// Truncate shortens text to at most max runes, cutting at the last word
// boundary when one exists.
func Truncate(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:max])
	if i := strings.LastIndexAny(cut, " \t\n"); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \t\n.,;:")
}
