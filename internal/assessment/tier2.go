package assessment

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/rag"
	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/state"
)

// PipelineConfig tunes the Tier2 model calls.
type PipelineConfig struct {
	MaxTokens     int
	Temperature   float64
	MaxCandidates int
}

// DefaultPipelineConfig returns the Tier2 defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{MaxTokens: 1024, Temperature: 0.3, MaxCandidates: 5}
}

// Pipeline is the Tier2 assessment, strategy and candidate generation.
type Pipeline struct {
	provider llm.Provider
	cfg      PipelineConfig
	logger   *slog.Logger
}

// NewPipeline creates a Tier2 pipeline.
func NewPipeline(provider llm.Provider, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultPipelineConfig().MaxCandidates
	}
	return &Pipeline{provider: provider, cfg: cfg, logger: logger}
}

// Tier2Input is the context of one pipeline run.
type Tier2Input struct {
	UserID  string
	State   *state.UserStateSnapshot
	Signals []*signal.Signal
	Now     time.Time

	// RAG is nil when retrieval is skipped for this cycle.
	RAG *rag.Session

	// Findings are the Tier0 rules that triggered without resolving the
	// cycle.
	Findings []string
}

// StateAssessment is the assessment stage output.
type StateAssessment struct {
	Summary   string   `json:"summary"`
	RiskLevel string   `json:"risk_level"`
	RiskAreas []string `json:"risk_areas"`
	Patterns  []string `json:"patterns"`
}

// Strategy is the strategy stage output.
type Strategy struct {
	Focus      string   `json:"focus"`
	Approaches []string `json:"approaches"`
	Avoid      []string `json:"avoid"`
}

type candidateOutput struct {
	Type             string  `json:"type"`
	ActionKind       string  `json:"action_kind"`
	TargetEntityType string  `json:"target_entity_type"`
	TargetEntityID   string  `json:"target_entity_id"`
	Title            string  `json:"title"`
	Rationale        string  `json:"rationale"`
	Confidence       float64 `json:"confidence"`
	EstimatedMinutes int     `json:"estimated_minutes"`
}

type candidatesOutput struct {
	Candidates []candidateOutput `json:"candidates"`
}

// Tier2Result is the pipeline output.
type Tier2Result struct {
	Assessment StateAssessment
	Strategy   Strategy
	Candidates []recommend.Candidate

	// Dropped counts generated candidates that failed validation.
	Dropped int

	// RAGDegraded is set when any retrieval fell back to no context.
	RAGDegraded bool
}

// Run executes the three stages. Any model failure fails the run.
func (p *Pipeline) Run(ctx context.Context, in Tier2Input) (*Tier2Result, error) {
	ctx = llm.WithUser(ctx, in.UserID)
	out := &Tier2Result{}

	eventTypes := make([]string, 0, len(in.Signals))
	for _, s := range in.Signals {
		eventTypes = append(eventTypes, s.EventType)
	}
	prompt := promptData{
		State:    describeState(in.State, in.Now),
		Events:   eventTypes,
		Findings: in.Findings,
	}

	assessCtx := p.retrieve(ctx, in, rag.StageAssessment, rag.QueryInput{State: in.State, Now: in.Now, EventTypes: eventTypes}, out)
	prompt.History = assessCtx.Render()
	if err := p.generate(ctx, llm.PurposeAssessment, assessmentSystemPrompt, assessmentTemplate, prompt, AssessmentSchema, &out.Assessment); err != nil {
		return nil, fmt.Errorf("assessment stage: %w", err)
	}
	prompt.Assessment = &out.Assessment

	strategyCtx := p.retrieve(ctx, in, rag.StageStrategy, rag.QueryInput{
		State:     in.State,
		Now:       in.Now,
		RiskAreas: out.Assessment.RiskAreas,
		Patterns:  out.Assessment.Patterns,
	}, out)
	prompt.History = strategyCtx.Render()
	if err := p.generate(ctx, llm.PurposeStrategy, strategySystemPrompt, strategyTemplate, prompt, StrategySchema, &out.Strategy); err != nil {
		return nil, fmt.Errorf("strategy stage: %w", err)
	}
	prompt.Strategy = &out.Strategy
	prompt.MaxCandidates = p.cfg.MaxCandidates

	var raw candidatesOutput
	if err := p.generate(ctx, llm.PurposeCandidates, candidatesSystemPrompt, candidatesTemplate, prompt, CandidatesSchema, &raw); err != nil {
		return nil, fmt.Errorf("candidate stage: %w", err)
	}

	signalIDs := make([]string, len(in.Signals))
	for i, s := range in.Signals {
		signalIDs[i] = s.ID
	}
	for _, co := range raw.Candidates {
		if len(out.Candidates) == p.cfg.MaxCandidates {
			break
		}
		c, err := co.toCandidate(in.State, signalIDs)
		if err != nil {
			out.Dropped++
			p.logger.Warn("dropping generated candidate",
				"user_id", in.UserID,
				"title", co.Title,
				"error", err,
			)
			continue
		}
		out.Candidates = append(out.Candidates, c)
	}
	return out, nil
}

func (p *Pipeline) retrieve(ctx context.Context, in Tier2Input, stage rag.Stage, q rag.QueryInput, out *Tier2Result) *rag.Context {
	if in.RAG == nil {
		return nil
	}
	rc := in.RAG.Retrieve(ctx, stage, q)
	if rc.Degraded {
		out.RAGDegraded = true
	}
	return rc
}

func (p *Pipeline) generate(ctx context.Context, purpose llm.Purpose, system string, tmpl *template.Template, data promptData, schema *llm.Schema, v any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("build prompt: %w", err)
	}
	resp, err := p.provider.Generate(llm.WithPurpose(ctx, purpose), llm.Request{
		System:      system,
		Messages:    llm.UserMessage(buf.String()),
		Schema:      schema,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
	})
	if err != nil {
		return err
	}
	return resp.Decode(v)
}

// toCandidate converts and validates one generated candidate. A target the
// snapshot does not contain is rejected so the model cannot invent IDs.
func (co candidateOutput) toCandidate(s *state.UserStateSnapshot, signalIDs []string) (recommend.Candidate, error) {
	c := recommend.Candidate{
		Type:             recommend.Type(co.Type),
		ActionKind:       recommend.ActionKind(co.ActionKind),
		TargetEntityType: strings.TrimSpace(co.TargetEntityType),
		TargetEntityID:   strings.TrimSpace(co.TargetEntityID),
		Title:            strings.TrimSpace(co.Title),
		Rationale:        strings.TrimSpace(co.Rationale),
		Score:            co.Confidence,
		EstimatedMinutes: co.EstimatedMinutes,
		SignalIDs:        signalIDs,
	}
	if err := c.Validate(); err != nil {
		return recommend.Candidate{}, err
	}
	if c.HasTarget() && !s.HasEntity(c.TargetEntityType, c.TargetEntityID) {
		return recommend.Candidate{}, fmt.Errorf("%w: unknown target %s/%s", recommend.ErrInvalidCandidate, c.TargetEntityType, c.TargetEntityID)
	}
	return c, nil
}

type promptData struct {
	State         string
	Events        []string
	Findings      []string
	History       string
	Assessment    *StateAssessment
	Strategy      *Strategy
	MaxCandidates int
}

// describeState renders the snapshot with entity IDs so the model can
// target them.
func describeState(s *state.UserStateSnapshot, now time.Time) string {
	var b strings.Builder
	if s.EnergyLevel > 0 {
		fmt.Fprintf(&b, "Energy: %d/5\n", s.EnergyLevel)
	} else {
		b.WriteString("Energy: unknown\n")
	}
	if limit := s.CapacityLimit(now); limit > 0 {
		fmt.Fprintf(&b, "Today: %d of %d minutes scheduled\n", s.ScheduledMinutes(now), limit)
	}
	if s.SeasonIntensity != "" {
		fmt.Fprintf(&b, "Season: %s\n", s.SeasonIntensity)
	}
	for _, g := range s.Goals {
		risk := ""
		if g.AtRisk {
			risk = ", at risk"
		}
		fmt.Fprintf(&b, "- goal %s: %s (%s, %.0f%%%s)\n", g.ID, g.Title, g.Status, g.Progress*100, risk)
	}
	for _, h := range s.ActiveHabits() {
		fmt.Fprintf(&b, "- habit %s: %s (streak %d, missed %d of 7)\n", h.ID, h.Title, h.StreakDays, h.MissedLast7)
	}
	for _, t := range s.Tasks {
		if t.Status != state.TaskOpen {
			continue
		}
		due := ""
		if !t.Due.IsZero() {
			due = ", due " + t.Due.Format("Mon Jan 2")
		}
		fmt.Fprintf(&b, "- task %s: %s (%d min%s)\n", t.ID, t.Title, t.EstimatedMinutes, due)
	}
	for _, e := range s.Experiments {
		fmt.Fprintf(&b, "- experiment %s: %s (%s)\n", e.ID, e.Title, e.Status)
	}
	return b.String()
}

const assessmentSystemPrompt = `You are a pragmatic productivity coach. Assess the user's current situation from their state, the events that just happened and their history.

Instructions:
- Be concrete and short. The summary is at most two sentences.
- Risk areas and patterns are short labels, not sentences.
- Only describe what the data supports.`

const strategySystemPrompt = `You are a pragmatic productivity coach choosing an approach for the next few days.

Instructions:
- Pick one focus.
- Prefer approaches that worked for this user before; list the ones that failed under avoid.
- Respect the user's energy and capacity.`

const candidatesSystemPrompt = `You are a pragmatic productivity coach turning a strategy into concrete recommendations.

Instructions:
- Each recommendation must be actionable today or this week.
- Target entities only by the IDs listed in the state. Leave both target fields empty for recommendations without a target.
- Confidence reflects how likely the user is to accept and follow through.
- Do not exceed the requested number of recommendations.`

var assessmentTemplate = template.Must(template.New("assessment").Parse(`Current state:
{{.State}}
Recent events: {{range $i, $e := .Events}}{{if $i}}, {{end}}{{$e}}{{end}}
{{if .Findings}}Rule findings: {{range $i, $f := .Findings}}{{if $i}}, {{end}}{{$f}}{{end}}
{{end}}
Relevant history:
{{.History}}`))

var strategyTemplate = template.Must(template.New("strategy").Parse(`Current state:
{{.State}}
Assessment: {{.Assessment.Summary}} (risk {{.Assessment.RiskLevel}})
Risk areas: {{range $i, $r := .Assessment.RiskAreas}}{{if $i}}, {{end}}{{$r}}{{end}}
Patterns: {{range $i, $p := .Assessment.Patterns}}{{if $i}}, {{end}}{{$p}}{{end}}

What worked and what failed before:
{{.History}}`))

var candidatesTemplate = template.Must(template.New("candidates").Parse(`Current state:
{{.State}}
Assessment: {{.Assessment.Summary}} (risk {{.Assessment.RiskLevel}})
Focus: {{.Strategy.Focus}}
Approaches:
{{range .Strategy.Approaches}}- {{.}}
{{end}}Avoid:
{{range .Strategy.Avoid}}- {{.}}
{{end}}
Generate at most {{.MaxCandidates}} recommendations.`))
