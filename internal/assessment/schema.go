package assessment

import (
	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/recommend"
)

// AssessmentSchema is the structured output of the Tier2 assessment stage.
var AssessmentSchema = &llm.Schema{
	Name:        "state-assessment",
	Description: "Assessment of the user's current state and the risks it carries",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"summary": map[string]any{
				"type":        "string",
				"description": "Two sentences at most describing the user's situation",
			},
			"risk_level": map[string]any{
				"type": "string",
				"enum": []any{"low", "medium", "high"},
			},
			"risk_areas": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Short labels such as 'sleep', 'overcommitment', 'habit consistency'",
			},
			"patterns": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Recurring behaviours visible in the state or history",
			},
		},
		"required":             []any{"summary", "risk_level", "risk_areas", "patterns"},
		"additionalProperties": false,
	},
}

// StrategySchema is the structured output of the Tier2 strategy stage.
var StrategySchema = &llm.Schema{
	Name:        "coaching-strategy",
	Description: "The approach to take with the user over the next few days",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"focus": map[string]any{
				"type":        "string",
				"description": "The single most important thing to work on",
			},
			"approaches": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"avoid": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Approaches that failed for this user before",
			},
		},
		"required":             []any{"focus", "approaches", "avoid"},
		"additionalProperties": false,
	},
}

func typeNames() []any {
	out := make([]any, len(recommend.Types))
	for i, t := range recommend.Types {
		out[i] = string(t)
	}
	return out
}

// CandidatesSchema is the structured output of the Tier2 candidate stage.
var CandidatesSchema = &llm.Schema{
	Name:        "recommendation-candidates",
	Description: "Concrete recommendations for the user",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"candidates": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"type": map[string]any{
							"type": "string",
							"enum": typeNames(),
						},
						"action_kind": map[string]any{
							"type": "string",
							"enum": []any{"create", "update", "schedule", "reschedule", "pause", "review"},
						},
						"target_entity_type": map[string]any{
							"type":        "string",
							"description": "goal, habit, task or experiment; empty when the recommendation has no target",
						},
						"target_entity_id": map[string]any{
							"type":        "string",
							"description": "ID of the target entity exactly as listed in the state; empty when there is no target",
						},
						"title":     map[string]any{"type": "string"},
						"rationale": map[string]any{"type": "string"},
						"confidence": map[string]any{
							"type":    "number",
							"minimum": 0.0,
							"maximum": 1.0,
						},
						"estimated_minutes": map[string]any{
							"type":    "integer",
							"minimum": 0,
						},
					},
					"required": []any{
						"type", "action_kind", "target_entity_type", "target_entity_id",
						"title", "rationale", "confidence", "estimated_minutes",
					},
					"additionalProperties": false,
				},
			},
		},
		"required":             []any{"candidates"},
		"additionalProperties": false,
	},
}
