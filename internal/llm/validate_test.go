package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func labelSchema() *Schema {
	return &Schema{
		Name: "test-label",
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"label": map[string]any{"type": "string"},
			},
			"required":             []string{"label"},
			"additionalProperties": false,
		},
	}
}

func assessmentLikeSchema() *Schema {
	return &Schema{
		Name:        "test-assessment",
		Description: "risk summary",
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"summary":    map[string]any{"type": "string"},
				"risk_level": map[string]any{"type": "string", "enum": []any{"low", "medium", "high"}},
				"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"risk_areas": map[string]any{
					"type":  "array",
					"items": map[string]any{"type": "string"},
				},
			},
			"required": []any{"summary", "risk_level"},
		},
	}
}

func TestValidateResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"valid", `{"summary":"ok","risk_level":"low","confidence":0.8,"risk_areas":["sleep"]}`, false},
		{"optional fields omitted", `{"summary":"ok","risk_level":"high"}`, false},
		{"missing required", `{"summary":"ok"}`, true},
		{"wrong type", `{"summary":"ok","risk_level":"low","confidence":"very"}`, true},
		{"enum violation", `{"summary":"ok","risk_level":"extreme"}`, true},
		{"above maximum", `{"summary":"ok","risk_level":"low","confidence":1.5}`, true},
		{"array item type", `{"summary":"ok","risk_level":"low","risk_areas":[3]}`, true},
		{"malformed", `{"summary":`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateResponse(assessmentLikeSchema(), json.RawMessage(tt.raw))
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected no error, got: %v", err)
				}
				return
			}
			var inv *ErrInvalidResponse
			if !errors.As(err, &inv) {
				t.Fatalf("expected ErrInvalidResponse, got: %T (%v)", err, err)
			}
			if string(inv.Content) != tt.raw {
				t.Fatalf("expected raw content to be preserved, got %q", inv.Content)
			}
		})
	}
}

func TestValidateResponse_NilSchema(t *testing.T) {
	if err := validateResponse(nil, json.RawMessage(`anything`)); err != nil {
		t.Fatalf("expected nil schema to accept any content, got: %v", err)
	}
}

func TestValidateResponse_AdditionalProperties(t *testing.T) {
	err := ValidateJSON(labelSchema(), json.RawMessage(`{"label":"x","extra":1}`))
	if err == nil {
		t.Fatal("expected additional property to be rejected")
	}
}

func TestCompileSchema_Cached(t *testing.T) {
	first, err := compileSchema(labelSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	second, err := compileSchema(labelSchema())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if first != second {
		t.Fatal("expected the compiled schema to be reused")
	}
}
