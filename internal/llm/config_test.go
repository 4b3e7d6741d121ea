package llm

import (
	"strings"
	"testing"
	"time"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"mock needs nothing", func(c *Config) {}, ""},
		{"unknown provider", func(c *Config) { c.Provider = "llama" }, "unknown llm provider"},
		{"missing key", func(c *Config) { c.Provider = "anthropic" }, "NUDGE_ANTHROPIC_API_KEY"},
		{"with key", func(c *Config) {
			c.Provider = "gemini"
			c.Gemini.APIKey = "k"
		}, ""},
		{"bad retry", func(c *Config) {
			c.Provider = "openai"
			c.OpenAI.APIKey = "k"
			c.Retry.MaxAttempts = 0
		}, "max attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfig_ApplyEnv(t *testing.T) {
	t.Setenv("NUDGE_LLM_PROVIDER", "openrouter")
	t.Setenv("NUDGE_OPENROUTER_API_KEY", "or-key")
	t.Setenv("NUDGE_OPENROUTER_MODEL", "anthropic/claude-haiku-4.5")
	t.Setenv("NUDGE_LLM_TIMEOUT", "12s")

	cfg := ConfigFromEnv()
	if cfg.Provider != "openrouter" {
		t.Fatalf("expected openrouter, got %q", cfg.Provider)
	}
	if cfg.Timeout != 12*time.Second {
		t.Fatalf("expected 12s timeout, got %s", cfg.Timeout)
	}
	pc, ok := cfg.Selected()
	if !ok {
		t.Fatal("expected openrouter to be selectable")
	}
	if pc.APIKey != "or-key" || pc.Model != "anthropic/claude-haiku-4.5" {
		t.Fatalf("unexpected provider config: %+v", pc)
	}
	if pc.BaseURL != openRouterBaseURL {
		t.Fatalf("expected default openrouter base URL, got %q", pc.BaseURL)
	}
}

func TestConfig_ApplyEnvIgnoresBadTimeout(t *testing.T) {
	t.Setenv("NUDGE_LLM_TIMEOUT", "soon")
	cfg := ConfigFromEnv()
	if cfg.Timeout != DefaultConfig().Timeout {
		t.Fatalf("expected default timeout, got %s", cfg.Timeout)
	}
}

func TestDiscoverConfig(t *testing.T) {
	for _, env := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "GEMINI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(env, "")
	}
	if _, ok := DiscoverConfig(); ok {
		t.Fatal("expected no config without keys")
	}

	t.Setenv("GEMINI_API_KEY", "g")
	t.Setenv("OPENROUTER_API_KEY", "o")
	cfg, ok := DiscoverConfig()
	if !ok {
		t.Fatal("expected a discovered config")
	}
	if cfg.Provider != "gemini" || cfg.Gemini.APIKey != "g" {
		t.Fatalf("expected gemini to win over openrouter, got %q", cfg.Provider)
	}
}

func TestNewProvider_Mock(t *testing.T) {
	p, err := NewProvider(t.Context(), DefaultConfig(), nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != "mock" {
		t.Fatalf("expected mock model, got %q", p.ModelID())
	}
}

func TestNewProvider_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Provider = "openai"
	if _, err := NewProvider(t.Context(), cfg, nil, nil); err == nil {
		t.Fatal("expected missing key to be rejected")
	}
}

func TestLookupCost(t *testing.T) {
	c := LookupCost("gpt-4o-mini")
	if c == nil {
		t.Fatal("expected pricing for gpt-4o-mini")
	}
	got := c.Cost(1_000_000, 1_000_000)
	if got < 0.749 || got > 0.751 {
		t.Fatalf("expected $0.75, got %f", got)
	}
	if LookupCost("no-such-model") != nil {
		t.Fatal("expected nil for unknown model")
	}
}
