package llm

import (
	"fmt"
	"os"
	"time"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Config selects and configures the LLM provider.
type Config struct {
	// Provider is one of "anthropic", "openai", "openrouter", "gemini",
	// "mock". OpenRouter uses the OpenAI client with its own base URL.
	Provider string `yaml:"provider"`

	Anthropic  ProviderConfig `yaml:"anthropic"`
	OpenAI     ProviderConfig `yaml:"openai"`
	OpenRouter ProviderConfig `yaml:"openrouter"`
	Gemini     ProviderConfig `yaml:"gemini"`
	Retry      RetryConfig    `yaml:"retry"`

	// Timeout bounds one Generate call including retries.
	Timeout time.Duration `yaml:"timeout"`
}

// ProviderConfig holds the credentials and model of one provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base_url"`
}

// RetryConfig configures backoff for transient failures.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
	Multiplier  float64       `yaml:"multiplier"`
}

// DefaultConfig returns the mock provider with production retry settings.
// Workers never reach a paid API unless a provider is configured.
func DefaultConfig() Config {
	return Config{
		Provider:   "mock",
		Anthropic:  ProviderConfig{Model: "claude-haiku"},
		OpenAI:     ProviderConfig{Model: "gpt-4o-mini"},
		OpenRouter: ProviderConfig{Model: "google/gemini-2.5-flash", BaseURL: openRouterBaseURL},
		Gemini:     ProviderConfig{Model: "gemini-flash"},
		Retry: RetryConfig{
			MaxAttempts: 3,
			InitialWait: time.Second,
			MaxWait:     10 * time.Second,
			Multiplier:  2.0,
		},
		Timeout: 45 * time.Second,
	}
}

// ApplyEnv overrides cfg with NUDGE_LLM_* variables.
func (c *Config) ApplyEnv() {
	setString(&c.Provider, "NUDGE_LLM_PROVIDER")

	for prefix, pc := range map[string]*ProviderConfig{
		"NUDGE_ANTHROPIC":  &c.Anthropic,
		"NUDGE_OPENAI":     &c.OpenAI,
		"NUDGE_OPENROUTER": &c.OpenRouter,
		"NUDGE_GEMINI":     &c.Gemini,
	} {
		setString(&pc.APIKey, prefix+"_API_KEY")
		setString(&pc.Model, prefix+"_MODEL")
		setString(&pc.BaseURL, prefix+"_BASE_URL")
	}

	if v := os.Getenv("NUDGE_LLM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Timeout = d
		}
	}
}

// ConfigFromEnv returns DefaultConfig with environment overrides applied.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	return cfg
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// DiscoverConfig checks the vendors' standard key variables in priority
// order and returns a config for the first one found.
func DiscoverConfig() (Config, bool) {
	cfg := DefaultConfig()
	for _, c := range []struct {
		env, provider string
		dst           *ProviderConfig
	}{
		{"ANTHROPIC_API_KEY", "anthropic", &cfg.Anthropic},
		{"OPENAI_API_KEY", "openai", &cfg.OpenAI},
		{"GEMINI_API_KEY", "gemini", &cfg.Gemini},
		{"OPENROUTER_API_KEY", "openrouter", &cfg.OpenRouter},
	} {
		if k := os.Getenv(c.env); k != "" {
			cfg.Provider = c.provider
			c.dst.APIKey = k
			return cfg, true
		}
	}
	return Config{}, false
}

// Selected returns the settings of the configured provider.
func (c Config) Selected() (ProviderConfig, bool) {
	switch c.Provider {
	case "anthropic":
		return c.Anthropic, true
	case "openai":
		return c.OpenAI, true
	case "openrouter":
		oc := c.OpenRouter
		if oc.BaseURL == "" {
			oc.BaseURL = openRouterBaseURL
		}
		return oc, true
	case "gemini":
		return c.Gemini, true
	}
	return ProviderConfig{}, false
}

// Validate checks that the selected provider is known and has a key.
func (c Config) Validate() error {
	if c.Provider == "mock" {
		return nil
	}
	pc, ok := c.Selected()
	if !ok {
		return fmt.Errorf("unknown llm provider %q", c.Provider)
	}
	if pc.APIKey == "" {
		return fmt.Errorf("an API key is required for the %s provider (set NUDGE_%s_API_KEY)", c.Provider, envName(c.Provider))
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("llm retry max attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

func envName(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC"
	case "openai":
		return "OPENAI"
	case "openrouter":
		return "OPENROUTER"
	case "gemini":
		return "GEMINI"
	}
	return "LLM"
}
