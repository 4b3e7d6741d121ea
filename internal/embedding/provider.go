// Package embedding turns text into vectors for the vector store.
package embedding

import (
	"context"
	"fmt"
	"os"
)

// Provider generates one embedding per input text, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// ModelID identifies the embedding model; vectors from different
	// models are not comparable.
	ModelID() string
}

// Config selects and configures an embedding provider.
type Config struct {
	// Provider is one of "openai", "gemini", "hash".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`

	// Dimensions is used by the hash provider and, when positive, requested
	// from providers that support shortened embeddings.
	Dimensions int `yaml:"dimensions"`
}

// DefaultConfig returns the offline hash provider.
func DefaultConfig() Config {
	return Config{Provider: "hash", Dimensions: 256}
}

// ApplyEnv overrides c with NUDGE_EMBEDDING_* variables, falling back to
// the standard OpenAI and Gemini key variables.
func (c *Config) ApplyEnv() {
	if p := os.Getenv("NUDGE_EMBEDDING_PROVIDER"); p != "" {
		c.Provider = p
	}
	if m := os.Getenv("NUDGE_EMBEDDING_MODEL"); m != "" {
		c.Model = m
	}
	if u := os.Getenv("NUDGE_EMBEDDING_BASE_URL"); u != "" {
		c.BaseURL = u
	}
	if k := os.Getenv("NUDGE_EMBEDDING_API_KEY"); k != "" {
		c.APIKey = k
	}
	if c.APIKey == "" {
		switch c.Provider {
		case "openai":
			c.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
}

// Validate checks that the selected provider can be constructed.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai", "gemini":
		if c.APIKey == "" {
			return fmt.Errorf("embedding provider %s requires an API key (NUDGE_EMBEDDING_API_KEY)", c.Provider)
		}
	case "hash":
		if c.Dimensions <= 0 {
			return fmt.Errorf("hash embedding dimensions must be positive, got %d", c.Dimensions)
		}
	default:
		return fmt.Errorf("unknown embedding provider: %q", c.Provider)
	}
	return nil
}

// New constructs the provider described by cfg.
func New(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(ctx, cfg)
	default:
		return NewHashProvider(cfg.Dimensions), nil
	}
}
