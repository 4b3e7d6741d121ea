package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// NewProvider builds the configured provider wrapped as
// caller -> timeout -> retry -> audit -> SDK. recorder may be nil.
func NewProvider(ctx context.Context, cfg Config, recorder CallRecorder, logger *slog.Logger) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		base Provider
		err  error
	)
	pc, _ := cfg.Selected()
	switch cfg.Provider {
	case "anthropic":
		base, err = NewAnthropicProvider(pc)
	case "openai", "openrouter":
		base, err = NewOpenAIProvider(pc)
	case "gemini":
		base, err = NewGeminiProvider(ctx, pc)
	case "mock":
		base = NewMockProvider()
	}
	if err != nil {
		return nil, fmt.Errorf("initialize %s provider: %w", cfg.Provider, err)
	}

	p := WithLogging(base, cfg.Provider, recorder, logger)
	p = WithRetry(p, cfg.Retry, logger)
	return WithTimeout(p, cfg.Timeout), nil
}
