package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/abhisek/nudge/internal/assessment"
	"github.com/abhisek/nudge/internal/config"
	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/learning"
	"github.com/abhisek/nudge/internal/llm"
	"github.com/abhisek/nudge/internal/outbox"
	"github.com/abhisek/nudge/internal/policy"
	"github.com/abhisek/nudge/internal/rag"
	"github.com/abhisek/nudge/internal/recommend"
	"github.com/abhisek/nudge/internal/signal"
	"github.com/abhisek/nudge/internal/store"
	"github.com/abhisek/nudge/internal/vectorstore"
)

// newLifecycle builds the recommendation service over the store with the
// learning engine attached.
func newLifecycle(s *store.Store, logger *slog.Logger) (*recommend.Service, *learning.Engine) {
	learner := learning.NewEngine(s.Playbooks(), nil, logger)
	return recommend.NewService(s.Recommendations(), learner, nil, logger), learner
}

// newIngestor builds the event ingestor. Entity-mutating events enqueue
// re-embedding markers in the store's outbox.
func newIngestor(cfg config.Config, s *store.Store, logger *slog.Logger) (*signal.Ingestor, error) {
	opts, err := cfg.Signals.SignalOptions()
	if err != nil {
		return nil, err
	}
	return signal.NewIngestor(s.Signals(), outbox.NewRecorder(s.Outbox(), nil), nil, opts, logger), nil
}

// pipeline is the assessment side of the worker: everything between a
// leased signal and a stored recommendation, plus the embedding path that
// feeds retrieval.
type pipeline struct {
	embedder  embedding.Provider
	vectors   *vectorstore.Store
	processor *outbox.EmbeddingProcessor
	recs      *recommend.Service
	engine    *assessment.Engine
}

func newPipeline(ctx context.Context, cfg config.Config, s *store.Store, logger *slog.Logger) (*pipeline, error) {
	embedder, err := embedding.New(ctx, cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}
	provider, err := llm.NewProvider(ctx, cfg.LLM, s.Audit(), logger.With("component", "llm"))
	if err != nil {
		return nil, fmt.Errorf("create llm provider: %w", err)
	}

	vectors := vectorstore.New(s.DB(), nil)
	var retriever *rag.Retriever
	if cfg.RAG.Enabled {
		retriever = rag.NewRetriever(vectors, embedder, rag.Config{
			TopK:         cfg.RAG.TopK,
			MinScore:     cfg.RAG.MinScore,
			MaxItemChars: cfg.RAG.MaxItemChars,
			Timeout:      cfg.RAG.Timeout,
		}, logger.With("component", "rag"))
	}

	recs, learner := newLifecycle(s, logger.With("component", "recommend"))
	engine := assessment.NewEngine(assessment.Deps{
		States:    s.Snapshots(),
		Runs:      s.Runs(),
		Recs:      s.Recommendations(),
		Weights:   learner,
		Enforcer:  policy.NewEnforcer(logger.With("component", "policy"), policy.DefaultRules()...),
		Retriever: retriever,
		LLM:       provider,
		Logger:    logger.With("component", "assessment"),
	}, assessment.Config{
		RecommendationTTL: cfg.Assessment.RecommendationTTL,
		DefaultLookback:   cfg.Assessment.Lookback,
		Pipeline: assessment.PipelineConfig{
			MaxTokens:     cfg.Assessment.MaxTokens,
			Temperature:   cfg.Assessment.Temperature,
			MaxCandidates: cfg.Assessment.MaxCandidates,
		},
	})

	return &pipeline{
		embedder:  embedder,
		vectors:   vectors,
		processor: outbox.NewEmbeddingProcessor(s.Snapshots(), embedder, vectors, cfg.Outbox.EmbedTimeout, logger.With("component", "embedding")),
		recs:      recs,
		engine:    engine,
	}, nil
}
