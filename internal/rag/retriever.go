package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/vectorstore"
)

// Searcher finds the nearest documents to a query vector.
type Searcher interface {
	Search(ctx context.Context, q vectorstore.Query) ([]vectorstore.Match, error)
}

// Config tunes retrieval.
type Config struct {
	TopK         int
	MinScore     float64
	MaxItemChars int
	Timeout      time.Duration
}

// DefaultConfig returns the retrieval defaults.
func DefaultConfig() Config {
	return Config{TopK: 5, MinScore: 0.3, MaxItemChars: 400, Timeout: 3 * time.Second}
}

// Item is one retrieved precedent.
type Item struct {
	EntityType string
	EntityID   string
	Text       string
	Score      float64
}

// Context is the retrieved context for one stage.
type Context struct {
	Stage Stage
	Query string
	Items []Item

	// Degraded is set when retrieval failed and Items is empty as a result.
	Degraded bool
}

// Render formats the items for inclusion in a prompt.
func (c *Context) Render() string {
	if c == nil || len(c.Items) == 0 {
		return "No relevant history."
	}
	out := ""
	for i, it := range c.Items {
		out += fmt.Sprintf("%d. [%s, similarity %.2f] %s\n", i+1, it.EntityType, it.Score, it.Text)
	}
	return out
}

// Retriever builds per-call sessions over a searcher and an embedder.
type Retriever struct {
	searcher Searcher
	embedder embedding.Provider
	cfg      Config
	logger   *slog.Logger
}

// NewRetriever creates a Retriever. Zero config fields take defaults.
func NewRetriever(searcher Searcher, embedder embedding.Provider, cfg Config, logger *slog.Logger) *Retriever {
	def := DefaultConfig()
	if cfg.TopK <= 0 {
		cfg.TopK = def.TopK
	}
	if cfg.MaxItemChars <= 0 {
		cfg.MaxItemChars = def.MaxItemChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Retriever{searcher: searcher, embedder: embedder, cfg: cfg, logger: logger}
}

// Session holds the embedding cache of one pipeline run. Each distinct
// query text is embedded at most once per session.
type Session struct {
	r      *Retriever
	userID string

	group singleflight.Group
	mu    sync.Mutex
	cache map[string][]float32
	calls int
}

// NewSession starts a retrieval session for a user.
func (r *Retriever) NewSession(userID string) *Session {
	return &Session{r: r, userID: userID, cache: make(map[string][]float32)}
}

// EmbedCalls reports how many times the session called the embedder.
func (s *Session) EmbedCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Retrieve builds the stage query and returns matching items. It never
// fails: errors and timeouts produce a degraded empty context.
func (s *Session) Retrieve(ctx context.Context, stage Stage, in QueryInput) *Context {
	query := BuildQuery(stage, in)
	out := &Context{Stage: stage, Query: query}
	if query == "" {
		return out
	}

	matches, err := s.search(ctx, query)
	if err != nil {
		s.r.logger.Warn("rag retrieval failed; continuing without context",
			"user_id", s.userID,
			"stage", stage,
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"error", err,
		)
		out.Degraded = true
		return out
	}

	for _, m := range matches {
		if m.Score < s.r.cfg.MinScore {
			continue
		}
		out.Items = append(out.Items, Item{
			EntityType: m.EntityType,
			EntityID:   m.EntityID,
			Text:       Truncate(m.Text, s.r.cfg.MaxItemChars),
			Score:      m.Score,
		})
	}
	return out
}

// TopScore returns the best similarity between text and the user's
// documents. Unlike Retrieve it reports failures so callers can decide how
// to degrade.
func (s *Session) TopScore(ctx context.Context, text string) (float64, error) {
	matches, err := s.search(ctx, text)
	if err != nil {
		return 0, err
	}
	if len(matches) == 0 {
		return 0, nil
	}
	return max(matches[0].Score, 0), nil
}

func (s *Session) search(ctx context.Context, text string) ([]vectorstore.Match, error) {
	ctx, cancel := context.WithTimeout(ctx, s.r.cfg.Timeout)
	defer cancel()

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := s.r.searcher.Search(ctx, vectorstore.Query{
		UserID:   s.userID,
		Vector:   vec,
		TopK:     s.r.cfg.TopK,
		MinScore: s.r.cfg.MinScore,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return matches, nil
}

func (s *Session) embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	if v, ok := s.cache[text]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(text, func() (any, error) {
		s.mu.Lock()
		if v, ok := s.cache[text]; ok {
			s.mu.Unlock()
			return v, nil
		}
		s.calls++
		s.mu.Unlock()

		vecs, err := s.r.embedder.Embed(ctx, []string{text})
		if err != nil {
			return nil, err
		}
		if len(vecs) != 1 {
			return nil, fmt.Errorf("embedder returned %d vectors for 1 text", len(vecs))
		}
		s.mu.Lock()
		s.cache[text] = vecs[0]
		s.mu.Unlock()
		return vecs[0], nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]float32), nil
}
