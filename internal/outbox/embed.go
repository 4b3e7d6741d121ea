package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/abhisek/nudge/internal/embedding"
	"github.com/abhisek/nudge/internal/vectorstore"
)

// EntityText is the embeddable text of an entity and its owner.
type EntityText struct {
	UserID string
	Text   string
}

// TextSource resolves the current text of an entity. found is false when
// the entity no longer exists.
type TextSource interface {
	EntityText(ctx context.Context, entityType, entityID string) (text EntityText, found bool, err error)
}

// VectorWriter stores and removes entity vectors.
type VectorWriter interface {
	Upsert(ctx context.Context, docs ...vectorstore.Document) error
	Delete(ctx context.Context, entityType, entityID string) error
}

// EmbeddingProcessor embeds the current text of every entity in a batch
// with a single provider call and writes the vectors.
type EmbeddingProcessor struct {
	texts    TextSource
	embedder embedding.Provider
	vectors  VectorWriter
	timeout  time.Duration
	logger   *slog.Logger
}

// NewEmbeddingProcessor creates an EmbeddingProcessor. A non-positive
// timeout disables the per-call deadline.
func NewEmbeddingProcessor(texts TextSource, embedder embedding.Provider, vectors VectorWriter, timeout time.Duration, logger *slog.Logger) *EmbeddingProcessor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &EmbeddingProcessor{texts: texts, embedder: embedder, vectors: vectors, timeout: timeout, logger: logger}
}

func (p *EmbeddingProcessor) Process(ctx context.Context, entries []*Entry) error {
	var (
		docs   []vectorstore.Document
		inputs []string
	)
	for _, e := range entries {
		text, found, err := p.texts.EntityText(ctx, e.EntityType, e.EntityID)
		if err != nil {
			return fmt.Errorf("load %s/%s: %w", e.EntityType, e.EntityID, err)
		}
		if !found {
			if err := p.vectors.Delete(ctx, e.EntityType, e.EntityID); err != nil {
				return fmt.Errorf("delete vector %s/%s: %w", e.EntityType, e.EntityID, err)
			}
			p.logger.Debug("entity gone; vector removed", "entity_type", e.EntityType, "entity_id", e.EntityID)
			continue
		}
		docs = append(docs, vectorstore.Document{
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			UserID:     text.UserID,
			Text:       text.Text,
		})
		inputs = append(inputs, text.Text)
	}
	if len(docs) == 0 {
		return nil
	}

	callCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	vectors, err := p.embedder.Embed(callCtx, inputs)
	if err != nil {
		return fmt.Errorf("embed %d entities: %w", len(inputs), err)
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embed: got %d vectors for %d entities", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].Vector = vectors[i]
	}

	if err := p.vectors.Upsert(ctx, docs...); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	return nil
}
