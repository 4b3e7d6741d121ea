// Package vectorstore keeps one embedding per entity in SQLite and answers
// nearest-neighbour queries by brute-force cosine similarity over a user's
// documents. It is sized for per-user corpora of a few thousand items.
package vectorstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/fxamacker/cbor/v2"

	"github.com/abhisek/nudge/internal/clock"
)

// Table is the name of the embeddings table created by store migrations.
const Table = "embeddings"

// Document is an embedded entity.
type Document struct {
	EntityType string
	EntityID   string
	UserID     string
	Text       string
	Vector     []float32
	UpdatedAt  time.Time
}

// Match is a search hit.
type Match struct {
	Document
	Score float64
}

// Query selects the nearest documents to Vector among a user's documents.
type Query struct {
	UserID      string
	Vector      []float32
	TopK        int
	MinScore    float64
	EntityTypes []string
}

// Store is a SQLite-backed vector store.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// New returns a Store on db. The embeddings table must already exist.
func New(db *sql.DB, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{db: db, clock: clk}
}

// Upsert writes docs, replacing any existing vector for the same entity.
func (s *Store) Upsert(ctx context.Context, docs ...Document) error {
	now := s.clock.Now().UnixMilli()
	for _, d := range docs {
		if len(d.Vector) == 0 {
			return fmt.Errorf("upsert %s/%s: empty vector", d.EntityType, d.EntityID)
		}
		blob, err := cbor.Marshal(d.Vector)
		if err != nil {
			return fmt.Errorf("encode vector %s/%s: %w", d.EntityType, d.EntityID, err)
		}
		query, args := entsql.Dialect(dialect.SQLite).
			Insert(Table).
			Columns("entity_type", "entity_id", "user_id", "text", "vector", "updated_at").
			Values(d.EntityType, d.EntityID, d.UserID, d.Text, blob, now).
			OnConflict(
				entsql.ConflictColumns("entity_type", "entity_id"),
				entsql.ResolveWithNewValues(),
			).
			Query()
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert %s/%s: %w", d.EntityType, d.EntityID, err)
		}
	}
	return nil
}

// Delete removes the vector for an entity. Deleting a missing entity is
// not an error.
func (s *Store) Delete(ctx context.Context, entityType, entityID string) error {
	query, args := entsql.Dialect(dialect.SQLite).
		Delete(Table).
		Where(entsql.And(
			entsql.EQ("entity_type", entityType),
			entsql.EQ("entity_id", entityID),
		)).
		Query()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete %s/%s: %w", entityType, entityID, err)
	}
	return nil
}

// Search returns up to TopK documents scoring at least MinScore, best first.
func (s *Store) Search(ctx context.Context, q Query) ([]Match, error) {
	if len(q.Vector) == 0 {
		return nil, errors.New("search: empty query vector")
	}

	preds := []*entsql.Predicate{entsql.EQ("user_id", q.UserID)}
	if len(q.EntityTypes) > 0 {
		types := make([]any, len(q.EntityTypes))
		for i, t := range q.EntityTypes {
			types[i] = t
		}
		preds = append(preds, entsql.In("entity_type", types...))
	}
	query, args := entsql.Dialect(dialect.SQLite).
		Select("entity_type", "entity_id", "user_id", "text", "vector", "updated_at").
		From(entsql.Table(Table)).
		Where(entsql.And(preds...)).
		Query()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m       Match
			blob    []byte
			updated int64
		)
		if err := rows.Scan(&m.EntityType, &m.EntityID, &m.UserID, &m.Text, &blob, &updated); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		if err := cbor.Unmarshal(blob, &m.Vector); err != nil {
			return nil, fmt.Errorf("decode vector %s/%s: %w", m.EntityType, m.EntityID, err)
		}
		m.UpdatedAt = time.UnixMilli(updated).UTC()
		m.Score = Cosine(q.Vector, m.Vector)
		if m.Score < q.MinScore {
			continue
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate embeddings: %w", err)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if q.TopK > 0 && len(matches) > q.TopK {
		matches = matches[:q.TopK]
	}
	return matches, nil
}

// Cosine returns the cosine similarity of a and b, or 0 when the vectors
// differ in length or either has zero magnitude.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
