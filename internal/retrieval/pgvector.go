package retrieval

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/pgvector/pgvector-go"
)

// Chunk tables maintained by the ingestion pipeline
const (
	TextChunksTable  = "text_chunks"
	ImageChunksTable = "image_chunks"
)

// PGVectorRetriever runs cosine-distance nearest neighbour search against a
// pgvector chunk table joined with its sources.
type PGVectorRetriever struct {
	db       *sqlx.DB
	embedder Embedder
	query    string
}

// NewTextRetriever searches text_chunks
func NewTextRetriever(db *sqlx.DB, embedder Embedder) *PGVectorRetriever {
	return newPGVectorRetriever(db, embedder, TextChunksTable)
}

// NewImageRetriever searches image_chunks by caption embedding
func NewImageRetriever(db *sqlx.DB, embedder Embedder) *PGVectorRetriever {
	return newPGVectorRetriever(db, embedder, ImageChunksTable)
}

func newPGVectorRetriever(db *sqlx.DB, embedder Embedder, table string) *PGVectorRetriever {
	return &PGVectorRetriever{
		db:       db,
		embedder: embedder,
		query: fmt.Sprintf(`
			SELECT
				c.id,
				c.content,
				GREATEST(0, 1 - (c.embedding <=> $1)) AS similarity,
				s.id AS source_id,
				s.source_type,
				s.title AS source_title
			FROM %s c
			JOIN sources s ON s.id = c.source_id
			ORDER BY c.embedding <=> $1
			LIMIT $2
		`, table),
	}
}

func (r *PGVectorRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Chunk, error) {
	if topK <= 0 {
		return nil, nil
	}

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var chunks []Chunk
	if err := r.db.SelectContext(ctx, &chunks, r.query, pgvector.NewVector(vec), topK); err != nil {
		return nil, fmt.Errorf("failed to search chunks: %w", err)
	}
	return chunks, nil
}
