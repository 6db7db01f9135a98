package corpus

import (
	"context"
	"fmt"

	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/embed"
)

// SQLiteStore keeps a named corpus in the local database and scores active
// chunks by cosine similarity.
type SQLiteStore struct {
	db       *database.DB
	name     string
	embedder embed.Embedder
}

// NewSQLiteStore returns a store for the corpus called name.
func NewSQLiteStore(db *database.DB, name string, e embed.Embedder) *SQLiteStore {
	return &SQLiteStore{db: db, name: name, embedder: e}
}

func (s *SQLiteStore) Name() string { return s.name }

// Add embeds and writes documents batch by batch. A failed batch leaves every
// earlier batch committed.
func (s *SQLiteStore) Add(ctx context.Context, docs []Document, batchSize int) (int, error) {
	docs = append([]Document(nil), docs...)
	if err := prepare(docs); err != nil {
		return 0, err
	}

	committed := 0
	for i, batch := range Batches(docs, batchSize) {
		if err := ctx.Err(); err != nil {
			return committed, err
		}

		texts := make([]string, len(batch))
		for j, d := range batch {
			texts[j] = d.EmbeddingText
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return committed, fmt.Errorf("embedding batch %d: %w", i+1, err)
		}

		rows := make([]database.CorpusChunk, len(batch))
		for j, d := range batch {
			rows[j] = database.CorpusChunk{
				Corpus:         s.name,
				ChunkID:        d.ID,
				Content:        d.Content,
				EmbeddingText:  d.EmbeddingText,
				Metadata:       d.Metadata,
				ReferencesJSON: d.ReferencesJSON,
				Embedding:      embed.EncodeVector(vectors[j]),
				ContentHash:    d.ContentHash,
			}
		}
		n, err := s.db.InsertChunkBatch(rows)
		if err != nil {
			return committed, fmt.Errorf("writing batch %d: %w", i+1, err)
		}
		committed += n
	}
	return committed, nil
}

// Search ranks the active chunks matching filters against query.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int, filters Filters) ([]SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, unavailable("embedding query", err)
	}
	chunks, err := s.db.ActiveChunks(s.name, filters)
	if err != nil {
		return nil, unavailable("loading chunks", err)
	}

	results := make([]SearchResult, 0, len(chunks))
	for _, c := range chunks {
		v, err := embed.DecodeVector(c.Embedding)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", c.ChunkID, err)
		}
		results = append(results, SearchResult{
			ChunkID:  c.ChunkID,
			Content:  c.Content,
			Metadata: c.Metadata,
			Score:    embed.Cosine(vectors[0], v),
		})
	}
	return rank(results, limit), nil
}

// GetStats reports active, retired and enriched chunk counts.
func (s *SQLiteStore) GetStats(_ context.Context) (Stats, error) {
	cs, err := s.db.GetCorpusStats(s.name)
	if err != nil {
		return Stats{}, unavailable("corpus stats", err)
	}
	return Stats{
		Name:              s.name,
		TotalDocuments:    cs.ActiveChunks,
		RetiredDocuments:  cs.RetiredChunks,
		EnrichedDocuments: cs.EnrichedChunks,
		Jurisdictions:     cs.Jurisdictions,
	}, nil
}
