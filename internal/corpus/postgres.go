package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/TobiSchelling/qapintel/internal/embed"
)

const pgSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS corpus_chunks (
	id              BIGSERIAL PRIMARY KEY,
	corpus          TEXT NOT NULL,
	chunk_id        TEXT NOT NULL,
	version         INTEGER NOT NULL,
	content         TEXT NOT NULL,
	embedding_text  TEXT NOT NULL,
	metadata        JSONB NOT NULL DEFAULT '{}',
	references_json TEXT,
	embedding       vector NOT NULL,
	content_hash    TEXT NOT NULL,
	active          BOOLEAN NOT NULL DEFAULT TRUE,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	retired_at      TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS corpus_chunks_active_idx
	ON corpus_chunks (corpus, chunk_id) WHERE active;
CREATE INDEX IF NOT EXISTS corpus_chunks_metadata_idx
	ON corpus_chunks USING GIN (metadata);
`

// PGStore keeps a named corpus in Postgres with the pgvector extension.
type PGStore struct {
	pool     *pgxpool.Pool
	name     string
	embedder embed.Embedder
}

// OpenPGStore connects to Postgres and ensures the corpus schema exists.
func OpenPGStore(ctx context.Context, connString, name string, e embed.Embedder) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, unavailable("connecting to postgres", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, unavailable("pinging postgres", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating corpus schema: %w", err)
	}
	return &PGStore{pool: pool, name: name, embedder: e}, nil
}

// NewPGStore wraps an existing pool. The schema must already exist.
func NewPGStore(pool *pgxpool.Pool, name string, e embed.Embedder) *PGStore {
	return &PGStore{pool: pool, name: name, embedder: e}
}

func (s *PGStore) Name() string { return s.name }

// Close releases the connection pool.
func (s *PGStore) Close() { s.pool.Close() }

// formatVector renders a vector literal for a ::vector cast.
func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'f', 6, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Add writes documents batch by batch, one transaction per batch.
func (s *PGStore) Add(ctx context.Context, docs []Document, batchSize int) (int, error) {
	docs = append([]Document(nil), docs...)
	if err := prepare(docs); err != nil {
		return 0, err
	}

	committed := 0
	for i, batch := range Batches(docs, batchSize) {
		texts := make([]string, len(batch))
		for j, d := range batch {
			texts[j] = d.EmbeddingText
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return committed, fmt.Errorf("embedding batch %d: %w", i+1, err)
		}
		if err := s.writeBatch(ctx, batch, vectors); err != nil {
			return committed, fmt.Errorf("writing batch %d: %w", i+1, err)
		}
		committed += len(batch)
	}
	return committed, nil
}

func (s *PGStore) writeBatch(ctx context.Context, batch []Document, vectors [][]float64) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for j, d := range batch {
			var (
				version int
				hash    string
			)
			err := tx.QueryRow(ctx,
				`SELECT version, content_hash FROM corpus_chunks
				WHERE corpus = $1 AND chunk_id = $2 AND active FOR UPDATE`, s.name, d.ID,
			).Scan(&version, &hash)
			switch {
			case errors.Is(err, pgx.ErrNoRows):
				version = 0
			case err != nil:
				return err
			case hash == d.ContentHash:
				continue
			default:
				if _, err := tx.Exec(ctx,
					`UPDATE corpus_chunks SET active = FALSE, retired_at = now()
					WHERE corpus = $1 AND chunk_id = $2 AND active`, s.name, d.ID,
				); err != nil {
					return err
				}
			}

			meta, err := json.Marshal(d.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO corpus_chunks (corpus, chunk_id, version, content, embedding_text, metadata,
				references_json, embedding, content_hash)
				VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8::vector, $9)`,
				s.name, d.ID, version+1, d.Content, d.EmbeddingText, string(meta),
				d.ReferencesJSON, formatVector(vectors[j]), d.ContentHash,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// Search orders active chunks by cosine distance. Filters are applied as a
// JSONB containment test.
func (s *PGStore) Search(ctx context.Context, query string, limit int, filters Filters) ([]SearchResult, error) {
	vectors, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, unavailable("embedding query", err)
	}
	if filters == nil {
		filters = Filters{}
	}
	filterJSON, err := json.Marshal(filters)
	if err != nil {
		return nil, fmt.Errorf("encoding filters: %w", err)
	}
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, content, metadata, 1 - (embedding <=> $2::vector) AS score
		FROM corpus_chunks
		WHERE corpus = $1 AND active AND metadata @> $3::jsonb
		ORDER BY embedding <=> $2::vector, chunk_id
		LIMIT $4`,
		s.name, formatVector(vectors[0]), string(filterJSON), limit,
	)
	if err != nil {
		return nil, unavailable("searching corpus", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var (
			r    SearchResult
			meta []byte
		)
		if err := rows.Scan(&r.ChunkID, &r.Content, &meta, &r.Score); err != nil {
			return nil, fmt.Errorf("scanning result: %w", err)
		}
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", r.ChunkID, err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterating results", err)
	}
	return results, nil
}

func (s *PGStore) GetStats(ctx context.Context) (Stats, error) {
	st := Stats{Name: s.name, Jurisdictions: map[string]int{}}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE active),
			COUNT(*) FILTER (WHERE NOT active),
			COUNT(*) FILTER (WHERE active AND EXISTS (
				SELECT 1 FROM jsonb_each(metadata) e
				WHERE ((e.key LIKE 'ref\_%' OR e.key = 'entity_count')
						AND jsonb_typeof(e.value) = 'number' AND (e.value #>> '{}')::numeric > 0)
					OR (e.key = 'has_breadcrumb' AND e.value = 'true'::jsonb)))
		FROM corpus_chunks WHERE corpus = $1`, s.name,
	).Scan(&st.TotalDocuments, &st.RetiredDocuments, &st.EnrichedDocuments)
	if err != nil {
		return Stats{}, unavailable("corpus stats", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(metadata->>'jurisdiction_code', ''), COUNT(*)
		FROM corpus_chunks WHERE corpus = $1 AND active GROUP BY 1`, s.name,
	)
	if err != nil {
		return Stats{}, unavailable("corpus stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			j string
			n int
		)
		if err := rows.Scan(&j, &n); err != nil {
			return Stats{}, err
		}
		st.Jurisdictions[j] = n
	}
	return st, rows.Err()
}
