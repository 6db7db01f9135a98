package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
)

var metadataKeyRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// InsertChunkBatch writes one batch of chunks in a single transaction. A chunk
// whose content hash matches its active version is left alone; otherwise the
// active version is retired and a new version is inserted. It returns the
// number of chunks written or confirmed unchanged.
func (db *DB) InsertChunkBatch(chunks []CorpusChunk) (int, error) {
	err := db.inTx(func(tx *sql.Tx) error {
		for _, c := range chunks {
			var (
				version int
				hash    string
			)
			err := tx.QueryRow(
				`SELECT version, content_hash FROM corpus_chunks
				WHERE corpus = ? AND chunk_id = ? AND active = 1`, c.Corpus, c.ChunkID,
			).Scan(&version, &hash)
			switch {
			case err == sql.ErrNoRows:
				version = 0
			case err != nil:
				return fmt.Errorf("looking up %s: %w", c.ChunkID, err)
			case hash == c.ContentHash:
				continue
			default:
				if _, err := tx.Exec(
					`UPDATE corpus_chunks SET active = 0, retired_at = datetime('now')
					WHERE corpus = ? AND chunk_id = ? AND active = 1`, c.Corpus, c.ChunkID,
				); err != nil {
					return fmt.Errorf("retiring %s: %w", c.ChunkID, err)
				}
			}

			meta, err := json.Marshal(c.Metadata)
			if err != nil {
				return fmt.Errorf("encoding metadata for %s: %w", c.ChunkID, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO corpus_chunks (corpus, chunk_id, version, content, embedding_text, metadata,
				references_json, embedding, content_hash)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				c.Corpus, c.ChunkID, version+1, c.Content, c.EmbeddingText, string(meta),
				c.ReferencesJSON, c.Embedding, c.ContentHash,
			); err != nil {
				return fmt.Errorf("inserting %s: %w", c.ChunkID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}

// ActiveChunks returns the active chunks of a corpus whose metadata equals
// every filter value.
func (db *DB) ActiveChunks(corpus string, filters map[string]any) ([]CorpusChunk, error) {
	query := `SELECT id, corpus, chunk_id, version, content, embedding_text, metadata, references_json,
		embedding, content_hash, active, created_at, retired_at
		FROM corpus_chunks WHERE corpus = ? AND active = 1`
	args := []any{corpus}

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !metadataKeyRe.MatchString(k) {
			return nil, fmt.Errorf("invalid metadata filter key %q", k)
		}
		v := filters[k]
		if b, ok := v.(bool); ok {
			v = boolInt(b)
		}
		query += " AND json_extract(metadata, ?) = ?"
		args = append(args, "$."+k, v)
	}
	query += " ORDER BY chunk_id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// ChunkHistory returns every version of a chunk, oldest first.
func (db *DB) ChunkHistory(corpus, chunkID string) ([]CorpusChunk, error) {
	rows, err := db.conn.Query(
		`SELECT id, corpus, chunk_id, version, content, embedding_text, metadata, references_json,
		embedding, content_hash, active, created_at, retired_at
		FROM corpus_chunks WHERE corpus = ? AND chunk_id = ? ORDER BY version`, corpus, chunkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanChunks(rows)
}

// GetCorpusStats summarizes a corpus. An active chunk counts as enriched when
// it has a non-zero ref_* count, extracted entities, or a breadcrumb.
func (db *DB) GetCorpusStats(corpus string) (*CorpusStats, error) {
	s := &CorpusStats{Corpus: corpus, Jurisdictions: map[string]int{}}
	err := db.conn.QueryRow(
		`SELECT COALESCE(SUM(active), 0), COALESCE(SUM(1 - active), 0),
		COALESCE(SUM(CASE WHEN active = 1 AND EXISTS (
			SELECT 1 FROM json_each(corpus_chunks.metadata)
			WHERE (key LIKE 'ref\_%' ESCAPE '\' OR key IN ('entity_count', 'has_breadcrumb'))
				AND type IN ('integer', 'real', 'true') AND value > 0
		) THEN 1 ELSE 0 END), 0)
		FROM corpus_chunks WHERE corpus = ?`, corpus,
	).Scan(&s.ActiveChunks, &s.RetiredChunks, &s.EnrichedChunks)
	if err != nil {
		return nil, err
	}

	rows, err := db.conn.Query(
		`SELECT COALESCE(json_extract(metadata, '$.jurisdiction_code'), ''), COUNT(*)
		FROM corpus_chunks WHERE corpus = ? AND active = 1 GROUP BY 1`, corpus,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var j string
		var n int
		if err := rows.Scan(&j, &n); err != nil {
			return nil, err
		}
		s.Jurisdictions[j] = n
	}
	return s, rows.Err()
}

// ListCorpora returns the names of corpora holding active chunks.
func (db *DB) ListCorpora() ([]string, error) {
	rows, err := db.conn.Query("SELECT DISTINCT corpus FROM corpus_chunks WHERE active = 1 ORDER BY corpus")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunks(rows *sql.Rows) ([]CorpusChunk, error) {
	var out []CorpusChunk
	for rows.Next() {
		var (
			c      CorpusChunk
			meta   string
			refs   sql.NullString
			active int
		)
		if err := rows.Scan(&c.ID, &c.Corpus, &c.ChunkID, &c.Version, &c.Content, &c.EmbeddingText,
			&meta, &refs, &c.Embedding, &c.ContentHash, &active, &c.CreatedAt, &c.RetiredAt); err != nil {
			return nil, err
		}
		c.Active = active != 0
		c.ReferencesJSON = refs.String
		if err := json.Unmarshal([]byte(meta), &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", c.ChunkID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
