// Package corpus defines the searchable chunk store used by ingestion and
// benchmarking, with SQLite, Postgres/pgvector and in-memory backends.
package corpus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnavailable marks a store that could not be reached or queried.
var ErrUnavailable = errors.New("corpus store unavailable")

// DefaultBatchSize is the number of documents written per transaction.
const DefaultBatchSize = 32

// Document is one record written to a corpus.
type Document struct {
	ID             string         `json:"chunk_id"`
	Content        string         `json:"content"`
	EmbeddingText  string         `json:"embedding_text"`
	Metadata       map[string]any `json:"metadata"`
	ReferencesJSON string         `json:"references_json,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
}

// Filters restrict a search to documents whose metadata equals every value.
type Filters map[string]any

// SearchResult is one ranked hit.
type SearchResult struct {
	ChunkID  string         `json:"chunk_id"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata"`
	Score    float64        `json:"score"`
}

// Stats summarizes a corpus.
type Stats struct {
	Name              string         `json:"name"`
	TotalDocuments    int            `json:"total_documents"`
	RetiredDocuments  int            `json:"retired_documents"`
	EnrichedDocuments int            `json:"enriched_documents"`
	Jurisdictions     map[string]int `json:"jurisdictions"`
}

// Store is the narrow interface the pipeline and the benchmark harness use.
// Add returns how many documents were committed, which on error counts only
// the batches written before the failure.
type Store interface {
	Name() string
	Add(ctx context.Context, docs []Document, batchSize int) (int, error)
	Search(ctx context.Context, query string, limit int, filters Filters) ([]SearchResult, error)
	GetStats(ctx context.Context) (Stats, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Batches splits docs into consecutive slices of at most size documents.
func Batches(docs []Document, size int) [][]Document {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][]Document
	for start := 0; start < len(docs); start += size {
		end := min(start+size, len(docs))
		out = append(out, docs[start:end])
	}
	return out
}

// ValidateMetadata rejects nested values. Metadata must stay flat so any
// filterable backend can index it.
func ValidateMetadata(meta map[string]any) error {
	for k, v := range meta {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64, json.Number:
		default:
			return fmt.Errorf("metadata %q: unsupported value type %T", k, v)
		}
	}
	return nil
}

// ContentHash fingerprints the stored form of a document.
func ContentHash(d Document) string {
	h := sha256.New()
	h.Write([]byte(d.Content))
	h.Write([]byte{0})
	h.Write([]byte(d.EmbeddingText))
	h.Write([]byte{0})
	meta, _ := json.Marshal(d.Metadata)
	h.Write(meta)
	h.Write([]byte{0})
	h.Write([]byte(d.ReferencesJSON))
	return hex.EncodeToString(h.Sum(nil))
}

// IntValue reads an integer metadata value regardless of how it was decoded.
func IntValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// EnrichmentFeatureCount counts the enrichment features a document carries:
// one per reference category present, one for entity mentions, and one for a
// breadcrumb.
func EnrichmentFeatureCount(meta map[string]any) int {
	n := 0
	for k, v := range meta {
		if !strings.HasPrefix(k, "ref_") {
			continue
		}
		if c, ok := IntValue(v); ok && c > 0 {
			n++
		}
	}
	if c, ok := IntValue(meta["entity_count"]); ok && c > 0 {
		n++
	}
	if b, ok := IntValue(meta["has_breadcrumb"]); ok && b > 0 {
		n++
	}
	return n
}

func matches(meta map[string]any, filters Filters) bool {
	for k, want := range filters {
		got, ok := meta[k]
		if !ok {
			return false
		}
		if wi, ok := IntValue(want); ok {
			if _, isString := got.(string); !isString {
				gi, ok := IntValue(got)
				if !ok || gi != wi {
					return false
				}
				continue
			}
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func rank(results []SearchResult, limit int) []SearchResult {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}

func prepare(docs []Document) error {
	for i := range docs {
		if docs[i].ID == "" {
			return fmt.Errorf("document %d has no id", i)
		}
		if err := ValidateMetadata(docs[i].Metadata); err != nil {
			return fmt.Errorf("document %s: %w", docs[i].ID, err)
		}
		if docs[i].EmbeddingText == "" {
			docs[i].EmbeddingText = docs[i].Content
		}
		if docs[i].ContentHash == "" {
			docs[i].ContentHash = ContentHash(docs[i])
		}
	}
	return nil
}
