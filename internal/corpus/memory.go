package corpus

import (
	"context"
	"sync"

	"github.com/TobiSchelling/qapintel/internal/embed"
)

// MemoryStore is an in-process store. It is used for dry runs and tests.
type MemoryStore struct {
	name     string
	embedder embed.Embedder

	mu      sync.RWMutex
	docs    map[string]memoryDoc
	order   []string
	retired int
}

type memoryDoc struct {
	Document
	vector []float64
}

// NewMemoryStore returns an empty in-memory corpus.
func NewMemoryStore(name string, e embed.Embedder) *MemoryStore {
	return &MemoryStore{name: name, embedder: e, docs: map[string]memoryDoc{}}
}

func (m *MemoryStore) Name() string { return m.name }

func (m *MemoryStore) Add(ctx context.Context, docs []Document, batchSize int) (int, error) {
	docs = append([]Document(nil), docs...)
	if err := prepare(docs); err != nil {
		return 0, err
	}
	committed := 0
	for _, batch := range Batches(docs, batchSize) {
		if err := ctx.Err(); err != nil {
			return committed, err
		}
		texts := make([]string, len(batch))
		for i, d := range batch {
			texts[i] = d.EmbeddingText
		}
		vectors, err := m.embedder.Embed(ctx, texts)
		if err != nil {
			return committed, err
		}

		m.mu.Lock()
		for i, d := range batch {
			old, ok := m.docs[d.ID]
			switch {
			case !ok:
				m.order = append(m.order, d.ID)
			case old.ContentHash == d.ContentHash:
				continue
			default:
				m.retired++
			}
			m.docs[d.ID] = memoryDoc{Document: d, vector: vectors[i]}
		}
		m.mu.Unlock()
		committed += len(batch)
	}
	return committed, nil
}

func (m *MemoryStore) Search(ctx context.Context, query string, limit int, filters Filters) ([]SearchResult, error) {
	vectors, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, unavailable("embedding query", err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	var results []SearchResult
	for _, id := range m.order {
		d := m.docs[id]
		if !matches(d.Metadata, filters) {
			continue
		}
		results = append(results, SearchResult{
			ChunkID:  d.ID,
			Content:  d.Content,
			Metadata: d.Metadata,
			Score:    embed.Cosine(vectors[0], d.vector),
		})
	}
	return rank(results, limit), nil
}

func (m *MemoryStore) GetStats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Stats{Name: m.name, TotalDocuments: len(m.docs), RetiredDocuments: m.retired, Jurisdictions: map[string]int{}}
	for _, d := range m.docs {
		if EnrichmentFeatureCount(d.Metadata) > 0 {
			s.EnrichedDocuments++
		}
		if j, ok := d.Metadata["jurisdiction_code"].(string); ok {
			s.Jurisdictions[j]++
		}
	}
	return s, nil
}
