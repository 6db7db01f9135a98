package corpus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/embed"
)

func testDocs() []Document {
	return []Document{
		{ID: "fl-1", Content: "Applicants must comply with the compliance monitoring requirements.",
			Metadata: map[string]any{"jurisdiction_code": "FL", "ref_federal_statute": 1, "total_references": 1, "has_breadcrumb": true}},
		{ID: "fl-2", Content: "The application fee is due at submission.",
			Metadata: map[string]any{"jurisdiction_code": "FL", "total_references": 0, "has_breadcrumb": false}},
		{ID: "tx-1", Content: "Compliance monitoring fees apply to every development.",
			Metadata: map[string]any{"jurisdiction_code": "TX", "total_references": 0, "has_breadcrumb": false}},
	}
}

// flakyEmbedder fails on the call numbered failOn.
type flakyEmbedder struct {
	inner  embed.Embedder
	calls  int
	failOn int
}

func (f *flakyEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, errors.New("embedding service down")
	}
	return f.inner.Embed(ctx, texts)
}

func TestBatches(t *testing.T) {
	docs := make([]Document, 70)
	batches := Batches(docs, 32)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 32)
	assert.Len(t, batches[2], 6)
	assert.Len(t, Batches(docs, 0), 3)
	assert.Empty(t, Batches(nil, 32))
}

func TestValidateMetadata(t *testing.T) {
	assert.NoError(t, ValidateMetadata(map[string]any{"a": "x", "b": 1, "c": true, "d": 1.5, "e": nil}))
	assert.Error(t, ValidateMetadata(map[string]any{"refs": []string{"x"}}))
	assert.Error(t, ValidateMetadata(map[string]any{"nested": map[string]any{"a": 1}}))
}

func TestIntValue(t *testing.T) {
	for _, v := range []any{3, int64(3), float64(3), json.Number("3")} {
		n, ok := IntValue(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 3, n, "%T", v)
	}
	_, ok := IntValue("3")
	assert.False(t, ok)
}

func TestEnrichmentFeatureCount(t *testing.T) {
	meta := map[string]any{
		"ref_federal_statute": 2, "ref_state_admin_code": float64(1), "ref_executive_order": 0,
		"entity_count": 4, "has_breadcrumb": true, "hierarchy_level": 2,
	}
	assert.Equal(t, 4, EnrichmentFeatureCount(meta))
	assert.Equal(t, 0, EnrichmentFeatureCount(map[string]any{"has_breadcrumb": false}))
}

func TestContentHashChangesWithMetadata(t *testing.T) {
	a := Document{ID: "x", Content: "c", Metadata: map[string]any{"k": 1}}
	b := a
	b.Metadata = map[string]any{"k": 2}
	assert.NotEqual(t, ContentHash(a), ContentHash(b))
	assert.Equal(t, ContentHash(a), ContentHash(a))
}

func TestMemoryStoreSearchAndFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("fl", embed.NewHashEmbedder(0))
	n, err := s.Add(ctx, testDocs(), 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := s.Search(ctx, "compliance monitoring", 10, Filters{"jurisdiction_code": "FL"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "fl-1", res[0].ChunkID)
	assert.GreaterOrEqual(t, res[0].Score, res[1].Score)

	res, err = s.Search(ctx, "compliance", 1, nil)
	require.NoError(t, err)
	assert.Len(t, res, 1)

	res, err = s.Search(ctx, "fee", 10, Filters{"has_breadcrumb": true})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "fl-1", res[0].ChunkID)
}

func TestMemoryStoreVersions(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore("fl", embed.NewHashEmbedder(0))
	docs := testDocs()
	_, err := s.Add(ctx, docs, 32)
	require.NoError(t, err)
	_, err = s.Add(ctx, docs[:1], 32)
	require.NoError(t, err)

	changed := docs[0]
	changed.Content = "Amended compliance text."
	_, err = s.Add(ctx, []Document{changed}, 32)
	require.NoError(t, err)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 1, stats.RetiredDocuments)
	assert.Equal(t, 1, stats.EnrichedDocuments)
	assert.Equal(t, 2, stats.Jurisdictions["FL"])
}

func TestStatsCountCitationFreeEnrichment(t *testing.T) {
	ctx := context.Background()
	docs := []Document{
		{ID: "crumb", Content: "Set-aside requirements.",
			Metadata: map[string]any{"jurisdiction_code": "FL", "total_references": 0, "entity_count": 3, "has_breadcrumb": true}},
		{ID: "plain", Content: "General provisions.",
			Metadata: map[string]any{"jurisdiction_code": "FL", "total_references": 0, "entity_count": 0, "has_breadcrumb": false}},
	}

	mem := NewMemoryStore("fl", embed.NewHashEmbedder(0))
	_, err := mem.Add(ctx, docs, 32)
	require.NoError(t, err)
	stats, err := mem.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EnrichedDocuments)

	s, _ := openTestStore(t, embed.NewHashEmbedder(0))
	_, err = s.Add(ctx, docs, 32)
	require.NoError(t, err)
	stats, err = s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.EnrichedDocuments)
}

func TestAddRejectsNestedMetadata(t *testing.T) {
	s := NewMemoryStore("fl", embed.NewHashEmbedder(0))
	_, err := s.Add(context.Background(), []Document{{ID: "x", Metadata: map[string]any{"refs": []any{1}}}}, 32)
	assert.Error(t, err)
}

func openTestStore(t *testing.T, e embed.Embedder) (*SQLiteStore, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db, "fl-2025", e), db
}

func TestSQLiteStoreAddAndSearch(t *testing.T) {
	ctx := context.Background()
	s, db := openTestStore(t, embed.NewHashEmbedder(0))

	n, err := s.Add(ctx, testDocs(), 32)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := s.Search(ctx, "compliance monitoring requirements", 5, Filters{"jurisdiction_code": "FL"})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "fl-1", res[0].ChunkID)
	assert.Equal(t, "FL", res[0].Metadata["jurisdiction_code"])

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 1, stats.EnrichedDocuments)

	history, err := db.ChunkHistory("fl-2025", "fl-1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSQLiteStorePartialBatchFailure(t *testing.T) {
	ctx := context.Background()
	flaky := &flakyEmbedder{inner: embed.NewHashEmbedder(0), failOn: 2}
	s, _ := openTestStore(t, flaky)

	n, err := s.Add(ctx, testDocs(), 2)
	require.Error(t, err)
	assert.Equal(t, 2, n)

	stats, err := s.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalDocuments, "earlier batch must stay committed")
}

func TestSQLiteStoreSearchUnavailable(t *testing.T) {
	flaky := &flakyEmbedder{inner: embed.NewHashEmbedder(0), failOn: 1}
	s, _ := openTestStore(t, flaky)
	_, err := s.Search(context.Background(), "anything", 5, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLiteStoreClosedDatabase(t *testing.T) {
	s, db := openTestStore(t, embed.NewHashEmbedder(0))
	db.Close()
	_, err := s.Search(context.Background(), "anything", 5, nil)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestFormatVector(t *testing.T) {
	assert.Equal(t, "[0.500000,-1.000000]", formatVector([]float64{0.5, -1}))
	assert.Equal(t, "[]", formatVector(nil))
}

func ExampleBatches() {
	docs := make([]Document, 5)
	for _, b := range Batches(docs, 2) {
		fmt.Println(len(b))
	}
	// Output:
	// 2
	// 2
	// 1
}
