package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/embed"
	"github.com/TobiSchelling/qapintel/internal/legal"
)

const flContent = "See Section 42(g) of the Internal Revenue Code and Rule Chapter 67-21.027, F.A.C. " +
	"Households at 60% of AMI receive $1,500,000 per development across 100 units under the set-aside."

func newTestClassifier(t *testing.T) *citation.Classifier {
	t.Helper()
	reg, err := citation.LoadRegistry()
	require.NoError(t, err)
	return citation.NewClassifier(reg, nil)
}

func rawChunks() []RawChunk {
	return []RawChunk{
		{ChunkID: "fl-2025-001", Content: flContent, SectionTitle: "Compliance Monitoring",
			HierarchyLevel: 2, Breadcrumb: []string{"Part II", "Compliance Monitoring"}, PageNumber: 14},
		{ChunkID: "fl-2025-002", Content: "Application fees are non-refundable.", SectionTitle: "Fees",
			HierarchyLevel: 1, Breadcrumb: []string{"Part III"}, PageNumber: 20},
		{ChunkID: "fl-2025-003", Content: "Scoring criteria for developments in rural areas.", SectionTitle: ""},
	}
}

type recordedRun struct {
	started   database.IngestionRun
	status    string
	committed int
	err       error
}

type fakeRecorder struct{ runs []*recordedRun }

func (f *fakeRecorder) StartIngestionRun(r database.IngestionRun) error {
	f.runs = append(f.runs, &recordedRun{started: r})
	return nil
}

func (f *fakeRecorder) FinishIngestionRun(runID, status string, committed int, runErr error) error {
	last := f.runs[len(f.runs)-1]
	last.status, last.committed, last.err = status, committed, runErr
	return nil
}

// failingStore commits whole batches until failAfter documents were written.
type failingStore struct {
	*corpus.MemoryStore
	failAfter int
}

func (f *failingStore) Add(ctx context.Context, docs []corpus.Document, batchSize int) (int, error) {
	committed := 0
	for _, b := range corpus.Batches(docs, batchSize) {
		if committed+len(b) > f.failAfter {
			return committed, errors.New("disk full")
		}
		n, err := f.MemoryStore.Add(ctx, b, batchSize)
		if err != nil {
			return committed, err
		}
		committed += n
	}
	return committed, nil
}

func TestEmbeddingText(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		title      string
		breadcrumb []string
		want       string
	}{
		{"breadcrumb and title", "Body text.", "Fees", []string{"Part III", "Fees"}, "Part III > Fees\n\nFees\n\nBody text."},
		{"title already in content", "Fees are due.", "Fees", []string{"Part III"}, "Part III\n\nFees are due."},
		{"breadcrumb equals title", "Body.", "Fees", []string{"Fees"}, "Fees\n\nBody."},
		{"nothing to add", "Body.", "", nil, "Body."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EmbeddingText(tt.content, tt.title, tt.breadcrumb))
		})
	}
}

func TestExtractEntities(t *testing.T) {
	ents := ExtractEntities("Households at 60% of AMI receive $1,500,000 per development across 100 units under the set-aside, due March 1, 2025. A 9% credit applies.")
	kinds := map[EntityKind][]string{}
	for _, e := range ents {
		kinds[e.Kind] = append(kinds[e.Kind], e.Text)
	}
	assert.Equal(t, []string{"60% of AMI"}, kinds[EntityAMI])
	assert.Equal(t, []string{"$1,500,000"}, kinds[EntityMoney])
	assert.Equal(t, []string{"100 units"}, kinds[EntityUnitCount])
	assert.Equal(t, []string{"set-aside"}, kinds[EntitySetAside])
	assert.Equal(t, []string{"March 1, 2025"}, kinds[EntityDate])
	assert.Equal(t, []string{"9%"}, kinds[EntityPercentage])

	for i := 1; i < len(ents); i++ {
		assert.LessOrEqual(t, ents[i-1].Offset, ents[i].Offset)
	}
}

func TestEnrich(t *testing.T) {
	chunks := Enrich(newTestClassifier(t), rawChunks(), "fl", "2025-v1")
	require.Len(t, chunks, 3)

	c := chunks[0]
	assert.Equal(t, "FL", c.JurisdictionCode)
	assert.Equal(t, 2, c.TotalReferences())
	assert.Equal(t, 1, c.ReferenceCounts[legal.FederalStatute])
	assert.Equal(t, 1, c.ReferenceCounts[legal.StateAdminCode])
	assert.Len(t, c.Entities, 4)
	assert.Equal(t, "fl-2025-001#1", c.References[0].ReferenceID)

	meta := c.Metadata()
	require.NoError(t, corpus.ValidateMetadata(meta))
	assert.Equal(t, "Part II > Compliance Monitoring", meta["breadcrumb"])
	assert.Equal(t, true, meta["has_breadcrumb"])
	assert.Equal(t, 1, meta["ref_federal_statute"])
	assert.Equal(t, 0, meta["ref_executive_order"])
	assert.Equal(t, 2, meta["total_references"])
	assert.Equal(t, "2025-v1", meta["source_document_version"])
	assert.Equal(t, 14, meta["page_number"])

	refs, err := c.ReferencesJSON()
	require.NoError(t, err)
	assert.Contains(t, refs, `"category":"federal_statute"`)
	assert.Contains(t, refs, `"kind":"money"`)

	empty, err := chunks[2].ReferencesJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"references":[],"entities":[]}`, empty)
	assert.Equal(t, false, chunks[2].Metadata()["has_breadcrumb"])
}

func TestIngestCommitsAndRecordsRun(t *testing.T) {
	store := corpus.NewMemoryStore("fl-2025", embed.NewHashEmbedder(0))
	rec := &fakeRecorder{}
	p := NewPipeline(newTestClassifier(t), store, rec, 2)

	chunks, err := p.Ingest(context.Background(), rawChunks(), "FL", "2025-v1")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	stats, err := store.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalDocuments)
	assert.Equal(t, 2, stats.EnrichedDocuments, "the fees chunk has a breadcrumb but no citations")

	require.Len(t, rec.runs, 1)
	assert.Equal(t, "fl-2025", rec.runs[0].started.Corpus)
	assert.Equal(t, 3, rec.runs[0].started.Total)
	assert.Equal(t, database.IngestionComplete, rec.runs[0].status)
	assert.Equal(t, 3, rec.runs[0].committed)
}

func TestIngestReportsPartialBatchFailure(t *testing.T) {
	mem := corpus.NewMemoryStore("fl-2025", embed.NewHashEmbedder(0))
	store := &failingStore{MemoryStore: mem, failAfter: 2}
	rec := &fakeRecorder{}
	p := NewPipeline(newTestClassifier(t), store, rec, 2)

	_, err := p.Ingest(context.Background(), rawChunks(), "FL", "2025-v1")
	var be *BatchError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 2, be.Committed)
	assert.Equal(t, 3, be.Total)
	assert.EqualError(t, be.Unwrap(), "disk full")

	stats, _ := mem.GetStats(context.Background())
	assert.Equal(t, 2, stats.TotalDocuments)
	assert.Equal(t, database.IngestionFailed, rec.runs[0].status)
	assert.Equal(t, 2, rec.runs[0].committed)
}

type erroringStore struct{ corpus.Store }

func (erroringStore) Name() string { return "broken" }

func (erroringStore) Search(context.Context, string, int, corpus.Filters) ([]corpus.SearchResult, error) {
	return nil, corpus.ErrUnavailable
}

// stepClock advances by step on every call.
func stepClock(step time.Duration) func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(step)
		return t
	}
}

func ingested(t *testing.T) corpus.Store {
	t.Helper()
	store := corpus.NewMemoryStore("fl-2025", embed.NewHashEmbedder(0))
	_, err := NewPipeline(newTestClassifier(t), store, nil, 32).Ingest(context.Background(), rawChunks(), "FL", "v1")
	require.NoError(t, err)
	return store
}

func TestValidateStatuses(t *testing.T) {
	ctx := context.Background()
	store := ingested(t)

	r := Validate(ctx, store, "FL", ValidationConfig{Now: stepClock(20 * time.Millisecond), SlowThreshold: 100 * time.Millisecond})
	assert.Equal(t, StatusSuccess, r.IntegrationStatus)
	assert.Len(t, r.Queries, len(DefaultValidationQueries))
	assert.InDelta(t, 20.0, r.AverageLatencyMS, 0.001)
	assert.Equal(t, 2, r.EnrichedChunks, "chunks with references or a breadcrumb")
	assert.Equal(t, 3*len(DefaultValidationQueries), r.TotalResults)

	r = Validate(ctx, store, "FL", ValidationConfig{Now: stepClock(300 * time.Millisecond), SlowThreshold: 100 * time.Millisecond})
	assert.Equal(t, StatusSuccessSlow, r.IntegrationStatus)

	r = Validate(ctx, store, "TX", ValidationConfig{})
	assert.Equal(t, StatusFailed, r.IntegrationStatus)
	assert.Zero(t, r.TotalResults)

	r = Validate(ctx, erroringStore{}, "FL", ValidationConfig{Queries: []string{"q"}})
	assert.Equal(t, StatusError, r.IntegrationStatus)
	assert.NotEmpty(t, r.Queries[0].Error)
}

func TestValidateFailsWithoutEnrichment(t *testing.T) {
	store := corpus.NewMemoryStore("plain", embed.NewHashEmbedder(0))
	_, err := store.Add(context.Background(), []corpus.Document{
		{ID: "a", Content: "compliance monitoring", Metadata: map[string]any{"jurisdiction_code": "FL"}},
	}, 32)
	require.NoError(t, err)

	r := Validate(context.Background(), store, "FL", ValidationConfig{})
	assert.Equal(t, StatusFailed, r.IntegrationStatus)
	assert.Equal(t, len(DefaultValidationQueries), r.TotalResults)
}
