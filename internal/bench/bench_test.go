package bench

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/embed"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// timedStore takes latency of fake time per search and fails the listed queries.
type timedStore struct {
	corpus.Store
	clock   *fakeClock
	latency time.Duration
	failOn  map[string]bool
}

func (s *timedStore) Search(ctx context.Context, q string, limit int, f corpus.Filters) ([]corpus.SearchResult, error) {
	s.clock.Advance(s.latency)
	if s.failOn[q] {
		return nil, fmt.Errorf("%w: connection refused", corpus.ErrUnavailable)
	}
	return s.Store.Search(ctx, q, limit, f)
}

// fixedStore always returns the same results.
type fixedStore struct {
	name    string
	results []corpus.SearchResult
}

func (f *fixedStore) Name() string { return f.name }
func (f *fixedStore) Add(context.Context, []corpus.Document, int) (int, error) {
	return 0, nil
}
func (f *fixedStore) Search(context.Context, string, int, corpus.Filters) ([]corpus.SearchResult, error) {
	return f.results, nil
}
func (f *fixedStore) GetStats(context.Context) (corpus.Stats, error) {
	return corpus.Stats{Name: f.name, TotalDocuments: len(f.results)}, nil
}

var queries = []string{
	"compliance monitoring requirements",
	"application fee",
	"income limits for set-aside units",
}

func plainDocs() []corpus.Document {
	return []corpus.Document{
		{ID: "p1", Content: "Compliance monitoring requirements for every development.", Metadata: map[string]any{"jurisdiction_code": "FL"}},
		{ID: "p2", Content: "The application fee is due with the application.", Metadata: map[string]any{"jurisdiction_code": "FL"}},
		{ID: "p3", Content: "Income limits apply.", Metadata: map[string]any{"jurisdiction_code": "FL"}},
	}
}

func enrichedDocs() []corpus.Document {
	meta := func(refs int, crumb bool) map[string]any {
		return map[string]any{
			"jurisdiction_code": "FL", "section_title": "Compliance", "source_document_version": "2025",
			"page_number": 3, "hierarchy_level": 1, "has_breadcrumb": crumb,
			"ref_federal_statute": refs, "total_references": refs, "entity_count": 1,
		}
	}
	return []corpus.Document{
		{ID: "e1", Content: "Compliance monitoring requirements under Section 42 for every development.", Metadata: meta(1, true)},
		{ID: "e2", Content: "The application fee is due with the application.", Metadata: meta(0, true)},
		{ID: "e3", Content: "Income limits for set-aside units are 60% of AMI.", Metadata: meta(2, true)},
	}
}

func newTargets(t *testing.T, clock *fakeClock) (Target, Target) {
	t.Helper()
	ctx := context.Background()
	plain := corpus.NewMemoryStore("fl-2024", embed.NewHashEmbedder(0))
	_, err := plain.Add(ctx, plainDocs(), 32)
	require.NoError(t, err)
	enriched := corpus.NewMemoryStore("fl-2025", embed.NewHashEmbedder(0))
	_, err = enriched.Add(ctx, enrichedDocs(), 32)
	require.NoError(t, err)

	return Target{Store: &timedStore{Store: plain, clock: clock, latency: 120 * time.Millisecond}},
		Target{Store: &timedStore{Store: enriched, clock: clock, latency: 30 * time.Millisecond}, Enriched: true}
}

func TestWeightSetsSumTo100(t *testing.T) {
	assert.InDelta(t, 100, PlainWeights.sum(), 1e-9)
	assert.InDelta(t, 100, EnrichedWeights.sum(), 1e-9)
	assert.Zero(t, PlainWeights.Enrichment+PlainWeights.Hierarchy+PlainWeights.Breadcrumb)
}

func TestGradeTables(t *testing.T) {
	tests := []struct {
		latency, results, features float64
		total                      int
		letter                     string
	}{
		{10, 20, 60, 100, "A"},
		{80, 12, 30, 85, "B"},
		{150, 12, 10, 75, "C"},
		{50, 5, 0, 60, "D"},
		{400, 1, 1, 40, "F"},
		{900, 0, 0, 10, "F"},
	}
	for _, tt := range tests {
		g := Grade(tt.latency, tt.results, tt.features)
		assert.Equal(t, tt.total, g.Total, "%+v", tt)
		assert.Equal(t, tt.letter, g.Letter, "%+v", tt)
	}
}

func TestConstantFastQueryGetsFullSpeedPoints(t *testing.T) {
	clock := newFakeClock()
	results := make([]corpus.SearchResult, 5)
	for i := range results {
		results[i] = corpus.SearchResult{ChunkID: fmt.Sprintf("c%d", i), Content: "compliance", Score: 0.5,
			Metadata: map[string]any{"jurisdiction_code": "FL"}}
	}
	store := &timedStore{Store: &fixedStore{name: "fixed", results: results}, clock: clock, latency: 50 * time.Millisecond}
	h := &Harness{Iterations: 3, Now: clock.Now}

	out, err := h.RunABTest(context.Background(), []string{"compliance"}, Target{Store: store}, Target{Store: store})
	require.NoError(t, err)
	require.Len(t, out, 1)

	m := out[0].Candidate
	assert.InDelta(t, 50, m.LatencyMS, 1e-9)
	assert.Equal(t, 5.0, m.ResultCount)
	assert.Equal(t, maxSpeedPoints, m.Grade.SpeedPoints)
	assert.GreaterOrEqual(t, m.Grade.Total, maxSpeedPoints)
	assert.Equal(t, WinnerTie, out[0].Winner)
}

func TestEnrichedCandidateWins(t *testing.T) {
	clock := newFakeClock()
	baseline, candidate := newTargets(t, clock)
	h := &Harness{Iterations: 3, Jurisdiction: "FL", Now: clock.Now}

	out, err := h.RunABTest(context.Background(), queries, baseline, candidate)
	require.NoError(t, err)
	require.Len(t, out, len(queries))
	for _, r := range out {
		assert.Equal(t, StatusOK, r.Baseline.Status)
		assert.InDelta(t, 120, r.Baseline.LatencyMS, 1e-9)
		assert.InDelta(t, 30, r.Candidate.LatencyMS, 1e-9)
		assert.Greater(t, r.Candidate.EnrichmentFeatures, 0.0)
		assert.Equal(t, WinnerCandidate, r.Winner, r.Query)
	}

	report := Summarize(out)
	assert.Equal(t, WinnerCandidate, report.OverallWinner)
	assert.Equal(t, 3, report.Candidate.Wins)
	assert.Equal(t, 1.0, report.ImprovementRate)
	assert.Equal(t, Significant, report.Significance)
	assert.Equal(t, "fl-2025", report.Candidate.Corpus)
	assert.Equal(t, SignificanceMethod, report.SignificanceNote)
}

func TestSwappingSidesMirrorsResults(t *testing.T) {
	clock := newFakeClock()
	a, b := newTargets(t, clock)
	h := &Harness{Iterations: 2, Jurisdiction: "FL", Now: clock.Now}

	ab, err := h.RunABTest(context.Background(), queries, a, b)
	require.NoError(t, err)
	ba, err := h.RunABTest(context.Background(), queries, b, a)
	require.NoError(t, err)

	for i := range ab {
		assert.Equal(t, ab[i].Swap(), ba[i])
	}
}

func TestSearchFailureMarksSideAndContinues(t *testing.T) {
	clock := newFakeClock()
	baseline, candidate := newTargets(t, clock)
	candidate.Store.(*timedStore).failOn = map[string]bool{"application fee": true}
	h := &Harness{Iterations: 3, Jurisdiction: "FL", Now: clock.Now}

	out, err := h.RunABTest(context.Background(), queries, baseline, candidate)
	require.NoError(t, err)
	require.Len(t, out, 3)

	failed := out[1]
	assert.Equal(t, StatusError, failed.Candidate.Status)
	assert.Contains(t, failed.Candidate.Error, "unavailable")
	assert.Equal(t, StatusOK, failed.Baseline.Status)
	assert.Equal(t, WinnerBaseline, failed.Winner)
	assert.Equal(t, StatusOK, out[2].Candidate.Status)

	report := Summarize(out)
	assert.Equal(t, 1, report.Candidate.Errors)
	assert.Equal(t, 2, report.Candidate.Wins)
	assert.Equal(t, WinnerCandidate, report.OverallWinner)
	assert.Equal(t, Marginal, report.Significance)
}

func TestFailedSideNeverOutgradesSlowSparseSide(t *testing.T) {
	clock := newFakeClock()
	slow := Target{Store: &timedStore{
		Store: &fixedStore{name: "fl-2024", results: []corpus.SearchResult{{
			ChunkID: "p1", Content: "The application fee is due with the application.",
			Metadata: map[string]any{"jurisdiction_code": "FL"}, Score: 0.4,
		}}},
		clock:   clock,
		latency: 900 * time.Millisecond,
	}}
	failing := Target{Store: &timedStore{
		Store:  corpus.NewMemoryStore("fl-2025", embed.NewHashEmbedder(0)),
		clock:  clock,
		failOn: map[string]bool{"application fee": true},
	}, Enriched: true}
	h := &Harness{Iterations: 2, Jurisdiction: "FL", Now: clock.Now}

	out, err := h.RunABTest(context.Background(), []string{"application fee"}, slow, failing)
	require.NoError(t, err)
	require.Len(t, out, 1)

	r := out[0]
	assert.Equal(t, StatusError, r.Candidate.Status)
	assert.Zero(t, r.Candidate.Grade.Total)
	assert.Zero(t, r.Candidate.Grade.SpeedPoints)
	assert.Equal(t, "F", r.Candidate.Grade.Letter)
	assert.Equal(t, 20, r.Baseline.Grade.Total, "10 speed points plus 10 result points")
	assert.Greater(t, r.Baseline.Grade.Total, r.Candidate.Grade.Total)
	assert.Equal(t, WinnerBaseline, r.Winner)
	assert.Equal(t, "F", r.Grade)
}

func TestParallelRunKeepsQueryOrder(t *testing.T) {
	clock := newFakeClock()
	baseline, candidate := newTargets(t, clock)
	h := &Harness{Iterations: 1, Parallelism: 3, Now: clock.Now}

	out, err := h.RunABTest(context.Background(), queries, baseline, candidate)
	require.NoError(t, err)
	for i, q := range queries {
		assert.Equal(t, q, out[i].Query)
	}
}

func TestRunABTestCancelled(t *testing.T) {
	clock := newFakeClock()
	baseline, candidate := newTargets(t, clock)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := (&Harness{Now: clock.Now}).RunABTest(ctx, queries, baseline, candidate)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSummarizeTieAndSignificance(t *testing.T) {
	results := []Result{
		{Winner: WinnerCandidate, ScoreDelta: 2},
		{Winner: WinnerBaseline, ScoreDelta: -1},
		{Winner: WinnerTie},
		{Winner: WinnerTie},
	}
	r := Summarize(results)
	assert.Equal(t, WinnerTie, r.OverallWinner)
	assert.Equal(t, 2, r.Ties)
	assert.InDelta(t, 0.25, r.AverageScoreDelta, 1e-9)
	assert.Equal(t, NotSignificant, r.Significance)

	empty := Summarize(nil)
	assert.Equal(t, WinnerTie, empty.OverallWinner)
	assert.Equal(t, NotSignificant, empty.Significance)
}

func TestDetectEnriched(t *testing.T) {
	clock := newFakeClock()
	a, b := newTargets(t, clock)
	ok, err := DetectEnriched(context.Background(), a.Store)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = DetectEnriched(context.Background(), b.Store)
	require.NoError(t, err)
	assert.True(t, ok)

	crumbs := corpus.NewMemoryStore("fl-crumbs", embed.NewHashEmbedder(0))
	_, err = crumbs.Add(context.Background(), []corpus.Document{{
		ID: "c1", Content: "Set-aside requirements.",
		Metadata: map[string]any{"jurisdiction_code": "FL", "total_references": 0, "entity_count": 3, "has_breadcrumb": true},
	}}, 32)
	require.NoError(t, err)
	ok, err = DetectEnriched(context.Background(), crumbs)
	require.NoError(t, err)
	assert.True(t, ok, "breadcrumbs and entities count as enrichment without citations")
}
