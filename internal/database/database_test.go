package database

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testUniverse(runID string) *universe.Universe {
	pct := 12.0
	return &universe.Universe{
		RunID:             runID,
		SourceID:          "fl-qap-2025",
		Jurisdiction:      "FL",
		CreatedAt:         time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		HubReferenceCount: 2,
		RawSpokeCount:     4,
		SpokeReferences: []universe.ExternalRegulation{
			{
				ReferenceType: legal.StateAdminCode, Jurisdiction: "FL", TitleOrChapter: "Rule Chapter 67-21",
				Description: "Rule Chapter 67-21, F.A.C.", Priority: 1, EstimatedPages: 50,
				SourceLocator: "https://www.flrules.org/gateway/ChapterHome.asp?Chapter=67-21",
				Status:        universe.StatusPending, AuthorityLevel: 30, Occurrences: 2, SourceSections: []string{"II.A"},
			},
			{
				ReferenceType: legal.FederalStatute, Jurisdiction: "Federal", TitleOrChapter: "26 U.S.C.", Section: "42",
				Description: "Section 42 of the Code", Priority: 2, EstimatedPages: 20,
				SourceLocator: "https://www.law.cornell.edu/uscode/text/26/42",
				Status:        universe.StatusPending, AuthorityLevel: 100, Occurrences: 2,
			},
		},
		TotalEstimatedExternalPages: 70,
		CoverageCompletenessPct:     &pct,
		ExpectedCount:               25,
		JurisdictionKnown:           true,
		CategoryCounts:              map[legal.Category]int{legal.StateAdminCode: 2, legal.FederalStatute: 2},
	}
}

func TestInsertAndGetUniverse(t *testing.T) {
	db := openTestDB(t)
	if err := db.InsertUniverse(testUniverse("run-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	u, err := db.GetUniverse("run-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(u.SpokeReferences) != 2 {
		t.Fatalf("expected 2 spokes, got %d", len(u.SpokeReferences))
	}
	if u.SpokeReferences[0].TitleOrChapter != "Rule Chapter 67-21" {
		t.Errorf("expected stored order, got %q first", u.SpokeReferences[0].TitleOrChapter)
	}
	if u.SpokeReferences[0].SourceSections[0] != "II.A" {
		t.Errorf("expected source sections round trip, got %v", u.SpokeReferences[0].SourceSections)
	}
	if u.CoverageCompletenessPct == nil || *u.CoverageCompletenessPct != 12 {
		t.Errorf("expected coverage 12, got %v", u.CoverageCompletenessPct)
	}
	if u.CategoryCounts[legal.FederalStatute] != 2 {
		t.Errorf("expected category counts round trip, got %v", u.CategoryCounts)
	}
	if !u.CreatedAt.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected created_at %v", u.CreatedAt)
	}
}

func TestUniverseSnapshotsAreInsertOnly(t *testing.T) {
	db := openTestDB(t)
	if err := db.InsertUniverse(testUniverse("run-1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.InsertUniverse(testUniverse("run-1")); err == nil {
		t.Error("expected error re-inserting the same run")
	}

	u := testUniverse("run-2")
	u.CoverageCompletenessPct = nil
	u.JurisdictionKnown = false
	if err := db.InsertUniverse(u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	list, err := db.ListUniverses(10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 universes, got %d", len(list))
	}
	for _, s := range list {
		if s.SpokeCount != 2 {
			t.Errorf("expected 2 spokes for %s, got %d", s.RunID, s.SpokeCount)
		}
	}

	got, _ := db.GetUniverse("run-2")
	if got.CoverageCompletenessPct != nil {
		t.Error("expected nil coverage for unknown jurisdiction")
	}
}

func TestGetUniverseNotFound(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.GetUniverse("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetUniverseRejectsCorruptRows(t *testing.T) {
	db := openTestDB(t)
	for _, id := range []string{"bad-counts", "bad-time"} {
		if err := db.InsertUniverse(testUniverse(id)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if _, err := db.conn.Exec("UPDATE universe_runs SET category_counts = '{' WHERE run_id = 'bad-counts'"); err != nil {
		t.Fatal(err)
	}
	if _, err := db.conn.Exec("UPDATE universe_runs SET created_at = 'yesterday' WHERE run_id = 'bad-time'"); err != nil {
		t.Fatal(err)
	}

	if _, err := db.GetUniverse("bad-counts"); err == nil || !strings.Contains(err.Error(), "category counts") {
		t.Errorf("expected category counts error, got %v", err)
	}
	if _, err := db.GetUniverse("bad-time"); err == nil || !strings.Contains(err.Error(), "created_at") {
		t.Errorf("expected created_at error, got %v", err)
	}
}

func TestRecordFetchAttemptUnknownRegulation(t *testing.T) {
	db := openTestDB(t)
	if err := db.RecordFetchAttempt(404, 1, errors.New("timeout")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertRegulationsMergesAndKeepsStatus(t *testing.T) {
	db := openTestDB(t)
	u := testUniverse("run-1")
	if err := db.UpsertRegulations("run-1", u.SpokeReferences); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	regs, err := db.ListRegulations("", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(regs) != 2 {
		t.Fatalf("expected 2 regulations, got %d", len(regs))
	}
	fac := regs[0]
	if err := db.AdvanceRegulation(fac.ID, universe.StatusPending, universe.StatusFetched); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	again := u.SpokeReferences[0]
	again.Description = "Rule Chapter 67-21.027(3), F.A.C."
	again.Priority = 3
	if err := db.UpsertRegulations("run-2", []universe.ExternalRegulation{again}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := db.GetRegulation(fac.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != universe.StatusFetched {
		t.Errorf("expected status kept as fetched, got %s", got.Status)
	}
	if got.Priority != 1 {
		t.Errorf("expected minimum priority 1, got %d", got.Priority)
	}
	if got.Description != "Rule Chapter 67-21.027(3), F.A.C." {
		t.Errorf("expected longer description, got %q", got.Description)
	}
	if got.LastSeenRun == nil || *got.LastSeenRun != "run-2" {
		t.Errorf("expected last seen run-2, got %v", got.LastSeenRun)
	}
}

func TestRegulationLifecycle(t *testing.T) {
	db := openTestDB(t)
	u := testUniverse("run-1")
	db.UpsertRegulations("run-1", u.SpokeReferences)

	r, err := db.GetRegulationByKey(u.SpokeReferences[1].Key())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := db.AdvanceRegulation(r.ID, universe.StatusFetched, universe.StatusProcessed); !errors.Is(err, ErrStaleStatus) {
		t.Errorf("expected ErrStaleStatus, got %v", err)
	}

	if err := db.RecordFetchAttempt(r.ID, 3, errors.New("timeout")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, _ = db.GetRegulation(r.ID)
	if r.Attempts != 3 || r.LastError == nil || *r.LastError != "timeout" || r.Status != universe.StatusPending {
		t.Errorf("unexpected state after failure: attempts=%d status=%s", r.Attempts, r.Status)
	}

	steps := []universe.Status{universe.StatusPending, universe.StatusFetched, universe.StatusProcessed, universe.StatusIntegrated}
	for i := 1; i < len(steps); i++ {
		if err := db.AdvanceRegulation(r.ID, steps[i-1], steps[i]); err != nil {
			t.Fatalf("advance to %s: %v", steps[i], err)
		}
	}
	db.SetRegulationContent(r.ID, "text")
	db.SetNestedReferenceCount(r.ID, 7)

	r, _ = db.GetRegulation(r.ID)
	if r.Status != universe.StatusIntegrated || r.NestedReferenceCount != 7 || r.LastError != nil {
		t.Errorf("unexpected final state: %+v", r)
	}

	counts, _ := db.RegulationStatusCounts()
	if counts[universe.StatusIntegrated] != 1 || counts[universe.StatusPending] != 1 {
		t.Errorf("unexpected status counts: %v", counts)
	}

	if err := db.ResetRegulation(r.ID, "amended"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pending, _ := db.ListRegulations(universe.StatusPending, 0)
	if len(pending) != 2 {
		t.Errorf("expected 2 pending after reset, got %d", len(pending))
	}
}

func chunk(id, content string, meta map[string]any) CorpusChunk {
	return CorpusChunk{
		Corpus: "fl", ChunkID: id, Content: content, EmbeddingText: content,
		Metadata: meta, ContentHash: "h-" + content, Embedding: []byte{0, 0, 128, 63},
	}
}

func TestChunkVersioning(t *testing.T) {
	db := openTestDB(t)
	meta := map[string]any{"jurisdiction_code": "FL", "total_references": 2, "has_breadcrumb": true}

	n, err := db.InsertChunkBatch([]CorpusChunk{chunk("c1", "v1", meta), chunk("c2", "other", meta)})
	if err != nil || n != 2 {
		t.Fatalf("expected 2 committed, got %d (%v)", n, err)
	}
	if _, err := db.InsertChunkBatch([]CorpusChunk{chunk("c1", "v1", meta)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := db.InsertChunkBatch([]CorpusChunk{chunk("c1", "v2", meta)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	history, err := db.ChunkHistory("fl", "c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(history))
	}
	if history[0].Active || history[0].RetiredAt == nil || history[0].Content != "v1" {
		t.Errorf("expected v1 retired and unchanged, got %+v", history[0])
	}
	if !history[1].Active || history[1].Version != 2 {
		t.Errorf("expected v2 active, got %+v", history[1])
	}

	stats, err := db.GetCorpusStats("fl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.ActiveChunks != 2 || stats.RetiredChunks != 1 || stats.EnrichedChunks != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.Jurisdictions["FL"] != 2 {
		t.Errorf("expected 2 FL chunks, got %v", stats.Jurisdictions)
	}
}

func TestCorpusStatsEnrichment(t *testing.T) {
	db := openTestDB(t)
	_, err := db.InsertChunkBatch([]CorpusChunk{
		chunk("cited", "a", map[string]any{"ref_federal_statute": 1, "total_references": 1, "has_breadcrumb": false}),
		chunk("crumb", "b", map[string]any{"total_references": 0, "entity_count": 0, "has_breadcrumb": true}),
		chunk("entities", "c", map[string]any{"total_references": 0, "entity_count": 3, "has_breadcrumb": false}),
		chunk("plain", "d", map[string]any{"ref_federal_statute": 0, "total_references": 0, "entity_count": 0, "has_breadcrumb": false}),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stats, err := db.GetCorpusStats("fl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.EnrichedChunks != 3 {
		t.Errorf("expected 3 enriched chunks, got %d", stats.EnrichedChunks)
	}
}

func TestActiveChunksFilters(t *testing.T) {
	db := openTestDB(t)
	db.InsertChunkBatch([]CorpusChunk{
		chunk("a", "x", map[string]any{"jurisdiction_code": "FL", "hierarchy_level": 1, "has_breadcrumb": true}),
		chunk("b", "y", map[string]any{"jurisdiction_code": "TX", "hierarchy_level": 1, "has_breadcrumb": false}),
	})

	got, err := db.ActiveChunks("fl", map[string]any{"jurisdiction_code": "FL"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].ChunkID != "a" {
		t.Errorf("expected only chunk a, got %v", got)
	}
	if got[0].Metadata["hierarchy_level"] != float64(1) {
		t.Errorf("expected decoded metadata, got %v", got[0].Metadata)
	}

	got, _ = db.ActiveChunks("fl", map[string]any{"has_breadcrumb": false})
	if len(got) != 1 || got[0].ChunkID != "b" {
		t.Errorf("expected bool filter to match chunk b, got %v", got)
	}

	if _, err := db.ActiveChunks("fl", map[string]any{"x') OR 1=1 --": 1}); err == nil {
		t.Error("expected error for invalid filter key")
	}

	corpora, _ := db.ListCorpora()
	if len(corpora) != 1 || corpora[0] != "fl" {
		t.Errorf("unexpected corpora: %v", corpora)
	}
}

func TestIngestionRuns(t *testing.T) {
	db := openTestDB(t)
	if err := db.StartIngestionRun(IngestionRun{RunID: "i1", Corpus: "fl", Jurisdiction: "FL", DocumentVersion: "2025", Total: 10}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, _ := db.RunningIngestions("fl")
	if n != 1 {
		t.Errorf("expected 1 running ingestion, got %d", n)
	}

	if err := db.FinishIngestionRun("i1", IngestionFailed, 4, errors.New("batch 2 failed")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r, err := db.LatestIngestionRun("fl")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.Status != IngestionFailed || r.Committed != 4 || r.Error == nil {
		t.Errorf("unexpected run: %+v", r)
	}
	n, _ = db.RunningIngestions("fl")
	if n != 0 {
		t.Errorf("expected no running ingestion, got %d", n)
	}
}

func TestBenchmarkRuns(t *testing.T) {
	db := openTestDB(t)
	run := BenchmarkRun{RunID: "b1", Baseline: "v1", Candidate: "v2", Iterations: 3,
		OverallWinner: "candidate", Significance: "significant", ReportJSON: `{"ok":true}`}
	if err := db.InsertBenchmarkRun(run); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := db.GetBenchmarkRun("b1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ReportJSON != `{"ok":true}` || got.OverallWinner != "candidate" {
		t.Errorf("unexpected run: %+v", got)
	}
	list, _ := db.ListBenchmarkRuns(0)
	if len(list) != 1 {
		t.Errorf("expected 1 run, got %d", len(list))
	}
	if _, err := db.GetBenchmarkRun("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCacheEntries(t *testing.T) {
	db := openTestDB(t)
	if _, ok, _ := db.GetCacheEntry("emb", "k"); ok {
		t.Error("expected miss on empty cache")
	}
	db.PutCacheEntry("emb", "k", []byte("v1"))
	db.PutCacheEntry("emb", "k", []byte("v2"))
	v, ok, err := db.GetCacheEntry("emb", "k")
	if err != nil || !ok || string(v) != "v2" {
		t.Errorf("expected v2, got %q ok=%v err=%v", v, ok, err)
	}
	n, _ := db.ClearCache("emb")
	if n != 1 {
		t.Errorf("expected 1 entry cleared, got %d", n)
	}
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	db.InsertUniverse(testUniverse("run-1"))
	db.UpsertRegulations("run-1", testUniverse("run-1").SpokeReferences)

	s, err := db.GetStats()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Universes != 1 || s.Regulations[universe.StatusPending] != 2 {
		t.Errorf("unexpected stats: %+v", s)
	}
	if s.LastUniverseRun == nil {
		t.Error("expected last universe run")
	}
}
