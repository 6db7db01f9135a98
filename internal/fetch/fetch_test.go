package fetch

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/TobiSchelling/qapintel/internal/cache"
	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/embed"
	"github.com/TobiSchelling/qapintel/internal/ingest"
	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/retry"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

var rulePage = `<html><head><title>Rule Chapter 67-21</title></head><body><article>
<h1>Rule Chapter 67-21</h1>
<p>` + strings.Repeat("Each development shall comply with Section 42 of the Internal Revenue Code and 26 C.F.R. 1.42-5 throughout the compliance period. ", 4) + `</p>
<p>` + strings.Repeat("The Corporation monitors set-aside units annually. ", 4) + `</p>
</article></body></html>`

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newClassifier(t *testing.T) *citation.Classifier {
	t.Helper()
	reg, err := citation.LoadRegistry()
	if err != nil {
		t.Fatalf("LoadRegistry: %v", err)
	}
	return citation.NewClassifier(reg, nil)
}

func spoke(title, locator string) universe.ExternalRegulation {
	return universe.ExternalRegulation{
		ReferenceType: legal.StateAdminCode, Jurisdiction: "FL", TitleOrChapter: title,
		Description: title, Priority: 1, EstimatedPages: 50, SourceLocator: locator, AuthorityLevel: 30,
	}
}

func TestRunDrivesLifecycle(t *testing.T) {
	var flaky atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rule":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, rulePage)
		case "/flaky":
			if flaky.Add(1) < 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, strings.Repeat("Executive Order 13985 applies to every federal program. ", 3))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	db := openTestDB(t)
	classifier := newClassifier(t)
	db.UpsertRegulations("run-1", []universe.ExternalRegulation{
		spoke("Rule Chapter 67-21", srv.URL+"/rule"),
		spoke("Rule Chapter 67-48", srv.URL+"/flaky"),
		spoke("Rule Chapter 67-53", "state_admin_code:Rule Chapter 67-53"),
	})

	store := corpus.NewMemoryStore("regulations", embed.NewHashEmbedder(0))
	f := NewFetcher(db, classifier, Options{
		Policy:   retry.Policy{MaxAttempts: 3},
		Cache:    cache.NewLRU(10),
		Pipeline: ingest.NewPipeline(classifier, store, db, 8),
	})

	result, err := f.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Fetched != 2 || result.Processed != 2 || result.Integrated != 2 || result.Skipped != 1 {
		t.Errorf("unexpected result: %+v", result)
	}

	reg, err := db.GetRegulationByKey(spoke("Rule Chapter 67-21", "").Key())
	if err != nil {
		t.Fatalf("GetRegulationByKey: %v", err)
	}
	if reg.Status != universe.StatusIntegrated {
		t.Errorf("expected integrated, got %s", reg.Status)
	}
	if reg.NestedReferenceCount < 2 {
		t.Errorf("expected nested references, got %d", reg.NestedReferenceCount)
	}
	if reg.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", reg.Attempts)
	}

	flakyReg, _ := db.GetRegulationByKey(spoke("Rule Chapter 67-48", "").Key())
	if flakyReg.Attempts != 2 {
		t.Errorf("expected 2 attempts for flaky source, got %d", flakyReg.Attempts)
	}

	stats, _ := store.GetStats(context.Background())
	if stats.TotalDocuments == 0 {
		t.Error("expected fetched text in the corpus")
	}
}

func TestRunLeavesFailuresPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	db := openTestDB(t)
	db.UpsertRegulations("run-1", []universe.ExternalRegulation{
		spoke("Rule Chapter 67-21", srv.URL+"/missing"),
		spoke("Rule Chapter 67-48", srv.URL+"/also-missing"),
	})

	f := NewFetcher(db, newClassifier(t), Options{Policy: retry.Policy{MaxAttempts: 3}})
	result, err := f.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Failed != 2 || result.Fetched != 0 {
		t.Errorf("unexpected result: %+v", result)
	}

	regs, _ := db.ListRegulations(universe.StatusPending, 0)
	if len(regs) != 2 {
		t.Fatalf("expected both regulations still pending, got %d", len(regs))
	}
	for _, r := range regs {
		if r.LastError == nil {
			t.Errorf("expected last error on %s", r.Key())
		}
	}
	first, _ := db.GetRegulationByKey(spoke("Rule Chapter 67-21", "").Key())
	if first.Attempts != 1 {
		t.Errorf("expected a 404 to stop after 1 attempt, got %d", first.Attempts)
	}
}

func TestFetchTextUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, rulePage)
	}))
	defer srv.Close()

	f := NewFetcher(openTestDB(t), newClassifier(t), Options{Cache: cache.NewLRU(4)})
	for i := 0; i < 2; i++ {
		text, _, err := f.fetchText(context.Background(), srv.URL)
		if err != nil {
			t.Fatalf("fetchText: %v", err)
		}
		if !strings.Contains(text, "Section 42") {
			t.Errorf("unexpected text: %q", text)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 request, got %d", hits.Load())
	}
}

func TestSlug(t *testing.T) {
	k := universe.Key{ReferenceType: legal.FederalStatute, Jurisdiction: "Federal", TitleOrChapter: "26 U.S.C.", Section: "42"}
	if got := slug(k); got != "federal-statute-federal-26-u-s-c-42" {
		t.Errorf("unexpected slug %q", got)
	}
}

func TestRecordAttemptFailureIsLogged(t *testing.T) {
	db := openTestDB(t)
	f := NewFetcher(db, newClassifier(t), Options{})

	var buf bytes.Buffer
	log.SetOutput(&buf)
	t.Cleanup(func() { log.SetOutput(os.Stderr) })

	f.recordAttempt(database.Regulation{ID: 404, ExternalRegulation: spoke("Rule Chapter 67-99", "")}, 1, fmt.Errorf("timeout"))
	if !strings.Contains(buf.String(), "Warning: could not record fetch attempt") {
		t.Errorf("expected a warning for an unknown regulation, got %q", buf.String())
	}
}
