// Package bench compares search quality between two corpora. Each query is
// run against both sides, scored on relevance, coverage, metadata and
// jurisdiction, graded on speed, result count and enrichment, and summarized
// into a comparison report.
package bench

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/qapintel/internal/corpus"
)

// Winner names the side with the higher score.
type Winner string

const (
	WinnerBaseline  Winner = "baseline"
	WinnerCandidate Winner = "candidate"
	WinnerTie       Winner = "tie"
)

// Result statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Target is one side of a comparison.
type Target struct {
	Store corpus.Store
	// Enriched selects the enriched weight set.
	Enriched bool
}

// DetectEnriched reports whether a store holds any enriched documents.
func DetectEnriched(ctx context.Context, s corpus.Store) (bool, error) {
	st, err := s.GetStats(ctx)
	if err != nil {
		return false, err
	}
	return st.EnrichedDocuments > 0, nil
}

// Metrics are one side's averages over the iterations of a query.
type Metrics struct {
	Corpus               string         `json:"corpus"`
	Status               string         `json:"status"`
	Error                string         `json:"error,omitempty"`
	ResultCount          float64        `json:"result_count"`
	LatencyMS            float64        `json:"latency_ms"`
	AverageRelevance     float64        `json:"average_relevance"`
	JurisdictionMatches  float64        `json:"jurisdiction_matches"`
	EnrichmentFeatures   float64        `json:"enrichment_features"`
	Coverage             float64        `json:"coverage"`
	MetadataCompleteness float64        `json:"metadata_completeness"`
	QualityScore         float64        `json:"quality_score"`
	Grade                GradeBreakdown `json:"grade"`
}

// Result compares both sides on one query. ScoreDelta is candidate minus
// baseline.
type Result struct {
	Query      string  `json:"query"`
	Baseline   Metrics `json:"baseline_metrics"`
	Candidate  Metrics `json:"candidate_metrics"`
	Winner     Winner  `json:"winner"`
	ScoreDelta float64 `json:"score_delta"`
	Grade      string  `json:"grade"`
}

// Harness runs A/B comparisons.
type Harness struct {
	// Iterations per query and side; defaults to 3.
	Iterations int
	// Limit is the number of results requested per search.
	Limit int
	// Jurisdiction filters searches and scores jurisdiction matches.
	Jurisdiction string
	// Parallelism bounds concurrent queries; values below 2 run sequentially.
	Parallelism int
	// Now times searches. Nil means time.Now.
	Now func() time.Time
}

func (h *Harness) defaults() (iterations, limit int, now func() time.Time) {
	iterations, limit, now = h.Iterations, h.Limit, h.Now
	if iterations <= 0 {
		iterations = 3
	}
	if limit <= 0 {
		limit = 20
	}
	if now == nil {
		now = time.Now
	}
	return iterations, limit, now
}

// RunABTest executes every query against both targets. A failing search
// marks that side of that query as status error; the remaining queries still
// run. Only context cancellation aborts the run.
func (h *Harness) RunABTest(ctx context.Context, queries []string, baseline, candidate Target) ([]Result, error) {
	results := make([]Result, len(queries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(h.Parallelism, 1))
	for i, q := range queries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b := h.measureSide(gctx, q, baseline)
			c := h.measureSide(gctx, q, candidate)
			results[i] = compare(q, b, c)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("benchmark cancelled: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("benchmark cancelled: %w", err)
	}
	return results, nil
}

func (h *Harness) measureSide(ctx context.Context, query string, t Target) Metrics {
	iterations, limit, now := h.defaults()
	m := Metrics{Corpus: t.Store.Name(), Status: StatusOK}

	weights := PlainWeights
	if t.Enriched {
		weights = EnrichedWeights
	}
	var filters corpus.Filters
	if h.Jurisdiction != "" {
		filters = corpus.Filters{"jurisdiction_code": h.Jurisdiction}
	}

	for i := 0; i < iterations; i++ {
		start := now()
		res, err := t.Store.Search(ctx, query, limit, filters)
		elapsed := now().Sub(start)
		if err != nil {
			log.Printf("Warning: %s search for %q failed: %v", m.Corpus, query, err)
			return Metrics{Corpus: m.Corpus, Status: StatusError, Error: err.Error(), Grade: FailedGrade()}
		}

		c := measure(query, h.Jurisdiction, res)
		m.ResultCount += float64(len(res))
		m.LatencyMS += float64(elapsed) / float64(time.Millisecond)
		m.AverageRelevance += c.relevance
		m.JurisdictionMatches += float64(c.matches)
		m.EnrichmentFeatures += float64(c.features)
		m.Coverage += c.coverage
		m.MetadataCompleteness += c.metadata
		m.QualityScore += c.score(weights)
	}

	n := float64(iterations)
	m.ResultCount /= n
	m.LatencyMS /= n
	m.AverageRelevance /= n
	m.JurisdictionMatches /= n
	m.EnrichmentFeatures /= n
	m.Coverage /= n
	m.MetadataCompleteness /= n
	m.QualityScore /= n
	m.Grade = Grade(m.LatencyMS, m.ResultCount, m.EnrichmentFeatures)
	return m
}

func compare(query string, b, c Metrics) Result {
	r := Result{
		Query:      query,
		Baseline:   b,
		Candidate:  c,
		ScoreDelta: score(c) - score(b),
		Grade:      c.Grade.Letter,
	}
	switch {
	case r.ScoreDelta > 0:
		r.Winner = WinnerCandidate
	case r.ScoreDelta < 0:
		r.Winner = WinnerBaseline
	default:
		r.Winner = WinnerTie
	}
	return r
}

// score is the composite used for winner selection; an errored side scores 0.
func score(m Metrics) float64 {
	if m.Status == StatusError {
		return 0
	}
	return m.QualityScore
}

// Swap exchanges the baseline and candidate sides of a result.
func (r Result) Swap() Result {
	s := Result{
		Query:      r.Query,
		Baseline:   r.Candidate,
		Candidate:  r.Baseline,
		ScoreDelta: -r.ScoreDelta,
		Grade:      r.Baseline.Grade.Letter,
	}
	switch r.Winner {
	case WinnerBaseline:
		s.Winner = WinnerCandidate
	case WinnerCandidate:
		s.Winner = WinnerBaseline
	default:
		s.Winner = WinnerTie
	}
	return s
}
