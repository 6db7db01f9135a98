package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/TobiSchelling/qapintel/internal/corpus"
)

// Status is the overall outcome of a validation run.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusSuccessSlow Status = "success_slow"
	StatusFailed      Status = "failed"
	StatusError       Status = "error"
)

// DefaultValidationQueries exercise the sections most QAPs share.
var DefaultValidationQueries = []string{
	"compliance monitoring requirements",
	"income and rent restrictions",
	"application scoring criteria",
	"set-aside requirements",
	"Section 42 of the Internal Revenue Code",
}

// ValidationConfig controls Validate.
type ValidationConfig struct {
	Queries       []string
	Limit         int
	SlowThreshold time.Duration
	// Now is the clock used to time searches. Nil means time.Now.
	Now func() time.Time
}

// QueryCheck is the outcome of one validation query.
type QueryCheck struct {
	Query           string  `json:"query"`
	ResultCount     int     `json:"result_count"`
	LatencyMS       float64 `json:"latency_ms"`
	EnrichedResults int     `json:"enriched_results"`
	Error           string  `json:"error,omitempty"`
}

// ValidationReport summarizes how the corpus answered the validation queries.
type ValidationReport struct {
	Corpus            string       `json:"corpus"`
	Jurisdiction      string       `json:"jurisdiction"`
	Queries           []QueryCheck `json:"queries"`
	TotalResults      int          `json:"total_results"`
	AverageLatencyMS  float64      `json:"average_latency_ms"`
	EnrichedChunks    int          `json:"enriched_chunks"`
	IntegrationStatus Status       `json:"integration_status"`
}

// Validate runs the validation queries against store, filtered to
// jurisdiction. Search errors are recorded per query; the report status is
// error if any query failed, failed when nothing came back or no result
// carried an enrichment feature, success_slow above the slow threshold, and
// success otherwise.
func Validate(ctx context.Context, store corpus.Store, jurisdiction string, cfg ValidationConfig) ValidationReport {
	if len(cfg.Queries) == 0 {
		cfg.Queries = DefaultValidationQueries
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	jurisdiction = strings.ToUpper(strings.TrimSpace(jurisdiction))
	report := ValidationReport{Corpus: store.Name(), Jurisdiction: jurisdiction}
	var filters corpus.Filters
	if jurisdiction != "" {
		filters = corpus.Filters{"jurisdiction_code": jurisdiction}
	}

	enriched := map[string]bool{}
	var totalLatency float64
	errored := false
	for _, q := range cfg.Queries {
		start := now()
		results, err := store.Search(ctx, q, cfg.Limit, filters)
		check := QueryCheck{Query: q, LatencyMS: float64(now().Sub(start)) / float64(time.Millisecond)}
		if err != nil {
			check.Error = err.Error()
			errored = true
		}
		check.ResultCount = len(results)
		for _, r := range results {
			if corpus.EnrichmentFeatureCount(r.Metadata) > 0 {
				check.EnrichedResults++
				enriched[r.ChunkID] = true
			}
		}
		report.Queries = append(report.Queries, check)
		report.TotalResults += check.ResultCount
		totalLatency += check.LatencyMS
	}
	report.AverageLatencyMS = totalLatency / float64(len(cfg.Queries))
	report.EnrichedChunks = len(enriched)

	switch {
	case errored:
		report.IntegrationStatus = StatusError
	case report.TotalResults == 0 || report.EnrichedChunks == 0:
		report.IntegrationStatus = StatusFailed
	case report.AverageLatencyMS > float64(cfg.SlowThreshold)/float64(time.Millisecond):
		report.IntegrationStatus = StatusSuccessSlow
	default:
		report.IntegrationStatus = StatusSuccess
	}
	return report
}
