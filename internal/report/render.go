// Package report renders universe and benchmark reports as JSON, Markdown,
// and HTML, and writes them to local or S3 storage.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/TobiSchelling/qapintel/internal/bench"
	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

var md = goldmark.New(goldmark.WithExtensions(extension.Table))

var page = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 72rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.25rem 0.5rem; text-align: left; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// UniverseJSON returns the indented JSON form of a universe report.
func UniverseJSON(r universe.Report) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// BenchmarkJSON returns the indented JSON form of a comparison report.
func BenchmarkJSON(r bench.ComparisonReport) ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

// UniverseMarkdown renders a universe report for people.
func UniverseMarkdown(r universe.Report) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Regulatory universe: %s (%s)\n\n", r.SourceID, r.Jurisdiction)
	fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	fmt.Fprintf(&b, "- Created: %s\n", r.CreatedAt.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(&b, "- Hub references: %d\n", r.HubReferenceCount)
	fmt.Fprintf(&b, "- External regulations: %d\n", r.SpokeCount)
	fmt.Fprintf(&b, "- Estimated external pages: %d\n", r.TotalEstimatedExternalPages)
	if r.CoverageCompletenessPct != nil {
		fmt.Fprintf(&b, "- Coverage completeness: %.1f%% of %d expected\n", *r.CoverageCompletenessPct, r.ExpectedCount)
	} else {
		b.WriteString("- Coverage completeness: n/a (no calibrated count for this jurisdiction)\n")
	}

	b.WriteString("\n## By priority\n\n| Priority | Regulations |\n|---|---|\n")
	for _, p := range []int{universe.PriorityCritical, universe.PriorityImportant, universe.PriorityReference} {
		label := universe.PriorityLabel(p)
		fmt.Fprintf(&b, "| %s | %d |\n", label, r.PriorityCounts[label])
	}

	b.WriteString("\n## By category\n\n| Category | Regulations | Impact |\n|---|---|---|\n")
	for _, c := range legal.Categories {
		if n := r.CategoryCounts[c]; n > 0 {
			fmt.Fprintf(&b, "| %s | %d | %s |\n", c, n, cell(r.CategoryImpact[c]))
		}
	}

	if len(r.HighestAuthority) > 0 {
		b.WriteString("\n## Highest authority\n\n")
		for _, d := range r.HighestAuthority {
			fmt.Fprintf(&b, "- %s\n", d)
		}
	}

	if len(r.Spokes) > 0 {
		b.WriteString("\n## External regulations\n\n")
		b.WriteString("| # | Citation | Type | Jurisdiction | Priority | Pages | Status | Source |\n")
		b.WriteString("|---|---|---|---|---|---|---|---|\n")
		for i, s := range r.Spokes {
			fmt.Fprintf(&b, "| %d | %s | %s | %s | %s | %d | %s | %s |\n",
				i+1, cell(s.Description), s.ReferenceType, s.Jurisdiction,
				universe.PriorityLabel(s.Priority), s.EstimatedPages, s.Status, cell(s.SourceLocator))
		}
	}
	return b.String()
}

// BenchmarkMarkdown renders a comparison report for people.
func BenchmarkMarkdown(r bench.ComparisonReport) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Retrieval benchmark: %s vs %s\n\n", r.Baseline.Corpus, r.Candidate.Corpus)
	if r.RunID != "" {
		fmt.Fprintf(&b, "- Run: `%s`\n", r.RunID)
	}
	fmt.Fprintf(&b, "- Queries: %d\n", r.Queries)
	fmt.Fprintf(&b, "- Overall winner: **%s**\n", r.OverallWinner)
	fmt.Fprintf(&b, "- Wins: baseline %d, candidate %d, ties %d\n", r.Baseline.Wins, r.Candidate.Wins, r.Ties)
	fmt.Fprintf(&b, "- Average score delta: %+.2f\n", r.AverageScoreDelta)
	fmt.Fprintf(&b, "- Improvement rate: %.0f%%\n", r.ImprovementRate*100)
	fmt.Fprintf(&b, "- Significance: %s\n\n", r.Significance)
	fmt.Fprintf(&b, "> %s\n", r.SignificanceNote)

	b.WriteString("\n## Corpora\n\n")
	b.WriteString("| Side | Corpus | Wins | Errors | Avg score | Avg latency (ms) | Avg results | Enrichment |\n")
	b.WriteString("|---|---|---|---|---|---|---|---|\n")
	for _, side := range []struct {
		label string
		s     bench.SideSummary
	}{{"baseline", r.Baseline}, {"candidate", r.Candidate}} {
		fmt.Fprintf(&b, "| %s | %s | %d | %d | %.2f | %.1f | %.1f | %.2f |\n",
			side.label, cell(side.s.Corpus), side.s.Wins, side.s.Errors, side.s.AverageScore,
			side.s.AverageLatencyMS, side.s.AverageResults, side.s.EnrichmentFeatures)
	}

	if len(r.Results) > 0 {
		b.WriteString("\n## Queries\n\n")
		b.WriteString("| Query | Baseline | Candidate | Delta | Winner | Grade |\n")
		b.WriteString("|---|---|---|---|---|---|\n")
		for _, res := range r.Results {
			fmt.Fprintf(&b, "| %s | %s | %s | %+.2f | %s | %s |\n",
				cell(res.Query), score(res.Baseline), score(res.Candidate),
				res.ScoreDelta, res.Winner, res.Grade)
		}
	}
	return b.String()
}

// ToHTML converts Markdown into a standalone HTML page.
func ToHTML(title, markdown string) ([]byte, error) {
	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		return nil, fmt.Errorf("converting markdown: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{title, template.HTML(body.String())}) //nolint: gosec
	if err != nil {
		return nil, fmt.Errorf("rendering page: %w", err)
	}
	return out.Bytes(), nil
}

// MarkdownFragment converts Markdown to an HTML fragment, falling back to
// escaped text when conversion fails.
func MarkdownFragment(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

func score(m bench.Metrics) string {
	if m.Status == bench.StatusError {
		return "error"
	}
	return fmt.Sprintf("%.2f", m.QualityScore)
}

func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}

// Writer renders reports in every format and stores them.
type Writer struct {
	store Storage
}

// NewWriter creates a report writer.
func NewWriter(store Storage) *Writer {
	return &Writer{store: store}
}

// WriteUniverse stores universe-<run>.{json,md,html} and returns the
// locations written.
func (w *Writer) WriteUniverse(ctx context.Context, r universe.Report) ([]string, error) {
	data, err := UniverseJSON(r)
	if err != nil {
		return nil, fmt.Errorf("encoding universe report: %w", err)
	}
	title := fmt.Sprintf("Regulatory universe: %s", r.SourceID)
	return w.writeAll(ctx, "universe-"+r.RunID, title, data, UniverseMarkdown(r))
}

// WriteBenchmark stores benchmark-<run>.{json,md,html}.
func (w *Writer) WriteBenchmark(ctx context.Context, r bench.ComparisonReport) ([]string, error) {
	data, err := BenchmarkJSON(r)
	if err != nil {
		return nil, fmt.Errorf("encoding benchmark report: %w", err)
	}
	name := "benchmark"
	if r.RunID != "" {
		name += "-" + r.RunID
	}
	title := fmt.Sprintf("Retrieval benchmark: %s vs %s", r.Baseline.Corpus, r.Candidate.Corpus)
	return w.writeAll(ctx, name, title, data, BenchmarkMarkdown(r))
}

func (w *Writer) writeAll(ctx context.Context, base, title string, jsonData []byte, markdown string) ([]string, error) {
	html, err := ToHTML(title, markdown)
	if err != nil {
		return nil, err
	}
	files := []struct {
		name string
		data []byte
	}{
		{base + ".json", jsonData},
		{base + ".md", []byte(markdown)},
		{base + ".html", html},
	}

	var written []string
	for _, f := range files {
		loc, err := w.store.Put(ctx, f.name, f.data, contentType(f.name))
		if err != nil {
			return written, err
		}
		written = append(written, loc)
	}
	return written, nil
}
