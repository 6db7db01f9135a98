package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/ingest"
	"github.com/TobiSchelling/qapintel/internal/legal"
	"github.com/TobiSchelling/qapintel/internal/pipeline"
	"github.com/TobiSchelling/qapintel/internal/source"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

var (
	jurisdiction string
	docVersion   string
	corpusName   string
	asJSON       bool
)

// --- classify command ---

var classifyCmd = &cobra.Command{
	Use:   "classify [file]",
	Short: "Extract and classify the legal citations in a document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, db, err := openPipeline(cmd.Context())
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		text, err := source.LoadText(args[0])
		if err != nil {
			return err
		}
		refs := p.Classifier().Classify(text, jurisdiction)
		stats := citation.Summarize(refs, 5)
		if asJSON {
			return printJSON(struct {
				References []legal.LegalReference `json:"references"`
				Stats      citation.Stats         `json:"stats"`
			}{refs, stats})
		}

		if len(refs) == 0 {
			fmt.Println("No citations found.")
			return nil
		}
		for _, r := range refs {
			fmt.Printf("  [%s] %-20s %3d  %s\n", r.Role, r.Category, r.AuthorityLevel, r.CitationText)
		}
		fmt.Printf("\n%d citations: %d hub, %d spoke\n", stats.Total, stats.Hubs, stats.Spokes)
		byCat := make(map[string]int, len(stats.ByCategory))
		for c, n := range stats.ByCategory {
			byCat[string(c)] = n
		}
		printSorted(byCat, "  ")
		return nil
	},
}

// --- map command ---

var noStore bool

var mapCmd = &cobra.Command{
	Use:   "map [file...]",
	Short: "Map the regulatory universe of one or more documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		docs, err := loadDocuments(args, jurisdiction)
		if err != nil {
			return err
		}
		universes, err := p.Mapper().MapAll(ctx, docs, cfg.Mapping.Workers)
		if err != nil {
			return err
		}

		for _, u := range universes {
			if asJSON {
				if err := printJSON(universe.NewReport(u, cfg.Mapping.HighestAuthorityExamples, p.Classifier().Authority())); err != nil {
					return err
				}
			} else {
				printUniverse(u)
			}
			if noStore {
				continue
			}
			written, err := p.StoreUniverse(ctx, u)
			if err != nil {
				return err
			}
			if !asJSON {
				for _, w := range written {
					fmt.Printf("  Report: %s\n", w)
				}
			}
		}
		return nil
	},
}

func printUniverse(u *universe.Universe) {
	fmt.Printf("\n%s (%s)\n", u.SourceID, u.Jurisdiction)
	fmt.Printf("  Hub references: %d\n", u.HubReferenceCount)
	fmt.Printf("  External regulations: %d (from %d spoke citations)\n", u.SpokeCount(), u.RawSpokeCount)
	fmt.Printf("  Estimated external pages: %d\n", u.TotalEstimatedExternalPages)
	fmt.Printf("  Coverage completeness: %s\n", u.Completeness())
	for _, s := range u.SpokeReferences {
		fmt.Printf("    %-9s %-18s %s\n", universe.PriorityLabel(s.Priority), s.ReferenceType, s.Description)
	}
}

func loadDocuments(paths []string, jur string) ([]universe.Document, error) {
	if jur == "" {
		return nil, errors.New("--jurisdiction is required")
	}
	docs := make([]universe.Document, 0, len(paths))
	for _, path := range paths {
		d, err := source.LoadDocument(path, jur)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// --- ingest command ---

var ingestCmd = &cobra.Command{
	Use:   "ingest [chunks.json]",
	Short: "Enrich segmented chunks and add them to a corpus",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if jurisdiction == "" {
			return errors.New("--jurisdiction is required")
		}
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		raw, err := source.LoadChunks(args[0])
		if err != nil {
			return err
		}
		name := corpusOrDefault()
		ing, err := p.Ingester(ctx, name)
		if err != nil {
			return err
		}

		chunks, err := ing.Ingest(ctx, raw, jurisdiction, docVersion)
		var be *ingest.BatchError
		if errors.As(err, &be) {
			fmt.Printf("Ingestion stopped: %d of %d chunks committed before the failing batch.\n", be.Committed, be.Total)
			return err
		}
		if err != nil {
			return err
		}

		refs, entities := 0, 0
		for _, c := range chunks {
			refs += c.TotalReferences()
			entities += len(c.Entities)
		}
		fmt.Printf("Ingested %d chunks into %s (%d citations, %d entities)\n", len(chunks), name, refs, entities)

		report, err := p.Validate(ctx, name, jurisdiction)
		if err != nil {
			return err
		}
		printValidation(report)
		return nil
	},
}

// --- validate command ---

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run validation queries against a corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		report, err := p.Validate(ctx, corpusOrDefault(), jurisdiction)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(report)
		}
		printValidation(report)
		return nil
	},
}

func printValidation(r ingest.ValidationReport) {
	fmt.Printf("\nValidation of %s", r.Corpus)
	if r.Jurisdiction != "" {
		fmt.Printf(" (%s)", r.Jurisdiction)
	}
	fmt.Println()
	for _, q := range r.Queries {
		if q.Error != "" {
			fmt.Printf("  %-45s error: %s\n", q.Query, q.Error)
			continue
		}
		fmt.Printf("  %-45s %3d results, %3d enriched, %.1fms\n", q.Query, q.ResultCount, q.EnrichedResults, q.LatencyMS)
	}
	fmt.Printf("  Total results: %d\n", r.TotalResults)
	fmt.Printf("  Enriched chunks: %d\n", r.EnrichedChunks)
	fmt.Printf("  Average latency: %.1fms\n", r.AverageLatencyMS)
	fmt.Printf("  Status: %s\n", r.IntegrationStatus)
}

func corpusOrDefault() string {
	if corpusName != "" {
		return corpusName
	}
	return cfg.Ingest.Corpus
}

// --- bench command ---

var baselineName, candidateName string

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Compare retrieval quality of a baseline and a candidate corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		baseline, candidate := cfg.Benchmark.Baseline, cfg.Benchmark.Candidate
		if baselineName != "" {
			baseline = baselineName
		}
		if candidateName != "" {
			candidate = candidateName
		}

		cmp, written, err := p.Benchmark(ctx, baseline, candidate, cfg.Benchmark.Queries, strings.ToUpper(jurisdiction))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmp)
		}

		for _, r := range cmp.Results {
			fmt.Printf("  %-45s %7.2f %7.2f  %+7.2f  %s\n", r.Query, r.Baseline.QualityScore, r.Candidate.QualityScore, r.ScoreDelta, r.Winner)
		}
		fmt.Printf("\nWinner: %s (baseline %d, candidate %d, ties %d)\n", cmp.OverallWinner, cmp.Baseline.Wins, cmp.Candidate.Wins, cmp.Ties)
		fmt.Printf("Average delta: %+.2f, improvement rate %.0f%%, %s\n", cmp.AverageScoreDelta, cmp.ImprovementRate*100, cmp.Significance)
		fmt.Printf("Note: %s\n", cmp.SignificanceNote)
		for _, w := range written {
			fmt.Printf("Report: %s\n", w)
		}
		return nil
	},
}

// --- fetch command ---

var fetchLimit int

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Fetch pending external regulations and integrate them into the candidate corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		f, err := p.Fetcher(ctx)
		if err != nil {
			return err
		}
		limit := cfg.Fetch.Limit
		if fetchLimit > 0 {
			limit = fetchLimit
		}
		res, err := f.Run(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Println("Fetch complete:")
		fmt.Printf("  Fetched: %d\n", res.Fetched)
		fmt.Printf("  Processed: %d\n", res.Processed)
		fmt.Printf("  Integrated: %d\n", res.Integrated)
		fmt.Printf("  Failed (left pending): %d\n", res.Failed)
		fmt.Printf("  Skipped: %d\n", res.Skipped)
		return nil
	},
}

// --- watch command ---

var (
	watchDaysBack int
	watchDryRun   bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Check regulatory update feeds for changes to tracked regulations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		w := p.Watcher()
		w.DryRun = watchDryRun
		days := cfg.Watch.DaysBack
		if watchDaysBack > 0 {
			days = watchDaysBack
		}
		report, err := w.Check(ctx, days)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(report)
		}
		fmt.Printf("Checked %d feed entries, %d matched tracked regulations\n", report.Entries, len(report.Matches))
		for _, m := range report.Matches {
			state := "already pending"
			if m.Reset {
				state = "reset to pending"
			} else if watchDryRun && m.PriorStatus != string(universe.StatusPending) {
				state = "would reset"
			}
			fmt.Printf("  %s (%s): %s\n", m.Key, state, m.Entry.Title)
		}
		return nil
	},
}

// --- run command ---

var (
	runDocs      []string
	runChunks    []string
	runFetch     bool
	runSkipBench bool
	runDryRun    bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline: map -> persist -> ingest -> fetch -> benchmark",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		p, db, err := openPipeline(ctx)
		if err != nil {
			return err
		}
		defer db.Close()
		defer p.Close()

		in := pipeline.Input{Fetch: runFetch, SkipBenchmark: runSkipBench}
		if len(runDocs) > 0 {
			in.Documents, err = loadDocuments(runDocs, jurisdiction)
			if err != nil {
				return err
			}
		}
		for _, path := range runChunks {
			raw, err := source.LoadChunks(path)
			if err != nil {
				return err
			}
			in.Chunks = append(in.Chunks, pipeline.ChunkSet{
				DocumentID:   strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
				Jurisdiction: jurisdiction,
				Version:      docVersion,
				Chunks:       raw,
			})
		}

		var result *pipeline.Result
		if runDryRun {
			result = p.DryRun(in)
		} else {
			result = p.Run(ctx, in)
		}
		printSteps(result.Steps)

		if !runDryRun {
			for _, r := range result.Reports {
				fmt.Printf("Report: %s\n", r)
			}
			fmt.Println("\nPipeline complete! Run 'qapintel serve' to browse the results.")
		}
		if result.Failed() {
			return errors.New("one or more steps failed")
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{classifyCmd, mapCmd, ingestCmd, validateCmd, benchCmd, runCmd} {
		c.Flags().StringVarP(&jurisdiction, "jurisdiction", "j", "", "Jurisdiction code, e.g. FL")
	}
	for _, c := range []*cobra.Command{classifyCmd, mapCmd, validateCmd, benchCmd, watchCmd} {
		c.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	}
	for _, c := range []*cobra.Command{ingestCmd, runCmd} {
		c.Flags().StringVar(&docVersion, "doc-version", "", "Source document version, e.g. 2025")
	}
	for _, c := range []*cobra.Command{ingestCmd, validateCmd} {
		c.Flags().StringVar(&corpusName, "corpus", "", "Corpus name (default from config)")
	}

	mapCmd.Flags().BoolVar(&noStore, "no-store", false, "Print the universe without storing it")

	benchCmd.Flags().StringVar(&baselineName, "baseline", "", "Baseline corpus (default from config)")
	benchCmd.Flags().StringVar(&candidateName, "candidate", "", "Candidate corpus (default from config)")

	fetchCmd.Flags().IntVar(&fetchLimit, "limit", 0, "Maximum regulations to fetch")

	watchCmd.Flags().IntVar(&watchDaysBack, "days-back", 0, "Override lookback window (days)")
	watchCmd.Flags().BoolVar(&watchDryRun, "dry-run", false, "Report matches without resetting regulations")

	runCmd.Flags().StringSliceVar(&runDocs, "doc", nil, "Source document to map (repeatable)")
	runCmd.Flags().StringSliceVar(&runChunks, "chunks", nil, "Segmented chunk JSON to ingest (repeatable)")
	runCmd.Flags().BoolVar(&runFetch, "fetch", false, "Fetch pending external regulations")
	runCmd.Flags().BoolVar(&runSkipBench, "skip-bench", false, "Stop before benchmarking")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Show what would be done without executing")
}
