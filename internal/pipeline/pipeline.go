// Package pipeline wires the configured components together and runs the
// map, persist, ingest, fetch, and benchmark stages in order.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TobiSchelling/qapintel/internal/bench"
	"github.com/TobiSchelling/qapintel/internal/cache"
	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/config"
	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/embed"
	"github.com/TobiSchelling/qapintel/internal/fetch"
	"github.com/TobiSchelling/qapintel/internal/ingest"
	"github.com/TobiSchelling/qapintel/internal/report"
	"github.com/TobiSchelling/qapintel/internal/universe"
	"github.com/TobiSchelling/qapintel/internal/watch"
)

// ErrIngestionInProgress is returned when a corpus still has a running
// ingestion, so benchmarking it would see partial batches.
var ErrIngestionInProgress = errors.New("ingestion still running")

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
	Err     error
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps      []StepResult
	Universes  []*universe.Universe
	Comparison *bench.ComparisonReport
	Reports    []string
}

// Failed reports whether any step failed.
func (r *Result) Failed() bool {
	for _, s := range r.Steps {
		if s.Err != nil {
			return true
		}
	}
	return false
}

// ChunkSet is one document's segmented chunks.
type ChunkSet struct {
	DocumentID   string
	Jurisdiction string
	Version      string
	Chunks       []ingest.RawChunk
}

// Input selects what a run processes.
type Input struct {
	Documents []universe.Document
	Chunks    []ChunkSet
	// Fetch retrieves pending external regulations into the candidate corpus.
	Fetch bool
	// SkipBenchmark stops after ingestion.
	SkipBenchmark bool
}

// Pipeline holds the components built from configuration.
type Pipeline struct {
	cfg        *config.Config
	db         *database.DB
	classifier *citation.Classifier
	mapper     *universe.Mapper
	embedder   embed.Embedder
	reports    *report.Writer
	stores     map[string]corpus.Store
	closers    []func()
	newID      func() string
}

// New validates the configuration and builds every component. Configuration
// problems are returned here and nowhere later.
func New(ctx context.Context, cfg *config.Config, db *database.DB) (*Pipeline, error) {
	reg, err := citation.LoadRegistry(cfg.Patterns...)
	if err != nil {
		return nil, fmt.Errorf("loading citation patterns: %w", err)
	}
	if err := cfg.Validate(reg.Has); err != nil {
		return nil, err
	}
	authority, err := cfg.AuthorityModel()
	if err != nil {
		return nil, err
	}
	classifier := citation.NewClassifier(reg, authority)

	p := &Pipeline{
		cfg:        cfg,
		db:         db,
		classifier: classifier,
		mapper:     universe.NewMapper(classifier, cfg.MapperConfig()),
		stores:     make(map[string]corpus.Store),
		newID:      uuid.NewString,
	}

	p.embedder, err = p.newEmbedder(ctx)
	if err != nil {
		return nil, err
	}

	storage, err := report.NewStorage(ctx, storageConfig(cfg))
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("opening report storage: %w", err)
	}
	p.reports = report.NewWriter(storage)
	return p, nil
}

func (p *Pipeline) newEmbedder(ctx context.Context) (embed.Embedder, error) {
	ec := p.cfg.Embedding
	var apiKey string
	if ec.APIKeyEnv != "" {
		apiKey = os.Getenv(ec.APIKeyEnv)
	}
	e, err := embed.New(ctx, embed.Options{
		Provider:   ec.Provider,
		Model:      ec.Model,
		BaseURL:    ec.URL,
		APIKey:     apiKey,
		Dimensions: ec.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	if c, ok := e.(interface{ Close() error }); ok {
		p.closers = append(p.closers, func() { c.Close() })
	}

	provider := strings.ToLower(ec.Provider)
	if provider == "" || provider == "hash" {
		return e, nil
	}
	c := cache.NewTiered(cache.NewLRU(ec.CacheSize), cache.NewPersistent(p.db, "embedding"))
	return embed.WithCache(embed.WithRetry(e, p.cfg.RetryPolicy()), c, provider+":"+ec.Model), nil
}

func storageConfig(cfg *config.Config) report.StorageConfig {
	return report.StorageConfig{
		Type:      report.StorageType(cfg.Reports.Storage),
		LocalPath: cfg.ReportsDir(),
		Bucket:    cfg.Reports.Bucket,
		Region:    cfg.Reports.Region,
		Prefix:    cfg.Reports.Prefix,
		Endpoint:  cfg.Reports.Endpoint,
		AccessKey: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
	}
}

// Close releases embedder clients and database pools.
func (p *Pipeline) Close() {
	for _, c := range p.closers {
		c()
	}
	p.closers = nil
}

// Classifier returns the citation classifier.
func (p *Pipeline) Classifier() *citation.Classifier { return p.classifier }

// Mapper returns the universe mapper.
func (p *Pipeline) Mapper() *universe.Mapper { return p.mapper }

// Reports returns the report writer.
func (p *Pipeline) Reports() *report.Writer { return p.reports }

// Store opens the named corpus on the configured backend.
func (p *Pipeline) Store(ctx context.Context, name string) (corpus.Store, error) {
	if s, ok := p.stores[name]; ok {
		return s, nil
	}
	var s corpus.Store
	switch p.cfg.Corpus.Backend {
	case "postgres":
		url := os.Getenv(p.cfg.Corpus.PostgresURLEnv)
		if url == "" {
			return nil, fmt.Errorf("%s is not set", p.cfg.Corpus.PostgresURLEnv)
		}
		pg, err := corpus.OpenPGStore(ctx, url, name, p.embedder)
		if err != nil {
			return nil, err
		}
		p.closers = append(p.closers, pg.Close)
		s = pg
	default:
		s = corpus.NewSQLiteStore(p.db, name, p.embedder)
	}
	p.stores[name] = s
	return s, nil
}

// Ingester returns an ingestion pipeline writing to the named corpus.
func (p *Pipeline) Ingester(ctx context.Context, name string) (*ingest.Pipeline, error) {
	store, err := p.Store(ctx, name)
	if err != nil {
		return nil, err
	}
	return ingest.NewPipeline(p.classifier, store, p.db, p.cfg.Ingest.BatchSize), nil
}

// Validate checks a freshly ingested jurisdiction in the named corpus.
func (p *Pipeline) Validate(ctx context.Context, name, jurisdiction string) (ingest.ValidationReport, error) {
	store, err := p.Store(ctx, name)
	if err != nil {
		return ingest.ValidationReport{}, err
	}
	return ingest.Validate(ctx, store, jurisdiction, ingest.ValidationConfig{
		Queries:       p.cfg.Ingest.ValidationQueries,
		Limit:         p.cfg.Ingest.ValidationLimit,
		SlowThreshold: time.Duration(p.cfg.Ingest.SlowThresholdMS) * time.Millisecond,
	}), nil
}

// Fetcher returns a spoke fetcher that integrates into the candidate corpus.
func (p *Pipeline) Fetcher(ctx context.Context) (*fetch.Fetcher, error) {
	ing, err := p.Ingester(ctx, p.cfg.Benchmark.Candidate)
	if err != nil {
		return nil, err
	}
	return fetch.NewFetcher(p.db, p.classifier, fetch.Options{
		Timeout:    time.Duration(p.cfg.Fetch.TimeoutSeconds) * time.Second,
		Policy:     p.cfg.RetryPolicy(),
		Cache:      cache.NewPersistent(p.db, "fetch"),
		Pipeline:   ing,
		ChunkChars: p.cfg.Ingest.ChunkChars,
	}), nil
}

// Watcher returns an update watcher over the configured feeds.
func (p *Pipeline) Watcher() *watch.Watcher {
	feeds := make([]watch.Feed, 0, len(p.cfg.Watch.Feeds))
	for _, f := range p.cfg.Watch.Feeds {
		feeds = append(feeds, watch.Feed{URL: f.URL, Name: f.Name, Jurisdiction: f.Jurisdiction})
	}
	return watch.NewWatcher(p.db, p.mapper, feeds)
}

// Run executes every stage. A failed mapping stops the run; later stages
// report their own errors without hiding the others.
func (p *Pipeline) Run(ctx context.Context, in Input) *Result {
	r := &Result{}
	total := 4
	if in.Fetch {
		total++
	}
	n := 0
	next := func(name string) {
		n++
		log.Printf("Step %d/%d: %s...", n, total, name)
	}

	next("Mapping regulatory universes")
	step := p.runMap(ctx, in.Documents, r)
	r.Steps = append(r.Steps, step)
	if step.Err != nil {
		return r
	}

	next("Storing universes and reports")
	r.Steps = append(r.Steps, p.runPersist(ctx, r))

	next("Ingesting chunks")
	r.Steps = append(r.Steps, p.runIngest(ctx, in.Chunks))

	if in.Fetch {
		next("Fetching external regulations")
		r.Steps = append(r.Steps, p.runFetch(ctx))
	}

	next("Benchmarking corpora")
	if in.SkipBenchmark {
		r.Steps = append(r.Steps, StepResult{Name: "Benchmark", Summary: "Skipped"})
		return r
	}
	r.Steps = append(r.Steps, p.runBenchmark(ctx, commonJurisdiction(in), r))
	return r
}

// DryRun shows what would be done without executing.
func (p *Pipeline) DryRun(in Input) *Result {
	r := &Result{}

	sections := 0
	for _, d := range in.Documents {
		sections += len(d.Sections)
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Map",
		Summary: fmt.Sprintf("[dry-run] Would map %d documents (%d sections)", len(in.Documents), sections),
	})

	chunks := 0
	for _, cs := range in.Chunks {
		chunks += len(cs.Chunks)
	}
	r.Steps = append(r.Steps, StepResult{
		Name:    "Ingest",
		Summary: fmt.Sprintf("[dry-run] Would ingest %d chunks into %s", chunks, p.cfg.Ingest.Corpus),
	})

	if in.Fetch {
		counts, _ := p.db.RegulationStatusCounts()
		r.Steps = append(r.Steps, StepResult{
			Name:    "Fetch",
			Summary: fmt.Sprintf("[dry-run] %d external regulations pending", counts[universe.StatusPending]),
		})
	}

	if !in.SkipBenchmark {
		r.Steps = append(r.Steps, StepResult{
			Name: "Benchmark",
			Summary: fmt.Sprintf("[dry-run] Would compare %s and %s on %d queries",
				p.cfg.Benchmark.Baseline, p.cfg.Benchmark.Candidate, len(p.cfg.Benchmark.Queries)),
		})
	}
	return r
}

func (p *Pipeline) runMap(ctx context.Context, docs []universe.Document, r *Result) StepResult {
	universes, err := p.mapper.MapAll(ctx, docs, p.cfg.Mapping.Workers)
	if err != nil {
		return StepResult{Name: "Map", Err: err}
	}
	r.Universes = universes
	spokes := 0
	for _, u := range universes {
		spokes += u.SpokeCount()
	}
	return StepResult{
		Name:    "Map",
		Summary: fmt.Sprintf("Mapped %d documents to %d external regulations", len(universes), spokes),
	}
}

func (p *Pipeline) runPersist(ctx context.Context, r *Result) StepResult {
	var errs []error
	for _, u := range r.Universes {
		written, err := p.StoreUniverse(ctx, u)
		r.Reports = append(r.Reports, written...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return StepResult{
		Name:    "Persist",
		Summary: fmt.Sprintf("Stored %d universes, wrote %d report files", len(r.Universes), len(r.Reports)),
		Err:     errors.Join(errs...),
	}
}

// StoreUniverse saves the universe snapshot, merges its spokes into the
// tracked regulations, and writes its reports.
func (p *Pipeline) StoreUniverse(ctx context.Context, u *universe.Universe) ([]string, error) {
	if err := p.db.InsertUniverse(u); err != nil {
		return nil, fmt.Errorf("storing universe %s: %w", u.RunID, err)
	}
	if err := p.db.UpsertRegulations(u.RunID, u.SpokeReferences); err != nil {
		return nil, fmt.Errorf("tracking regulations for %s: %w", u.RunID, err)
	}
	written, err := p.reports.WriteUniverse(ctx, universe.NewReport(u, p.cfg.Mapping.HighestAuthorityExamples, p.classifier.Authority()))
	if err != nil {
		return written, fmt.Errorf("writing universe report %s: %w", u.RunID, err)
	}
	return written, nil
}

func (p *Pipeline) runIngest(ctx context.Context, sets []ChunkSet) StepResult {
	if len(sets) == 0 {
		return StepResult{Name: "Ingest", Summary: "No chunks supplied"}
	}
	name := p.cfg.Ingest.Corpus
	ing, err := p.Ingester(ctx, name)
	if err != nil {
		return StepResult{Name: "Ingest", Err: err}
	}

	var (
		errs      []error
		committed int
		total     int
		statuses  []string
	)
	for _, cs := range sets {
		total += len(cs.Chunks)
		chunks, err := ing.Ingest(ctx, cs.Chunks, cs.Jurisdiction, cs.Version)
		var be *ingest.BatchError
		switch {
		case errors.As(err, &be):
			committed += be.Committed
			log.Printf("Ingestion of %s stopped after %d/%d chunks: %v", cs.DocumentID, be.Committed, be.Total, be.Err)
			errs = append(errs, fmt.Errorf("%s: %w", cs.DocumentID, err))
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", cs.DocumentID, err))
			continue
		}
		committed += len(chunks)

		v, err := p.Validate(ctx, name, cs.Jurisdiction)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		statuses = append(statuses, fmt.Sprintf("%s=%s", strings.ToUpper(cs.Jurisdiction), v.IntegrationStatus))
	}

	summary := fmt.Sprintf("Ingested %d/%d chunks into %s", committed, total, name)
	if len(statuses) > 0 {
		summary += "; validation " + strings.Join(statuses, ", ")
	}
	return StepResult{Name: "Ingest", Summary: summary, Err: errors.Join(errs...)}
}

func (p *Pipeline) runFetch(ctx context.Context) StepResult {
	f, err := p.Fetcher(ctx)
	if err != nil {
		return StepResult{Name: "Fetch", Err: err}
	}
	res, err := f.Run(ctx, p.cfg.Fetch.Limit)
	if err != nil {
		return StepResult{Name: "Fetch", Err: err}
	}
	return StepResult{
		Name: "Fetch",
		Summary: fmt.Sprintf("Fetched %d, processed %d, integrated %d, %d failed, %d skipped",
			res.Fetched, res.Processed, res.Integrated, res.Failed, res.Skipped),
	}
}

func (p *Pipeline) runBenchmark(ctx context.Context, jurisdiction string, r *Result) StepResult {
	cmp, written, err := p.Benchmark(ctx, p.cfg.Benchmark.Baseline, p.cfg.Benchmark.Candidate, p.cfg.Benchmark.Queries, jurisdiction)
	r.Reports = append(r.Reports, written...)
	if err != nil {
		return StepResult{Name: "Benchmark", Err: err}
	}
	r.Comparison = cmp
	return StepResult{
		Name: "Benchmark",
		Summary: fmt.Sprintf("%d queries: winner %s (baseline %d, candidate %d, ties %d), %s",
			cmp.Queries, cmp.OverallWinner, cmp.Baseline.Wins, cmp.Candidate.Wins, cmp.Ties, cmp.Significance),
	}
}

// EnsureIngestionComplete fails when any named corpus has a running
// ingestion.
func (p *Pipeline) EnsureIngestionComplete(corpora ...string) error {
	for _, name := range corpora {
		n, err := p.db.RunningIngestions(name)
		if err != nil {
			return fmt.Errorf("checking ingestion runs for %s: %w", name, err)
		}
		if n > 0 {
			return fmt.Errorf("%s: %w (%d runs)", name, ErrIngestionInProgress, n)
		}
	}
	return nil
}

// Benchmark compares two corpora, stores the comparison, and writes its
// reports. It refuses to run while either corpus is still being ingested.
func (p *Pipeline) Benchmark(ctx context.Context, baseline, candidate string, queries []string, jurisdiction string) (*bench.ComparisonReport, []string, error) {
	if len(queries) == 0 {
		return nil, nil, errors.New("no benchmark queries configured")
	}
	if err := p.EnsureIngestionComplete(baseline, candidate); err != nil {
		return nil, nil, err
	}

	b, err := p.target(ctx, baseline)
	if err != nil {
		return nil, nil, err
	}
	c, err := p.target(ctx, candidate)
	if err != nil {
		return nil, nil, err
	}

	h := &bench.Harness{
		Iterations:   p.cfg.Benchmark.Iterations,
		Limit:        p.cfg.Benchmark.Limit,
		Jurisdiction: jurisdiction,
		Parallelism:  p.cfg.Benchmark.Parallelism,
	}
	results, err := h.RunABTest(ctx, queries, b, c)
	if err != nil {
		return nil, nil, err
	}
	cmp := bench.Summarize(results)
	cmp.RunID = p.newID()

	data, err := json.Marshal(cmp)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding comparison: %w", err)
	}
	err = p.db.InsertBenchmarkRun(database.BenchmarkRun{
		RunID:         cmp.RunID,
		Baseline:      baseline,
		Candidate:     candidate,
		Iterations:    h.Iterations,
		OverallWinner: string(cmp.OverallWinner),
		Significance:  string(cmp.Significance),
		ReportJSON:    string(data),
	})
	if err != nil {
		return &cmp, nil, fmt.Errorf("storing benchmark run: %w", err)
	}

	written, err := p.reports.WriteBenchmark(ctx, cmp)
	if err != nil {
		return &cmp, written, fmt.Errorf("writing benchmark report: %w", err)
	}
	return &cmp, written, nil
}

func (p *Pipeline) target(ctx context.Context, name string) (bench.Target, error) {
	s, err := p.Store(ctx, name)
	if err != nil {
		return bench.Target{}, err
	}
	enriched, err := bench.DetectEnriched(ctx, s)
	if err != nil {
		log.Printf("Warning: could not inspect %s for enrichment: %v", name, err)
	}
	return bench.Target{Store: s, Enriched: enriched}, nil
}

// commonJurisdiction returns the jurisdiction shared by every input, or ""
// when inputs span several.
func commonJurisdiction(in Input) string {
	var j string
	see := func(code string) bool {
		code = strings.ToUpper(strings.TrimSpace(code))
		if j == "" {
			j = code
		}
		return code == j
	}
	for _, d := range in.Documents {
		if !see(d.Jurisdiction) {
			return ""
		}
	}
	for _, cs := range in.Chunks {
		if !see(cs.Jurisdiction) {
			return ""
		}
	}
	return j
}
