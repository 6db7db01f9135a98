// Package fetch moves external regulations through their lifecycle:
// pending spokes are downloaded, classified for nested citations, and
// ingested into the corpus.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/TobiSchelling/qapintel/internal/cache"
	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/database"
	"github.com/TobiSchelling/qapintel/internal/ingest"
	"github.com/TobiSchelling/qapintel/internal/retry"
	"github.com/TobiSchelling/qapintel/internal/source"
	"github.com/TobiSchelling/qapintel/internal/universe"
)

const userAgent = "qapintel/1.0 (regulation fetcher)"

// minTextLength is the shortest extracted text accepted as a regulation body.
const minTextLength = 100

// Result holds the results of a lifecycle run.
type Result struct {
	Fetched    int
	Processed  int
	Integrated int
	Failed     int
	Skipped    int
}

// Options configure a Fetcher.
type Options struct {
	Timeout time.Duration
	Policy  retry.Policy
	// Cache holds extracted text by URL. Nil disables caching.
	Cache cache.Cache
	// Pipeline ingests processed regulations. Nil stops at processed.
	Pipeline *ingest.Pipeline
	// ChunkChars bounds the size of chunks cut from fetched text.
	ChunkChars int
}

// Fetcher drives pending regulations to integrated.
type Fetcher struct {
	db         *database.DB
	classifier *citation.Classifier
	client     *http.Client
	opts       Options
	now        func() time.Time
}

// NewFetcher creates a fetcher.
func NewFetcher(db *database.DB, classifier *citation.Classifier, opts Options) *Fetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 15 * time.Second
	}
	return &Fetcher{
		db:         db,
		classifier: classifier,
		opts:       opts,
		now:        time.Now,
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Run fetches up to limit pending regulations, then advances every fetched
// and processed regulation as far as the configuration allows. Per-regulation
// failures are recorded on the regulation and counted, not returned.
func (f *Fetcher) Run(ctx context.Context, limit int) (*Result, error) {
	result := &Result{}

	pending, err := f.db.ListRegulations(universe.StatusPending, limit)
	if err != nil {
		return result, fmt.Errorf("listing pending regulations: %w", err)
	}
	if len(pending) == 0 {
		log.Println("No regulations pending fetch")
	}

	failedDomains := make(map[string]struct{})
	for _, reg := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		f.fetchOne(ctx, reg, failedDomains, result)
	}

	fetched, err := f.db.ListRegulations(universe.StatusFetched, 0)
	if err != nil {
		return result, fmt.Errorf("listing fetched regulations: %w", err)
	}
	for _, reg := range fetched {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := f.process(reg); err != nil {
			log.Printf("Error processing %s: %v", reg.Key(), err)
			continue
		}
		result.Processed++
	}

	if f.opts.Pipeline != nil {
		processed, err := f.db.ListRegulations(universe.StatusProcessed, 0)
		if err != nil {
			return result, fmt.Errorf("listing processed regulations: %w", err)
		}
		for _, reg := range processed {
			if err := ctx.Err(); err != nil {
				return result, err
			}
			if err := f.integrate(ctx, reg); err != nil {
				log.Printf("Error integrating %s: %v", reg.Key(), err)
				continue
			}
			result.Integrated++
		}
	}

	log.Printf("Regulation fetch complete: %d fetched, %d processed, %d integrated, %d failed, %d skipped",
		result.Fetched, result.Processed, result.Integrated, result.Failed, result.Skipped)
	return result, nil
}

func (f *Fetcher) fetchOne(ctx context.Context, reg database.Regulation, failedDomains map[string]struct{}, result *Result) {
	u, err := url.Parse(reg.SourceLocator)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		result.Skipped++
		return
	}
	domain := strings.ToLower(u.Host)

	if _, failed := failedDomains[domain]; failed {
		f.recordAttempt(reg, 0, fmt.Errorf("skipped: %s failed earlier in this run", domain))
		result.Failed++
		return
	}

	text, attempts, err := f.fetchText(ctx, reg.SourceLocator)
	if err != nil {
		f.recordAttempt(reg, attempts, err)
		result.Failed++
		failedDomains[domain] = struct{}{}
		log.Printf("Fetch failed for %s after %d attempts, left pending: %v", reg.SourceLocator, attempts, err)
		return
	}

	if err := f.db.SetRegulationContent(reg.ID, text); err != nil {
		log.Printf("Error storing content for %s: %v", reg.Key(), err)
		result.Failed++
		return
	}
	f.recordAttempt(reg, attempts, nil)
	if err := f.db.AdvanceRegulation(reg.ID, universe.StatusPending, universe.StatusFetched); err != nil {
		log.Printf("Error advancing %s: %v", reg.Key(), err)
		result.Failed++
		return
	}
	result.Fetched++
	log.Printf("Fetched %s", reg.Key())
}

// fetchText downloads and extracts a page, consulting the cache first. It
// returns the number of HTTP attempts made.
// recordAttempt stores the attempt count and last error of a regulation. A
// failure to record is logged; the regulation keeps its status either way.
func (f *Fetcher) recordAttempt(reg database.Regulation, attempts int, fetchErr error) {
	if err := f.db.RecordFetchAttempt(reg.ID, attempts, fetchErr); err != nil {
		log.Printf("Warning: could not record fetch attempt for %s: %v", reg.Key(), err)
	}
}

func (f *Fetcher) fetchText(ctx context.Context, pageURL string) (string, int, error) {
	key := "fetch:" + pageURL
	if f.opts.Cache != nil {
		if b, ok, err := f.opts.Cache.Get(ctx, key); err == nil && ok {
			return string(b), 0, nil
		}
	}

	var text string
	attempts, err := f.opts.Policy.Do(ctx, func(ctx context.Context) error {
		var err error
		text, err = f.download(ctx, pageURL)
		return err
	})
	if err != nil {
		return "", attempts, err
	}

	if f.opts.Cache != nil {
		if err := f.opts.Cache.Set(ctx, key, []byte(text)); err != nil {
			log.Printf("Warning: caching %s: %v", pageURL, err)
		}
	}
	return text, attempts, nil
}

func (f *Fetcher) download(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		herr := &httpError{code: resp.StatusCode}
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return "", retry.Permanent(herr)
		}
		return "", herr
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	var text string
	if isHTML(resp.Header.Get("Content-Type"), body) {
		parsedURL, _ := url.Parse(pageURL)
		text, err = source.ExtractHTML(bytes.NewReader(body), parsedURL)
		if err != nil {
			return "", retry.Permanent(err)
		}
	} else {
		text = strings.TrimSpace(string(body))
	}

	if len(text) < minTextLength {
		return "", retry.Permanent(fmt.Errorf("no extractable content (%d chars)", len(text)))
	}
	return text, nil
}

func isHTML(contentType string, body []byte) bool {
	if strings.Contains(contentType, "html") {
		return true
	}
	if contentType != "" {
		return false
	}
	return bytes.Contains(bytes.ToLower(body[:min(len(body), 512)]), []byte("<html"))
}

// process classifies fetched text and records how many citations it holds.
func (f *Fetcher) process(reg database.Regulation) error {
	if reg.Content == nil {
		return fmt.Errorf("no content stored")
	}
	refs := f.classifier.ClassifySection(slug(reg.Key()), *reg.Content, reg.Jurisdiction)
	if err := f.db.SetNestedReferenceCount(reg.ID, len(refs)); err != nil {
		return err
	}
	if err := f.db.AdvanceRegulation(reg.ID, universe.StatusFetched, universe.StatusProcessed); err != nil {
		return err
	}
	log.Printf("Processed %s: %d nested references", reg.Key(), len(refs))
	return nil
}

// integrate ingests processed text into the corpus.
func (f *Fetcher) integrate(ctx context.Context, reg database.Regulation) error {
	if reg.Content == nil {
		return fmt.Errorf("no content stored")
	}
	id := slug(reg.Key())
	title := strings.TrimSpace(reg.TitleOrChapter + " " + reg.Section)
	chunks := source.SplitChunks(id, title, *reg.Content, f.opts.ChunkChars)
	version := "fetched-" + f.now().UTC().Format("2006-01-02")
	if _, err := f.opts.Pipeline.Ingest(ctx, chunks, reg.Jurisdiction, version); err != nil {
		return err
	}
	return f.db.AdvanceRegulation(reg.ID, universe.StatusProcessed, universe.StatusIntegrated)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slug turns an identity key into a chunk id prefix.
func slug(k universe.Key) string {
	s := strings.ToLower(string(k.ReferenceType) + " " + k.Jurisdiction + " " + k.TitleOrChapter + " " + k.Section)
	return strings.Trim(nonSlug.ReplaceAllString(s, "-"), "-")
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
}
