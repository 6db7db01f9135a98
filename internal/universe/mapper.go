package universe

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/qapintel/internal/citation"
	"github.com/TobiSchelling/qapintel/internal/legal"
)

// Config holds the calibration values for mapping.
type Config struct {
	ExpectedCounts     map[string]int
	DefaultExpected    int
	CriticalKeywords   []string
	ImportantKeywords  []string
	ContextWindow      int
	FallbackTitleWords int
	PageEstimates      map[legal.Category]int
	DefaultPages       int
}

// DefaultConfig returns the built-in calibration. Expected regulation counts
// per jurisdiction are configuration only, so no jurisdiction is known here.
func DefaultConfig() Config {
	return Config{
		DefaultExpected: 20,
		CriticalKeywords: []string{
			"compliance", "allocation", "monitoring", "scoring", "points",
			"eligib", "recapture", "set-aside", "income limit", "rent limit",
			"qualified basis", "extended use",
		},
		ImportantKeywords: []string{
			"application", "underwriting", "fee", "threshold", "deadline",
			"submission", "financing", "cost",
		},
		ContextWindow:      200,
		FallbackTitleWords: 4,
		PageEstimates: map[legal.Category]int{
			legal.StateAdminCode:    50,
			legal.FederalRegulation: 30,
			legal.FederalStatute:    20,
			legal.StateStatute:      15,
			legal.FederalPublicLaw:  15,
			legal.ExecutiveOrder:    5,
		},
		DefaultPages: 20,
	}
}

// Section is one identified piece of a document's text.
type Section struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Document is a mapping input.
type Document struct {
	ID           string
	Jurisdiction string
	Sections     []Section
}

// Mapper builds regulatory universes. It keeps no per-run state.
type Mapper struct {
	classifier *citation.Classifier
	cfg        Config
	now        func() time.Time
	newID      func() string
}

// NewMapper creates a mapper. Zero-valued config fields take the defaults.
func NewMapper(classifier *citation.Classifier, cfg Config) *Mapper {
	def := DefaultConfig()
	if cfg.DefaultExpected <= 0 {
		cfg.DefaultExpected = def.DefaultExpected
	}
	if cfg.CriticalKeywords == nil {
		cfg.CriticalKeywords = def.CriticalKeywords
	}
	if cfg.ImportantKeywords == nil {
		cfg.ImportantKeywords = def.ImportantKeywords
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = def.ContextWindow
	}
	if cfg.FallbackTitleWords <= 0 {
		cfg.FallbackTitleWords = def.FallbackTitleWords
	}
	if cfg.PageEstimates == nil {
		cfg.PageEstimates = def.PageEstimates
	}
	if cfg.DefaultPages <= 0 {
		cfg.DefaultPages = def.DefaultPages
	}
	normalized := make(map[string]int, len(cfg.ExpectedCounts))
	for k, v := range cfg.ExpectedCounts {
		normalized[normalizeJurisdiction(k)] = v
	}
	cfg.ExpectedCounts = normalized

	return &Mapper{
		classifier: classifier,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// MapText maps a document given as one block of text.
func (m *Mapper) MapText(documentID, text, jurisdiction string) *Universe {
	return m.Map(documentID, []Section{{Text: text}}, jurisdiction)
}

// Map classifies every section, deduplicates the spokes, and scores the
// result against the jurisdiction's expected count.
func (m *Mapper) Map(documentID string, sections []Section, jurisdiction string) *Universe {
	jurisdiction = normalizeJurisdiction(jurisdiction)
	u := &Universe{
		RunID:          m.newID(),
		SourceID:       documentID,
		Jurisdiction:   jurisdiction,
		CreatedAt:      m.now(),
		CategoryCounts: citation.CountByCategory(nil),
	}

	merged := make(map[Key]*ExternalRegulation)
	for _, sec := range sections {
		refs := m.classifier.ClassifySection(sec.ID, sec.Text, jurisdiction)
		for _, ref := range refs {
			u.CategoryCounts[ref.Category]++
			if ref.Role == legal.Hub {
				u.HubReferenceCount++
				continue
			}
			u.RawSpokeCount++
			spoke := m.toRegulation(ref, sec.Text, jurisdiction)
			mergeInto(merged, spoke)
		}
	}

	u.SpokeReferences = sortedSpokes(merged)
	for _, s := range u.SpokeReferences {
		u.TotalEstimatedExternalPages += s.EstimatedPages
	}

	expected, known := m.cfg.ExpectedCounts[jurisdiction]
	u.JurisdictionKnown = known && expected > 0
	if u.JurisdictionKnown {
		u.ExpectedCount = expected
		pct := Completeness(len(u.SpokeReferences), expected)
		u.CoverageCompletenessPct = &pct
	} else {
		u.ExpectedCount = m.cfg.DefaultExpected
	}
	return u
}

// Completeness returns min(100, 100*found/expected), clamped to [0, 100].
func Completeness(found, expected int) float64 {
	if expected <= 0 || found <= 0 {
		return 0
	}
	pct := 100 * float64(found) / float64(expected)
	if pct > 100 {
		return 100
	}
	return pct
}

func (m *Mapper) toRegulation(ref legal.LegalReference, text, jurisdiction string) ExternalRegulation {
	reg := m.classifier.Registry()
	title, section, fallback := extractKey(reg, jurisdiction, ref.CitationText, m.cfg.FallbackTitleWords)
	if fallback {
		log.Printf("No title or section pattern for %q, using %q as title", ref.CitationText, title)
	}

	pages, ok := m.cfg.PageEstimates[ref.Category]
	if !ok {
		pages = m.cfg.DefaultPages
	}

	e := ExternalRegulation{
		ReferenceType:  ref.Category,
		Jurisdiction:   ref.Jurisdiction,
		TitleOrChapter: title,
		Section:        section,
		Description:    ref.CitationText,
		Priority:       m.priority(text, ref),
		EstimatedPages: pages,
		Status:         StatusPending,
		AuthorityLevel: ref.AuthorityLevel,
		Occurrences:    1,
		TitleFallback:  fallback,
	}
	if ref.SourceSection != "" {
		e.SourceSections = []string{ref.SourceSection}
	}
	e.SourceLocator = locate(reg, jurisdiction, e)
	return e
}

// priority checks the text surrounding a citation for keyword sets.
func (m *Mapper) priority(text string, ref legal.LegalReference) int {
	start := ref.Offset - m.cfg.ContextWindow
	if start < 0 {
		start = 0
	}
	end := ref.End() + m.cfg.ContextWindow
	if end > len(text) {
		end = len(text)
	}
	window := strings.ToLower(text[start:end])

	if containsAny(window, m.cfg.CriticalKeywords) {
		return PriorityCritical
	}
	if containsAny(window, m.cfg.ImportantKeywords) {
		return PriorityImportant
	}
	return PriorityReference
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k != "" && strings.Contains(s, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// MapAll maps independent documents concurrently with at most workers
// goroutines. Results keep the input order. Cancellation is checked between
// documents.
func (m *Mapper) MapAll(ctx context.Context, docs []Document, workers int) ([]*Universe, error) {
	if workers <= 0 {
		workers = 1
	}
	out := make([]*Universe, len(docs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, d := range docs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("mapping %s: %w", d.ID, err)
			}
			out[i] = m.Map(d.ID, d.Sections, d.Jurisdiction)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
