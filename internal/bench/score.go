package bench

import (
	"strings"

	"github.com/TobiSchelling/qapintel/internal/corpus"
	"github.com/TobiSchelling/qapintel/internal/embed"
)

// Weights are the percentage weights of the composite quality score. Each
// weight set sums to 100.
type Weights struct {
	Relevance    float64 `json:"relevance"`
	Coverage     float64 `json:"coverage"`
	Metadata     float64 `json:"metadata"`
	Jurisdiction float64 `json:"jurisdiction"`
	Enrichment   float64 `json:"enrichment"`
	Hierarchy    float64 `json:"hierarchy"`
	Breadcrumb   float64 `json:"breadcrumb"`
}

func (w Weights) sum() float64 {
	return w.Relevance + w.Coverage + w.Metadata + w.Jurisdiction + w.Enrichment + w.Hierarchy + w.Breadcrumb
}

var (
	// PlainWeights score corpora without enrichment metadata.
	PlainWeights = Weights{Relevance: 30, Coverage: 25, Metadata: 25, Jurisdiction: 20}
	// EnrichedWeights score corpora carrying enrichment metadata.
	EnrichedWeights = Weights{Relevance: 25, Coverage: 15, Metadata: 20, Jurisdiction: 15,
		Enrichment: 15, Hierarchy: 5, Breadcrumb: 5}
)

// featureCap bounds the enrichment features credited per result.
const featureCap = 3

// metadataKeys are the fields a complete chunk record carries.
var metadataKeys = []string{"section_title", "jurisdiction_code", "source_document_version", "page_number"}

// components holds the per-query quality ratios, each in [0, 1].
type components struct {
	relevance    float64
	coverage     float64
	metadata     float64
	jurisdiction float64
	enrichment   float64
	hierarchy    float64
	breadcrumb   float64
	features     int
	matches      int
}

func measure(query, jurisdiction string, results []corpus.SearchResult) components {
	var c components
	if len(results) == 0 {
		return c
	}
	n := float64(len(results))

	var scoreSum, metaSum, featureSum float64
	for _, r := range results {
		scoreSum += clamp01(r.Score)

		present := 0
		for _, k := range metadataKeys {
			if v, ok := r.Metadata[k]; ok && v != nil && v != "" {
				present++
			}
		}
		metaSum += float64(present) / float64(len(metadataKeys))

		j, _ := r.Metadata["jurisdiction_code"].(string)
		if (jurisdiction == "" && j != "") || (jurisdiction != "" && strings.EqualFold(j, jurisdiction)) {
			c.matches++
		}

		f := corpus.EnrichmentFeatureCount(r.Metadata)
		c.features += f
		featureSum += float64(min(f, featureCap)) / featureCap

		if _, ok := r.Metadata["hierarchy_level"]; ok {
			c.hierarchy++
		}
		if b, ok := corpus.IntValue(r.Metadata["has_breadcrumb"]); ok && b > 0 {
			c.breadcrumb++
		}
	}

	c.relevance = scoreSum / n
	c.coverage = coverage(query, results)
	c.metadata = metaSum / n
	c.jurisdiction = float64(c.matches) / n
	c.enrichment = featureSum / n
	c.hierarchy /= n
	c.breadcrumb /= n
	return c
}

// coverage is the fraction of query terms found in at least one result.
func coverage(query string, results []corpus.SearchResult) float64 {
	var terms []string
	for _, t := range embed.Tokenize(query) {
		if len(t) > 2 {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		return 0
	}
	found := 0
	for _, t := range terms {
		for _, r := range results {
			if strings.Contains(strings.ToLower(r.Content), t) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(terms))
}

func (c components) score(w Weights) float64 {
	return w.Relevance*c.relevance +
		w.Coverage*c.coverage +
		w.Metadata*c.metadata +
		w.Jurisdiction*c.jurisdiction +
		w.Enrichment*c.enrichment +
		w.Hierarchy*c.hierarchy +
		w.Breadcrumb*c.breadcrumb
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
