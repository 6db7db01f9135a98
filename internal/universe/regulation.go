// Package universe maps the external regulations a document depends on: it
// deduplicates classified spoke references, ranks them, estimates their scope,
// and scores how complete the mapping is for the jurisdiction.
package universe

import (
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

// Status is the retrieval lifecycle state of an external regulation.
type Status string

const (
	StatusPending    Status = "pending"
	StatusFetched    Status = "fetched"
	StatusProcessed  Status = "processed"
	StatusIntegrated Status = "integrated"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusFetched, StatusProcessed, StatusIntegrated:
		return true
	}
	return false
}

// Priorities.
const (
	PriorityCritical  = 1
	PriorityImportant = 2
	PriorityReference = 3
)

// PriorityLabel returns the human label for a priority.
func PriorityLabel(p int) string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityImportant:
		return "important"
	default:
		return "reference"
	}
}

// Key is the deduplication identity of an external regulation.
type Key struct {
	ReferenceType  legal.Category
	Jurisdiction   string
	TitleOrChapter string
	Section        string
}

func (k Key) String() string {
	s := fmt.Sprintf("%s|%s|%s", k.ReferenceType, k.Jurisdiction, k.TitleOrChapter)
	if k.Section != "" {
		s += "|" + k.Section
	}
	return s
}

// ExternalRegulation is a deduplicated spoke target.
type ExternalRegulation struct {
	ReferenceType  legal.Category `json:"reference_type"`
	Jurisdiction   string         `json:"jurisdiction"`
	TitleOrChapter string         `json:"title_or_chapter"`
	Section        string         `json:"section"`
	Description    string         `json:"description"`
	Priority       int            `json:"priority"`
	EstimatedPages int            `json:"estimated_pages"`
	SourceLocator  string         `json:"source_locator"`
	Status         Status         `json:"status"`
	AuthorityLevel int            `json:"authority_level"`
	Occurrences    int            `json:"occurrences"`
	SourceSections []string       `json:"source_sections,omitempty"`
	TitleFallback  bool           `json:"title_fallback,omitempty"`
}

// Key returns the identity key.
func (e ExternalRegulation) Key() Key {
	return Key{
		ReferenceType:  e.ReferenceType,
		Jurisdiction:   e.Jurisdiction,
		TitleOrChapter: e.TitleOrChapter,
		Section:        e.Section,
	}
}

// Universe is the regulatory universe of one source document. It is created
// once per mapping run and never modified afterwards.
type Universe struct {
	RunID                       string                 `json:"run_id"`
	SourceID                    string                 `json:"source_id"`
	Jurisdiction                string                 `json:"jurisdiction"`
	CreatedAt                   time.Time              `json:"created_at"`
	HubReferenceCount           int                    `json:"hub_reference_count"`
	RawSpokeCount               int                    `json:"raw_spoke_count"`
	SpokeReferences             []ExternalRegulation   `json:"spoke_references"`
	TotalEstimatedExternalPages int                    `json:"total_estimated_external_pages"`
	CoverageCompletenessPct     *float64               `json:"coverage_completeness_pct"`
	ExpectedCount               int                    `json:"expected_count"`
	JurisdictionKnown           bool                   `json:"jurisdiction_known"`
	CategoryCounts              map[legal.Category]int `json:"category_counts"`
}

// SpokeCount returns the number of deduplicated spokes.
func (u *Universe) SpokeCount() int { return len(u.SpokeReferences) }

// Completeness returns the coverage percentage formatted for display.
func (u *Universe) Completeness() string {
	if u.CoverageCompletenessPct == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *u.CoverageCompletenessPct)
}

func normalizeJurisdiction(j string) string {
	return strings.ToUpper(strings.TrimSpace(j))
}
