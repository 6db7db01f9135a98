package universe

import (
	"sort"
	"time"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

// Report is the JSON shape handed to downstream reporting.
type Report struct {
	RunID                       string                    `json:"run_id"`
	SourceID                    string                    `json:"source_id"`
	Jurisdiction                string                    `json:"jurisdiction"`
	CreatedAt                   time.Time                 `json:"created_at"`
	HubReferenceCount           int                       `json:"hub_reference_count"`
	SpokeCount                  int                       `json:"spoke_count"`
	TotalEstimatedExternalPages int                       `json:"total_estimated_external_pages"`
	CoverageCompletenessPct     *float64                  `json:"coverage_completeness_pct"`
	ExpectedCount               int                       `json:"expected_count"`
	JurisdictionKnown           bool                      `json:"jurisdiction_known"`
	PriorityCounts              map[string]int            `json:"priority_counts"`
	CategoryCounts              map[legal.Category]int    `json:"category_counts"`
	CategoryImpact              map[legal.Category]string `json:"category_impact"`
	HighestAuthority            []string                  `json:"highest_authority_examples"`
	Spokes                      []ExternalRegulation      `json:"spoke_references"`
}

// NewReport summarizes a universe. The authority model supplies the impact
// description of every category present; nil uses the default model.
func NewReport(u *Universe, examples int, authority *legal.AuthorityModel) Report {
	if authority == nil {
		authority = legal.DefaultAuthorityModel()
	}
	r := Report{
		RunID:                       u.RunID,
		SourceID:                    u.SourceID,
		Jurisdiction:                u.Jurisdiction,
		CreatedAt:                   u.CreatedAt,
		HubReferenceCount:           u.HubReferenceCount,
		SpokeCount:                  len(u.SpokeReferences),
		TotalEstimatedExternalPages: u.TotalEstimatedExternalPages,
		CoverageCompletenessPct:     u.CoverageCompletenessPct,
		ExpectedCount:               u.ExpectedCount,
		JurisdictionKnown:           u.JurisdictionKnown,
		PriorityCounts: map[string]int{
			PriorityLabel(PriorityCritical):  0,
			PriorityLabel(PriorityImportant): 0,
			PriorityLabel(PriorityReference): 0,
		},
		CategoryCounts: u.CategoryCounts,
		CategoryImpact: make(map[legal.Category]string, len(u.CategoryCounts)),
		Spokes:         u.SpokeReferences,
	}
	for c, n := range u.CategoryCounts {
		if n > 0 {
			r.CategoryImpact[c] = authority.ImpactDescription(c)
		}
	}
	for _, s := range u.SpokeReferences {
		r.PriorityCounts[PriorityLabel(s.Priority)]++
	}

	ranked := make([]ExternalRegulation, len(u.SpokeReferences))
	copy(ranked, u.SpokeReferences)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].AuthorityLevel > ranked[j].AuthorityLevel
	})
	for i := 0; i < len(ranked) && i < examples; i++ {
		r.HighestAuthority = append(r.HighestAuthority, ranked[i].Description)
	}
	return r
}
