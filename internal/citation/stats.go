package citation

import (
	"sort"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

// Stats summarizes a set of extracted references.
type Stats struct {
	Total            int                    `json:"total"`
	ByCategory       map[legal.Category]int `json:"by_category"`
	Hubs             int                    `json:"hubs"`
	Spokes           int                    `json:"spokes"`
	HighestAuthority []string               `json:"highest_authority"`
}

// Summarize counts references per category and lists up to limit distinct
// citation texts in descending authority order.
func Summarize(refs []legal.LegalReference, limit int) Stats {
	s := Stats{Total: len(refs), ByCategory: make(map[legal.Category]int)}
	for _, r := range refs {
		s.ByCategory[r.Category]++
		if r.Role == legal.Hub {
			s.Hubs++
		} else {
			s.Spokes++
		}
	}

	sorted := make([]legal.LegalReference, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].AuthorityLevel != sorted[j].AuthorityLevel {
			return sorted[i].AuthorityLevel > sorted[j].AuthorityLevel
		}
		return sorted[i].Offset < sorted[j].Offset
	})
	seen := make(map[string]bool)
	for _, r := range sorted {
		if limit > 0 && len(s.HighestAuthority) >= limit {
			break
		}
		if seen[r.CitationText] {
			continue
		}
		seen[r.CitationText] = true
		s.HighestAuthority = append(s.HighestAuthority, r.CitationText)
	}
	return s
}

// CountByCategory returns per-category counts for every category, including
// zeros, so callers can emit a fixed key set.
func CountByCategory(refs []legal.LegalReference) map[legal.Category]int {
	counts := make(map[legal.Category]int, len(legal.Categories))
	for _, c := range legal.Categories {
		counts[c] = 0
	}
	for _, r := range refs {
		counts[r.Category]++
	}
	return counts
}
