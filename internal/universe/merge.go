package universe

import (
	"log"
	"sort"
	"strings"
)

// mergeInto adds e to the set, collapsing it onto an existing entry with the
// same key. The merged entry keeps the longer description and the higher
// (numerically lower) priority.
func mergeInto(set map[Key]*ExternalRegulation, e ExternalRegulation) {
	k := e.Key()
	cur, ok := set[k]
	if !ok {
		c := e
		c.SourceSections = append([]string(nil), e.SourceSections...)
		set[k] = &c
		return
	}

	if divergent(cur.Description, e.Description) {
		log.Printf("Warning: %s collapsed divergent citations %q and %q", k, cur.Description, e.Description)
	}
	if len(e.Description) > len(cur.Description) {
		cur.Description = e.Description
	}
	if e.Priority < cur.Priority {
		cur.Priority = e.Priority
	}
	if e.EstimatedPages > cur.EstimatedPages {
		cur.EstimatedPages = e.EstimatedPages
	}
	if cur.SourceLocator == "" {
		cur.SourceLocator = e.SourceLocator
	}
	cur.TitleFallback = cur.TitleFallback && e.TitleFallback
	cur.Occurrences += e.Occurrences
	cur.SourceSections = unionSorted(cur.SourceSections, e.SourceSections)
}

// divergent reports whether two descriptions differ beyond one containing the
// other.
func divergent(a, b string) bool {
	na := strings.ToLower(strings.Join(strings.Fields(a), " "))
	nb := strings.ToLower(strings.Join(strings.Fields(b), " "))
	return !strings.Contains(na, nb) && !strings.Contains(nb, na)
}

func unionSorted(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// sortedSpokes orders spokes by priority, then estimated pages descending,
// then key.
func sortedSpokes(set map[Key]*ExternalRegulation) []ExternalRegulation {
	out := make([]ExternalRegulation, 0, len(set))
	for _, e := range set {
		out = append(out, *e)
	}
	SortSpokes(out)
	return out
}

// SortSpokes sorts in place: most urgent and largest first.
func SortSpokes(spokes []ExternalRegulation) {
	sort.Slice(spokes, func(i, j int) bool {
		a, b := spokes[i], spokes[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.EstimatedPages != b.EstimatedPages {
			return a.EstimatedPages > b.EstimatedPages
		}
		return a.Key().String() < b.Key().String()
	})
}

// MergeSpokes combines spoke lists by identity key.
func MergeSpokes(lists ...[]ExternalRegulation) []ExternalRegulation {
	set := make(map[Key]*ExternalRegulation)
	for _, l := range lists {
		for _, e := range l {
			mergeInto(set, e)
		}
	}
	return sortedSpokes(set)
}
