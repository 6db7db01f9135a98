package ingest

import (
	"regexp"
	"sort"
)

// EntityKind names a class of domain value mentioned in a chunk.
type EntityKind string

const (
	EntityMoney      EntityKind = "money"
	EntityPercentage EntityKind = "percentage"
	EntityAMI        EntityKind = "ami"
	EntitySetAside   EntityKind = "set_aside"
	EntityUnitCount  EntityKind = "unit_count"
	EntityDate       EntityKind = "date"
)

// Entity is one mention found in chunk content.
type Entity struct {
	Kind   EntityKind `json:"kind"`
	Text   string     `json:"text"`
	Offset int        `json:"offset"`
}

var entityPatterns = []struct {
	kind EntityKind
	re   *regexp.Regexp
}{
	{EntityAMI, regexp.MustCompile(`(?i)\b\d{1,3}(?:\.\d+)?\s?(?:%|percent)\s+(?:of\s+)?(?:the\s+)?(?:AMI|area\s+median\s+income)\b|\bAMI\b|\barea\s+median\s+income\b`)},
	{EntityMoney, regexp.MustCompile(`(?i)\$\s?\d[\d,]*(?:\.\d+)?(?:\s?(?:million|billion|thousand))?`)},
	{EntityPercentage, regexp.MustCompile(`(?i)\b\d{1,3}(?:\.\d+)?\s?(?:%|percent\b)`)},
	{EntitySetAside, regexp.MustCompile(`(?i)\bset[- ]asides?\b`)},
	{EntityUnitCount, regexp.MustCompile(`(?i)\b\d[\d,]*\s+(?:(?:total|residential|rental|affordable|set-aside)\s+)?units?\b`)},
	{EntityDate, regexp.MustCompile(`(?i)\b(?:January|February|March|April|May|June|July|August|September|October|November|December)\s+\d{1,2},\s+\d{4}\b|\b\d{1,2}/\d{1,2}/\d{4}\b`)},
}

// ExtractEntities finds money amounts, percentages, AMI mentions, set-asides,
// unit counts and dates. Kinds are tried in order and a span claimed by an
// earlier kind is not reported again.
func ExtractEntities(text string) []Entity {
	var (
		out     []Entity
		claimed [][2]int
	)
	for _, p := range entityPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if overlaps(loc[0], loc[1], claimed) {
				continue
			}
			claimed = append(claimed, [2]int{loc[0], loc[1]})
			out = append(out, Entity{Kind: p.kind, Text: text[loc[0]:loc[1]], Offset: loc[0]})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Offset < out[j].Offset })
	return out
}

func overlaps(start, end int, spans [][2]int) bool {
	for _, s := range spans {
		if start < s[1] && s[0] < end {
			return true
		}
	}
	return false
}
