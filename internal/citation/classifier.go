package citation

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

const trimCutset = " \t\r\n,;:"

// Classifier extracts and categorizes legal citations. It holds no mutable
// state and is safe for concurrent use.
type Classifier struct {
	registry  *Registry
	authority *legal.AuthorityModel
}

// NewClassifier creates a classifier. A nil authority model uses the defaults.
func NewClassifier(reg *Registry, authority *legal.AuthorityModel) *Classifier {
	if authority == nil {
		authority = legal.DefaultAuthorityModel()
	}
	return &Classifier{registry: reg, authority: authority}
}

// Registry returns the registry the classifier matches against.
func (c *Classifier) Registry() *Registry { return c.registry }

// Authority returns the classifier's authority model.
func (c *Classifier) Authority() *legal.AuthorityModel { return c.authority }

// Classify extracts every citation in text. The jurisdiction hint selects the
// state pattern table; an empty or unknown hint uses federal and internal
// patterns only.
func (c *Classifier) Classify(text, jurisdiction string) []legal.LegalReference {
	return c.ClassifySection("", text, jurisdiction)
}

type candidate struct {
	start, end int
	category   legal.Category
	group      int
}

func (m candidate) length() int { return m.end - m.start }

// ClassifySection is Classify with a source section identifier attached to
// each reference and used as the reference id prefix.
func (c *Classifier) ClassifySection(sectionID, text, jurisdiction string) []legal.LegalReference {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var cands []candidate
	for gi, g := range c.registry.Groups(jurisdiction) {
		for _, re := range g.Patterns {
			for _, loc := range re.FindAllStringIndex(text, -1) {
				start, end := trimSpan(text, loc[0], loc[1])
				if start >= end {
					continue
				}
				cands = append(cands, candidate{start: start, end: end, category: g.Category, group: gi})
			}
		}
	}
	if len(cands) == 0 {
		return nil
	}

	// Longest match wins; equal spans go to the higher authority category.
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.length() != b.length() {
			return a.length() > b.length()
		}
		if a.category != b.category {
			return c.authority.Outranks(a.category, b.category)
		}
		if a.start != b.start {
			return a.start < b.start
		}
		return a.group < b.group
	})

	var accepted []candidate
	for _, cand := range cands {
		if overlapsAny(cand, accepted) {
			continue
		}
		accepted = append(accepted, cand)
	}
	warnAmbiguous(text, cands, accepted)

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].start < accepted[j].start })

	prefix := sectionID
	if prefix == "" {
		prefix = "ref"
	}
	refs := make([]legal.LegalReference, 0, len(accepted))
	for i, m := range accepted {
		citation := text[m.start:m.end]
		ctx := legal.Context{
			StateCode:    strings.ToUpper(strings.TrimSpace(jurisdiction)),
			CitationText: citation,
		}
		refs = append(refs, legal.LegalReference{
			ReferenceID:    fmt.Sprintf("%s#%d", prefix, i+1),
			CitationText:   citation,
			Category:       m.category,
			AuthorityLevel: c.authority.LevelFor(m.category, ctx),
			Jurisdiction:   c.authority.JurisdictionFor(m.category, ctx),
			SourceSection:  sectionID,
			Role:           c.authority.Role(m.category),
			Offset:         m.start,
			Length:         m.length(),
		})
	}
	return refs
}

func trimSpan(text string, start, end int) (int, int) {
	for start < end && strings.ContainsRune(trimCutset, rune(text[start])) {
		start++
	}
	for end > start && strings.ContainsRune(trimCutset, rune(text[end-1])) {
		end--
	}
	return start, end
}

func overlapsAny(c candidate, accepted []candidate) bool {
	for _, a := range accepted {
		if c.start < a.end && a.start < c.end {
			return true
		}
	}
	return false
}

// warnAmbiguous logs spans that more than one category matched exactly.
func warnAmbiguous(text string, cands, accepted []candidate) {
	for _, a := range accepted {
		var others []string
		for _, c := range cands {
			if c.start == a.start && c.end == a.end && c.category != a.category {
				others = append(others, string(c.category))
			}
		}
		if len(others) > 0 {
			log.Printf("Warning: ambiguous citation %q classified as %s (also matched %s)",
				text[a.start:a.end], a.category, strings.Join(dedupe(others), ", "))
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
