// Package citation finds legal citations in regulatory text and classifies them
// using a declarative, per-jurisdiction pattern registry.
package citation

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/TobiSchelling/qapintel/internal/legal"
)

//go:embed patterns.yaml
var DefaultPatternsYAML []byte

// ErrUnknownJurisdiction is returned when a jurisdiction has no pattern table.
var ErrUnknownJurisdiction = errors.New("unknown jurisdiction")

// PatternTable maps a category to its ordered pattern list.
type PatternTable map[legal.Category][]string

// RuleSpec is a secondary extraction rule: a pattern and an expansion template
// using regexp.Expand syntax. An empty format keeps the whole match.
type RuleSpec struct {
	Pattern string `yaml:"pattern"`
	Format  string `yaml:"format"`
}

// ExtractionSpec holds the title and section rule lists.
type ExtractionSpec struct {
	Titles   []RuleSpec `yaml:"titles"`
	Sections []RuleSpec `yaml:"sections"`
}

// JurisdictionSpec is the data for one jurisdiction.
type JurisdictionSpec struct {
	Name       string                      `yaml:"name"`
	Patterns   PatternTable                `yaml:"patterns"`
	Extraction ExtractionSpec              `yaml:"extraction"`
	Locators   map[legal.Category][]string `yaml:"locators"`
}

// RegistrySpec is the on-disk registry format.
type RegistrySpec struct {
	Common        PatternTable                `yaml:"common"`
	Extraction    ExtractionSpec              `yaml:"extraction"`
	Locators      map[legal.Category][]string `yaml:"locators"`
	Jurisdictions map[string]JurisdictionSpec `yaml:"jurisdictions"`
}

// Rule is a compiled extraction rule.
type Rule struct {
	re     *regexp.Regexp
	format string
}

// Apply returns the expanded format for the first match in text.
func (r Rule) Apply(text string) (string, bool) {
	loc := r.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", false
	}
	if r.format == "" {
		return strings.TrimSpace(text[loc[0]:loc[1]]), true
	}
	out := r.re.ExpandString(nil, r.format, text, loc)
	return strings.Join(strings.Fields(string(out)), " "), true
}

// Group is the compiled pattern list for one category.
type Group struct {
	Category legal.Category
	Patterns []*regexp.Regexp
}

// Jurisdiction is a compiled jurisdiction table.
type Jurisdiction struct {
	Code     string
	Name     string
	patterns map[legal.Category][]*regexp.Regexp
	titles   []Rule
	sections []Rule
	locators map[legal.Category][]string
}

// Registry is the compiled pattern registry. It is read-only after loading and
// safe for concurrent use.
type Registry struct {
	common        map[legal.Category][]*regexp.Regexp
	titles        []Rule
	sections      []Rule
	locators      map[legal.Category][]string
	jurisdictions map[string]*Jurisdiction
}

// LoadRegistry compiles the embedded default registry and merges each file on
// top of it. Files may add jurisdictions, replace existing ones, or append
// common patterns.
func LoadRegistry(paths ...string) (*Registry, error) {
	spec, err := ParseRegistrySpec(DefaultPatternsYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing default patterns: %w", err)
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading pattern file: %w", err)
		}
		extra, err := ParseRegistrySpec(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		spec.merge(extra)
	}
	return Compile(spec)
}

// ParseRegistrySpec parses YAML bytes into a RegistrySpec.
func ParseRegistrySpec(data []byte) (*RegistrySpec, error) {
	spec := &RegistrySpec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func (s *RegistrySpec) merge(other *RegistrySpec) {
	if s.Common == nil {
		s.Common = PatternTable{}
	}
	for c, ps := range other.Common {
		s.Common[c] = append(s.Common[c], ps...)
	}
	s.Extraction.Titles = append(s.Extraction.Titles, other.Extraction.Titles...)
	s.Extraction.Sections = append(s.Extraction.Sections, other.Extraction.Sections...)
	if s.Locators == nil {
		s.Locators = map[legal.Category][]string{}
	}
	for c, ls := range other.Locators {
		s.Locators[c] = ls
	}
	if s.Jurisdictions == nil {
		s.Jurisdictions = map[string]JurisdictionSpec{}
	}
	for code, j := range other.Jurisdictions {
		s.Jurisdictions[code] = j
	}
}

// Compile validates and compiles a spec. Unknown categories and invalid
// patterns are configuration errors.
func Compile(spec *RegistrySpec) (*Registry, error) {
	r := &Registry{
		locators:      spec.Locators,
		jurisdictions: make(map[string]*Jurisdiction),
	}

	var err error
	if r.common, err = compileTable(spec.Common); err != nil {
		return nil, fmt.Errorf("common patterns: %w", err)
	}
	if r.titles, err = compileRules(spec.Extraction.Titles); err != nil {
		return nil, fmt.Errorf("title rules: %w", err)
	}
	if r.sections, err = compileRules(spec.Extraction.Sections); err != nil {
		return nil, fmt.Errorf("section rules: %w", err)
	}
	if err := checkLocatorCategories(spec.Locators); err != nil {
		return nil, err
	}

	for code, js := range spec.Jurisdictions {
		code = normalizeCode(code)
		if code == "" {
			return nil, fmt.Errorf("jurisdiction with empty code")
		}
		j := &Jurisdiction{Code: code, Name: js.Name, locators: js.Locators}
		if j.patterns, err = compileTable(js.Patterns); err != nil {
			return nil, fmt.Errorf("jurisdiction %s: %w", code, err)
		}
		if j.titles, err = compileRules(js.Extraction.Titles); err != nil {
			return nil, fmt.Errorf("jurisdiction %s titles: %w", code, err)
		}
		if j.sections, err = compileRules(js.Extraction.Sections); err != nil {
			return nil, fmt.Errorf("jurisdiction %s sections: %w", code, err)
		}
		if err := checkLocatorCategories(js.Locators); err != nil {
			return nil, fmt.Errorf("jurisdiction %s: %w", code, err)
		}
		r.jurisdictions[code] = j
	}
	return r, nil
}

func compileTable(t PatternTable) (map[legal.Category][]*regexp.Regexp, error) {
	out := make(map[legal.Category][]*regexp.Regexp, len(t))
	for c, patterns := range t {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown category %q", c)
		}
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("category %s: %w", c, err)
			}
			out[c] = append(out[c], re)
		}
	}
	return out, nil
}

func compileRules(specs []RuleSpec) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return nil, err
		}
		rules = append(rules, Rule{re: re, format: s.Format})
	}
	return rules, nil
}

func checkLocatorCategories(l map[legal.Category][]string) error {
	for c := range l {
		if !c.Valid() {
			return fmt.Errorf("locator for unknown category %q", c)
		}
	}
	return nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Has reports whether a jurisdiction table exists for code.
func (r *Registry) Has(code string) bool {
	_, ok := r.jurisdictions[normalizeCode(code)]
	return ok
}

// Jurisdiction returns the compiled table for code.
func (r *Registry) Jurisdiction(code string) (*Jurisdiction, error) {
	j, ok := r.jurisdictions[normalizeCode(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJurisdiction, code)
	}
	return j, nil
}

// Codes returns the registered jurisdiction codes, sorted.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.jurisdictions))
	for c := range r.jurisdictions {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// Groups returns the pattern groups that apply to a jurisdiction, in category
// priority order: federal, then state, then internal. Jurisdictions without a
// table get the common groups only.
func (r *Registry) Groups(code string) []Group {
	j := r.jurisdictions[normalizeCode(code)]
	var groups []Group
	for _, c := range legal.Categories {
		var patterns []*regexp.Regexp
		if j != nil {
			patterns = append(patterns, j.patterns[c]...)
		}
		patterns = append(patterns, r.common[c]...)
		if len(patterns) > 0 {
			groups = append(groups, Group{Category: c, Patterns: patterns})
		}
	}
	return groups
}

// TitleRules returns jurisdiction title rules followed by the common ones.
func (r *Registry) TitleRules(code string) []Rule {
	var rules []Rule
	if j := r.jurisdictions[normalizeCode(code)]; j != nil {
		rules = append(rules, j.titles...)
	}
	return append(rules, r.titles...)
}

// SectionRules returns jurisdiction section rules followed by the common ones.
func (r *Registry) SectionRules(code string) []Rule {
	var rules []Rule
	if j := r.jurisdictions[normalizeCode(code)]; j != nil {
		rules = append(rules, j.sections...)
	}
	return append(rules, r.sections...)
}

// LocatorTemplates returns the URL templates for a category, preferring the
// jurisdiction's own.
func (r *Registry) LocatorTemplates(code string, c legal.Category) []string {
	if j := r.jurisdictions[normalizeCode(code)]; j != nil {
		if ls, ok := j.locators[c]; ok {
			return ls
		}
	}
	return r.locators[c]
}
