package legal

import (
	"errors"
	"fmt"
	"strings"
)

// ErrAuthorityConfig is returned when the authority table is incomplete or
// breaks the federal > state > internal hierarchy.
var ErrAuthorityConfig = errors.New("invalid authority configuration")

// Hierarchy tiers.
const (
	WeightFederalStatutory  = 100
	WeightFederalRegulatory = 80
	WeightFederalGuidance   = 60
	WeightStateOrInternal   = 30
)

var defaultWeights = map[Category]int{
	FederalStatute:    WeightFederalStatutory,
	FederalPublicLaw:  WeightFederalStatutory,
	FederalRegulation: WeightFederalRegulatory,
	ExecutiveOrder:    WeightFederalGuidance,
	StateStatute:      WeightStateOrInternal,
	StateAdminCode:    WeightStateOrInternal,
	InternalCrossref:  WeightStateOrInternal,
}

var impactDescriptions = map[Category]string{
	FederalStatute:    "Controls credit eligibility; noncompliance risks credit recapture",
	FederalPublicLaw:  "Enacting legislation that amends program requirements",
	FederalRegulation: "Binding federal program rules for income, rent, and monitoring",
	ExecutiveOrder:    "Policy direction affecting agency administration and priorities",
	StateStatute:      "State enabling law for the allocating agency",
	StateAdminCode:    "Binding state procedures for applications, scoring, and compliance",
	InternalCrossref:  "Navigational link within the plan itself",
}

// AuthorityModel assigns authority weights and impact labels per category.
// It holds no per-reference state.
type AuthorityModel struct {
	weights map[Category]int
}

// DefaultAuthorityModel returns the model with the built-in weight table.
func DefaultAuthorityModel() *AuthorityModel {
	m, _ := NewAuthorityModel(nil)
	return m
}

// NewAuthorityModel builds a model from the default table with optional
// overrides applied, then validates it.
func NewAuthorityModel(overrides map[Category]int) (*AuthorityModel, error) {
	weights := make(map[Category]int, len(defaultWeights))
	for c, w := range defaultWeights {
		weights[c] = w
	}
	for c, w := range overrides {
		if !c.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrAuthorityConfig, c)
		}
		weights[c] = w
	}
	m := &AuthorityModel{weights: weights}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks that every category has a weight and that the ordering
// federal statutory > federal regulatory > state == internal holds.
func (m *AuthorityModel) Validate() error {
	for _, c := range Categories {
		w, ok := m.weights[c]
		if !ok || w <= 0 {
			return fmt.Errorf("%w: missing weight for %s", ErrAuthorityConfig, c)
		}
	}
	w := m.weights
	if w[FederalStatute] != w[FederalPublicLaw] {
		return fmt.Errorf("%w: federal statute and public law must share a tier", ErrAuthorityConfig)
	}
	if !(w[FederalStatute] > w[FederalRegulation]) {
		return fmt.Errorf("%w: federal statute must outrank federal regulation", ErrAuthorityConfig)
	}
	if !(w[FederalRegulation] > w[ExecutiveOrder]) {
		return fmt.Errorf("%w: federal regulation must outrank executive orders", ErrAuthorityConfig)
	}
	if !(w[ExecutiveOrder] > w[StateStatute]) {
		return fmt.Errorf("%w: federal guidance must outrank state law", ErrAuthorityConfig)
	}
	if w[StateStatute] != w[StateAdminCode] || w[StateStatute] != w[InternalCrossref] {
		return fmt.Errorf("%w: state and internal references must share a tier", ErrAuthorityConfig)
	}
	return nil
}

// WeightFor returns the authority level for a category, 0 if unknown.
func (m *AuthorityModel) WeightFor(c Category) int {
	return m.weights[c]
}

// Outranks reports whether a takes precedence over b: higher weight first,
// then the more specific category.
func (m *AuthorityModel) Outranks(a, b Category) bool {
	wa, wb := m.WeightFor(a), m.WeightFor(b)
	if wa != wb {
		return wa > wb
	}
	return rank(a) < rank(b)
}

// Context carries what JurisdictionFor needs beyond the category.
type Context struct {
	StateCode    string
	CitationText string
}

// JurisdictionFor returns Federal, the state code, or Internal.
func (m *AuthorityModel) JurisdictionFor(c Category, ctx Context) string {
	state := strings.ToUpper(strings.TrimSpace(ctx.StateCode))
	if state == "" {
		state = "State"
	}
	switch {
	case c == ExecutiveOrder:
		if strings.Contains(strings.ToLower(ctx.CitationText), "governor") {
			return state
		}
		return JurisdictionFederal
	case c.IsFederal():
		return JurisdictionFederal
	case c.IsState():
		return state
	default:
		return JurisdictionInternal
	}
}

// LevelFor returns the authority level of one citation. A governor's
// executive order resolves to a state jurisdiction and takes the state tier
// weight; every other citation gets its category weight.
func (m *AuthorityModel) LevelFor(c Category, ctx Context) int {
	if c == ExecutiveOrder && m.JurisdictionFor(c, ctx) != JurisdictionFederal {
		return m.weights[StateStatute]
	}
	return m.WeightFor(c)
}

// ImpactDescription returns the business/compliance impact label.
func (m *AuthorityModel) ImpactDescription(c Category) string {
	if d, ok := impactDescriptions[c]; ok {
		return d
	}
	return "Unclassified reference"
}

// Role returns hub for internal cross-references and spoke otherwise.
func (m *AuthorityModel) Role(c Category) HubSpokeRole {
	if c == InternalCrossref {
		return Hub
	}
	return Spoke
}
