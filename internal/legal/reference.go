// Package legal defines the citation categories, classified references, and the
// authority model that ranks them.
package legal

// Category is the kind of legal authority a citation points at.
type Category string

const (
	FederalStatute    Category = "federal_statute"
	FederalPublicLaw  Category = "federal_public_law"
	FederalRegulation Category = "federal_regulation"
	ExecutiveOrder    Category = "executive_order"
	StateStatute      Category = "state_statute"
	StateAdminCode    Category = "state_admin_code"
	InternalCrossref  Category = "internal_crossref"
)

// Categories lists every category from most to least specific. Classification
// evaluates pattern groups in this order.
var Categories = []Category{
	FederalStatute,
	FederalPublicLaw,
	FederalRegulation,
	ExecutiveOrder,
	StateStatute,
	StateAdminCode,
	InternalCrossref,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return rank(c) >= 0
}

// IsFederal reports whether the category is federal law.
func (c Category) IsFederal() bool {
	switch c {
	case FederalStatute, FederalPublicLaw, FederalRegulation, ExecutiveOrder:
		return true
	}
	return false
}

// IsState reports whether the category is state law.
func (c Category) IsState() bool {
	return c == StateStatute || c == StateAdminCode
}

// rank returns the specificity position of c (0 = most specific), or -1.
func rank(c Category) int {
	for i, cat := range Categories {
		if cat == c {
			return i
		}
	}
	return -1
}

// HubSpokeRole says whether a reference stays inside the document.
type HubSpokeRole string

const (
	Hub   HubSpokeRole = "hub"
	Spoke HubSpokeRole = "spoke"
)

// Jurisdiction labels used on references.
const (
	JurisdictionFederal  = "Federal"
	JurisdictionInternal = "Internal"
)

// LegalReference is one classified citation occurrence.
type LegalReference struct {
	ReferenceID    string       `json:"reference_id"`
	CitationText   string       `json:"citation_text"`
	Category       Category     `json:"category"`
	AuthorityLevel int          `json:"authority_level"`
	Jurisdiction   string       `json:"jurisdiction"`
	SourceSection  string       `json:"source_section"`
	Role           HubSpokeRole `json:"hub_spoke_role"`
	Offset         int          `json:"offset"`
	Length         int          `json:"length"`
}

// End returns the offset just past the citation in its source text.
func (r LegalReference) End() int {
	return r.Offset + r.Length
}
