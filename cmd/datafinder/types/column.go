package types

import "strings"

// ColumnDescription describes one column of a resource table
type ColumnDescription struct {
	DisplayName   string   `json:"displayName,omitempty"`   // Derived from the element when empty
	Element       string   `json:"element"`                 // Element path, may end in "[x]"
	CustomElement string   `json:"customElement,omitempty"` // Identity for custom columns that share an element
	Expression    string   `json:"expression,omitempty"`    // FHIRPath expression for custom columns
	Types         []string `json:"types"`                   // Ordered FHIR type tags
	IsArray       bool     `json:"isArray,omitempty"`
	Description   string   `json:"description,omitempty"`
	Visible       bool     `json:"visible"`
	SortOrder     int      `json:"sortOrder,omitempty"` // 0 when the column has no configured position
}

// Key is the identity used for persisted visibility.
func (c ColumnDescription) Key() string {
	if c.CustomElement != "" {
		return c.CustomElement
	}
	return c.Element
}

// IsChoice reports whether the element is a FHIR choice element such as value[x].
func (c ColumnDescription) IsChoice() bool {
	return strings.HasSuffix(c.Element, "[x]")
}

// BaseElement is the element without the "[x]" suffix.
func (c ColumnDescription) BaseElement() string {
	return strings.TrimSuffix(c.Element, "[x]")
}
