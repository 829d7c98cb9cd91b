package types

// SearchParameter is a search parameter definition as shipped in the definition tables
type SearchParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // string, token, date, reference, quantity, number, uri, boolean
	Description string   `json:"description,omitempty"`
	Expression  string   `json:"expression,omitempty"`
	ValueSet    string   `json:"valueSet,omitempty"` // Value set key or URL for token parameters
	Target      []string `json:"target,omitempty"`   // Resource types for reference parameters
}

// ValueSetItem is one selectable code of a value set
type ValueSetItem struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code"`
	Display string `json:"display"`
}
