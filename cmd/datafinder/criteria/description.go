// Package criteria turns search parameter definitions into input controls and
// query string conditions.
package criteria

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/definitions"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/util"
	"golang.org/x/exp/slices"
)

type Kind string

const (
	KindString    Kind = "string"
	KindDate      Kind = "date"
	KindBoolean   Kind = "boolean"
	KindValueSet  Kind = "valueset"
	KindReference Kind = "reference"
)

// DefinitionsSource provides the search parameter and value set tables
type DefinitionsSource interface {
	SearchParameters(resourceType string) []types.SearchParameter
	ValueSet(key string) []types.ValueSetItem
}

// Description is one search parameter of a resource type's parameter group
type Description struct {
	DisplayName  string               `json:"displayName"`
	Name         string               `json:"name"`
	Column       string               `json:"column,omitempty"` // Table column the parameter filters on
	Kind         Kind                 `json:"kind"`
	Placeholder  string               `json:"placeholder,omitempty"`
	ElementPath  string               `json:"elementPath,omitempty"` // Element path relative to the resource, dates only
	ResourceType string               `json:"resourceType"`
	Target       string               `json:"target,omitempty"` // Referenced resource type, references only
	Options      []types.ValueSetItem `json:"options,omitempty"`

	// Min and Max are the date bounds loaded by Attach
	Min string `json:"min,omitempty"`
	Max string `json:"max,omitempty"`
}

// Selector is the selection of an autocomplete control
type Selector interface {
	SelectedCodes() []string
	SelectedItems() []types.ValueSetItem
}

// Selection is a fixed Selector
type Selection []types.ValueSetItem

func (s Selection) SelectedItems() []types.ValueSetItem { return s }

// SelectedCodes returns "system|code" for items with a system.
func (s Selection) SelectedCodes() []string {
	codes := make([]string, 0, len(s))
	for _, item := range s {
		if item.System != "" {
			codes = append(codes, item.System+"|"+item.Code)
			continue
		}
		codes = append(codes, item.Code)
	}
	return codes
}

// Value is the user input of one control
type Value struct {
	Text     string
	Checked  bool
	From     string
	To       string
	Selector Selector
}

// ValidationError is an input that cannot be turned into a condition
type ValidationError struct {
	Parameter string
	Value     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Parameter, e.Reason)
}

type GroupOptions struct {
	SearchNameToColumn map[string]string
	Skip               []string
}

// Group builds the parameter descriptions of a resource type keyed by
// display name.
func Group(defs DefinitionsSource, resourceType string, opts GroupOptions) map[string]*Description {
	group := make(map[string]*Description)
	for _, param := range defs.SearchParameters(resourceType) {
		if slices.Contains(opts.Skip, param.Name) {
			continue
		}
		d := &Description{
			DisplayName:  strings.ReplaceAll(util.Capitalize(param.Name), "-", " "),
			Name:         param.Name,
			Column:       param.Name,
			Placeholder:  param.Description,
			ResourceType: resourceType,
		}
		if column, ok := opts.SearchNameToColumn[param.Name]; ok {
			d.Column = column
		}

		switch {
		case param.Type == "date" || param.Type == "dateTime":
			d.Kind = KindDate
			d.ElementPath = elementPath(resourceType, param.Expression)
		case param.Type == "boolean":
			d.Kind = KindBoolean
		case param.Type == "reference" && len(param.Target) > 0:
			d.Kind = KindReference
			d.Target = param.Target[0]
		case param.ValueSet != "" && len(defs.ValueSet(param.ValueSet)) > 0:
			d.Kind = KindValueSet
			d.Options = defs.ValueSet(param.ValueSet)
		default:
			d.Kind = KindString
		}
		group[d.DisplayName] = d
	}
	return group
}

// elementPath picks the alternative of a search expression that belongs to
// resourceType and strips the resource type prefix.
func elementPath(resourceType, expression string) string {
	for _, alt := range strings.Split(expression, "|") {
		path := definitions.ElementPathFromExpression(alt)
		if rest, ok := strings.CutPrefix(path, resourceType+"."); ok {
			return rest
		}
	}
	return ""
}

// ControlsHTML renders the input controls of the parameter; id prefixes the
// element ids.
func (d *Description) ControlsHTML(id string) string {
	inputID := html.EscapeString(id + "-" + d.Name)
	placeholder := html.EscapeString(d.Placeholder)

	switch d.Kind {
	case KindBoolean:
		return fmt.Sprintf(`<label class="boolean-param"><input id="%s" type="checkbox">%s</label>`, inputID, placeholder)
	case KindDate:
		return fmt.Sprintf(`<span>from</span><input type="date" id="%[1]s-from" placeholder="yyyy-mm-dd" title="%[2]s" value="%[3]s">
<span>to</span><input type="date" id="%[1]s-to" placeholder="yyyy-mm-dd" title="%[2]s" value="%[4]s">`,
			inputID, placeholder, html.EscapeString(d.Min), html.EscapeString(d.Max))
	case KindValueSet:
		var b strings.Builder
		fmt.Fprintf(&b, `<input type="text" id="%[1]s" placeholder="%[2]s" list="%[1]s-list"><datalist id="%[1]s-list">`, inputID, placeholder)
		for _, item := range d.Options {
			fmt.Fprintf(&b, `<option value="%s">%s</option>`, html.EscapeString(item.Code), html.EscapeString(item.Display))
		}
		b.WriteString(`</datalist>`)
		return b.String()
	default:
		return fmt.Sprintf(`<input type="text" id="%s" placeholder="%s" title="%s">`, inputID, placeholder, placeholder)
	}
}

var datePattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// Condition returns the query string fragment for the value, starting with
// "&", or an empty string when the value selects nothing.
func (d *Description) Condition(v Value) (string, error) {
	switch d.Kind {
	case KindBoolean:
		return fmt.Sprintf("&%s=%t", d.Name, v.Checked), nil
	case KindDate:
		var b strings.Builder
		for _, bound := range []struct{ prefix, value string }{{"ge", v.From}, {"le", v.To}} {
			value := strings.TrimSpace(bound.value)
			if value == "" {
				continue
			}
			if err := validateDate(value); err != nil {
				return "", &ValidationError{Parameter: d.Name, Value: value, Reason: err.Error()}
			}
			fmt.Fprintf(&b, "&%s=%s%s", d.Name, bound.prefix, EscapeValue(value))
		}
		return b.String(), nil
	case KindValueSet, KindReference:
		if v.Selector == nil {
			return "", nil
		}
		codes := v.Selector.SelectedCodes()
		escaped := make([]string, 0, len(codes))
		for _, c := range codes {
			// the system|code separator of token searches stays literal
			if system, code, ok := strings.Cut(c, "|"); ok && d.Kind == KindValueSet {
				escaped = append(escaped, EscapeValue(system)+"|"+EscapeValue(code))
				continue
			}
			escaped = append(escaped, EscapeValue(c))
		}
		if len(escaped) == 0 {
			return "", nil
		}
		return fmt.Sprintf("&%s=%s", d.Name, strings.Join(escaped, ",")), nil
	default:
		if strings.TrimSpace(v.Text) == "" {
			return "", nil
		}
		return fmt.Sprintf("&%s=%s", d.Name, EscapeValue(v.Text)), nil
	}
}

func validateDate(value string) error {
	if !datePattern.MatchString(value) {
		return fmt.Errorf("expected yyyy, yyyy-mm or yyyy-mm-dd")
	}
	layout := "2006-01-02"[:len(value)]
	if _, err := time.Parse(layout, value); err != nil {
		return fmt.Errorf("not a valid date")
	}
	return nil
}
