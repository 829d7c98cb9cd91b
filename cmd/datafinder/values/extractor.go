// Package values maps FHIR resource elements to the strings shown in table
// cells and CSV exports.
package values

import (
	"strings"
	"sync"
	"time"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/util"
	"github.com/gofhir/fhirpath"
	"github.com/rs/zerolog"
)

// Cell is the extracted value of one column, one line per value.
type Cell struct {
	Lines []string
}

func (c Cell) String() string { return strings.Join(c.Lines, "\n") }

func (c Cell) Empty() bool { return len(c.Lines) == 0 }

type Options struct {
	// ValueSetMapByPath maps element paths such as "Patient.gender" to code -> display
	ValueSetMapByPath map[string]map[string]string
	// Patients resolves subject references for the patient context columns
	Patients PatientIndex
	// Now is used for ages, defaults to time.Now
	Now func() time.Time
}

// extractFunc renders one element value of a FHIR type.
type extractFunc func(x *Extractor, in input, value any) []string

// input is the context one element value is rendered in
type input struct {
	res     resource.Resource
	patient resource.Resource
	column  types.ColumnDescription
	path    string // "<ResourceType>.<element>", the value set lookup key
}

type Extractor struct {
	opts       Options
	extractors map[string]extractFunc
	log        zerolog.Logger

	mu          sync.Mutex
	expressions map[string]*fhirpath.Expression
}

func New(opts Options, log zerolog.Logger) *Extractor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ValueSetMapByPath == nil {
		opts.ValueSetMapByPath = map[string]map[string]string{}
	}
	x := &Extractor{
		opts:        opts,
		log:         log.With().Str("component", "value_extractor").Logger(),
		expressions: make(map[string]*fhirpath.Expression),
	}
	x.extractors = map[string]extractFunc{
		"string":      scalar,
		"code":        code,
		"id":          scalar,
		"uri":         scalar,
		"url":         scalar,
		"canonical":   scalar,
		"markdown":    scalar,
		"boolean":     scalar,
		"integer":     scalar,
		"decimal":     scalar,
		"positiveInt": scalar,
		"unsignedInt": scalar,
		"date":        scalar,
		"dateTime":    scalar,
		"instant":     scalar,
		"time":        scalar,

		"Quantity":       quantity,
		"SimpleQuantity": quantity,
		"Age":            quantity,
		"Duration":       quantity,
		"Count":          quantity,
		"Distance":       quantity,
		"Range":          rangeValue,
		"Ratio":          ratio,

		"CodeableConcept": codeableConcept,
		"Coding":          coding,
		"Reference":       reference,
		"Period":          period,
		"Identifier":      identifier,
		"HumanName":       humanName,
		"Address":         address,
		"ContactPoint":    contactPoint,

		ContextPatientName: patientName,
		ContextPatientID:   patientID,
		ContextPatientAge:  patientAge,
		ContextEmail:       patientContacts("email"),
		ContextPhone:       patientContacts("phone"),
	}
	return x
}

// Supports reports whether values of a FHIR type tag can be rendered.
func (x *Extractor) Supports(typ string) bool {
	_, ok := x.extractors[typ]
	return ok
}

// Extract renders the column of a resource. patient is the cohort patient the
// resource was loaded for; when nil it is resolved from the resource itself.
func (x *Extractor) Extract(res resource.Resource, column types.ColumnDescription, patient resource.Resource) Cell {
	if patient == nil {
		patient = x.opts.Patients.For(res)
	}
	in := input{
		res:     res,
		patient: patient,
		column:  column,
		path:    res.Type() + "." + column.BaseElement(),
	}

	if column.Expression != "" {
		return Cell{Lines: x.evaluate(res, column.Expression)}
	}

	var lines []string
	if len(column.Types) > 0 && isContextType(column.Types[0]) {
		lines = x.extractors[column.Types[0]](x, in, nil)
		return Cell{Lines: compact(lines)}
	}

	value, typ := x.elementValue(res, column)
	if value != nil {
		if fn, ok := x.extractors[typ]; ok {
			for _, item := range resource.AsList(value) {
				lines = append(lines, fn(x, in, item)...)
				// a person is shown by one name
				if typ == "HumanName" && len(lines) > 0 {
					break
				}
			}
		}
	}
	if res.Type() == "Observation" && column.BaseElement() == "value" {
		lines = append(lines, x.componentLines(in)...)
	}
	return Cell{Lines: compact(lines)}
}

// elementValue finds the value of a column and the FHIR type to render it
// with. Choice elements are tried in the order of the column's types.
func (x *Extractor) elementValue(res resource.Resource, column types.ColumnDescription) (any, string) {
	if column.IsChoice() {
		base := column.BaseElement()
		for _, typ := range column.Types {
			if v := res.Get(base + util.Capitalize(typ)); v != nil {
				return v, typ
			}
		}
		return nil, ""
	}

	value := pathValue(res, column.Element)
	if value == nil {
		return nil, ""
	}
	for _, typ := range column.Types {
		if x.Supports(typ) {
			return value, typ
		}
	}
	return nil, ""
}

// pathValue resolves a dotted element path, flattening arrays on the way.
func pathValue(res resource.Resource, element string) any {
	parts := strings.Split(element, ".")
	current := []any{map[string]any(res)}
	for _, part := range parts {
		var next []any
		for _, item := range current {
			obj := resource.AsObject(item)
			if obj == nil {
				continue
			}
			next = append(next, resource.AsList(obj[part])...)
		}
		current = next
	}
	switch len(current) {
	case 0:
		return nil
	case 1:
		if len(parts) == 1 {
			return res.Get(element)
		}
		return current[0]
	default:
		return current
	}
}

// componentLines renders Observation components as "<code>: <value>".
func (x *Extractor) componentLines(in input) []string {
	var lines []string
	valueColumn := types.ColumnDescription{Element: "value[x]", Types: componentValueTypes}
	for _, component := range in.res.Objects("component") {
		label := codeableConceptText(component.Object("code"))
		value, typ := x.elementValue(component, valueColumn)
		var rendered []string
		if value != nil {
			rendered = x.extractors[typ](x, input{res: component, path: in.path}, value)
		}
		text := strings.Join(rendered, ", ")
		switch {
		case label != "" && text != "":
			lines = append(lines, label+": "+text)
		case label != "":
			lines = append(lines, label)
		case text != "":
			lines = append(lines, text)
		}
	}
	return lines
}

var componentValueTypes = []string{"Quantity", "CodeableConcept", "string", "boolean", "integer", "Range", "Ratio", "time", "dateTime", "Period"}

func (x *Extractor) displayFor(path, code string) string {
	if displays, ok := x.opts.ValueSetMapByPath[path]; ok {
		if display, ok := displays[code]; ok && display != "" {
			return display
		}
	}
	return code
}

func compact(lines []string) []string {
	out := lines[:0]
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
