package values

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// decode converts a generic JSON value into a FHIR datatype. Values that do
// not fit the datatype, e.g. unknown enum codes, report false.
func decode[T any](value any) (T, bool) {
	var out T
	data, err := json.Marshal(value)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false
	}
	return out, true
}

func str(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func scalar(_ *Extractor, _ input, value any) []string {
	s := scalarString(value)
	if s == "" {
		return nil
	}
	return []string{s}
}

func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// code renders a code through the value set bound to the element, if any.
func code(x *Extractor, in input, value any) []string {
	s := scalarString(value)
	if s == "" {
		return nil
	}
	return []string{x.displayFor(in.path, s)}
}

func quantityString(q fhir.Quantity) string {
	var b strings.Builder
	if q.Comparator != nil {
		b.WriteString(q.Comparator.Code())
	}
	if q.Value != nil {
		b.WriteString(fmt.Sprint(*q.Value))
	}
	unit := str(q.Unit)
	if unit == "" {
		unit = str(q.Code)
	}
	if unit != "" {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(unit)
	}
	return b.String()
}

func quantity(_ *Extractor, _ input, value any) []string {
	q, ok := decode[fhir.Quantity](value)
	if !ok {
		return nil
	}
	return []string{quantityString(q)}
}

func rangeValue(_ *Extractor, _ input, value any) []string {
	r, ok := decode[fhir.Range](value)
	if !ok {
		return nil
	}
	var low, high string
	if r.Low != nil {
		low = quantityString(*r.Low)
	}
	if r.High != nil {
		high = quantityString(*r.High)
	}
	if low == "" && high == "" {
		return nil
	}
	return []string{strings.TrimSpace(low + " - " + high)}
}

func ratio(_ *Extractor, _ input, value any) []string {
	r, ok := decode[fhir.Ratio](value)
	if !ok || r.Numerator == nil {
		return nil
	}
	s := quantityString(*r.Numerator)
	if r.Denominator != nil {
		s += " / " + quantityString(*r.Denominator)
	}
	return []string{s}
}

// codeableConceptText prefers text, then the first coding's display, then its code.
func codeableConceptText(obj resource.Resource) string {
	cc, ok := decode[fhir.CodeableConcept](obj)
	if !ok {
		return ""
	}
	if t := str(cc.Text); t != "" {
		return t
	}
	if len(cc.Coding) > 0 {
		if d := str(cc.Coding[0].Display); d != "" {
			return d
		}
		return str(cc.Coding[0].Code)
	}
	return ""
}

func codeableConcept(_ *Extractor, _ input, value any) []string {
	obj := resource.AsObject(value)
	if obj == nil {
		return nil
	}
	return []string{codeableConceptText(obj)}
}

func coding(_ *Extractor, _ input, value any) []string {
	c, ok := decode[fhir.Coding](value)
	if !ok {
		return nil
	}
	if d := str(c.Display); d != "" {
		return []string{d}
	}
	return []string{str(c.Code)}
}

func reference(_ *Extractor, _ input, value any) []string {
	r, ok := decode[fhir.Reference](value)
	if !ok {
		return nil
	}
	if d := str(r.Display); d != "" {
		return []string{d}
	}
	return []string{str(r.Reference)}
}

func period(_ *Extractor, _ input, value any) []string {
	p, ok := decode[fhir.Period](value)
	if !ok {
		return nil
	}
	start, end := str(p.Start), str(p.End)
	switch {
	case start == "" && end == "":
		return nil
	case end == "":
		return []string{start + " -"}
	case start == "":
		return []string{"- " + end}
	default:
		return []string{start + " - " + end}
	}
}

func identifier(_ *Extractor, _ input, value any) []string {
	id, ok := decode[fhir.Identifier](value)
	if !ok {
		return nil
	}
	return []string{str(id.Value)}
}

// HumanNameString renders "Given Middle Family"; a single letter middle name
// gets a period. It returns false when the name has none of these parts.
func HumanNameString(value any) (string, bool) {
	name, ok := decode[fhir.HumanName](value)
	if !ok {
		return "", false
	}
	var parts []string
	if len(name.Given) > 0 && name.Given[0] != "" {
		parts = append(parts, name.Given[0])
	}
	if len(name.Given) > 1 && name.Given[1] != "" {
		middle := name.Given[1]
		if len([]rune(middle)) == 1 {
			middle += "."
		}
		parts = append(parts, middle)
	}
	if f := str(name.Family); f != "" {
		parts = append(parts, f)
	}
	if len(parts) == 0 {
		if t := str(name.Text); t != "" {
			return t, true
		}
		return "", false
	}
	return strings.Join(parts, " "), true
}

func humanName(_ *Extractor, _ input, value any) []string {
	if s, ok := HumanNameString(value); ok {
		return []string{s}
	}
	return nil
}

// useLabel renders the use code of an address or contact point through the
// value set bound to it. Codes the value set does not know are left out.
func (x *Extractor) useLabel(path, use string) (string, bool) {
	if use == "" {
		return "", false
	}
	display, ok := x.opts.ValueSetMapByPath[path][use]
	if !ok || display == "" {
		return "", false
	}
	return display, true
}

// address renders "<use>: <line>, <city>, <state>, <postalCode>, <country>".
// It reads the element as plain JSON so codes outside the FHIR enums still
// render.
func address(x *Extractor, in input, value any) []string {
	a := resource.AsObject(value)
	if a == nil {
		return nil
	}
	var parts []string
	for _, line := range resource.AsList(a.Get("line")) {
		if s := scalarString(line); s != "" {
			parts = append(parts, s)
		}
	}
	for _, key := range []string{"city", "state", "postalCode", "country"} {
		if s := a.String(key); s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		if t := a.String("text"); t != "" {
			parts = append(parts, t)
		} else {
			return nil
		}
	}
	text := strings.Join(parts, ", ")
	if use, ok := x.useLabel(in.path+".use", a.String("use")); ok {
		text = use + ": " + text
	}
	return []string{text}
}

// contactPoint renders "<use>: <value>", the use is left out when absent or
// unknown.
func contactPoint(x *Extractor, in input, value any) []string {
	cp := resource.AsObject(value)
	if cp == nil || cp.String("value") == "" {
		return nil
	}
	v := cp.String("value")
	if use, ok := x.useLabel(in.path+".use", cp.String("use")); ok {
		return []string{use + ": " + v}
	}
	return []string{v}
}
