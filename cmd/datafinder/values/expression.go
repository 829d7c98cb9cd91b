package values

import (
	"fmt"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/gofhir/fhirpath"
)

// evaluate runs a FHIRPath expression of a custom column. Failures render
// as an empty cell.
func (x *Extractor) evaluate(res resource.Resource, expression string) []string {
	compiled, err := x.compile(expression)
	if err != nil {
		x.log.Warn().Err(err).Str("expression", expression).Msg("Failed to compile column expression")
		return nil
	}
	data, err := res.Marshal()
	if err != nil {
		return nil
	}
	result, err := compiled.Evaluate(data)
	if err != nil {
		x.log.Debug().Err(err).Str("expression", expression).Str("resource", res.Reference()).Msg("Failed to evaluate column expression")
		return nil
	}
	lines := make([]string, 0, len(result))
	for _, item := range result {
		lines = append(lines, fmt.Sprint(item))
	}
	return compact(lines)
}

func (x *Extractor) compile(expression string) (*fhirpath.Expression, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if compiled, ok := x.expressions[expression]; ok {
		return compiled, nil
	}
	compiled, err := fhirpath.Compile(expression)
	if err != nil {
		return nil, err
	}
	x.expressions[expression] = compiled
	return compiled, nil
}
