package valueset

import (
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/samply/golang-fhir-models/fhir-models/fhir"
)

// Items flattens a value set into selectable items. The expansion is used
// when present, otherwise the concepts enumerated in compose.include.
func Items(valueSet *fhir.ValueSet) []types.ValueSetItem {
	if valueSet == nil {
		return nil
	}
	var items []types.ValueSetItem
	if valueSet.Expansion != nil && len(valueSet.Expansion.Contains) > 0 {
		var walk func(contains []fhir.ValueSetExpansionContains)
		walk = func(contains []fhir.ValueSetExpansionContains) {
			for _, c := range contains {
				if c.Code != nil {
					items = append(items, types.ValueSetItem{
						System:  deref(c.System),
						Code:    *c.Code,
						Display: displayOrCode(c.Display, *c.Code),
					})
				}
				walk(c.Contains)
			}
		}
		walk(valueSet.Expansion.Contains)
		return items
	}
	if valueSet.Compose == nil {
		return nil
	}
	for _, include := range valueSet.Compose.Include {
		for _, concept := range include.Concept {
			items = append(items, types.ValueSetItem{
				System:  deref(include.System),
				Code:    concept.Code,
				Display: displayOrCode(concept.Display, concept.Code),
			})
		}
	}
	return items
}

// ApplyTo registers every loaded value set under its canonical URL and binds
// it to the element paths listed in bindings (path -> canonical URL).
func (s *ValueSetService) ApplyTo(sink Sink, bindings map[string]string) int {
	valueSets := s.ValueSets()
	for url, vs := range valueSets {
		sink.AddValueSet(url, Items(vs))
	}
	for path, url := range bindings {
		if _, ok := valueSets[url]; !ok {
			s.log.Warn().Str("path", path).Str("url", url).Msg("Binding refers to an unknown ValueSet")
			continue
		}
		sink.BindValueSet(path, url)
	}
	return len(valueSets)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func displayOrCode(display *string, code string) string {
	if display != nil && *display != "" {
		return *display
	}
	return code
}
