package criteria

import (
	"errors"
	"sort"
	"strings"
)

// Build concatenates the conditions of all parameters with a value, in
// display name order. Validation errors of all parameters are joined.
func Build(group map[string]*Description, values map[string]Value) (string, error) {
	names := make([]string, 0, len(values))
	for name := range values {
		if _, ok := group[name]; ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	var errs []error
	for _, name := range names {
		condition, err := group[name].Condition(values[name])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		b.WriteString(condition)
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return b.String(), nil
}
