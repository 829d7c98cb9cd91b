package criteria

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/bundle"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/cmd/datafinder/values"
	"golang.org/x/sync/errgroup"
)

// Querier executes FHIR searches, see client.Client
type Querier interface {
	GetWithCache(ctx context.Context, url string) client.Response
}

var leadingDate = regexp.MustCompile(`^(\d{4})(-\d{2}-\d{2}|$)`)

// Attach loads the earliest and latest date of date parameters into Min and
// Max. Other kinds need nothing.
func (d *Description) Attach(ctx context.Context, q Querier) error {
	if d.Kind != KindDate || d.ElementPath == "" || d.ResourceType == "" {
		return nil
	}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		date, err := d.loadDate(ctx, q, false)
		d.Min = date
		return err
	})
	g.Go(func() error {
		date, err := d.loadDate(ctx, q, true)
		d.Max = date
		return err
	})
	return g.Wait()
}

func (d *Description) loadDate(ctx context.Context, q Querier, latest bool) (string, error) {
	path := strings.Split(d.ElementPath, ".")
	sort := d.Name
	if latest {
		sort = "-" + sort
	}
	resp := q.GetWithCache(ctx, fmt.Sprintf("%s?_count=1&_elements=%s&_sort=%s", d.ResourceType, path[0], sort))
	if !resp.OK() {
		return "", fmt.Errorf("failed to load %s bounds: %w", d.Name, resp.Err)
	}
	result, err := bundle.ParseSearchResult(resp.Data)
	if err != nil {
		return "", err
	}
	if len(result.Resources) == 0 {
		return "", nil
	}

	var value string
	switch v := result.Resources[0].Path(path...).(type) {
	case string:
		value = v
	case map[string]any:
		p := resource.Resource(v)
		start, end := p.String("start"), p.String("end")
		if latest {
			start, end = end, start
		}
		value = start
		if value == "" {
			value = end
		}
	}

	m := leadingDate.FindStringSubmatch(value)
	if m == nil {
		return "", nil
	}
	if m[2] == "" {
		return m[1] + "-01-01", nil
	}
	return m[1] + m[2], nil
}

// referenceFilters are the search parameters used to look up referenced
// resources by text.
var referenceFilters = map[string]string{
	"Patient":       "name",
	"Practitioner":  "name",
	"Organization":  "name",
	"Location":      "name",
	"ResearchStudy": "title",
	"Group":         "name",
}

// ReferenceSearch looks up candidates for a reference parameter. Items carry
// the relative reference as code.
func (d *Description) ReferenceSearch(ctx context.Context, q Querier, text string, count int) ([]types.ValueSetItem, int, error) {
	if d.Kind != KindReference {
		return nil, 0, fmt.Errorf("%s is not a reference parameter", d.Name)
	}
	filter, ok := referenceFilters[d.Target]
	if !ok {
		filter = "_id"
	}
	resp := q.GetWithCache(ctx, fmt.Sprintf("%s?%s=%s&_count=%d", d.Target, filter, EscapeValue(text), count))
	if !resp.OK() {
		return nil, 0, fmt.Errorf("failed to search %s: %w", d.Target, resp.Err)
	}
	result, err := bundle.ParseSearchResult(resp.Data)
	if err != nil {
		return nil, 0, err
	}

	items := make([]types.ValueSetItem, 0, len(result.Resources))
	for _, res := range result.Resources {
		items = append(items, types.ValueSetItem{Code: res.Reference(), Display: referenceDisplay(res)})
	}
	total := len(items)
	if result.Total != nil {
		total = *result.Total
	}
	return items, total, nil
}

func referenceDisplay(res resource.Resource) string {
	if names := res.Objects("name"); len(names) > 0 {
		if name, ok := values.HumanNameString(map[string]any(names[0])); ok {
			return name
		}
	}
	for _, key := range []string{"name", "title"} {
		if s := res.String(key); s != "" {
			return s
		}
	}
	return res.Reference()
}
