package lookup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuerier struct {
	mu       sync.Mutex
	features client.Features
	handler  func(path string, query url.Values) client.Response
	urls     []string
}

func (f *fakeQuerier) GetWithCache(_ context.Context, raw string) client.Response {
	f.mu.Lock()
	f.urls = append(f.urls, raw)
	f.mu.Unlock()
	u, err := url.Parse(raw)
	if err != nil {
		return client.Response{Status: client.StatusAborted, Err: err}
	}
	return f.handler(u.Path, u.Query())
}

func (f *fakeQuerier) Features() client.Features { return f.features }

func obs(code, display, valueKey string) map[string]any {
	o := map[string]any{
		"resourceType": "Observation",
		"code": map[string]any{"coding": []any{
			map[string]any{"system": "http://loinc.org", "code": code, "display": display},
		}},
	}
	if valueKey != "" {
		o[valueKey] = map[string]any{}
	}
	return o
}

func page(next string, total *int, observations ...map[string]any) client.Response {
	entries := make([]map[string]any, 0, len(observations))
	for _, o := range observations {
		entries = append(entries, map[string]any{"resource": o})
	}
	b := map[string]any{"resourceType": "Bundle", "type": "searchset", "entry": entries}
	if next != "" {
		b["link"] = []map[string]any{{"relation": "next", "url": next}}
	}
	if total != nil {
		b["total"] = *total
	}
	data, _ := json.Marshal(b)
	return client.Response{Status: http.StatusOK, Data: data}
}

func codes(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, i := range items {
		out = append(out, i.Code)
	}
	return out
}

func TestSearchWithoutLastn(t *testing.T) {
	var notParams []string
	q := &fakeQuerier{handler: func(path string, query url.Values) client.Response {
		assert.Equal(t, "Observation", path)
		assert.Equal(t, "code,value,component", query.Get("_elements"))
		if query.Get("code") != "" {
			return page("", nil)
		}
		assert.Equal(t, "blood", query.Get("code:text"))
		assert.Equal(t, "500", query.Get("_count"))
		if not := query.Get("code:not"); not != "" {
			notParams = append(notParams, not)
			return page("", nil, obs("8462-4", "Diastolic blood pressure", "valueQuantity"))
		}
		return page("next-page", nil,
			obs("8480-6", "Systolic blood pressure", "valueQuantity"),
			obs("8867-4", "Heart rate", "valueQuantity"),
			obs("8480-6", "Systolic blood pressure", "valueQuantity"))
	}}

	result, err := New(q, zerolog.Nop()).Search(context.Background(), "blood", 10, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"8480-6", "8462-4"}, codes(result.Items))
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, []string{"8480-6,8867-4"}, notParams)
	assert.Equal(t, "Quantity", result.Items[0].Datatype)
	assert.Equal(t, "http://loinc.org", result.Items[0].System)
}

func TestSearchWithLastn(t *testing.T) {
	total := 40
	q := &fakeQuerier{
		features: client.Features{LastnLookup: true},
		handler: func(path string, query url.Values) client.Response {
			if path == "page2" {
				return page("page3", &total, obs("3", "glucose 3", "valueQuantity"), obs("4", "glucose 4", "valueQuantity"))
			}
			assert.Equal(t, "Observation/$lastn", path)
			assert.Equal(t, "1", query.Get("max"))
			if query.Get("code") != "" {
				return page("", nil, obs("glucose", "Glucose exact", "valueQuantity"))
			}
			return page("page2", &total, obs("1", "glucose 1", "valueQuantity"), obs("2", "Glucose 2", "valueString"))
		},
	}

	result, err := New(q, zerolog.Nop()).Search(context.Background(), "glucose", 3, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"glucose", "1", "2"}, codes(result.Items))
	assert.Equal(t, 40, result.Total)
	assert.Equal(t, "String", result.Items[2].Datatype)
	assert.NotContains(t, q.urls, "page3")
}

func TestSearchFilters(t *testing.T) {
	q := &fakeQuerier{handler: func(_ string, query url.Values) client.Response {
		if query.Get("code") != "" {
			return page("", nil, obs("hb", "Hemoglobin", "valueQuantity"))
		}
		return page("", nil,
			obs("hb", "Hemoglobin", "valueQuantity"),
			obs("hba1c", "Hemoglobin A1c", "valueQuantity"),
			obs("hb-type", "Hemoglobin type", "valueCodeableConcept"))
	}}

	result, err := New(q, zerolog.Nop()).Search(context.Background(), "hb", 10, Options{
		Datatype: "Quantity",
		Selected: []string{"hba1c"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"hb"}, codes(result.Items))
}

func TestSearchError(t *testing.T) {
	q := &fakeQuerier{handler: func(string, url.Values) client.Response {
		return client.Response{Status: http.StatusBadRequest, Err: &client.HTTPError{Status: http.StatusBadRequest}}
	}}

	_, err := New(q, zerolog.Nop()).Search(context.Background(), "x", 10, Options{})
	var httpErr *client.HTTPError
	assert.ErrorAs(t, err, &httpErr)
}

func TestValueDatatype(t *testing.T) {
	assert.Equal(t, "Quantity", ValueDatatype(resource.Resource{"valueQuantity": map[string]any{}}))
	assert.Equal(t, "CodeableConcept", ValueDatatype(resource.Resource{
		"component": []any{map[string]any{"valueCodeableConcept": map[string]any{}}},
	}))
	assert.Equal(t, "", ValueDatatype(resource.Resource{"status": "final"}))
}
