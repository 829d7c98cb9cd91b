package bundle

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSearchResult(t *testing.T) {
	result, err := ParseSearchResult([]byte(`{
		"resourceType": "Bundle",
		"type": "searchset",
		"total": 3,
		"link": [
			{"relation": "self", "url": "http://fhir/Observation?_count=2"},
			{"relation": "next", "url": "http://fhir/Observation?_count=2&_page=2"}
		],
		"entry": [
			{"resource": {"resourceType": "Observation", "id": "a"}},
			{"fullUrl": "http://fhir/OperationOutcome/x"},
			{"resource": {"resourceType": "Observation", "id": "b"}}
		]
	}`))
	require.NoError(t, err)

	require.Len(t, result.Resources, 2)
	assert.Equal(t, "b", result.Resources[1].ID())
	assert.Equal(t, 3, *result.Total)
	assert.Equal(t, "http://fhir/Observation?_count=2&_page=2", result.Next)
}

func TestParseSearchResultWithoutEntries(t *testing.T) {
	result, err := ParseSearchResult([]byte(`{"resourceType":"Bundle","type":"searchset","total":0}`))
	require.NoError(t, err)
	assert.Empty(t, result.Resources)
	assert.Empty(t, result.Next)
}

func TestNewBatchRequest(t *testing.T) {
	b := NewBatchRequest([]string{"Patient?_id=1", "Observation?subject=Patient/1"})
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Bundle", decoded["resourceType"])
	assert.Equal(t, "batch", decoded["type"])
	entries := decoded["entry"].([]any)
	require.Len(t, entries, 2)
	request := entries[1].(map[string]any)["request"].(map[string]any)
	assert.Equal(t, "GET", request["method"])
	assert.Equal(t, "Observation?subject=Patient/1", request["url"])
}

func TestParseBatchResponse(t *testing.T) {
	results, err := ParseBatchResponse([]byte(`{
		"resourceType": "Bundle",
		"type": "batch-response",
		"entry": [
			{"resource": {"resourceType": "Bundle", "type": "searchset"}, "response": {"status": "200 OK"}},
			{"response": {"status": "404 Not Found", "outcome": {"resourceType": "OperationOutcome"}}}
		]
	}`))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 200, results[0].Status)
	assert.Equal(t, 404, results[1].Status)
	assert.Contains(t, string(results[1].Body), "OperationOutcome")
}

func TestParseStatus(t *testing.T) {
	code, err := ParseStatus("201 Created")
	require.NoError(t, err)
	assert.Equal(t, 201, code)

	code, err = ParseStatus("200")
	require.NoError(t, err)
	assert.Equal(t, 200, code)

	_, err = ParseStatus("OK")
	assert.Error(t, err)
}
