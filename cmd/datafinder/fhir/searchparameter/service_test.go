package searchparameter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/definitions"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundleJSON = `{
  "resourceType": "Bundle",
  "type": "collection",
  "entry": [
    {"resource": {
      "resourceType": "SearchParameter",
      "url": "http://example.org/SearchParameter/patient-nationality",
      "name": "nationality",
      "status": "active",
      "description": "Nationality of the patient",
      "code": "nationality",
      "base": ["Patient"],
      "type": "token",
      "expression": "Patient.extension('http://hl7.org/fhir/StructureDefinition/patient-nationality')"
    }},
    {"resource": {
      "resourceType": "SearchParameter",
      "url": "http://example.org/SearchParameter/clinical-date",
      "name": "date",
      "status": "active",
      "description": "A clinical date",
      "code": "clinical-date",
      "base": ["Observation", "Condition"],
      "type": "date",
      "expression": "Observation.effective | Condition.recordedDate"
    }},
    {"resource": {
      "resourceType": "SearchParameter",
      "name": "no-url",
      "status": "active",
      "description": "Missing url",
      "code": "no-url",
      "base": ["Patient"],
      "type": "string"
    }}
  ]
}`

func TestLoadBundleAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "searchparameters.json")
	require.NoError(t, os.WriteFile(path, []byte(bundleJSON), 0o644))

	repo := NewSearchParameterRepository(zerolog.Nop())
	require.NoError(t, repo.LoadSearchParametersFromFile(path))
	assert.Equal(t, 2, repo.Count())

	svc := NewSearchParameterService(repo, zerolog.Nop())
	params := svc.ParametersForResource("Patient")
	require.Len(t, params, 1)
	assert.Equal(t, "nationality", params[0].Name)
	assert.Equal(t, "token", params[0].Type)

	defs, err := definitions.Load("R4")
	require.NoError(t, err)
	assert.Equal(t, 3, svc.ApplyTo(defs))

	var found bool
	for _, p := range defs.SearchParameters("Condition") {
		if p.Name == "clinical-date" {
			found = true
			assert.Equal(t, "date", p.Type)
		}
	}
	assert.True(t, found)
}

func TestLoadSingleSearchParameter(t *testing.T) {
	repo := NewSearchParameterRepository(zerolog.Nop())
	err := repo.Load([]byte(`{"resourceType":"SearchParameter","url":"http://x/sp","name":"x","status":"draft","description":"x","code":"x","base":["Encounter"],"type":"string","expression":"Encounter.id"}`))
	require.NoError(t, err)

	sp, err := repo.GetSearchParameter("http://x/sp")
	require.NoError(t, err)
	assert.Equal(t, "x", sp.Code)

	_, err = repo.GetSearchParameter("http://x/missing")
	assert.Error(t, err)
}

func TestLoadRejectsParameterWithoutURL(t *testing.T) {
	repo := NewSearchParameterRepository(zerolog.Nop())
	err := repo.Load([]byte(`{"resourceType":"SearchParameter","name":"x","status":"draft","description":"x","code":"x","base":["Encounter"],"type":"string"}`))
	assert.Error(t, err)
}
