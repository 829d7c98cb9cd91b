package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/app"
	"github.com/SanteonNL/datafinder/cmd/datafinder/config"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/settings"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const capabilityR4 = `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1","rest":[{"mode":"server"}]}`

func searchset(resources ...map[string]any) []byte {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	data, _ := json.Marshal(map[string]any{"resourceType": "Bundle", "type": "searchset", "entry": entries})
	return data
}

type fhirServer struct {
	*httptest.Server
	mu      sync.Mutex
	queries []string
}

func (s *fhirServer) observationQueries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, q := range s.queries {
		if strings.HasPrefix(q, "/Observation?") && strings.Contains(q, "subject=") {
			out = append(out, q)
		}
	}
	return out
}

func newFHIRServer(t *testing.T) *fhirServer {
	t.Helper()
	s := &fhirServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Path+"?"+r.URL.RawQuery)
		s.mu.Unlock()

		q := r.URL.Query()
		switch {
		case r.URL.Path == "/Practitioner":
			_, _ = w.Write(searchset(map[string]any{
				"resourceType": "Practitioner",
				"id":           "dr1",
				"name":         []any{map[string]any{"family": "Jansen", "given": []any{"Anna"}}},
			}))
		case r.URL.Path == "/metadata":
			_, _ = w.Write([]byte(capabilityR4))
		case r.URL.Path == "/Patient":
			_, _ = w.Write(searchset(map[string]any{"resourceType": "Patient", "id": "p1"}))
		case r.URL.Path == "/Observation" && q.Get("subject") != "":
			_, _ = w.Write(searchset(map[string]any{
				"resourceType":  "Observation",
				"id":            "o1",
				"status":        "final",
				"subject":       map[string]any{"reference": "Patient/p1"},
				"code":          map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8480-6", "display": "Systolic blood pressure"}}},
				"valueQuantity": map[string]any{"value": 120, "unit": "mmHg"},
			}))
		case r.URL.Path == "/Observation" && q.Get("code:text") != "":
			_, _ = w.Write(searchset(map[string]any{
				"resourceType": "Observation",
				"id":           "o1",
				"code":         map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": "8480-6", "display": "Systolic blood pressure"}}},
			}))
		case r.URL.Path == "/Observation" && q.Get("code") != "":
			_, _ = w.Write(searchset())
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestRouter(t *testing.T) (http.Handler, *fhirServer) {
	t.Helper()
	srv := newFHIRServer(t)
	cfg, err := config.FromViper(config.NewViper())
	require.NoError(t, err)
	cfg.FHIRServerURL = srv.URL
	cfg.BatchTimeout = 0

	reg := prometheus.NewRegistry()
	session, err := app.Open(context.Background(), app.Options{
		Config:        cfg,
		Store:         settings.NewMemoryStore(),
		ClientOptions: []client.Option{client.WithRegisterer(reg)},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(session.Close)

	return NewRouter(session, reg, zerolog.Nop()).SetupRoutes(), srv
}

func serve(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := serve(h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "R4", body["version"])
}

func TestColumns(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := serve(h, http.MethodGet, "/columns/Patient", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var cols []types.ColumnDescription
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cols))
	require.NotEmpty(t, cols)

	rec = serve(h, http.MethodPut, "/columns/Patient?context=cohort", `{"visible":["gender"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cols))
	var visible []string
	for _, c := range cols {
		if c.Visible {
			visible = append(visible, c.DisplayName)
		}
	}
	assert.Equal(t, []string{"Gender"}, visible)

	rec = serve(h, http.MethodGet, "/columns/Unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(h, http.MethodPut, "/columns/Patient", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCriteria(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := serve(h, http.MethodGet, "/criteria/Observation", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var descriptions []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &descriptions))
	var names []string
	for _, d := range descriptions {
		names = append(names, d["displayName"].(string))
	}
	assert.Equal(t, []string{"Category", "Combo code", "Date", "Performer", "Status"}, names)
}

func TestCriteriaControls(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := serve(h, http.MethodGet, "/criteria/Observation?format=html", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `id="Observation-date-from"`)
	assert.Contains(t, rec.Body.String(), "<label>Combo code</label>")
}

func TestClearCache(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := serve(h, http.MethodDelete, "/cache", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestReferences(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := serve(h, http.MethodGet, "/criteria/Observation/performer/references?text=jansen", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body struct {
		Items []types.ValueSetItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "Practitioner/dr1", body.Items[0].Code)
	assert.Contains(t, body.Items[0].Display, "Jansen")

	rec = serve(h, http.MethodGet, "/criteria/Observation/status/references?text=x", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPull(t *testing.T) {
	h, srv := newTestRouter(t)

	body := `{"patientIds":["p1"],"criteria":{"Combo code":{"codes":[{"system":"http://loinc.org","code":"8480-6"}]}}}`
	rec := serve(h, http.MethodPost, "/pull/Observation", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "text/plain;charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "observations.csv")

	assert.Contains(t, rec.Body.String(), "o1")

	queries := srv.observationQueries()
	require.Len(t, queries, 1)
	assert.Contains(t, queries[0], "combo-code=")
}

func TestPullHTML(t *testing.T) {
	h, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/pull/Observation", strings.NewReader(`{"patientIds":["p1"]}`))
	req.Header.Set("Accept", "text/html")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<table")
	assert.Contains(t, rec.Body.String(), "/Observation/o1")
}

func TestPullErrors(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := serve(h, http.MethodPost, "/pull/Observation", `{"patientIds":["p1"],"criteria":{"Date":{"from":"2020-13-45"}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodPost, "/pull/Condition", `{"patientIds":["p1"]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "Could not load Condition list")

	rec = serve(h, http.MethodPost, "/pull/Observation", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLookup(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := serve(h, http.MethodGet, "/lookup/observation-codes?text=systolic&count=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result struct {
		Items []struct {
			Code    string `json:"code"`
			Display string `json:"display"`
		} `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Items, 1)
	assert.Equal(t, "8480-6", result.Items[0].Code)

	rec = serve(h, http.MethodGet, "/lookup/observation-codes?text=x&count=zero", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := serve(h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datafinder_")
}
