package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/config"
	"github.com/SanteonNL/datafinder/cmd/datafinder/criteria"
	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/client"
	"github.com/SanteonNL/datafinder/cmd/datafinder/settings"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const capabilityR4 = `{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1","rest":[{"mode":"server","interaction":[{"code":"search-system"}]}]}`

type fhirServer struct {
	*httptest.Server
	mu      sync.Mutex
	queries []string
}

func searchset(resources ...map[string]any) []byte {
	entries := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		entries = append(entries, map[string]any{"resource": r})
	}
	data, _ := json.Marshal(map[string]any{"resourceType": "Bundle", "type": "searchset", "entry": entries})
	return data
}

func observation(id, patient, code string) map[string]any {
	return map[string]any{
		"resourceType": "Observation",
		"id":           id,
		"subject":      map[string]any{"reference": "Patient/" + patient},
		"code":         map[string]any{"coding": []any{map[string]any{"system": "http://loinc.org", "code": code}}},
		"valueQuantity": map[string]any{"value": 120, "unit": "mmHg"},
	}
}

func newFHIRServer(t *testing.T) *fhirServer {
	t.Helper()
	s := &fhirServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Path+"?"+r.URL.RawQuery)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/fhir+json")
		switch {
		case r.URL.Path == "/metadata":
			_, _ = w.Write([]byte(capabilityR4))
		case r.URL.Path == "/Patient":
			var patients []map[string]any
			for _, id := range strings.Split(r.URL.Query().Get("_id"), ",") {
				if id == "p1" || id == "p2" {
					patients = append(patients, map[string]any{"resourceType": "Patient", "id": id, "gender": "female"})
				}
			}
			_, _ = w.Write(searchset(patients...))
		case r.URL.Path == "/Observation" && r.URL.Query().Get("subject") != "":
			_, _ = w.Write(searchset(
				observation("o1", "p1", "8480-6"),
				observation("o2", "p1", "8480-6"),
				observation("o3", "p1", "8867-4"),
			))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func openSession(t *testing.T, url string, mutate func(*config.Config)) (*Session, settings.Store) {
	t.Helper()
	cfg, err := config.FromViper(config.NewViper())
	require.NoError(t, err)
	cfg.FHIRServerURL = url
	cfg.BatchTimeout = 0
	if mutate != nil {
		mutate(cfg)
	}
	store := settings.NewMemoryStore()
	s, err := Open(context.Background(), Options{
		Config:        cfg,
		Store:         store,
		ClientOptions: []client.Option{client.WithRegisterer(prometheus.NewRegistry())},
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, store
}

func TestOpen(t *testing.T) {
	srv := newFHIRServer(t)
	s, store := openSession(t, srv.URL, nil)

	assert.Equal(t, "R4", s.Client.VersionName())
	assert.False(t, s.Client.Features().Batch)

	base, ok, err := store.Get(context.Background(), settings.ServiceBaseURLKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, srv.URL, base)

	group := s.Criteria("Observation", criteria.GroupOptions{SearchNameToColumn: map[string]string{"status": "state"}})
	require.Contains(t, group, "Combo code")
	assert.Equal(t, "code", group["Combo code"].Column)
	assert.Equal(t, "state", group["Status"].Column)
}

func TestOpenRequiresServer(t *testing.T) {
	cfg, err := config.FromViper(config.NewViper())
	require.NoError(t, err)
	_, err = Open(context.Background(), Options{Config: cfg, Store: settings.NewMemoryStore()}, zerolog.Nop())
	assert.Error(t, err)
}

func TestOpenFailsOnMissingSearchParameterFile(t *testing.T) {
	srv := newFHIRServer(t)
	cfg, err := config.FromViper(config.NewViper())
	require.NoError(t, err)
	cfg.FHIRServerURL = srv.URL
	cfg.SearchParameterFile = t.TempDir() + "/missing.json"

	_, err = Open(context.Background(), Options{
		Config:        cfg,
		Store:         settings.NewMemoryStore(),
		ClientOptions: []client.Option{client.WithRegisterer(prometheus.NewRegistry())},
	}, zerolog.Nop())
	assert.Error(t, err)
}

func TestLoadPatients(t *testing.T) {
	srv := newFHIRServer(t)
	s, _ := openSession(t, srv.URL, nil)

	patients, err := s.LoadPatients(context.Background(), []string{"p1", "p2", "unknown"})
	require.NoError(t, err)
	require.Len(t, patients, 2)
	ids := []string{patients[0].ID(), patients[1].ID()}
	assert.ElementsMatch(t, []string{"p1", "p2"}, ids)
}

func TestPullTable(t *testing.T) {
	srv := newFHIRServer(t)
	s, _ := openSession(t, srv.URL, nil)
	ctx := context.Background()

	patients, err := s.LoadPatients(ctx, []string{"p1"})
	require.NoError(t, err)

	var progress [][2]int
	table, err := s.PullTable(ctx, TableRequest{
		ResourceType: "Observation",
		Patients:     patients,
		Progress: func(completed, total int) {
			progress = append(progress, [2]int{completed, total})
		},
	})
	require.NoError(t, err)
	assert.True(t, table.Completed())
	assert.Equal(t, [][2]int{{1, 1}}, progress)

	// one Observation per patient per code by default
	rows := table.Rows()
	require.Len(t, rows, 2)
	assert.Equal(t, "Observation/o1", rows[0].Reference)
	assert.Equal(t, "Observation/o3", rows[1].Reference)

	name, blob := table.Blob()
	assert.Equal(t, "observations.csv", name)
	assert.NotEmpty(t, blob)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	var pulled string
	for _, q := range srv.queries {
		if strings.HasPrefix(q, "/Observation?") && strings.Contains(q, "subject=") {
			pulled = q
		}
	}
	assert.Contains(t, pulled, "_elements=")
	assert.Contains(t, pulled, "subject=Patient/p1")
}

func TestPullTableReportsLoadErrors(t *testing.T) {
	srv := newFHIRServer(t)
	s, _ := openSession(t, srv.URL, nil)

	table, err := s.PullTable(context.Background(), TableRequest{
		ResourceType: "Condition",
		Patients:     nil,
		Criteria:     "&code=x",
	})
	// an empty cohort completes without requests
	require.NoError(t, err)
	assert.True(t, table.Completed())
	assert.Empty(t, table.Rows())

	patients, err := s.LoadPatients(context.Background(), []string{"p1"})
	require.NoError(t, err)
	table, err = s.PullTable(context.Background(), TableRequest{ResourceType: "Condition", Patients: patients})
	require.Error(t, err)
	assert.Error(t, table.Err())
	assert.Contains(t, err.Error(), "Could not load Condition list")
}
