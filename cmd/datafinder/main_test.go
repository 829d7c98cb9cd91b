package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFHIRServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metadata":
			_, _ = w.Write([]byte(`{"resourceType":"CapabilityStatement","fhirVersion":"4.0.1"}`))
		case "/Patient":
			data, _ := json.Marshal(map[string]any{
				"resourceType": "Bundle",
				"entry": []any{map[string]any{"resource": map[string]any{
					"resourceType": "Patient", "id": "p1", "gender": "female", "birthDate": "1980-02-03",
				}}},
			})
			_, _ = w.Write(data)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	c := &cli{v: config.NewViper()}
	root := c.rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "missing.env"), "--log-level", "error"))
	err := root.Execute()
	return out.String(), err
}

func TestReadIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cohort.txt")
	require.NoError(t, os.WriteFile(path, []byte("p1\n\n# comment\n p2 \n"), 0o644))

	ids, err := readIDs(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids)

	_, err = readIDs(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}

func TestColumnsCommand(t *testing.T) {
	srv := newFHIRServer(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "settings.db")

	out, err := run(t, "columns", "Patient", "--server", srv.URL, "--settings-dsn", dsn, "--set", "gender,birthDate")
	require.NoError(t, err)
	assert.Contains(t, out, "[x] gender")
	assert.Contains(t, out, "[ ] id")

	// the selection survives in the preference store
	out, err = run(t, "columns", "Patient", "--server", srv.URL, "--settings-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "[x] birthDate")
}

func TestPullCommandToStdout(t *testing.T) {
	srv := newFHIRServer(t)
	stdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w
	t.Cleanup(func() { os.Stdout = stdout })

	_, err = run(t, "pull", "Patient", "--server", srv.URL, "--patients", "p1", "--stdout")
	require.NoError(t, w.Close())
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "p1")
	assert.Contains(t, lines[1], "1980-02-03")
}

func TestPullCommandWritesOutput(t *testing.T) {
	srv := newFHIRServer(t)
	dir := t.TempDir()

	_, err := run(t, "pull", "Patient", "--server", srv.URL, "--patients", "p1", "--output-dir", dir, "--format", "html")
	require.NoError(t, err)

	exports, err := filepath.Glob(filepath.Join(dir, "*", "patients.html"))
	require.NoError(t, err)
	require.Len(t, exports, 1)
	data, err := os.ReadFile(exports[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), "<table")

	summaries, err := filepath.Glob(filepath.Join(dir, "*", "pull_summary*.json"))
	require.NoError(t, err)
	assert.Len(t, summaries, 1)
}

func TestPullCommandRejectsFormat(t *testing.T) {
	_, err := run(t, "pull", "Patient", "--format", "xml")
	assert.ErrorContains(t, err, "unsupported format")
}

func TestRequiresServer(t *testing.T) {
	t.Setenv("FHIR_SERVER_URL", "")
	_, err := run(t, "lookup", "glucose")
	assert.ErrorContains(t, err, "FHIR_SERVER_URL")
}
