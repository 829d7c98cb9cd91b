package output

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SanteonNL/datafinder/cmd/datafinder/fhir/resource"
	"github.com/SanteonNL/datafinder/cmd/datafinder/pull"
	"github.com/SanteonNL/datafinder/cmd/datafinder/types"
	"github.com/SanteonNL/datafinder/cmd/datafinder/values"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observationColumns() []types.ColumnDescription {
	return []types.ColumnDescription{
		{DisplayName: "Id", Element: "id", Types: []string{"id"}, Visible: true},
		{DisplayName: "Code", Element: "code", Types: []string{"CodeableConcept"}, Visible: true},
		{DisplayName: "Value", Element: "value[x]", Types: []string{"Quantity", "string"}, Visible: true},
		{DisplayName: "Status", Element: "status", Types: []string{"code"}},
	}
}

func observationRecord() pull.Record {
	return pull.Record{Resource: resource.Resource{
		"resourceType": "Observation",
		"id":           "obs-1",
		"status":       "final",
		"code":         map[string]any{"text": `Systolic "BP", sitting`},
		"valueString":  "line one\nline two",
	}}
}

func TestCSVCell(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"plain", "plain"},
		{"", ""},
		{"a,b", `"a,b"`},
		{"two words", `"two words"`},
		{"tab\there", "\"tab\there\""},
		{"multi\nline", "\"multi\nline\""},
		{`say "hi"`, `"say ""hi"""`},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, csvCell(tt.in), tt.in)
	}
}

func TestTableBlob(t *testing.T) {
	table := NewTable("Observation", observationColumns(), values.New(values.Options{}, zerolog.Nop()), "http://fhir")
	table.Next(observationRecord())
	table.Complete()

	mime, data := table.Blob()
	assert.Equal(t, CSVMimeType, mime)
	assert.Equal(t, "Id,Code,Value\nobs-1,\"Systolic \"\"BP\"\", sitting\",\"line one\nline two\"", string(data))

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, []string{"Id", "Code", "Value"}, records[0])
	assert.Equal(t, []string{"obs-1", `Systolic "BP", sitting`, "line one\nline two"}, records[1])
	assert.True(t, table.Completed())
}

func TestTableWithoutVisibleColumnsShowsAll(t *testing.T) {
	columns := observationColumns()
	for i := range columns {
		columns[i].Visible = false
	}
	table := NewTable("Observation", columns, values.New(values.Options{}, zerolog.Nop()), "")
	table.Next(observationRecord())

	_, data := table.Blob()
	header, _, _ := strings.Cut(string(data), "\n")
	assert.Equal(t, "Id,Code,Value,Status", header)
	assert.Len(t, table.Columns(), 4)
}

func TestTableError(t *testing.T) {
	table := NewTable("Observation", observationColumns(), values.New(values.Options{}, zerolog.Nop()), "")
	loadErr := &pull.LoadError{ResourceType: "Observation", Err: errors.New("boom")}
	table.Error(loadErr)

	assert.Equal(t, loadErr, table.Err())
	assert.False(t, table.Completed())
	_, data := table.Blob()
	assert.Equal(t, "Id,Code,Value", string(data))
}

func TestRenderHTML(t *testing.T) {
	table := NewTable("Observation", observationColumns(), values.New(values.Options{}, zerolog.Nop()), "http://fhir/")
	table.Next(observationRecord())

	var b strings.Builder
	require.NoError(t, table.RenderHTML(&b))
	html := b.String()

	assert.Contains(t, html, `<th>Id</th><th>Code</th><th>Value</th>`)
	assert.Contains(t, html, `<a href="http://fhir/Observation/obs-1" target="_blank">obs-1</a>`)
	assert.Contains(t, html, `line one<br>line two`)
	assert.Contains(t, html, `Systolic &#34;BP&#34;, sitting`)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "observations.csv", FileName("Observation"))
	assert.Equal(t, "researchstudies.csv", FileName("ResearchStudy"))
}

func TestOutputManager(t *testing.T) {
	var console bytes.Buffer
	om, err := NewOutputManager(t.TempDir(), &console, zerolog.InfoLevel)
	require.NoError(t, err)
	defer om.Close()

	location, err := om.Write(context.Background(), "observations.csv", CSVMimeType, []byte("Id\n1"))
	require.NoError(t, err)
	assert.Equal(t, om.Path("observations.csv"), location)
	data, err := os.ReadFile(location)
	require.NoError(t, err)
	assert.Equal(t, "Id\n1", string(data))

	jsonPath, err := om.WriteToJSON(map[string]int{"rows": 1}, "summary")
	require.NoError(t, err)
	assert.Equal(t, "summary_"+om.Timestamp()+".json", filepath.Base(jsonPath))

	logData, err := os.ReadFile(filepath.Join(om.BaseDir(), "logs", "app.log"))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Wrote export")
	assert.Contains(t, console.String(), "Wrote export")
}

type fakeS3 struct {
	inputs []*s3.PutObjectInput
	bodies []string
	err    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	var b bytes.Buffer
	if _, err := b.ReadFrom(in.Body); err != nil {
		return nil, err
	}
	f.inputs = append(f.inputs, in)
	f.bodies = append(f.bodies, b.String())
	return &s3.PutObjectOutput{}, nil
}

func TestS3Sink(t *testing.T) {
	fake := &fakeS3{}
	sink := NewS3SinkWithClient(fake, "exports", "datafinder/run-1", zerolog.Nop())

	location, err := sink.Write(context.Background(), "patients.csv", CSVMimeType, []byte("Id\n1"))
	require.NoError(t, err)
	assert.Equal(t, "s3://exports/datafinder/run-1/patients.csv", location)
	require.Len(t, fake.inputs, 1)
	assert.Equal(t, "datafinder/run-1/patients.csv", *fake.inputs[0].Key)
	assert.Equal(t, "exports", *fake.inputs[0].Bucket)
	assert.Equal(t, CSVMimeType, *fake.inputs[0].ContentType)
	assert.Equal(t, "Id\n1", fake.bodies[0])

	fake.err = errors.New("denied")
	_, err = sink.Write(context.Background(), "patients.csv", CSVMimeType, nil)
	assert.ErrorContains(t, err, "denied")
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{}, zerolog.Nop())
	assert.Error(t, err)

	sink, err := NewS3Sink(context.Background(), S3Config{Bucket: "b", Endpoint: "http://localhost:9000", PathStyle: true}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "b", sink.bucket)
}
