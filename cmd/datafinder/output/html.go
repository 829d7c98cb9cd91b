package output

import (
	"html/template"
	"io"
	"strings"
)

var tableTemplate = template.Must(template.New("table").Funcs(template.FuncMap{
	"lines": func(s string) []string { return strings.Split(s, "\n") },
}).Parse(`<table class="resource-table" data-resource-type="{{.ResourceType}}">
<thead><tr>{{range .Columns}}<th>{{.DisplayName}}</th>{{end}}</tr></thead>
<tbody>
{{- range .Rows}}
<tr>{{$ref := .Reference}}{{range $i, $cell := .Cells}}<td>
{{- if and (eq $i $.IDColumn) $ref $.BaseURL}}<a href="{{$.BaseURL}}/{{$ref}}" target="_blank">{{$cell.String}}</a>
{{- else}}{{range $j, $line := lines $cell.String}}{{if $j}}<br>{{end}}{{$line}}{{end}}{{end -}}
</td>{{end}}</tr>
{{- end}}
</tbody>
</table>
`))

// RenderHTML writes the table as HTML. Line breaks in cells become <br> and
// the id column links to the resource on the FHIR server.
func (t *Table) RenderHTML(w io.Writer) error {
	idColumn := -1
	for i, c := range t.columns {
		if c.Element == "id" {
			idColumn = i
		}
	}
	return tableTemplate.Execute(w, struct {
		ResourceType string
		Columns      any
		Rows         []Row
		IDColumn     int
		BaseURL      string
	}{
		ResourceType: t.resourceType,
		Columns:      t.columns,
		Rows:         t.Rows(),
		IDColumn:     idColumn,
		BaseURL:      strings.TrimSuffix(t.serviceBaseURL, "/"),
	})
}
